package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notifyx/platform/internal/notification"
)

// actionDoc mirrors Action with string durations so operators can write
// "5m" instead of nanoseconds.
type actionDoc struct {
	Type            ActionType               `yaml:"type"`
	Transform       map[string]interface{}   `yaml:"transform"`
	EscalateAfter   string                   `yaml:"escalate_after"`
	EscalateTo      []notification.Recipient `yaml:"escalate_to"`
	AggregateKey    string                   `yaml:"aggregate_key"`
	AggregateWindow string                   `yaml:"aggregate_window"`
	RerouteChannel  notification.Channel     `yaml:"reroute_channel"`
}

type ruleDoc struct {
	TenantID  string      `yaml:"tenant_id"`
	ID        string      `yaml:"id"`
	Priority  int         `yaml:"priority"`
	Predicate string      `yaml:"predicate"`
	Actions   []actionDoc `yaml:"actions"`
}

type ruleFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

func (d actionDoc) toAction() (Action, error) {
	a := Action{
		Type:           d.Type,
		Transform:      d.Transform,
		EscalateTo:     d.EscalateTo,
		AggregateKey:   d.AggregateKey,
		RerouteChannel: d.RerouteChannel,
	}
	var err error
	if d.EscalateAfter != "" {
		if a.EscalateAfter, err = time.ParseDuration(d.EscalateAfter); err != nil {
			return a, fmt.Errorf("escalate_after: %w", err)
		}
	}
	if d.AggregateWindow != "" {
		if a.AggregateWindow, err = time.ParseDuration(d.AggregateWindow); err != nil {
			return a, fmt.Errorf("aggregate_window: %w", err)
		}
	}
	return a, nil
}

// LoadDir reads every .yaml/.yml file in dir and returns the rules they
// declare. A missing directory is not an error; a malformed file is.
func LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	var out []Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var file ruleFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, doc := range file.Rules {
			rule := Rule{
				TenantID:  doc.TenantID,
				ID:        doc.ID,
				Priority:  doc.Priority,
				Predicate: doc.Predicate,
			}
			for _, ad := range doc.Actions {
				action, err := ad.toAction()
				if err != nil {
					return nil, fmt.Errorf("%s rule %q: %w", path, doc.ID, err)
				}
				rule.Actions = append(rule.Actions, action)
			}
			out = append(out, rule)
		}
	}
	return out, nil
}

// LoadInto loads the directory and upserts every rule into the engine.
func LoadInto(e *Engine, dir string) (int, error) {
	loaded, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, r := range loaded {
		if err := e.Upsert(r); err != nil {
			return 0, fmt.Errorf("rule %s/%s: %w", r.TenantID, r.ID, err)
		}
	}
	return len(loaded), nil
}
