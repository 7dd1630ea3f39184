package connectors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// Registry maps connector ids to their known versions. The version table is
// copy-on-write: reads take a lock-free snapshot, loads swap the whole table.
type Registry struct {
	mu       sync.Mutex
	snapshot func() map[string][]*Manifest // id -> versions, newest first

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema // id@version -> compiled input schema

	dir     string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		schemas: make(map[string]*jsonschema.Schema),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	empty := map[string][]*Manifest{}
	r.snapshot = func() map[string][]*Manifest { return empty }
	return r
}

// LoadDir reads every *.json registry document in dir and replaces the
// table. Manifests that fail validation are skipped with a warning.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read registry dir: %w", err)
	}
	table := make(map[string][]*Manifest)
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for i := range doc.Connectors {
			m := doc.Connectors[i]
			if err := m.Validate(); err != nil {
				r.logger.Warn("skipping invalid manifest",
					zap.String("file", entry.Name()),
					zap.Error(err))
				continue
			}
			table[m.ID] = append(table[m.ID], &m)
			loaded++
		}
	}
	for id := range table {
		versions := table[id]
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].semver.GreaterThan(versions[j].semver)
		})
	}

	r.mu.Lock()
	r.dir = dir
	r.snapshot = func() map[string][]*Manifest { return table }
	r.mu.Unlock()

	r.schemaMu.Lock()
	r.schemas = make(map[string]*jsonschema.Schema)
	r.schemaMu.Unlock()

	r.logger.Info("connector registry loaded",
		zap.String("dir", dir),
		zap.Int("connectors", len(table)),
		zap.Int("versions", loaded))
	return nil
}

// Watch starts hot reloading: any change to a .json file in the loaded
// directory reloads the whole registry.
func (r *Registry) Watch() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if r.dir == "" {
		return fmt.Errorf("registry: LoadDir before Watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher
	r.started = true
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			// Settle rapid successive writes before reloading.
			time.Sleep(50 * time.Millisecond)
			if err := r.LoadDir(r.dir); err != nil {
				r.logger.Error("registry reload failed",
					zap.String("file", event.Name),
					zap.Error(err))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("registry watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	close(r.stopCh)
	r.watcher.Close()
	r.started = false
}

// Replace installs manifests directly, bypassing the filesystem. Used by
// tests and imports.
func (r *Registry) Replace(manifests []Manifest) error {
	table := make(map[string][]*Manifest)
	for i := range manifests {
		m := manifests[i]
		if err := m.Validate(); err != nil {
			return err
		}
		table[m.ID] = append(table[m.ID], &m)
	}
	for id := range table {
		versions := table[id]
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].semver.GreaterThan(versions[j].semver)
		})
	}
	r.mu.Lock()
	r.snapshot = func() map[string][]*Manifest { return table }
	r.mu.Unlock()
	r.schemaMu.Lock()
	r.schemas = make(map[string]*jsonschema.Schema)
	r.schemaMu.Unlock()
	return nil
}

// Versions returns the known versions of a connector, newest first.
func (r *Registry) Versions(id string) []*Manifest {
	return r.snapshot()[id]
}

// Get returns one exact connector version.
func (r *Registry) Get(id, version string) (*Manifest, bool) {
	for _, m := range r.snapshot()[id] {
		if m.Version == version {
			return m, true
		}
	}
	return nil, false
}

// Has reports whether any version of the connector exists.
func (r *Registry) Has(id string) bool {
	return len(r.snapshot()[id]) > 0
}

// IDs lists all connector ids, sorted.
func (r *Registry) IDs() []string {
	snap := r.snapshot()
	out := make([]string, 0, len(snap))
	for id := range snap {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InputSchema compiles and caches the input schema of one connector version.
// Connectors without a schema return (nil, nil).
func (r *Registry) InputSchema(id, version string) (*jsonschema.Schema, error) {
	m, ok := r.Get(id, version)
	if !ok {
		return nil, fmt.Errorf("connector %s@%s not registered", id, version)
	}
	if len(m.InputSchema) == 0 {
		return nil, nil
	}
	key := id + "@" + version
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if s, ok := r.schemas[key]; ok {
		return s, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(m.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("connector %s schema: %w", key, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(key+".json", doc); err != nil {
		return nil, fmt.Errorf("connector %s schema: %w", key, err)
	}
	schema, err := compiler.Compile(key + ".json")
	if err != nil {
		return nil, fmt.Errorf("connector %s schema: %w", key, err)
	}
	r.schemas[key] = schema
	return schema, nil
}
