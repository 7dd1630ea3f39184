// Package connectors maintains the connector registry and resolves version
// constraints across connector dependencies.
package connectors

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ConnectorType classifies what a connector contributes to a workflow.
type ConnectorType string

const (
	TypeTrigger   ConnectorType = "trigger"
	TypeAction    ConnectorType = "action"
	TypeTransform ConnectorType = "transform"
)

// Param describes one declared input or output field.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// AuthSpec names the credential shape a connector expects.
type AuthSpec struct {
	Type   string   `json:"type,omitempty"` // none, apiKey, oauth2, basic
	Scopes []string `json:"scopes,omitempty"`
}

// Dependencies declares what a connector version needs alongside itself.
// Peers and Connectors are both hard version constraints on other connectors;
// APIs and Packages are informational.
type Dependencies struct {
	Peers      map[string]string `json:"peers,omitempty"`
	Connectors map[string]string `json:"connectors,omitempty"`
	APIs       []string          `json:"apis,omitempty"`
	Packages   []string          `json:"packages,omitempty"`
}

// ConflictRules lists connectors a version cannot coexist with, as
// "id@range" patterns.
type ConflictRules struct {
	IncompatibleWith []string `json:"incompatibleWith,omitempty"`
}

// Manifest describes one immutable connector version.
type Manifest struct {
	ID            string                 `json:"id"`
	Version       string                 `json:"version"`
	Type          ConnectorType          `json:"type"`
	Category      string                 `json:"category,omitempty"`
	Label         string                 `json:"label,omitempty"`
	Inputs        []Param                `json:"inputs,omitempty"`
	Outputs       []Param                `json:"outputs,omitempty"`
	InputSchema   json.RawMessage        `json:"inputSchema,omitempty"`
	Auth          AuthSpec               `json:"auth,omitempty"`
	Dependencies  Dependencies           `json:"dependencies,omitempty"`
	ConflictRules ConflictRules          `json:"conflictRules,omitempty"`
	Compatibility map[string]interface{} `json:"compatibility,omitempty"`

	semver *semver.Version
}

// Validate checks the manifest fields needed by the registry.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return fmt.Errorf("manifest %s: bad version %q: %w", m.ID, m.Version, err)
	}
	switch m.Type {
	case TypeTrigger, TypeAction, TypeTransform:
	default:
		return fmt.Errorf("manifest %s@%s: unknown type %q", m.ID, m.Version, m.Type)
	}
	m.semver = v
	return nil
}

// Semver returns the parsed version. Validate must have succeeded.
func (m *Manifest) Semver() *semver.Version { return m.semver }

// Document is the on-disk registry file shape.
type Document struct {
	Schema          string     `json:"schema,omitempty"`
	RegistryVersion string     `json:"registryVersion,omitempty"`
	LastUpdated     time.Time  `json:"lastUpdated,omitempty"`
	Connectors      []Manifest `json:"connectors"`
}
