// Package template stores per-tenant per-channel notification templates and
// renders them with {{path}} substitution from event metadata and recipient
// fields. Rendering is side-effect-free; missing tokens become empty strings
// and surface as warnings, never failures.
package template

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/expr"
	"github.com/notifyx/platform/internal/notification"
)

// Template is one renderable template owned by a tenant.
type Template struct {
	TenantID        string               `json:"tenant_id" yaml:"tenant_id"`
	ID              string               `json:"id" yaml:"id"`
	Channel         notification.Channel `json:"channel" yaml:"channel"`
	SubjectTemplate string               `json:"subject_template,omitempty" yaml:"subject_template"`
	BodyTemplate    string               `json:"body_template" yaml:"body_template"`
	Variables       []string             `json:"variables,omitempty" yaml:"variables"`
}

// Validate checks structural requirements before a template is stored.
func (t Template) Validate() error {
	if t.TenantID == "" {
		return fmt.Errorf("template %q: tenant_id is required", t.ID)
	}
	if t.ID == "" {
		return fmt.Errorf("template: id is required")
	}
	if t.BodyTemplate == "" {
		return fmt.Errorf("template %q: body_template is required", t.ID)
	}
	return nil
}

// Rendered is the output of one render call.
type Rendered struct {
	Subject  string   `json:"subject,omitempty"`
	Body     string   `json:"body"`
	Warnings []string `json:"warnings,omitempty"`
}

// Service stores templates keyed by (tenant, channel) and renders them.
type Service struct {
	mu     sync.RWMutex
	byKey  map[string][]*Template // (tenant|channel) -> templates
	byID   map[string]*Template   // (tenant|id) -> template
	logger *zap.Logger
}

// NewService creates an empty template service.
func NewService(logger *zap.Logger) *Service {
	return &Service{
		byKey:  make(map[string][]*Template),
		byID:   make(map[string]*Template),
		logger: logger,
	}
}

func chanKey(tenantID string, ch notification.Channel) string {
	return tenantID + "|" + string(ch)
}

func idKey(tenantID, id string) string { return tenantID + "|" + id }

// Upsert stores or replaces a template.
func (s *Service) Upsert(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chanKey(t.TenantID, t.Channel)
	if old, ok := s.byID[idKey(t.TenantID, t.ID)]; ok {
		oldKey := chanKey(old.TenantID, old.Channel)
		list := s.byKey[oldKey]
		for i, c := range list {
			if c.ID == t.ID {
				s.byKey[oldKey] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	cp := t
	s.byID[idKey(t.TenantID, t.ID)] = &cp
	s.byKey[key] = append(s.byKey[key], &cp)
	return nil
}

// Get returns a tenant's template by id.
func (s *Service) Get(tenantID, id string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[idKey(tenantID, id)]
	return t, ok
}

// List returns the templates registered for a tenant and channel.
func (s *Service) List(tenantID string, ch notification.Channel) []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Template(nil), s.byKey[chanKey(tenantID, ch)]...)
}

// Render resolves the template and substitutes tokens from event metadata
// first, then recipient fields.
func (s *Service) Render(event notification.Event, recipient notification.Recipient, templateID string) (Rendered, error) {
	t, ok := s.Get(event.TenantID, templateID)
	if !ok {
		return Rendered{}, notification.NewError(notification.KindValidation,
			"template_not_found", fmt.Sprintf("template %q not found for tenant %q", templateID, event.TenantID))
	}
	return RenderTemplate(*t, event, recipient), nil
}

// RenderTemplate renders a template value without touching the store.
func RenderTemplate(t Template, event notification.Event, recipient notification.Recipient) Rendered {
	scopes := Scopes(event, recipient)
	body, bodyWarn := expr.Substitute(t.BodyTemplate, scopes...)
	out := Rendered{Body: body, Warnings: bodyWarn}
	if t.SubjectTemplate != "" {
		subject, subjWarn := expr.Substitute(t.SubjectTemplate, scopes...)
		out.Subject = subject
		out.Warnings = append(out.Warnings, subjWarn...)
	}
	return out
}

// RenderInline substitutes tokens in raw subject/content strings for events
// that carry their own content instead of a template id.
func RenderInline(event notification.Event, recipient notification.Recipient) Rendered {
	scopes := Scopes(event, recipient)
	body, bodyWarn := expr.Substitute(event.Content, scopes...)
	subject, subjWarn := expr.Substitute(event.Subject, scopes...)
	return Rendered{Subject: subject, Body: body, Warnings: append(bodyWarn, subjWarn...)}
}

// Scopes builds the lookup scopes for rendering: event metadata first, then
// recipient metadata and fields.
func Scopes(event notification.Event, recipient notification.Recipient) []map[string]interface{} {
	recipientScope := map[string]interface{}{
		"id":           recipient.ID,
		"name":         recipient.Name,
		"email":        recipient.Email,
		"phone_number": recipient.PhoneNumber,
	}
	scopes := []map[string]interface{}{}
	if event.Metadata != nil {
		scopes = append(scopes, event.Metadata)
	}
	if recipient.Metadata != nil {
		scopes = append(scopes, recipient.Metadata)
	}
	return append(scopes, recipientScope)
}
