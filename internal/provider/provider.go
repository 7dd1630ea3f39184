// Package provider maps channels to pluggable delivery providers and routes
// sends through the first available provider, guarded by per-provider
// circuit breakers.
package provider

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/circuitbreaker"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/template"
)

// Provider is one channel sink. Implementations return structured results
// and never panic across the boundary.
type Provider interface {
	Name() string
	Channel() notification.Channel
	Validate(event notification.Event, recipient notification.Recipient) notification.ValidationResult
	Send(ctx context.Context, msg *notification.QueueMessage, content template.Rendered) notification.DeliveryResult
	Health(ctx context.Context) error
	Configure(settings map[string]interface{}) error
}

// Registry holds providers per channel. The provider table is copy-on-write:
// reads take a snapshot, registration swaps the whole map.
type Registry struct {
	mu       sync.Mutex
	table    map[notification.Channel][]Provider
	snapshot func() map[notification.Channel][]Provider
	breakers *circuitbreaker.Registry
	logger   *zap.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(breakers *circuitbreaker.Registry, logger *zap.Logger) *Registry {
	r := &Registry{
		table:    make(map[notification.Channel][]Provider),
		breakers: breakers,
		logger:   logger,
	}
	r.publish()
	return r
}

// publish installs a new immutable snapshot. Caller holds r.mu or is the
// constructor.
func (r *Registry) publish() {
	snap := make(map[notification.Channel][]Provider, len(r.table))
	for ch, ps := range r.table {
		snap[ch] = append([]Provider(nil), ps...)
	}
	r.snapshot = func() map[notification.Channel][]Provider { return snap }
}

// Register appends a provider for its channel.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[p.Channel()] = append(r.table[p.Channel()], p)
	r.publish()
	r.logger.Info("provider registered",
		zap.String("provider", p.Name()),
		zap.String("channel", string(p.Channel())))
}

// ProvidersFor returns the providers registered for a channel.
func (r *Registry) ProvidersFor(ch notification.Channel) []Provider {
	return r.snapshot()[ch]
}

// HasProvider reports whether any provider serves the channel.
func (r *Registry) HasProvider(ch notification.Channel) bool {
	return len(r.snapshot()[ch]) > 0
}

// Channels lists channels with at least one provider.
func (r *Registry) Channels() []notification.Channel {
	snap := r.snapshot()
	out := make([]notification.Channel, 0, len(snap))
	for ch, ps := range snap {
		if len(ps) > 0 {
			out = append(out, ch)
		}
	}
	return out
}

// Send validates and dispatches through the first available provider for the
// message's channel. A validation failure skips the send and is permanent; a
// breaker rejection is transient.
func (r *Registry) Send(ctx context.Context, msg *notification.QueueMessage, content template.Rendered) notification.DeliveryResult {
	providers := r.snapshot()[msg.Channel]
	if len(providers) == 0 {
		return notification.DeliveryResult{
			Success:      false,
			ErrorCode:    "no_provider",
			ErrorMessage: "no provider registered for channel " + string(msg.Channel),
			Retryable:    false,
		}
	}
	var last notification.DeliveryResult
	for _, p := range providers {
		if v := p.Validate(msg.Event, msg.Recipient); !v.Valid {
			last = notification.DeliveryResult{
				Success:      false,
				ErrorCode:    "validation_failed",
				ErrorMessage: joinErrors(v.Errors),
				Retryable:    false,
			}
			continue
		}
		breaker := r.breakers.Get(p.Name())
		var result notification.DeliveryResult
		err := breaker.Execute(func() error {
			result = p.Send(ctx, msg, content)
			if !result.Success && result.Retryable {
				return errors.New(result.ErrorCode)
			}
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
			last = notification.DeliveryResult{
				Success:      false,
				Provider:     p.Name(),
				ErrorCode:    "circuit_open",
				ErrorMessage: "provider " + p.Name() + " circuit open",
				Retryable:    true,
			}
			continue
		}
		result.Provider = p.Name()
		return result
	}
	return last
}

// Health reports per-provider health errors, keyed by provider name.
func (r *Registry) Health(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, ps := range r.snapshot() {
		for _, p := range ps {
			out[p.Name()] = p.Health(ctx)
		}
	}
	return out
}

func joinErrors(errs []string) string {
	switch len(errs) {
	case 0:
		return "invalid target"
	case 1:
		return errs[0]
	default:
		s := errs[0]
		for _, e := range errs[1:] {
			s += "; " + e
		}
		return s
	}
}
