// Package worker drains the priority queue and drives deliveries through the
// provider registry, with exponential backoff on transient failures.
package worker

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/metrics"
	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/provider"
	"github.com/notifyx/platform/internal/queue"
	"github.com/notifyx/platform/internal/template"
)

// RetryConfig shapes the backoff schedule for transient delivery failures.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Config configures the delivery worker pool.
type Config struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout" yaml:"delivery_timeout"`
	Retry           RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = runtime.NumCPU()
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}
}

// DeliveryObserver is notified after every final delivery outcome. The
// orchestrator uses it to track per-target status.
type DeliveryObserver interface {
	DeliveryCompleted(msg *notification.QueueMessage, result notification.DeliveryResult)
}

// Pool runs MaxConcurrent workers against the queue.
type Pool struct {
	config    Config
	queue     *queue.Queue
	templates *template.Service
	providers *provider.Registry
	observer  DeliveryObserver
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewPool creates the worker pool. observer may be nil.
func NewPool(cfg Config, q *queue.Queue, templates *template.Service, providers *provider.Registry, observer DeliveryObserver, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		config:    cfg,
		queue:     q,
		templates: templates,
		providers: providers,
		observer:  observer,
		logger:    logger,
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.config.MaxConcurrent; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("delivery workers started", zap.Int("count", p.config.MaxConcurrent))
}

// Stop signals the workers and waits up to timeout for in-flight deliveries
// to finish. Returns false if the wait timed out.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return true
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.logger.Warn("worker shutdown timed out", zap.Duration("timeout", timeout))
		return false
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))
	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.process(ctx, msg, log)
	}
}

func (p *Pool) process(ctx context.Context, msg *notification.QueueMessage, log *zap.Logger) {
	content, err := p.render(msg)
	if err != nil {
		// Rendering failures never heal on retry.
		p.queue.Nack(msg.ID, false, 0, err.Error())
		metrics.DeadLettered.WithLabelValues(string(msg.Channel)).Inc()
		log.Warn("render failed",
			zap.String("message_id", msg.ID),
			zap.String("tenant_id", msg.TenantID),
			zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.DeliveryTimeout)
	start := time.Now()
	result := p.providers.Send(sendCtx, msg, content)
	cancel()

	status := "delivered"
	if !result.Success {
		status = "failed"
	}
	metrics.RecordDelivery(string(msg.Channel), result.Provider, status, time.Since(start).Seconds())

	switch {
	case result.Success:
		p.queue.Ack(msg.ID)
		log.Debug("delivered",
			zap.String("message_id", msg.ID),
			zap.String("channel", string(msg.Channel)),
			zap.String("provider_message_id", result.ProviderMessageID))
	case result.Retryable && msg.Attempt < p.config.Retry.MaxAttempts:
		delay := p.backoff(msg.Attempt)
		p.queue.Nack(msg.ID, true, delay, result.ErrorMessage)
		metrics.DeliveryRetries.WithLabelValues(string(msg.Channel)).Inc()
		log.Info("delivery retry scheduled",
			zap.String("message_id", msg.ID),
			zap.String("error_code", result.ErrorCode),
			zap.Int("attempt", msg.Attempt),
			zap.Duration("delay", delay))
	default:
		p.queue.Nack(msg.ID, false, 0, result.ErrorMessage)
		metrics.DeadLettered.WithLabelValues(string(msg.Channel)).Inc()
		log.Warn("delivery failed permanently",
			zap.String("message_id", msg.ID),
			zap.String("error_code", result.ErrorCode),
			zap.Int("attempts", msg.Attempt))
	}

	if p.observer != nil && (result.Success || !result.Retryable || msg.Attempt >= p.config.Retry.MaxAttempts) {
		p.observer.DeliveryCompleted(msg, result)
	}
}

func (p *Pool) render(msg *notification.QueueMessage) (template.Rendered, error) {
	if msg.Event.TemplateID != "" {
		return p.templates.Render(msg.Event, msg.Recipient, msg.Event.TemplateID)
	}
	return template.RenderInline(msg.Event, msg.Recipient), nil
}

// backoff returns initial*multiplier^(attempt-1) capped at MaxDelay, with up
// to 20% jitter so retries from a burst spread out.
func (p *Pool) backoff(attempt int) time.Duration {
	base := float64(p.config.Retry.InitialDelay) * math.Pow(p.config.Retry.Multiplier, float64(attempt-1))
	if max := float64(p.config.Retry.MaxDelay); base > max {
		base = max
	}
	jitter := base * 0.2 * rand.Float64()
	return time.Duration(base + jitter)
}
