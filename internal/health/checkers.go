package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/notifyx/platform/internal/provider"
	"github.com/notifyx/platform/internal/queue"
)

// QueueChecker degrades when pending depth crosses the threshold. The queue
// itself cannot fail, so the check is never critical.
type QueueChecker struct {
	Queue          *queue.Queue
	DepthThreshold int
}

func (c QueueChecker) Name() string   { return "queue" }
func (c QueueChecker) Critical() bool { return false }

func (c QueueChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	pending := c.Queue.TotalPending()
	res := CheckResult{
		Status:   StatusHealthy,
		Duration: time.Since(start),
		Details: map[string]interface{}{
			"pending":   pending,
			"in_flight": c.Queue.InFlight(),
		},
	}
	if c.DepthThreshold > 0 && pending >= c.DepthThreshold {
		res.Status = StatusDegraded
		res.Error = fmt.Sprintf("queue depth %d at or above threshold %d", pending, c.DepthThreshold)
	}
	return res
}

// ProviderChecker probes every registered provider's Health endpoint.
type ProviderChecker struct {
	Registry *provider.Registry
}

func (c ProviderChecker) Name() string   { return "providers" }
func (c ProviderChecker) Critical() bool { return false }

func (c ProviderChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	failures := c.Registry.Health(ctx)
	res := CheckResult{
		Status:   StatusHealthy,
		Duration: time.Since(start),
		Details:  map[string]interface{}{"failed": len(failures)},
	}
	if len(failures) > 0 {
		res.Status = StatusDegraded
		for name, err := range failures {
			res.Error = fmt.Sprintf("%s: %v", name, err)
			break
		}
	}
	return res
}

// DatabaseChecker pings Postgres. Critical: persistence outage means the
// service cannot accept work.
type DatabaseChecker struct {
	DB *sqlx.DB
}

func (c DatabaseChecker) Name() string   { return "postgres" }
func (c DatabaseChecker) Critical() bool { return true }

func (c DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.DB.PingContext(ctx)
	res := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	} else {
		stats := c.DB.Stats()
		res.Details = map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
		}
	}
	return res
}

// RedisChecker pings the idempotency Redis.
type RedisChecker struct {
	Client *redis.Client
}

func (c RedisChecker) Name() string   { return "redis" }
func (c RedisChecker) Critical() bool { return false }

func (c RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.Client.Ping(ctx).Err()
	res := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}
