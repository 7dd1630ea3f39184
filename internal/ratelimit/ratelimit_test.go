package ratelimit

import (
	"testing"

	"go.uber.org/zap"
)

func TestDisabledAllowsEverything(t *testing.T) {
	l := New(Config{Enabled: false}, zap.NewNop())
	for i := 0; i < 1000; i++ {
		if !l.Allow("t", "r") {
			t.Fatal("disabled limiter must allow")
		}
	}
}

func TestPerMinuteTenantLimit(t *testing.T) {
	l := New(Config{Enabled: true, Tenant: Limits{PerMinute: 5}}, zap.NewNop())
	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Allow("t1") {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected 5 allowed in the window, got %d", allowed)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	l := New(Config{Enabled: true, Tenant: Limits{PerMinute: 2}}, zap.NewNop())
	l.Allow("t1")
	l.Allow("t1")
	if l.Allow("t1") {
		t.Fatal("t1 should be exhausted")
	}
	if !l.Allow("t2") {
		t.Fatal("t2 must not be affected by t1's consumption")
	}
}

func TestRecipientLimitIsAllOrNothing(t *testing.T) {
	l := New(Config{
		Enabled:   true,
		Tenant:    Limits{PerMinute: 100},
		Recipient: Limits{PerMinute: 1},
	}, zap.NewNop())

	if !l.Allow("t", "r1") {
		t.Fatal("first send to r1 should pass")
	}
	// r1 is exhausted; a multi-recipient acquire including r1 must consume
	// nothing, so r2 stays fully available afterwards.
	if l.Allow("t", "r1", "r2") {
		t.Fatal("acquire including exhausted r1 should fail")
	}
	if !l.Allow("t", "r2") {
		t.Fatal("r2's token must not have been consumed by the failed acquire")
	}
}

func TestTenantBucketNotDrainedByDeniedAcquire(t *testing.T) {
	l := New(Config{
		Enabled:   true,
		Tenant:    Limits{PerMinute: 2},
		Recipient: Limits{PerMinute: 1},
	}, zap.NewNop())
	if !l.Allow("t", "r1") {
		t.Fatal("first acquire should pass")
	}
	// Denied by recipient bucket; tenant token must be returned.
	if l.Allow("t", "r1") {
		t.Fatal("r1 exhausted, acquire should fail")
	}
	if !l.Allow("t", "r2") {
		t.Fatal("tenant bucket should still hold its second token")
	}
}

func TestStats(t *testing.T) {
	l := New(Config{Enabled: true, Tenant: Limits{PerMinute: 1}}, zap.NewNop())
	l.Allow("t")
	l.Allow("t")
	s := l.Stats()
	if s.Allowed != 1 || s.Denied != 1 {
		t.Errorf("stats: %+v", s)
	}
}
