package health

import (
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/model"
)

type fakeRouter struct {
	status    model.RouterStatus
	failovers int
}

func (f *fakeRouter) Status() model.RouterStatus { return f.status }
func (f *fakeRouter) ForceFailover()             { f.failovers++ }

type fakeStream struct {
	health     model.ConnectionHealth
	reconnects int
}

func (f *fakeStream) Health() model.ConnectionHealth { return f.health }
func (f *fakeStream) ForceReconnect()                { f.reconnects++ }

type fakePoll struct {
	health model.ConnectionHealth
}

func (f *fakePoll) Health() model.ConnectionHealth { return f.health }

func newTestReporter(state model.RouterState) (*Reporter, *fakeRouter, *fakeStream, *fakePoll) {
	now := time.Now()
	router := &fakeRouter{status: model.RouterStatus{
		State:                   state,
		StateChangedAt:          now,
		FallbackActivationCount: 2,
		UptimePercent:           98.5,
	}}
	stream := &fakeStream{health: model.ConnectionHealth{
		Source:            model.SourcePrimary,
		Connected:         true,
		Authenticated:     true,
		LastMessageAt:     &now,
		MessagesPerMinute: 120,
		SubscribedSymbols: []string{"AAPL"},
	}}
	poll := &fakePoll{health: model.ConnectionHealth{
		Source:        model.SourceSecondary,
		Connected:     true,
		Authenticated: true,
	}}
	cfg := config.RouterConfig{FailureThreshold: 3}
	return NewReporter(cfg, router, stream, poll), router, stream, poll
}

func TestSnapshotStatusMapping(t *testing.T) {
	cases := []struct {
		state  model.RouterState
		status model.OverallStatus
		source string
	}{
		{model.StatePrimaryActive, model.StatusHealthy, "PRIMARY"},
		{model.StateFallbackActive, model.StatusDegraded, "SECONDARY"},
		{model.StateBothUnavailable, model.StatusUnhealthy, "NONE"},
		{model.StateStartup, model.StatusUnknown, "NONE"},
	}
	for _, tc := range cases {
		reporter, _, _, _ := newTestReporter(tc.state)
		snap := reporter.Snapshot()
		if snap.Status != tc.status {
			t.Fatalf("state %s: expected status %s, got %s", tc.state, tc.status, snap.Status)
		}
		if snap.AuthoritativeSource != tc.source {
			t.Fatalf("state %s: expected source %s, got %s", tc.state, tc.source, snap.AuthoritativeSource)
		}
	}
}

func TestSnapshotCarriesSourceDetail(t *testing.T) {
	reporter, _, stream, poll := newTestReporter(model.StatePrimaryActive)
	snap := reporter.Snapshot()

	if snap.Primary.Status != model.StatusHealthy {
		t.Fatalf("primary should report healthy, got %s", snap.Primary.Status)
	}
	if snap.Primary.MessagesPerMinute != 120 {
		t.Fatalf("messages per minute not carried, got %v", snap.Primary.MessagesPerMinute)
	}
	if len(snap.Primary.SubscribedSymbols) != 1 || snap.Primary.SubscribedSymbols[0] != "AAPL" {
		t.Fatalf("subscribed symbols not carried: %v", snap.Primary.SubscribedSymbols)
	}
	if snap.Router.FallbackCount != 2 || snap.Router.UptimePercent != 98.5 {
		t.Fatalf("router counters not carried: %+v", snap.Router)
	}

	// Degrade the primary and confirm the per-source status flips while
	// the secondary stays healthy.
	stream.health.ConsecutiveFailures = 5
	snap = reporter.Snapshot()
	if snap.Primary.Status != model.StatusUnhealthy {
		t.Fatalf("primary with 5 failures should be unhealthy, got %s", snap.Primary.Status)
	}
	if snap.Secondary.Status != model.StatusHealthy {
		t.Fatalf("secondary should stay healthy, got %s", snap.Secondary.Status)
	}

	poll.health.Connected = false
	poll.health.Authenticated = false
	snap = reporter.Snapshot()
	if snap.Secondary.Status != model.StatusUnhealthy {
		t.Fatalf("disconnected secondary should be unhealthy, got %s", snap.Secondary.Status)
	}
}

func TestAdminActionsDelegate(t *testing.T) {
	reporter, router, stream, _ := newTestReporter(model.StatePrimaryActive)

	reporter.ForceFailover()
	reporter.ForceFailover()
	if router.failovers != 2 {
		t.Fatalf("expected 2 failover delegations, got %d", router.failovers)
	}

	reporter.ForceReconnect()
	if stream.reconnects != 1 {
		t.Fatalf("expected 1 reconnect delegation, got %d", stream.reconnects)
	}
}
