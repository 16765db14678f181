package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpulse/hostpulse/internal/broadcast"
	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore, *broadcast.Capture, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := storage.NewMemoryStore()
	bus := &broadcast.Capture{Clock: clock}
	cfg := config.AlertConfig{
		CooldownWindow:  config.Duration(30 * time.Minute),
		EscalationAfter: config.Duration(30 * time.Minute),
		JanitorInterval: config.Duration(10 * time.Minute),
	}
	return NewManager(store, bus, cfg, clock, zerolog.Nop()), store, bus, clock
}

func criticalChange(hostID string) types.StatusChangedEvent {
	return types.StatusChangedEvent{
		HostID:     hostID,
		Old:        types.StatusHealthy,
		New:        types.StatusCritical,
		Reason:     "cpu 97.0 over critical threshold 81.0",
		Confidence: 90,
	}
}

func TestEvaluateCreatesAlert(t *testing.T) {
	ctx := context.Background()
	m, store, bus, _ := newTestManager(t)

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, types.AlertActive, alert.State)
	assert.Equal(t, types.AlertKindStatusCritical, alert.Kind)
	assert.Equal(t, types.SeverityHigh, alert.Severity)
	assert.Contains(t, alert.Message, "web-01")

	stored, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertActive, stored.State)

	assert.Equal(t, []string{types.TopicAlertCreated}, bus.Topics())
}

func TestEvaluateBelowCriticalIsNoop(t *testing.T) {
	ctx := context.Background()
	m, _, bus, _ := newTestManager(t)

	alert, err := m.Evaluate(ctx, types.StatusChangedEvent{
		HostID: "web-01",
		Old:    types.StatusHealthy,
		New:    types.StatusWarning,
	})
	require.NoError(t, err)
	assert.Nil(t, alert)
	assert.Empty(t, bus.Topics())
}

func TestEvaluateSingletonPerHostAndKind(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)

	first, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID, "existing active alert returned, no duplicate")

	_, total, err := store.ListAlerts(ctx, types.AlertFilter{HostID: "web-01"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// A different kind for the same host still fires.
	offline, err := m.Evaluate(ctx, types.StatusChangedEvent{
		HostID: "web-01", Old: types.StatusCritical, New: types.StatusOffline,
	})
	require.NoError(t, err)
	require.NotNil(t, offline)
	assert.NotEqual(t, first.ID, offline.ID)
}

func TestCooldownSuppresssAfterResolve(t *testing.T) {
	ctx := context.Background()
	m, store, _, clock := newTestManager(t)

	first, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(5 * time.Minute)
	_, err = m.Resolve(ctx, first.ID, "ops", "restarted service")
	require.NoError(t, err)

	// Inside the cooldown window: suppressed, no new alert.
	clock.Advance(10 * time.Minute)
	suppressed, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	_, total, err := store.ListAlerts(ctx, types.AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// Suppression refreshed the cooldown entry, so the window counts
	// from the suppressed attempt.
	clock.Advance(31 * time.Minute)
	again, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.NotEqual(t, first.ID, again.ID)

	_, total, err = store.ListAlerts(ctx, types.AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestAutoResolveOnRecovery(t *testing.T) {
	ctx := context.Background()
	m, store, bus, clock := newTestManager(t)

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, alert)

	clock.Advance(20 * time.Minute)
	_, err = m.Evaluate(ctx, types.StatusChangedEvent{
		HostID: "web-01", Old: types.StatusCritical, New: types.StatusHealthy,
	})
	require.NoError(t, err)

	stored, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, stored.State)
	assert.Equal(t, "system", stored.ResolvedBy)
	assert.Equal(t, "host recovered to HEALTHY", stored.Detail["resolutionNote"])
	assert.Equal(t, 0, m.ActiveCount())

	assert.Contains(t, bus.Topics(), types.TopicAlertResolved)
}

func TestAcknowledgeLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	acked, err := m.Acknowledge(ctx, alert.ID, "alice", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, acked.State)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, "looking into it", acked.Detail["ackNote"])

	// Acknowledging twice returns the record unchanged.
	again, err := m.Acknowledge(ctx, alert.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.AcknowledgedBy)

	_, err = m.Acknowledge(ctx, "no-such-alert", "alice", "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = m.Acknowledge(ctx, alert.ID, "", "")
	assert.True(t, types.IsValidation(err))
}

func TestAcknowledgeAfterResolveInvalid(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)

	_, err = m.Resolve(ctx, alert.ID, "ops", "")
	require.NoError(t, err)

	_, err = m.Acknowledge(ctx, alert.ID, "alice", "")
	assert.True(t, types.IsInvalidState(err))
}

// gatedAlertStore blocks the first UpdateAlert until released, exposing
// the window between a transition's read and its commit.
type gatedAlertStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAlertStore) UpdateAlert(ctx context.Context, alert types.Alert) error {
	var gate bool
	g.once.Do(func() { gate = true })
	if gate {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.MemoryStore.UpdateAlert(ctx, alert)
}

func TestResolveDuringAcknowledgeKeepsTerminalState(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := &gatedAlertStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	cfg := config.AlertConfig{CooldownWindow: config.Duration(30 * time.Minute)}
	m := NewManager(store, &broadcast.Capture{Clock: clock}, cfg, clock, zerolog.Nop())

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, alert)

	ackDone := make(chan error, 1)
	go func() {
		_, err := m.Acknowledge(ctx, alert.ID, "alice", "")
		ackDone <- err
	}()
	<-store.entered

	resolveDone := make(chan error, 1)
	go func() {
		_, err := m.Resolve(ctx, alert.ID, "ops", "fixed")
		resolveDone <- err
	}()

	// The resolve must wait until the acknowledge has committed.
	select {
	case err := <-resolveDone:
		t.Fatalf("resolve completed mid-acknowledge: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-ackDone)
	require.NoError(t, <-resolveDone)

	stored, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, stored.State, "resolve is the final word")
	assert.Equal(t, "alice", stored.AcknowledgedBy)
	assert.Equal(t, 0, m.ActiveCount(), "nothing left in the open set")
}

func TestResolveIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	first, err := m.Resolve(ctx, alert.ID, "ops", "fixed")
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, first.State)
	require.NotNil(t, first.ResolvedAt)

	clock.Advance(time.Hour)
	second, err := m.Resolve(ctx, alert.ID, "someone-else", "retry")
	require.NoError(t, err)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt, "second resolve returns the same record")
	assert.Equal(t, "ops", second.ResolvedBy)
}

func TestAssignLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)

	assigned, err := m.Assign(ctx, alert.ID, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", assigned.AssignedTo)

	// Still allowed after acknowledgment.
	_, err = m.Acknowledge(ctx, alert.ID, "bob", "")
	require.NoError(t, err)
	_, err = m.Assign(ctx, alert.ID, "carol", "alice")
	require.NoError(t, err)

	_, err = m.Resolve(ctx, alert.ID, "carol", "")
	require.NoError(t, err)
	_, err = m.Assign(ctx, alert.ID, "dave", "alice")
	assert.True(t, types.IsInvalidState(err))
}

func TestListNeedingEscalation(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	stale, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	acked, err := m.Evaluate(ctx, criticalChange("db-01"))
	require.NoError(t, err)
	_, err = m.Acknowledge(ctx, acked.ID, "alice", "")
	require.NoError(t, err)

	clock.Advance(25 * time.Minute)
	fresh, err := m.Evaluate(ctx, criticalChange("cache-01"))
	require.NoError(t, err)

	needing := m.ListNeedingEscalation(30 * time.Minute)
	require.Len(t, needing, 1, "acknowledged and fresh alerts excluded")
	assert.Equal(t, stale.ID, needing[0].ID)
	_ = fresh
}

func TestRestoreRebuildsDedupState(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := storage.NewMemoryStore()
	cfg := config.AlertConfig{CooldownWindow: config.Duration(30 * time.Minute)}

	require.NoError(t, store.InsertAlert(ctx, types.Alert{
		ID:        "preexisting",
		HostID:    "web-01",
		Kind:      types.AlertKindStatusCritical,
		Severity:  types.SeverityHigh,
		State:     types.AlertActive,
		CreatedAt: clock.Now().Add(-5 * time.Minute),
	}))

	m := NewManager(store, &broadcast.Capture{Clock: clock}, cfg, clock, zerolog.Nop())
	require.NoError(t, m.Restore(ctx))
	assert.Equal(t, 1, m.ActiveCount())

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "preexisting", alert.ID, "restored alert dedups new triggers")
}

func TestRaiseAnomalySeverity(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	high, err := m.RaiseAnomaly(ctx, types.AnomalyRecord{
		HostID: "web-01", Metric: types.MetricCPU, Value: 99, Score: 12,
		Kind: types.AnomalySpike, Confidence: 100,
	})
	require.NoError(t, err)
	require.NotNil(t, high)
	assert.Equal(t, types.AlertKindAnomaly, high.Kind)
	assert.Equal(t, types.SeverityHigh, high.Severity)

	medium, err := m.RaiseAnomaly(ctx, types.AnomalyRecord{
		HostID: "db-01", Metric: types.MetricLatency, Value: 300, Score: 4,
		Kind: types.AnomalySpike, Confidence: 80,
	})
	require.NoError(t, err)
	require.NotNil(t, medium)
	assert.Equal(t, types.SeverityMedium, medium.Severity)
}

type failingAlertStore struct {
	*storage.MemoryStore
	failures int
}

func (f *failingAlertStore) InsertAlert(ctx context.Context, alert types.Alert) error {
	if f.failures > 0 {
		f.failures--
		return &types.TransientStoreError{Op: "insert alert", Err: context.DeadlineExceeded}
	}
	return f.MemoryStore.InsertAlert(ctx, alert)
}

func TestCreateRollsBackWhenPersistenceFails(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := &failingAlertStore{MemoryStore: storage.NewMemoryStore(), failures: 10}
	cfg := config.AlertConfig{CooldownWindow: config.Duration(30 * time.Minute)}

	m := NewManager(store, &broadcast.Capture{Clock: clock}, cfg, clock, zerolog.Nop())
	m.retry = types.RetryPolicy{MaxAttempts: 2}

	_, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.Error(t, err)
	assert.Equal(t, 0, m.ActiveCount(), "failed creation leaves no in-memory state")

	// With the store healthy again the next trigger is not blocked by a
	// stale cooldown entry.
	store.failures = 0
	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestJanitorPrunesExpiredCooldowns(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager(t)

	alert, err := m.Evaluate(ctx, criticalChange("web-01"))
	require.NoError(t, err)
	_, err = m.Resolve(ctx, alert.ID, "ops", "")
	require.NoError(t, err)

	m.mu.RLock()
	entries := len(m.cooldowns)
	m.mu.RUnlock()
	require.Equal(t, 1, entries)

	clock.Advance(31 * time.Minute)
	m.pruneCooldowns()

	m.mu.RLock()
	entries = len(m.cooldowns)
	m.mu.RUnlock()
	assert.Equal(t, 0, entries)
}
