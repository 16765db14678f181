// Package alerting owns the alert lifecycle: creation from status and
// anomaly events with cooldown deduplication, acknowledge/resolve/assign
// transitions, and escalation listing for stale alerts.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/broadcast"
	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/metrics"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/types"
)

// Manager tracks open alerts in memory and mirrors every transition to
// the durable alert log. The in-memory view is authoritative for
// dedup decisions; the log is the audit trail and restart source.
type Manager struct {
	log   zerolog.Logger
	clock clockwork.Clock
	store storage.AlertStore
	bus   broadcast.Broadcaster

	cooldownWindow time.Duration
	retry          types.RetryPolicy

	// opMu serializes lifecycle commands end to end, so the read, the
	// durable update and the in-memory commit of one transition cannot
	// interleave with another transition on the same alert.
	opMu sync.Mutex

	mu        sync.RWMutex
	open      map[string]types.Alert
	openByKey map[string]string
	cooldowns map[string]types.CooldownEntry
}

func NewManager(store storage.AlertStore, bus broadcast.Broadcaster, cfg config.AlertConfig, clock clockwork.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		log:            log.With().Str("component", "alerting").Logger(),
		clock:          clock,
		store:          store,
		bus:            bus,
		cooldownWindow: cfg.CooldownWindow.Std(),
		retry:          types.DefaultRetryPolicy,
		open:           make(map[string]types.Alert),
		openByKey:      make(map[string]string),
		cooldowns:      make(map[string]types.CooldownEntry),
	}
}

func dedupKey(hostID string, kind types.AlertKind) string {
	return hostID + "|" + string(kind)
}

// Restore rebuilds the in-memory open-alert and cooldown state from the
// durable log after a restart.
func (m *Manager) Restore(ctx context.Context) error {
	alerts, err := m.store.OpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("restore open alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		m.open[a.ID] = a
		key := dedupKey(a.HostID, a.Kind)
		m.openByKey[key] = a.ID
		if entry, ok := m.cooldowns[key]; !ok || a.CreatedAt.After(entry.LastFiredAt) {
			m.cooldowns[key] = types.CooldownEntry{HostID: a.HostID, Kind: a.Kind, LastFiredAt: a.CreatedAt}
		}
	}

	m.log.Info().Int("open_alerts", len(alerts)).Msg("alert state restored")
	return nil
}

func kindForLevel(level types.StatusLevel) (types.AlertKind, types.AlertSeverity, bool) {
	switch level {
	case types.StatusCritical:
		return types.AlertKindStatusCritical, types.SeverityHigh, true
	case types.StatusDanger:
		return types.AlertKindStatusDanger, types.SeverityCritical, true
	case types.StatusOffline:
		return types.AlertKindStatusOffline, types.SeverityCritical, true
	}
	return "", "", false
}

// Evaluate reacts to one committed status change. Levels at or above
// CRITICAL raise an alert subject to the singleton and cooldown rules; a
// return to HEALTHY auto-resolves the host's open status alerts. The
// returned alert is the created one, or nil when nothing fired.
func (m *Manager) Evaluate(ctx context.Context, change types.StatusChangedEvent) (*types.Alert, error) {
	if change.New == types.StatusHealthy {
		m.resolveOnRecovery(ctx, change.HostID)
		return nil, nil
	}

	kind, severity, ok := kindForLevel(change.New)
	if !ok {
		return nil, nil
	}

	message := fmt.Sprintf("host %s entered %s: %s", change.HostID, change.New, change.Reason)
	detail := map[string]string{
		"reason":     change.Reason,
		"confidence": strconv.Itoa(change.Confidence),
		"oldLevel":   change.Old.String(),
		"newLevel":   change.New.String(),
	}
	return m.raise(ctx, change.HostID, kind, severity, message, detail)
}

// RaiseAnomaly promotes a detected anomaly to an alert, subject to the
// same dedup rules as status alerts.
func (m *Manager) RaiseAnomaly(ctx context.Context, rec types.AnomalyRecord) (*types.Alert, error) {
	severity := types.SeverityMedium
	if rec.Confidence >= 90 {
		severity = types.SeverityHigh
	}
	message := fmt.Sprintf("anomalous %s %s on host %s: value %.1f (score %.2f)",
		rec.Metric, rec.Kind, rec.HostID, rec.Value, rec.Score)
	detail := map[string]string{
		"metric":     string(rec.Metric),
		"kind":       string(rec.Kind),
		"value":      fmt.Sprintf("%.2f", rec.Value),
		"score":      fmt.Sprintf("%.2f", rec.Score),
		"confidence": fmt.Sprintf("%.0f", rec.Confidence),
	}
	return m.raise(ctx, rec.HostID, types.AlertKindAnomaly, severity, message, detail)
}

func (m *Manager) raise(ctx context.Context, hostID string, kind types.AlertKind, severity types.AlertSeverity, message string, detail map[string]string) (*types.Alert, error) {
	now := m.clock.Now()
	key := dedupKey(hostID, kind)

	m.mu.Lock()

	if id, ok := m.openByKey[key]; ok {
		existing := m.open[id]
		m.cooldowns[key] = types.CooldownEntry{HostID: hostID, Kind: kind, LastFiredAt: now}
		m.mu.Unlock()
		metrics.AlertsSuppressed.WithLabelValues(string(kind)).Inc()
		m.log.Debug().Str("host", hostID).Str("kind", string(kind)).Str("alert_id", id).
			Msg("alert already open, skipping duplicate")
		return &existing, nil
	}

	if entry, ok := m.cooldowns[key]; ok && now.Sub(entry.LastFiredAt) < m.cooldownWindow {
		m.cooldowns[key] = types.CooldownEntry{HostID: hostID, Kind: kind, LastFiredAt: now}
		m.mu.Unlock()
		metrics.AlertsSuppressed.WithLabelValues(string(kind)).Inc()
		m.log.Debug().Str("host", hostID).Str("kind", string(kind)).
			Msg("alert suppressed by cooldown")
		return nil, nil
	}

	alert := types.Alert{
		ID:        uuid.New().String(),
		HostID:    hostID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		State:     types.AlertActive,
		CreatedAt: now,
		Detail:    detail,
	}
	m.open[alert.ID] = alert
	m.openByKey[key] = alert.ID
	m.cooldowns[key] = types.CooldownEntry{HostID: hostID, Kind: kind, LastFiredAt: now}
	m.mu.Unlock()

	err := m.retry.Run(m.clock.Sleep, func() error {
		return m.store.InsertAlert(ctx, alert)
	})
	if err != nil {
		// The alert never made it to the log; forget it so the next
		// trigger tries again.
		m.mu.Lock()
		delete(m.open, alert.ID)
		delete(m.openByKey, key)
		delete(m.cooldowns, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("persist alert: %w", err)
	}

	metrics.AlertsCreated.WithLabelValues(string(kind)).Inc()
	m.log.Warn().Str("host", hostID).Str("kind", string(kind)).
		Str("severity", string(severity)).Str("alert_id", alert.ID).
		Msg("alert created")
	m.bus.Publish(types.TopicAlertCreated, types.AlertEvent{Alert: alert})
	return &alert, nil
}

// resolveOnRecovery closes every open status alert for a host whose
// stable status returned to healthy.
func (m *Manager) resolveOnRecovery(ctx context.Context, hostID string) {
	m.mu.RLock()
	var ids []string
	for id, a := range m.open {
		if a.HostID == hostID && a.Kind != types.AlertKindAnomaly {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.Resolve(ctx, id, "system", "host recovered to HEALTHY"); err != nil {
			m.log.Error().Err(err).Str("alert_id", id).Msg("auto-resolve failed")
		}
	}
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED. Acknowledging an
// already acknowledged alert returns it unchanged; a resolved alert is an
// invalid transition.
func (m *Manager) Acknowledge(ctx context.Context, alertID, userID, note string) (types.Alert, error) {
	if userID == "" {
		return types.Alert{}, &types.ValidationError{Field: "userId", Reason: "required"}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	alert, err := m.lookup(ctx, alertID)
	if err != nil {
		return types.Alert{}, err
	}
	if alert.State == types.AlertResolved {
		return types.Alert{}, &types.InvalidStateError{AlertID: alertID, From: alert.State, Op: "acknowledge"}
	}
	if alert.State == types.AlertAcknowledged {
		return alert, nil
	}

	now := m.clock.Now()
	updated := alert
	updated.State = types.AlertAcknowledged
	updated.AcknowledgedAt = &now
	updated.AcknowledgedBy = userID
	if note != "" {
		updated.Detail = cloneDetail(updated.Detail)
		updated.Detail["ackNote"] = note
	}

	if err := m.persistTransition(ctx, updated); err != nil {
		return types.Alert{}, err
	}

	m.mu.Lock()
	m.open[alertID] = updated
	m.mu.Unlock()

	m.log.Info().Str("alert_id", alertID).Str("user", userID).Msg("alert acknowledged")
	m.bus.Publish(types.TopicAlertAcknowledged, types.AlertEvent{Alert: updated})
	return updated, nil
}

// Resolve transitions any non-terminal alert to RESOLVED. Resolving an
// already resolved alert returns the same record, tolerating retries.
func (m *Manager) Resolve(ctx context.Context, alertID, userID, note string) (types.Alert, error) {
	if userID == "" {
		return types.Alert{}, &types.ValidationError{Field: "userId", Reason: "required"}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	alert, err := m.lookup(ctx, alertID)
	if err != nil {
		return types.Alert{}, err
	}
	if alert.State == types.AlertResolved {
		return alert, nil
	}

	now := m.clock.Now()
	updated := alert
	updated.State = types.AlertResolved
	updated.ResolvedAt = &now
	updated.ResolvedBy = userID
	updated.Detail = cloneDetail(updated.Detail)
	if note != "" {
		updated.Detail["resolutionNote"] = note
	}
	updated.Detail["resolutionMs"] = strconv.FormatInt(now.Sub(updated.CreatedAt).Milliseconds(), 10)

	if err := m.persistTransition(ctx, updated); err != nil {
		return types.Alert{}, err
	}

	m.mu.Lock()
	delete(m.open, alertID)
	if m.openByKey[dedupKey(updated.HostID, updated.Kind)] == alertID {
		delete(m.openByKey, dedupKey(updated.HostID, updated.Kind))
	}
	m.mu.Unlock()

	m.log.Info().Str("alert_id", alertID).Str("user", userID).
		Dur("open_for", now.Sub(updated.CreatedAt)).Msg("alert resolved")
	m.bus.Publish(types.TopicAlertResolved, types.AlertEvent{Alert: updated})
	return updated, nil
}

// Assign sets the alert's assignee. Allowed while ACTIVE or ACKNOWLEDGED.
func (m *Manager) Assign(ctx context.Context, alertID, targetUserID, byUserID string) (types.Alert, error) {
	if targetUserID == "" {
		return types.Alert{}, &types.ValidationError{Field: "targetUserId", Reason: "required"}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	alert, err := m.lookup(ctx, alertID)
	if err != nil {
		return types.Alert{}, err
	}
	if alert.State == types.AlertResolved {
		return types.Alert{}, &types.InvalidStateError{AlertID: alertID, From: alert.State, Op: "assign"}
	}

	updated := alert
	updated.AssignedTo = targetUserID
	updated.Detail = cloneDetail(updated.Detail)
	updated.Detail["assignedBy"] = byUserID

	if err := m.persistTransition(ctx, updated); err != nil {
		return types.Alert{}, err
	}

	m.mu.Lock()
	m.open[alertID] = updated
	m.mu.Unlock()

	m.log.Info().Str("alert_id", alertID).Str("assignee", targetUserID).Msg("alert assigned")
	m.bus.Publish(types.TopicAlertAssigned, types.AlertEvent{Alert: updated})
	return updated, nil
}

// lookup returns the current record for an alert, preferring the open
// set and falling back to the durable log for closed or pre-restart
// alerts.
func (m *Manager) lookup(ctx context.Context, alertID string) (types.Alert, error) {
	m.mu.RLock()
	alert, ok := m.open[alertID]
	m.mu.RUnlock()
	if ok {
		return alert, nil
	}
	return m.store.GetAlert(ctx, alertID)
}

func (m *Manager) persistTransition(ctx context.Context, alert types.Alert) error {
	return m.retry.Run(m.clock.Sleep, func() error {
		return m.store.UpdateAlert(ctx, alert)
	})
}

// ListNeedingEscalation returns ACTIVE, unacknowledged alerts older than
// maxAge, oldest first. Consumed by the periodic escalation sweep.
func (m *Manager) ListNeedingEscalation(maxAge time.Duration) []types.Alert {
	cutoff := m.clock.Now().Add(-maxAge)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Alert
	for _, a := range m.open {
		if a.State == types.AlertActive && a.AcknowledgedAt == nil && a.CreatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of open alerts.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

// RunJanitor prunes expired cooldown entries until the context ends.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.pruneCooldowns()
		}
	}
}

func (m *Manager) pruneCooldowns() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.cooldowns {
		if now.Sub(entry.LastFiredAt) >= m.cooldownWindow {
			delete(m.cooldowns, key)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("cooldown entries pruned")
	}
}

func cloneDetail(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
