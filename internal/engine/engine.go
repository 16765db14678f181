// Package engine drives the periodic status evaluation sweep. It wires
// the evaluator, the hysteresis controller, the alert manager and the
// broadcaster together; it owns no policy of its own.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/alerting"
	"github.com/hostpulse/hostpulse/internal/broadcast"
	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/evaluator"
	"github.com/hostpulse/hostpulse/internal/metrics"
	"github.com/hostpulse/hostpulse/internal/status"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/types"
)

// Engine periodically re-evaluates every catalogued host.
type Engine struct {
	log      zerolog.Logger
	clock    clockwork.Clock
	cfg      config.EngineConfig
	escAfter time.Duration

	catalog  storage.HostCatalog
	samples  storage.SampleStore
	eval     *evaluator.Evaluator
	ctrl     *status.Controller
	statuses *status.Store
	alerts   *alerting.Manager
	bus      broadcast.Broadcaster
}

// New assembles an engine over already-constructed components.
func New(
	catalog storage.HostCatalog,
	samples storage.SampleStore,
	eval *evaluator.Evaluator,
	ctrl *status.Controller,
	statuses *status.Store,
	alerts *alerting.Manager,
	bus broadcast.Broadcaster,
	cfg config.EngineConfig,
	escalationAfter time.Duration,
	clock clockwork.Clock,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		log:      log.With().Str("component", "engine").Logger(),
		clock:    clock,
		cfg:      cfg,
		escAfter: escalationAfter,
		catalog:  catalog,
		samples:  samples,
		eval:     eval,
		ctrl:     ctrl,
		statuses: statuses,
		alerts:   alerts,
		bus:      bus,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. The
// in-flight sweep finishes before Run returns.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.SweepInterval.Std())
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.cfg.SweepInterval.Std()).Msg("sweep loop started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("sweep loop stopped")
			return
		case <-ticker.Chan():
			e.Sweep(ctx)
		}
	}
}

// Sweep evaluates every active host once. Per-host failures are logged
// and skipped; one bad host never blocks the rest of the fleet.
func (e *Engine) Sweep(ctx context.Context) {
	start := e.clock.Now()

	hosts, err := e.catalog.ListHosts(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("list hosts failed, sweep skipped")
		return
	}

	for _, host := range hosts {
		if ctx.Err() != nil {
			return
		}
		if err := e.sweepHost(ctx, host); err != nil {
			e.log.Error().Err(err).Str("host", host.ID).Msg("host sweep failed")
		}
	}

	e.checkEscalations()
	metrics.SweepDuration.Observe(e.clock.Since(start).Seconds())
}

func (e *Engine) sweepHost(ctx context.Context, host types.Host) error {
	sample, err := e.samples.LatestSample(ctx, host.ID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Never reported: nothing to evaluate yet.
			return nil
		}
		return err
	}

	silentFor := e.clock.Now().Sub(sample.Timestamp)
	var tr status.Transition
	switch {
	case silentFor >= e.cfg.Liveness.OfflineAfter.Std():
		tr = e.ctrl.ObserveSilence(host.ID, types.StatusOffline, silentFor)
	case silentFor >= e.cfg.Liveness.WarnAfter.Std():
		tr = e.ctrl.ObserveSilence(host.ID, types.StatusWarning, silentFor)
	default:
		raw := e.eval.Evaluate(sample)
		tr = e.ctrl.Observe(host.ID, raw, sample.Timestamp)
	}

	if !tr.Changed {
		return nil
	}
	e.onChange(ctx, tr)
	return nil
}

// onChange fans a committed transition out to the alert manager and the
// broadcaster. Broadcast failures never roll anything back; the status
// store is the source of truth.
func (e *Engine) onChange(ctx context.Context, tr status.Transition) {
	metrics.StatusChanges.WithLabelValues(tr.New.String()).Inc()

	event := types.StatusChangedEvent{
		HostID:     tr.Record.HostID,
		Old:        tr.Old,
		New:        tr.New,
		Reason:     tr.Reason,
		Confidence: tr.Record.Confidence,
		Timestamp:  tr.Record.LastUpdate,
	}

	if _, err := e.alerts.Evaluate(ctx, event); err != nil {
		e.log.Error().Err(err).Str("host", tr.Record.HostID).Msg("alert evaluation failed")
	}
	e.bus.Publish(types.TopicStatusChanged, event)
}

func (e *Engine) checkEscalations() {
	stale := e.alerts.ListNeedingEscalation(e.escAfter)
	for _, alert := range stale {
		e.log.Warn().
			Str("alert", alert.ID).
			Str("host", alert.HostID).
			Str("kind", string(alert.Kind)).
			Time("created", alert.CreatedAt).
			Msg("alert unacknowledged past escalation age")
	}
}
