package status

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/evaluator"
	"github.com/hostpulse/hostpulse/internal/types"
)

// Transition is the outcome of one hysteresis evaluation.
type Transition struct {
	Changed bool
	Old     types.StatusLevel
	New     types.StatusLevel
	Record  types.StatusRecord
	Reason  string
}

// Controller debounces raw status observations into stable status
// records. Upgrades (more severe) are accepted immediately; downgrades
// must satisfy the dwell time and consistency rule for the level being
// left. All decisions for a host run under that host's store lock.
type Controller struct {
	store     *Store
	clock     clockwork.Clock
	log       zerolog.Logger
	rawWindow int
	rules     map[types.StatusLevel]config.DowngradeRule
}

// NewController creates a hysteresis controller over the given store.
func NewController(store *Store, cfg config.HysteresisConfig, clock clockwork.Clock, log zerolog.Logger) *Controller {
	rules := make(map[types.StatusLevel]config.DowngradeRule, len(cfg.Downgrade))
	for name, rule := range cfg.Downgrade {
		if level, ok := types.ParseStatusLevel(name); ok {
			rules[level] = rule
		}
	}
	return &Controller{
		store:     store,
		clock:     clock,
		log:       log.With().Str("component", "hysteresis").Logger(),
		rawWindow: cfg.RawWindow,
		rules:     rules,
	}
}

// Observe feeds one raw classification for a host through the state
// machine and returns the transition decision. sampleTime is when the
// underlying sample was collected.
func (c *Controller) Observe(hostID string, raw evaluator.Result, sampleTime time.Time) Transition {
	now := c.clock.Now()
	var tr Transition

	c.store.apply(hostID, func(st *hostState) {
		st.lastSample = sampleTime
		if raw.Level != st.rawStreakLevel {
			st.rawStreakLevel = raw.Level
			st.rawStreakSince = now
		}

		// Expired overrides are re-validated at write time, not just
		// when the revert timer fires.
		if st.record.Override {
			if !st.record.OverrideExpiry.IsZero() && !now.Before(st.record.OverrideExpiry) {
				st.record.Override = false
				st.record.OverrideExpiry = time.Time{}
			} else {
				c.store.appendHistory(st, types.StatusHistoryEntry{
					Level:      st.record.Level,
					RawLevel:   raw.Level,
					Timestamp:  now,
					Confidence: raw.Confidence,
				})
				tr = Transition{Old: st.record.Level, New: st.record.Level, Record: st.record, Reason: "manual override active"}
				return
			}
		}

		tr = c.transition(st, raw, now)
	})

	if tr.Changed {
		c.log.Info().
			Str("host", hostID).
			Str("old", tr.Old.String()).
			Str("new", tr.New.String()).
			Str("reason", tr.Reason).
			Msg("status changed")
	}
	return tr
}

// ObserveSilence applies a synthetic level for a host that has stopped
// reporting. The liveness path bypasses dwell: an absent signal must not
// be smoothed away.
func (c *Controller) ObserveSilence(hostID string, level types.StatusLevel, silentFor time.Duration) Transition {
	now := c.clock.Now()
	reason := fmt.Sprintf("no samples received for %s", silentFor.Round(time.Minute))
	var tr Transition

	c.store.apply(hostID, func(st *hostState) {
		if st.record.Override {
			if st.record.OverrideExpiry.IsZero() || now.Before(st.record.OverrideExpiry) {
				tr = Transition{Old: st.record.Level, New: st.record.Level, Record: st.record, Reason: "manual override active"}
				return
			}
			st.record.Override = false
			st.record.OverrideExpiry = time.Time{}
		}

		old := st.record.Level
		if old == level {
			tr = Transition{Old: old, New: old, Record: st.record}
			return
		}

		st.record = types.StatusRecord{
			HostID:          hostID,
			Level:           level,
			Confidence:      90,
			Reason:          reason,
			LastUpdate:      now,
			Recommendations: evaluator.Recommendations(level, nil),
		}
		st.lastChange = now
		st.rawStreakLevel = level
		st.rawStreakSince = now
		c.store.appendHistory(st, types.StatusHistoryEntry{
			Level:      level,
			RawLevel:   level,
			Timestamp:  now,
			Confidence: 90,
		})
		tr = Transition{Changed: true, Old: old, New: level, Record: st.record, Reason: reason}
	})

	if tr.Changed {
		c.log.Warn().
			Str("host", hostID).
			Str("old", tr.Old.String()).
			Str("new", tr.New.String()).
			Msg("host silent, synthetic status applied")
	}
	return tr
}

func (c *Controller) transition(st *hostState, raw evaluator.Result, now time.Time) Transition {
	old := st.record.Level
	reason := summarizeReasons(raw)

	entry := types.StatusHistoryEntry{
		RawLevel:   raw.Level,
		Timestamp:  now,
		Confidence: raw.Confidence,
	}

	commit := func(why string) Transition {
		st.record = types.StatusRecord{
			HostID:          st.record.HostID,
			Level:           raw.Level,
			Confidence:      raw.Confidence,
			Reason:          reason,
			LastUpdate:      now,
			Recommendations: evaluator.Recommendations(raw.Level, raw.Reasons),
		}
		st.lastChange = now
		entry.Level = raw.Level
		c.store.appendHistory(st, entry)
		return Transition{Changed: true, Old: old, New: raw.Level, Record: st.record, Reason: why}
	}

	hold := func(why string) Transition {
		st.record.LastUpdate = now
		entry.Level = old
		c.store.appendHistory(st, entry)
		return Transition{Old: old, New: old, Record: st.record, Reason: why}
	}

	switch {
	case old == types.StatusUnknown:
		return commit("initial status")
	case raw.Level == old:
		return hold("status stable")
	case raw.Level.WorseThan(old):
		return commit("upgrade accepted immediately")
	default:
		return c.evaluateDowngrade(st, raw, old, now, commit, hold)
	}
}

func (c *Controller) evaluateDowngrade(st *hostState, raw evaluator.Result, old types.StatusLevel, now time.Time,
	commit func(string) Transition, hold func(string) Transition) Transition {

	rule, ok := c.rules[old]
	if !ok {
		// No rule for the level being left; downgrade freely.
		return commit("downgrade, no dwell rule configured")
	}

	// The less severe raw level must itself have persisted for the
	// dwell time. A single relapse to the old level restarts the clock.
	if persisted := now.Sub(st.rawStreakSince); persisted < rule.Dwell.Std() {
		return hold(fmt.Sprintf("dwell %s of %s remaining", (rule.Dwell.Std() - persisted).Round(time.Second), rule.Dwell.Std()))
	}

	recent := st.history
	if len(recent) > c.rawWindow {
		recent = recent[len(recent)-c.rawWindow:]
	}
	consistent, oldSeverity := 0, 0
	for _, e := range recent {
		if e.RawLevel == raw.Level {
			consistent++
		}
		if e.RawLevel == old {
			oldSeverity++
		}
	}
	// Count the observation being evaluated as well; it is not yet in
	// the ring.
	consistent++

	if oldSeverity*2 > len(recent)+1 {
		return hold(fmt.Sprintf("recent raw observations still majority %s", old))
	}
	if consistent < rule.Samples {
		return hold(fmt.Sprintf("only %d/%d consistent samples at %s", consistent, rule.Samples, raw.Level))
	}

	return commit(fmt.Sprintf("downgrade after %s at %s", now.Sub(st.rawStreakSince).Round(time.Second), raw.Level))
}

func summarizeReasons(raw evaluator.Result) string {
	if len(raw.Reasons) == 0 {
		return "all metrics within normal thresholds"
	}
	s := raw.Reasons[0].String()
	for _, r := range raw.Reasons[1:] {
		s += "; " + r.String()
	}
	return s
}
