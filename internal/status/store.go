package status

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/types"
)

const shardCount = 16

// Store holds the live status record and bounded history ring per host.
// State is sharded so concurrent evaluations for distinct hosts never
// contend, while two evaluations for the same host serialize on its shard.
type Store struct {
	log         zerolog.Logger
	clock       clockwork.Clock
	historySize int
	shards      [shardCount]*shard
}

type shard struct {
	mu    sync.RWMutex
	hosts map[string]*hostState
}

type hostState struct {
	record     types.StatusRecord
	history    []types.StatusHistoryEntry
	lastChange time.Time
	lastSample time.Time

	// Current unbroken run of identical raw levels, used for the
	// downgrade dwell check.
	rawStreakLevel types.StatusLevel
	rawStreakSince time.Time
}

// NewStore creates a status store with the given history ring size.
func NewStore(log zerolog.Logger, clock clockwork.Clock, historySize int) *Store {
	s := &Store{
		log:         log.With().Str("component", "status-store").Logger(),
		clock:       clock,
		historySize: historySize,
	}
	for i := range s.shards {
		s.shards[i] = &shard{hosts: make(map[string]*hostState)}
	}
	return s
}

func (s *Store) shardFor(hostID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(hostID))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the current status record for a host.
func (s *Store) Get(hostID string) (types.StatusRecord, bool) {
	sh := s.shardFor(hostID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.hosts[hostID]
	if !ok {
		return types.StatusRecord{}, false
	}
	return st.record, true
}

// Snapshot returns a copy of every host's current record, sorted by host
// ID for stable dashboard output. Holds only one shard lock at a time.
func (s *Store) Snapshot() []types.StatusRecord {
	var records []types.StatusRecord
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, st := range sh.hosts {
			records = append(records, st.record)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].HostID < records[j].HostID })
	return records
}

// History returns up to limit of the most recent history entries for a
// host, oldest first.
func (s *Store) History(hostID string, limit int) []types.StatusHistoryEntry {
	sh := s.shardFor(hostID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.hosts[hostID]
	if !ok {
		return nil
	}
	history := st.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]types.StatusHistoryEntry, len(history))
	copy(out, history)
	return out
}

// LastSampleTime returns when the host last delivered a sample.
func (s *Store) LastSampleTime(hostID string) (time.Time, bool) {
	sh := s.shardFor(hostID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.hosts[hostID]
	if !ok || st.lastSample.IsZero() {
		return time.Time{}, false
	}
	return st.lastSample, true
}

// apply runs fn on the host's state under its shard's exclusive lock,
// creating the state if the host is new.
func (s *Store) apply(hostID string, fn func(st *hostState)) {
	sh := s.shardFor(hostID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.hosts[hostID]
	if !ok {
		st = &hostState{record: types.StatusRecord{HostID: hostID, Level: types.StatusUnknown}}
		sh.hosts[hostID] = st
	}
	fn(st)
}

func (s *Store) appendHistory(st *hostState, entry types.StatusHistoryEntry) {
	st.history = append(st.history, entry)
	if len(st.history) > s.historySize {
		st.history = st.history[len(st.history)-s.historySize:]
	}
}

// Override pins a host's status, suspending hysteresis evaluation until
// the duration elapses or RevertOverride is called. A zero duration pins
// indefinitely. The auto-revert re-validates expiry at write time, so a
// newer override is never clobbered by an older timer.
func (s *Store) Override(hostID string, level types.StatusLevel, reason string, duration time.Duration) types.StatusRecord {
	now := s.clock.Now()
	var out types.StatusRecord

	s.apply(hostID, func(st *hostState) {
		st.record = types.StatusRecord{
			HostID:     hostID,
			Level:      level,
			Confidence: 100,
			Reason:     reason,
			LastUpdate: now,
			Override:   true,
		}
		if duration > 0 {
			st.record.OverrideExpiry = now.Add(duration)
		}
		st.lastChange = now
		s.appendHistory(st, types.StatusHistoryEntry{
			Level:      level,
			RawLevel:   level,
			Timestamp:  now,
			Confidence: 100,
		})
		out = st.record
	})

	s.log.Info().
		Str("host", hostID).
		Str("level", level.String()).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("status override set")

	if duration > 0 {
		expiry := now.Add(duration)
		s.clock.AfterFunc(duration, func() {
			s.expireOverride(hostID, expiry)
		})
	}
	return out
}

// expireOverride clears an override only if the record still carries the
// expiry the timer was scheduled for.
func (s *Store) expireOverride(hostID string, expiry time.Time) {
	cleared := false
	s.apply(hostID, func(st *hostState) {
		if st.record.Override && st.record.OverrideExpiry.Equal(expiry) {
			st.record.Override = false
			st.record.OverrideExpiry = time.Time{}
			cleared = true
		}
	})
	if cleared {
		s.log.Info().Str("host", hostID).Msg("status override expired")
	}
}

// RevertOverride clears a manual override so the next evaluation resumes
// normal hysteresis. Returns false if the host has no active override.
func (s *Store) RevertOverride(hostID string) bool {
	reverted := false
	s.apply(hostID, func(st *hostState) {
		if st.record.Override {
			st.record.Override = false
			st.record.OverrideExpiry = time.Time{}
			reverted = true
		}
	})
	if reverted {
		s.log.Info().Str("host", hostID).Msg("status override reverted")
	}
	return reverted
}
