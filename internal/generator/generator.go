// Package generator produces synthetic metric samples so the engine can
// run without a real agent fleet.
package generator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/types"
)

// Store is the storage surface the generator writes to.
type Store interface {
	storage.HostCatalog
	storage.SampleStore
}

// hostModel is the random-walk state for one synthetic host.
type hostModel struct {
	id      string
	cpu     float64
	mem     float64
	disk    float64
	latency float64
	load    float64

	// incident > 0 while the host is in a synthetic overload episode.
	incident int
}

// Generator emits a plausible sample per host on a fixed interval. Most
// hosts idle along; occasionally one enters a short overload episode so
// the status machinery has something to react to.
type Generator struct {
	log   zerolog.Logger
	clock clockwork.Clock
	store Store
	cfg   config.DemoConfig
	rng   *rand.Rand
	hosts []*hostModel
}

// New creates a generator for cfg.Hosts synthetic hosts.
func New(store Store, cfg config.DemoConfig, clock clockwork.Clock, log zerolog.Logger) *Generator {
	g := &Generator{
		log:   log.With().Str("component", "generator").Logger(),
		clock: clock,
		store: store,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
	for i := 0; i < cfg.Hosts; i++ {
		g.hosts = append(g.hosts, &hostModel{
			id:      fmt.Sprintf("demo-%02d", i+1),
			cpu:     20 + g.rng.Float64()*20,
			mem:     30 + g.rng.Float64()*20,
			disk:    40 + g.rng.Float64()*30,
			latency: 20 + g.rng.Float64()*60,
			load:    0.5 + g.rng.Float64()*1.5,
		})
	}
	return g
}

// Seed registers the synthetic hosts in the catalog.
func (g *Generator) Seed(ctx context.Context) error {
	for _, h := range g.hosts {
		err := g.store.UpsertHost(ctx, types.Host{
			ID:          h.id,
			DisplayName: fmt.Sprintf("Demo host %s", h.id),
			Active:      true,
		})
		if err != nil {
			return fmt.Errorf("seed host %s: %w", h.id, err)
		}
	}
	g.log.Info().Int("hosts", len(g.hosts)).Msg("synthetic hosts seeded")
	return nil
}

// Run emits one batch of samples per interval until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.Emit(ctx)
		}
	}
}

// Emit writes one sample per host. Insert failures are logged and the
// host is skipped until the next round.
func (g *Generator) Emit(ctx context.Context) {
	now := g.clock.Now()
	for _, h := range g.hosts {
		sample := g.next(h, now)
		if err := g.store.InsertSample(ctx, sample); err != nil {
			g.log.Error().Err(err).Str("host", h.id).Msg("sample insert failed")
		}
	}
}

// next advances one host's random walk and renders it as a sample.
func (g *Generator) next(h *hostModel, now time.Time) types.MetricSample {
	if h.incident > 0 {
		h.incident--
		h.cpu = clamp(h.cpu+g.rng.Float64()*5, 85, 99)
		h.load = clamp(h.load+g.rng.Float64(), 8, 24)
		h.latency = clamp(h.latency+g.rng.Float64()*100, 300, 2500)
	} else {
		if g.rng.Float64() < 0.01 {
			h.incident = 5 + g.rng.Intn(10)
		}
		h.cpu = clamp(h.cpu+g.rng.NormFloat64()*3, 5, 75)
		h.load = clamp(h.load+g.rng.NormFloat64()*0.3, 0.1, 4)
		h.latency = clamp(h.latency+g.rng.NormFloat64()*10, 5, 400)
	}
	h.mem = clamp(h.mem+g.rng.NormFloat64()*2, 10, 95)
	h.disk = clamp(h.disk+g.rng.NormFloat64()*0.2, 10, 98)

	return types.MetricSample{
		HostID:    h.id,
		Timestamp: now,
		CPUPct:    round1(h.cpu),
		MemPct:    round1(h.mem),
		DiskPct:   round1(h.disk),
		LatencyMs: round1(h.latency),
		LoadAvg:   round1(h.load),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
