// Package health aggregates subsystem probes into a versioned snapshot.
// Refreshes are coalesced: concurrent callers share one in-flight probe
// round instead of stacking redundant work.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often the background loop re-probes.
const DefaultRefreshInterval = 60 * time.Second

// ProbeResult is one subsystem's contribution to the snapshot.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Probe checks one subsystem. Checks run with a shared deadline and must
// respect ctx.
type Probe interface {
	Name() string
	Check(ctx context.Context) ProbeResult
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) ProbeResult
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Check(ctx context.Context) ProbeResult { return p.Fn(ctx) }

// Snapshot is the aggregated view returned by the health method and carried
// in the hello payload.
type Snapshot struct {
	OK        bool          `json:"ok"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt int64         `json:"checkedAtMs"`
}

// Config wires an Aggregator.
type Config struct {
	Logger       *slog.Logger
	Probes       []Probe
	Interval     time.Duration
	ProbeTimeout time.Duration
	// OnChange fires with the new version after each refresh that changed
	// the snapshot. The gateway broadcasts health events from it.
	OnChange func(version int64, snap Snapshot)
}

// Aggregator owns the latest snapshot and its state version.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	snap    Snapshot
	version int64
	// inflight is non-nil while a probe round is running; latecomers wait
	// on it instead of starting their own round.
	inflight chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Aggregator. Call Start to begin periodic refreshes.
func New(cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRefreshInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{cfg: cfg}
}

// Start launches the periodic refresh loop.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		// Prime the snapshot once at startup.
		a.Refresh(ctx)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Refresh(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// Current returns the latest snapshot and its version without probing.
func (a *Aggregator) Current() (Snapshot, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap, a.version
}

// Refresh runs all probes, or joins a round already in flight, and returns
// the resulting snapshot.
func (a *Aggregator) Refresh(ctx context.Context) (Snapshot, int64) {
	a.mu.Lock()
	if a.inflight != nil {
		wait := a.inflight
		a.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.snap, a.version
	}
	done := make(chan struct{})
	a.inflight = done
	a.mu.Unlock()

	snap := a.probeAll(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	changed := !equalSnapshots(a.snap, snap)
	a.snap = snap
	if changed {
		a.version++
	}
	version := a.version
	a.inflight = nil
	close(done)

	if changed && a.cfg.OnChange != nil {
		// Run outside the lock; the callback may broadcast.
		go a.cfg.OnChange(version, snap)
	}
	return snap, version
}

func (a *Aggregator) probeAll(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	results := make([]ProbeResult, len(a.cfg.Probes))
	var wg sync.WaitGroup
	for i, probe := range a.cfg.Probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			start := time.Now()
			res := probe.Check(ctx)
			res.Name = probe.Name()
			res.LatencyMs = time.Since(start).Milliseconds()
			results[i] = res
		}(i, probe)
	}
	wg.Wait()

	ok := true
	for _, res := range results {
		if !res.OK {
			ok = false
			a.cfg.Logger.Warn("health probe failed", "probe", res.Name, "detail", res.Detail)
		}
	}
	return Snapshot{OK: ok, Probes: results, CheckedAt: time.Now().UnixMilli()}
}

func equalSnapshots(a, b Snapshot) bool {
	if a.OK != b.OK || len(a.Probes) != len(b.Probes) {
		return false
	}
	for i := range a.Probes {
		if a.Probes[i].Name != b.Probes[i].Name ||
			a.Probes[i].OK != b.Probes[i].OK ||
			a.Probes[i].Detail != b.Probes[i].Detail {
			return false
		}
	}
	return true
}
