// Package watchdog periodically polls the health of every running
// component and feeds corrective restart jobs through the job manager. It
// never touches the registry or containers directly.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/OpenPeerPower/supervisor/internal/jobs"
	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
)

// Config tunes the health polling and flap detection policy. The exact
// thresholds are deployment policy, so they are configuration rather than
// hard-coded literals.
type Config struct {
	// Interval is the polling cadence.
	Interval time.Duration

	// FailureThreshold is how many consecutive unhealthy observations
	// trigger a restart.
	FailureThreshold int

	// FlapWindow and FlapMax bound restart churn: more than FlapMax
	// watchdog restarts inside FlapWindow quarantines the component in the
	// error state instead of looping forever.
	FlapWindow time.Duration
	FlapMax    int

	// JobTimeout bounds the corrective jobs the watchdog submits.
	JobTimeout time.Duration
}

// DefaultConfig mirrors the stock supervisor policy: restart after three
// consecutive failures, quarantine past three restarts in ten minutes.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		FailureThreshold: 3,
		FlapWindow:       10 * time.Minute,
		FlapMax:          3,
		JobTimeout:       2 * time.Minute,
	}
}

// Watchdog is the periodic health poller.
type Watchdog struct {
	jobs     *jobs.Manager
	registry *registry.Registry
	runtime  runtime.Runtime
	cfg      Config

	failures map[string]int
	restarts map[string][]time.Time
	now      func() time.Time
}

func New(jm *jobs.Manager, reg *registry.Registry, rt runtime.Runtime, cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = DefaultConfig().FlapWindow
	}
	if cfg.FlapMax <= 0 {
		cfg.FlapMax = DefaultConfig().FlapMax
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Watchdog{
		jobs:     jm,
		registry: reg,
		runtime:  rt,
		cfg:      cfg,
		failures: make(map[string]int),
		restarts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Run drives the polling loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	for _, comp := range w.registry.List(registry.Filter{State: lifecycle.StateRunning}) {
		w.check(ctx, comp)
	}
}

func (w *Watchdog) check(ctx context.Context, comp *registry.Component) {
	inspectCtx, cancel := context.WithTimeout(ctx, w.cfg.Interval)
	st, err := w.runtime.Inspect(inspectCtx, comp.ContainerID)
	cancel()

	healthy := err == nil && st.Running && st.Healthy
	w.jobs.RecordHealth(ctx, comp.ID, healthy)

	if healthy {
		w.failures[comp.ID] = 0
		return
	}

	w.failures[comp.ID]++
	if w.failures[comp.ID] < w.cfg.FailureThreshold {
		return
	}
	w.failures[comp.ID] = 0

	now := w.now()
	recent := w.restarts[comp.ID][:0]
	for _, t := range w.restarts[comp.ID] {
		if now.Sub(t) < w.cfg.FlapWindow {
			recent = append(recent, t)
		}
	}

	if len(recent) >= w.cfg.FlapMax {
		// Flapping: stop auto-restarting and surface the condition.
		delete(w.restarts, comp.ID)
		log.Error().Str("component", comp.ID).
			Msgf("Component keeps failing after %d restarts, quarantining", w.cfg.FlapMax)
		if _, err := w.jobs.Submit(jobs.Request{
			ComponentID: comp.ID,
			Action:      lifecycle.ActionQuarantine,
			Timeout:     w.cfg.JobTimeout,
		}); err != nil {
			log.Err(err).Str("component", comp.ID).Msg("Submitting quarantine job failed")
		}
		return
	}

	w.restarts[comp.ID] = append(recent, now)
	log.Warn().Str("component", comp.ID).Msg("Watchdog restarting unhealthy component")
	if _, err := w.jobs.Submit(jobs.Request{
		ComponentID: comp.ID,
		Action:      lifecycle.ActionRestart,
		Timeout:     w.cfg.JobTimeout,
	}); err != nil {
		log.Err(err).Str("component", comp.ID).Msg("Submitting restart job failed")
	}
}
