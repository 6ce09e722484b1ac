// Package supervisor ties the orchestration layers together: startup
// reconciliation against the container engine, the ordered boot sequence,
// and the periodic add-on auto-update sweep.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/OpenPeerPower/supervisor/internal/jobs"
	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/plugins"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
	"github.com/OpenPeerPower/supervisor/internal/update"
)

// Supervisor is the top-level orchestrator.
type Supervisor struct {
	registry    *registry.Registry
	jobs        *jobs.Manager
	coordinator *update.Coordinator
	runtime     runtime.Runtime

	// AutoUpdateInterval paces the add-on update sweep.
	AutoUpdateInterval time.Duration
}

func New(reg *registry.Registry, jm *jobs.Manager, coord *update.Coordinator, rt runtime.Runtime) *Supervisor {
	return &Supervisor{
		registry:           reg,
		jobs:               jm,
		coordinator:        coord,
		runtime:            rt,
		AutoUpdateInterval: 8 * time.Hour,
	}
}

// Reconcile compares the persisted registry against the engine-reported
// container state. It runs once at startup, before the job manager accepts
// work, so it is the one place allowed to write the registry outside a job.
// Any discrepancy moves the component to error, pending operator action.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	for _, comp := range s.registry.List(registry.Filter{}) {
		expectRunning := comp.State == lifecycle.StateRunning
		actualRunning := false

		if comp.ContainerID != "" {
			st, err := s.runtime.Inspect(ctx, comp.ContainerID)
			switch {
			case err == nil:
				actualRunning = st.Running
			case errors.Is(err, runtime.ErrNotFound):
				// Container vanished while we were down.
				if err := s.registry.SetContainer(comp.ID, ""); err != nil {
					return err
				}
			default:
				return fmt.Errorf("inspecting %s during reconciliation: %w", comp.ID, err)
			}
		}

		// Transient states mean we died mid-job; the outcome is unknown.
		transient := false
		switch comp.State {
		case lifecycle.StateInstalling, lifecycle.StateStarting, lifecycle.StateStopping,
			lifecycle.StateUpdating, lifecycle.StateRemoving:
			transient = true
		}

		if transient || expectRunning != actualRunning {
			log.Warn().Str("component", comp.ID).Str("state", string(comp.State)).
				Bool("running", actualRunning).Msg("Registry disagrees with engine, flagging for operator")
			if err := s.registry.UpdateState(comp.ID, lifecycle.StateError); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnsureBaseComponents registers the core application and the fixed plugin
// set on first boot.
func (s *Supervisor) EnsureBaseComponents(ctx context.Context) error {
	for _, man := range plugins.Manifests() {
		if _, ok := s.registry.Get(man.ID); ok {
			continue
		}
		j, err := s.jobs.Install(ctx, man)
		if err != nil {
			return fmt.Errorf("installing %s: %w", man.ID, err)
		}
		if st, err := s.jobs.Await(ctx, j.ID); err != nil {
			return err
		} else if st.Status != jobs.StatusSucceeded {
			return fmt.Errorf("installing %s: %s", man.ID, st.Detail)
		}
	}
	return nil
}

// Boot starts everything in boot order: plugins and core first (awaited,
// failures fatal there), then add-ons (awaited, failures logged but not
// fatal to the boot).
func (s *Supervisor) Boot(ctx context.Context) error {
	for _, comp := range s.registry.List(registry.Filter{}) {
		if comp.Kind == registry.KindAddon {
			continue
		}
		if comp.State == lifecycle.StateError {
			log.Error().Str("component", comp.ID).Msg("Infrastructure component in error state, operator action required")
			continue
		}
		if err := s.startAwait(ctx, comp.ID); err != nil {
			return err
		}
	}
	for _, comp := range s.registry.List(registry.Filter{Kind: registry.KindAddon}) {
		if comp.State == lifecycle.StateError || comp.State == lifecycle.StateCreated {
			continue
		}
		if err := s.startAwait(ctx, comp.ID); err != nil {
			log.Err(err).Str("component", comp.ID).Msg("Add-on failed to start on boot")
		}
	}
	return nil
}

func (s *Supervisor) startAwait(ctx context.Context, id string) error {
	j, err := s.jobs.Submit(jobs.Request{ComponentID: id, Action: lifecycle.ActionStart})
	if err != nil {
		return err
	}
	st, err := s.jobs.Await(ctx, j.ID)
	if err != nil {
		return err
	}
	if st.Status != jobs.StatusSucceeded {
		return fmt.Errorf("starting %s: %s", id, st.Detail)
	}
	return nil
}

// AutoUpdate periodically updates components that opted in and have a
// pending desired version. Updates run sequentially to keep IO pressure
// down, the same policy the stock supervisor applies to add-on updates.
func (s *Supervisor) AutoUpdate(ctx context.Context) error {
	ticker := time.NewTicker(s.AutoUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.autoUpdateSweep(ctx)
		}
	}
}

func (s *Supervisor) autoUpdateSweep(ctx context.Context) {
	for _, comp := range s.registry.List(registry.Filter{Kind: registry.KindAddon}) {
		if !comp.AutoUpdate || !comp.NeedsUpdate() {
			continue
		}
		log.Info().Str("component", comp.ID).Str("version", comp.DesiredVersion).
			Msg("Auto-updating add-on")
		j, err := s.coordinator.Update(comp.ID, comp.DesiredVersion)
		if err != nil {
			if !errors.Is(err, update.ErrUpToDate) {
				log.Err(err).Str("component", comp.ID).Msg("Auto-update submit failed")
			}
			continue
		}
		if st, err := s.jobs.Await(ctx, j.ID); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Err(err).Str("component", comp.ID).Msg("Awaiting auto-update failed")
			continue
		} else if st.Status != jobs.StatusSucceeded {
			log.Warn().Str("component", comp.ID).Str("detail", st.Detail).Msg("Auto-update failed")
		}
	}
}
