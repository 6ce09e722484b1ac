package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
)

func createOpts(comp *registry.Component) runtime.CreateOptions {
	return runtime.CreateOptions{Limits: comp.Limits, Ports: comp.Ports}
}

// defaultRun derives a job body from its action. Bodies run under the
// component's lock and are retried whole on retryable adapter failures, so
// every step has to tolerate a partially-completed previous attempt.
func (m *Manager) defaultRun(j *Job) RunFunc {
	switch j.Action {
	case lifecycle.ActionInstall:
		return m.runInstall(j)
	case lifecycle.ActionStart:
		return m.runStart(j)
	case lifecycle.ActionStop:
		return m.runStop(j)
	case lifecycle.ActionRestart:
		return m.runRestart(j)
	case lifecycle.ActionRemove:
		return m.runRemove(j)
	case lifecycle.ActionRebuild:
		return m.runRebuild(j)
	case lifecycle.ActionReset:
		return m.runStop(j)
	case lifecycle.ActionUpdate:
		// Updates are sequenced by the update coordinator, which submits
		// them with an explicit saga body.
		return func(context.Context, lifecycle.State) error {
			return &ValidationError{Reason: "update jobs require a coordinator body"}
		}
	default:
		return func(context.Context, lifecycle.State) error { return nil }
	}
}

func (m *Manager) runInstall(j *Job) RunFunc {
	return func(ctx context.Context, _ lifecycle.State) error {
		comp, ok := m.registry.Get(j.ComponentID)
		if !ok {
			return fmt.Errorf("%w: component %s", ErrNotFound, j.ComponentID)
		}
		if err := m.runtime.Pull(ctx, comp.ImageRef()); err != nil {
			return err
		}
		if comp.ContainerID != "" {
			// Previous attempt got as far as creating the container.
			return nil
		}
		cid, err := m.runtime.Create(ctx, comp.ID, comp.ImageRef(), createOpts(comp))
		if err != nil {
			return err
		}
		return m.registry.SetContainer(comp.ID, cid)
	}
}

func (m *Manager) runStart(j *Job) RunFunc {
	return func(ctx context.Context, _ lifecycle.State) error {
		comp, ok := m.registry.Get(j.ComponentID)
		if !ok {
			return fmt.Errorf("%w: component %s", ErrNotFound, j.ComponentID)
		}
		cid := comp.ContainerID
		if cid == "" {
			var err error
			cid, err = m.runtime.Create(ctx, comp.ID, comp.ImageRef(), createOpts(comp))
			if err != nil {
				return err
			}
			if err := m.registry.SetContainer(comp.ID, cid); err != nil {
				return err
			}
		}
		return m.runtime.Start(ctx, cid)
	}
}

func (m *Manager) runStop(j *Job) RunFunc {
	return func(ctx context.Context, _ lifecycle.State) error {
		comp, ok := m.registry.Get(j.ComponentID)
		if !ok {
			return fmt.Errorf("%w: component %s", ErrNotFound, j.ComponentID)
		}
		if comp.ContainerID == "" {
			return nil
		}
		return m.runtime.Stop(ctx, comp.ContainerID)
	}
}

func (m *Manager) runRestart(j *Job) RunFunc {
	stop := m.runStop(j)
	start := m.runStart(j)
	return func(ctx context.Context, from lifecycle.State) error {
		if err := stop(ctx, from); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return err
		}
		return start(ctx, from)
	}
}

func (m *Manager) runRemove(j *Job) RunFunc {
	return func(ctx context.Context, _ lifecycle.State) error {
		comp, ok := m.registry.Get(j.ComponentID)
		if !ok {
			return fmt.Errorf("%w: component %s", ErrNotFound, j.ComponentID)
		}
		if comp.ContainerID != "" {
			if err := m.runtime.Stop(ctx, comp.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
				return err
			}
			if err := m.runtime.Remove(ctx, comp.ContainerID); err != nil {
				return err
			}
			if err := m.registry.SetContainer(comp.ID, ""); err != nil {
				return err
			}
		}
		// Image cleanup is best-effort; a shared layer may keep it alive.
		if err := m.runtime.RemoveImage(ctx, comp.ImageRef()); err != nil {
			log.Warn().Str("image", comp.ImageRef()).Err(err).Msg("Removing image failed")
		}
		return nil
	}
}

func (m *Manager) runRebuild(j *Job) RunFunc {
	return func(ctx context.Context, from lifecycle.State) error {
		comp, ok := m.registry.Get(j.ComponentID)
		if !ok {
			return fmt.Errorf("%w: component %s", ErrNotFound, j.ComponentID)
		}
		if comp.ContainerID != "" {
			if err := m.runtime.Stop(ctx, comp.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
				return err
			}
			if err := m.runtime.Remove(ctx, comp.ContainerID); err != nil {
				return err
			}
		}
		cid, err := m.runtime.Create(ctx, comp.ID, comp.ImageRef(), createOpts(comp))
		if err != nil {
			return err
		}
		if err := m.registry.SetContainer(comp.ID, cid); err != nil {
			return err
		}
		if from == lifecycle.StateRunning {
			return m.runtime.Start(ctx, cid)
		}
		return nil
	}
}
