// Package update sequences multi-step component updates as a saga built on
// job manager primitives: pull the new image, swap containers, verify
// health inside a bounded window, then commit the version. On failure it
// runs the compensating sequence and reports the error, never leaving a
// partially-applied version behind.
package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/OpenPeerPower/supervisor/internal/jobs"
	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
)

// ErrUpToDate reports an update request for the already-installed version.
// Tolerated as a no-op rather than an error surface.
var ErrUpToDate = errors.New("update: version already installed")

// Config tunes the post-start health verification.
type Config struct {
	// HealthWindow bounds how long the new container gets to become
	// healthy before the update is rolled back.
	HealthWindow time.Duration

	// HealthInterval is the polling cadence inside the window.
	HealthInterval time.Duration

	// JobTimeout bounds the whole saga.
	JobTimeout time.Duration
}

// DefaultConfig returns the stock verification policy.
func DefaultConfig() Config {
	return Config{
		HealthWindow:   2 * time.Minute,
		HealthInterval: 5 * time.Second,
		JobTimeout:     15 * time.Minute,
	}
}

// Coordinator drives update sagas through the job manager.
type Coordinator struct {
	jobs     *jobs.Manager
	registry *registry.Registry
	runtime  runtime.Runtime
	cfg      Config
}

func New(jm *jobs.Manager, reg *registry.Registry, rt runtime.Runtime, cfg Config) *Coordinator {
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = DefaultConfig().HealthWindow
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Coordinator{jobs: jm, registry: reg, runtime: rt, cfg: cfg}
}

// Update submits an update saga moving componentID to version. The saga
// runs as one job so the component's lock is held for its whole duration;
// only one update per component can be in flight.
func (c *Coordinator) Update(componentID, version string) (*jobs.Job, error) {
	if version == "" {
		return nil, &jobs.ValidationError{Reason: "update version must not be empty"}
	}
	comp, ok := c.registry.Get(componentID)
	if !ok {
		return nil, fmt.Errorf("%w: component %s", jobs.ErrNotFound, componentID)
	}
	if comp.InstalledVersion == version {
		return nil, ErrUpToDate
	}

	return c.jobs.Submit(jobs.Request{
		ComponentID: componentID,
		Action:      lifecycle.ActionUpdate,
		Timeout:     c.cfg.JobTimeout,
		// Plugin updates churn host-level services (DNS, audio); hold the
		// host-resource lock so nothing interleaves with them.
		HostLock: comp.Kind == registry.KindPlugin,
		Run: func(ctx context.Context, from lifecycle.State) error {
			return c.runSaga(ctx, componentID, version, from)
		},
	})
}

// snapshot is the pre-update reference kept for rollback.
type snapshot struct {
	version     string
	imageRef    string
	containerID string
	running     bool
}

func (c *Coordinator) runSaga(ctx context.Context, componentID, version string, from lifecycle.State) error {
	comp, ok := c.registry.Get(componentID)
	if !ok {
		return fmt.Errorf("%w: component %s", jobs.ErrNotFound, componentID)
	}

	snap := snapshot{
		version:     comp.InstalledVersion,
		imageRef:    comp.ImageRef(),
		containerID: comp.ContainerID,
		running:     from == lifecycle.StateRunning,
	}
	newRef := comp.ImageRefFor(version)

	if err := c.registry.SetVersion(comp.ID, snap.version, version); err != nil {
		return &jobs.ValidationError{Reason: err.Error()}
	}

	// Pull before touching the old container: a failed pull aborts the
	// update with nothing to compensate. The old container is untouched,
	// so an unpullable image fails the update, not the component.
	if err := c.runtime.Pull(ctx, newRef); err != nil {
		c.clearDesired(comp.ID, snap.version)
		return fmt.Errorf("pulling %s: %v", newRef, err)
	}

	if err := c.precheckDependents(ctx, comp); err != nil {
		c.clearDesired(comp.ID, snap.version)
		return err
	}

	newCID, err := c.swapAndVerify(ctx, comp, newRef, snap)
	if err != nil {
		if rbErr := c.rollback(ctx, comp, newCID, newRef, snap); rbErr != nil {
			return &jobs.RollbackError{Cause: err, Err: rbErr}
		}
		log.Warn().Str("component", comp.ID).Str("version", version).Err(err).
			Msg("Update rolled back")
		// The compensation restored the previous instance, so the original
		// failure class no longer applies to the component.
		return fmt.Errorf("update to %s failed, rolled back to %s: %v", version, snap.version, err)
	}

	// Commit: adopt the new container and version, discard the snapshot.
	if err := c.registry.SetContainer(comp.ID, newCID); err != nil {
		return err
	}
	if err := c.registry.SetVersion(comp.ID, version, ""); err != nil {
		return err
	}
	if snap.containerID != "" {
		if err := c.runtime.Remove(ctx, snap.containerID); err != nil {
			log.Warn().Str("container", snap.containerID).Err(err).Msg("Removing old container failed")
		}
	}
	if err := c.runtime.RemoveImage(ctx, snap.imageRef); err != nil {
		log.Warn().Str("image", snap.imageRef).Err(err).Msg("Removing old image failed")
	}
	log.Info().Str("component", comp.ID).Str("version", version).Msg("Update committed")
	return nil
}

// precheckDependents refuses a core update while an infrastructure plugin
// is down: the core restart depends on them.
func (c *Coordinator) precheckDependents(ctx context.Context, comp *registry.Component) error {
	if comp.Kind != registry.KindCore {
		return nil
	}
	for _, p := range c.registry.List(registry.Filter{Kind: registry.KindPlugin}) {
		if p.State != lifecycle.StateRunning {
			continue
		}
		st, err := c.runtime.Inspect(ctx, p.ContainerID)
		if err != nil || !st.Running || !st.Healthy {
			return &jobs.ConflictError{Reason: fmt.Sprintf("plugin %s is unhealthy, refusing core update", p.ID)}
		}
	}
	return nil
}

// swapAndVerify stops the old container, starts one from the new image and
// waits for it to report healthy. Returns the new container ID; on error
// the caller rolls back.
func (c *Coordinator) swapAndVerify(ctx context.Context, comp *registry.Component, newRef string, snap snapshot) (string, error) {
	if snap.containerID != "" && snap.running {
		if err := c.runtime.Stop(ctx, snap.containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return "", err
		}
	}

	newCID, err := c.runtime.Create(ctx, comp.ID, newRef, runtime.CreateOptions{Limits: comp.Limits})
	if err != nil {
		return "", err
	}

	// A component that was not running is updated cold: no start, no
	// health verification possible.
	if !snap.running {
		return newCID, nil
	}

	if err := c.runtime.Start(ctx, newCID); err != nil {
		return newCID, err
	}
	if err := c.awaitHealthy(ctx, newCID); err != nil {
		return newCID, err
	}
	return newCID, nil
}

func (c *Coordinator) awaitHealthy(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(c.cfg.HealthWindow)
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		st, err := c.runtime.Inspect(ctx, containerID)
		if err == nil {
			if st.Running && st.Healthy {
				return nil
			}
			if !st.Running && st.ExitCode != 0 {
				return fmt.Errorf("new container exited with code %d", st.ExitCode)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("new container did not become healthy within %s", c.cfg.HealthWindow)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("health verification interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// rollback is the compensating sequence: discard the new container and
// image, restore the old container to its pre-update run state, and restore
// the installed version. The saga context may already be cancelled or past
// its deadline when compensation starts, so rollback detaches from it and
// runs on its own deadline.
func (c *Coordinator) rollback(ctx context.Context, comp *registry.Component, newCID, newRef string, snap snapshot) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.JobTimeout)
	defer cancel()
	if newCID != "" {
		if err := c.runtime.Stop(ctx, newCID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("stopping failed new container: %w", err)
		}
		if err := c.runtime.Remove(ctx, newCID); err != nil {
			return fmt.Errorf("removing failed new container: %w", err)
		}
	}
	if err := c.runtime.RemoveImage(ctx, newRef); err != nil {
		log.Warn().Str("image", newRef).Err(err).Msg("Removing new image after rollback failed")
	}

	if snap.running && snap.containerID != "" {
		if err := c.runtime.Start(ctx, snap.containerID); err != nil {
			return fmt.Errorf("restarting previous container: %w", err)
		}
	}
	c.clearDesired(comp.ID, snap.version)
	return nil
}

func (c *Coordinator) clearDesired(id, installed string) {
	if err := c.registry.SetVersion(id, installed, ""); err != nil {
		log.Err(err).Str("component", id).Msg("Restoring version after failed update failed")
	}
}
