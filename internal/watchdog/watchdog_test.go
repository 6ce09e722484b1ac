package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/OpenPeerPower/supervisor/internal/jobs"
	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
	"github.com/OpenPeerPower/supervisor/internal/runtime/mocks"
)

// The job manager is deliberately not started in these tests: submitted
// corrective jobs stay queued, so the job list doubles as a record of what
// the watchdog decided.
func newTestWatchdog(t *testing.T, rt runtime.Runtime) (*Watchdog, *jobs.Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	m := jobs.NewManager(reg, rt, nil, nil, jobs.Config{})
	w := New(m, reg, rt, Config{
		Interval:         time.Second,
		FailureThreshold: 3,
		FlapWindow:       10 * time.Minute,
		FlapMax:          3,
	})
	return w, m, reg
}

func addRunning(t *testing.T, reg *registry.Registry, id, containerID string) *registry.Component {
	t.Helper()
	c := &registry.Component{
		ID:               id,
		Kind:             registry.KindAddon,
		Image:            "openpeerpower/" + id,
		InstalledVersion: "1.0.0",
		State:            lifecycle.StateRunning,
		Healthy:          true,
		ContainerID:      containerID,
	}
	require.NoError(t, reg.Register(c))
	return c
}

func submitted(m *jobs.Manager, action lifecycle.Action) int {
	n := 0
	for _, j := range m.Jobs() {
		if j.Action == action {
			n++
		}
	}
	return n
}

func TestRestartAfterConsecutiveFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	w, m, reg := newTestWatchdog(t, rt)
	addRunning(t, reg, "demo", "cid-1")

	rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(runtime.Status{Running: true, Healthy: false}, nil).Times(3)

	ctx := context.Background()
	w.tick(ctx)
	w.tick(ctx)
	assert.Zero(t, submitted(m, lifecycle.ActionRestart), "below threshold")
	comp, _ := reg.Get("demo")
	assert.False(t, comp.Healthy, "health observation recorded")

	w.tick(ctx)
	assert.Equal(t, 1, submitted(m, lifecycle.ActionRestart))
}

func TestHealthyObservationResetsCounter(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	w, m, reg := newTestWatchdog(t, rt)
	addRunning(t, reg, "demo", "cid-1")

	unhealthy := runtime.Status{Running: true, Healthy: false}
	healthy := runtime.Status{Running: true, Healthy: true}
	gomock.InOrder(
		rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(unhealthy, nil),
		rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(unhealthy, nil),
		rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(healthy, nil),
		rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(unhealthy, nil),
		rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(unhealthy, nil),
	)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.tick(ctx)
	}
	assert.Zero(t, submitted(m, lifecycle.ActionRestart))
	comp, _ := reg.Get("demo")
	assert.False(t, comp.Healthy)
}

// An inspect error counts as an unhealthy observation.
func TestInspectErrorCountsAsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	w, m, reg := newTestWatchdog(t, rt)
	addRunning(t, reg, "demo", "cid-1")

	rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(runtime.Status{}, runtime.ErrUnavailable).Times(3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		w.tick(ctx)
	}
	assert.Equal(t, 1, submitted(m, lifecycle.ActionRestart))
}

func TestFlappingComponentIsQuarantined(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	w, m, reg := newTestWatchdog(t, rt)
	addRunning(t, reg, "demo", "cid-1")

	base := time.Now()
	w.now = func() time.Time { return base }

	rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(runtime.Status{Running: false}, nil).AnyTimes()

	ctx := context.Background()
	// Three restart rounds inside the flap window.
	for round := 0; round < 3; round++ {
		for i := 0; i < 3; i++ {
			w.tick(ctx)
		}
	}
	assert.Equal(t, 3, submitted(m, lifecycle.ActionRestart))
	assert.Zero(t, submitted(m, lifecycle.ActionQuarantine))

	// The fourth round trips the flap limit.
	for i := 0; i < 3; i++ {
		w.tick(ctx)
	}
	assert.Equal(t, 3, submitted(m, lifecycle.ActionRestart))
	assert.Equal(t, 1, submitted(m, lifecycle.ActionQuarantine))
}

func TestFlapWindowExpires(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	w, m, reg := newTestWatchdog(t, rt)
	addRunning(t, reg, "demo", "cid-1")

	base := time.Now()
	now := base
	w.now = func() time.Time { return now }

	rt.EXPECT().Inspect(gomock.Any(), "cid-1").Return(runtime.Status{Running: false}, nil).AnyTimes()

	ctx := context.Background()
	for round := 0; round < 3; round++ {
		for i := 0; i < 3; i++ {
			w.tick(ctx)
		}
	}
	assert.Equal(t, 3, submitted(m, lifecycle.ActionRestart))

	// Past the window the restart history no longer counts against the
	// component, so the next failure gets another restart.
	now = base.Add(11 * time.Minute)
	for i := 0; i < 3; i++ {
		w.tick(ctx)
	}
	assert.Equal(t, 4, submitted(m, lifecycle.ActionRestart))
	assert.Zero(t, submitted(m, lifecycle.ActionQuarantine))
}

// Components that are not in the running state are left alone.
func TestOnlyRunningComponentsPolled(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl) // no Inspect expectations
	w, _, reg := newTestWatchdog(t, rt)
	c := &registry.Component{
		ID:               "demo",
		Kind:             registry.KindAddon,
		Image:            "openpeerpower/demo",
		InstalledVersion: "1.0.0",
		State:            lifecycle.StateStopped,
	}
	require.NoError(t, reg.Register(c))

	w.tick(context.Background())
}
