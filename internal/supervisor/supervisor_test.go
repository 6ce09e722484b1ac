package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/OpenPeerPower/supervisor/internal/jobs"
	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/plugins"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
	"github.com/OpenPeerPower/supervisor/internal/runtime/mocks"
	"github.com/OpenPeerPower/supervisor/internal/update"
)

func newTestSupervisor(t *testing.T, rt runtime.Runtime) (*Supervisor, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	m := jobs.NewManager(reg, rt, nil, nil, jobs.Config{
		Workers:        2,
		DefaultTimeout: 10 * time.Second,
		HistoryWindow:  time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	coord := update.New(m, reg, rt, update.Config{
		HealthWindow:   50 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
		JobTimeout:     10 * time.Second,
	})
	return New(reg, m, coord, rt), reg
}

func addComponent(t *testing.T, reg *registry.Registry, id string, kind registry.Kind, state lifecycle.State, containerID string, prio int) *registry.Component {
	t.Helper()
	c := &registry.Component{
		ID:               id,
		Kind:             kind,
		Image:            "openpeerpower/" + id,
		InstalledVersion: "1.0.0",
		State:            state,
		ContainerID:      containerID,
		BootPriority:     prio,
	}
	require.NoError(t, reg.Register(c))
	return c
}

func getComponent(t *testing.T, reg *registry.Registry, id string) *registry.Component {
	t.Helper()
	c, ok := reg.Get(id)
	require.True(t, ok, id)
	return c
}

func TestReconcile(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	s, reg := newTestSupervisor(t, rt)

	addComponent(t, reg, "consistent", registry.KindAddon, lifecycle.StateRunning, "c1", 100)
	addComponent(t, reg, "surprise", registry.KindAddon, lifecycle.StateStopped, "c2", 100)
	addComponent(t, reg, "vanished", registry.KindAddon, lifecycle.StateRunning, "c3", 100)
	addComponent(t, reg, "mid-job", registry.KindAddon, lifecycle.StateUpdating, "", 100)
	addComponent(t, reg, "idle", registry.KindAddon, lifecycle.StateStopped, "", 100)

	rt.EXPECT().Inspect(gomock.Any(), "c1").Return(runtime.Status{Running: true}, nil)
	rt.EXPECT().Inspect(gomock.Any(), "c2").Return(runtime.Status{Running: true}, nil)
	rt.EXPECT().Inspect(gomock.Any(), "c3").Return(runtime.Status{}, runtime.ErrNotFound)

	require.NoError(t, s.Reconcile(context.Background()))

	assert.Equal(t, lifecycle.StateRunning, getComponent(t, reg, "consistent").State)
	assert.Equal(t, lifecycle.StateError, getComponent(t, reg, "surprise").State, "engine-running but registry-stopped")
	vanished := getComponent(t, reg, "vanished")
	assert.Equal(t, lifecycle.StateError, vanished.State, "container gone while down")
	assert.Empty(t, vanished.ContainerID)
	assert.Equal(t, lifecycle.StateError, getComponent(t, reg, "mid-job").State, "died mid-job")
	assert.Equal(t, lifecycle.StateStopped, getComponent(t, reg, "idle").State)
}

func TestEnsureBaseComponents(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	s, reg := newTestSupervisor(t, rt)

	base := plugins.Manifests()
	require.Len(t, base, 6, "core plus five plugins")

	rt.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(nil).Times(len(base))
	rt.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("cid", nil).Times(len(base))

	require.NoError(t, s.EnsureBaseComponents(context.Background()))

	for _, man := range base {
		c, ok := reg.Get(man.ID)
		require.True(t, ok, man.ID)
		assert.Equal(t, lifecycle.StateStopped, c.State, man.ID)
	}

	// A second pass installs nothing.
	require.NoError(t, s.EnsureBaseComponents(context.Background()))
}

func TestBootOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	s, reg := newTestSupervisor(t, rt)

	addComponent(t, reg, "plugin_dns", registry.KindPlugin, lifecycle.StateStopped, "p1", plugins.PriorityDNS)
	addComponent(t, reg, "core", registry.KindCore, lifecycle.StateStopped, "c1", plugins.PriorityCore)
	addComponent(t, reg, "demo", registry.KindAddon, lifecycle.StateStopped, "a1", plugins.PriorityAddons)

	var order []string
	record := func(cid string) func(context.Context, string) error {
		return func(context.Context, string) error {
			order = append(order, cid)
			return nil
		}
	}
	rt.EXPECT().Start(gomock.Any(), "p1").DoAndReturn(record("p1"))
	rt.EXPECT().Start(gomock.Any(), "c1").DoAndReturn(record("c1"))
	rt.EXPECT().Start(gomock.Any(), "a1").DoAndReturn(record("a1"))

	require.NoError(t, s.Boot(context.Background()))

	assert.Equal(t, []string{"p1", "c1", "a1"}, order)
	for _, id := range []string{"plugin_dns", "core", "demo"} {
		assert.Equal(t, lifecycle.StateRunning, getComponent(t, reg, id).State, id)
	}
}

// A quarantined infrastructure component is reported and skipped; the rest
// of the boot proceeds.
func TestBootSkipsQuarantined(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	s, reg := newTestSupervisor(t, rt)

	addComponent(t, reg, "plugin_audio", registry.KindPlugin, lifecycle.StateError, "p2", plugins.PriorityPlugins)
	addComponent(t, reg, "plugin_dns", registry.KindPlugin, lifecycle.StateStopped, "p1", plugins.PriorityDNS)

	rt.EXPECT().Start(gomock.Any(), "p1").Return(nil)

	require.NoError(t, s.Boot(context.Background()))
	assert.Equal(t, lifecycle.StateError, getComponent(t, reg, "plugin_audio").State)
	assert.Equal(t, lifecycle.StateRunning, getComponent(t, reg, "plugin_dns").State)
}

func TestAutoUpdateSweep(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	s, reg := newTestSupervisor(t, rt)

	opted := &registry.Component{
		ID:               "demo",
		Kind:             registry.KindAddon,
		Image:            "openpeerpower/demo",
		InstalledVersion: "1.0.0",
		State:            lifecycle.StateRunning,
		ContainerID:      "old",
		BootPriority:     100,
		AutoUpdate:       true,
	}
	require.NoError(t, reg.Register(opted))
	require.NoError(t, reg.SetVersion("demo", "1.0.0", "2.0.0"))

	// Opted out, never touched.
	addComponent(t, reg, "manual", registry.KindAddon, lifecycle.StateRunning, "m1", 100)
	require.NoError(t, reg.SetVersion("manual", "1.0.0", "2.0.0"))

	rt.EXPECT().Pull(gomock.Any(), "openpeerpower/demo:2.0.0").Return(nil)
	rt.EXPECT().Stop(gomock.Any(), "old").Return(nil)
	rt.EXPECT().Create(gomock.Any(), "demo", "openpeerpower/demo:2.0.0", runtime.CreateOptions{}).Return("new", nil)
	rt.EXPECT().Start(gomock.Any(), "new").Return(nil)
	rt.EXPECT().Inspect(gomock.Any(), "new").Return(runtime.Status{Running: true, Healthy: true}, nil).AnyTimes()
	rt.EXPECT().Remove(gomock.Any(), "old").Return(nil)
	rt.EXPECT().RemoveImage(gomock.Any(), "openpeerpower/demo:1.0.0").Return(nil)

	s.autoUpdateSweep(context.Background())

	assert.Equal(t, "2.0.0", getComponent(t, reg, "demo").InstalledVersion)
	skipped := getComponent(t, reg, "manual")
	assert.Equal(t, "1.0.0", skipped.InstalledVersion)
	assert.Equal(t, "2.0.0", skipped.DesiredVersion)
}

// One add-on failing its update does not end the sweep for the rest.
func TestAutoUpdateSweepContinuesPastFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := mocks.NewMockRuntime(ctrl)
	s, reg := newTestSupervisor(t, rt)

	for _, id := range []string{"first", "second"} {
		c := &registry.Component{
			ID:               id,
			Kind:             registry.KindAddon,
			Image:            "openpeerpower/" + id,
			InstalledVersion: "1.0.0",
			State:            lifecycle.StateRunning,
			ContainerID:      id + "-old",
			BootPriority:     100,
			AutoUpdate:       true,
		}
		require.NoError(t, reg.Register(c))
		require.NoError(t, reg.SetVersion(id, "1.0.0", "2.0.0"))
	}

	rt.EXPECT().Pull(gomock.Any(), "openpeerpower/first:2.0.0").Return(runtime.ErrImagePull)

	rt.EXPECT().Pull(gomock.Any(), "openpeerpower/second:2.0.0").Return(nil)
	rt.EXPECT().Stop(gomock.Any(), "second-old").Return(nil)
	rt.EXPECT().Create(gomock.Any(), "second", "openpeerpower/second:2.0.0", runtime.CreateOptions{}).Return("second-new", nil)
	rt.EXPECT().Start(gomock.Any(), "second-new").Return(nil)
	rt.EXPECT().Inspect(gomock.Any(), "second-new").Return(runtime.Status{Running: true, Healthy: true}, nil).AnyTimes()
	rt.EXPECT().Remove(gomock.Any(), "second-old").Return(nil)
	rt.EXPECT().RemoveImage(gomock.Any(), "openpeerpower/second:1.0.0").Return(nil)

	s.autoUpdateSweep(context.Background())

	assert.Equal(t, "1.0.0", getComponent(t, reg, "first").InstalledVersion)
	assert.Equal(t, "2.0.0", getComponent(t, reg, "second").InstalledVersion)
}
