package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
)

func testComponent(id string, kind Kind, state lifecycle.State) *Component {
	return &Component{
		ID:               id,
		Kind:             kind,
		Image:            "openpeerpower/" + id,
		InstalledVersion: "1.0.0",
		State:            state,
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateCreated)))

	c, ok := reg.Get("demo")
	require.True(t, ok)
	assert.Equal(t, "demo", c.ID)

	_, ok = reg.Get("ghost")
	assert.False(t, ok)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	reg := New(nil)
	assert.Error(t, reg.Register(testComponent("", KindAddon, lifecycle.StateCreated)))
	assert.Error(t, reg.Register(testComponent("demo", Kind("gadget"), lifecycle.StateCreated)))
	assert.Error(t, reg.Register(testComponent("demo", KindAddon, lifecycle.State("limbo"))))

	require.NoError(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateCreated)))
	assert.Error(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateCreated)), "duplicate id")
}

func TestDeregisterOnlyFromSafeStates(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateRunning)))
	assert.Error(t, reg.Deregister("demo"), "running components stay registered")

	require.NoError(t, reg.UpdateState("demo", lifecycle.StateStopped))
	require.NoError(t, reg.Deregister("demo"))
	assert.Error(t, reg.Deregister("demo"), "already gone")
}

func TestListFilterAndOrder(t *testing.T) {
	reg := New(nil)
	core := testComponent("core", KindCore, lifecycle.StateRunning)
	core.BootPriority = 50
	dns := testComponent("plugin_dns", KindPlugin, lifecycle.StateRunning)
	dns.BootPriority = 10
	addon := testComponent("demo", KindAddon, lifecycle.StateStopped)
	addon.BootPriority = 100
	for _, c := range []*Component{addon, core, dns} {
		require.NoError(t, reg.Register(c))
	}

	all := reg.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "plugin_dns", all[0].ID)
	assert.Equal(t, "core", all[1].ID)
	assert.Equal(t, "demo", all[2].ID)

	running := reg.List(Filter{State: lifecycle.StateRunning})
	assert.Len(t, running, 2)

	addons := reg.List(Filter{Kind: KindAddon})
	require.Len(t, addons, 1)
	assert.Equal(t, "demo", addons[0].ID)
}

func TestUpdateStateValidates(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateCreated)))

	assert.Error(t, reg.UpdateState("ghost", lifecycle.StateRunning))
	assert.Error(t, reg.UpdateState("demo", lifecycle.State("limbo")))
	require.NoError(t, reg.UpdateState("demo", lifecycle.StateStopped))

	c, _ := reg.Get("demo")
	assert.Equal(t, lifecycle.StateStopped, c.State)
}

func TestSetVersion(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateStopped)))

	assert.Error(t, reg.SetVersion("demo", "1.0.0", "1.0.0"), "desired must differ")
	require.NoError(t, reg.SetVersion("demo", "1.0.0", "2.0.0"))
	c, _ := reg.Get("demo")
	assert.Equal(t, "2.0.0", c.DesiredVersion)

	require.NoError(t, reg.SetVersion("demo", "2.0.0", ""))
	assert.Equal(t, "2.0.0", c.InstalledVersion)
	assert.Empty(t, c.DesiredVersion)
}

func TestBootOrderSatisfied(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(testComponent("core", KindCore, lifecycle.StateStopped)))
	require.NoError(t, reg.Register(testComponent("plugin_dns", KindPlugin, lifecycle.StateRunning)))
	require.NoError(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateStopped)))

	assert.False(t, reg.BootOrderSatisfied())

	require.NoError(t, reg.UpdateState("core", lifecycle.StateRunning))
	assert.True(t, reg.BootOrderSatisfied(), "add-on state is irrelevant")
}

func TestNeedsUpdate(t *testing.T) {
	c := testComponent("demo", KindAddon, lifecycle.StateStopped)
	assert.False(t, c.NeedsUpdate())

	c.DesiredVersion = "2.0.0"
	assert.True(t, c.NeedsUpdate())

	c.DesiredVersion = "0.9.0"
	assert.False(t, c.NeedsUpdate(), "downgrades are not auto-applied")

	c.DesiredVersion = c.InstalledVersion
	assert.False(t, c.NeedsUpdate())
}

func TestCompareVersions(t *testing.T) {
	assert.Positive(t, CompareVersions("2021.4.6", "2021.4.1"))
	assert.Negative(t, CompareVersions("2021.4.1", "2021.12.0"))
	assert.Zero(t, CompareVersions("1.0.0", "v1.0.0"))
}

func TestImageRef(t *testing.T) {
	c := testComponent("demo", KindAddon, lifecycle.StateStopped)
	assert.Equal(t, "openpeerpower/demo:1.0.0", c.ImageRef())
	assert.Equal(t, "openpeerpower/demo:2.0.0", c.ImageRefFor("2.0.0"))
}

func TestClone(t *testing.T) {
	c := testComponent("demo", KindAddon, lifecycle.StateStopped)
	c.Ports = []string{"8123:8123/tcp"}
	dup := c.Clone()
	dup.State = lifecycle.StateRunning
	dup.Ports[0] = "9999:9999/tcp"
	assert.Equal(t, lifecycle.StateStopped, c.State)
	assert.Equal(t, "8123:8123/tcp", c.Ports[0])
}

func TestGetReturnsSnapshot(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register(testComponent("demo", KindAddon, lifecycle.StateCreated)))

	c, ok := reg.Get("demo")
	require.True(t, ok)
	c.State = lifecycle.StateRunning
	c.ContainerID = "rogue"

	cur, ok := reg.Get("demo")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateCreated, cur.State)
	assert.Empty(t, cur.ContainerID)

	reg.List(Filter{})[0].State = lifecycle.StateError
	cur, _ = reg.Get("demo")
	assert.Equal(t, lifecycle.StateCreated, cur.State)
}

func TestConcurrentCatalogAccess(t *testing.T) {
	reg := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		id := fmt.Sprintf("addon-%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Register(testComponent(id, KindAddon, lifecycle.StateCreated)))
			assert.NoError(t, reg.UpdateState(id, lifecycle.StateInstalling))
			assert.NoError(t, reg.SetContainer(id, "cid-"+id))
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			reg.List(Filter{Kind: KindAddon})
			reg.Get("addon-00")
			reg.BootOrderSatisfied()
		}
	}()
	wg.Wait()
	<-done

	assert.Len(t, reg.List(Filter{}), 32)
}
