// Package plugins declares the fixed set of infrastructure plugins the
// supervisor keeps alive alongside the core application: DNS, audio,
// multicast discovery, the CLI shell and the observer watchdog helper.
package plugins

import (
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
)

// Boot-order bands. Plugins and the core must reach running before any
// add-on is started; the DNS plugin starts before everything that resolves
// names through it.
const (
	PriorityDNS     = 10
	PriorityPlugins = 20
	PriorityCore    = 50
	PriorityAddons  = 100
)

// CoreID is the component id of the home-automation core application.
const CoreID = "core"

// Manifests returns the install manifests for the core application and the
// fixed plugin set.
func Manifests() []*registry.Manifest {
	return []*registry.Manifest{
		{
			ID:           "plugin_dns",
			Kind:         registry.KindPlugin,
			Image:        "openpeerpower/amd64-oppio-dns",
			Version:      "2021.01.0",
			BootPriority: PriorityDNS,
			AutoUpdate:   true,
			Limits:       runtime.Limits{MemoryBytes: 64 << 20},
		},
		{
			ID:           "plugin_audio",
			Kind:         registry.KindPlugin,
			Image:        "openpeerpower/amd64-oppio-audio",
			Version:      "2021.02.1",
			BootPriority: PriorityPlugins,
			AutoUpdate:   true,
			Limits:       runtime.Limits{MemoryBytes: 128 << 20},
		},
		{
			ID:           "plugin_cli",
			Kind:         registry.KindPlugin,
			Image:        "openpeerpower/amd64-oppio-cli",
			Version:      "2021.03.0",
			BootPriority: PriorityPlugins,
			AutoUpdate:   true,
			Limits:       runtime.Limits{MemoryBytes: 64 << 20},
		},
		{
			ID:           "plugin_multicast",
			Kind:         registry.KindPlugin,
			Image:        "openpeerpower/amd64-oppio-multicast",
			Version:      "2021.04.0",
			BootPriority: PriorityPlugins,
			AutoUpdate:   true,
			Limits:       runtime.Limits{MemoryBytes: 64 << 20},
		},
		{
			ID:           "plugin_observer",
			Kind:         registry.KindPlugin,
			Image:        "openpeerpower/amd64-oppio-observer",
			Version:      "2021.04.0",
			BootPriority: PriorityPlugins,
			AutoUpdate:   true,
			Limits:       runtime.Limits{MemoryBytes: 64 << 20},
		},
		{
			ID:           CoreID,
			Kind:         registry.KindCore,
			Image:        "openpeerpower/qemux86-64-openpeerpower",
			Version:      "2021.4.6",
			BootPriority: PriorityCore,
			Limits:       runtime.Limits{MemoryBytes: 1 << 30},
		},
	}
}
