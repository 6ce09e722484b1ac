package registry

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
)

// Kind classifies a managed component.
type Kind string

const (
	// KindCore is the home-automation core application.
	KindCore Kind = "core"
	// KindAddon is a user-installed add-on.
	KindAddon Kind = "addon"
	// KindPlugin is one of the fixed infrastructure plugins (dns, audio,
	// cli, multicast, observer).
	KindPlugin Kind = "plugin"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCore, KindAddon, KindPlugin:
		return true
	}
	return false
}

// Component is one managed containerized unit and its live status.
//
// Components are mutated only by the job manager (state, health, container)
// and the update coordinator (versions), and only under that component's
// lock; the registry hands out snapshots, never live entries.
type Component struct {
	ID               string          `json:"id"`
	Kind             Kind            `json:"kind"`
	Image            string          `json:"image"`
	InstalledVersion string          `json:"installed_version"`
	DesiredVersion   string          `json:"desired_version,omitempty"`
	State            lifecycle.State `json:"state"`
	Healthy          bool            `json:"healthy"`
	ContainerID      string          `json:"container_id,omitempty"`
	Limits           runtime.Limits  `json:"limits"`

	// Ports are published port specs in host:container[/proto] form,
	// applied when the component's container is created.
	Ports []string `json:"ports,omitempty"`

	// BootPriority orders startup; lower starts earlier. Plugins and core
	// must reach running before any addon is started.
	BootPriority int `json:"boot_priority"`

	// AutoUpdate opts the component into the periodic update sweep.
	AutoUpdate bool `json:"auto_update"`
}

// ImageRef is the full image reference for the installed version.
func (c *Component) ImageRef() string {
	return fmt.Sprintf("%s:%s", c.Image, c.InstalledVersion)
}

// ImageRefFor is the full image reference for an arbitrary version.
func (c *Component) ImageRefFor(version string) string {
	return fmt.Sprintf("%s:%s", c.Image, version)
}

// NeedsUpdate reports whether a newer desired version is pending.
func (c *Component) NeedsUpdate() bool {
	if c.DesiredVersion == "" || c.DesiredVersion == c.InstalledVersion {
		return false
	}
	return CompareVersions(c.DesiredVersion, c.InstalledVersion) > 0
}

// Clone returns a copy safe to hold across registry mutations.
func (c *Component) Clone() *Component {
	dup := *c
	if c.Ports != nil {
		dup.Ports = append([]string(nil), c.Ports...)
	}
	return &dup
}

// CompareVersions orders two component versions, tolerating the bare
// "2021.4.1" form used by published images alongside canonical semver.
func CompareVersions(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
