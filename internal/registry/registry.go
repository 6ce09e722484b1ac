// Package registry is the in-memory catalog of every managed component,
// backed by the persistent store. The catalog itself is guarded by an
// internal mutex so readers (API handlers, the watchdog) never observe a
// half-written entry; reads hand out snapshots. Which component fields MAY
// change at a given moment is still governed by the job manager's
// per-component locks.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/store"
)

// Registry holds the component catalog.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*Component
	store      *store.Store // nil in tests
}

// New returns an empty registry. st may be nil, in which case nothing is
// persisted.
func New(st *store.Store) *Registry {
	return &Registry{
		components: make(map[string]*Component),
		store:      st,
	}
}

// Load replaces the in-memory catalog with the persisted one. Called once
// at startup, before the job manager accepts work.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.Components()
	if err != nil {
		return fmt.Errorf("loading components: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = make(map[string]*Component, len(recs))
	for _, rec := range recs {
		c := fromRecord(rec)
		r.components[c.ID] = c
	}
	return nil
}

// Register adds a new component to the catalog.
func (r *Registry) Register(c *Component) error {
	if c.ID == "" {
		return fmt.Errorf("component id must not be empty")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown component kind %q", c.Kind)
	}
	if !c.State.Valid() {
		return fmt.Errorf("component %s has invalid state %q", c.ID, c.State)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[c.ID]; exists {
		return fmt.Errorf("component %s is already registered", c.ID)
	}
	// Store a copy so the caller's pointer never aliases the catalog.
	c = c.Clone()
	r.components[c.ID] = c
	return r.persist(c)
}

// Deregister removes a component. Entries are only removed once the
// component has reached a safe terminal state.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return fmt.Errorf("component %s is not registered", id)
	}
	switch c.State {
	case lifecycle.StateStopped, lifecycle.StateRemoved:
	default:
		return fmt.Errorf("component %s cannot be deregistered in state %q", id, c.State)
	}
	delete(r.components, id)
	if r.store != nil {
		return r.store.DeleteComponent(id)
	}
	return nil
}

// Get returns a snapshot of the component with the given id. Mutations go
// through the registry's setters, never through the returned copy.
func (r *Registry) Get(id string) (*Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Filter narrows List results; zero values match everything.
type Filter struct {
	Kind  Kind
	State lifecycle.State
}

// List returns snapshots of matching components ordered by boot priority,
// then id.
func (r *Registry) List(f Filter) []*Component {
	r.mu.RLock()
	out := make([]*Component, 0, len(r.components))
	for _, c := range r.components {
		if f.Kind != "" && c.Kind != f.Kind {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		out = append(out, c.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].BootPriority != out[j].BootPriority {
			return out[i].BootPriority < out[j].BootPriority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateState moves a component to a new lifecycle state. Called only by
// the job manager while holding the component's lock.
func (r *Registry) UpdateState(id string, state lifecycle.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return fmt.Errorf("component %s is not registered", id)
	}
	if !state.Valid() {
		return fmt.Errorf("invalid state %q for component %s", state, id)
	}
	c.State = state
	return r.persist(c)
}

// SetVersion records installed and desired versions. A non-empty desired
// version must differ from the installed one.
func (r *Registry) SetVersion(id, installed, desired string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return fmt.Errorf("component %s is not registered", id)
	}
	if desired != "" && desired == installed {
		return fmt.Errorf("component %s: desired version %s equals installed version", id, desired)
	}
	c.InstalledVersion = installed
	c.DesiredVersion = desired
	return r.persist(c)
}

// SetContainer records the component's current container handle.
func (r *Registry) SetContainer(id, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return fmt.Errorf("component %s is not registered", id)
	}
	c.ContainerID = containerID
	return r.persist(c)
}

// SetHealth records the last-known health status.
func (r *Registry) SetHealth(id string, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return fmt.Errorf("component %s is not registered", id)
	}
	c.Healthy = healthy
	return r.persist(c)
}

// BootOrderSatisfied reports whether core and every plugin are running,
// the precondition for add-on start jobs.
func (r *Registry) BootOrderSatisfied() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.components {
		if c.Kind == KindAddon {
			continue
		}
		if c.State != lifecycle.StateRunning {
			return false
		}
	}
	return true
}

func (r *Registry) persist(c *Component) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveComponent(toRecord(c))
}

func toRecord(c *Component) *store.ComponentRecord {
	return &store.ComponentRecord{
		ID:               c.ID,
		Kind:             string(c.Kind),
		Image:            c.Image,
		InstalledVersion: c.InstalledVersion,
		DesiredVersion:   c.DesiredVersion,
		State:            string(c.State),
		Healthy:          c.Healthy,
		ContainerID:      c.ContainerID,
		CPUShares:        c.Limits.CPUShares,
		MemoryBytes:      c.Limits.MemoryBytes,
		Ports:            strings.Join(c.Ports, ","),
		BootPriority:     c.BootPriority,
		AutoUpdate:       c.AutoUpdate,
	}
}

func fromRecord(rec store.ComponentRecord) *Component {
	c := &Component{
		ID:               rec.ID,
		Kind:             Kind(rec.Kind),
		Image:            rec.Image,
		InstalledVersion: rec.InstalledVersion,
		DesiredVersion:   rec.DesiredVersion,
		State:            lifecycle.State(rec.State),
		Healthy:          rec.Healthy,
		ContainerID:      rec.ContainerID,
		BootPriority:     rec.BootPriority,
		AutoUpdate:       rec.AutoUpdate,
	}
	c.Limits.CPUShares = rec.CPUShares
	c.Limits.MemoryBytes = rec.MemoryBytes
	if rec.Ports != "" {
		c.Ports = strings.Split(rec.Ports, ",")
	}
	return c
}
