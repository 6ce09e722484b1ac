// Package lifecycle defines the per-component state machine: the set of
// lifecycle states, the operations that can be requested against a
// component, and the legal transition table between them.
package lifecycle

// State is the lifecycle state of a managed component.
type State string

const (
	StateCreated    State = "created"
	StateInstalling State = "installing"
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateUpdating   State = "updating"
	StateRolledBack State = "rolled_back"
	StateRemoving   State = "removing"
	StateRemoved    State = "removed"
	StateError      State = "error"
)

// States returns every member of the state set.
func States() []State {
	return []State{
		StateCreated,
		StateInstalling,
		StateStopped,
		StateStarting,
		StateRunning,
		StateStopping,
		StateUpdating,
		StateRolledBack,
		StateRemoving,
		StateRemoved,
		StateError,
	}
}

// Valid reports whether s is a member of the state set.
func (s State) Valid() bool {
	for _, known := range States() {
		if s == known {
			return true
		}
	}
	return false
}

// Action is a requested lifecycle operation against a component.
type Action string

const (
	ActionInstall Action = "install"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionUpdate  Action = "update"
	ActionRemove  Action = "remove"
	ActionRebuild Action = "rebuild"

	// ActionReset recovers a component out of the error state.
	ActionReset Action = "reset"

	// ActionQuarantine moves a component into the error state. Submitted by
	// the watchdog when a component flaps past the restart threshold.
	ActionQuarantine Action = "quarantine"
)

// Actions returns every known action.
func Actions() []Action {
	return []Action{
		ActionInstall,
		ActionStart,
		ActionStop,
		ActionRestart,
		ActionUpdate,
		ActionRemove,
		ActionRebuild,
		ActionReset,
		ActionQuarantine,
	}
}
