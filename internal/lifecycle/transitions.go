package lifecycle

import "fmt"

// Rejected is returned by Next when an action is not legal from the current
// state. A rejected transition signals a caller logic error and is never
// retried; the caller should re-query component state.
type Rejected struct {
	From   State
	Action Action
}

func (e *Rejected) Error() string {
	return fmt.Sprintf("action %q is not legal in state %q", e.Action, e.From)
}

// Transition describes the states a legal action moves a component through.
// Transient is the state the component holds while the operation runs,
// Success the state it lands in when the operation completes, and Failure
// the last safely-observed state it is returned to when the operation fails
// in a recoverable way. Noop marks tolerated requests that change nothing,
// such as starting a component that is already running.
type Transition struct {
	Transient State
	Success   State
	Failure   State
	Noop      bool
}

// Next is the transition function. It is total over States() x Actions():
// every pair yields either a defined Transition or a *Rejected error, never
// an undefined case.
func Next(from State, action Action) (Transition, error) {
	if !from.Valid() {
		return Transition{}, &Rejected{From: from, Action: action}
	}

	// Removal is legal from any state except the terminal pipeline itself,
	// including error.
	if action == ActionRemove {
		switch from {
		case StateRemoving, StateRemoved:
			return Transition{Noop: true}, nil
		}
		return Transition{Transient: StateRemoving, Success: StateRemoved, Failure: from}, nil
	}

	// Quarantine forces a component into error from any live state.
	if action == ActionQuarantine {
		switch from {
		case StateRemoving, StateRemoved:
			return Transition{}, &Rejected{From: from, Action: action}
		case StateError:
			return Transition{Noop: true}, nil
		}
		return Transition{Transient: from, Success: StateError, Failure: StateError}, nil
	}

	switch from {
	case StateCreated:
		switch action {
		case ActionInstall:
			return Transition{Transient: StateInstalling, Success: StateStopped, Failure: StateCreated}, nil
		case ActionStop:
			return Transition{Noop: true}, nil
		}

	case StateStopped, StateRolledBack:
		switch action {
		case ActionInstall, ActionStop:
			return Transition{Noop: true}, nil
		case ActionStart, ActionRestart:
			return Transition{Transient: StateStarting, Success: StateRunning, Failure: StateStopped}, nil
		case ActionUpdate:
			// A cold update that fails leaves the component rolled back
			// rather than pretending the stop/start cycle happened.
			return Transition{Transient: StateUpdating, Success: StateStopped, Failure: StateRolledBack}, nil
		case ActionRebuild:
			return Transition{Transient: StateStarting, Success: StateStopped, Failure: StateStopped}, nil
		}

	case StateRunning:
		switch action {
		case ActionInstall, ActionStart:
			return Transition{Noop: true}, nil
		case ActionStop:
			return Transition{Transient: StateStopping, Success: StateStopped, Failure: StateRunning}, nil
		case ActionRestart:
			return Transition{Transient: StateStarting, Success: StateRunning, Failure: StateStopped}, nil
		case ActionUpdate:
			return Transition{Transient: StateUpdating, Success: StateRunning, Failure: StateRunning}, nil
		case ActionRebuild:
			return Transition{Transient: StateStarting, Success: StateRunning, Failure: StateStopped}, nil
		}

	case StateError:
		// Only remove (handled above) and an explicit reset are legal.
		if action == ActionReset {
			return Transition{Transient: StateStopping, Success: StateStopped, Failure: StateError}, nil
		}

	case StateInstalling, StateStarting, StateStopping, StateUpdating, StateRemoving, StateRemoved:
		// Transient states are only observable while their owning job holds
		// the component lock; any action requested against them is a caller
		// error. Removed components accept nothing.
	}

	return Transition{}, &Rejected{From: from, Action: action}
}
