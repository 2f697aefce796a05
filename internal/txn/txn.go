// Package txn implements the transaction tracker (C6): a state
// machine fed by classifier output for each client statement and by
// the server's session-state-change trailer, reporting the session's
// current transaction state.
package txn

import "github.com/mariadb-corporation/MaxScale-sub029/internal/classifier"

// State is the transaction's current phase.
type State int

const (
	Inactive State = iota
	ActiveRead
	ActiveWrite
	Ending
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case ActiveRead:
		return "ACTIVE_READ"
	case ActiveWrite:
		return "ACTIVE_WRITE"
	case Ending:
		return "ENDING"
	default:
		return "UNKNOWN"
	}
}

// Tracker holds the transaction state for one client session.
type Tracker struct {
	state      State
	autocommit bool
}

// New creates a tracker in the default state: no transaction active,
// autocommit on (the server's default).
func New() *Tracker {
	return &Tracker{state: Inactive, autocommit: true}
}

// State reports the current transaction state.
func (t *Tracker) State() State { return t.state }

// Autocommit reports the session's current autocommit setting.
func (t *Tracker) Autocommit() bool { return t.autocommit }

// OnStatement feeds one classified client statement through the state
// machine, in the absence of server session-tracking.
func (t *Tracker) OnStatement(mask classifier.TypeMask) {
	switch {
	case mask.Has(classifier.TypeDisableAutocommit):
		t.autocommit = false
		t.state = ActiveRead

	case mask.Has(classifier.TypeBeginTrx):
		if mask.Has(classifier.TypeWrite) {
			t.state = ActiveWrite
		} else {
			t.state = ActiveRead
		}

	case mask.Has(classifier.TypeEnableAutocommit):
		// An implicit commit precedes the autocommit flip.
		t.state = Inactive
		t.autocommit = true

	case mask.Has(classifier.TypeCommit) || mask.Has(classifier.TypeRollback):
		t.state = Ending

	case mask.Has(classifier.TypeWrite) && t.state == ActiveRead:
		t.state = ActiveWrite
	}
}

// OnCommandOK is called once the server's OK for the statement that
// drove the tracker into Ending has been seen, finishing the
// COMMIT/ROLLBACK.
func (t *Tracker) OnCommandOK() {
	if t.state == Ending {
		t.state = Inactive
	}
}

// ServerSessionState carries the subset of a server's
// session-state-change trailer the tracker cares about. When the
// session-tracking capability is enabled, this authoritative view
// overrides the classifier-driven inference.
type ServerSessionState struct {
	InTransaction bool
	Autocommit    bool
}

// ApplyServerState overrides the tracker's inferred state with the
// server's authoritative session-tracking trailer.
func (t *Tracker) ApplyServerState(s ServerSessionState) {
	t.autocommit = s.Autocommit
	if s.InTransaction {
		if t.state != ActiveWrite {
			t.state = ActiveRead
		}
	} else if t.state != Ending {
		t.state = Inactive
	}
}
