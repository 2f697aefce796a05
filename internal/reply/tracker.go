// Package reply implements the streaming server-reply tracker (C3): a
// state machine fed with successive payload slices of one backend
// reply that reports, at each packet boundary, whether the command is
// complete and what kind of result it produced.
package reply

import "github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"

// State is one node of the reply state machine.
type State int

const (
	StateStart State = iota
	StateRsetColDef
	StateRsetColDefEOF
	StateRsetRows
	StateDone
	StatePrepare
	StateLocalInfile
	StateLocalInfileEnd
	StateErr
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateRsetColDef:
		return "RSET_COLDEF"
	case StateRsetColDefEOF:
		return "RSET_COLDEF_EOF"
	case StateRsetRows:
		return "RSET_ROWS"
	case StateDone:
		return "DONE"
	case StatePrepare:
		return "PREPARE"
	case StateLocalInfile:
		return "LOCAL_INFILE"
	case StateLocalInfileEnd:
		return "LOCAL_INFILE_END"
	case StateErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// Outcome classifies the overall shape of a completed reply.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeOK
	OutcomeErr
	OutcomeResultSet
	OutcomeLocalInfile
	OutcomePrepareOK
)

// Event is reported by Feed after each packet is consumed. Once
// Complete is true, AffectedRows/LastInsertID/ErrorCode/RowCount carry
// the same values the Tracker itself accumulated for the command,
// letting a caller build a canonical response without holding a
// reference to the Tracker.
type Event struct {
	State        State
	Complete     bool // command is fully answered; tracker can Reset for the next command
	Outcome      Outcome
	RowEnd       int // byte offset within the fed slice where this row ends, for truncation collaborators
	Err          error
	AffectedRows uint64
	LastInsertID uint64
	ErrorCode    uint16
	RowCount     uint64
}

// Tracker consumes one backend reply, packet by packet.
type Tracker struct {
	capability uint32 // session capability flags captured at handshake
	isPrepare  bool   // true when tracking a COM_STMT_PREPARE reply

	state State

	// Accumulators, reset at the start of each command via Reset.
	RowsRead      uint64
	SizeBytes     uint64
	FieldCounts   []uint64
	Warnings      uint16
	AffectedRows  uint64
	LastInsertID  uint64
	ErrorCode     uint16
	SQLState      string
	ErrorMessage  string

	colDefRemaining  uint64
	paramDefRemaining uint64
	eofsSeen        int
	deprecateEOF    bool
}

// New creates a tracker for a session with the given negotiated
// capability flags.
func New(capability uint32) *Tracker {
	t := &Tracker{capability: capability, deprecateEOF: protocol.Supports(capability, protocol.ClientDeprecateEOF)}
	t.Reset(false)
	return t
}

// Reset prepares the tracker for a new command's reply. isPrepare
// selects the distinct COM_STMT_PREPARE reply shape.
func (t *Tracker) Reset(isPrepare bool) {
	t.state = StateStart
	t.isPrepare = isPrepare
	t.RowsRead = 0
	t.SizeBytes = 0
	t.FieldCounts = nil
	t.Warnings = 0
	t.AffectedRows = 0
	t.LastInsertID = 0
	t.ErrorCode = 0
	t.SQLState = ""
	t.ErrorMessage = ""
	t.colDefRemaining = 0
	t.paramDefRemaining = 0
	t.eofsSeen = 0
}

// ResetForFetch prepares the tracker for a COM_STMT_FETCH reply, which
// resends only rows - using the column definitions already delivered
// by the preceding COM_STMT_EXECUTE - terminated by EOF/ERR, never a
// fresh resultset header.
func (t *Tracker) ResetForFetch() {
	t.Reset(false)
	t.state = StateRsetRows
}

// State reports the tracker's current state.
func (t *Tracker) State() State { return t.state }

// Feed consumes one payload (the payload of one packet, header
// already stripped) and reports the resulting transition. The tracker
// never rewrites bytes; RowEnd in the returned event is an offset into
// payload, not a copy.
func (t *Tracker) Feed(payload []byte) Event {
	t.SizeBytes += uint64(len(payload))

	e := t.feed(payload)
	if e.Complete {
		e.AffectedRows = t.AffectedRows
		e.LastInsertID = t.LastInsertID
		e.ErrorCode = t.ErrorCode
		e.RowCount = t.RowsRead
	}
	return e
}

func (t *Tracker) feed(payload []byte) Event {
	if t.state == StateLocalInfile {
		return t.feedLocalInfile(payload)
	}

	if len(payload) == 0 {
		return Event{State: t.state}
	}

	first := payload[0]

	switch t.state {
	case StateStart:
		return t.feedStart(payload, first)
	case StateRsetColDef:
		return t.feedColDef(payload, first)
	case StateRsetColDefEOF:
		return t.feedColDefEOF(payload, first)
	case StateRsetRows:
		return t.feedRows(payload, first)
	case StateLocalInfileEnd:
		return t.feedLocalInfileEnd(payload, first)
	case StatePrepare:
		return t.feedPrepare(payload, first)
	default:
		return Event{State: t.state, Complete: true}
	}
}

func (t *Tracker) feedStart(payload []byte, first byte) Event {
	switch {
	case first == protocol.ErrHeader:
		t.parseErr(payload)
		t.state = StateErr
		return Event{State: StateErr, Complete: true, Outcome: OutcomeErr}

	case first == protocol.LocalInfileHeader:
		t.state = StateLocalInfile
		return Event{State: StateLocalInfile}

	case first == protocol.OKHeader && t.isPrepare:
		t.parsePrepareOK(payload)
		if t.paramDefRemaining == 0 && t.colDefRemaining == 0 {
			t.state = StateDone
			return Event{State: StateDone, Complete: true, Outcome: OutcomePrepareOK}
		}
		t.state = StatePrepare
		return Event{State: StatePrepare, Outcome: OutcomePrepareOK}

	case first == protocol.OKHeader || (first == protocol.EOFHeader && len(payload) < 9):
		t.parseOK(payload)
		t.state = StateDone
		return Event{State: StateDone, Complete: true, Outcome: OutcomeOK}

	default:
		n, isNull, consumed := protocol.ReadLengthEncodedInt(payload)
		if consumed == 0 || isNull {
			t.state = StateErr
			t.ErrorMessage = "malformed resultset header"
			return Event{State: StateErr, Complete: true, Outcome: OutcomeErr,
				Err: protocol.NewError(protocol.ErrMalformedPacket, t.ErrorMessage)}
		}
		t.colDefRemaining = n
		t.FieldCounts = append(t.FieldCounts, n)
		t.state = StateRsetColDef
		return Event{State: StateRsetColDef, Outcome: OutcomeResultSet}
	}
}

func (t *Tracker) feedColDef(payload []byte, first byte) Event {
	if t.colDefRemaining > 0 {
		t.colDefRemaining--
		if t.colDefRemaining == 0 {
			if t.deprecateEOF {
				t.state = StateRsetRows
				return Event{State: StateRsetRows}
			}
			t.state = StateRsetColDefEOF
			return Event{State: StateRsetColDefEOF}
		}
		return Event{State: StateRsetColDef}
	}
	return Event{State: t.state}
}

func (t *Tracker) feedColDefEOF(payload []byte, first byte) Event {
	if first != protocol.EOFHeader {
		t.state = StateErr
		return Event{State: StateErr, Complete: true, Outcome: OutcomeErr,
			Err: protocol.NewError(protocol.ErrMalformedPacket, "expected EOF after column definitions")}
	}
	t.eofsSeen++
	t.state = StateRsetRows
	return Event{State: StateRsetRows}
}

func (t *Tracker) feedRows(payload []byte, first byte) Event {
	switch {
	case first == protocol.ErrHeader:
		t.parseErr(payload)
		t.state = StateErr
		return Event{State: StateErr, Complete: true, Outcome: OutcomeErr}

	case first == protocol.EOFHeader && len(payload) < 9:
		if t.deprecateEOF {
			t.parseOK(payload)
		}
		t.state = StateDone
		return Event{State: StateDone, Complete: true, Outcome: OutcomeResultSet}

	default:
		t.RowsRead++
		return Event{State: StateRsetRows, RowEnd: len(payload)}
	}
}

func (t *Tracker) feedLocalInfile(payload []byte) Event {
	// The client's reply to LOCAL INFILE (file contents, terminated by a
	// zero-length packet) flows through the same stream; the tracker
	// only needs to recognize the terminating empty packet.
	if len(payload) == 0 {
		t.state = StateLocalInfileEnd
		return Event{State: StateLocalInfileEnd}
	}
	return Event{State: StateLocalInfile}
}

func (t *Tracker) feedLocalInfileEnd(payload []byte, first byte) Event {
	if first == protocol.ErrHeader {
		t.parseErr(payload)
		t.state = StateErr
		return Event{State: StateErr, Complete: true, Outcome: OutcomeErr}
	}
	t.parseOK(payload)
	t.state = StateDone
	return Event{State: StateDone, Complete: true, Outcome: OutcomeLocalInfile}
}

func (t *Tracker) feedPrepare(payload []byte, first byte) Event {
	if t.paramDefRemaining > 0 {
		t.paramDefRemaining--
		if t.paramDefRemaining == 0 {
			if t.deprecateEOF {
				return t.afterParamDefs()
			}
			return Event{State: StatePrepare}
		}
		return Event{State: StatePrepare}
	}
	if !t.deprecateEOF && first == protocol.EOFHeader && len(payload) < 9 {
		return t.afterParamDefs()
	}
	return t.feedPrepareColDef(payload, first)
}

func (t *Tracker) afterParamDefs() Event {
	if t.colDefRemaining == 0 {
		t.state = StateDone
		return Event{State: StateDone, Complete: true, Outcome: OutcomePrepareOK}
	}
	return Event{State: StatePrepare}
}

func (t *Tracker) feedPrepareColDef(payload []byte, first byte) Event {
	if t.colDefRemaining > 0 {
		t.colDefRemaining--
		if t.colDefRemaining == 0 {
			if t.deprecateEOF {
				t.state = StateDone
				return Event{State: StateDone, Complete: true, Outcome: OutcomePrepareOK}
			}
			return Event{State: StatePrepare}
		}
		return Event{State: StatePrepare}
	}
	if first == protocol.EOFHeader && len(payload) < 9 {
		t.state = StateDone
		return Event{State: StateDone, Complete: true, Outcome: OutcomePrepareOK}
	}
	return Event{State: StatePrepare}
}

func (t *Tracker) parseOK(payload []byte) {
	pos := 1
	affected, _, n := protocol.ReadLengthEncodedInt(payload[pos:])
	if n == 0 {
		return
	}
	pos += n
	t.AffectedRows = affected

	insertID, _, n := protocol.ReadLengthEncodedInt(payload[pos:])
	if n == 0 {
		return
	}
	pos += n
	t.LastInsertID = insertID

	if protocol.Supports(t.capability, protocol.ClientProtocol41) {
		if len(payload) < pos+4 {
			return
		}
		pos += 2 // status flags consumed by the caller/session tracker
		t.Warnings = uint16(payload[pos]) | uint16(payload[pos+1])<<8
		pos += 2
	} else if protocol.Supports(t.capability, protocol.ClientTransactions) {
		pos += 2
	}
	_ = pos
}

func (t *Tracker) parseErr(payload []byte) {
	if len(payload) < 3 {
		return
	}
	t.ErrorCode = uint16(payload[1]) | uint16(payload[2])<<8
	pos := 3
	if protocol.Supports(t.capability, protocol.ClientProtocol41) && len(payload) >= 9 && payload[3] == '#' {
		t.SQLState = string(payload[4:9])
		pos = 9
	}
	t.ErrorMessage = string(payload[pos:])
}

func (t *Tracker) parsePrepareOK(payload []byte) {
	if len(payload) < 12 {
		return
	}
	numCols := uint16(payload[5]) | uint16(payload[6])<<8
	numParams := uint16(payload[7]) | uint16(payload[8])<<8
	t.colDefRemaining = uint64(numCols)
	t.paramDefRemaining = uint64(numParams)
}
