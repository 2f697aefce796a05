// Package history implements the per-session log of session-state-
// changing commands (C5): statements that must be replayed against any
// backend adopted after the command's own first reply, so the adopted
// backend's session state matches what the client has already
// observed.
package history

import (
	"github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/reply"
)

// OverflowPolicy decides what happens when the history grows past its
// configured bound.
type OverflowPolicy int

const (
	// DisablePooling stops new backends from being adopted once the
	// history is full; existing backends keep working.
	DisablePooling OverflowPolicy = iota
	// ErrorOnAdoption surfaces an error the moment a new backend would
	// need to replay a full history.
	ErrorOnAdoption
)

// ResponseKind classifies a canonical response for the replay
// comparator without needing to re-parse the original bytes.
type ResponseKind int

const (
	ResponseNone ResponseKind = iota
	ResponseOK
	ResponseErr
	ResponseResultSet
)

// CanonicalResponse is the client-visible outcome of a history entry's
// command, captured once and compared against every replay.
type CanonicalResponse struct {
	Kind         ResponseKind
	AffectedRows uint64
	LastInsertID uint64
	ErrorCode    uint16
	RowCount     uint64
}

// CanonicalFromEvent builds a CanonicalResponse from a completed
// reply.Event, the single source of truth both the first-seen
// response (attached once the real backend answers) and every later
// replay's response are derived from, so the two are always compared
// on equal footing.
func CanonicalFromEvent(e reply.Event) *CanonicalResponse {
	switch e.Outcome {
	case reply.OutcomeOK, reply.OutcomeLocalInfile:
		return &CanonicalResponse{Kind: ResponseOK, AffectedRows: e.AffectedRows, LastInsertID: e.LastInsertID}
	case reply.OutcomePrepareOK:
		return &CanonicalResponse{Kind: ResponseOK}
	case reply.OutcomeErr:
		return &CanonicalResponse{Kind: ResponseErr, ErrorCode: e.ErrorCode}
	case reply.OutcomeResultSet:
		return &CanonicalResponse{Kind: ResponseResultSet, RowCount: e.RowCount}
	default:
		return &CanonicalResponse{Kind: ResponseNone}
	}
}

// Entry is one session-state-changing command and the response the
// client saw the first time it ran.
type Entry struct {
	SequenceID int
	Payload    []byte // the raw command payload, as sent to the first backend
	TypeMask   uint32
	Response   *CanonicalResponse // nil until the first reply completes
}

// Log is the ordered history for one client session, plus one replay
// cursor per adopted backend.
type Log struct {
	entries []*Entry
	cursors map[string]int

	maxEntries int
	policy     OverflowPolicy
	overflowed bool
}

// New creates an empty history. maxEntries <= 0 means unbounded.
func New(maxEntries int, policy OverflowPolicy) *Log {
	return &Log{
		cursors:    make(map[string]int),
		maxEntries: maxEntries,
		policy:     policy,
	}
}

// Append records a new session-state-changing command. Returns the
// entry so the caller can attach its canonical response once the
// first reply completes.
func (l *Log) Append(payload []byte, typeMask uint32) *Entry {
	e := &Entry{
		SequenceID: len(l.entries),
		Payload:    append([]byte(nil), payload...),
		TypeMask:   typeMask,
	}
	l.entries = append(l.entries, e)
	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		l.overflowed = true
	}
	return e
}

// SetResponse attaches the canonical response to an entry once its
// first backend's reply is fully known. Per invariant I4, an ERR
// response is recorded only as an explicit "expected error" so future
// replays can still be compared against it.
func (e *Entry) SetResponse(resp *CanonicalResponse) {
	e.Response = resp
}

// Overflowed reports whether the history has exceeded its configured
// bound.
func (l *Log) Overflowed() bool { return l.overflowed }

// Policy reports the configured overflow policy.
func (l *Log) Policy() OverflowPolicy { return l.policy }

// Len reports the number of entries recorded so far.
func (l *Log) Len() int { return len(l.entries) }

// CanAdopt reports whether a new backend may be adopted, given the
// overflow policy.
func (l *Log) CanAdopt() bool {
	if !l.overflowed {
		return true
	}
	return l.policy != ErrorOnAdoption && l.policy != DisablePooling
}

// AdoptBackend registers a newly adopted backend at cursor 0; it must
// replay every entry before it is permitted to route new queries.
func (l *Log) AdoptBackend(backend string) error {
	if l.overflowed {
		switch l.policy {
		case DisablePooling:
			return protocol.NewError(protocol.ErrHistoryOverflow, "history exceeds configured bound; pooling disabled for this session")
		case ErrorOnAdoption:
			return protocol.NewError(protocol.ErrHistoryOverflow, "history exceeds configured bound; backend adoption refused")
		}
	}
	l.cursors[backend] = 0
	return nil
}

// Cursor reports how many entries a backend has already replayed.
func (l *Log) Cursor(backend string) int {
	return l.cursors[backend]
}

// Replaying reports whether a backend still has unreplayed entries. A
// backend is "not routing" while this is true. No command is queued
// for a backend during that time: the backend package finishes the
// replay before handing the connection out.
func (l *Log) Replaying(backend string) bool {
	return l.cursors[backend] < len(l.entries)
}

// NextToReplay returns the next entry a backend must replay, or nil
// if the backend is fully caught up.
func (l *Log) NextToReplay(backend string) *Entry {
	c := l.cursors[backend]
	if c >= len(l.entries) {
		return nil
	}
	return l.entries[c]
}

// Advance moves a backend's cursor forward past the entry it just
// replayed, after the comparator has accepted the response.
func (l *Log) Advance(backend string) {
	l.cursors[backend]++
}

// Compare reports whether a replayed response is equivalent to an
// entry's canonical response. Equivalence per spec: both OK with the
// same affected-rows/last-insert-id, both ERR with the same error
// code, or both resultsets with the same row count.
func Compare(canonical, replayed *CanonicalResponse) bool {
	if canonical == nil || replayed == nil {
		return canonical == replayed
	}
	if canonical.Kind != replayed.Kind {
		return false
	}
	switch canonical.Kind {
	case ResponseOK:
		return canonical.AffectedRows == replayed.AffectedRows && canonical.LastInsertID == replayed.LastInsertID
	case ResponseErr:
		return canonical.ErrorCode == replayed.ErrorCode
	case ResponseResultSet:
		return canonical.RowCount == replayed.RowCount
	default:
		return true
	}
}

// CheckReplay compares a replayed response against an entry's
// canonical one. A mismatch is a response_mismatch_error: per
// invariant I5-adjacent policy, the backend connection that produced
// it must be discarded rather than returned to a pool.
func (e *Entry) CheckReplay(replayed *CanonicalResponse) error {
	if e.Response == nil {
		return nil
	}
	if !Compare(e.Response, replayed) {
		return protocol.NewError(protocol.ErrHistoryMismatch, "replayed response does not match canonical response")
	}
	return nil
}

// DropBackend forgets a backend's replay cursor, used when its
// connection is discarded after a mismatch or a fatal error.
func (l *Log) DropBackend(backend string) {
	delete(l.cursors, backend)
}
