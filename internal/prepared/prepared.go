// Package prepared implements the bidirectional prepared-statement ID
// map (C4): one external ID per client PREPARE, translated per
// backend to whatever internal ID that backend's own prepare reply
// assigned.
package prepared

import (
	"fmt"
	"sync"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"
)

// Descriptor is one prepared statement as seen by the client.
type Descriptor struct {
	ExternalID          uint32
	Name                string // non-empty for PREPARE ... FROM (named statements)
	ParamCount          uint16
	ColumnCount         uint16
	ExecuteMetadataSent bool
	TypeInfoBytes       []byte // cached type-info block from the most recent bound EXECUTE

	internalIDByBackend map[string]uint32
}

// Map owns the prepared-statement table for one client session.
// Its methods lock an internal mutex; the Descriptors it hands out are
// not guarded by it.
type Map struct {
	mu       sync.Mutex
	byExt    map[uint32]*Descriptor
	byName   map[string]uint32
	nextID   uint32
}

// New creates an empty prepared-statement map. External IDs start at 1.
func New() *Map {
	return &Map{
		byExt:  make(map[uint32]*Descriptor),
		byName: make(map[string]uint32),
		nextID: 1,
	}
}

// Prepare allocates a new external ID for a statement the client just
// asked to prepare on some backend, before that backend's reply has
// arrived. name is empty for COM_STMT_PREPARE (anonymous handle);
// non-empty for a PREPARE name FROM ... statement.
func (m *Map) Prepare(name string) *Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &Descriptor{
		ExternalID:          m.nextID,
		Name:                name,
		internalIDByBackend: make(map[string]uint32),
	}
	m.nextID++
	m.byExt[d.ExternalID] = d
	if name != "" {
		m.byName[name] = d.ExternalID
	}
	return d
}

// Complete records the backend's assigned internal ID and param count
// once the PREPARE reply's OK-with-stmt-id has been parsed. Called
// once per backend the statement is prepared on; subsequent calls for
// other backends add further internal IDs to the same descriptor.
func (m *Map) Complete(externalID uint32, backend string, internalID uint32, paramCount, columnCount uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byExt[externalID]
	if !ok {
		return protocol.NewError(protocol.ErrUnknownPSID, fmt.Sprintf("unknown external statement id %d", externalID))
	}
	d.internalIDByBackend[backend] = internalID
	d.ParamCount = paramCount
	d.ColumnCount = columnCount
	return nil
}

// Abandon removes a descriptor whose prepare failed; failed prepares
// are never remembered.
func (m *Map) Abandon(externalID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byExt[externalID]
	if !ok {
		return
	}
	delete(m.byExt, externalID)
	if d.Name != "" {
		delete(m.byName, d.Name)
	}
}

// Lookup returns the descriptor for an external ID, or
// ErrUnknownPSID if none exists.
func (m *Map) Lookup(externalID uint32) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byExt[externalID]
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnknownPSID, fmt.Sprintf("unknown external statement id %d", externalID))
	}
	return d, nil
}

// LookupByName resolves a named statement (PREPARE ... FROM) to its
// external ID, used by EXECUTE name and DEALLOCATE PREPARE name.
func (m *Map) LookupByName(name string) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	return id, ok
}

// InternalID returns the backend-local statement ID for a descriptor,
// or false if the statement was never prepared on that backend.
func (d *Descriptor) InternalID(backend string) (uint32, bool) {
	id, ok := d.internalIDByBackend[backend]
	return id, ok
}

// Backends lists the backends this statement is currently prepared on.
func (d *Descriptor) Backends() []string {
	out := make([]string, 0, len(d.internalIDByBackend))
	for b := range d.internalIDByBackend {
		out = append(out, b)
	}
	return out
}

// Close deletes the entry and reports every backend the statement was
// prepared on, so the caller can forward STMT_CLOSE to each of them.
func (m *Map) Close(externalID uint32) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byExt[externalID]
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnknownPSID, fmt.Sprintf("unknown external statement id %d", externalID))
	}
	delete(m.byExt, externalID)
	if d.Name != "" {
		delete(m.byName, d.Name)
	}
	return d.Backends(), nil
}

// RewriteExecuteStatementID patches the 4-byte statement-id field
// (bytes 1-4 of a STMT_EXECUTE payload, right after the command byte)
// in place to the chosen backend's internal ID.
func RewriteExecuteStatementID(payload []byte, internalID uint32) {
	if len(payload) < 5 {
		return
	}
	payload[1] = byte(internalID)
	payload[2] = byte(internalID >> 8)
	payload[3] = byte(internalID >> 16)
	payload[4] = byte(internalID >> 24)
}

// executeFixedHeaderLen is the length of the fixed prefix of a
// STMT_EXECUTE payload that precedes the NULL bitmap. Layout:
// command(1) stmt_id(4) flags(1) iteration_count(4) [NULL bitmap]
// new_params_bound_flag(1) [type info] [values].
//
// The NULL-bitmap length depends on param_count; the
// new-params-bound-flag byte sits at executeFixedHeaderLen plus that
// length.
const executeFixedHeaderLen = 10

// NullBitmapLen returns the byte length of the NULL bitmap carried in
// a STMT_EXECUTE payload for a statement with paramCount parameters.
func NullBitmapLen(paramCount uint16) int {
	return (int(paramCount) + 7) / 8
}

// SpliceTypeInfo rebuilds a STMT_EXECUTE payload so the backend
// receives valid type information even when the client, having
// already sent it once, sets new-params-bound to 0 on a later execute.
// cachedTypeInfo is the type-info block recorded from the most recent
// bound execute. Returns the rewritten payload and reports whether a splice
// was performed.
func SpliceTypeInfo(payload []byte, paramCount uint16, cachedTypeInfo []byte) ([]byte, bool) {
	if paramCount == 0 {
		return payload, false
	}
	bitmapLen := NullBitmapLen(paramCount)
	flagPos := executeFixedHeaderLen + bitmapLen
	if len(payload) <= flagPos {
		return payload, false
	}
	newParamsBound := payload[flagPos]
	if newParamsBound != 0 {
		// Client already sent fresh type info; nothing to splice, but
		// remember it for subsequent unbound executes.
		return payload, false
	}
	if len(cachedTypeInfo) == 0 {
		return payload, false
	}
	out := make([]byte, 0, len(payload)+len(cachedTypeInfo))
	out = append(out, payload[:flagPos]...)
	out = append(out, 1) // set new-params-bound = 1 in the forwarded packet
	out = append(out, cachedTypeInfo...)
	out = append(out, payload[flagPos+1:]...)
	return out, true
}

// ExtractTypeInfo returns the type-info block of a bound STMT_EXECUTE
// payload (new-params-bound == 1), for caching against future unbound
// executes of the same statement.
func ExtractTypeInfo(payload []byte, paramCount uint16) []byte {
	if paramCount == 0 {
		return nil
	}
	bitmapLen := NullBitmapLen(paramCount)
	flagPos := executeFixedHeaderLen + bitmapLen
	if len(payload) <= flagPos || payload[flagPos] == 0 {
		return nil
	}
	typeInfoLen := int(paramCount) * 2
	start := flagPos + 1
	end := start + typeInfoLen
	if end > len(payload) {
		return nil
	}
	cp := make([]byte, typeInfoLen)
	copy(cp, payload[start:end])
	return cp
}
