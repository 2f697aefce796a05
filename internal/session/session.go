// Package session implements the client-side protocol state machine
// (C7): the per-client handshake/authentication dance and, once
// routing, the command dispatcher that drives the classifier, reply
// tracker, prepared-statement map, history, and transaction tracker
// for one client connection.
package session

import (
	"fmt"
	"io"
	"net"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/auth"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/classifier"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/history"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/prepared"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/reply"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/txn"
)

// State is a node of the client-side connection state machine.
type State int

const (
	StateHandshakeInit State = iota
	StateHandshakeSent
	StateAuthReplyWait
	StateAuthSwitchSent
	StateAuthOK
	StateAuthFailed
	StateRouting
	StateChangeUser
	StateQuitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshakeInit:
		return "HANDSHAKE_INIT"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateAuthReplyWait:
		return "AUTH_REPLY_WAIT"
	case StateAuthSwitchSent:
		return "AUTH_SWITCH_SENT"
	case StateAuthOK:
		return "AUTH_OK"
	case StateAuthFailed:
		return "AUTH_FAILED"
	case StateRouting:
		return "ROUTING"
	case StateChangeUser:
		return "CHANGE_USER"
	case StateQuitting:
		return "QUITTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Router is the subset of internal/router.Router the session needs;
// declared locally so this package does not import internal/router
// (which in turn would need to know about sessions), keeping the
// dependency arrow pointing one way per spec.md's data flow.
type Router interface {
	NewSession(sessionID uint32, database string) (backend string, err error)
	RouteQuery(sessionID uint32, mask classifier.TypeMask, inTransaction bool) (backend string, err error)
	ClientReply(sessionID uint32, backend string, outcome reply.Outcome)
	HandleError(sessionID uint32, backend string, err error) (retryBackend string, retryable bool)
	CloseSession(sessionID uint32)
}

// BackendDispatcher is how the session hands a framed command to the
// backend state-machine and gets back the tracked reply. Concretely
// implemented by internal/backend.Conn (as returned by
// backend.SessionBackends.Get).
type BackendDispatcher interface {
	SendCommand(payload []byte) error
	ReadReply(isPrepare bool) (reply.Event, []byte, error)
	ReadFetchReply() (reply.Event, []byte, error)
}

// Credentials is the static user table the proxy authenticates
// against; a real deployment would back this with a directory lookup,
// out of scope for the core per spec.md.
type Credentials map[string][]byte // user -> password

// Session is one client's pinned connection state.
type Session struct {
	ID         uint32
	conn       net.Conn
	router     Router
	creds      Credentials
	authPlugin *auth.NativePassword

	capability uint32
	status     uint16
	sequence   byte
	salt       []byte

	user         string
	db           string
	authResponse []byte

	state State

	classifierOpts classifier.Options
	txn            *txn.Tracker
	history        *history.Log
	prepared       *prepared.Map

	getBackend func(name string) (BackendDispatcher, error)
}

// New creates a client session in its initial handshake state.
func New(id uint32, conn net.Conn, router Router, creds Credentials, getBackend func(string) (BackendDispatcher, error)) *Session {
	return &Session{
		ID:         id,
		conn:       conn,
		router:     router,
		creds:      creds,
		authPlugin: &auth.NativePassword{},
		status:     protocol.ServerStatusAutocommit,
		state:      StateHandshakeInit,
		txn:        txn.New(),
		history:    history.New(0, history.DisablePooling),
		prepared:   prepared.New(),
		getBackend: getBackend,
	}
}

// Handshake performs the synthetic-greeting / auth-reply / OK-or-ERR
// exchange that gets the session into StateRouting.
func (s *Session) Handshake() error {
	salt, err := s.authPlugin.Salt()
	if err != nil {
		return err
	}
	s.salt = salt

	if err := s.sendGreeting(); err != nil {
		return err
	}
	s.state = StateHandshakeSent

	payload, err := s.readPacket()
	if err != nil {
		return err
	}
	s.state = StateAuthReplyWait

	if err := s.parseHandshakeResponse(payload); err != nil {
		s.state = StateAuthFailed
		return err
	}

	known, ok := s.creds[s.user]
	if !ok || !s.authPlugin.Verify(s.user, s.salt, s.authResponse, known) {
		s.state = StateAuthFailed
		return s.writeAuthError()
	}

	if _, err := s.router.NewSession(s.ID, s.db); err != nil {
		s.state = StateFailed
		return err
	}

	s.state = StateAuthOK
	if err := s.writeOK(); err != nil {
		return err
	}
	s.state = StateRouting
	return nil
}

// sendGreeting writes a synthetic HandshakeV10 packet, reviving the
// teacher's writeServerGreeting but built on the shared protocol
// builders instead of ad-hoc byte-slicing.
func (s *Session) sendGreeting() error {
	data := make([]byte, 0, 128)
	data = append(data, 10) // protocol version
	data = append(data, protocol.ServerVersion...)
	data = append(data, 0)
	data = append(data, byte(s.ID), byte(s.ID>>8), byte(s.ID>>16), byte(s.ID>>24))
	data = append(data, s.salt[0:8]...)
	data = append(data, 0) // filler

	capLower := uint16(protocol.DefaultServerCapability & 0xFFFF)
	data = append(data, byte(capLower), byte(capLower>>8))
	data = append(data, 33) // utf8_general_ci
	data = append(data, byte(s.status), byte(s.status>>8))
	capUpper := uint16((protocol.DefaultServerCapability >> 16) & 0xFFFF)
	data = append(data, byte(capUpper), byte(capUpper>>8))
	data = append(data, 21) // auth-plugin-data length
	data = append(data, make([]byte, 10)...)
	data = append(data, s.salt[8:20]...)
	data = append(data, 0)
	data = append(data, auth.NativePasswordPlugin...)
	data = append(data, 0)

	return s.writePacket(data)
}

// parseHandshakeResponse extracts capability flags, username, and
// auth response from a HandshakeResponse41 payload, following the
// byte layout db-bouncer's readHandshakeResponse documents.
func (s *Session) parseHandshakeResponse(payload []byte) error {
	if len(payload) < 32 {
		return protocol.NewError(protocol.ErrMalformedPacket, "handshake response too short")
	}
	pos := 0
	s.capability = uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	pos += 4
	pos += 4 // max packet size
	pos++    // charset
	pos += 23 // reserved

	user, n := protocol.ReadNullTerminatedString(payload[pos:])
	if n == 0 {
		return protocol.NewError(protocol.ErrMalformedPacket, "missing username")
	}
	s.user = string(user)
	pos += n

	if protocol.Supports(s.capability, protocol.ClientPluginAuthLenencClientData) {
		authLen, _, ln := protocol.ReadLengthEncodedInt(payload[pos:])
		if ln == 0 {
			return protocol.NewError(protocol.ErrMalformedPacket, "malformed auth-response length")
		}
		pos += ln
		if pos+int(authLen) > len(payload) {
			return protocol.NewError(protocol.ErrMalformedPacket, "truncated auth response")
		}
		s.authResponse = payload[pos : pos+int(authLen)]
		pos += int(authLen)
	} else if protocol.Supports(s.capability, protocol.ClientSecureConnection) {
		if pos >= len(payload) {
			return protocol.NewError(protocol.ErrMalformedPacket, "missing auth-response length")
		}
		authLen := int(payload[pos])
		pos++
		if pos+authLen > len(payload) {
			return protocol.NewError(protocol.ErrMalformedPacket, "truncated auth response")
		}
		s.authResponse = payload[pos : pos+authLen]
		pos += authLen
	} else {
		resp, n := protocol.ReadNullTerminatedString(payload[pos:])
		s.authResponse = resp
		pos += n
	}

	if protocol.Supports(s.capability, protocol.ClientConnectWithDB) && pos < len(payload) {
		db, _ := protocol.ReadNullTerminatedString(payload[pos:])
		s.db = string(db)
	}

	return nil
}

func (s *Session) readPacket() ([]byte, error) {
	fr := protocol.NewFrameReader(s.conn, 64<<20)
	payload, err := fr.ReadCommand()
	if err != nil {
		return nil, err
	}
	s.sequence = fr.LastSeq
	return payload, nil
}

func (s *Session) writePacket(payload []byte) error {
	s.sequence++
	_, err := s.conn.Write(protocol.EncodeFrame(payload, s.sequence))
	return err
}

func (s *Session) writeOK() error {
	s.sequence++
	_, err := s.conn.Write(protocol.EncodeOK(s.sequence, 0, 0, s.status, 0, "", s.capability))
	return err
}

func (s *Session) writeAuthError() error {
	s.sequence++
	msg := fmt.Sprintf("Access denied for user '%s' (using password: YES)", s.user)
	_, err := s.conn.Write(protocol.EncodeErr(s.sequence, 1045, "28000", msg, s.capability))
	return err
}

// relay rewrites a buffered backend reply's packet sequence numbers to
// continue from this session's own counter and writes it to the
// client, the same renumbering the teacher's forwardBackendResponse
// performs when relaying a cached response.
func (s *Session) relay(raw []byte) error {
	rewritten, next := protocol.RenumberFrames(raw, s.sequence+1)
	s.sequence = next - 1
	_, err := s.conn.Write(rewritten)
	return err
}

// Run is the pinned per-session command loop: read one client
// command, dispatch it, write the client-visible reply, repeat until
// COM_QUIT or a fatal I/O error. It returns at once unless Handshake
// left the session in StateRouting.
func (s *Session) Run() {
	if s.state != StateRouting {
		return
	}
	defer s.router.CloseSession(s.ID)

	for {
		payload, err := s.readPacket()
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}

		cmd := payload[0]
		data := payload[1:]

		if err := s.dispatch(cmd, data); err != nil {
			if err == io.EOF {
				return
			}
			s.writeProtocolError(err)
		}
	}
}

func (s *Session) writeProtocolError(err error) {
	s.sequence++
	if pe, ok := err.(*protocol.Error); ok {
		_, _ = s.conn.Write(protocol.EncodeErr(s.sequence, 1105, "HY000", pe.Message, s.capability))
		return
	}
	_, _ = s.conn.Write(protocol.EncodeErr(s.sequence, 1105, "HY000", err.Error(), s.capability))
}

func (s *Session) dispatch(cmd byte, data []byte) error {
	switch cmd {
	case protocol.ComQuit:
		s.state = StateQuitting
		return io.EOF
	case protocol.ComInitDB:
		return s.handleInitDB(string(data))
	case protocol.ComPing:
		return s.writeOK()
	case protocol.ComQuery:
		return s.handleQuery(string(data))
	case protocol.ComStmtPrepare:
		return s.handleStmtPrepare(string(data))
	case protocol.ComStmtExecute:
		return s.handleStmtExecute(data)
	case protocol.ComStmtClose:
		return s.handleStmtClose(data)
	case protocol.ComStmtSendLongData:
		return s.handleStmtSendLongData(data)
	case protocol.ComStmtReset:
		return s.handleStmtReset(data)
	case protocol.ComSetOption:
		return s.handleSetOption(data)
	case protocol.ComStmtFetch:
		return s.handleStmtFetch(data)
	case protocol.ComChangeUser:
		return s.handleChangeUser(data)
	case protocol.ComResetConnection:
		return s.handleResetConnection()
	default:
		return protocol.NewError(protocol.ErrMalformedPacket, fmt.Sprintf("command %#x not supported", cmd))
	}
}

// handleInitDB forwards COM_INIT_DB to a backend and records it in
// history verbatim (the payload already carries its own command byte,
// per Entry.Payload's contract), attaching the real reply as its
// canonical response once the backend answers.
func (s *Session) handleInitDB(db string) error {
	payload := append([]byte{protocol.ComInitDB}, db...)
	entry := s.history.Append(payload, uint32(classifier.TypeSessionWrite))

	backendName, err := s.router.RouteQuery(s.ID, classifier.TypeSessionWrite, s.txn.State() != txn.Inactive)
	if err != nil {
		return err
	}
	backend, err := s.getBackend(backendName)
	if err != nil {
		return err
	}
	if err := backend.SendCommand(payload); err != nil {
		return err
	}

	event, raw, err := backend.ReadReply(false)
	if err != nil {
		return err
	}
	entry.SetResponse(history.CanonicalFromEvent(event))
	s.router.ClientReply(s.ID, backendName, event.Outcome)

	if event.Outcome == reply.OutcomeOK {
		s.db = db
	}
	return s.relay(raw)
}

// handleChangeUser re-authenticates the connection as a different user
// and resets everything session-scoped: the new user's session has no
// relationship to the old one's history, prepared statements, or
// transaction state.
func (s *Session) handleChangeUser(data []byte) error {
	s.state = StateChangeUser

	user, n := protocol.ReadNullTerminatedString(data)
	if n == 0 {
		s.state = StateAuthFailed
		return protocol.NewError(protocol.ErrMalformedPacket, "missing username in COM_CHANGE_USER")
	}
	pos := n
	if pos >= len(data) {
		s.state = StateAuthFailed
		return protocol.NewError(protocol.ErrMalformedPacket, "truncated COM_CHANGE_USER")
	}
	authLen := int(data[pos])
	pos++
	if pos+authLen > len(data) {
		s.state = StateAuthFailed
		return protocol.NewError(protocol.ErrMalformedPacket, "truncated COM_CHANGE_USER auth response")
	}
	scramble := data[pos : pos+authLen]
	pos += authLen

	db, n := protocol.ReadNullTerminatedString(data[pos:])
	pos += n

	known, ok := s.creds[string(user)]
	if !ok || !s.authPlugin.Verify(string(user), s.salt, scramble, known) {
		s.state = StateAuthFailed
		return s.writeAuthError()
	}

	s.user = string(user)
	s.db = string(db)
	s.history = history.New(0, history.DisablePooling)
	s.prepared = prepared.New()
	s.txn = txn.New()

	if _, err := s.router.NewSession(s.ID, s.db); err != nil {
		s.state = StateFailed
		return err
	}

	s.state = StateRouting
	return s.writeOK()
}

func (s *Session) handleResetConnection() error {
	s.history = history.New(0, history.DisablePooling)
	s.prepared = prepared.New()
	s.txn = txn.New()
	return s.writeOK()
}

// handleStmtPrepare allocates an external statement ID and forwards
// the prepare to the backend the router picks; the reply (param/column
// definitions, or an error) is relayed once internal/backend answers
// and completes the descriptor via prepared.Map.Complete.
func (s *Session) handleStmtPrepare(query string) error {
	d := s.prepared.Prepare("")

	backendName, err := s.router.RouteQuery(s.ID, classifier.TypePrepareStmt, s.txn.State() != txn.Inactive)
	if err != nil {
		s.prepared.Abandon(d.ExternalID)
		return err
	}
	backend, err := s.getBackend(backendName)
	if err != nil {
		s.prepared.Abandon(d.ExternalID)
		return err
	}

	payload := append([]byte{protocol.ComStmtPrepare}, query...)
	if err := backend.SendCommand(payload); err != nil {
		s.prepared.Abandon(d.ExternalID)
		return err
	}

	event, raw, err := backend.ReadReply(true)
	if err != nil {
		s.prepared.Abandon(d.ExternalID)
		return err
	}
	if event.Outcome != reply.OutcomePrepareOK {
		s.prepared.Abandon(d.ExternalID)
		return s.relay(raw)
	}

	entry := s.history.Append(payload, uint32(classifier.TypePrepareStmt|classifier.TypeSessionWrite))
	entry.SetResponse(history.CanonicalFromEvent(event))

	first, _, _, _, ferr := protocol.DecodeFrame(raw, 64<<20)
	if ferr == nil && len(first) >= 9 {
		internalID := uint32(first[1]) | uint32(first[2])<<8 | uint32(first[3])<<16 | uint32(first[4])<<24
		numCols := uint16(first[5]) | uint16(first[6])<<8
		numParams := uint16(first[7]) | uint16(first[8])<<8
		_ = s.prepared.Complete(d.ExternalID, backendName, internalID, numParams, numCols)
	}

	if ferr == nil {
		prepared.RewriteExecuteStatementID(raw[protocol.HeaderSize:], d.ExternalID)
	}

	return s.relay(raw)
}

// handleStmtExecute rewrites the client's external statement ID to the
// backend's internal ID, splices in the cached type-info block when
// the client re-executes without rebinding parameter types, and
// forwards the request to whichever backend holds that statement.
func (s *Session) handleStmtExecute(data []byte) error {
	if len(data) < 4 {
		return protocol.NewError(protocol.ErrMalformedPacket, "short STMT_EXECUTE payload")
	}
	externalID := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	desc, err := s.prepared.Lookup(externalID)
	if err != nil {
		return err
	}

	backends := desc.Backends()
	var backendName string
	if len(backends) > 0 {
		backendName = backends[0]
	} else {
		backendName, err = s.router.RouteQuery(s.ID, classifier.TypeExecStmt, s.txn.State() != txn.Inactive)
		if err != nil {
			return err
		}
	}

	internalID, ok := desc.InternalID(backendName)
	if !ok {
		return protocol.NewError(protocol.ErrUnknownPSID, "statement not prepared on target backend")
	}

	// The prepared helpers index the payload with its command byte first.
	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, protocol.ComStmtExecute)
	payload = append(payload, data...)
	if spliced, ok := prepared.SpliceTypeInfo(payload, desc.ParamCount, desc.TypeInfoBytes); ok {
		payload = spliced
	} else if desc.ParamCount > 0 {
		desc.TypeInfoBytes = prepared.ExtractTypeInfo(payload, desc.ParamCount)
	}
	prepared.RewriteExecuteStatementID(payload, internalID)

	backend, err := s.getBackend(backendName)
	if err != nil {
		return err
	}
	if err := backend.SendCommand(payload); err != nil {
		return err
	}

	event, raw, err := backend.ReadReply(false)
	if err != nil {
		return err
	}
	s.router.ClientReply(s.ID, backendName, event.Outcome)

	return s.relay(raw)
}

func (s *Session) handleStmtClose(data []byte) error {
	if len(data) < 4 {
		return nil
	}
	externalID := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	desc, err := s.prepared.Lookup(externalID)
	if err != nil {
		return nil // unknown statement id: silently ignored, per protocol (no response expected)
	}
	backends, _ := s.prepared.Close(externalID)
	for _, name := range backends {
		internalID, _ := desc.InternalID(name)
		if b, err := s.getBackend(name); err == nil {
			_ = b.SendCommand([]byte{protocol.ComStmtClose, byte(internalID), byte(internalID >> 8), byte(internalID >> 16), byte(internalID >> 24)})
		}
	}
	return nil // STMT_CLOSE has no response, per protocol
}

// handleStmtSendLongData forwards a chunk of a long (BLOB/TEXT) bound
// parameter straight to every backend the statement is prepared on.
// Like STMT_CLOSE, the server sends no response to this command even
// on error, so a malformed or unknown statement id is dropped silently.
func (s *Session) handleStmtSendLongData(data []byte) error {
	if len(data) < 6 {
		return nil
	}
	externalID := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	desc, err := s.prepared.Lookup(externalID)
	if err != nil {
		return nil
	}
	for _, name := range desc.Backends() {
		internalID, ok := desc.InternalID(name)
		if !ok {
			continue
		}
		backend, err := s.getBackend(name)
		if err != nil {
			continue
		}
		payload := make([]byte, len(data))
		copy(payload, data)
		payload[0], payload[1], payload[2], payload[3] = byte(internalID), byte(internalID>>8), byte(internalID>>16), byte(internalID>>24)
		_ = backend.SendCommand(append([]byte{protocol.ComStmtSendLongData}, payload...))
	}
	return nil
}

func (s *Session) handleStmtReset(data []byte) error {
	if len(data) < 4 {
		return protocol.NewError(protocol.ErrMalformedPacket, "short STMT_RESET payload")
	}
	externalID := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	desc, err := s.prepared.Lookup(externalID)
	if err != nil {
		return err
	}
	for _, name := range desc.Backends() {
		internalID, _ := desc.InternalID(name)
		backend, err := s.getBackend(name)
		if err != nil {
			continue
		}
		payload := make([]byte, 4)
		payload[0], payload[1], payload[2], payload[3] = byte(internalID), byte(internalID>>8), byte(internalID>>16), byte(internalID>>24)
		if err := backend.SendCommand(append([]byte{protocol.ComStmtReset}, payload...)); err != nil {
			return err
		}
		if _, _, err := backend.ReadReply(false); err != nil {
			return err
		}
	}
	return s.writeOK()
}

// handleSetOption forwards COM_SET_OPTION (e.g. toggling
// CLIENT_MULTI_STATEMENTS) to a backend and records it in history: a
// backend adopted later in the session must see the same option
// applied before it can safely answer anything else for this client.
func (s *Session) handleSetOption(data []byte) error {
	payload := append([]byte{protocol.ComSetOption}, data...)
	entry := s.history.Append(payload, uint32(classifier.TypeSessionWrite))

	backendName, err := s.router.RouteQuery(s.ID, classifier.TypeSessionWrite, s.txn.State() != txn.Inactive)
	if err != nil {
		return err
	}
	backend, err := s.getBackend(backendName)
	if err != nil {
		return err
	}
	if err := backend.SendCommand(payload); err != nil {
		return err
	}

	event, raw, err := backend.ReadReply(false)
	if err != nil {
		return err
	}
	entry.SetResponse(history.CanonicalFromEvent(event))
	s.router.ClientReply(s.ID, backendName, event.Outcome)

	return s.relay(raw)
}

// handleStmtFetch forwards COM_STMT_FETCH to whichever backend holds
// the open cursor for the statement, translating the external
// statement id to that backend's internal one. The reply reuses the
// column definitions already sent by the preceding COM_STMT_EXECUTE,
// so it is read with ReadFetchReply rather than ReadReply.
func (s *Session) handleStmtFetch(data []byte) error {
	if len(data) < 8 {
		return protocol.NewError(protocol.ErrMalformedPacket, "short STMT_FETCH payload")
	}
	externalID := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	desc, err := s.prepared.Lookup(externalID)
	if err != nil {
		return err
	}

	backends := desc.Backends()
	if len(backends) == 0 {
		return protocol.NewError(protocol.ErrUnknownPSID, "statement has no open cursor")
	}
	backendName := backends[0]
	internalID, ok := desc.InternalID(backendName)
	if !ok {
		return protocol.NewError(protocol.ErrUnknownPSID, "statement not prepared on target backend")
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	payload[0], payload[1], payload[2], payload[3] = byte(internalID), byte(internalID>>8), byte(internalID>>16), byte(internalID>>24)

	backend, err := s.getBackend(backendName)
	if err != nil {
		return err
	}
	if err := backend.SendCommand(append([]byte{protocol.ComStmtFetch}, payload...)); err != nil {
		return err
	}

	event, raw, err := backend.ReadFetchReply()
	if err != nil {
		return err
	}
	s.router.ClientReply(s.ID, backendName, event.Outcome)

	return s.relay(raw)
}

func (s *Session) handleQuery(query string) error {
	result := classifier.Classify(query, s.classifierOpts)
	s.txn.OnStatement(result.TypeMask)

	payload := append([]byte{protocol.ComQuery}, query...)

	var entry *history.Entry
	if result.TypeMask.Any(classifier.TypeSessionWrite) {
		entry = s.history.Append(payload, uint32(result.TypeMask))
	}

	backendName, err := s.router.RouteQuery(s.ID, result.TypeMask, s.txn.State() != txn.Inactive)
	if err != nil {
		return err
	}

	backend, err := s.getBackend(backendName)
	if err != nil {
		retry, retryable := s.router.HandleError(s.ID, backendName, err)
		if !retryable {
			return err
		}
		backend, err = s.getBackend(retry)
		if err != nil {
			return err
		}
	}

	if err := backend.SendCommand(payload); err != nil {
		return err
	}

	event, raw, err := backend.ReadReply(false)
	if err != nil {
		return err
	}
	if entry != nil {
		entry.SetResponse(history.CanonicalFromEvent(event))
	}
	if event.Outcome == reply.OutcomeOK {
		s.txn.OnCommandOK()
	}
	s.router.ClientReply(s.ID, backendName, event.Outcome)
	if s.txn.State() == txn.Inactive {
		if ender, ok := s.router.(transactionEnder); ok {
			ender.EndTransaction(s.ID)
		}
	}

	return s.relay(raw)
}

// transactionEnder is satisfied by router implementations that pin a
// session to one backend for the life of a transaction (such as
// router.ReadWriteSplitRouter); the session releases that pin as soon
// as its transaction tracker reports INACTIVE.
type transactionEnder interface {
	EndTransaction(sessionID uint32)
}
