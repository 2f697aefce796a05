// Package backend implements the backend-side protocol state machine
// (C8): dialing a MariaDB/MySQL server, authenticating to it on the
// proxy's own behalf, replaying a session's command history when a
// pooled connection is adopted into a new session, and tracking each
// query's reply with internal/reply so it can be relayed to the
// client that issued it.
package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/auth"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/history"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/reply"
)

// State is a node of the backend connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateExpectHandshake
	StateSendHandshakeResponse
	StateAuthenticating
	StateConnectionInit
	StateSendHistory
	StateReadHistory
	StateRouting
	StatePooled
	StateSendChangeUser
	StateResetConnection
	StatePinging
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateExpectHandshake:
		return "EXPECT_HANDSHAKE"
	case StateSendHandshakeResponse:
		return "SEND_HANDSHAKE_RESPONSE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnectionInit:
		return "CONNECTION_INIT"
	case StateSendHistory:
		return "SEND_HISTORY"
	case StateReadHistory:
		return "READ_HISTORY"
	case StateRouting:
		return "ROUTING"
	case StatePooled:
		return "POOLED"
	case StateSendChangeUser:
		return "SEND_CHANGE_USER"
	case StateResetConnection:
		return "RESET_CONNECTION"
	case StatePinging:
		return "PINGING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one pooled connection to a single backend server. It is not
// safe for concurrent use: per the core's per-session-worker ownership
// model, a connection is only ever driven by the one pinned goroutine
// that currently holds it.
type Conn struct {
	Name string // shard-relative name, e.g. "primary" or "replica1:3306"
	Addr string

	conn       net.Conn
	capability uint32
	sequence   byte

	tracker *reply.Tracker
	state   State

	auth auth.BackendAuthenticator
}

// Dial connects to addr and completes the backend's own authentication
// handshake using user/password via the native-password plugin,
// terminating auth at the proxy rather than passing the client's raw
// auth packet through (unlike the teacher's ensureBackendConn, which
// replays c.rawAuthPkt so it never needs its own credentials).
func Dial(name, addr, user, password string) (*Conn, error) {
	network, dialAddr := "tcp", addr
	if strings.HasPrefix(addr, "unix:") {
		network, dialAddr = "unix", addr[len("unix:"):]
	}

	nc, err := net.Dial(network, dialAddr)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrBackendRefused, err.Error())
	}

	c := &Conn{
		Name: name,
		Addr: addr,
		conn: nc,
		auth: &auth.NativePassword{},
	}
	c.state = StateExpectHandshake

	if err := c.handshake(user, password); err != nil {
		nc.Close()
		c.state = StateFailed
		return nil, err
	}
	c.state = StateConnectionInit
	c.tracker = reply.New(c.capability)
	return c, nil
}

func (c *Conn) handshake(user, password string) error {
	fr := protocol.NewFrameReader(c.conn, 16<<20)
	greeting, err := fr.ReadCommand()
	if err != nil {
		return protocol.NewError(protocol.ErrBackendRefused, "reading backend greeting: "+err.Error())
	}
	if len(greeting) < 20 {
		return protocol.NewError(protocol.ErrMalformedPacket, "short backend greeting")
	}

	salt, capLower, capUpper, err := parseGreetingSalt(greeting)
	if err != nil {
		return err
	}
	c.capability = protocol.ClientProtocol41 | protocol.ClientSecureConnection |
		protocol.ClientPluginAuth | uint32(capLower) | uint32(capUpper)<<16

	scramble := c.auth.Scramble(salt, []byte(password))

	resp := make([]byte, 0, 64+len(user))
	resp = append(resp, byte(c.capability), byte(c.capability>>8), byte(c.capability>>16), byte(c.capability>>24))
	resp = append(resp, 0, 0, 0, 0) // max packet size
	resp = append(resp, 33)         // charset
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, user...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(scramble)))
	resp = append(resp, scramble...)
	resp = append(resp, auth.NativePasswordPlugin...)
	resp = append(resp, 0)

	c.sequence = fr.LastSeq + 1
	if _, err := c.conn.Write(protocol.EncodeFrame(resp, c.sequence)); err != nil {
		return protocol.NewError(protocol.ErrBackendRefused, err.Error())
	}
	c.state = StateAuthenticating

	reply, err := fr.ReadCommand()
	if err != nil {
		return protocol.NewError(protocol.ErrBackendRefused, "reading backend auth reply: "+err.Error())
	}
	if len(reply) > 0 && reply[0] == protocol.ErrHeader {
		return protocol.NewError(protocol.ErrAuthFailed, "backend rejected authentication")
	}
	c.sequence = fr.LastSeq
	return nil
}

// parseGreetingSalt extracts the 20-byte scramble and capability
// halves out of a HandshakeV10 payload, following the same byte
// layout the teacher's handshake() reads manually.
func parseGreetingSalt(payload []byte) (salt []byte, capLower, capUpper uint16, err error) {
	pos := 1 // protocol version
	_, n := protocol.ReadNullTerminatedString(payload[pos:])
	if n == 0 {
		return nil, 0, 0, protocol.NewError(protocol.ErrMalformedPacket, "missing server version")
	}
	pos += n
	pos += 4 // connection id

	if pos+8 > len(payload) {
		return nil, 0, 0, protocol.NewError(protocol.ErrMalformedPacket, "short greeting salt part 1")
	}
	salt = append(salt, payload[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(payload) {
		return nil, 0, 0, protocol.NewError(protocol.ErrMalformedPacket, "short greeting capability lower")
	}
	capLower = binary.LittleEndian.Uint16(payload[pos:])
	pos += 2

	if pos < len(payload) {
		pos++ // charset
	}
	if pos+2 > len(payload) {
		return salt, capLower, 0, nil
	}
	pos += 2 // status flags

	if pos+2 > len(payload) {
		return salt, capLower, 0, nil
	}
	capUpper = binary.LittleEndian.Uint16(payload[pos:])
	pos += 2

	if pos < len(payload) {
		pos++ // auth-plugin-data length
	}
	pos += 10 // reserved

	if pos+12 <= len(payload) {
		salt = append(salt, payload[pos:pos+12]...)
	}
	return salt, capLower, capUpper, nil
}

// SendCommand frames payload as a fresh client command (sequence 0)
// and writes it to the backend, matching the wire protocol's rule
// that every new command restarts the sequence counter.
func (c *Conn) SendCommand(payload []byte) error {
	c.sequence = 0
	if _, err := c.conn.Write(protocol.EncodeFrame(payload, c.sequence)); err != nil {
		return protocol.NewError(protocol.ErrBackendTimeout, err.Error())
	}
	return nil
}

// ReadReply consumes packets from the backend until reply.Tracker
// reports the command complete, accumulating the full framed response
// (headers included) for the caller to relay to its client.
func (c *Conn) ReadReply(isPrepare bool) (reply.Event, []byte, error) {
	c.tracker.Reset(isPrepare)

	var response []byte
	fr := protocol.NewFrameReader(c.conn, 16<<20)
	for {
		payload, err := fr.ReadCommand()
		if err != nil {
			return reply.Event{}, nil, protocol.NewError(protocol.ErrBackendTimeout, err.Error())
		}
		c.sequence = fr.LastSeq
		response = append(response, protocol.EncodeFrame(payload, c.sequence)...)

		event := c.tracker.Feed(payload)
		if event.Complete {
			return event, response, nil
		}
	}
}

// ReadFetchReply is ReadReply's counterpart for COM_STMT_FETCH: the
// backend resends only rows for the cursor opened by the preceding
// COM_STMT_EXECUTE, so the tracker must resume in StateRsetRows rather
// than expect a fresh resultset header.
func (c *Conn) ReadFetchReply() (reply.Event, []byte, error) {
	c.tracker.ResetForFetch()

	var response []byte
	fr := protocol.NewFrameReader(c.conn, 16<<20)
	for {
		payload, err := fr.ReadCommand()
		if err != nil {
			return reply.Event{}, nil, protocol.NewError(protocol.ErrBackendTimeout, err.Error())
		}
		c.sequence = fr.LastSeq
		response = append(response, protocol.EncodeFrame(payload, c.sequence)...)

		event := c.tracker.Feed(payload)
		if event.Complete {
			return event, response, nil
		}
	}
}

// ReplayHistory sends every not-yet-replayed entry in log to this
// connection and checks each canonical response, per spec.md's
// history-adoption rule: a pooled backend can only serve a session
// once every prior session-write statement has been proven to produce
// the same result on it.
func (c *Conn) ReplayHistory(log *history.Log) error {
	if !log.CanAdopt() {
		return protocol.NewError(protocol.ErrHistoryOverflow, "history overflow; backend adoption refused")
	}
	if err := log.AdoptBackend(c.Name); err != nil {
		return err
	}
	for {
		entry := log.NextToReplay(c.Name)
		if entry == nil {
			return nil
		}

		isPrepare := len(entry.Payload) > 0 && entry.Payload[0] == protocol.ComStmtPrepare
		if err := c.SendCommand(entry.Payload); err != nil {
			return err
		}
		event, _, err := c.ReadReply(isPrepare)
		if err != nil {
			return err
		}

		replayed := history.CanonicalFromEvent(event)
		if err := entry.CheckReplay(replayed); err != nil {
			return err
		}
		log.Advance(c.Name)
	}
}

// Ping sends COM_PING to keep a pooled connection alive and detect a
// dead backend before a session is adopted onto it.
func (c *Conn) Ping() error {
	c.state = StatePinging
	if err := c.SendCommand([]byte{protocol.ComPing}); err != nil {
		return err
	}
	event, _, err := c.ReadReply(false)
	if err != nil {
		return err
	}
	if event.Outcome != reply.OutcomeOK {
		return protocol.NewError(protocol.ErrBackendRefused, "ping did not return OK")
	}
	c.state = StatePooled
	return nil
}

// ChangeUser re-authenticates a pooled connection as a different user
// without reconnecting the TCP socket, resetting its session state on
// the backend the same way COM_CHANGE_USER does for the client side.
func (c *Conn) ChangeUser(user, password string) error {
	c.state = StateSendChangeUser
	scramble := c.auth.Scramble(nil, []byte(password))
	payload := make([]byte, 0, 32+len(user))
	payload = append(payload, protocol.ComChangeUser)
	payload = append(payload, user...)
	payload = append(payload, 0)
	payload = append(payload, byte(len(scramble)))
	payload = append(payload, scramble...)
	payload = append(payload, 0) // no default database

	if err := c.SendCommand(payload); err != nil {
		return err
	}
	event, _, err := c.ReadReply(false)
	if err != nil {
		return err
	}
	if event.Outcome != reply.OutcomeOK {
		return protocol.NewError(protocol.ErrAuthFailed, "COM_CHANGE_USER rejected")
	}
	c.state = StateConnectionInit
	return nil
}

// Reset issues COM_RESET_CONNECTION, clearing session state on the
// backend (transaction, prepared statements, user variables) while
// keeping the same authenticated identity and TCP connection.
func (c *Conn) Reset() error {
	c.state = StateResetConnection
	if err := c.SendCommand([]byte{protocol.ComResetConnection}); err != nil {
		return err
	}
	event, _, err := c.ReadReply(false)
	if err != nil {
		return err
	}
	if event.Outcome != reply.OutcomeOK {
		return protocol.NewError(protocol.ErrBackendRefused, "COM_RESET_CONNECTION rejected")
	}
	c.state = StateConnectionInit
	return nil
}

// State reports this connection's current position in the backend
// state machine.
func (c *Conn) State() State { return c.state }

// Close releases the underlying TCP/Unix socket.
func (c *Conn) Close() error {
	c.state = StateDisconnected
	return c.conn.Close()
}

var _ io.Closer = (*Conn)(nil)
var _ fmt.Stringer = State(0)
