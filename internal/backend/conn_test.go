package backend

import (
	"net"
	"testing"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/auth"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/history"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/reply"
)

// buildGreeting constructs a minimal HandshakeV10 payload, the same
// shape parseGreetingSalt expects to read from a real backend.
func buildGreeting(salt []byte, capLower, capUpper uint16) []byte {
	payload := []byte{10} // protocol version
	payload = append(payload, "5.7.0-test"...)
	payload = append(payload, 0)
	payload = append(payload, 1, 0, 0, 0) // connection id
	payload = append(payload, salt[:8]...)
	payload = append(payload, 0) // filler
	payload = append(payload, byte(capLower), byte(capLower>>8))
	payload = append(payload, 0xff) // charset
	payload = append(payload, 2, 0) // status flags
	payload = append(payload, byte(capUpper), byte(capUpper>>8))
	payload = append(payload, 20) // auth plugin data len
	payload = append(payload, make([]byte, 10)...)
	payload = append(payload, salt[8:]...)
	payload = append(payload, 0)
	payload = append(payload, auth.NativePasswordPlugin...)
	payload = append(payload, 0)
	return payload
}

func TestParseGreetingSalt(t *testing.T) {
	salt, err := protocol.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	payload := buildGreeting(salt, uint16(protocol.ClientProtocol41|protocol.ClientSecureConnection), 0)

	got, capLower, _, err := parseGreetingSalt(payload)
	if err != nil {
		t.Fatalf("parseGreetingSalt: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("salt length = %d, want 20", len(got))
	}
	if capLower&uint16(protocol.ClientProtocol41) == 0 {
		t.Error("expected ClientProtocol41 bit set in capLower")
	}
}

func TestConn_HandshakeSucceeds(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	salt, _ := protocol.GenerateSalt()

	go func() {
		greeting := buildGreeting(salt, uint16(protocol.ClientProtocol41|protocol.ClientSecureConnection), uint16(protocol.ClientPluginAuth>>16))
		serverSide.Write(protocol.EncodeFrame(greeting, 0))

		fr := protocol.NewFrameReader(serverSide, 1<<20)
		if _, err := fr.ReadCommand(); err != nil {
			t.Errorf("server read auth response: %v", err)
			return
		}
		serverSide.Write(protocol.EncodeOK(fr.LastSeq+1, 0, 0, protocol.ServerStatusAutocommit, 0, "", protocol.ClientProtocol41))
	}()

	c := &Conn{Name: "primary", conn: clientSide, auth: &auth.NativePassword{}}
	if err := c.handshake("root", "s3cr3t"); err != nil {
		t.Fatalf("handshake: %v", err)
	}
}

func TestConn_ReadReplyOK(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := &Conn{Name: "primary", conn: clientSide, capability: protocol.ClientProtocol41}
	c.tracker = reply.New(c.capability)

	go func() {
		serverSide.Write(protocol.EncodeOK(1, 5, 0, protocol.ServerStatusAutocommit, 0, "", protocol.ClientProtocol41))
	}()

	event, raw, err := c.ReadReply(false)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if event.Outcome != reply.OutcomeOK {
		t.Errorf("outcome = %v, want OK", event.Outcome)
	}
	if len(raw) == 0 {
		t.Error("expected non-empty raw response")
	}
}

func TestConn_ReadReplyErr(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := &Conn{Name: "primary", conn: clientSide, capability: protocol.ClientProtocol41}
	c.tracker = reply.New(c.capability)

	go func() {
		serverSide.Write(protocol.EncodeErr(1, 1046, "3D000", "No database selected", protocol.ClientProtocol41))
	}()

	event, _, err := c.ReadReply(false)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if event.Outcome != reply.OutcomeErr {
		t.Errorf("outcome = %v, want Err", event.Outcome)
	}
}

func TestConn_SendCommandResetsSequence(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := &Conn{Name: "primary", conn: clientSide, sequence: 5}

	go func() {
		fr := protocol.NewFrameReader(serverSide, 1<<20)
		payload, err := fr.ReadCommand()
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if payload[0] != protocol.ComQuery {
			t.Errorf("first byte = %#x, want COM_QUERY", payload[0])
		}
		if fr.LastSeq != 0 {
			t.Errorf("command sequence = %d, want 0", fr.LastSeq)
		}
	}()

	if err := c.SendCommand(append([]byte{protocol.ComQuery}, "SELECT 1"...)); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
}

func TestConn_ReplayHistoryAdvancesCursor(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := &Conn{Name: "primary", conn: clientSide, capability: protocol.ClientProtocol41}
	c.tracker = reply.New(c.capability)

	log := history.New(0, history.DisablePooling)
	entry := log.Append(append([]byte{protocol.ComQuery}, "SET @x=1"...), 0)
	entry.SetResponse(&history.CanonicalResponse{Kind: history.ResponseOK, AffectedRows: 0})

	go func() {
		fr := protocol.NewFrameReader(serverSide, 1<<20)
		payload, err := fr.ReadCommand()
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if payload[0] != protocol.ComQuery {
			t.Errorf("replayed command byte = %#x, want COM_QUERY", payload[0])
		}
		serverSide.Write(protocol.EncodeOK(fr.LastSeq+1, 0, 0, protocol.ServerStatusAutocommit, 0, "", protocol.ClientProtocol41))
	}()

	if err := c.ReplayHistory(log); err != nil {
		t.Fatalf("ReplayHistory: %v", err)
	}
	if log.Cursor("primary") != 1 {
		t.Errorf("cursor = %d, want 1", log.Cursor("primary"))
	}
}

func TestConn_ReplayHistoryMismatchReturnsError(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := &Conn{Name: "primary", conn: clientSide, capability: protocol.ClientProtocol41}
	c.tracker = reply.New(c.capability)

	log := history.New(0, history.DisablePooling)
	entry := log.Append(append([]byte{protocol.ComQuery}, "SET @x=1"...), 0)
	entry.SetResponse(&history.CanonicalResponse{Kind: history.ResponseOK, AffectedRows: 7})

	go func() {
		fr := protocol.NewFrameReader(serverSide, 1<<20)
		if _, err := fr.ReadCommand(); err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		serverSide.Write(protocol.EncodeOK(fr.LastSeq+1, 0, 0, protocol.ServerStatusAutocommit, 0, "", protocol.ClientProtocol41))
	}()

	if err := c.ReplayHistory(log); err == nil {
		t.Fatal("expected history mismatch error")
	}
}

// A replayed entry must reach the backend exactly as recorded, command
// byte and all; ReplayHistory must never re-wrap it in a COM_QUERY
// frame, or a replayed COM_INIT_DB would be corrupted into a COM_QUERY
// whose text starts with a stray 0x02 byte.
func TestConn_ReplayHistorySendsEntryPayloadVerbatim(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := &Conn{Name: "primary", conn: clientSide, capability: protocol.ClientProtocol41}
	c.tracker = reply.New(c.capability)

	log := history.New(0, history.DisablePooling)
	entry := log.Append(append([]byte{protocol.ComInitDB}, "shard1"...), 0)
	entry.SetResponse(&history.CanonicalResponse{Kind: history.ResponseOK})

	go func() {
		fr := protocol.NewFrameReader(serverSide, 1<<20)
		payload, err := fr.ReadCommand()
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if payload[0] != protocol.ComInitDB {
			t.Errorf("replayed command byte = %#x, want COM_INIT_DB (entry payload must be sent verbatim)", payload[0])
		}
		if string(payload[1:]) != "shard1" {
			t.Errorf("replayed database = %q, want %q", payload[1:], "shard1")
		}
		serverSide.Write(protocol.EncodeOK(fr.LastSeq+1, 0, 0, protocol.ServerStatusAutocommit, 0, "", protocol.ClientProtocol41))
	}()

	if err := c.ReplayHistory(log); err != nil {
		t.Fatalf("ReplayHistory: %v", err)
	}
}

// COM_STMT_FETCH resends only rows, never a fresh resultset header;
// ReadFetchReply must resume the tracker directly in the rows state
// instead of trying to parse the first row as a column count.
func TestConn_ReadFetchReplyConsumesRowsUntilEOF(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := &Conn{Name: "primary", conn: clientSide, capability: protocol.ClientProtocol41}
	c.tracker = reply.New(c.capability)

	go func() {
		serverSide.Write(protocol.EncodeFrame([]byte{0x00, 0x01}, 1))
		serverSide.Write(protocol.EncodeFrame([]byte{0x00, 0x02}, 2))
		serverSide.Write(protocol.EncodeEOF(3, 0, protocol.ServerStatusAutocommit, protocol.ClientProtocol41))
	}()

	event, _, err := c.ReadFetchReply()
	if err != nil {
		t.Fatalf("ReadFetchReply: %v", err)
	}
	if event.Outcome != reply.OutcomeResultSet {
		t.Errorf("outcome = %v, want ResultSet", event.Outcome)
	}
	if event.RowCount != 2 {
		t.Errorf("row count = %d, want 2", event.RowCount)
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateRouting, "ROUTING"},
		{StatePooled, "POOLED"},
		{State(999), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
