package reply

import (
	"testing"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/protocol"
)

func TestTracker_SimpleOK(t *testing.T) {
	tr := New(protocol.ClientProtocol41)
	ok := protocol.EncodeOK(1, 5, 0, protocol.ServerStatusAutocommit, 0, "", protocol.ClientProtocol41)
	ev := tr.Feed(ok[protocol.HeaderSize:])
	if !ev.Complete || ev.Outcome != OutcomeOK {
		t.Fatalf("event = %+v, want complete OK", ev)
	}
	if tr.AffectedRows != 5 {
		t.Errorf("affectedRows = %d, want 5", tr.AffectedRows)
	}
}

func TestTracker_Err(t *testing.T) {
	tr := New(protocol.ClientProtocol41)
	errPkt := protocol.EncodeErr(1, 1064, "42000", "syntax error", protocol.ClientProtocol41)
	ev := tr.Feed(errPkt[protocol.HeaderSize:])
	if !ev.Complete || ev.Outcome != OutcomeErr {
		t.Fatalf("event = %+v, want complete ERR", ev)
	}
	if tr.ErrorCode != 1064 || tr.SQLState != "42000" {
		t.Errorf("code=%d sqlstate=%q", tr.ErrorCode, tr.SQLState)
	}
}

func TestTracker_ResultSetTwoColumnsTwoRows(t *testing.T) {
	tr := New(protocol.ClientProtocol41)

	// Column count = 2.
	ev := tr.Feed(protocol.PutLengthEncodedInt(2))
	if ev.State != StateRsetColDef {
		t.Fatalf("after colcount: state = %v", ev.State)
	}

	// Two column-definition packets (content doesn't matter to the tracker).
	tr.Feed([]byte("coldef-1"))
	ev = tr.Feed([]byte("coldef-2"))
	if ev.State != StateRsetColDefEOF {
		t.Fatalf("after col defs: state = %v, want RSET_COLDEF_EOF", ev.State)
	}

	// EOF between column defs and rows.
	ev = tr.Feed([]byte{protocol.EOFHeader, 0, 0, 0, 0})
	if ev.State != StateRsetRows {
		t.Fatalf("after eof: state = %v, want RSET_ROWS", ev.State)
	}

	ev = tr.Feed([]byte("row-1"))
	if ev.State != StateRsetRows || tr.RowsRead != 1 {
		t.Fatalf("after row1: state=%v rows=%d", ev.State, tr.RowsRead)
	}
	ev = tr.Feed([]byte("row-2"))
	if tr.RowsRead != 2 {
		t.Fatalf("rows = %d, want 2", tr.RowsRead)
	}

	// Terminating EOF.
	ev = tr.Feed([]byte{protocol.EOFHeader, 0, 0, 0, 0})
	if !ev.Complete || ev.Outcome != OutcomeResultSet {
		t.Fatalf("event = %+v, want complete RESULTSET", ev)
	}
}

func TestTracker_DeprecateEOFSkipsIntermediateEOF(t *testing.T) {
	tr := New(protocol.ClientProtocol41 | protocol.ClientDeprecateEOF)

	tr.Feed(protocol.PutLengthEncodedInt(1))
	ev := tr.Feed([]byte("coldef-1"))
	if ev.State != StateRsetRows {
		t.Fatalf("state = %v, want RSET_ROWS directly (deprecate-EOF)", ev.State)
	}
}

func TestTracker_LocalInfile(t *testing.T) {
	tr := New(protocol.ClientProtocol41)
	ev := tr.Feed([]byte{protocol.LocalInfileHeader, 'f', '.', 't', 'x', 't'})
	if ev.State != StateLocalInfile {
		t.Fatalf("state = %v, want LOCAL_INFILE", ev.State)
	}
	ev = tr.Feed(nil)
	if ev.State != StateLocalInfileEnd {
		t.Fatalf("state = %v, want LOCAL_INFILE_END", ev.State)
	}
	ok := protocol.EncodeOK(0, 0, 0, 0, 0, "", protocol.ClientProtocol41)
	ev = tr.Feed(ok[protocol.HeaderSize:])
	if !ev.Complete || ev.Outcome != OutcomeLocalInfile {
		t.Fatalf("event = %+v, want complete LOCAL_INFILE", ev)
	}
}

func TestTracker_PreparedStatementReply(t *testing.T) {
	tr := New(protocol.ClientProtocol41)
	tr.Reset(true)

	// STMT_PREPARE_OK body: status(1), stmt_id(4), num_columns(2 LE),
	// num_params(2 LE), filler(1), warning_count(2).
	okBody := []byte{0x00, 1, 0, 0, 0, 2, 0, 1, 0, 0, 0, 0}
	ev := tr.Feed(okBody)
	if ev.State != StatePrepare {
		t.Fatalf("after prepare-ok: state = %v, want PREPARE", ev.State)
	}

	// One param-definition packet.
	ev = tr.Feed([]byte("paramdef-1"))
	if ev.State != StatePrepare {
		t.Fatalf("after paramdef: state = %v", ev.State)
	}
	// EOF after param defs.
	ev = tr.Feed([]byte{protocol.EOFHeader, 0, 0, 0, 0})
	if ev.State != StatePrepare {
		t.Fatalf("after paramdef eof: state = %v", ev.State)
	}
	// Two column-definition packets.
	tr.Feed([]byte("coldef-1"))
	ev = tr.Feed([]byte("coldef-2"))
	if ev.State != StatePrepare {
		t.Fatalf("after coldef: state = %v", ev.State)
	}
	// Terminating EOF.
	ev = tr.Feed([]byte{protocol.EOFHeader, 0, 0, 0, 0})
	if !ev.Complete || ev.Outcome != OutcomePrepareOK {
		t.Fatalf("event = %+v, want complete PREPARE_OK", ev)
	}
}

func TestTracker_ResetReusesTrackerAcrossCommands(t *testing.T) {
	tr := New(protocol.ClientProtocol41)
	ok := protocol.EncodeOK(0, 1, 0, 0, 0, "", protocol.ClientProtocol41)
	tr.Feed(ok[protocol.HeaderSize:])
	if tr.State() != StateDone {
		t.Fatalf("state = %v, want DONE", tr.State())
	}
	tr.Reset(false)
	if tr.State() != StateStart || tr.RowsRead != 0 {
		t.Fatalf("after reset: state=%v rows=%d", tr.State(), tr.RowsRead)
	}
}
