package protocol

// ErrorKind classifies the error conditions spec.md §7 assigns to the
// core. Which component raises which kind, and how each is surfaced,
// is documented on the constants below.
type ErrorKind int

const (
	// ErrNone is the zero value: no error.
	ErrNone ErrorKind = iota
	// ErrMalformedPacket: a packet failed to decode (C1, C7, C8).
	// Surfaced as: close client/backend connection; synthetic ERR
	// 08S01 to the client if it is still expecting a reply.
	ErrMalformedPacket
	// ErrOversizedPacket: a purported length exceeded the configured
	// maximum packet size (C1). Surfaced the same way as
	// ErrMalformedPacket.
	ErrOversizedPacket
	// ErrAuthFailed: client or backend authentication failed (C7, C8).
	// Surfaced as ERR 28000 with the auth plugin's message; connection
	// closed.
	ErrAuthFailed
	// ErrUnknownPSID: a STMT_EXECUTE/FETCH/CLOSE/RESET referenced an
	// external statement ID with no entry in the map (C4). Surfaced as
	// synthetic ERR HY000 ER_UNKNOWN_STMT_HANDLER.
	ErrUnknownPSID
	// ErrHistoryMismatch: a replayed session-history response did not
	// compare equivalent to its canonical response (C5 via C8). The
	// backend is marked FAILED; the router may choose another; the
	// current command fails with ERR if no alternative exists.
	ErrHistoryMismatch
	// ErrBackendTimeout: a connect/read/write operation against a
	// backend exceeded its configured timeout (C8). Reported to the
	// router as handle_error(TRANSIENT); the router may retry.
	ErrBackendTimeout
	// ErrBackendRefused: a backend connection was refused or reset in
	// a way that is not recoverable (C8). Reported to the router as
	// handle_error(PERMANENT) when not recoverable.
	ErrBackendRefused
	// ErrHistoryOverflow: the session history exceeded its configured
	// maximum entry count (C5). The session continues but cannot
	// adopt new backends; fails on the next backend recruit attempt.
	ErrHistoryOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrMalformedPacket:
		return "malformed_packet"
	case ErrOversizedPacket:
		return "oversized_packet"
	case ErrAuthFailed:
		return "auth_failed"
	case ErrUnknownPSID:
		return "unknown_ps_id"
	case ErrHistoryMismatch:
		return "history_mismatch"
	case ErrBackendTimeout:
		return "backend_timeout"
	case ErrBackendRefused:
		return "backend_refused"
	case ErrHistoryOverflow:
		return "history_overflow"
	default:
		return "unknown"
	}
}

// Error wraps an ErrorKind with a human-readable message, giving
// every failure path in the core a uniform type instead of ad-hoc
// fmt.Errorf strings.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// NewError constructs an *Error for the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
