package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger           = errors.New("no logger provided")
	ErrNoSignaler         = errors.New("no signaler provided")
	ErrNoPeerFactory      = errors.New("no peer factory provided")
	ErrNoMediaSource      = errors.New("no media source provided")
	ErrClientClosed       = errors.New("client closed")
	ErrEmptyRoomID        = errors.New("room id is empty")
	ErrNotInRoom          = errors.New("not in a room")
	ErrMediaAccessDenied  = errors.New("media access denied")
	ErrMediaUnavailable   = errors.New("media unavailable")
	ErrNoOutstandingOffer = errors.New("no outstanding offer")
	ErrNotSharing         = errors.New("screen sharing is not active")
	ErrTransportClosed    = errors.New("transport closed")
	ErrUnknownEvent       = errors.New("unknown event")
)

// ErrorKind classifies failures the way the host is expected to react to them.
type ErrorKind int

const (
	// KindPermission is terminal for the action; the user retries by hand.
	KindPermission ErrorKind = iota + 1
	// KindTransport is a signaling send/connect failure.
	KindTransport
	// KindProtocol is a malformed or out-of-state remote message. Logged and ignored.
	KindProtocol
	// KindStateConflict is glare or a duplicate request resolved by policy.
	KindStateConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "unknown"
	}
}

type CallError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *CallError {
	return &CallError{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first CallError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
