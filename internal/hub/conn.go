package hub

import "github.com/dgnsrekt/courier-realtime/internal/auth"

// Close codes sent to clients, from RFC 6455.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// Conn is a live client connection as seen by the hub.
//
// Send and Close must not block: the hub calls both from its loop goroutine.
// Send returns ErrSendBufferFull or ErrConnClosed when the message cannot be
// queued. Close may be called more than once.
type Conn interface {
	ID() string
	Identity() auth.Identity
	Send(msg []byte) error
	Close(code int, reason string)
	Alive() bool
}
