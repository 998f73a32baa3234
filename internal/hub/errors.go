package hub

import "errors"

var (
	// ErrSendBufferFull means the connection is not draining its outbound queue.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnClosed means the connection has already been closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrHubStopped is returned once the hub loop has exited.
	ErrHubStopped = errors.New("hub stopped")

	// ErrUnknownTopic is returned for topics outside the broker prefix set.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrUnknownConn is returned when subscribing a connection that is not registered.
	ErrUnknownConn = errors.New("unknown connection")

	// ErrBrokerPublish wraps a broker failure after a local-only delivery.
	ErrBrokerPublish = errors.New("broker publish failed")

	// ErrNotAuthorized is returned when an identity may not subscribe to a topic.
	ErrNotAuthorized = errors.New("not authorized for topic")
)
