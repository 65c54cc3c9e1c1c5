// Package transport defines what portal needs from the layer that connects
// peers: room membership notifications and addressed message delivery.
package transport

import (
	"context"
	"errors"

	"portal.dev/go/portal/protocol"
)

var (
	// ErrUnavailable means the transport cannot be used at all.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrUnknownPeer is returned when sending to a peer not in the room.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrClosed is returned when sending on a released session.
	ErrClosed = errors.New("session closed")

	// ErrDuplicatePeer is returned when joining a room under an id that is
	// already present.
	ErrDuplicatePeer = errors.New("peer id already in room")
)

// Events receives the notifications of one room session. Calls for one
// session are made sequentially, in arrival order.
type Events interface {
	RoomJoined()
	PeerJoined(id string)
	PeerLeft(id string)
	Deliver(from string, env protocol.Envelope)
}

// Session is a joined (or joining) room.
type Session interface {
	// ID is the local peer id within the room.
	ID() string
	Send(to string, env protocol.Envelope) error
	Close() error
}

// Transport opens room sessions. Join returns once the request is under
// way; RoomJoined signals that the room is usable.
type Transport interface {
	Join(ctx context.Context, room string, events Events) (Session, error)
}

// Checker is implemented by transports that can report up front whether
// they are usable.
type Checker interface {
	Check() error
}
