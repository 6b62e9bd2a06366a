package room

import (
	"skeld/internal/protocol"
)

// Conn is the part of a transport connection a room needs. Send may be called
// concurrently for different connections during a broadcast.
type Conn interface {
	ID() int32
	Name() string
	Platform() protocol.Platform
	RemoteIP() string
	Send(payload []byte, reliable bool) error
	Disconnect(reason protocol.DisconnectReason, message string)
	Room() int32
	SetRoom(code int32)
}

// Directory resolves room codes. Destroyed rooms remove themselves from it.
type Directory interface {
	Lookup(code int32) (*Room, bool)
	Remove(code int32)
}
