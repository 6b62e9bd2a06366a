package room

import (
	"errors"

	"skeld/internal/protocol"
)

var (
	ErrGameNotFound      = errors.New("game not found")
	ErrGameFull          = errors.New("game is full")
	ErrGameStarted       = errors.New("game already started")
	ErrBanned            = errors.New("banned from game")
	ErrHackingSuspected  = errors.New("authority-only operation from non-authority")
	ErrOperationCanceled = errors.New("operation canceled by hook")
	ErrPlayerClaimed     = errors.New("player already in a perspective")
	ErrPlayerNotFound    = errors.New("player not in room")
	ErrObjectGuarded     = errors.New("object guarded by another owner")
	ErrNestedPerspective = errors.New("perspectives cannot be nested")
	ErrInvalidState      = errors.New("invalid room state for operation")
)

// DisconnectReasonFor maps a room error to the reason reported to the client.
func DisconnectReasonFor(err error) protocol.DisconnectReason {
	switch {
	case errors.Is(err, ErrGameNotFound):
		return protocol.ReasonGameNotFound
	case errors.Is(err, ErrGameFull):
		return protocol.ReasonGameFull
	case errors.Is(err, ErrGameStarted):
		return protocol.ReasonGameStarted
	case errors.Is(err, ErrBanned):
		return protocol.ReasonBanned
	case errors.Is(err, ErrHackingSuspected):
		return protocol.ReasonHacking
	}
	return protocol.ReasonError
}
