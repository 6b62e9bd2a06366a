package room

import (
	"skeld/internal/event"
	"skeld/internal/protocol"
)

// RoomCreateEvent fires before a new room is registered.
type RoomCreateEvent struct {
	Room     *Room
	ClientID int32
}

// BeforeJoinEvent fires before a connection is let into a room.
type BeforeJoinEvent struct {
	Room     *Room
	ClientID int32
	Name     string
}

// SelectHostEvent fires when a player-hosted room needs a new host.
// Handlers may replace Candidate with any other member. Canceling leaves the
// room without a host.
type SelectHostEvent struct {
	Room      *Room
	Previous  int32
	Candidate int32
}

type GameStartEvent struct {
	Room *Room
}

type GameEndEvent struct {
	Room   *Room
	Reason protocol.GameOverReason
}

type ClientBanEvent struct {
	Room     *Room
	ClientID int32
	Address  string
}

// ActingHostEvent fires when a player is about to become an acting host.
type ActingHostEvent struct {
	Room     *Room
	ClientID int32
}

// Hooks holds the lifecycle hook chains shared by every room of a server.
type Hooks struct {
	RoomCreate    event.Chain[RoomCreateEvent]
	BeforeJoin    event.Chain[BeforeJoinEvent]
	SelectHost    event.Chain[SelectHostEvent]
	GameStart     event.Chain[GameStartEvent]
	GameEnd       event.Chain[GameEndEvent]
	ClientBan     event.Chain[ClientBanEvent]
	ActingHostAdd event.Chain[ActingHostEvent]
}
