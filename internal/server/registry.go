package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/samber/lo"

	"skeld/internal/event"
	"skeld/internal/protocol"
	"skeld/internal/room"
)

var ErrServerFull = errors.New("server is full")

// codeAlphabet is the letter set of V2 game codes.
const codeAlphabet = "QWXRTYLPESDFGHUJKZOCVBINMA"

// Registry maps game codes to rooms. It is the room.Directory of every room
// it creates.
type Registry struct {
	rooms    map[int32]*room.Room
	maxRooms int
	intn     func(n int) int
	newRoom  func(code int32, settings protocol.GameSettings) *room.Room
	hooks    *room.Hooks
}

func newRegistry(maxRooms int, hooks *room.Hooks) *Registry {
	return &Registry{
		rooms:    make(map[int32]*room.Room),
		maxRooms: maxRooms,
		intn:     rand.IntN,
		hooks:    hooks,
	}
}

func (g *Registry) Lookup(code int32) (*room.Room, bool) {
	r, ok := g.rooms[code]
	return r, ok
}

func (g *Registry) Remove(code int32) {
	delete(g.rooms, code)
}

func (g *Registry) Len() int { return len(g.rooms) }

// Rooms returns every registered room, oldest first.
func (g *Registry) Rooms() []*room.Room {
	rooms := lo.Values(g.rooms)
	slices.SortFunc(rooms, func(a, b *room.Room) int {
		return a.CreatedAt().Compare(b.CreatedAt())
	})
	return rooms
}

// Create makes a room for clientID under a fresh code. The RoomCreate hook
// can veto it.
func (g *Registry) Create(ctx context.Context, clientID int32, settings protocol.GameSettings) (*room.Room, error) {
	if g.maxRooms > 0 && len(g.rooms) >= g.maxRooms {
		return nil, fmt.Errorf("%d rooms open: %w", len(g.rooms), ErrServerFull)
	}
	code, err := g.generateCode()
	if err != nil {
		return nil, err
	}
	r := g.newRoom(code, settings)
	if g.hooks.RoomCreate.Emit(ctx, &room.RoomCreateEvent{Room: r, ClientID: clientID}) == event.Cancel {
		r.Destroy(ctx, protocol.ReasonDestroy)
		return nil, room.ErrOperationCanceled
	}
	g.rooms[code] = r
	r.Announce()
	return r, nil
}

func (g *Registry) generateCode() (int32, error) {
	var b strings.Builder
	for range 64 {
		b.Reset()
		for range 6 {
			b.WriteByte(codeAlphabet[g.intn(len(codeAlphabet))])
		}
		code, err := protocol.ParseGameCode(b.String())
		if err != nil {
			return 0, err
		}
		if _, taken := g.rooms[code]; !taken {
			return code, nil
		}
	}
	return 0, fmt.Errorf("no free game code: %w", ErrServerFull)
}
