package server

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"skeld/internal/protocol"
	"skeld/internal/room"
	"skeld/internal/transport"
	"skeld/pkg/models"
)

// onLoop runs fn on the event loop, or inline when the server has no loop.
func (s *Server) onLoop(ctx context.Context, fn func()) error {
	if s.loop == nil {
		fn()
		return nil
	}
	return s.loop.Call(ctx, fn)
}

// Rooms snapshots every open room.
func (s *Server) Rooms(ctx context.Context) ([]models.RoomInfo, error) {
	var out []models.RoomInfo
	err := s.onLoop(ctx, func() {
		out = lo.Map(s.registry.Rooms(), func(r *room.Room, _ int) models.RoomInfo { return r.Info() })
	})
	return out, err
}

// RoomInfo snapshots the room with the given code.
func (s *Server) RoomInfo(ctx context.Context, code string) (models.RoomInfo, error) {
	id, err := protocol.ParseGameCode(code)
	if err != nil {
		return models.RoomInfo{}, fmt.Errorf("%w: %v", room.ErrGameNotFound, err)
	}
	var (
		info  models.RoomInfo
		found bool
	)
	if err := s.onLoop(ctx, func() {
		var r *room.Room
		if r, found = s.registry.Lookup(id); found {
			info = r.Info()
		}
	}); err != nil {
		return models.RoomInfo{}, err
	}
	if !found {
		return models.RoomInfo{}, fmt.Errorf("room %s: %w", code, room.ErrGameNotFound)
	}
	return info, nil
}

// Connections snapshots every connected client, ordered by id.
func (s *Server) Connections(ctx context.Context) ([]models.ConnectionInfo, error) {
	var out []models.ConnectionInfo
	err := s.onLoop(ctx, func() {
		out = make([]models.ConnectionInfo, 0, len(s.byID))
		for _, c := range s.byID {
			out = append(out, connectionInfo(c))
		}
	})
	slices.SortFunc(out, func(a, b models.ConnectionInfo) int { return int(a.ClientID - b.ClientID) })
	return out, err
}

func connectionInfo(c *transport.Connection) models.ConnectionInfo {
	info := models.ConnectionInfo{
		ClientID:  c.ID(),
		Addr:      c.Addr().String(),
		Name:      c.Name(),
		Version:   protocol.FormatVersion(c.Version()),
		Platform:  c.PlatformName(),
		RTTMillis: c.RTT().Milliseconds(),
		Unacked:   lo.CountBy(c.Sent(), func(p transport.SentPacket) bool { return !p.Acked }),
		LastSeen:  c.LastSeen(),
	}
	if code := c.Room(); code != 0 {
		info.Room = protocol.FormatGameCode(code)
	}
	return info
}
