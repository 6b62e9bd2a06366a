package server

import (
	"context"
	"errors"
	"fmt"

	"skeld/internal/protocol"
	"skeld/internal/room"
	"skeld/internal/transport"
)

var ErrIncorrectGame = errors.New("message for a game the client is not in")

// Handler processes one root message from a connection. A returned error is
// turned into a disconnect when it maps to a disconnect reason.
type Handler func(ctx context.Context, c *transport.Connection, m protocol.RootMessage) error

// Typed adapts a handler for one concrete message type.
func Typed[M protocol.RootMessage](fn func(ctx context.Context, c *transport.Connection, m M) error) Handler {
	return func(ctx context.Context, c *transport.Connection, m protocol.RootMessage) error {
		msg, ok := m.(M)
		if !ok {
			return fmt.Errorf("unexpected %T for tag %d", m, m.Tag())
		}
		return fn(ctx, c, msg)
	}
}

// Handle chains h after the handlers already registered for tag.
func (s *Server) Handle(tag protocol.RootTag, h Handler) {
	s.handlers[tag] = append(s.handlers[tag], h)
}

// Replace makes h the only handler for tag.
func (s *Server) Replace(tag protocol.RootTag, h Handler) {
	s.handlers[tag] = []Handler{h}
}

func (s *Server) registerBuiltins() {
	s.Handle(protocol.TagHostGame, Typed(s.handleHostGame))
	s.Handle(protocol.TagJoinGame, Typed(s.handleJoinGame))
	s.Handle(protocol.TagStartGame, Typed(s.handleStartGame))
	s.Handle(protocol.TagEndGame, Typed(s.handleEndGame))
	s.Handle(protocol.TagRemovePlayer, Typed(s.handleRemovePlayer))
	s.Handle(protocol.TagGameData, Typed(s.handleGameData))
	s.Handle(protocol.TagGameDataTo, Typed(s.handleGameDataTo))
	s.Handle(protocol.TagAlterGame, Typed(s.handleAlterGame))
	s.Handle(protocol.TagKickPlayer, Typed(s.handleKickPlayer))
	s.Handle(protocol.TagQueryPlatformIds, Typed(s.handleQueryPlatformIds))
}

func (s *Server) dispatch(ctx context.Context, c *transport.Connection, payload []byte) {
	msgs, err := protocol.DecodePayload(payload, protocol.DecodeServerbound)
	if err != nil {
		s.logger.Warn("malformed payload", "client", c.ID(), "err", err)
	}
	for _, m := range msgs {
		if c.Disconnected() {
			return
		}
		s.handleMessage(ctx, c, m)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *transport.Connection, m protocol.RootMessage) {
	handlers := s.handlers[m.Tag()]
	if len(handlers) == 0 {
		s.logger.Debug("unhandled root message", "client", c.ID(), "tag", m.Tag())
		return
	}
	for _, h := range handlers {
		if err := h(ctx, c, m); err != nil {
			s.fail(c, m, err)
			return
		}
	}
}

func reasonFor(err error) protocol.DisconnectReason {
	switch {
	case errors.Is(err, ErrServerFull):
		return protocol.ReasonServerFull
	case errors.Is(err, ErrIncorrectGame):
		return protocol.ReasonIncorrectGame
	}
	return room.DisconnectReasonFor(err)
}

// fail is the only place handler errors turn into disconnects.
func (s *Server) fail(c *transport.Connection, m protocol.RootMessage, err error) {
	reason := reasonFor(err)
	if reason == protocol.ReasonError {
		s.logger.Warn("handler failed", "client", c.ID(), "tag", m.Tag(), "err", err)
		return
	}
	s.logger.Info("disconnecting client", "client", c.ID(), "tag", m.Tag(), "reason", reason, "err", err)
	c.Disconnect(reason, "")
}

// roomFor resolves the room a message addresses, which must be the room the
// client is in.
func (s *Server) roomFor(c *transport.Connection, code int32) (*room.Room, error) {
	if c.Room() != code {
		return nil, fmt.Errorf("%w: %s", ErrIncorrectGame, protocol.FormatGameCode(code))
	}
	r, ok := s.registry.Lookup(code)
	if !ok {
		return nil, fmt.Errorf("room %s: %w", protocol.FormatGameCode(code), room.ErrGameNotFound)
	}
	return r, nil
}

func (s *Server) handleHostGame(ctx context.Context, c *transport.Connection, m *protocol.HostGameRequest) error {
	r, err := s.registry.Create(ctx, c.ID(), m.Settings)
	if errors.Is(err, room.ErrOperationCanceled) {
		return c.SendMessages(true, &protocol.JoinGameError{Reason: protocol.ReasonCustom, Message: "hosting refused"})
	}
	if err != nil {
		return err
	}
	s.logger.Info("room created", "room", r.CodeString(), "client", c.ID())
	return c.SendMessages(true, &protocol.HostGameResponse{Code: r.Code()})
}

func (s *Server) handleJoinGame(ctx context.Context, c *transport.Connection, m *protocol.JoinGameRequest) error {
	r, ok := s.registry.Lookup(m.Code)
	if !ok {
		return fmt.Errorf("join %s: %w", protocol.FormatGameCode(m.Code), room.ErrGameNotFound)
	}
	if prev := c.Room(); prev != 0 && prev != m.Code {
		if old, ok := s.registry.Lookup(prev); ok {
			if err := old.Leave(ctx, c.ID(), protocol.ReasonExitGame); err != nil {
				s.logger.Warn("leaving previous room failed", "client", c.ID(), "err", err)
			}
		}
		c.SetRoom(0)
	}
	err := r.Join(ctx, c)
	if errors.Is(err, room.ErrOperationCanceled) {
		return c.SendMessages(true, &protocol.JoinGameError{Reason: protocol.ReasonCustom, Message: "join refused"})
	}
	return err
}

func (s *Server) handleStartGame(ctx context.Context, c *transport.Connection, m *protocol.StartGame) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	return r.StartGame(ctx, c.ID())
}

func (s *Server) handleEndGame(ctx context.Context, c *transport.Connection, m *protocol.EndGame) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	return r.EndGame(ctx, c.ID(), m.Reason)
}

func (s *Server) handleRemovePlayer(ctx context.Context, c *transport.Connection, m *protocol.RemovePlayerRequest) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	if m.ClientID == c.ID() {
		return r.Leave(ctx, c.ID(), m.Reason)
	}
	return r.Kick(ctx, c.ID(), m.ClientID, false)
}

func (s *Server) handleGameData(ctx context.Context, c *transport.Connection, m *protocol.GameData) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	return r.HandleGameData(ctx, c.ID(), m.Messages, nil)
}

func (s *Server) handleGameDataTo(ctx context.Context, c *transport.Connection, m *protocol.GameDataTo) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	target := m.Target
	return r.HandleGameData(ctx, c.ID(), m.Messages, &target)
}

func (s *Server) handleAlterGame(ctx context.Context, c *transport.Connection, m *protocol.AlterGame) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	return r.AlterGame(ctx, c.ID(), m.Flag, m.Value)
}

func (s *Server) handleKickPlayer(ctx context.Context, c *transport.Connection, m *protocol.KickPlayerRequest) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	return r.Kick(ctx, c.ID(), m.ClientID, m.Banned)
}

func (s *Server) handleQueryPlatformIds(ctx context.Context, c *transport.Connection, m *protocol.QueryPlatformIds) error {
	r, err := s.roomFor(c, m.Code)
	if err != nil {
		return err
	}
	return c.SendMessages(true, r.PlatformIds())
}
