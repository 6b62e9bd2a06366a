// Package server runs the UDP dispatcher: it owns the socket, the connection
// registry, the root message handler table and the room registry.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"skeld/internal/config"
	"skeld/internal/event"
	"skeld/internal/loop"
	"skeld/internal/protocol"
	"skeld/internal/room"
	"skeld/internal/transport"
)

var bufferSize = 65507

// limiterIdle is how long an address keeps its handshake limiter after its
// last hello.
const limiterIdle = time.Minute

// Options wires a server to the process.
type Options struct {
	Config *config.Config
	// Loop runs every handler. It may be nil when the caller drives
	// HandleDatagram itself, as tests do.
	Loop      *loop.Loop
	Scheduler loop.Scheduler
	Logger    *slog.Logger
	Hooks     *room.Hooks
	Feed      *event.Feed
	// Writer overrides the socket used for outgoing datagrams.
	Writer transport.PacketWriter
}

type limiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// Server is the dispatcher. Everything except Serve runs on the event loop.
type Server struct {
	id       uuid.UUID
	cfg      *config.Config
	versions []int32
	loop     *loop.Loop
	sched    loop.Scheduler
	logger   *slog.Logger
	hooks    *room.Hooks
	feed     *event.Feed
	writer   transport.PacketWriter

	registry *Registry
	handlers map[protocol.RootTag][]Handler

	conns    map[string]*transport.Connection
	byID     map[int32]*transport.Connection
	lastID   int32
	limiters map[string]*limiter
	sweeper  loop.Timer
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hooks == nil {
		opts.Hooks = &room.Hooks{}
	}
	if opts.Scheduler == nil {
		if opts.Loop == nil {
			return nil, errors.New("server needs a loop or a scheduler")
		}
		opts.Scheduler = opts.Loop
	}
	versions, err := opts.Config.ClientVersions()
	if err != nil {
		return nil, err
	}
	s := &Server{
		id:       uuid.New(),
		cfg:      opts.Config,
		versions: versions,
		loop:     opts.Loop,
		sched:    opts.Scheduler,
		logger:   opts.Logger,
		hooks:    opts.Hooks,
		feed:     opts.Feed,
		writer:   opts.Writer,
		handlers: make(map[protocol.RootTag][]Handler),
		conns:    make(map[string]*transport.Connection),
		byID:     make(map[int32]*transport.Connection),
		limiters: make(map[string]*limiter),
	}
	s.registry = newRegistry(opts.Config.Rooms.MaxRooms, opts.Hooks)
	s.registry.newRoom = s.newRoom
	s.registerBuiltins()
	s.sweeper = loop.Every(s.sched, opts.Config.Reliability.ResendInterval, s.sweep)
	return s, nil
}

// ID identifies this server instance.
func (s *Server) ID() uuid.UUID { return s.id }

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) newRoom(code int32, settings protocol.GameSettings) *room.Room {
	rc := s.cfg.Rooms
	return room.New(code, room.Options{
		Config: room.Config{
			MaxPlayers:          rc.MaxPlayers,
			EmptyTimeout:        rc.EmptyTimeout,
			TickInterval:        rc.TickInterval,
			ReadyTimeout:        rc.ReadyTimeout,
			ServerAuthoritative: rc.ServerAuthoritative,
		},
		Settings:  settings,
		Scheduler: s.sched,
		Logger:    s.logger,
		Hooks:     s.hooks,
		Directory: s.registry,
		Feed:      s.feed,
	})
}

// Serve reads datagrams until ctx is done and hands each one to the loop.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	if s.loop == nil {
		return errors.New("serve needs a loop")
	}
	if s.writer == nil {
		s.writer = conn
	}
	s.logger.Info("listening", "addr", conn.LocalAddr().String(), "instance", s.id)

	buf := make([]byte, bufferSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down listener")
			return nil
		default:
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		data := bytes.Clone(buf[:n])
		if !s.loop.Post(func() { s.HandleDatagram(ctx, data, addr) }) {
			return loop.ErrStopped
		}
	}
}

// HandleDatagram decodes one datagram and runs it through the connection it
// belongs to. Unknown addresses must open with a hello.
func (s *Server) HandleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	p, err := protocol.DecodePacket(data)
	if err != nil {
		s.logger.Warn("dropping malformed datagram", "addr", addr.String(), "err", err)
		return
	}
	c, ok := s.conns[addr.String()]
	if !ok {
		s.accept(addr, p)
		return
	}
	for _, payload := range c.Receive(p) {
		s.dispatch(ctx, c, payload)
	}
}

func (s *Server) accept(addr *net.UDPAddr, p *protocol.Packet) {
	if p.Option != protocol.OptionHello {
		s.logger.Debug("dropping datagram from unknown address", "addr", addr.String(), "option", p.Option)
		return
	}
	if !s.allowHello(addr.IP.String()) {
		s.logger.Warn("handshake rate limited", "addr", addr.String())
		return
	}
	c, err := transport.Accept(s.nextID(), addr, s.writer, p, transport.Options{
		Versions:       s.versions,
		ResendAfter:    s.cfg.Reliability.ResendAfter,
		StrictOrdering: s.cfg.Reliability.StrictOrdering,
		Clock:          s.sched.Now,
		Logger:         s.logger,
		OnDisconnect:   s.onDisconnect,
	})
	if err != nil {
		s.logger.Info("handshake refused", "addr", addr.String(), "err", err)
		return
	}
	s.conns[addr.String()] = c
	s.byID[c.ID()] = c
	s.logger.Info("client connected", "client", c.ID(), "addr", addr.String(),
		"name", c.Name(), "version", protocol.FormatVersion(c.Version()), "platform", c.PlatformName())
}

func (s *Server) allowHello(ip string) bool {
	if s.cfg.Handshake.Rate <= 0 {
		return true
	}
	now := s.sched.Now()
	l, ok := s.limiters[ip]
	if !ok {
		l = &limiter{lim: rate.NewLimiter(rate.Limit(s.cfg.Handshake.Rate), max(s.cfg.Handshake.Burst, 1))}
		s.limiters[ip] = l
	}
	l.seen = now
	return l.lim.AllowN(now, 1)
}

// nextID hands out client ids, skipping zero, the reserved ids and ids in use.
func (s *Server) nextID() int32 {
	for {
		s.lastID++
		if s.lastID <= 0 {
			s.lastID = 1
		}
		if protocol.IsReservedClientID(s.lastID) {
			continue
		}
		if _, used := s.byID[s.lastID]; !used {
			return s.lastID
		}
	}
}

func (s *Server) onDisconnect(c *transport.Connection, reason protocol.DisconnectReason) {
	if code := c.Room(); code != 0 {
		if r, ok := s.registry.Lookup(code); ok {
			if err := r.Leave(context.Background(), c.ID(), reason); err != nil {
				s.logger.Warn("leave on disconnect failed", "client", c.ID(), "err", err)
			}
		}
	}
	delete(s.conns, c.Addr().String())
	delete(s.byID, c.ID())
}

// sweep resends unacknowledged packets and drops peers that stopped
// answering.
func (s *Server) sweep() {
	for _, c := range s.byID {
		if err := c.Sweep(); err != nil {
			s.logger.Info("dropping unresponsive client", "client", c.ID(), "err", err)
			c.Disconnect(protocol.ReasonError, "")
		}
	}
	now := s.sched.Now()
	for ip, l := range s.limiters {
		if now.Sub(l.seen) > limiterIdle {
			delete(s.limiters, ip)
		}
	}
}

// Connection returns a connected client by id.
func (s *Server) Connection(id int32) (*transport.Connection, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Shutdown disconnects every client and destroys every room.
func (s *Server) Shutdown(ctx context.Context) {
	s.sweeper.Stop()
	for _, c := range s.byID {
		c.Disconnect(protocol.ReasonServerRequest, "")
	}
	for _, r := range s.registry.Rooms() {
		r.Destroy(ctx, protocol.ReasonServerRequest)
	}
	s.logger.Info("shutdown complete")
}
