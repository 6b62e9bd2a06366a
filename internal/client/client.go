// Package client is a minimal protocol client: it performs the hello
// handshake, sends reliable root messages, acknowledges the server and keeps
// a view of the room it is in.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"skeld/internal/protocol"
)

// MaxHelloAttempts bounds the handshake retries.
const MaxHelloAttempts = 10

// ReadTimeout is how long a single socket read waits before checking for
// shutdown.
const ReadTimeout = time.Second

var (
	ErrNoHelloAck   = errors.New("server did not acknowledge hello")
	ErrDisconnected = errors.New("disconnected by server")
	ErrNotInRoom    = errors.New("not in a room")
)

type Options struct {
	Name         string
	Version      int32
	Platform     protocol.Platform
	PlatformName string
	// ResendAfter is how long a reliable packet waits for its ack before
	// being sent again.
	ResendAfter time.Duration
	Logger      *slog.Logger
	// OnMessage sees every root message after the client has tracked it. It
	// runs on the read goroutine.
	OnMessage func(protocol.RootMessage)
}

type pending struct {
	data   []byte
	sentAt time.Time
}

type waiter struct {
	match func(protocol.RootMessage) bool
	ch    chan protocol.RootMessage
}

// Client is one connection to a server. Its methods are safe for concurrent
// use.
type Client struct {
	conn    *net.UDPConn
	srvAddr *net.UDPAddr
	session uuid.UUID
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	nonce    uint16
	unacked  map[uint16]*pending
	waiters  []*waiter
	clientID int32
	room     int32
	hostID   int32
	players  map[int32]string
	reason   *protocol.DisconnectReason

	stop    chan struct{}
	done    chan struct{}
	closed  sync.Once
	stopped sync.Once
	wg      sync.WaitGroup
}

// Dial connects to addr and completes the handshake. It blocks until the
// hello is acknowledged or every attempt timed out.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResendAfter <= 0 {
		opts.ResendAfter = time.Second
	}
	srvAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, srvAddr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		srvAddr: srvAddr,
		session: uuid.New(),
		opts:    opts,
		unacked: make(map[uint16]*pending),
		players: make(map[int32]string),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.logger = opts.Logger.With("session", c.session, "server", srvAddr.String())
	if err := c.hello(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.listen()
	go c.resend()
	return c, nil
}

// hello sends the handshake until it is acknowledged. It runs before the
// read goroutine starts, so it reads the socket itself.
func (c *Client) hello(ctx context.Context) error {
	c.nonce = 1
	out := protocol.EncodeHello(c.nonce, protocol.Hello{
		HazelVersion:  1,
		ClientVersion: c.opts.Version,
		Username:      c.opts.Name,
		Platform:      c.opts.Platform,
		PlatformName:  c.opts.PlatformName,
	})
	buf := make([]byte, 1024)
	for range MaxHelloAttempts {
		if _, err := c.conn.Write(out); err != nil {
			return fmt.Errorf("write hello: %w", err)
		}
		c.logger.Debug("hello sent")

		deadline := time.Now().Add(ReadTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Debug("no hello ack, retrying")
				continue
			}
			return fmt.Errorf("read hello ack: %w", err)
		}
		p, err := protocol.DecodePacket(buf[:n])
		if err != nil {
			return err
		}
		switch p.Option {
		case protocol.OptionAcknowledge:
			if p.Nonce == c.nonce {
				c.logger.Info("connected")
				return nil
			}
		case protocol.OptionDisconnect:
			return c.refused(p.Disconnect)
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrNoHelloAck, MaxHelloAttempts)
}

func (c *Client) refused(d *protocol.Disconnect) error {
	if d != nil && d.Reason != nil {
		return fmt.Errorf("%w: %s", ErrDisconnected, *d.Reason)
	}
	return ErrDisconnected
}

func (c *Client) Session() uuid.UUID    { return c.session }
func (c *Client) Server() *net.UDPAddr  { return c.srvAddr }
func (c *Client) LocalAddr() net.Addr   { return c.conn.LocalAddr() }
func (c *Client) Done() <-chan struct{} { return c.done }

// ClientID is the id the server assigned, known once a room was joined.
func (c *Client) ClientID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) Room() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) HostID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostID
}

func (c *Client) Players() map[int32]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.players)
}

// Reason returns why the server disconnected the client, if it did.
func (c *Client) Reason() (protocol.DisconnectReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == nil {
		return 0, false
	}
	return *c.reason, true
}

// Send transmits msgs reliably in one datagram.
func (c *Client) Send(msgs ...protocol.RootMessage) error {
	c.mu.Lock()
	c.nonce++
	data := protocol.EncodeReliable(c.nonce, protocol.EncodeRoot(msgs...))
	c.unacked[c.nonce] = &pending{data: data, sentAt: time.Now()}
	c.mu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

func (c *Client) listen() {
	defer c.wg.Done()
	buf := make([]byte, 65507)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			c.logger.Warn("set read deadline", "err", err)
			return
		}
		select {
		case <-c.stop:
			return
		default:
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-c.stop:
			default:
				c.logger.Warn("read failed", "err", err)
			}
			return
		}
		p, err := protocol.DecodePacket(buf[:n])
		if err != nil {
			c.logger.Warn("malformed datagram", "err", err)
			continue
		}
		c.handlePacket(p)
	}
}

func (c *Client) handlePacket(p *protocol.Packet) {
	switch p.Option {
	case protocol.OptionAcknowledge:
		c.mu.Lock()
		delete(c.unacked, p.Nonce)
		c.mu.Unlock()
	case protocol.OptionPing:
		c.write(protocol.EncodeAck(p.Nonce, 0))
	case protocol.OptionReliable:
		c.write(protocol.EncodeAck(p.Nonce, 0))
		c.dispatch(p.Payload)
	case protocol.OptionUnreliable:
		c.dispatch(p.Payload)
	case protocol.OptionDisconnect:
		reason := protocol.ReasonExitGame
		if p.Disconnect != nil && p.Disconnect.Reason != nil {
			reason = *p.Disconnect.Reason
		}
		c.mu.Lock()
		c.reason = &reason
		c.mu.Unlock()
		c.logger.Info("disconnected by server", "reason", reason)
		c.finish()
	}
}

func (c *Client) write(b []byte) {
	if _, err := c.conn.Write(b); err != nil {
		c.logger.Warn("write failed", "err", err)
	}
}

func (c *Client) dispatch(payload []byte) {
	msgs, err := protocol.DecodePayload(payload, protocol.DecodeClientbound)
	if err != nil {
		c.logger.Warn("malformed payload", "err", err)
	}
	for _, m := range msgs {
		c.track(m)
		c.wake(m)
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(m)
		}
	}
}

// track keeps the client's view of its room current.
func (c *Client) track(m protocol.RootMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := m.(type) {
	case *protocol.JoinedGame:
		c.clientID = m.ClientID
		c.room = m.Code
		c.hostID = m.HostID
		clear(c.players)
		for _, p := range m.Players {
			c.players[p.ClientID] = p.Name
		}
		c.players[m.ClientID] = c.opts.Name
	case *protocol.PlayerJoined:
		if m.ClientID == protocol.TempClientID {
			c.hostID = m.HostID
			return
		}
		c.players[m.ClientID] = m.Name
		c.hostID = m.HostID
	case *protocol.RemovePlayer:
		delete(c.players, m.ClientID)
		c.hostID = m.HostID
	case *protocol.RemoveGame:
		c.room = 0
		clear(c.players)
	case *protocol.KickPlayer:
		if m.ClientID == c.clientID {
			c.room = 0
		}
	}
}

func (c *Client) wake(m protocol.RootMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.match(m) {
			w.ch <- m
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *Client) expect(match func(protocol.RootMessage) bool) *waiter {
	w := &waiter{match: match, ch: make(chan protocol.RootMessage, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Client) wait(ctx context.Context, w *waiter) (protocol.RootMessage, error) {
	defer c.forget(w)
	select {
	case m := <-w.ch:
		return m, nil
	case <-c.done:
		if reason, ok := c.Reason(); ok {
			return nil, fmt.Errorf("%w: %s", ErrDisconnected, reason)
		}
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) forget(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters = slices.DeleteFunc(c.waiters, func(o *waiter) bool { return o == w })
}

// Await blocks until a root message satisfying match arrives.
func (c *Client) Await(ctx context.Context, match func(protocol.RootMessage) bool) (protocol.RootMessage, error) {
	return c.wait(ctx, c.expect(match))
}

// HostGame asks the server for a new room and returns its code.
func (c *Client) HostGame(ctx context.Context, settings protocol.GameSettings) (int32, error) {
	w := c.expect(func(m protocol.RootMessage) bool {
		switch m.(type) {
		case *protocol.HostGameResponse, *protocol.JoinGameError:
			return true
		}
		return false
	})
	if err := c.Send(&protocol.HostGameRequest{Settings: settings}); err != nil {
		c.forget(w)
		return 0, err
	}
	m, err := c.wait(ctx, w)
	if err != nil {
		return 0, err
	}
	switch m := m.(type) {
	case *protocol.HostGameResponse:
		return m.Code, nil
	case *protocol.JoinGameError:
		return 0, fmt.Errorf("host refused: %s %s", m.Reason, m.Message)
	}
	return 0, fmt.Errorf("unexpected reply %T", m)
}

// JoinGame joins the room with the given code and returns the roster
// snapshot. A WaitForHost reply is returned as is; the snapshot follows
// once the host is back.
func (c *Client) JoinGame(ctx context.Context, code int32) (protocol.RootMessage, error) {
	w := c.expect(func(m protocol.RootMessage) bool {
		switch m := m.(type) {
		case *protocol.JoinedGame:
			return m.Code == code
		case *protocol.WaitForHost:
			return m.Code == code
		case *protocol.JoinGameError:
			return true
		}
		return false
	})
	if err := c.Send(&protocol.JoinGameRequest{Code: code}); err != nil {
		c.forget(w)
		return nil, err
	}
	m, err := c.wait(ctx, w)
	if err != nil {
		return nil, err
	}
	if refusal, ok := m.(*protocol.JoinGameError); ok {
		return nil, fmt.Errorf("join refused: %s %s", refusal.Reason, refusal.Message)
	}
	return m, nil
}

// LeaveGame leaves the current room. The server does not answer the leaver,
// so the local view is reset right away.
func (c *Client) LeaveGame() error {
	c.mu.Lock()
	code, id := c.room, c.clientID
	c.mu.Unlock()
	if code == 0 {
		return ErrNotInRoom
	}
	if err := c.Send(&protocol.RemovePlayerRequest{Code: code, ClientID: id, Reason: protocol.ReasonExitGame}); err != nil {
		return err
	}
	c.mu.Lock()
	c.room = 0
	clear(c.players)
	c.mu.Unlock()
	return nil
}

// resend retransmits reliable packets the server has not acknowledged.
func (c *Client) resend() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.ResendAfter)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			var stale [][]byte
			for _, p := range c.unacked {
				if now.Sub(p.sentAt) >= c.opts.ResendAfter {
					p.sentAt = now
					stale = append(stale, p.data)
				}
			}
			c.mu.Unlock()
			for _, data := range stale {
				c.write(data)
			}
		}
	}
}

func (c *Client) finish() {
	c.closed.Do(func() { close(c.done) })
}

// Close tells the server the client is leaving and releases the socket.
func (c *Client) Close() error {
	var err error
	c.stopped.Do(func() {
		if _, ok := c.Reason(); !ok {
			c.write(protocol.EncodeDisconnect(protocol.NewDisconnect(protocol.ReasonExitGame, "")))
		}
		c.finish()
		close(c.stop)
		c.wg.Wait()
		c.logger.Info("client closed")
		err = c.conn.Close()
	})
	return err
}
