// Package transport implements per-peer reliable delivery over UDP.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"skeld/internal/protocol"
)

// RingSize is the number of reliable packets remembered in each direction.
const RingSize = 8

var (
	ErrVersionRejected = errors.New("client version rejected")
	ErrStaleConnection = errors.New("connection stale")
	ErrNotHello        = errors.New("first datagram is not a hello")
	ErrClosed          = errors.New("connection closed")
)

// PacketWriter is the socket side of a connection. *net.UDPConn satisfies it.
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Options configures a connection.
type Options struct {
	// Versions is the accepted set of encoded client versions. Empty accepts any.
	Versions []int32
	// ResendAfter is how long an unacknowledged reliable packet waits before
	// it is resent by Sweep.
	ResendAfter time.Duration
	// StrictOrdering holds reliable payloads that arrive ahead of the next
	// expected nonce until the gap is filled.
	StrictOrdering bool
	Clock          func() time.Time
	Logger         *slog.Logger
	// OnDisconnect runs once, after the connection has been closed by either side.
	OnDisconnect func(c *Connection, reason protocol.DisconnectReason)
}

// SentPacket is an entry of the retransmission ring.
type SentPacket struct {
	Nonce       uint16
	Data        []byte
	SentAt      time.Time
	Acked       bool
	Retransmits int
}

// Connection is one remote UDP endpoint. It is not safe for concurrent use
// except for Send, which may run concurrently with Send on other connections.
type Connection struct {
	id     int32
	addr   *net.UDPAddr
	writer PacketWriter
	opts   Options
	logger *slog.Logger

	identified   bool
	username     string
	version      int32
	chatMode     uint8
	language     uint32
	platform     protocol.Platform
	platformName string
	modCount     uint32

	nonce    uint16
	expected uint16
	sent     []*SentPacket
	received []uint16
	pending  map[uint16][]byte
	rtt      time.Duration
	lastSeen time.Time

	room         int32
	disconnected bool
}

func newConnection(id int32, addr *net.UDPAddr, w PacketWriter, opts Options) *Connection {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResendAfter <= 0 {
		opts.ResendAfter = 1500 * time.Millisecond
	}
	return &Connection{
		id:       id,
		addr:     addr,
		writer:   w,
		opts:     opts,
		logger:   opts.Logger.With("client", id, "addr", addr.String()),
		pending:  make(map[uint16][]byte),
		lastSeen: opts.Clock(),
	}
}

// Accept performs the handshake for the first datagram from an unseen
// address. A rejected version is answered with an explicit disconnect.
func Accept(id int32, addr *net.UDPAddr, w PacketWriter, p *protocol.Packet, opts Options) (*Connection, error) {
	if p.Option != protocol.OptionHello || p.Hello == nil {
		return nil, ErrNotHello
	}
	c := newConnection(id, addr, w, opts)
	if err := c.handshake(p); err != nil {
		c.write(protocol.EncodeDisconnect(protocol.NewDisconnect(protocol.ReasonIncorrectVersion, "")))
		return nil, err
	}
	return c, nil
}

func (c *Connection) handshake(p *protocol.Packet) error {
	h := p.Hello
	if len(c.opts.Versions) > 0 && !slices.Contains(c.opts.Versions, h.ClientVersion) {
		return fmt.Errorf("%w: %s", ErrVersionRejected, protocol.FormatVersion(h.ClientVersion))
	}
	c.identified = true
	c.username = h.Username
	c.version = h.ClientVersion
	c.chatMode = h.ChatMode
	c.language = h.Language
	c.platform = h.Platform
	c.platformName = h.PlatformName
	c.modCount = h.ModCount
	c.expected = p.Nonce + 1
	c.recordReceived(p.Nonce)
	c.ack(p.Nonce)
	return nil
}

func (c *Connection) ID() int32                   { return c.id }
func (c *Connection) Addr() *net.UDPAddr          { return c.addr }
func (c *Connection) RemoteIP() string            { return c.addr.IP.String() }
func (c *Connection) Identified() bool            { return c.identified }
func (c *Connection) Name() string                { return c.username }
func (c *Connection) Version() int32              { return c.version }
func (c *Connection) ChatMode() uint8             { return c.chatMode }
func (c *Connection) Language() uint32            { return c.language }
func (c *Connection) Platform() protocol.Platform { return c.platform }
func (c *Connection) PlatformName() string        { return c.platformName }
func (c *Connection) ModCount() uint32            { return c.modCount }
func (c *Connection) RTT() time.Duration          { return c.rtt }
func (c *Connection) LastSeen() time.Time         { return c.lastSeen }
func (c *Connection) Disconnected() bool          { return c.disconnected }

// Room returns the code of the room the connection occupies, or 0.
func (c *Connection) Room() int32 { return c.room }

func (c *Connection) SetRoom(code int32) { c.room = code }

// LastNonce returns the most recently issued outbound nonce.
func (c *Connection) LastNonce() uint16 { return c.nonce }

// Sent returns a copy of the retransmission ring, oldest first.
func (c *Connection) Sent() []SentPacket {
	out := make([]SentPacket, len(c.sent))
	for i, p := range c.sent {
		out[i] = *p
	}
	return out
}

func (c *Connection) write(b []byte) error {
	_, err := c.writer.WriteToUDP(b, c.addr)
	return err
}

// Send transmits an encoded root payload. Reliable sends get the next nonce
// and are kept in the retransmission ring.
func (c *Connection) Send(payload []byte, reliable bool) error {
	if c.disconnected {
		return ErrClosed
	}
	if !reliable {
		return c.write(protocol.EncodeUnreliable(payload))
	}
	c.nonce++
	data := protocol.EncodeReliable(c.nonce, payload)
	c.sent = append(c.sent, &SentPacket{Nonce: c.nonce, Data: data, SentAt: c.opts.Clock()})
	if len(c.sent) > RingSize {
		c.sent = c.sent[len(c.sent)-RingSize:]
	}
	return c.write(data)
}

// SendMessages encodes msgs into a single datagram.
func (c *Connection) SendMessages(reliable bool, msgs ...protocol.RootMessage) error {
	return c.Send(protocol.EncodeRoot(msgs...), reliable)
}

// Receive applies reliability bookkeeping to a decoded datagram and returns
// the root payloads that are ready for the handlers, in order.
func (c *Connection) Receive(p *protocol.Packet) [][]byte {
	if c.disconnected {
		return nil
	}
	c.lastSeen = c.opts.Clock()
	switch p.Option {
	case protocol.OptionUnreliable:
		return [][]byte{p.Payload}
	case protocol.OptionReliable:
		out, keep := c.receiveReliable(p.Nonce, p.Payload)
		if keep {
			c.ack(p.Nonce)
		}
		return out
	case protocol.OptionHello:
		// A retransmitted hello after the handshake completed.
		c.ack(p.Nonce)
	case protocol.OptionPing:
		c.ack(p.Nonce)
	case protocol.OptionAcknowledge:
		c.OnAcknowledge(p.Nonce)
	case protocol.OptionDisconnect:
		reason := protocol.ReasonExitGame
		if p.Disconnect != nil && p.Disconnect.Reason != nil {
			reason = *p.Disconnect.Reason
		}
		c.close(reason)
	}
	return nil
}

// receiveReliable returns the payloads released by nonce and whether the
// datagram may be acknowledged. A datagram dropped because the pending
// window is full stays unacknowledged so the peer resends it.
func (c *Connection) receiveReliable(nonce uint16, payload []byte) ([][]byte, bool) {
	if !c.opts.StrictOrdering {
		if slices.Contains(c.received, nonce) {
			return nil, true
		}
		c.recordReceived(nonce)
		return [][]byte{payload}, true
	}

	switch {
	case nonce == c.expected:
		c.recordReceived(nonce)
		out := [][]byte{payload}
		c.expected++
		for {
			next, ok := c.pending[c.expected]
			if !ok {
				break
			}
			delete(c.pending, c.expected)
			out = append(out, next)
			c.expected++
		}
		return out, true
	case ahead(nonce, c.expected):
		if _, dup := c.pending[nonce]; dup {
			return nil, true
		}
		if len(c.pending) >= RingSize {
			c.logger.Debug("pending window full, dropping", "nonce", nonce, "expected", c.expected)
			return nil, false
		}
		c.recordReceived(nonce)
		c.pending[nonce] = payload
		return nil, true
	default:
		return nil, true
	}
}

// ahead reports whether a comes after b in u16 sequence space.
func ahead(a, b uint16) bool {
	return int16(a-b) > 0
}

func (c *Connection) recordReceived(nonce uint16) {
	c.received = append(c.received, nonce)
	if len(c.received) > RingSize {
		c.received = c.received[len(c.received)-RingSize:]
	}
}

// ack replies to a reliable nonce. Bit i of the mask is set when nonce-(i+1)
// has not been seen.
func (c *Connection) ack(nonce uint16) {
	var missing uint8
	for i := 0; i < 8; i++ {
		if !slices.Contains(c.received, nonce-uint16(i+1)) {
			missing |= 1 << i
		}
	}
	if err := c.write(protocol.EncodeAck(nonce, missing)); err != nil {
		c.logger.Warn("failed to send ack", "nonce", nonce, "err", err)
	}
}

// OnAcknowledge marks a sent packet as delivered and samples the round trip.
func (c *Connection) OnAcknowledge(nonce uint16) {
	for _, p := range c.sent {
		if p.Nonce != nonce {
			continue
		}
		if !p.Acked {
			p.Acked = true
			if rtt := c.opts.Clock().Sub(p.SentAt); rtt >= 0 {
				c.rtt = rtt
			}
		}
		return
	}
}

// Sweep resends stale reliable packets. It returns ErrStaleConnection when
// the peer has stopped acknowledging; the caller is expected to disconnect.
func (c *Connection) Sweep() error {
	if c.disconnected {
		return nil
	}
	now := c.opts.Clock()
	stale := 0
	for _, p := range c.sent {
		if p.Acked || now.Sub(p.SentAt) < c.opts.ResendAfter {
			continue
		}
		stale++
		if p.Retransmits >= RingSize {
			return fmt.Errorf("%w: nonce %d resent %d times", ErrStaleConnection, p.Nonce, p.Retransmits)
		}
	}
	if stale == RingSize {
		return fmt.Errorf("%w: %d packets unacknowledged", ErrStaleConnection, stale)
	}
	for _, p := range c.sent {
		if p.Acked || now.Sub(p.SentAt) < c.opts.ResendAfter {
			continue
		}
		p.Retransmits++
		if err := c.write(p.Data); err != nil {
			c.logger.Warn("resend failed", "nonce", p.Nonce, "err", err)
		}
	}
	return nil
}

// Disconnect notifies the peer and closes the connection. Only the first
// call has any effect.
func (c *Connection) Disconnect(reason protocol.DisconnectReason, message string) {
	if c.disconnected {
		return
	}
	if err := c.write(protocol.EncodeDisconnect(protocol.NewDisconnect(reason, message))); err != nil {
		c.logger.Warn("failed to send disconnect", "err", err)
	}
	c.close(reason)
}

func (c *Connection) close(reason protocol.DisconnectReason) {
	if c.disconnected {
		return
	}
	c.disconnected = true
	c.identified = false
	c.pending = make(map[uint16][]byte)
	c.logger.Info("client disconnected", "reason", reason)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(c, reason)
	}
}
