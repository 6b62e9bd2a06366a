package server_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skeld/internal/config"
	"skeld/internal/event"
	"skeld/internal/loop"
	"skeld/internal/protocol"
	"skeld/internal/room"
	"skeld/internal/server"
	"skeld/internal/transport"
)

var version = protocol.EncodeVersion(2022, 3, 29, 0)

// wire records every datagram the server writes, per destination.
type wire struct {
	mu  sync.Mutex
	out map[string][]*protocol.Packet
}

func (w *wire) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	p, err := protocol.DecodePacket(b)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out[addr.String()] = append(w.out[addr.String()], p)
	return len(b), nil
}

func (w *wire) take(addr *net.UDPAddr) []*protocol.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.out[addr.String()]
	delete(w.out, addr.String())
	return out
}

type harness struct {
	srv   *server.Server
	clock *loop.Manual
	wire  *wire
	hooks *room.Hooks
	feed  *event.Feed
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		clock: loop.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		wire:  &wire{out: make(map[string][]*protocol.Packet)},
		hooks: &room.Hooks{},
		feed:  event.NewFeed(),
	}
	srv, err := server.New(server.Options{
		Config:    cfg,
		Scheduler: h.clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Hooks:     h.hooks,
		Feed:      h.feed,
		Writer:    h.wire,
	})
	require.NoError(t, err)
	h.srv = srv
	return h
}

type peer struct {
	h     *harness
	addr  *net.UDPAddr
	nonce uint16
	id    int32
}

func (h *harness) connect(t *testing.T, port int, name string) *peer {
	t.Helper()
	p := &peer{h: h, addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(port%250+1)), Port: port}, nonce: 1}
	h.srv.HandleDatagram(context.Background(), protocol.EncodeHello(1, protocol.Hello{
		HazelVersion:  1,
		ClientVersion: version,
		Username:      name,
		Platform:      protocol.PlatformSteamPC,
		PlatformName:  "Steam",
	}), p.addr)
	acks := h.wire.take(p.addr)
	require.Len(t, acks, 1)
	require.Equal(t, protocol.OptionAcknowledge, acks[0].Option)

	conns, err := h.srv.Connections(context.Background())
	require.NoError(t, err)
	for _, c := range conns {
		if c.Addr == p.addr.String() {
			p.id = c.ClientID
		}
	}
	require.NotZero(t, p.id)
	return p
}

func (p *peer) send(msgs ...protocol.RootMessage) {
	p.nonce++
	p.h.srv.HandleDatagram(context.Background(), protocol.EncodeReliable(p.nonce, protocol.EncodeRoot(msgs...)), p.addr)
}

// take returns the root messages and disconnect received since the last call.
func (p *peer) take(t *testing.T) ([]protocol.RootMessage, *protocol.Disconnect) {
	t.Helper()
	var (
		msgs []protocol.RootMessage
		disc *protocol.Disconnect
	)
	for _, pkt := range p.h.wire.take(p.addr) {
		switch pkt.Option {
		case protocol.OptionReliable, protocol.OptionUnreliable:
			decoded, err := protocol.DecodePayload(pkt.Payload, protocol.DecodeClientbound)
			require.NoError(t, err)
			msgs = append(msgs, decoded...)
		case protocol.OptionDisconnect:
			disc = pkt.Disconnect
		}
	}
	return msgs, disc
}

func find[T protocol.RootMessage](msgs []protocol.RootMessage) (T, bool) {
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func (p *peer) host(t *testing.T) int32 {
	t.Helper()
	p.send(&protocol.HostGameRequest{Settings: protocol.GameSettings{MaxPlayers: 10, NumImpostors: 1}})
	msgs, _ := p.take(t)
	resp, ok := find[*protocol.HostGameResponse](msgs)
	require.True(t, ok, "no host response in %v", msgs)
	return resp.Code
}

func TestHostJoinLeave(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, 5001, "red")
	b := h.connect(t, 5002, "blue")
	assert.NotEqual(t, a.id, b.id)

	code := a.host(t)
	assert.Equal(t, 1, h.srv.Registry().Len())

	a.send(&protocol.JoinGameRequest{Code: code})
	msgs, _ := a.take(t)
	joined, ok := find[*protocol.JoinedGame](msgs)
	require.True(t, ok)
	assert.Equal(t, a.id, joined.HostID)
	assert.Empty(t, joined.Players)

	b.send(&protocol.JoinGameRequest{Code: code})
	msgs, _ = b.take(t)
	joined, ok = find[*protocol.JoinedGame](msgs)
	require.True(t, ok)
	assert.Equal(t, a.id, joined.HostID)
	require.Len(t, joined.Players, 1)
	assert.Equal(t, "red", joined.Players[0].Name)

	msgs, _ = a.take(t)
	notice, ok := find[*protocol.PlayerJoined](msgs)
	require.True(t, ok)
	assert.Equal(t, b.id, notice.ClientID)
	assert.Equal(t, "blue", notice.Name)

	info, err := h.srv.RoomInfo(context.Background(), protocol.FormatGameCode(code))
	require.NoError(t, err)
	assert.Len(t, info.Players, 2)
	assert.Equal(t, a.id, info.HostID)

	h.srv.HandleDatagram(context.Background(), protocol.EncodeDisconnect(nil), a.addr)
	_, ok = h.srv.Connection(a.id)
	assert.False(t, ok)

	msgs, _ = b.take(t)
	removed, ok := find[*protocol.RemovePlayer](msgs)
	require.True(t, ok)
	assert.Equal(t, a.id, removed.ClientID)
	assert.Equal(t, b.id, removed.HostID)

	b.send(&protocol.RemovePlayerRequest{Code: code, ClientID: b.id, Reason: protocol.ReasonExitGame})
	assert.Equal(t, 0, h.srv.Registry().Len())
	_, err = h.srv.RoomInfo(context.Background(), protocol.FormatGameCode(code))
	assert.ErrorIs(t, err, room.ErrGameNotFound)
}

func TestJoinUnknownGameDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, 5001, "red")
	code, err := protocol.ParseGameCode("QWXRTY")
	require.NoError(t, err)

	a.send(&protocol.JoinGameRequest{Code: code})
	_, disc := a.take(t)
	require.NotNil(t, disc)
	require.NotNil(t, disc.Reason)
	assert.Equal(t, protocol.ReasonGameNotFound, *disc.Reason)
	_, ok := h.srv.Connection(a.id)
	assert.False(t, ok)
}

func TestMessageForOtherGameDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, 5001, "red")
	code := a.host(t)
	a.send(&protocol.JoinGameRequest{Code: code})
	a.take(t)

	a.send(&protocol.StartGame{Code: code + 1})
	_, disc := a.take(t)
	require.NotNil(t, disc)
	assert.Equal(t, protocol.ReasonIncorrectGame, *disc.Reason)
}

func TestJoinHookCancelSendsError(t *testing.T) {
	h := newHarness(t, nil)
	h.hooks.BeforeJoin.On(func(ctx context.Context, e *room.BeforeJoinEvent) event.Outcome {
		if e.Name == "blue" {
			return event.Cancel
		}
		return event.Continue
	})
	a := h.connect(t, 5001, "red")
	b := h.connect(t, 5002, "blue")
	code := a.host(t)

	b.send(&protocol.JoinGameRequest{Code: code})
	msgs, disc := b.take(t)
	assert.Nil(t, disc)
	refusal, ok := find[*protocol.JoinGameError](msgs)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonCustom, refusal.Reason)
	_, ok = h.srv.Connection(b.id)
	assert.True(t, ok)
}

func TestVetoedRoomPublishesNothing(t *testing.T) {
	h := newHarness(t, nil)
	notices, stop := h.feed.Subscribe(8)
	defer stop()
	veto := true
	h.hooks.RoomCreate.On(func(ctx context.Context, e *room.RoomCreateEvent) event.Outcome {
		if veto {
			return event.Cancel
		}
		return event.Continue
	})
	a := h.connect(t, 5001, "red")

	a.send(&protocol.HostGameRequest{Settings: protocol.GameSettings{MaxPlayers: 10}})
	msgs, disc := a.take(t)
	assert.Nil(t, disc)
	_, ok := find[*protocol.JoinGameError](msgs)
	assert.True(t, ok)
	assert.Zero(t, h.srv.Registry().Len())
	assert.Empty(t, notices)

	veto = false
	code := a.host(t)
	select {
	case n := <-notices:
		assert.Equal(t, event.RoomCreated, n.Kind)
		assert.Equal(t, protocol.FormatGameCode(code), n.Room)
	default:
		t.Fatal("no notice for a registered room")
	}
}

func TestServerFull(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Rooms.MaxRooms = 1 })
	a := h.connect(t, 5001, "red")
	b := h.connect(t, 5002, "blue")
	a.host(t)

	b.send(&protocol.HostGameRequest{Settings: protocol.GameSettings{MaxPlayers: 10}})
	_, disc := b.take(t)
	require.NotNil(t, disc)
	assert.Equal(t, protocol.ReasonServerFull, *disc.Reason)
}

func TestVersionRejected(t *testing.T) {
	h := newHarness(t, nil)
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 6000}
	h.srv.HandleDatagram(context.Background(), protocol.EncodeHello(1, protocol.Hello{
		HazelVersion:  1,
		ClientVersion: protocol.EncodeVersion(2019, 1, 1, 0),
		Username:      "old",
	}), addr)

	out := h.wire.take(addr)
	require.Len(t, out, 1)
	require.Equal(t, protocol.OptionDisconnect, out[0].Option)
	assert.Equal(t, protocol.ReasonIncorrectVersion, *out[0].Disconnect.Reason)

	conns, err := h.srv.Connections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestUnknownAddressNeedsHello(t *testing.T) {
	h := newHarness(t, nil)
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 6000}
	h.srv.HandleDatagram(context.Background(), protocol.EncodeReliable(1, protocol.EncodeRoot(&protocol.JoinGameRequest{})), addr)
	assert.Empty(t, h.wire.take(addr))
}

func TestHandshakeRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Handshake.Rate = 1
		c.Handshake.Burst = 2
	})
	hello := func(port int) *net.UDPAddr {
		addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: port}
		h.srv.HandleDatagram(context.Background(), protocol.EncodeHello(1, protocol.Hello{
			HazelVersion: 1, ClientVersion: version, Username: "spam",
		}), addr)
		return addr
	}
	assert.NotEmpty(t, h.wire.take(hello(7001)))
	assert.NotEmpty(t, h.wire.take(hello(7002)))
	assert.Empty(t, h.wire.take(hello(7003)))

	h.clock.Advance(time.Second)
	assert.NotEmpty(t, h.wire.take(hello(7004)))
}

func TestSweepDropsSilentPeer(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, 5001, "red")
	a.host(t)

	conns, err := h.srv.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, 1, conns[0].Unacked)

	h.clock.Advance(20 * time.Second)
	_, ok := h.srv.Connection(a.id)
	assert.False(t, ok)

	_, disc := a.take(t)
	require.NotNil(t, disc)
	assert.Equal(t, protocol.ReasonError, *disc.Reason)
}

func TestAckKeepsPeerAlive(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, 5001, "red")
	a.host(t)

	c, ok := h.srv.Connection(a.id)
	require.True(t, ok)
	h.clock.Advance(500 * time.Millisecond)
	h.srv.HandleDatagram(context.Background(), protocol.EncodeAck(c.LastNonce(), 0xff), a.addr)
	assert.Equal(t, 500*time.Millisecond, c.RTT())

	h.clock.Advance(20 * time.Second)
	_, ok = h.srv.Connection(a.id)
	assert.True(t, ok)
}

func TestCustomHandlers(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, 5001, "red")

	var seen []int32
	h.srv.Handle(protocol.TagJoinGame, server.Typed(func(ctx context.Context, c *transport.Connection, m *protocol.JoinGameRequest) error {
		seen = append(seen, m.Code)
		return nil
	}))
	code := a.host(t)
	a.send(&protocol.JoinGameRequest{Code: code})
	assert.Equal(t, []int32{code}, seen)
	msgs, _ := a.take(t)
	_, ok := find[*protocol.JoinedGame](msgs)
	assert.True(t, ok)

	h.srv.Replace(protocol.TagQueryPlatformIds, func(ctx context.Context, c *transport.Connection, m protocol.RootMessage) error {
		return c.SendMessages(true, &protocol.PlatformIds{Code: code})
	})
	a.send(&protocol.QueryPlatformIds{Code: code})
	msgs, _ = a.take(t)
	ids, ok := find[*protocol.PlatformIds](msgs)
	require.True(t, ok)
	assert.Empty(t, ids.Entries)
}

func TestShutdownDisconnectsEveryone(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, 5001, "red")
	code := a.host(t)
	a.send(&protocol.JoinGameRequest{Code: code})
	a.take(t)

	h.srv.Shutdown(context.Background())
	_, disc := a.take(t)
	require.NotNil(t, disc)
	assert.Equal(t, protocol.ReasonServerRequest, *disc.Reason)
	assert.Equal(t, 0, h.srv.Registry().Len())
}
