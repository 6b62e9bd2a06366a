package transport_test

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skeld/internal/protocol"
	"skeld/internal/transport"
)

type capture struct {
	mu      sync.Mutex
	packets []*protocol.Packet
}

func (c *capture) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	p, err := protocol.DecodePacket(b)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
	return len(b), nil
}

func (c *capture) take() []*protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.packets
	c.packets = nil
	return out
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

var version = protocol.EncodeVersion(2022, 3, 29, 0)

func hello(nonce uint16, v int32) *protocol.Packet {
	p, err := protocol.DecodePacket(protocol.EncodeHello(nonce, protocol.Hello{
		HazelVersion:  1,
		ClientVersion: v,
		Username:      "red",
		Platform:      protocol.PlatformSteamPC,
		PlatformName:  "Steam",
	}))
	if err != nil {
		panic(err)
	}
	return p
}

func reliable(nonce uint16, payload ...byte) *protocol.Packet {
	return &protocol.Packet{Option: protocol.OptionReliable, Nonce: nonce, Payload: payload}
}

type harness struct {
	conn        *transport.Connection
	out         *capture
	clock       *clock
	disconnects []protocol.DisconnectReason
}

func newHarness(t *testing.T, strict bool) *harness {
	t.Helper()
	return newHarnessFrom(t, strict, 1)
}

// newHarnessFrom accepts a connection whose hello carried helloNonce.
func newHarnessFrom(t *testing.T, strict bool, helloNonce uint16) *harness {
	t.Helper()
	h := &harness{out: &capture{}, clock: &clock{now: time.Unix(100, 0)}}
	conn, err := transport.Accept(1, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}, h.out, hello(helloNonce, version), transport.Options{
		Versions:       []int32{version},
		ResendAfter:    1500 * time.Millisecond,
		StrictOrdering: strict,
		Clock:          h.clock.Now,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnDisconnect: func(c *transport.Connection, reason protocol.DisconnectReason) {
			h.disconnects = append(h.disconnects, reason)
		},
	})
	require.NoError(t, err)
	h.conn = conn
	h.out.take()
	return h
}

func TestAcceptHandshake(t *testing.T) {
	out := &capture{}
	conn, err := transport.Accept(9, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, out, hello(1, version), transport.Options{
		Versions: []int32{version},
	})
	require.NoError(t, err)
	assert.True(t, conn.Identified())
	assert.Equal(t, int32(9), conn.ID())
	assert.Equal(t, "red", conn.Name())
	assert.Equal(t, protocol.PlatformSteamPC, conn.Platform())

	packets := out.take()
	require.Len(t, packets, 1)
	assert.Equal(t, protocol.OptionAcknowledge, packets[0].Option)
	assert.Equal(t, uint16(1), packets[0].Nonce)
}

func TestAcceptRejectsVersion(t *testing.T) {
	out := &capture{}
	_, err := transport.Accept(1, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, out, hello(1, protocol.EncodeVersion(2020, 1, 1, 0)), transport.Options{
		Versions: []int32{version},
	})
	assert.ErrorIs(t, err, transport.ErrVersionRejected)

	packets := out.take()
	require.Len(t, packets, 1)
	require.Equal(t, protocol.OptionDisconnect, packets[0].Option)
	assert.Equal(t, protocol.ReasonIncorrectVersion, *packets[0].Disconnect.Reason)
}

func TestAcceptRequiresHello(t *testing.T) {
	_, err := transport.Accept(1, &net.UDPAddr{}, &capture{}, reliable(1), transport.Options{})
	assert.ErrorIs(t, err, transport.ErrNotHello)
}

func TestSendNonces(t *testing.T) {
	h := newHarness(t, true)

	for i := 1; i <= 10; i++ {
		require.NoError(t, h.conn.Send([]byte{byte(i)}, true))
		assert.Equal(t, uint16(i), h.conn.LastNonce())
	}
	require.NoError(t, h.conn.Send([]byte{0xff}, false))

	sent := h.conn.Sent()
	require.Len(t, sent, transport.RingSize)
	assert.Equal(t, uint16(3), sent[0].Nonce, "oldest entries are evicted first")
	assert.Equal(t, uint16(10), sent[7].Nonce)

	packets := h.out.take()
	require.Len(t, packets, 11)
	for i := 0; i < 10; i++ {
		assert.Equal(t, protocol.OptionReliable, packets[i].Option)
		assert.Equal(t, uint16(i+1), packets[i].Nonce)
	}
	assert.Equal(t, protocol.OptionUnreliable, packets[10].Option)
}

func TestOnAcknowledge(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.conn.Send([]byte{1}, true))

	h.clock.advance(120 * time.Millisecond)
	h.conn.Receive(&protocol.Packet{Option: protocol.OptionAcknowledge, Nonce: 1})

	sent := h.conn.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Acked)
	assert.Equal(t, 120*time.Millisecond, h.conn.RTT())
	assert.GreaterOrEqual(t, h.conn.RTT(), time.Duration(0))
}

func TestReceiveAcksImmediately(t *testing.T) {
	h := newHarness(t, true)

	payloads := h.conn.Receive(reliable(2, 0xaa))
	assert.Equal(t, [][]byte{{0xaa}}, payloads)

	packets := h.out.take()
	require.Len(t, packets, 1)
	assert.Equal(t, protocol.OptionAcknowledge, packets[0].Option)
	assert.Equal(t, uint16(2), packets[0].Nonce)
	assert.Zero(t, packets[0].Missing&0x01, "nonce 1 (the hello) was seen")
	assert.NotZero(t, packets[0].Missing&0x02, "nonce 0 was never seen")
}

func TestStrictOrdering(t *testing.T) {
	h := newHarness(t, true)

	assert.Empty(t, h.conn.Receive(reliable(4, 4)))
	assert.Empty(t, h.conn.Receive(reliable(3, 3)))
	assert.Equal(t, [][]byte{{2}, {3}, {4}}, h.conn.Receive(reliable(2, 2)))

	assert.Empty(t, h.conn.Receive(reliable(3, 3)), "duplicates are dropped")
	assert.Equal(t, [][]byte{{5}}, h.conn.Receive(reliable(5, 5)))

	acks := 0
	for _, p := range h.out.take() {
		if p.Option == protocol.OptionAcknowledge {
			acks++
		}
	}
	assert.Equal(t, 5, acks, "every reliable datagram is acknowledged, duplicates included")
}

func TestStrictOrderingWraps(t *testing.T) {
	out := &capture{}
	conn, err := transport.Accept(1, &net.UDPAddr{}, out, hello(0xfffe, version), transport.Options{StrictOrdering: true})
	require.NoError(t, err)

	assert.Empty(t, conn.Receive(reliable(0, 0)))
	assert.Equal(t, [][]byte{{0xff}, {0}}, conn.Receive(reliable(0xffff, 0xff)))
}

func acked(packets []*protocol.Packet) []uint16 {
	var out []uint16
	for _, p := range packets {
		if p.Option == protocol.OptionAcknowledge {
			out = append(out, p.Nonce)
		}
	}
	return out
}

func TestStrictOrderingWindow(t *testing.T) {
	tests := []struct {
		name       string
		helloNonce uint16
	}{
		{name: "mid sequence", helloNonce: 1},
		{name: "across wrap", helloNonce: 0xfffa},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarnessFrom(t, true, tt.helloNonce)
			first := tt.helloNonce + 1

			// first is lost; the next RingSize datagrams fill the window.
			for i := 1; i <= transport.RingSize; i++ {
				assert.Empty(t, h.conn.Receive(reliable(first+uint16(i), byte(i))))
			}
			overflow := first + transport.RingSize + 1
			assert.Empty(t, h.conn.Receive(reliable(overflow, transport.RingSize+1)))

			got := acked(h.out.take())
			assert.Len(t, got, transport.RingSize)
			assert.NotContains(t, got, overflow, "a dropped datagram is left for the peer to resend")

			want := [][]byte{{0}}
			for i := 1; i <= transport.RingSize; i++ {
				want = append(want, []byte{byte(i)})
			}
			assert.Equal(t, want, h.conn.Receive(reliable(first, 0)))
			assert.Equal(t, [][]byte{{transport.RingSize + 1}}, h.conn.Receive(reliable(overflow, transport.RingSize+1)))
			assert.Equal(t, []uint16{first, overflow}, acked(h.out.take()))

			assert.Empty(t, h.conn.Receive(reliable(first, 0)), "stale duplicate")
			assert.Equal(t, []uint16{first}, acked(h.out.take()), "stale duplicates are still acknowledged")
		})
	}
}

func TestLooseOrderingDedupes(t *testing.T) {
	h := newHarness(t, false)

	assert.Equal(t, [][]byte{{4}}, h.conn.Receive(reliable(4, 4)))
	assert.Equal(t, [][]byte{{2}}, h.conn.Receive(reliable(2, 2)))
	assert.Empty(t, h.conn.Receive(reliable(4, 4)))
}

func TestSweepResends(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.conn.Send([]byte{1}, true))
	require.NoError(t, h.conn.Send([]byte{2}, true))
	h.conn.Receive(&protocol.Packet{Option: protocol.OptionAcknowledge, Nonce: 2})
	h.out.take()

	h.clock.advance(time.Second)
	require.NoError(t, h.conn.Sweep())
	assert.Empty(t, h.out.take(), "nothing is stale yet")

	h.clock.advance(time.Second)
	require.NoError(t, h.conn.Sweep())
	packets := h.out.take()
	require.Len(t, packets, 1)
	assert.Equal(t, uint16(1), packets[0].Nonce)
}

func TestSweepDetectsDeadPeer(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.conn.Send([]byte{1}, true))

	for i := 0; i < transport.RingSize; i++ {
		h.clock.advance(2 * time.Second)
		require.NoError(t, h.conn.Sweep())
	}
	h.clock.advance(2 * time.Second)
	assert.ErrorIs(t, h.conn.Sweep(), transport.ErrStaleConnection)
}

func TestSweepFullStaleRing(t *testing.T) {
	h := newHarness(t, true)
	for i := 0; i < transport.RingSize; i++ {
		require.NoError(t, h.conn.Send([]byte{byte(i)}, true))
	}
	h.clock.advance(2 * time.Second)
	assert.ErrorIs(t, h.conn.Sweep(), transport.ErrStaleConnection)
}

func TestDisconnectOnce(t *testing.T) {
	h := newHarness(t, true)

	h.conn.Disconnect(protocol.ReasonKicked, "")
	h.conn.Disconnect(protocol.ReasonKicked, "")

	assert.Equal(t, []protocol.DisconnectReason{protocol.ReasonKicked}, h.disconnects)
	assert.False(t, h.conn.Identified())
	assert.True(t, h.conn.Disconnected())

	packets := h.out.take()
	require.Len(t, packets, 1)
	assert.Equal(t, protocol.OptionDisconnect, packets[0].Option)

	assert.ErrorIs(t, h.conn.Send([]byte{1}, true), transport.ErrClosed)
	assert.Nil(t, h.conn.Receive(reliable(2, 2)))
}

func TestRemoteDisconnect(t *testing.T) {
	h := newHarness(t, true)
	raw := protocol.EncodeDisconnect(protocol.NewDisconnect(protocol.ReasonExitGame, ""))
	p, err := protocol.DecodePacket(raw)
	require.NoError(t, err)

	h.conn.Receive(p)
	assert.Equal(t, []protocol.DisconnectReason{protocol.ReasonExitGame}, h.disconnects)
	assert.Empty(t, h.out.take(), "no disconnect is echoed back")
}
