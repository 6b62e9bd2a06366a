package client_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"skeld/internal/client"
	"skeld/internal/config"
	"skeld/internal/loop"
	"skeld/internal/protocol"
	"skeld/internal/server"
)

var version = protocol.EncodeVersion(2022, 3, 29, 0)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a dispatcher on a loopback socket until the test ends.
func startServer(t *testing.T) (string, *server.Server) {
	t.Helper()
	l := loop.New(0, quiet())
	srv, err := server.New(server.Options{Config: config.Default(), Loop: l, Logger: quiet()})
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx, conn) })
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
		conn.Close()
	})
	return conn.LocalAddr().String(), srv
}

func dial(t *testing.T, addr, name string, v int32) (*client.Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr, client.Options{
		Name:         name,
		Version:      v,
		Platform:     protocol.PlatformSteamPC,
		PlatformName: "Steam",
		Logger:       quiet(),
	})
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, err
}

func TestHostAndJoinOverLoopback(t *testing.T) {
	addr, srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	red, err := dial(t, addr, "red", version)
	require.NoError(t, err)
	blue, err := dial(t, addr, "blue", version)
	require.NoError(t, err)

	code, err := red.HostGame(ctx, protocol.GameSettings{MaxPlayers: 10, NumImpostors: 1})
	require.NoError(t, err)

	reply, err := red.JoinGame(ctx, code)
	require.NoError(t, err)
	joined, ok := reply.(*protocol.JoinedGame)
	require.True(t, ok)
	assert.Equal(t, joined.ClientID, joined.HostID)
	assert.Equal(t, code, red.Room())

	reply, err = blue.JoinGame(ctx, code)
	require.NoError(t, err)
	joined, ok = reply.(*protocol.JoinedGame)
	require.True(t, ok)
	assert.Equal(t, red.ClientID(), joined.HostID)
	assert.Equal(t, map[int32]string{red.ClientID(): "red", blue.ClientID(): "blue"}, blue.Players())

	require.Eventually(t, func() bool { return len(red.Players()) == 2 }, 2*time.Second, 10*time.Millisecond)

	rooms, err := srv.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, protocol.FormatGameCode(code), rooms[0].Code)
	assert.Len(t, rooms[0].Players, 2)

	require.NoError(t, red.Close())
	require.Eventually(t, func() bool {
		_, stillThere := blue.Players()[red.ClientID()]
		return !stillThere && blue.HostID() == blue.ClientID()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVersionRefused(t *testing.T) {
	addr, _ := startServer(t)
	_, err := dial(t, addr, "old", protocol.EncodeVersion(2019, 1, 1, 0))
	assert.ErrorIs(t, err, client.ErrDisconnected)
}

func TestJoinUnknownCode(t *testing.T) {
	addr, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := dial(t, addr, "red", version)
	require.NoError(t, err)
	code, err := protocol.ParseGameCode("QWXRTY")
	require.NoError(t, err)

	_, err = c.JoinGame(ctx, code)
	require.ErrorIs(t, err, client.ErrDisconnected)
	reason, ok := c.Reason()
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonGameNotFound, reason)
}
