package protocol_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skeld/internal/protocol"
)

func TestPackedIntegers(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		want  []byte
	}{
		{name: "single byte", value: 0x7f, want: []byte{0x7f}},
		{name: "two bytes", value: 0x80, want: []byte{0x80, 0x01}},
		{name: "max u32", value: 0xffffffff, want: []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := protocol.NewWriter().Packed(tt.value)
			assert.Equal(t, tt.want, w.Bytes())

			got, err := protocol.NewReader(w.Bytes()).Packed()
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestReaderTruncated(t *testing.T) {
	r := protocol.NewReader([]byte{0x01, 0x02})
	_, err := r.Uint32()
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	_, _, err = protocol.NewReader([]byte{0x05, 0x00, 0x01, 0xaa}).Message()
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestWriterNestedMessages(t *testing.T) {
	w := protocol.NewWriter()
	w.Begin(5).Int32(7)
	w.Begin(1).Uint8(0xaa).End()
	w.End()

	tag, body, err := protocol.NewReader(w.Bytes()).Message()
	require.NoError(t, err)
	assert.Equal(t, uint8(5), tag)

	code, err := body.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(7), code)

	innerTag, inner, err := body.Message()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), innerTag)
	assert.Equal(t, []byte{0xaa}, inner.Rest())
	assert.Zero(t, body.Len())
}

func TestGameCodes(t *testing.T) {
	for _, code := range []string{"ABCDEF", "QWXRTY", "ZZZZZZ", "AAAA"} {
		t.Run(code, func(t *testing.T) {
			n, err := protocol.ParseGameCode(code)
			require.NoError(t, err)
			assert.Equal(t, code, protocol.FormatGameCode(n))
		})
	}

	n, err := protocol.ParseGameCode("ABCDEF")
	require.NoError(t, err)
	assert.Negative(t, n, "v2 codes are negative")

	_, err = protocol.ParseGameCode("ABC")
	assert.Error(t, err)
	_, err = protocol.ParseGameCode("AB1DEF")
	assert.Error(t, err)
}

func TestVersions(t *testing.T) {
	v, err := protocol.ParseVersion("2022.3.29")
	require.NoError(t, err)
	assert.Equal(t, int32(50556850), v)
	assert.Equal(t, "2022.3.29", protocol.FormatVersion(v))

	v, err = protocol.ParseVersion("2021.6.30.3")
	require.NoError(t, err)
	assert.Equal(t, protocol.EncodeVersion(2021, 6, 30, 3), v)
	assert.Equal(t, "2021.6.30.3", protocol.FormatVersion(v))

	_, err = protocol.ParseVersion("2021.6")
	assert.Error(t, err)
}

func TestDecodeHello(t *testing.T) {
	hello := protocol.Hello{
		HazelVersion:  1,
		ClientVersion: protocol.EncodeVersion(2022, 3, 29, 0),
		Username:      "red",
		LastNonce:     0,
		Language:      0,
		ChatMode:      1,
		Platform:      protocol.PlatformSteamPC,
		PlatformName:  "Steam",
		ModCount:      2,
		HasModCount:   true,
	}

	p, err := protocol.DecodePacket(protocol.EncodeHello(1, hello))
	require.NoError(t, err)
	assert.Equal(t, protocol.OptionHello, p.Option)
	assert.Equal(t, uint16(1), p.Nonce)
	require.NotNil(t, p.Hello)
	assert.Equal(t, hello, *p.Hello)
}

func TestDecodeHelloOldClient(t *testing.T) {
	w := protocol.NewWriter()
	w.Uint8(uint8(protocol.OptionHello)).Uint16BE(1)
	w.Uint8(1).Int32(protocol.EncodeVersion(2021, 6, 30, 0)).String("blue")

	p, err := protocol.DecodePacket(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "blue", p.Hello.Username)
	assert.False(t, p.Hello.HasModCount)
}

func TestDecodePacketOptions(t *testing.T) {
	t.Run("reliable", func(t *testing.T) {
		p, err := protocol.DecodePacket(protocol.EncodeReliable(0x0102, []byte{9, 9}))
		require.NoError(t, err)
		assert.Equal(t, protocol.OptionReliable, p.Option)
		assert.Equal(t, uint16(0x0102), p.Nonce)
		assert.Equal(t, []byte{9, 9}, p.Payload)
	})

	t.Run("ack", func(t *testing.T) {
		p, err := protocol.DecodePacket(protocol.EncodeAck(7, 0xfe))
		require.NoError(t, err)
		assert.Equal(t, uint16(7), p.Nonce)
		assert.Equal(t, uint8(0xfe), p.Missing)
	})

	t.Run("disconnect with reason", func(t *testing.T) {
		raw := protocol.EncodeDisconnect(protocol.NewDisconnect(protocol.ReasonCustom, "bye"))
		p, err := protocol.DecodePacket(raw)
		require.NoError(t, err)
		require.NotNil(t, p.Disconnect.Reason)
		assert.Equal(t, protocol.ReasonCustom, *p.Disconnect.Reason)
		assert.Equal(t, "bye", p.Disconnect.Message)
	})

	t.Run("empty disconnect", func(t *testing.T) {
		p, err := protocol.DecodePacket(protocol.EncodeDisconnect(nil))
		require.NoError(t, err)
		assert.Nil(t, p.Disconnect.Reason)
	})

	t.Run("unknown option", func(t *testing.T) {
		_, err := protocol.DecodePacket([]byte{0x42, 0x00})
		assert.True(t, errors.Is(err, protocol.ErrUnknownOption))
	})

	t.Run("empty datagram", func(t *testing.T) {
		_, err := protocol.DecodePacket(nil)
		assert.ErrorIs(t, err, protocol.ErrMalformed)
	})
}

func TestServerboundRoot(t *testing.T) {
	code, err := protocol.ParseGameCode("ABCDEF")
	require.NoError(t, err)

	payload := protocol.EncodeRoot(
		&protocol.HostGameRequest{Settings: protocol.GameSettings{MaxPlayers: 10, NumImpostors: 2}, ChatMode: 1},
		&protocol.JoinGameRequest{Code: code},
		&protocol.GameData{Code: code, Messages: []protocol.GameDataMessage{
			&protocol.Rpc{NetID: 5, Call: protocol.CallSetColor, Payload: []byte{3}},
			&protocol.Spawn{SpawnType: 4, OwnerID: 1, Components: []protocol.SpawnComponent{
				{NetID: 10, Data: []byte{0x01}},
				{NetID: 11},
			}},
		}},
		&protocol.Unknown{RootTag: 99, Data: []byte{1, 2, 3}},
	)

	msgs, err := protocol.DecodePayload(payload, protocol.DecodeServerbound)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	host := msgs[0].(*protocol.HostGameRequest)
	assert.Equal(t, uint8(10), host.Settings.MaxPlayers)
	assert.Equal(t, uint8(1), host.ChatMode)

	assert.Equal(t, code, msgs[1].(*protocol.JoinGameRequest).Code)

	gd := msgs[2].(*protocol.GameData)
	require.Len(t, gd.Messages, 2)
	rpc := gd.Messages[0].(*protocol.Rpc)
	assert.Equal(t, protocol.CallSetColor, rpc.Call)
	assert.Equal(t, []byte{3}, rpc.Payload)
	spawn := gd.Messages[1].(*protocol.Spawn)
	require.Len(t, spawn.Components, 2)
	assert.Equal(t, uint32(11), spawn.Components[1].NetID)
	assert.Empty(t, spawn.Components[1].Data)

	unknown := msgs[3].(*protocol.Unknown)
	assert.Equal(t, protocol.RootTag(99), unknown.Tag())
	assert.Equal(t, []byte{1, 2, 3}, unknown.Data)
}

func TestClientboundJoinGame(t *testing.T) {
	code, err := protocol.ParseGameCode("ABCDEF")
	require.NoError(t, err)

	payload := protocol.EncodeRoot(
		&protocol.JoinGameError{Reason: protocol.ReasonGameFull},
		&protocol.PlayerJoined{Code: code, ClientID: 2, HostID: 1, Name: "B"},
		&protocol.JoinGameError{Reason: protocol.ReasonCustom, Message: "nope"},
	)

	msgs, err := protocol.DecodePayload(payload, protocol.DecodeClientbound)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, protocol.ReasonGameFull, msgs[0].(*protocol.JoinGameError).Reason)
	joined := msgs[1].(*protocol.PlayerJoined)
	assert.Equal(t, int32(2), joined.ClientID)
	assert.Equal(t, int32(1), joined.HostID)
	assert.Equal(t, "nope", msgs[2].(*protocol.JoinGameError).Message)
}

func TestClientboundJoinedGame(t *testing.T) {
	in := &protocol.JoinedGame{
		Code:     -12345,
		ClientID: 3,
		HostID:   1,
		Players: []protocol.PlayerEntry{
			{ClientID: 1, Name: "A", Platform: protocol.PlatformSteamPC, Level: 4},
			{ClientID: 2, Name: "B", Platform: protocol.PlatformAndroid},
		},
	}

	msgs, err := protocol.DecodePayload(protocol.EncodeRoot(in), protocol.DecodeClientbound)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, in, msgs[0])
}

func TestMessageKinds(t *testing.T) {
	assert.Equal(t, protocol.MessageKind(5), protocol.RootKind(protocol.TagGameData))
	assert.Equal(t, protocol.GameDataKind(protocol.TagSpawn), protocol.KindOf(&protocol.Spawn{}))
	assert.Equal(t, protocol.RpcKind(protocol.CallSetName), protocol.KindOf(&protocol.Rpc{Call: protocol.CallSetName}))
	assert.NotEqual(t, protocol.KindOf(&protocol.Rpc{Call: protocol.CallSetName}), protocol.KindOf(&protocol.Rpc{Call: protocol.CallSetColor}))
}
