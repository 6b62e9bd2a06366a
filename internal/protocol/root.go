package protocol

import (
	"fmt"
)

// RootTag identifies a top-level message inside a datagram payload.
type RootTag uint8

const (
	TagHostGame         RootTag = 0
	TagJoinGame         RootTag = 1
	TagStartGame        RootTag = 2
	TagRemoveGame       RootTag = 3
	TagRemovePlayer     RootTag = 4
	TagGameData         RootTag = 5
	TagGameDataTo       RootTag = 6
	TagJoinedGame       RootTag = 7
	TagEndGame          RootTag = 8
	TagAlterGame        RootTag = 10
	TagKickPlayer       RootTag = 11
	TagWaitForHost      RootTag = 12
	TagQueryPlatformIds RootTag = 22
)

// RootMessage is any top-level message.
type RootMessage interface {
	Tag() RootTag
	Encode(w *Writer)
}

// AlterGame flag for the public/private toggle.
const AlterGamePrivacy uint8 = 1

// GameSettings is the subset of lobby options the server needs.
type GameSettings struct {
	Version      uint8
	MaxPlayers   uint8
	Keywords     uint32
	MapID        uint8
	NumImpostors uint8
}

func (s GameSettings) encode(w *Writer) {
	w.Uint8(s.Version).Uint8(s.MaxPlayers).Uint32(s.Keywords).Uint8(s.MapID).Uint8(s.NumImpostors)
}

func decodeSettings(b []byte) (GameSettings, error) {
	r := NewReader(b)
	var s GameSettings
	var err error
	if s.Version, err = r.Uint8(); err != nil {
		return s, err
	}
	if s.MaxPlayers, err = r.Uint8(); err != nil {
		return s, err
	}
	if s.Keywords, err = r.Uint32(); err != nil {
		return s, err
	}
	if s.MapID, err = r.Uint8(); err != nil {
		return s, err
	}
	if s.NumImpostors, err = r.Uint8(); err != nil {
		return s, err
	}
	return s, nil
}

type HostGameRequest struct {
	Settings GameSettings
	ChatMode uint8
}

func (m *HostGameRequest) Tag() RootTag { return TagHostGame }
func (m *HostGameRequest) Encode(w *Writer) {
	sw := NewWriter()
	m.Settings.encode(sw)
	w.PackedBytes(sw.Bytes()).Uint8(m.ChatMode)
}

type HostGameResponse struct {
	Code int32
}

func (m *HostGameResponse) Tag() RootTag     { return TagHostGame }
func (m *HostGameResponse) Encode(w *Writer) { w.Int32(m.Code) }

type JoinGameRequest struct {
	Code int32
}

func (m *JoinGameRequest) Tag() RootTag     { return TagJoinGame }
func (m *JoinGameRequest) Encode(w *Writer) { w.Int32(m.Code) }

// JoinGameError refuses a join or host request.
type JoinGameError struct {
	Reason  DisconnectReason
	Message string
}

func (m *JoinGameError) Tag() RootTag { return TagJoinGame }
func (m *JoinGameError) Encode(w *Writer) {
	w.Int32(int32(m.Reason))
	if m.Reason == ReasonCustom {
		w.String(m.Message)
	}
}

// PlayerJoined tells existing members about a new player. It is also used
// with TempClientID to move the host marker.
type PlayerJoined struct {
	Code     int32
	ClientID int32
	HostID   int32
	Name     string
}

func (m *PlayerJoined) Tag() RootTag { return TagJoinGame }
func (m *PlayerJoined) Encode(w *Writer) {
	w.Int32(m.Code).Int32(m.ClientID).Int32(m.HostID).String(m.Name)
}

type PlayerEntry struct {
	ClientID int32
	Name     string
	Platform Platform
	Level    uint32
}

// JoinedGame is the full roster snapshot sent to a joining client.
type JoinedGame struct {
	Code     int32
	ClientID int32
	HostID   int32
	Players  []PlayerEntry
}

func (m *JoinedGame) Tag() RootTag { return TagJoinedGame }
func (m *JoinedGame) Encode(w *Writer) {
	w.Int32(m.Code).Int32(m.ClientID).Int32(m.HostID).Packed(uint32(len(m.Players)))
	for _, p := range m.Players {
		w.PackedInt32(p.ClientID).String(p.Name).Uint8(uint8(p.Platform)).Packed(p.Level)
	}
}

type StartGame struct {
	Code int32
}

func (m *StartGame) Tag() RootTag     { return TagStartGame }
func (m *StartGame) Encode(w *Writer) { w.Int32(m.Code) }

type EndGame struct {
	Code   int32
	Reason GameOverReason
	ShowAd bool
}

func (m *EndGame) Tag() RootTag { return TagEndGame }
func (m *EndGame) Encode(w *Writer) {
	w.Int32(m.Code).Uint8(uint8(m.Reason)).Bool(m.ShowAd)
}

type RemoveGame struct {
	Reason DisconnectReason
}

func (m *RemoveGame) Tag() RootTag     { return TagRemoveGame }
func (m *RemoveGame) Encode(w *Writer) { w.Uint8(uint8(m.Reason)) }

// RemovePlayerRequest is sent by the host to remove someone without a ban.
type RemovePlayerRequest struct {
	Code     int32
	ClientID int32
	Reason   DisconnectReason
}

func (m *RemovePlayerRequest) Tag() RootTag { return TagRemovePlayer }
func (m *RemovePlayerRequest) Encode(w *Writer) {
	w.Int32(m.Code).PackedInt32(m.ClientID).Uint8(uint8(m.Reason))
}

// RemovePlayer announces a departure along with the (possibly new) host.
type RemovePlayer struct {
	Code     int32
	ClientID int32
	HostID   int32
	Reason   DisconnectReason
}

func (m *RemovePlayer) Tag() RootTag { return TagRemovePlayer }
func (m *RemovePlayer) Encode(w *Writer) {
	w.Int32(m.Code).Int32(m.ClientID).Int32(m.HostID).Uint8(uint8(m.Reason))
}

type GameData struct {
	Code     int32
	Messages []GameDataMessage
}

func (m *GameData) Tag() RootTag { return TagGameData }
func (m *GameData) Encode(w *Writer) {
	w.Int32(m.Code)
	encodeGameData(w, m.Messages)
}

type GameDataTo struct {
	Code     int32
	Target   int32
	Messages []GameDataMessage
}

func (m *GameDataTo) Tag() RootTag { return TagGameDataTo }
func (m *GameDataTo) Encode(w *Writer) {
	w.Int32(m.Code).PackedInt32(m.Target)
	encodeGameData(w, m.Messages)
}

type AlterGame struct {
	Code  int32
	Flag  uint8
	Value uint8
}

func (m *AlterGame) Tag() RootTag     { return TagAlterGame }
func (m *AlterGame) Encode(w *Writer) { w.Int32(m.Code).Uint8(m.Flag).Uint8(m.Value) }

type KickPlayerRequest struct {
	Code     int32
	ClientID int32
	Banned   bool
}

func (m *KickPlayerRequest) Tag() RootTag { return TagKickPlayer }
func (m *KickPlayerRequest) Encode(w *Writer) {
	w.Int32(m.Code).PackedInt32(m.ClientID).Bool(m.Banned)
}

type KickPlayer struct {
	Code     int32
	ClientID int32
	Banned   bool
	Reason   DisconnectReason
}

func (m *KickPlayer) Tag() RootTag { return TagKickPlayer }
func (m *KickPlayer) Encode(w *Writer) {
	w.Int32(m.Code).PackedInt32(m.ClientID).Bool(m.Banned).Packed(uint32(m.Reason))
}

type WaitForHost struct {
	Code     int32
	ClientID int32
}

func (m *WaitForHost) Tag() RootTag     { return TagWaitForHost }
func (m *WaitForHost) Encode(w *Writer) { w.Int32(m.Code).Int32(m.ClientID) }

type QueryPlatformIds struct {
	Code int32
}

func (m *QueryPlatformIds) Tag() RootTag     { return TagQueryPlatformIds }
func (m *QueryPlatformIds) Encode(w *Writer) { w.Int32(m.Code) }

type PlatformEntry struct {
	Platform Platform
	Name     string
}

type PlatformIds struct {
	Code    int32
	Entries []PlatformEntry
}

func (m *PlatformIds) Tag() RootTag { return TagQueryPlatformIds }
func (m *PlatformIds) Encode(w *Writer) {
	w.Int32(m.Code)
	for _, e := range m.Entries {
		w.Message(uint8(e.Platform), func(w *Writer) { w.String(e.Name) })
	}
}

// Unknown preserves a root message the codec has no type for.
type Unknown struct {
	RootTag RootTag
	Data    []byte
}

func (m *Unknown) Tag() RootTag     { return m.RootTag }
func (m *Unknown) Encode(w *Writer) { w.Raw(m.Data) }

// EncodeRoot encodes messages back to back, each wrapped in its tag.
func EncodeRoot(msgs ...RootMessage) []byte {
	w := NewWriter()
	for _, m := range msgs {
		w.Message(uint8(m.Tag()), m.Encode)
	}
	return w.Bytes()
}

// DecodeFunc decodes a single root message body.
type DecodeFunc func(tag RootTag, r *Reader) (RootMessage, error)

// DecodePayload splits a datagram payload into root messages.
func DecodePayload(payload []byte, decode DecodeFunc) ([]RootMessage, error) {
	r := NewReader(payload)
	var msgs []RootMessage
	for r.Len() > 0 {
		tag, body, err := r.Message()
		if err != nil {
			return msgs, err
		}
		m, err := decode(RootTag(tag), body)
		if err != nil {
			return msgs, fmt.Errorf("root tag %d: %w", tag, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// DecodeServerbound decodes messages sent by clients to the server.
func DecodeServerbound(tag RootTag, r *Reader) (RootMessage, error) {
	var err error
	switch tag {
	case TagHostGame:
		m := &HostGameRequest{}
		raw, err := r.PackedBytes()
		if err != nil {
			return nil, err
		}
		if m.Settings, err = decodeSettings(raw); err != nil {
			return nil, err
		}
		if r.Len() > 0 {
			m.ChatMode, _ = r.Uint8()
		}
		return m, nil
	case TagJoinGame:
		m := &JoinGameRequest{}
		m.Code, err = r.Int32()
		return m, err
	case TagStartGame:
		m := &StartGame{}
		m.Code, err = r.Int32()
		return m, err
	case TagEndGame:
		return decodeEndGame(r)
	case TagRemovePlayer:
		m := &RemovePlayerRequest{}
		if m.Code, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.ClientID, err = r.PackedInt32(); err != nil {
			return nil, err
		}
		reason, err := r.Uint8()
		m.Reason = DisconnectReason(reason)
		return m, err
	case TagGameData:
		return decodeGameDataRoot(r)
	case TagGameDataTo:
		return decodeGameDataToRoot(r)
	case TagAlterGame:
		return decodeAlterGame(r)
	case TagKickPlayer:
		m := &KickPlayerRequest{}
		if m.Code, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.ClientID, err = r.PackedInt32(); err != nil {
			return nil, err
		}
		m.Banned, err = r.Bool()
		return m, err
	case TagQueryPlatformIds:
		m := &QueryPlatformIds{}
		m.Code, err = r.Int32()
		return m, err
	}
	return &Unknown{RootTag: tag, Data: r.Rest()}, nil
}

// DecodeClientbound decodes messages sent by the server to clients.
func DecodeClientbound(tag RootTag, r *Reader) (RootMessage, error) {
	var err error
	switch tag {
	case TagHostGame:
		m := &HostGameResponse{}
		m.Code, err = r.Int32()
		return m, err
	case TagJoinGame:
		first, err := r.Int32()
		if err != nil {
			return nil, err
		}
		if first >= 0 && first < 256 {
			m := &JoinGameError{Reason: DisconnectReason(first)}
			if m.Reason == ReasonCustom && r.Len() > 0 {
				m.Message, err = r.String()
			}
			return m, err
		}
		m := &PlayerJoined{Code: first}
		if m.ClientID, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.HostID, err = r.Int32(); err != nil {
			return nil, err
		}
		m.Name, err = r.String()
		return m, err
	case TagJoinedGame:
		m := &JoinedGame{}
		if m.Code, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.ClientID, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.HostID, err = r.Int32(); err != nil {
			return nil, err
		}
		n, err := r.Packed()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			var p PlayerEntry
			if p.ClientID, err = r.PackedInt32(); err != nil {
				return nil, err
			}
			if p.Name, err = r.String(); err != nil {
				return nil, err
			}
			platform, err := r.Uint8()
			if err != nil {
				return nil, err
			}
			p.Platform = Platform(platform)
			if p.Level, err = r.Packed(); err != nil {
				return nil, err
			}
			m.Players = append(m.Players, p)
		}
		return m, nil
	case TagStartGame:
		m := &StartGame{}
		m.Code, err = r.Int32()
		return m, err
	case TagEndGame:
		return decodeEndGame(r)
	case TagRemoveGame:
		reason, err := r.Uint8()
		return &RemoveGame{Reason: DisconnectReason(reason)}, err
	case TagRemovePlayer:
		m := &RemovePlayer{}
		if m.Code, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.ClientID, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.HostID, err = r.Int32(); err != nil {
			return nil, err
		}
		reason, err := r.Uint8()
		m.Reason = DisconnectReason(reason)
		return m, err
	case TagGameData:
		return decodeGameDataRoot(r)
	case TagGameDataTo:
		return decodeGameDataToRoot(r)
	case TagAlterGame:
		return decodeAlterGame(r)
	case TagKickPlayer:
		m := &KickPlayer{}
		if m.Code, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.ClientID, err = r.PackedInt32(); err != nil {
			return nil, err
		}
		if m.Banned, err = r.Bool(); err != nil {
			return nil, err
		}
		if r.Len() > 0 {
			reason, err := r.Packed()
			if err != nil {
				return nil, err
			}
			m.Reason = DisconnectReason(reason)
		}
		return m, nil
	case TagWaitForHost:
		m := &WaitForHost{}
		if m.Code, err = r.Int32(); err != nil {
			return nil, err
		}
		m.ClientID, err = r.Int32()
		return m, err
	case TagQueryPlatformIds:
		m := &PlatformIds{}
		if m.Code, err = r.Int32(); err != nil {
			return nil, err
		}
		for r.Len() > 0 {
			platform, body, err := r.Message()
			if err != nil {
				return nil, err
			}
			name, err := body.String()
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, PlatformEntry{Platform: Platform(platform), Name: name})
		}
		return m, nil
	}
	return &Unknown{RootTag: tag, Data: r.Rest()}, nil
}

func decodeEndGame(r *Reader) (*EndGame, error) {
	m := &EndGame{}
	var err error
	if m.Code, err = r.Int32(); err != nil {
		return nil, err
	}
	reason, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	m.Reason = GameOverReason(reason)
	if r.Len() > 0 {
		m.ShowAd, _ = r.Bool()
	}
	return m, nil
}

func decodeAlterGame(r *Reader) (*AlterGame, error) {
	m := &AlterGame{}
	var err error
	if m.Code, err = r.Int32(); err != nil {
		return nil, err
	}
	if m.Flag, err = r.Uint8(); err != nil {
		return nil, err
	}
	m.Value, err = r.Uint8()
	return m, err
}

func decodeGameDataRoot(r *Reader) (*GameData, error) {
	m := &GameData{}
	var err error
	if m.Code, err = r.Int32(); err != nil {
		return nil, err
	}
	m.Messages, err = decodeGameData(r)
	return m, err
}

func decodeGameDataToRoot(r *Reader) (*GameDataTo, error) {
	m := &GameDataTo{}
	var err error
	if m.Code, err = r.Int32(); err != nil {
		return nil, err
	}
	if m.Target, err = r.PackedInt32(); err != nil {
		return nil, err
	}
	m.Messages, err = decodeGameData(r)
	return m, err
}
