package protocol

import "fmt"

// GameDataTag identifies a message nested in GameData or GameDataTo.
type GameDataTag uint8

const (
	TagData        GameDataTag = 1
	TagRpc         GameDataTag = 2
	TagSpawn       GameDataTag = 4
	TagDespawn     GameDataTag = 5
	TagSceneChange GameDataTag = 6
	TagReady       GameDataTag = 7
	TagClientInfo  GameDataTag = 205
)

// GameDataMessage is a message carried inside GameData.
type GameDataMessage interface {
	Tag() GameDataTag
	Encode(w *Writer)
}

// RpcCall identifies a remote procedure call on a network object.
type RpcCall uint8

const (
	CallSnapTo       RpcCall = 21
	CallSetName      RpcCall = 6
	CallSetColor     RpcCall = 8
	CallSetHat       RpcCall = 9
	CallSetSkin      RpcCall = 10
	CallMurderPlayer RpcCall = 12
	CallSetPet       RpcCall = 17
	CallCastVote     RpcCall = 24
	CallAddVote      RpcCall = 26
	CallUpdateSystem RpcCall = 35
	CallSetVisor     RpcCall = 36
	CallSetNameplate RpcCall = 37
)

// Data carries a serialized state delta for one network object.
type Data struct {
	NetID uint32
	Data  []byte
}

func (m *Data) Tag() GameDataTag  { return TagData }
func (m *Data) Encode(w *Writer) { w.Packed(m.NetID).Raw(m.Data) }

type Rpc struct {
	NetID   uint32
	Call    RpcCall
	Payload []byte
}

func (m *Rpc) Tag() GameDataTag { return TagRpc }
func (m *Rpc) Encode(w *Writer) {
	w.Packed(m.NetID).Uint8(uint8(m.Call)).Raw(m.Payload)
}

type SpawnComponent struct {
	NetID uint32
	Data  []byte
}

// Spawn creates a prefab's components in one message.
type Spawn struct {
	SpawnType  uint32
	OwnerID    int32
	Flags      uint8
	Components []SpawnComponent
}

func (m *Spawn) Tag() GameDataTag { return TagSpawn }
func (m *Spawn) Encode(w *Writer) {
	w.Packed(m.SpawnType).PackedInt32(m.OwnerID).Uint8(m.Flags).Packed(uint32(len(m.Components)))
	for _, c := range m.Components {
		w.Packed(c.NetID)
		w.Message(1, func(w *Writer) { w.Raw(c.Data) })
	}
}

type Despawn struct {
	NetID uint32
}

func (m *Despawn) Tag() GameDataTag  { return TagDespawn }
func (m *Despawn) Encode(w *Writer) { w.Packed(m.NetID) }

type SceneChange struct {
	ClientID int32
	Scene    string
}

func (m *SceneChange) Tag() GameDataTag { return TagSceneChange }
func (m *SceneChange) Encode(w *Writer) {
	w.PackedInt32(m.ClientID).String(m.Scene)
}

type Ready struct {
	ClientID int32
}

func (m *Ready) Tag() GameDataTag  { return TagReady }
func (m *Ready) Encode(w *Writer) { w.PackedInt32(m.ClientID) }

type ClientInfo struct {
	ClientID int32
	Platform Platform
}

func (m *ClientInfo) Tag() GameDataTag { return TagClientInfo }
func (m *ClientInfo) Encode(w *Writer) {
	w.PackedInt32(m.ClientID).Packed(uint32(m.Platform))
}

// UnknownGameData preserves an unrecognized game data message.
type UnknownGameData struct {
	GameDataTag GameDataTag
	Data        []byte
}

func (m *UnknownGameData) Tag() GameDataTag { return m.GameDataTag }
func (m *UnknownGameData) Encode(w *Writer) { w.Raw(m.Data) }

func encodeGameData(w *Writer, msgs []GameDataMessage) {
	for _, m := range msgs {
		w.Message(uint8(m.Tag()), m.Encode)
	}
}

// EncodeGameData returns the encoded bytes of msgs; used to size batches.
func EncodeGameData(msgs ...GameDataMessage) []byte {
	w := NewWriter()
	encodeGameData(w, msgs)
	return w.Bytes()
}

func decodeGameData(r *Reader) ([]GameDataMessage, error) {
	var msgs []GameDataMessage
	for r.Len() > 0 {
		tag, body, err := r.Message()
		if err != nil {
			return msgs, err
		}
		m, err := decodeGameDataMessage(GameDataTag(tag), body)
		if err != nil {
			return msgs, fmt.Errorf("game data tag %d: %w", tag, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func decodeGameDataMessage(tag GameDataTag, r *Reader) (GameDataMessage, error) {
	var err error
	switch tag {
	case TagData:
		m := &Data{}
		if m.NetID, err = r.Packed(); err != nil {
			return nil, err
		}
		m.Data = r.Rest()
		return m, nil
	case TagRpc:
		m := &Rpc{}
		if m.NetID, err = r.Packed(); err != nil {
			return nil, err
		}
		call, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		m.Call = RpcCall(call)
		m.Payload = r.Rest()
		return m, nil
	case TagSpawn:
		m := &Spawn{}
		if m.SpawnType, err = r.Packed(); err != nil {
			return nil, err
		}
		if m.OwnerID, err = r.PackedInt32(); err != nil {
			return nil, err
		}
		if m.Flags, err = r.Uint8(); err != nil {
			return nil, err
		}
		n, err := r.Packed()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			var c SpawnComponent
			if c.NetID, err = r.Packed(); err != nil {
				return nil, err
			}
			_, body, err := r.Message()
			if err != nil {
				return nil, err
			}
			c.Data = body.Rest()
			m.Components = append(m.Components, c)
		}
		return m, nil
	case TagDespawn:
		m := &Despawn{}
		m.NetID, err = r.Packed()
		return m, err
	case TagSceneChange:
		m := &SceneChange{}
		if m.ClientID, err = r.PackedInt32(); err != nil {
			return nil, err
		}
		m.Scene, err = r.String()
		return m, err
	case TagReady:
		m := &Ready{}
		m.ClientID, err = r.PackedInt32()
		return m, err
	case TagClientInfo:
		m := &ClientInfo{}
		if m.ClientID, err = r.PackedInt32(); err != nil {
			return nil, err
		}
		platform, err := r.Packed()
		m.Platform = Platform(platform)
		return m, err
	}
	return &UnknownGameData{GameDataTag: tag, Data: r.Rest()}, nil
}

// MessageKind keys filter chains. Root tags map to themselves, game data
// tags are offset by 0x100 and RPC calls by 0x200.
type MessageKind uint16

func RootKind(t RootTag) MessageKind         { return MessageKind(t) }
func GameDataKind(t GameDataTag) MessageKind { return 0x100 | MessageKind(t) }
func RpcKind(c RpcCall) MessageKind          { return 0x200 | MessageKind(c) }

// KindOf returns the filter key for a game data message. RPCs are keyed
// by their call id rather than the generic Rpc tag.
func KindOf(m GameDataMessage) MessageKind {
	if rpc, ok := m.(*Rpc); ok {
		return RpcKind(rpc.Call)
	}
	return GameDataKind(m.Tag())
}

func (k MessageKind) String() string {
	switch {
	case k >= 0x200:
		return fmt.Sprintf("rpc(%d)", uint8(k))
	case k >= 0x100:
		return fmt.Sprintf("gamedata(%d)", uint8(k))
	}
	return fmt.Sprintf("root(%d)", uint8(k))
}
