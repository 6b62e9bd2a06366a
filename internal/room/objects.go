package room

import (
	"fmt"
	"maps"
	"slices"

	"skeld/internal/protocol"
)

// Kind tags the closed set of network object variants.
type Kind uint8

const (
	KindOpaque Kind = iota
	KindShipStatus
	KindMeetingHud
	KindLobbyBehaviour
	KindGameData
	KindVoteBanSystem
	KindPlayerControl
	KindPlayerPhysics
	KindNetworkTransform
)

var kindNames = [...]string{"Opaque", "ShipStatus", "MeetingHud", "LobbyBehaviour", "GameData", "VoteBanSystem", "PlayerControl", "PlayerPhysics", "CustomNetworkTransform"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Spawn types understood by the server.
const (
	SpawnShipStatus     uint32 = 0
	SpawnMeetingHud     uint32 = 1
	SpawnLobbyBehaviour uint32 = 2
	SpawnGameData       uint32 = 3
	SpawnPlayer         uint32 = 4
)

// prefabs lists the component kinds created by each spawn type.
var prefabs = map[uint32][]Kind{
	SpawnShipStatus:     {KindShipStatus},
	SpawnMeetingHud:     {KindMeetingHud},
	SpawnLobbyBehaviour: {KindLobbyBehaviour},
	SpawnGameData:       {KindGameData, KindVoteBanSystem},
	SpawnPlayer:         {KindPlayerControl, KindPlayerPhysics, KindNetworkTransform},
}

// State is the synchronized state of one network object. Serialize always
// writes the full state.
type State interface {
	Kind() Kind
	Serialize(w *protocol.Writer)
	Deserialize(r *protocol.Reader) error
}

// newState returns the zero state for a kind.
func newState(k Kind) State {
	switch k {
	case KindShipStatus:
		return &ShipStatus{Systems: map[uint8][]byte{}}
	case KindMeetingHud:
		return &MeetingHud{Votes: map[uint8]uint8{}}
	case KindLobbyBehaviour:
		return &LobbyBehaviour{}
	case KindGameData:
		return &GameData{Players: map[uint8]*PlayerInfo{}}
	case KindVoteBanSystem:
		return &VoteBanSystem{Votes: map[int32][]int32{}}
	case KindPlayerControl:
		return &PlayerControl{}
	case KindPlayerPhysics:
		return &PlayerPhysics{}
	case KindNetworkTransform:
		return &NetworkTransform{}
	}
	return &Opaque{}
}

// cloners is the explicit clone dispatch table used when forking a room.
var cloners = map[Kind]func(State) State{
	KindOpaque: func(s State) State {
		return &Opaque{Data: slices.Clone(s.(*Opaque).Data)}
	},
	KindShipStatus: func(s State) State {
		src := s.(*ShipStatus)
		dst := &ShipStatus{Systems: make(map[uint8][]byte, len(src.Systems))}
		for k, v := range src.Systems {
			dst.Systems[k] = slices.Clone(v)
		}
		return dst
	},
	KindMeetingHud: func(s State) State {
		return &MeetingHud{Votes: maps.Clone(s.(*MeetingHud).Votes)}
	},
	KindLobbyBehaviour: func(s State) State {
		return &LobbyBehaviour{}
	},
	KindGameData: func(s State) State {
		src := s.(*GameData)
		dst := &GameData{Players: make(map[uint8]*PlayerInfo, len(src.Players))}
		for id, p := range src.Players {
			cp := *p
			dst.Players[id] = &cp
		}
		return dst
	},
	KindVoteBanSystem: func(s State) State {
		src := s.(*VoteBanSystem)
		dst := &VoteBanSystem{Votes: make(map[int32][]int32, len(src.Votes))}
		for k, v := range src.Votes {
			dst.Votes[k] = slices.Clone(v)
		}
		return dst
	},
	KindPlayerControl: func(s State) State {
		cp := *s.(*PlayerControl)
		return &cp
	},
	KindPlayerPhysics: func(s State) State {
		return &PlayerPhysics{}
	},
	KindNetworkTransform: func(s State) State {
		cp := *s.(*NetworkTransform)
		return &cp
	},
}

// Clone deep-copies an object.
func Clone(o *Object) *Object {
	cp := *o
	cp.State = cloners[o.State.Kind()](o.State)
	return &cp
}

// Object is a network object in a room's graph.
type Object struct {
	NetID   uint32
	OwnerID int32
	// SpawnID is the net id of the first component of the spawn this object
	// belongs to.
	SpawnID uint32
	State   State
	dirty   bool
}

// MarkDirty queues the object's state for the next tick flush.
func (o *Object) MarkDirty() { o.dirty = true }

func (o *Object) Dirty() bool { return o.dirty }

func (o *Object) Kind() Kind { return o.State.Kind() }

// Encode returns the serialized full state.
func (o *Object) Encode() []byte {
	w := protocol.NewWriter()
	o.State.Serialize(w)
	return w.Bytes()
}

// ShipStatus keeps an opaque blob per ship system.
type ShipStatus struct {
	Systems map[uint8][]byte
}

func (s *ShipStatus) Kind() Kind { return KindShipStatus }

func (s *ShipStatus) Serialize(w *protocol.Writer) {
	keys := slices.Sorted(maps.Keys(s.Systems))
	w.Packed(uint32(len(keys)))
	for _, k := range keys {
		w.Uint8(k).PackedBytes(s.Systems[k])
	}
}

func (s *ShipStatus) Deserialize(r *protocol.Reader) error {
	n, err := r.Packed()
	if err != nil {
		return err
	}
	systems := make(map[uint8][]byte, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.Uint8()
		if err != nil {
			return err
		}
		if systems[k], err = r.PackedBytes(); err != nil {
			return err
		}
	}
	s.Systems = systems
	return nil
}

// MeetingHud maps voter player id to the suspect they voted for.
type MeetingHud struct {
	Votes map[uint8]uint8
}

func (m *MeetingHud) Kind() Kind { return KindMeetingHud }

func (m *MeetingHud) Serialize(w *protocol.Writer) {
	keys := slices.Sorted(maps.Keys(m.Votes))
	w.Packed(uint32(len(keys)))
	for _, k := range keys {
		w.Uint8(k).Uint8(m.Votes[k])
	}
}

func (m *MeetingHud) Deserialize(r *protocol.Reader) error {
	n, err := r.Packed()
	if err != nil {
		return err
	}
	votes := make(map[uint8]uint8, n)
	for i := uint32(0); i < n; i++ {
		voter, err := r.Uint8()
		if err != nil {
			return err
		}
		if votes[voter], err = r.Uint8(); err != nil {
			return err
		}
	}
	m.Votes = votes
	return nil
}

type LobbyBehaviour struct{}

func (*LobbyBehaviour) Kind() Kind                          { return KindLobbyBehaviour }
func (*LobbyBehaviour) Serialize(*protocol.Writer)          {}
func (*LobbyBehaviour) Deserialize(*protocol.Reader) error { return nil }

// Player info flags.
const (
	FlagDisconnected uint8 = 1 << 0
	FlagImpostor     uint8 = 1 << 1
	FlagDead         uint8 = 1 << 2
)

type Outfit struct {
	Name      string
	Color     uint8
	Hat       string
	Pet       string
	Skin      string
	Visor     string
	Nameplate string
}

type PlayerInfo struct {
	PlayerID uint8
	ClientID int32
	Outfit   Outfit
	Flags    uint8
	Role     uint16
}

// GameData is the roster object clients render names and cosmetics from.
type GameData struct {
	Players map[uint8]*PlayerInfo
}

func (g *GameData) Kind() Kind { return KindGameData }

func (g *GameData) Serialize(w *protocol.Writer) {
	ids := slices.Sorted(maps.Keys(g.Players))
	w.Packed(uint32(len(ids)))
	for _, id := range ids {
		p := g.Players[id]
		w.Uint8(id).PackedInt32(p.ClientID)
		w.String(p.Outfit.Name).Uint8(p.Outfit.Color)
		w.String(p.Outfit.Hat).String(p.Outfit.Pet).String(p.Outfit.Skin)
		w.String(p.Outfit.Visor).String(p.Outfit.Nameplate)
		w.Uint8(p.Flags).Uint16(p.Role)
	}
}

func (g *GameData) Deserialize(r *protocol.Reader) error {
	n, err := r.Packed()
	if err != nil {
		return err
	}
	players := make(map[uint8]*PlayerInfo, n)
	for i := uint32(0); i < n; i++ {
		p := &PlayerInfo{}
		if p.PlayerID, err = r.Uint8(); err != nil {
			return err
		}
		if p.ClientID, err = r.PackedInt32(); err != nil {
			return err
		}
		if p.Outfit.Name, err = r.String(); err != nil {
			return err
		}
		if p.Outfit.Color, err = r.Uint8(); err != nil {
			return err
		}
		for _, s := range []*string{&p.Outfit.Hat, &p.Outfit.Pet, &p.Outfit.Skin, &p.Outfit.Visor, &p.Outfit.Nameplate} {
			if *s, err = r.String(); err != nil {
				return err
			}
		}
		if p.Flags, err = r.Uint8(); err != nil {
			return err
		}
		if p.Role, err = r.Uint16(); err != nil {
			return err
		}
		players[p.PlayerID] = p
	}
	g.Players = players
	return nil
}

// NextPlayerID returns the lowest player id not in use.
func (g *GameData) NextPlayerID() uint8 {
	for id := uint8(0); id < 255; id++ {
		if _, ok := g.Players[id]; !ok {
			return id
		}
	}
	return 255
}

// ByClient finds the player info for a client.
func (g *GameData) ByClient(clientID int32) *PlayerInfo {
	for _, p := range g.Players {
		if p.ClientID == clientID {
			return p
		}
	}
	return nil
}

// VoteBanSystem maps a kick target to the clients that voted for it.
type VoteBanSystem struct {
	Votes map[int32][]int32
}

func (v *VoteBanSystem) Kind() Kind { return KindVoteBanSystem }

func (v *VoteBanSystem) Serialize(w *protocol.Writer) {
	targets := slices.Sorted(maps.Keys(v.Votes))
	w.Packed(uint32(len(targets)))
	for _, t := range targets {
		w.Int32(t).Packed(uint32(len(v.Votes[t])))
		for _, voter := range v.Votes[t] {
			w.PackedInt32(voter)
		}
	}
}

func (v *VoteBanSystem) Deserialize(r *protocol.Reader) error {
	n, err := r.Packed()
	if err != nil {
		return err
	}
	votes := make(map[int32][]int32, n)
	for i := uint32(0); i < n; i++ {
		target, err := r.Int32()
		if err != nil {
			return err
		}
		count, err := r.Packed()
		if err != nil {
			return err
		}
		voters := make([]int32, 0, count)
		for j := uint32(0); j < count; j++ {
			voter, err := r.PackedInt32()
			if err != nil {
				return err
			}
			voters = append(voters, voter)
		}
		votes[target] = voters
	}
	v.Votes = votes
	return nil
}

type PlayerControl struct {
	IsNew    bool
	PlayerID uint8
}

func (p *PlayerControl) Kind() Kind { return KindPlayerControl }

func (p *PlayerControl) Serialize(w *protocol.Writer) {
	w.Bool(p.IsNew).Uint8(p.PlayerID)
}

func (p *PlayerControl) Deserialize(r *protocol.Reader) error {
	var err error
	if p.IsNew, err = r.Bool(); err != nil {
		return err
	}
	p.PlayerID, err = r.Uint8()
	return err
}

type PlayerPhysics struct{}

func (*PlayerPhysics) Kind() Kind                          { return KindPlayerPhysics }
func (*PlayerPhysics) Serialize(*protocol.Writer)          {}
func (*PlayerPhysics) Deserialize(*protocol.Reader) error { return nil }

// NetworkTransform holds a player's last known position and velocity.
type NetworkTransform struct {
	Sequence uint16
	X, Y     uint16
	VX, VY   uint16
}

func (t *NetworkTransform) Kind() Kind { return KindNetworkTransform }

func (t *NetworkTransform) Serialize(w *protocol.Writer) {
	w.Uint16(t.Sequence).Uint16(t.X).Uint16(t.Y).Uint16(t.VX).Uint16(t.VY)
}

func (t *NetworkTransform) Deserialize(r *protocol.Reader) error {
	for _, f := range []*uint16{&t.Sequence, &t.X, &t.Y, &t.VX, &t.VY} {
		v, err := r.Uint16()
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// Opaque preserves the bytes of a component the server does not model.
type Opaque struct {
	Data []byte
}

func (o *Opaque) Kind() Kind                   { return KindOpaque }
func (o *Opaque) Serialize(w *protocol.Writer) { w.Raw(o.Data) }

func (o *Opaque) Deserialize(r *protocol.Reader) error {
	o.Data = r.Rest()
	return nil
}
