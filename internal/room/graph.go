package room

import (
	"fmt"
	"slices"

	"skeld/internal/protocol"
)

// spawnRecord remembers how a group of components was spawned so it can be
// re-sent as one Spawn message.
type spawnRecord struct {
	Type   uint32
	Owner  int32
	Flags  uint8
	NetIDs []uint32
}

// Graph is a room's set of live network objects.
type Graph struct {
	objects map[uint32]*Object
	spawns  map[uint32]*spawnRecord
	order   []uint32
	nextID  uint32
}

func NewGraph() *Graph {
	return &Graph{
		objects: make(map[uint32]*Object),
		spawns:  make(map[uint32]*spawnRecord),
		nextID:  1,
	}
}

func (g *Graph) Len() int { return len(g.objects) }

func (g *Graph) Get(netID uint32) (*Object, bool) {
	o, ok := g.objects[netID]
	return o, ok
}

// Objects returns every object in spawn order.
func (g *Graph) Objects() []*Object {
	out := make([]*Object, 0, len(g.objects))
	for _, id := range g.order {
		for _, netID := range g.spawns[id].NetIDs {
			if o, ok := g.objects[netID]; ok {
				out = append(out, o)
			}
		}
	}
	return out
}

// Find returns the first object of a kind.
func (g *Graph) Find(k Kind) *Object {
	for _, o := range g.Objects() {
		if o.Kind() == k {
			return o
		}
	}
	return nil
}

// GameData returns the roster object, or nil before it is spawned.
func (g *Graph) GameData() (*Object, *GameData) {
	o := g.Find(KindGameData)
	if o == nil {
		return nil, nil
	}
	return o, o.State.(*GameData)
}

// PlayerInfo resolves the roster entry for a PlayerControl net id.
func (g *Graph) PlayerInfo(controlNetID uint32) *PlayerInfo {
	o, ok := g.objects[controlNetID]
	if !ok {
		return nil
	}
	pc, ok := o.State.(*PlayerControl)
	if !ok {
		return nil
	}
	_, gd := g.GameData()
	if gd == nil {
		return nil
	}
	return gd.Players[pc.PlayerID]
}

// Owned returns the spawn ids of every spawn owned by a client.
func (g *Graph) Owned(clientID int32) []uint32 {
	var out []uint32
	for _, id := range g.order {
		if g.spawns[id].Owner == clientID {
			out = append(out, id)
		}
	}
	return out
}

// Spawn creates a prefab owned by owner with fresh net ids and returns the
// matching Spawn message.
func (g *Graph) Spawn(spawnType uint32, owner int32, flags uint8, states ...State) *protocol.Spawn {
	kinds, ok := prefabs[spawnType]
	if !ok {
		kinds = make([]Kind, len(states))
	}
	msg := &protocol.Spawn{SpawnType: spawnType, OwnerID: owner, Flags: flags}
	rec := &spawnRecord{Type: spawnType, Owner: owner, Flags: flags}
	for i, k := range kinds {
		var s State
		if i < len(states) && states[i] != nil {
			s = states[i]
		} else {
			s = newState(k)
		}
		netID := g.nextID
		g.nextID++
		g.objects[netID] = &Object{NetID: netID, OwnerID: owner, State: s}
		rec.NetIDs = append(rec.NetIDs, netID)
		w := protocol.NewWriter()
		s.Serialize(w)
		msg.Components = append(msg.Components, protocol.SpawnComponent{NetID: netID, Data: w.Bytes()})
	}
	g.addRecord(rec)
	return msg
}

func (g *Graph) addRecord(rec *spawnRecord) {
	if len(rec.NetIDs) == 0 {
		return
	}
	id := rec.NetIDs[0]
	for _, netID := range rec.NetIDs {
		g.objects[netID].SpawnID = id
		if netID >= g.nextID {
			g.nextID = netID + 1
		}
	}
	g.spawns[id] = rec
	g.order = append(g.order, id)
}

// ApplySpawn records a Spawn sent by a client.
func (g *Graph) ApplySpawn(m *protocol.Spawn) error {
	kinds := prefabs[m.SpawnType]
	for _, c := range m.Components {
		if _, exists := g.objects[c.NetID]; exists {
			return fmt.Errorf("spawn of existing net id %d", c.NetID)
		}
	}
	rec := &spawnRecord{Type: m.SpawnType, Owner: m.OwnerID, Flags: m.Flags}
	for i, c := range m.Components {
		k := KindOpaque
		if i < len(kinds) {
			k = kinds[i]
		}
		s := newState(k)
		if err := s.Deserialize(protocol.NewReader(c.Data)); err != nil {
			s = &Opaque{Data: slices.Clone(c.Data)}
		}
		g.objects[c.NetID] = &Object{NetID: c.NetID, OwnerID: m.OwnerID, State: s}
		rec.NetIDs = append(rec.NetIDs, c.NetID)
	}
	g.addRecord(rec)
	return nil
}

// Despawn removes one object. The spawn record is dropped once empty.
func (g *Graph) Despawn(netID uint32) bool {
	o, ok := g.objects[netID]
	if !ok {
		return false
	}
	delete(g.objects, netID)
	rec := g.spawns[o.SpawnID]
	if rec == nil {
		return true
	}
	rec.NetIDs = slices.DeleteFunc(rec.NetIDs, func(id uint32) bool { return id == netID })
	if len(rec.NetIDs) == 0 {
		delete(g.spawns, o.SpawnID)
		g.order = slices.DeleteFunc(g.order, func(id uint32) bool { return id == o.SpawnID })
	}
	return true
}

// DespawnAll clears the graph and returns the Despawn messages for it.
func (g *Graph) DespawnAll() []protocol.GameDataMessage {
	var msgs []protocol.GameDataMessage
	for _, o := range g.Objects() {
		msgs = append(msgs, &protocol.Despawn{NetID: o.NetID})
	}
	g.objects = make(map[uint32]*Object)
	g.spawns = make(map[uint32]*spawnRecord)
	g.order = nil
	return msgs
}

// SpawnMessage rebuilds the Spawn message for a spawn id from current state.
func (g *Graph) SpawnMessage(spawnID uint32) *protocol.Spawn {
	rec, ok := g.spawns[spawnID]
	if !ok {
		return nil
	}
	msg := &protocol.Spawn{SpawnType: rec.Type, OwnerID: rec.Owner, Flags: rec.Flags}
	for _, netID := range rec.NetIDs {
		msg.Components = append(msg.Components, protocol.SpawnComponent{NetID: netID, Data: g.objects[netID].Encode()})
	}
	return msg
}

// SpawnMessages returns Spawn messages for the whole graph.
func (g *Graph) SpawnMessages() []protocol.GameDataMessage {
	msgs := make([]protocol.GameDataMessage, 0, len(g.order))
	for _, id := range g.order {
		msgs = append(msgs, g.SpawnMessage(id))
	}
	return msgs
}

// Clone deep-copies the graph through the clone table.
func (g *Graph) Clone() *Graph {
	cp := &Graph{
		objects: make(map[uint32]*Object, len(g.objects)),
		spawns:  make(map[uint32]*spawnRecord, len(g.spawns)),
		order:   slices.Clone(g.order),
		nextID:  g.nextID,
	}
	for id, o := range g.objects {
		cp.objects[id] = Clone(o)
	}
	for id, rec := range g.spawns {
		r := *rec
		r.NetIDs = slices.Clone(rec.NetIDs)
		cp.spawns[id] = &r
	}
	return cp
}
