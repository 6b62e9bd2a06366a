package room

import (
	"context"

	"skeld/internal/protocol"
)

// HandleGameData applies and relays game data sent by a member. target is
// set for GameDataTo.
func (r *Room) HandleGameData(ctx context.Context, from int32, msgs []protocol.GameDataMessage, target *int32) error {
	if _, ok := r.players[from]; !ok {
		return ErrPlayerNotFound
	}
	msgs = r.control(ctx, from, msgs)
	if owner, claimed := r.claims[from]; claimed {
		if p := r.perspective(owner); p != nil {
			return p.Room.HandleGameData(ctx, from, msgs, target)
		}
	}

	var relay []protocol.GameDataMessage
	for _, m := range msgs {
		if !r.authorize(from, m) {
			r.logger.Warn("dropping unauthorized game data", "client", from, "kind", protocol.KindOf(m))
			continue
		}
		if !r.guardAllows(m) {
			r.logger.Debug("dropping game data for guarded object", "client", from, "kind", protocol.KindOf(m))
			continue
		}
		r.apply(m)
		relay = append(relay, m)
	}
	if len(relay) == 0 {
		return nil
	}
	env := Envelope{GameData: relay, Exclude: []int32{from}, sender: from}
	if target != nil {
		env.Include = []int32{*target}
		env.Exclude = nil
	}
	return r.Broadcast(ctx, env)
}

// control consumes the messages that drive the canonical room's lifecycle in
// server-authoritative mode.
func (r *Room) control(ctx context.Context, from int32, msgs []protocol.GameDataMessage) []protocol.GameDataMessage {
	if r.fork != nil {
		return msgs
	}
	out := make([]protocol.GameDataMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m := m.(type) {
		case *protocol.Ready:
			r.markReady(ctx, from)
			if r.cfg.ServerAuthoritative {
				continue
			}
		case *protocol.SceneChange:
			if r.cfg.ServerAuthoritative {
				r.spawnPlayer(from, m.Scene)
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// authorize checks that from may send m: spawns need host rights, state
// changes and despawns need ownership or host rights.
func (r *Room) authorize(from int32, m protocol.GameDataMessage) bool {
	switch m := m.(type) {
	case *protocol.Spawn:
		return r.CanHost(from)
	case *protocol.Despawn:
		return r.ownsOrHosts(from, m.NetID)
	case *protocol.Data:
		return r.ownsOrHosts(from, m.NetID)
	}
	return true
}

func (r *Room) ownsOrHosts(from int32, netID uint32) bool {
	if r.CanHost(from) {
		return true
	}
	o, ok := r.objects.Get(netID)
	return ok && o.OwnerID == from
}

func netIDOf(m protocol.GameDataMessage) (uint32, bool) {
	switch m := m.(type) {
	case *protocol.Data:
		return m.NetID, true
	case *protocol.Rpc:
		return m.NetID, true
	case *protocol.Despawn:
		return m.NetID, true
	}
	return 0, false
}

// apply updates the object graph from an already authorized message.
func (r *Room) apply(m protocol.GameDataMessage) {
	switch m := m.(type) {
	case *protocol.Spawn:
		if err := r.objects.ApplySpawn(m); err != nil {
			r.logger.Warn("bad spawn", "err", err)
		}
	case *protocol.Despawn:
		r.objects.Despawn(m.NetID)
	case *protocol.Data:
		o, ok := r.objects.Get(m.NetID)
		if !ok {
			return
		}
		s := newState(o.Kind())
		if err := s.Deserialize(protocol.NewReader(m.Data)); err != nil {
			r.logger.Debug("undecodable object data", "net_id", m.NetID, "kind", o.Kind(), "err", err)
			return
		}
		o.State = s
	case *protocol.Rpc:
		r.applyRpc(m)
	}
}

// applyRpc tracks the RPCs that change state the server reconciles.
func (r *Room) applyRpc(m *protocol.Rpc) {
	rd := protocol.NewReader(m.Payload)
	o, ok := r.objects.Get(m.NetID)
	if !ok {
		return
	}
	switch m.Call {
	case protocol.CallSetName, protocol.CallSetHat, protocol.CallSetSkin, protocol.CallSetPet,
		protocol.CallSetVisor, protocol.CallSetNameplate:
		info := r.objects.PlayerInfo(m.NetID)
		if info == nil {
			return
		}
		s, err := rd.String()
		if err != nil {
			return
		}
		switch m.Call {
		case protocol.CallSetName:
			info.Outfit.Name = s
		case protocol.CallSetHat:
			info.Outfit.Hat = s
		case protocol.CallSetSkin:
			info.Outfit.Skin = s
		case protocol.CallSetPet:
			info.Outfit.Pet = s
		case protocol.CallSetVisor:
			info.Outfit.Visor = s
		case protocol.CallSetNameplate:
			info.Outfit.Nameplate = s
		}
	case protocol.CallSetColor:
		info := r.objects.PlayerInfo(m.NetID)
		if info == nil {
			return
		}
		if c, err := rd.Uint8(); err == nil {
			info.Outfit.Color = c
		}
	case protocol.CallMurderPlayer:
		victim, err := rd.Packed()
		if err != nil {
			return
		}
		if info := r.objects.PlayerInfo(victim); info != nil {
			info.Flags |= FlagDead
		}
	case protocol.CallCastVote:
		hud, ok := o.State.(*MeetingHud)
		if !ok {
			return
		}
		voter, err := rd.Uint8()
		if err != nil {
			return
		}
		if suspect, err := rd.Uint8(); err == nil {
			hud.Votes[voter] = suspect
		}
	case protocol.CallAddVote:
		vb, ok := o.State.(*VoteBanSystem)
		if !ok {
			return
		}
		voter, err := rd.Int32()
		if err != nil {
			return
		}
		if target, err := rd.Int32(); err == nil {
			vb.Votes[target] = append(vb.Votes[target], voter)
		}
	case protocol.CallUpdateSystem:
		ship, ok := o.State.(*ShipStatus)
		if !ok {
			return
		}
		if system, err := rd.Uint8(); err == nil {
			ship.Systems[system] = rd.Rest()
		}
	case protocol.CallSnapTo:
		t, ok := o.State.(*NetworkTransform)
		if !ok {
			return
		}
		x, err := rd.Uint16()
		if err != nil {
			return
		}
		y, err := rd.Uint16()
		if err != nil {
			return
		}
		t.X, t.Y = x, y
		if seq, err := rd.Uint16(); err == nil {
			t.Sequence = seq
		}
	}
}

// spawnPlayer creates the player prefab for a client that finished loading
// a scene in a server-authoritative room.
func (r *Room) spawnPlayer(clientID int32, scene string) {
	p, ok := r.players[clientID]
	if !ok || len(r.objects.Owned(clientID)) > 0 {
		return
	}
	var msgs []protocol.GameDataMessage
	gdObj, gd := r.objects.GameData()
	if gd == nil {
		msgs = append(msgs, r.objects.Spawn(SpawnGameData, protocol.ServerClientID, 0))
		gdObj, gd = r.objects.GameData()
	}
	id := gd.NextPlayerID()
	gd.Players[id] = &PlayerInfo{PlayerID: id, ClientID: clientID, Outfit: Outfit{Name: p.Name}}
	gdObj.MarkDirty()
	msgs = append(msgs, r.objects.Spawn(SpawnPlayer, clientID, 1, &PlayerControl{IsNew: true, PlayerID: id}))
	r.logger.Debug("spawned player", "client", clientID, "player_id", id, "scene", scene)
	r.Queue(msgs...)
}
