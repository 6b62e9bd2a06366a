package room

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"skeld/internal/event"
	"skeld/internal/protocol"
)

// Join lets conn into the room. Refusals are returned as errors for the
// caller to turn into a disconnect reason; nothing is mutated on refusal.
func (r *Room) Join(ctx context.Context, conn Conn) error {
	if r.state == Destroyed {
		return ErrGameNotFound
	}
	if r.Banned(conn.RemoteIP()) {
		return ErrBanned
	}
	if _, member := r.players[conn.ID()]; member {
		return r.rejoin(ctx, conn)
	}
	if r.state == Started {
		return ErrGameStarted
	}
	if len(r.players) >= r.cfg.MaxPlayers {
		return ErrGameFull
	}
	if r.hooks.BeforeJoin.Emit(ctx, &BeforeJoinEvent{Room: r, ClientID: conn.ID(), Name: conn.Name()}) == event.Cancel {
		return ErrOperationCanceled
	}

	if r.state == Ended {
		if r.cfg.ServerAuthoritative {
			r.reopen()
		} else {
			return r.wait(conn)
		}
	}
	if err := r.admit(ctx, conn); err != nil {
		return err
	}
	if r.state == NotStarted && len(r.waiting) > 0 && r.IsAuthority(conn.ID()) {
		r.releaseWaiting(ctx)
	}
	return nil
}

// admit sends the roster snapshot to conn and the join notification to
// everyone else, then adds conn to the roster.
func (r *Room) admit(ctx context.Context, conn Conn) error {
	id := conn.ID()
	prevAuthority := r.authority
	prevActing := slices.Clone(r.actingHosts)

	if !r.cfg.ServerAuthoritative && r.authority == protocol.NilClientID {
		r.authority = id
	}
	if r.cfg.ServerAuthoritative && len(r.actingHosts) == 0 {
		r.offerActingHost(ctx, id)
	}

	rollback := func() {
		r.authority = prevAuthority
		r.actingHosts = prevActing
	}

	snapshot := &protocol.JoinedGame{Code: r.code, ClientID: id, HostID: r.HostIDFor(id)}
	for _, p := range r.Players() {
		snapshot.Players = append(snapshot.Players, protocol.PlayerEntry{
			ClientID: p.ClientID,
			Name:     p.Name,
			Platform: p.Platform,
			Level:    p.Level,
		})
	}
	msgs := []protocol.RootMessage{snapshot}
	if r.cfg.ServerAuthoritative && r.objects.Len() > 0 {
		msgs = append(msgs, &protocol.GameDataTo{Code: r.code, Target: id, Messages: r.objects.SpawnMessages()})
	}
	if err := conn.Send(protocol.EncodeRoot(msgs...), true); err != nil {
		rollback()
		return fmt.Errorf("send roster snapshot: %w", err)
	}
	if err := r.Broadcast(ctx, Envelope{PerRecipient: func(to int32) []protocol.RootMessage {
		return []protocol.RootMessage{&protocol.PlayerJoined{Code: r.code, ClientID: id, HostID: r.HostIDFor(to), Name: conn.Name()}}
	}}); err != nil {
		rollback()
		return fmt.Errorf("announce join: %w", err)
	}

	r.players[id] = &Player{
		ClientID: id,
		Name:     conn.Name(),
		Platform: conn.Platform(),
		JoinedAt: r.sched.Now(),
		conn:     conn,
	}
	r.order = append(r.order, id)
	conn.SetRoom(r.code)
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
	r.logger.Info("player joined", "client", id, "name", conn.Name(), "players", len(r.players))
	r.notify(event.PlayerJoined, id)
	return nil
}

// rejoin handles a JoinGame from a connection that is already a member,
// which is how clients come back from the end screen.
func (r *Room) rejoin(ctx context.Context, conn Conn) error {
	id := conn.ID()
	if r.state == Ended {
		if !r.cfg.ServerAuthoritative && !r.IsAuthority(id) {
			return r.wait(conn)
		}
		r.reopen()
	}
	if err := r.sendSnapshot(conn); err != nil {
		return err
	}
	if r.IsAuthority(id) || r.cfg.ServerAuthoritative {
		r.releaseWaiting(ctx)
	}
	return nil
}

func (r *Room) sendSnapshot(conn Conn) error {
	id := conn.ID()
	snapshot := &protocol.JoinedGame{Code: r.code, ClientID: id, HostID: r.HostIDFor(id)}
	for _, p := range r.Players() {
		if p.ClientID == id {
			continue
		}
		snapshot.Players = append(snapshot.Players, protocol.PlayerEntry{
			ClientID: p.ClientID,
			Name:     p.Name,
			Platform: p.Platform,
			Level:    p.Level,
		})
	}
	msgs := []protocol.RootMessage{snapshot}
	if r.cfg.ServerAuthoritative && r.objects.Len() > 0 {
		msgs = append(msgs, &protocol.GameDataTo{Code: r.code, Target: id, Messages: r.objects.SpawnMessages()})
	}
	return conn.Send(protocol.EncodeRoot(msgs...), true)
}

func (r *Room) reopen() {
	r.state = NotStarted
	for _, p := range r.players {
		p.Ready = false
	}
	if r.cfg.ServerAuthoritative {
		r.spawnLobby()
	}
	r.logger.Info("room reopened")
}

// wait parks conn until the host returns to an ended room.
func (r *Room) wait(conn Conn) error {
	if !slices.ContainsFunc(r.waiting, func(c Conn) bool { return c.ID() == conn.ID() }) {
		r.waiting = append(r.waiting, conn)
	}
	if _, member := r.players[conn.ID()]; !member {
		conn.SetRoom(r.code)
	}
	return conn.Send(protocol.EncodeRoot(&protocol.WaitForHost{Code: r.code, ClientID: conn.ID()}), true)
}

// releaseWaiting lets in everyone parked by wait.
func (r *Room) releaseWaiting(ctx context.Context) {
	waiting := r.waiting
	r.waiting = nil
	for _, conn := range waiting {
		var err error
		if _, member := r.players[conn.ID()]; member {
			err = r.sendSnapshot(conn)
		} else {
			err = r.admit(ctx, conn)
		}
		if err != nil {
			r.logger.Warn("failed to release waiting player", "client", conn.ID(), "err", err)
			conn.SetRoom(0)
		}
	}
}

// Leave removes a player and migrates authority if needed. The remaining
// players are told about the removal together with their (possibly new)
// host id in a single message.
func (r *Room) Leave(ctx context.Context, clientID int32, reason protocol.DisconnectReason) error {
	if i := slices.IndexFunc(r.waiting, func(c Conn) bool { return c.ID() == clientID }); i >= 0 {
		r.waiting[i].SetRoom(0)
		r.waiting = slices.Delete(r.waiting, i, i+1)
	}
	p, ok := r.players[clientID]
	if !ok {
		return nil
	}

	delete(r.players, clientID)
	r.order = slices.DeleteFunc(r.order, func(id int32) bool { return id == clientID })
	p.conn.SetRoom(0)
	delete(r.claims, clientID)
	for _, persp := range r.Perspectives() {
		persp.dropPlayer(ctx, clientID)
	}
	r.logger.Info("player left", "client", clientID, "reason", reason, "players", len(r.players))
	r.notify(event.PlayerLeft, clientID)

	if len(r.players) == 0 {
		r.Destroy(ctx, protocol.ReasonDestroy)
		return nil
	}

	var despawns []protocol.GameDataMessage
	if r.cfg.ServerAuthoritative {
		despawns = r.despawnOwned(clientID)
	}

	if r.cfg.ServerAuthoritative {
		wasActing := r.IsActingHost(clientID)
		r.actingHosts = lo.Without(r.actingHosts, clientID)
		if wasActing && len(r.actingHosts) == 0 {
			for _, id := range r.order {
				if r.offerActingHost(ctx, id) {
					break
				}
			}
		}
	} else if r.authority == clientID {
		r.selectHost(ctx, clientID)
	}
	for _, persp := range r.perspectives {
		persp.syncAuthority()
	}

	err := r.Broadcast(ctx, Envelope{
		GameData: despawns,
		PerRecipient: func(to int32) []protocol.RootMessage {
			return []protocol.RootMessage{&protocol.RemovePlayer{
				Code:     r.code,
				ClientID: clientID,
				HostID:   r.HostIDFor(to),
				Reason:   reason,
			}}
		},
	})

	// A new host that is already back from the end screen reopens the room.
	if r.state == Ended && !r.cfg.ServerAuthoritative &&
		slices.ContainsFunc(r.waiting, func(c Conn) bool { return r.IsAuthority(c.ID()) }) {
		r.reopen()
		r.releaseWaiting(ctx)
	}
	return err
}

// despawnOwned removes every object owned by clientID from the graph.
func (r *Room) despawnOwned(clientID int32) []protocol.GameDataMessage {
	var msgs []protocol.GameDataMessage
	for _, spawnID := range r.objects.Owned(clientID) {
		rec := r.objects.spawns[spawnID]
		for _, netID := range slices.Clone(rec.NetIDs) {
			r.objects.Despawn(netID)
			msgs = append(msgs, &protocol.Despawn{NetID: netID})
		}
	}
	if o, gd := r.objects.GameData(); gd != nil {
		if info := gd.ByClient(clientID); info != nil {
			delete(gd.Players, info.PlayerID)
			o.MarkDirty()
		}
	}
	return msgs
}

// Kick removes a player on behalf of from, optionally banning their address.
func (r *Room) Kick(ctx context.Context, from, target int32, ban bool) error {
	if from != protocol.ServerClientID && !r.CanHost(from) {
		return ErrHackingSuspected
	}
	p, ok := r.players[target]
	if !ok {
		return fmt.Errorf("kick %d: %w", target, ErrPlayerNotFound)
	}
	reason := protocol.ReasonKicked
	if ban {
		e := &ClientBanEvent{Room: r, ClientID: target, Address: p.conn.RemoteIP()}
		if r.hooks.ClientBan.Emit(ctx, e) == event.Cancel {
			return ErrOperationCanceled
		}
		r.Ban(e.Address)
		reason = protocol.ReasonBanned
	}
	if err := r.Broadcast(ctx, Envelope{Messages: []protocol.RootMessage{
		&protocol.KickPlayer{Code: r.code, ClientID: target, Banned: ban, Reason: reason},
	}}); err != nil {
		r.logger.Warn("kick notice incomplete", "err", err)
	}
	conn := p.conn
	err := r.Leave(ctx, target, reason)
	conn.Disconnect(reason, "")
	return err
}
