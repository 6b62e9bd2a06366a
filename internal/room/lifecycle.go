package room

import (
	"context"
	"fmt"

	"skeld/internal/event"
	"skeld/internal/protocol"
)

// StartGame starts the game on behalf of from. Only the host (or an acting
// host) may start; anyone else is reported as hacking.
func (r *Room) StartGame(ctx context.Context, from int32) error {
	if from != protocol.ServerClientID && !r.CanHost(from) {
		return ErrHackingSuspected
	}
	if r.state != NotStarted {
		return fmt.Errorf("start from %s: %w", r.state, ErrInvalidState)
	}
	r.state = Started
	if r.hooks.GameStart.Emit(ctx, &GameStartEvent{Room: r}) == event.Cancel {
		r.state = NotStarted
		return ErrOperationCanceled
	}
	r.logger.Info("game started", "players", len(r.players))
	r.notify(event.GameStarted, from)

	if r.cfg.ServerAuthoritative {
		for _, p := range r.players {
			p.Ready = false
		}
		r.loading = true
		if r.cfg.ReadyTimeout > 0 {
			r.readyTimer = r.sched.After(r.cfg.ReadyTimeout, func() { r.readyExpired(context.Background()) })
		}
	}
	return r.Broadcast(ctx, Envelope{Messages: []protocol.RootMessage{&protocol.StartGame{Code: r.code}}})
}

// markReady records a Ready message and finishes the start once everyone
// has loaded.
func (r *Room) markReady(ctx context.Context, clientID int32) {
	p, ok := r.players[clientID]
	if !ok || r.state != Started || !r.loading {
		return
	}
	p.Ready = true
	for _, p := range r.players {
		if !p.Ready {
			return
		}
	}
	if r.readyTimer != nil {
		r.readyTimer.Stop()
		r.readyTimer = nil
	}
	r.finishStart(ctx)
}

// readyExpired removes everyone that did not load in time.
func (r *Room) readyExpired(ctx context.Context) {
	r.readyTimer = nil
	if r.state != Started || !r.loading {
		return
	}
	for _, p := range r.Players() {
		if p.Ready {
			continue
		}
		r.logger.Info("removing player that did not load", "client", p.ClientID)
		conn := p.conn
		if err := r.Leave(ctx, p.ClientID, protocol.ReasonError); err != nil {
			r.logger.Warn("leave failed", "client", p.ClientID, "err", err)
		}
		conn.Disconnect(protocol.ReasonCustom, "did not load in time")
	}
	if r.state == Started && r.loading {
		r.finishStart(ctx)
	}
}

// finishStart replaces the lobby with the ship once every player is ready.
func (r *Room) finishStart(ctx context.Context) {
	r.loading = false
	var msgs []protocol.GameDataMessage
	if lobby := r.objects.Find(KindLobbyBehaviour); lobby != nil {
		r.objects.Despawn(lobby.NetID)
		msgs = append(msgs, &protocol.Despawn{NetID: lobby.NetID})
	}
	msgs = append(msgs, r.objects.Spawn(SpawnShipStatus, protocol.ServerClientID, 0))
	r.Queue(msgs...)
}

// EndGame ends the game on behalf of from.
func (r *Room) EndGame(ctx context.Context, from int32, reason protocol.GameOverReason) error {
	if from != protocol.ServerClientID && !r.CanHost(from) {
		return ErrHackingSuspected
	}
	if r.state != Started {
		return fmt.Errorf("end from %s: %w", r.state, ErrInvalidState)
	}
	r.state = Ended
	if r.hooks.GameEnd.Emit(ctx, &GameEndEvent{Room: r, Reason: reason}) == event.Cancel {
		r.state = Started
		return ErrOperationCanceled
	}
	if r.readyTimer != nil {
		r.readyTimer.Stop()
		r.readyTimer = nil
	}
	r.loading = false
	for _, p := range r.Perspectives() {
		p.Destroy(ctx, false)
	}
	env := Envelope{Messages: []protocol.RootMessage{
		&protocol.EndGame{Code: r.code, Reason: reason},
	}}
	despawns := r.objects.DespawnAll()
	// Player-hosted clients clear their own objects on the end screen.
	if r.cfg.ServerAuthoritative {
		env.GameData = despawns
	}
	r.outgoing = nil
	r.logger.Info("game ended", "reason", reason)
	r.notify(event.GameEnded, from)
	return r.Broadcast(ctx, env)
}

// Destroy tears the room down. It is terminal and idempotent.
func (r *Room) Destroy(ctx context.Context, reason protocol.DisconnectReason) {
	if r.state == Destroyed {
		return
	}
	for _, p := range r.Perspectives() {
		p.Destroy(ctx, false)
	}
	r.state = Destroyed
	r.stopTimers()

	remove := protocol.EncodeRoot(&protocol.RemoveGame{Reason: reason})
	for _, p := range r.Players() {
		if err := p.conn.Send(remove, true); err != nil {
			r.logger.Warn("failed to send remove game", "client", p.ClientID, "err", err)
		}
		p.conn.SetRoom(0)
	}
	for _, c := range r.waiting {
		c.SetRoom(0)
	}
	r.waiting = nil
	if r.dir != nil && r.fork == nil {
		r.dir.Remove(r.code)
	}
	r.logger.Info("room destroyed", "reason", reason)
	if r.announced {
		r.notify(event.RoomDestroyed, 0)
	}
}

// AlterGame changes the public/private flag on behalf of the host.
func (r *Room) AlterGame(ctx context.Context, from int32, flag, value uint8) error {
	if !r.CanHost(from) {
		return ErrHackingSuspected
	}
	if flag != protocol.AlterGamePrivacy {
		return nil
	}
	r.public = value == 1
	return r.Broadcast(ctx, Envelope{Messages: []protocol.RootMessage{
		&protocol.AlterGame{Code: r.code, Flag: flag, Value: value},
	}})
}

// PlatformIds lists the platform of every player.
func (r *Room) PlatformIds() *protocol.PlatformIds {
	m := &protocol.PlatformIds{Code: r.code}
	for _, p := range r.Players() {
		m.Entries = append(m.Entries, protocol.PlatformEntry{Platform: p.Platform, Name: p.Name})
	}
	return m
}
