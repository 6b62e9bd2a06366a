package room

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"skeld/internal/event"
	"skeld/internal/protocol"
)

// IsAuthority reports whether clientID is the host of a player-hosted room.
// No client is the authority of a server-authoritative room.
func (r *Room) IsAuthority(clientID int32) bool {
	return !r.cfg.ServerAuthoritative && clientID == r.authority
}

func (r *Room) IsActingHost(clientID int32) bool {
	return lo.Contains(r.actingHosts, clientID)
}

// CanHost reports whether clientID may issue host-only commands.
func (r *Room) CanHost(clientID int32) bool {
	return r.IsAuthority(clientID) || r.IsActingHost(clientID)
}

// HostIDFor returns the host id a recipient is told about. In a
// server-authoritative room acting hosts see themselves as host and everyone
// else sees the first acting host, or the server when there is none.
func (r *Room) HostIDFor(recipient int32) int32 {
	if !r.cfg.ServerAuthoritative {
		return r.authority
	}
	if r.IsActingHost(recipient) {
		return recipient
	}
	if len(r.actingHosts) > 0 {
		return r.actingHosts[0]
	}
	return protocol.ServerClientID
}

// selectHost picks a new host after previous left a player-hosted room.
func (r *Room) selectHost(ctx context.Context, previous int32) {
	if len(r.order) == 0 {
		r.authority = protocol.NilClientID
		return
	}
	e := &SelectHostEvent{Room: r, Previous: previous, Candidate: r.order[0]}
	if r.hooks.SelectHost.Emit(ctx, e) == event.Cancel {
		r.logger.Info("host selection canceled, room has no host", "previous", previous)
		r.authority = protocol.NilClientID
		return
	}
	if _, ok := r.players[e.Candidate]; !ok {
		r.logger.Warn("host candidate not in room, using first player", "candidate", e.Candidate)
		e.Candidate = r.order[0]
	}
	r.authority = e.Candidate
	r.logger.Info("host migrated", "previous", previous, "host", r.authority)
	r.notify(event.HostChanged, r.authority)
}

// offerActingHost runs the ActingHostAdd hook and records clientID on success.
func (r *Room) offerActingHost(ctx context.Context, clientID int32) bool {
	if r.IsActingHost(clientID) {
		return true
	}
	if r.hooks.ActingHostAdd.Emit(ctx, &ActingHostEvent{Room: r, ClientID: clientID}) == event.Cancel {
		return false
	}
	r.actingHosts = append(r.actingHosts, clientID)
	r.notify(event.HostChanged, clientID)
	return true
}

// hostUpdate moves every client's host marker using the placeholder id:
// joining and removing the temporary client carries the new host id.
func (r *Room) hostUpdate(ctx context.Context) error {
	return r.Broadcast(ctx, Envelope{PerRecipient: func(id int32) []protocol.RootMessage {
		host := r.HostIDFor(id)
		return []protocol.RootMessage{
			&protocol.PlayerJoined{Code: r.code, ClientID: protocol.TempClientID, HostID: host},
			&protocol.RemovePlayer{Code: r.code, ClientID: protocol.TempClientID, HostID: host, Reason: protocol.ReasonExitGame},
		}
	}})
}

// SetHost hands authority of a player-hosted room to clientID. In a
// server-authoritative room it adds clientID as an acting host instead.
func (r *Room) SetHost(ctx context.Context, clientID int32) error {
	if r.cfg.ServerAuthoritative {
		return r.AddActingHost(ctx, clientID)
	}
	if _, ok := r.players[clientID]; !ok {
		return fmt.Errorf("set host %d: %w", clientID, ErrPlayerNotFound)
	}
	if r.authority == clientID {
		return nil
	}
	r.authority = clientID
	r.notify(event.HostChanged, clientID)
	return r.hostUpdate(ctx)
}

// AddActingHost grants host-only client behavior to a player of a
// server-authoritative room.
func (r *Room) AddActingHost(ctx context.Context, clientID int32) error {
	if !r.cfg.ServerAuthoritative {
		return fmt.Errorf("acting hosts need a server-authoritative room: %w", ErrInvalidState)
	}
	if _, ok := r.players[clientID]; !ok {
		return fmt.Errorf("add acting host %d: %w", clientID, ErrPlayerNotFound)
	}
	if r.IsActingHost(clientID) {
		return nil
	}
	if !r.offerActingHost(ctx, clientID) {
		return ErrOperationCanceled
	}
	return r.hostUpdate(ctx)
}

func (r *Room) RemoveActingHost(ctx context.Context, clientID int32) error {
	if !r.IsActingHost(clientID) {
		return nil
	}
	r.actingHosts = lo.Without(r.actingHosts, clientID)
	return r.hostUpdate(ctx)
}
