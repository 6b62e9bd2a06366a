package room

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skeld/internal/protocol"
)

// Envelope describes one broadcast.
type Envelope struct {
	GameData []protocol.GameDataMessage
	Messages []protocol.RootMessage
	// PerRecipient appends root messages that differ per recipient.
	PerRecipient func(clientID int32) []protocol.RootMessage
	// Include restricts delivery to these clients; game data is then sent
	// as GameDataTo addressed to each of them.
	Include    []int32
	Exclude    []int32
	Unreliable bool

	origin uuid.UUID
	sender int32
}

func (e Envelope) empty() bool {
	return len(e.GameData) == 0 && len(e.Messages) == 0 && e.PerRecipient == nil
}

// Broadcast sends env to the room's players. Players claimed by a
// perspective are skipped here and receive the traffic through that
// perspective's incoming filter instead. Send failures are logged and the
// first one is returned after every send has finished.
func (r *Room) Broadcast(ctx context.Context, env Envelope) error {
	if r.fork != nil {
		return r.fork.broadcast(ctx, env)
	}
	err := r.broadcastDirect(ctx, env)
	for _, p := range r.perspectives {
		if p.id == env.origin {
			continue
		}
		p.receive(ctx, env)
	}
	return err
}

func (r *Room) recipients(env Envelope) []*Player {
	var out []*Player
	for _, id := range r.order {
		if len(env.Include) > 0 && !slices.Contains(env.Include, id) {
			continue
		}
		if slices.Contains(env.Exclude, id) {
			continue
		}
		if _, claimed := r.claims[id]; claimed {
			continue
		}
		if r.fork != nil {
			if _, member := r.fork.members[id]; !member {
				continue
			}
		}
		out = append(out, r.players[id])
	}
	return out
}

func (r *Room) envelopeMessages(env Envelope, clientID int32) []protocol.RootMessage {
	msgs := slices.Clone(env.Messages)
	if len(env.GameData) > 0 {
		if len(env.Include) > 0 {
			msgs = append(msgs, &protocol.GameDataTo{Code: r.code, Target: clientID, Messages: env.GameData})
		} else {
			msgs = append(msgs, &protocol.GameData{Code: r.code, Messages: env.GameData})
		}
	}
	if env.PerRecipient != nil {
		msgs = append(msgs, env.PerRecipient(clientID)...)
	}
	return msgs
}

// broadcastDirect fans env out to this room's own recipients. Sends run
// concurrently and are joined before returning.
func (r *Room) broadcastDirect(ctx context.Context, env Envelope) error {
	if env.empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	recipients := r.recipients(env)
	if len(recipients) == 0 {
		return nil
	}

	individual := len(env.Include) > 0 || env.PerRecipient != nil
	var shared []byte
	if !individual {
		shared = protocol.EncodeRoot(r.envelopeMessages(env, 0)...)
	}

	var g errgroup.Group
	for _, p := range recipients {
		payload := shared
		if individual {
			payload = protocol.EncodeRoot(r.envelopeMessages(env, p.ClientID)...)
		}
		if len(payload) == 0 {
			continue
		}
		conn := p.conn
		g.Go(func() error {
			if err := conn.Send(payload, !env.Unreliable); err != nil {
				return fmt.Errorf("send to client %d: %w", conn.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		r.logger.Warn("broadcast incomplete", "err", err)
	}
	return err
}

// SendTo delivers root messages reliably to a single member, bypassing
// perspective filters.
func (r *Room) SendTo(clientID int32, msgs ...protocol.RootMessage) error {
	p, ok := r.players[clientID]
	if !ok {
		return ErrPlayerNotFound
	}
	return p.conn.Send(protocol.EncodeRoot(msgs...), true)
}

// Queue appends game data to the outgoing buffer flushed by the next tick.
func (r *Room) Queue(msgs ...protocol.GameDataMessage) {
	r.outgoing = append(r.outgoing, msgs...)
}

// Tick serializes dirty objects into the outgoing buffer and flushes it with
// a single broadcast. A perspective flushes to its own players only.
func (r *Room) Tick(ctx context.Context) {
	if r.state == Destroyed {
		return
	}
	for _, o := range r.objects.Objects() {
		if o.dirty {
			o.dirty = false
			r.outgoing = append(r.outgoing, &protocol.Data{NetID: o.NetID, Data: o.Encode()})
		}
	}
	if len(r.outgoing) == 0 {
		return
	}
	msgs := r.outgoing
	r.outgoing = nil
	if r.fork != nil {
		r.broadcastDirect(ctx, Envelope{GameData: msgs})
		return
	}
	r.Broadcast(ctx, Envelope{GameData: msgs})
}
