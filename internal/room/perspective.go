package room

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"skeld/internal/loop"
	"skeld/internal/protocol"
)

// Perspective is a forked view of a room shown to a subset of its players.
// Traffic from the parent passes the incoming filter before reaching those
// players; traffic they generate passes the outgoing filter before it is
// re-injected into the parent.
type Perspective struct {
	*Room
	parent   *Room
	incoming *Filter
	outgoing *Filter
	origins  map[protocol.GameDataMessage]struct{}
	active   bool
}

func (r *Room) perspective(id uuid.UUID) *Perspective {
	for _, p := range r.perspectives {
		if p.id == id {
			return p
		}
	}
	return nil
}

// CreatePerspective forks the room for the given players. Each player may
// belong to at most one perspective, and perspectives cannot be nested.
func (r *Room) CreatePerspective(ctx context.Context, clientIDs ...int32) (*Perspective, error) {
	if r.fork != nil {
		return nil, ErrNestedPerspective
	}
	if r.state == Destroyed {
		return nil, ErrGameNotFound
	}
	if len(clientIDs) == 0 {
		return nil, fmt.Errorf("perspective needs players: %w", ErrPlayerNotFound)
	}
	members := make(map[int32]struct{}, len(clientIDs))
	for _, id := range clientIDs {
		if _, ok := r.players[id]; !ok {
			return nil, fmt.Errorf("perspective player %d: %w", id, ErrPlayerNotFound)
		}
		if _, ok := r.claims[id]; ok {
			return nil, fmt.Errorf("perspective player %d: %w", id, ErrPlayerClaimed)
		}
		members[id] = struct{}{}
	}

	cfg := r.cfg
	cfg.EmptyTimeout = 0
	id := uuid.New()
	fork := &Room{
		id:          id,
		code:        r.code,
		createdAt:   r.sched.Now(),
		state:       r.state,
		settings:    r.settings,
		public:      r.public,
		cfg:         cfg,
		players:     make(map[int32]*Player, len(r.players)),
		order:       slices.Clone(r.order),
		authority:   r.authority,
		actingHosts: slices.Clone(r.actingHosts),
		bans:        maps.Clone(r.bans),
		objects:     r.objects.Clone(),
		claims:      make(map[int32]uuid.UUID),
		guards:      make(map[uint32]uuid.UUID),
		sched:       r.sched,
		logger:      r.logger.With("perspective", id.String()),
		hooks:       &Hooks{},
		dir:         r.dir,
	}
	for pid, pl := range r.players {
		cp := *pl
		fork.players[pid] = &cp
	}
	p := &Perspective{
		Room:     fork,
		parent:   r,
		incoming: NewFilter(),
		outgoing: NewFilter(),
		origins:  make(map[protocol.GameDataMessage]struct{}),
		active:   true,
	}
	fork.fork = &forkHooks{parent: r, members: members, broadcast: p.Broadcast}
	if cfg.TickInterval > 0 {
		fork.tickTimer = loop.Every(r.sched, cfg.TickInterval, func() { fork.Tick(context.Background()) })
	}
	for cid := range members {
		r.claims[cid] = id
	}
	r.perspectives = append(r.perspectives, p)
	p.logger.Info("perspective created", "players", p.Members())
	return p, nil
}

func (p *Perspective) Parent() *Room     { return p.parent }
func (p *Perspective) Incoming() *Filter { return p.incoming }
func (p *Perspective) Outgoing() *Filter { return p.outgoing }
func (p *Perspective) Active() bool      { return p.active }

// Members returns the players shown this perspective, in join order.
func (p *Perspective) Members() []int32 {
	return lo.Filter(p.order, func(id int32, _ int) bool {
		_, ok := p.fork.members[id]
		return ok
	})
}

// Originate applies msgs to the perspective and broadcasts them. They skip
// the outgoing filter the first time they cross into the parent.
func (p *Perspective) Originate(ctx context.Context, msgs ...protocol.GameDataMessage) error {
	for _, m := range msgs {
		p.origins[m] = struct{}{}
		p.apply(m)
	}
	return p.Broadcast(ctx, Envelope{GameData: msgs})
}

// Broadcast delivers env to the perspective's players and forwards the game
// data that passes the outgoing filter to the parent.
func (p *Perspective) Broadcast(ctx context.Context, env Envelope) error {
	err := p.Room.broadcastDirect(ctx, env)
	if !p.active {
		return err
	}
	var up []protocol.GameDataMessage
	for _, m := range env.GameData {
		if _, ok := p.origins[m]; ok {
			delete(p.origins, m)
			up = append(up, m)
			continue
		}
		fm := &FilterMessage{Kind: protocol.KindOf(m), GameData: m}
		if p.outgoing.Pass(ctx, fm) && fm.GameData != nil {
			up = append(up, fm.GameData)
		}
	}
	if len(up) == 0 {
		return err
	}
	if perr := p.parent.inject(ctx, p.id, Envelope{
		GameData: up,
		Include:  env.Include,
		Exclude:  env.Exclude,
		sender:   env.sender,
	}); err == nil {
		err = perr
	}
	return err
}

// BroadcastLocal delivers env to the perspective's players only.
func (p *Perspective) BroadcastLocal(ctx context.Context, env Envelope) error {
	return p.Room.broadcastDirect(ctx, env)
}

// inject applies game data forwarded by a perspective and relays it to
// everyone else. Objects guarded by another room or perspective are left
// alone.
func (r *Room) inject(ctx context.Context, origin uuid.UUID, env Envelope) error {
	if r.state == Destroyed {
		return nil
	}
	var msgs []protocol.GameDataMessage
	for _, m := range env.GameData {
		if netID, ok := netIDOf(m); ok {
			if owner, guarded := r.guards[netID]; guarded && owner != origin {
				continue
			}
		}
		r.apply(m)
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil
	}
	env.GameData = msgs
	env.origin = origin
	return r.Broadcast(ctx, env)
}

// receive takes a parent broadcast through the incoming filter.
func (p *Perspective) receive(ctx context.Context, env Envelope) {
	if !p.active || p.state == Destroyed {
		return
	}
	local := Envelope{
		Include:    env.Include,
		Exclude:    env.Exclude,
		Unreliable: env.Unreliable,
		sender:     env.sender,
	}
	for _, m := range p.incoming.gameData(ctx, env.GameData) {
		if netID, ok := netIDOf(m); ok {
			if owner, guarded := p.GuardedBy(netID); guarded && owner == p.id {
				continue
			}
		}
		p.apply(m)
		local.GameData = append(local.GameData, m)
	}
	local.Messages = p.incoming.roots(ctx, env.Messages)
	if env.PerRecipient != nil {
		per := env.PerRecipient
		local.PerRecipient = func(clientID int32) []protocol.RootMessage {
			return p.incoming.roots(ctx, per(clientID))
		}
	}
	if err := p.Room.broadcastDirect(ctx, local); err != nil {
		p.logger.Debug("perspective delivery incomplete", "err", err)
	}
}

// dropPlayer forgets a player that left the parent. A perspective that loses
// its last member is destroyed.
func (p *Perspective) dropPlayer(ctx context.Context, clientID int32) {
	delete(p.players, clientID)
	p.order = slices.DeleteFunc(p.order, func(id int32) bool { return id == clientID })
	if _, member := p.fork.members[clientID]; !member {
		return
	}
	delete(p.fork.members, clientID)
	if len(p.fork.members) == 0 {
		if err := p.Destroy(ctx, false); err != nil {
			p.logger.Warn("perspective teardown failed", "err", err)
		}
	}
}

func (p *Perspective) syncAuthority() {
	p.authority = p.parent.authority
	p.actingHosts = slices.Clone(p.parent.actingHosts)
}

// Destroy closes the perspective and returns its players to the parent.
// With restore set the players are first sent whatever it takes to bring
// their view back in line with the parent.
func (p *Perspective) Destroy(ctx context.Context, restore bool) error {
	if !p.active {
		return nil
	}
	p.active = false
	members := p.Members()

	var err error
	if restore && p.parent.state != Destroyed {
		err = p.restore(ctx, members)
	}

	for _, id := range members {
		if p.parent.claims[id] == p.id {
			delete(p.parent.claims, id)
		}
	}
	p.parent.releaseGuards(p.id)
	p.parent.perspectives = slices.DeleteFunc(p.parent.perspectives, func(q *Perspective) bool { return q == p })
	p.stopTimers()
	p.state = Destroyed
	p.logger.Info("perspective destroyed", "restored", restore)
	return err
}

func (p *Perspective) restore(ctx context.Context, members []int32) error {
	env := Envelope{Include: members}
	var firstErr error
	for _, batch := range batches(reconcile(p.objects, p.parent.objects), maxBatchBytes) {
		env.GameData = batch
		if err := p.Room.broadcastDirect(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	stale := slices.ContainsFunc(members, func(id int32) bool {
		return p.HostIDFor(id) != p.parent.HostIDFor(id)
	})
	if stale {
		parent := p.parent
		err := p.Room.broadcastDirect(ctx, Envelope{PerRecipient: func(id int32) []protocol.RootMessage {
			host := parent.HostIDFor(id)
			return []protocol.RootMessage{
				&protocol.PlayerJoined{Code: parent.code, ClientID: protocol.TempClientID, HostID: host},
				&protocol.RemovePlayer{Code: parent.code, ClientID: protocol.TempClientID, HostID: host, Reason: protocol.ReasonExitGame},
			}
		}})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
