// Package room implements game rooms: roster, authority, lifecycle, the
// network object graph, broadcast fan-out and perspectives.
//
// Every exported method must be called on the server's event loop.
package room

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"skeld/internal/event"
	"skeld/internal/loop"
	"skeld/internal/protocol"
)

// Lifecycle is a room's lifecycle state.
type Lifecycle int

const (
	NotStarted Lifecycle = iota
	Started
	Ended
	Destroyed
)

func (s Lifecycle) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// Config holds per-room limits.
type Config struct {
	MaxPlayers          int
	EmptyTimeout        time.Duration
	TickInterval        time.Duration
	ReadyTimeout        time.Duration
	ServerAuthoritative bool
}

// Player is a roster entry.
type Player struct {
	ClientID int32
	Name     string
	Platform protocol.Platform
	Level    uint32
	JoinedAt time.Time
	Ready    bool
	conn     Conn
}

func (p *Player) Conn() Conn { return p.conn }

// Options wires a room to the rest of the server.
type Options struct {
	Config    Config
	Settings  protocol.GameSettings
	Scheduler loop.Scheduler
	Logger    *slog.Logger
	Hooks     *Hooks
	Directory Directory
	Feed      *event.Feed
}

// Room is one game session.
type Room struct {
	id        uuid.UUID
	code      int32
	createdAt time.Time
	state     Lifecycle
	settings  protocol.GameSettings
	public    bool
	cfg       Config

	players     map[int32]*Player
	order       []int32
	authority   int32
	actingHosts []int32
	waiting     []Conn
	bans        map[string]struct{}

	objects  *Graph
	outgoing []protocol.GameDataMessage

	perspectives []*Perspective
	claims       map[int32]uuid.UUID
	guards       map[uint32]uuid.UUID

	sched  loop.Scheduler
	logger *slog.Logger
	hooks  *Hooks
	dir    Directory
	feed   *event.Feed

	emptyTimer loop.Timer
	tickTimer  loop.Timer
	readyTimer loop.Timer
	// loading is set from a server-authoritative start until the ship spawns.
	loading bool

	announced bool

	// fork is set on the room embedded in a Perspective.
	fork *forkHooks
}

// forkHooks redirects a perspective room's traffic through its filters.
type forkHooks struct {
	parent    *Room
	members   map[int32]struct{}
	broadcast func(ctx context.Context, env Envelope) error
}

// New creates a room. The empty-room timer starts immediately.
func New(code int32, opts Options) *Room {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hooks == nil {
		opts.Hooks = &Hooks{}
	}
	cfg := opts.Config
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = 15
	}
	if n := int(opts.Settings.MaxPlayers); n > 0 && n < cfg.MaxPlayers {
		cfg.MaxPlayers = n
	}
	r := &Room{
		id:        uuid.New(),
		code:      code,
		createdAt: opts.Scheduler.Now(),
		settings:  opts.Settings,
		cfg:       cfg,
		players:   make(map[int32]*Player),
		authority: protocol.NilClientID,
		bans:      make(map[string]struct{}),
		objects:   NewGraph(),
		claims:    make(map[int32]uuid.UUID),
		guards:    make(map[uint32]uuid.UUID),
		sched:     opts.Scheduler,
		logger:    opts.Logger.With("room", protocol.FormatGameCode(code)),
		hooks:     opts.Hooks,
		dir:       opts.Directory,
		feed:      opts.Feed,
	}
	if cfg.ServerAuthoritative {
		r.authority = protocol.ServerClientID
		r.spawnLobby()
	}
	if cfg.EmptyTimeout > 0 {
		r.emptyTimer = r.sched.After(cfg.EmptyTimeout, r.expire)
	}
	if cfg.TickInterval > 0 {
		r.tickTimer = loop.Every(r.sched, cfg.TickInterval, func() { r.Tick(context.Background()) })
	}
	return r
}

// Announce publishes the room's creation once it is registered. A room that
// is never announced publishes no creation or destruction notice.
func (r *Room) Announce() {
	if r.announced {
		return
	}
	r.announced = true
	r.notify(event.RoomCreated, 0)
}

func (r *Room) ID() uuid.UUID                   { return r.id }
func (r *Room) Code() int32                     { return r.code }
func (r *Room) CodeString() string              { return protocol.FormatGameCode(r.code) }
func (r *Room) State() Lifecycle                { return r.state }
func (r *Room) CreatedAt() time.Time            { return r.createdAt }
func (r *Room) Settings() protocol.GameSettings { return r.settings }
func (r *Room) Public() bool                    { return r.public }
func (r *Room) MaxPlayers() int                 { return r.cfg.MaxPlayers }
func (r *Room) ServerAuthoritative() bool       { return r.cfg.ServerAuthoritative }
func (r *Room) Objects() *Graph                 { return r.objects }
func (r *Room) Authority() int32                { return r.authority }
func (r *Room) ActingHosts() []int32            { return slices.Clone(r.actingHosts) }
func (r *Room) Len() int                        { return len(r.players) }

// Player returns a roster entry.
func (r *Room) Player(clientID int32) (*Player, bool) {
	p, ok := r.players[clientID]
	return p, ok
}

// Players returns the roster in join order.
func (r *Room) Players() []*Player {
	out := make([]*Player, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.players[id])
	}
	return out
}

// Waiting returns the client ids waiting for the host to come back.
func (r *Room) Waiting() []int32 {
	return lo.Map(r.waiting, func(c Conn, _ int) int32 { return c.ID() })
}

// Perspectives returns the active perspectives of the room.
func (r *Room) Perspectives() []*Perspective {
	return slices.Clone(r.perspectives)
}

func (r *Room) notify(kind string, clientID int32) {
	if r.fork != nil {
		return
	}
	r.feed.Publish(event.Notice{Kind: kind, Room: r.CodeString(), ClientID: clientID, At: r.sched.Now()})
}

// spawnLobby creates the server-owned lobby objects that are missing.
func (r *Room) spawnLobby() {
	if r.objects.Find(KindLobbyBehaviour) == nil {
		r.objects.Spawn(SpawnLobbyBehaviour, protocol.ServerClientID, 0)
	}
	if o, _ := r.objects.GameData(); o == nil {
		r.objects.Spawn(SpawnGameData, protocol.ServerClientID, 0)
	}
}

// expire destroys a room that nobody joined in time.
func (r *Room) expire() {
	if len(r.players) > 0 || r.state == Destroyed {
		return
	}
	r.logger.Info("destroying empty room")
	r.Destroy(context.Background(), protocol.ReasonDestroy)
}

func (r *Room) stopTimers() {
	for _, t := range []loop.Timer{r.emptyTimer, r.tickTimer, r.readyTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// Ban refuses future joins from a remote address.
func (r *Room) Ban(address string) {
	r.bans[address] = struct{}{}
}

func (r *Room) Banned(address string) bool {
	_, ok := r.bans[address]
	return ok
}
