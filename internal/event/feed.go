package event

import (
	"sync"
	"time"
)

// Notice kinds published by rooms.
const (
	RoomCreated   = "room_created"
	RoomDestroyed = "room_destroyed"
	PlayerJoined  = "player_joined"
	PlayerLeft    = "player_left"
	HostChanged   = "host_changed"
	GameStarted   = "game_started"
	GameEnded     = "game_ended"
)

// Notice is a read-only record of something that happened on the loop.
type Notice struct {
	Kind     string    `json:"kind"`
	Room     string    `json:"room"`
	ClientID int32     `json:"client_id,omitempty"`
	At       time.Time `json:"at"`
}

// Feed fans notices out to subscribers. Slow subscribers miss notices
// rather than stalling the publisher.
type Feed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Notice
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Notice)}
}

// Publish delivers n to every subscriber with buffer space.
func (f *Feed) Publish(n Notice) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a channel of notices and a function that ends the
// subscription and closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Notice, func()) {
	ch := make(chan Notice, buffer)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
