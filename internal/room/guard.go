package room

import (
	"fmt"

	"github.com/google/uuid"

	"skeld/internal/protocol"
)

// canonical returns the room that owns the guard table: the room itself, or
// the parent of a perspective.
func (r *Room) canonical() *Room {
	if r.fork == nil {
		return r
	}
	return r.fork.parent
}

// Guard pins an object to this room or perspective. Other forks leave a
// guarded object alone.
func (r *Room) Guard(netID uint32) error {
	root := r.canonical()
	if root == nil {
		return ErrGameNotFound
	}
	if owner, ok := root.guards[netID]; ok && owner != r.id {
		return fmt.Errorf("guard %d: %w", netID, ErrObjectGuarded)
	}
	root.guards[netID] = r.id
	return nil
}

// Disown releases a guard held by this room or perspective.
func (r *Room) Disown(netID uint32) {
	root := r.canonical()
	if root == nil {
		return
	}
	if root.guards[netID] == r.id {
		delete(root.guards, netID)
	}
}

// GuardedBy reports which room or perspective holds the guard on an object.
func (r *Room) GuardedBy(netID uint32) (uuid.UUID, bool) {
	root := r.canonical()
	if root == nil {
		return uuid.Nil, false
	}
	owner, ok := root.guards[netID]
	return owner, ok
}

// mayMutate reports whether this room may change an object.
func (r *Room) mayMutate(netID uint32) bool {
	owner, ok := r.GuardedBy(netID)
	return !ok || owner == r.id
}

func (r *Room) guardAllows(m protocol.GameDataMessage) bool {
	netID, ok := netIDOf(m)
	return !ok || r.mayMutate(netID)
}

func (r *Room) releaseGuards(owner uuid.UUID) {
	for netID, o := range r.guards {
		if o == owner {
			delete(r.guards, netID)
		}
	}
}
