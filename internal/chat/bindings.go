package chat

import (
	"sort"
	"sync"
)

// Bindings records which room each connected user is attached to, with a
// reverse index of room members for relaying. A user has at most one
// binding.
type Bindings struct {
	mu       sync.RWMutex
	userRoom map[string]string
	members  map[string]map[string]struct{}
}

// NewBindings creates an empty binding table.
func NewBindings() *Bindings {
	return &Bindings{
		userRoom: make(map[string]string),
		members:  make(map[string]map[string]struct{}),
	}
}

// Bind attaches userID to roomID. It returns the room the user was bound to
// before, if any.
func (b *Bindings) Bind(userID, roomID string) (prev string, hadPrev bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, hadPrev = b.userRoom[userID]
	if hadPrev && prev != roomID {
		b.removeMemberLocked(prev, userID)
	}
	b.userRoom[userID] = roomID
	set, ok := b.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		b.members[roomID] = set
	}
	set[userID] = struct{}{}
	return prev, hadPrev
}

// Unbind detaches userID if it is bound to roomID.
func (b *Bindings) Unbind(userID, roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.userRoom[userID]; !ok || cur != roomID {
		return false
	}
	delete(b.userRoom, userID)
	b.removeMemberLocked(roomID, userID)
	return true
}

// UnbindRoom detaches every member of roomID and returns them.
func (b *Bindings) UnbindRoom(roomID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.members[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		delete(b.userRoom, id)
		out = append(out, id)
	}
	delete(b.members, roomID)
	sort.Strings(out)
	return out
}

// RoomOf returns the room userID is bound to.
func (b *Bindings) RoomOf(userID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.userRoom[userID]
	return r, ok
}

// Members returns the users bound to roomID, sorted.
func (b *Bindings) Members(roomID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.members[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Bindings) removeMemberLocked(roomID, userID string) {
	set := b.members[roomID]
	delete(set, userID)
	if len(set) == 0 {
		delete(b.members, roomID)
	}
}
