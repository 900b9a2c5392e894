package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PointEntry is one row of the point ledger.
type PointEntry struct {
	UserID    string
	Amount    int
	Reason    string
	CreatedAt time.Time
}

// Memory is an in-process Store used for local development and tests.
// Records are copied on the way in and out so callers cannot mutate state
// behind the lock.
type Memory struct {
	// AutoProvision creates a default user on the first FindUser for an
	// unknown id instead of returning ErrNotFound.
	AutoProvision bool

	mu       sync.Mutex
	users    map[string]*User
	rooms    map[string]*Room
	messages []*Message
	ledger   []PointEntry
	now      func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]*User),
		rooms: make(map[string]*Room),
		now:   time.Now,
	}
}

// PutUser inserts or replaces a user record.
func (m *Memory) PutUser(u *User) {
	m.mu.Lock()
	m.users[u.ID] = copyUser(u)
	m.mu.Unlock()
}

func (m *Memory) FindUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		if !m.AutoProvision || id == "" {
			return nil, fmt.Errorf("store: user %s: %w", id, ErrNotFound)
		}
		u = &User{ID: id, Nickname: id, Points: DefaultPoints}
		m.users[id] = u
	}
	return copyUser(u), nil
}

func (m *Memory) DebitPoints(_ context.Context, id string, amount int, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return 0, fmt.Errorf("store: user %s: %w", id, ErrNotFound)
	}
	if u.Points < amount {
		return u.Points, ErrInsufficientPoints
	}
	u.Points -= amount
	m.ledger = append(m.ledger, PointEntry{UserID: id, Amount: -amount, Reason: reason, CreatedAt: m.now()})
	return u.Points, nil
}

// Ledger returns a copy of the point history for userID.
func (m *Memory) Ledger(userID string) []PointEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PointEntry
	for _, e := range m.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) CreateRoom(_ context.Context, participants []string) (*Room, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("store: create room: need at least two participants, got %d", len(participants))
	}
	r := &Room{
		ID:           uuid.New().String(),
		Participants: append([]string(nil), participants...),
		Active:       true,
		CreatedAt:    m.now(),
	}

	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()
	return copyRoom(r), nil
}

func (m *Memory) FindRoom(_ context.Context, id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("store: room %s: %w", id, ErrNotFound)
	}
	return copyRoom(r), nil
}

func (m *Memory) EndRoom(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return false, fmt.Errorf("store: room %s: %w", id, ErrNotFound)
	}
	if !r.Active {
		return false, nil
	}
	r.Active = false
	r.EndedAt = m.now()
	return true, nil
}

func (m *Memory) SaveMessage(_ context.Context, msg *Message) (*Message, error) {
	saved := *msg
	saved.ID = uuid.New().String()
	if saved.Type == "" {
		saved.Type = MessageText
	}
	if saved.Timestamp.IsZero() {
		saved.Timestamp = m.now()
	}

	m.mu.Lock()
	m.messages = append(m.messages, &saved)
	m.mu.Unlock()

	out := saved
	return &out, nil
}

// RoomMessages returns the messages saved for roomID in insertion order.
func (m *Memory) RoomMessages(roomID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.messages {
		if msg.RoomID == roomID {
			out = append(out, *msg)
		}
	}
	return out
}

func (m *Memory) Close() error { return nil }

func copyUser(u *User) *User {
	c := *u
	c.Interests = append([]string(nil), u.Interests...)
	c.BlockedUsers = append([]string(nil), u.BlockedUsers...)
	return &c
}

func copyRoom(r *Room) *Room {
	c := *r
	c.Participants = append([]string(nil), r.Participants...)
	return &c
}
