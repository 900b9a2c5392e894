// Package store defines the persistent records the chat core reads and
// mutates (users, rooms, messages) together with their PostgreSQL and
// in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or room does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientPoints is returned by DebitPoints when the balance is
	// lower than the requested amount. The balance is left untouched.
	ErrInsufficientPoints = errors.New("store: insufficient points")
)

// Gender values stored on a user record. An empty string means unspecified.
const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"
)

// Message types accepted by SaveMessage.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageSystem = "system"
)

// DefaultPoints is the balance a freshly provisioned user starts with.
const DefaultPoints = 100

// User is the subset of a user profile consulted by matchmaking.
type User struct {
	ID             string
	Nickname       string
	ProfileImage   string
	Gender         string
	Interests      []string
	Personality    string // MBTI-style tag, e.g. "INTJ"
	RatingAverage  float64
	RatingCount    int
	BlockedUsers   []string
	Banned         bool
	SuspendedUntil time.Time // zero when not suspended
	Points         int
}

// Suspended reports whether the suspension is still in effect at now.
func (u *User) Suspended(now time.Time) bool {
	return !u.SuspendedUntil.IsZero() && now.Before(u.SuspendedUntil)
}

// Blocks reports whether u has userID on its block list.
func (u *User) Blocks(userID string) bool {
	for _, id := range u.BlockedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Room is a conversation between matched users. Once Active is false it
// never becomes true again.
type Room struct {
	ID           string
	Participants []string
	Active       bool
	CreatedAt    time.Time
	EndedAt      time.Time
}

// HasParticipant reports whether userID is one of the room's participants.
func (r *Room) HasParticipant(userID string) bool {
	for _, id := range r.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message.
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	SenderNickname string
	Content        string
	Type           string
	IsRead         bool
	Timestamp      time.Time
}

// Users is the user directory consumed by the matcher.
type Users interface {
	FindUser(ctx context.Context, id string) (*User, error)
	// DebitPoints subtracts amount from the user's balance and returns the
	// remaining balance, or ErrInsufficientPoints.
	DebitPoints(ctx context.Context, id string, amount int, reason string) (int, error)
}

// Rooms persists chat rooms.
type Rooms interface {
	CreateRoom(ctx context.Context, participants []string) (*Room, error)
	FindRoom(ctx context.Context, id string) (*Room, error)
	// EndRoom marks the room inactive. It reports whether this call performed
	// the transition; ending an already ended room returns false, nil.
	EndRoom(ctx context.Context, id string) (bool, error)
}

// Messages persists chat messages.
type Messages interface {
	SaveMessage(ctx context.Context, msg *Message) (*Message, error)
}

// Store groups every persistence concern behind one handle.
type Store interface {
	Users
	Rooms
	Messages
	Close() error
}
