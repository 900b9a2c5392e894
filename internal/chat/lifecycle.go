// Package chat holds the room side of the server: which connection is bound
// to which room, the reconnect grace period after a dropped connection, room
// teardown, and frame delivery to room members.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whisper/randomchat/internal/messaging"
	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/protocol"
	"github.com/whisper/randomchat/internal/store"
)

// Reasons a room ends.
const (
	ReasonLeft    = "left"
	ReasonTimeout = "timeout"
)

var (
	// ErrRoomEnded is returned when binding to a room that is no longer active.
	ErrRoomEnded = errors.New("chat: room has ended")
	// ErrNotParticipant is returned when the user is not a member of the room.
	ErrNotParticipant = errors.New("chat: not a participant")
)

var endMessages = map[string]string{
	ReasonLeft:    "Your chat partner has left the conversation.",
	ReasonTimeout: "Your chat partner's connection timed out.",
}

// Dequeuer removes a user from matchmaking.
type Dequeuer interface {
	Cancel(userID string) bool
}

// Config holds lifecycle tuning parameters.
type Config struct {
	GracePeriod time.Duration // how long a dropped user may reconnect
	OpTimeout   time.Duration // bound on store calls made from timers
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod: 30 * time.Second,
		OpTimeout:   5 * time.Second,
	}
}

// bindGate tracks BindRoom calls in flight for one room. ended is set when
// the room is torn down while any of them is still between its room lookup
// and the binding.
type bindGate struct {
	pending int
	ended   bool
}

type graceTimer struct {
	timer  *time.Timer
	roomID string
	token  uint64
}

// Lifecycle binds users to rooms and tears rooms down on leave or on an
// expired reconnect grace period.
type Lifecycle struct {
	cfg      Config
	rooms    store.Rooms
	bindings *Bindings
	relay    *Relay
	history  *History
	dequeuer Dequeuer
	events   messaging.Publisher
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*graceTimer
	gates  map[string]*bindGate
	token  uint64
}

// NewLifecycle creates a Lifecycle. history and events may be nil.
func NewLifecycle(cfg Config, rooms store.Rooms, bindings *Bindings, relay *Relay, history *History, events messaging.Publisher, logger *slog.Logger) *Lifecycle {
	if events == nil {
		events = messaging.NopPublisher{}
	}
	return &Lifecycle{
		cfg:      cfg,
		rooms:    rooms,
		bindings: bindings,
		relay:    relay,
		history:  history,
		events:   events,
		logger:   logger.With("component", "lifecycle"),
		timers:   make(map[string]*graceTimer),
		gates:    make(map[string]*bindGate),
	}
}

// SetDequeuer registers the matcher so that binding a room removes the user
// from the queue.
func (l *Lifecycle) SetDequeuer(d Dequeuer) {
	l.dequeuer = d
}

// BindRoom attaches userID to roomID. A pending grace timer for the same
// room is cancelled and the other participants are told the user is back.
// Binding a different room ends the previous one.
func (l *Lifecycle) BindRoom(ctx context.Context, userID, roomID string) (*store.Room, error) {
	l.openGate(roomID)
	defer l.closeGate(roomID)

	room, err := l.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("chat: find room %s: %w", roomID, err)
	}
	if !room.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if !room.Active {
		return nil, ErrRoomEnded
	}

	// The room may have ended since the lookup; endRoom marks the gate and
	// unbinds under the same lock.
	l.mu.Lock()
	if l.gates[roomID].ended {
		l.mu.Unlock()
		return nil, ErrRoomEnded
	}
	prev, hadPrev := l.bindings.Bind(userID, roomID)
	l.mu.Unlock()

	if l.dequeuer != nil {
		l.dequeuer.Cancel(userID)
	}

	if hadPrev && prev != roomID {
		l.logger.Info("switching rooms", "user_id", userID, "from", prev, "to", roomID)
		l.endRoom(ctx, prev, nil, userID, ReasonLeft)
	}

	if l.cancelTimer(userID, roomID) {
		l.relay.Deliver(room.Participants, userID, protocol.TypePartnerReconnected, protocol.PartnerReconnectedMsg{
			RoomID: roomID,
			UserID: userID,
		})
		l.logger.Info("reconnected within grace period", "user_id", userID, "room_id", roomID)
	} else {
		l.logger.Info("bound", "user_id", userID, "room_id", roomID)
	}
	return room, nil
}

// ExplicitLeave ends roomID on behalf of userID. Leaving a room that already
// ended only drops the caller's binding.
func (l *Lifecycle) ExplicitLeave(ctx context.Context, userID, roomID string) error {
	room, err := l.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("chat: find room %s: %w", roomID, err)
	}
	if !room.HasParticipant(userID) {
		return ErrNotParticipant
	}
	if !room.Active {
		l.bindings.Unbind(userID, roomID)
		l.cancelTimer(userID, roomID)
		return nil
	}

	l.endRoom(ctx, roomID, room.Participants, userID, ReasonLeft)
	return nil
}

// ConnectionLost starts the grace period for a bound user whose connection
// dropped. Unbound users are ignored.
func (l *Lifecycle) ConnectionLost(ctx context.Context, userID string) {
	roomID, ok := l.bindings.RoomOf(userID)
	if !ok {
		return
	}

	l.mu.Lock()
	if t, ok := l.timers[userID]; ok {
		t.timer.Stop()
	}
	l.token++
	token := l.token
	l.timers[userID] = &graceTimer{
		roomID: roomID,
		token:  token,
		timer:  time.AfterFunc(l.cfg.GracePeriod, func() { l.expire(userID, roomID, token) }),
	}
	l.mu.Unlock()

	l.relay.BroadcastToRoom(roomID, userID, protocol.TypePartnerConnectionLost, protocol.PartnerConnectionLostMsg{
		RoomID:       roomID,
		UserID:       userID,
		GraceSeconds: int(l.cfg.GracePeriod / time.Second),
	})
	l.logger.Info("connection lost, grace period started",
		"user_id", userID, "room_id", roomID, "grace", l.cfg.GracePeriod)
}

// RoomOf returns the room userID is bound to.
func (l *Lifecycle) RoomOf(userID string) (string, bool) {
	return l.bindings.RoomOf(userID)
}

// Stop cancels every pending grace timer.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.timer.Stop()
		delete(l.timers, id)
	}
}

func (l *Lifecycle) openGate(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[roomID]
	if !ok {
		g = &bindGate{}
		l.gates[roomID] = g
	}
	g.pending++
}

func (l *Lifecycle) closeGate(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.gates[roomID]
	if g.pending--; g.pending == 0 {
		delete(l.gates, roomID)
	}
}

// expire ends the room unless the timer was superseded or the user rebound.
func (l *Lifecycle) expire(userID, roomID string, token uint64) {
	l.mu.Lock()
	t, ok := l.timers[userID]
	if !ok || t.token != token {
		l.mu.Unlock()
		return
	}
	delete(l.timers, userID)
	l.mu.Unlock()

	if cur, ok := l.bindings.RoomOf(userID); !ok || cur != roomID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.OpTimeout)
	defer cancel()

	l.logger.Info("grace period expired", "user_id", userID, "room_id", roomID)
	l.endRoom(ctx, roomID, nil, userID, ReasonTimeout)
}

// cancelTimer stops userID's grace timer if it was armed for roomID.
func (l *Lifecycle) cancelTimer(userID, roomID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.timers[userID]
	if !ok || t.roomID != roomID {
		return false
	}
	t.timer.Stop()
	delete(l.timers, userID)
	return true
}

// endRoom marks the room ended in the store, clears every binding and timer
// for it and notifies the remaining participants. The store update is
// idempotent; only the call that ended the room notifies. If the store
// update fails, local teardown and notification still happen but the room
// is not counted or published as ended.
func (l *Lifecycle) endRoom(ctx context.Context, roomID string, participants []string, actorID, reason string) {
	ended, err := l.rooms.EndRoom(ctx, roomID)

	l.mu.Lock()
	if g, ok := l.gates[roomID]; ok {
		g.ended = true
	}
	members := l.bindings.UnbindRoom(roomID)
	l.mu.Unlock()
	recipients := union(participants, members)
	for _, id := range recipients {
		l.cancelTimer(id, roomID)
	}
	if l.history != nil {
		l.history.Remove(roomID)
	}

	if err == nil && !ended {
		return
	}

	l.relay.Deliver(recipients, actorID, protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{
		RoomID:  roomID,
		UserID:  actorID,
		Reason:  reason,
		Message: endMessages[reason],
	})

	if err != nil {
		l.logger.Error("partial room teardown, store still has the room active",
			"room_id", roomID, "user_id", actorID, "reason", reason, "error", err)
		return
	}

	metrics.RoomEndsTotal.WithLabelValues(reason).Inc()
	metrics.ActiveRooms.Dec()
	if err := l.events.PublishEvent(messaging.SubjectRoomEnded, messaging.RoomEndedEvent{
		RoomID:       roomID,
		UserID:       actorID,
		Reason:       reason,
		Participants: recipients,
		Ts:           time.Now().UnixMilli(),
	}); err != nil {
		l.logger.Warn("publish room ended", "room_id", roomID, "error", err)
	}

	l.logger.Info("room ended", "room_id", roomID, "user_id", actorID, "reason", reason)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
