package chat

import (
	"log/slog"

	"github.com/whisper/randomchat/internal/protocol"
	"github.com/whisper/randomchat/internal/session"
)

// HandleLookup resolves a user's live connection.
type HandleLookup interface {
	Lookup(userID string) (session.Handle, bool)
}

// Relay delivers server frames to users through their live handles. Users
// without a handle are skipped.
type Relay struct {
	bindings *Bindings
	handles  HandleLookup
	logger   *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(bindings *Bindings, handles HandleLookup, logger *slog.Logger) *Relay {
	return &Relay{
		bindings: bindings,
		handles:  handles,
		logger:   logger.With("component", "relay"),
	}
}

// BroadcastToRoom sends event to every user bound to roomID except
// excludeUserID and returns the number of successful sends.
func (r *Relay) BroadcastToRoom(roomID, excludeUserID, event string, payload interface{}) int {
	return r.Deliver(r.bindings.Members(roomID), excludeUserID, event, payload)
}

// Deliver sends event to each of userIDs except excludeUserID. The frame is
// encoded once.
func (r *Relay) Deliver(userIDs []string, excludeUserID, event string, payload interface{}) int {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		r.logger.Error("encode frame", "event", event, "error", err)
		return 0
	}

	sent := 0
	for _, id := range userIDs {
		if id == excludeUserID {
			continue
		}
		h, ok := r.handles.Lookup(id)
		if !ok {
			continue
		}
		if err := h.Send(data); err != nil {
			r.logger.Warn("send failed", "user_id", id, "event", event, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendTo sends event to a single user.
func (r *Relay) SendTo(userID, event string, payload interface{}) bool {
	return r.Deliver([]string{userID}, "", event, payload) == 1
}
