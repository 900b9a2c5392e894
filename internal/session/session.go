// Package session tracks which users are connected to this process and
// mirrors their presence (online flag, last activity) into Redis.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handle is a live connection that can receive server frames.
type Handle interface {
	Send(data []byte) error
}

// Presence records online state outside the process.
type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// Directory maps user ids to their live connection handle. Only one handle
// per user is kept; a newer registration replaces the older one.
type Directory struct {
	mu       sync.RWMutex
	handles  map[string]Handle
	presence Presence
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDirectory creates an empty directory. presence may be nil.
func NewDirectory(presence Presence, logger *slog.Logger) *Directory {
	return &Directory{
		handles:  make(map[string]Handle),
		presence: presence,
		logger:   logger.With("component", "directory"),
		timeout:  3 * time.Second,
	}
}

// Register stores h for userID and marks the user online. It returns the
// handle it replaced, if any.
func (d *Directory) Register(ctx context.Context, userID string, h Handle) Handle {
	d.mu.Lock()
	prev := d.handles[userID]
	d.handles[userID] = h
	d.mu.Unlock()

	d.setPresence(ctx, userID, true)
	return prev
}

// Unregister removes userID and marks the user offline. Missing ids are a
// no-op and report false.
func (d *Directory) Unregister(ctx context.Context, userID string) bool {
	d.mu.Lock()
	_, ok := d.handles[userID]
	delete(d.handles, userID)
	d.mu.Unlock()

	if ok {
		d.setPresence(ctx, userID, false)
	}
	return ok
}

// Release unregisters userID only while h is still its current handle, so a
// late close of a replaced connection leaves the newer one in place.
func (d *Directory) Release(ctx context.Context, userID string, h Handle) bool {
	d.mu.Lock()
	cur, ok := d.handles[userID]
	if !ok || cur != h {
		d.mu.Unlock()
		return false
	}
	delete(d.handles, userID)
	d.mu.Unlock()

	d.setPresence(ctx, userID, false)
	return true
}

// Lookup returns the live handle for userID.
func (d *Directory) Lookup(userID string) (Handle, bool) {
	d.mu.RLock()
	h, ok := d.handles[userID]
	d.mu.RUnlock()
	return h, ok
}

// Count returns the number of registered users.
func (d *Directory) Count() int {
	d.mu.RLock()
	n := len(d.handles)
	d.mu.RUnlock()
	return n
}

func (d *Directory) setPresence(ctx context.Context, userID string, online bool) {
	if d.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var err error
	if online {
		err = d.presence.SetOnline(ctx, userID)
	} else {
		err = d.presence.SetOffline(ctx, userID)
	}
	if err != nil {
		d.logger.Warn("presence update failed", "user_id", userID, "online", online, "error", err)
	}
}
