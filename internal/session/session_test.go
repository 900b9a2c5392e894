package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ name string }

func (h *fakeHandle) Send([]byte) error { return nil }

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	fail   bool
}

func (p *fakePresence) SetOnline(_ context.Context, id string) error {
	return p.set(id, true)
}

func (p *fakePresence) SetOffline(_ context.Context, id string) error {
	return p.set(id, false)
}

func (p *fakePresence) set(id string, v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("redis down")
	}
	p.online[id] = v
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDirectory_RegisterLookupUnregister(t *testing.T) {
	ctx := context.Background()
	presence := &fakePresence{online: map[string]bool{}}
	d := NewDirectory(presence, testLogger())

	h := &fakeHandle{name: "a"}
	assert.Nil(t, d.Register(ctx, "alice", h))
	assert.True(t, presence.online["alice"])
	assert.Equal(t, 1, d.Count())

	got, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, h, got)

	assert.True(t, d.Unregister(ctx, "alice"))
	assert.False(t, presence.online["alice"])
	assert.Equal(t, 0, d.Count())

	// Idempotent on a missing key.
	assert.False(t, d.Unregister(ctx, "alice"))
	_, ok = d.Lookup("alice")
	assert.False(t, ok)
}

func TestDirectory_ReleaseIgnoresReplacedHandle(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(nil, testLogger())

	old := &fakeHandle{name: "old"}
	fresh := &fakeHandle{name: "new"}
	d.Register(ctx, "alice", old)
	prev := d.Register(ctx, "alice", fresh)
	assert.Same(t, old, prev)

	assert.False(t, d.Release(ctx, "alice", old), "stale handle must not unregister the new one")
	got, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, d.Release(ctx, "alice", fresh))
	assert.Equal(t, 0, d.Count())
}

func TestDirectory_PresenceErrorsAreSwallowed(t *testing.T) {
	presence := &fakePresence{online: map[string]bool{}, fail: true}
	d := NewDirectory(presence, testLogger())

	d.Register(context.Background(), "alice", &fakeHandle{})
	_, ok := d.Lookup("alice")
	assert.True(t, ok)
}
