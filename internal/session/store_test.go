package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/randomchat/internal/testutil"
)

func TestStore_Presence(t *testing.T) {
	client := testutil.Redis(t)
	s := NewStoreWithClient(client, "ws-test")
	ctx := context.Background()

	st, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, st)

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.SetOnline(ctx, "alice"))

	st, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Online)
	assert.Equal(t, "ws-test", st.Server)
	assert.True(t, st.LastActive.After(before))

	require.NoError(t, s.SetOffline(ctx, "alice"))
	st, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, st.Online)

	ttl, err := client.TTL(ctx, PresencePrefix+"alice").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
