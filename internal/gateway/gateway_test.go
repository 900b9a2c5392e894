package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/matching"
	"github.com/whisper/randomchat/internal/protocol"
	"github.com/whisper/randomchat/internal/ratelimit"
	"github.com/whisper/randomchat/internal/session"
	"github.com/whisper/randomchat/internal/store"
	"github.com/whisper/randomchat/internal/ws"
)

// client is a connection whose peer end records every server frame.
type client struct {
	conn *ws.Connection
	peer net.Conn
	f    *fixture

	mu     sync.Mutex
	frames []map[string]interface{}
}

func (c *client) read() {
	for {
		data, err := wsutil.ReadServerText(c.peer)
		if err != nil {
			return
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		c.mu.Lock()
		c.frames = append(c.frames, m)
		c.mu.Unlock()
	}
}

func (c *client) send(format string, args ...interface{}) {
	c.f.dispatcher.Dispatch(c.conn, []byte(fmt.Sprintf(format, args...)))
}

func (c *client) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.frames {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func (c *client) last(typ string) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i]["type"] == typ {
			return c.frames[i]
		}
	}
	return nil
}

// waitFor blocks until a frame of typ has arrived and returns the latest one.
func (c *client) waitFor(t *testing.T, typ string) map[string]interface{} {
	t.Helper()
	require.Eventually(t, func() bool { return c.count(typ) > 0 }, 2*time.Second, 5*time.Millisecond,
		"%s never received %s", c.conn.UserID, typ)
	return c.last(typ)
}

// sync round-trips a ping so that every frame written to this client before
// it has been recorded.
func (c *client) sync(t *testing.T) {
	t.Helper()
	n := c.count(protocol.TypePong)
	c.send(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return c.count(protocol.TypePong) > n }, 2*time.Second, 5*time.Millisecond)
}

type denyLimiter struct{ retry time.Duration }

func (l denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func (l denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return l.retry
}

type failingMessages struct{}

func (failingMessages) SaveMessage(context.Context, *store.Message) (*store.Message, error) {
	return nil, errors.New("database unavailable")
}

type fixture struct {
	mem        *store.Memory
	dir        *session.Directory
	matcher    *matching.Matcher
	lifecycle  *chat.Lifecycle
	gw         *Gateway
	dispatcher *ws.MessageDispatcher
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem := store.NewMemory()
	dir := session.NewDirectory(nil, logger)
	matcher := matching.NewMatcher(matching.DefaultConfig(), matching.NewQueue(), mem, mem, logger)
	bindings := chat.NewBindings()
	relay := chat.NewRelay(bindings, dir, logger)
	history := chat.NewHistory(chat.DefaultHistorySize)
	lifecycle := chat.NewLifecycle(chat.Config{GracePeriod: time.Minute, OpTimeout: time.Second},
		mem, bindings, relay, history, nil, logger)
	lifecycle.SetDequeuer(matcher)
	matcher.SetBindings(lifecycle)
	t.Cleanup(func() {
		matcher.Stop()
		lifecycle.Stop()
	})

	deps := Deps{
		Directory: dir,
		Matcher:   matcher,
		Lifecycle: lifecycle,
		Relay:     relay,
		History:   history,
		Users:     mem,
		Messages:  mem,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	d := ws.NewMessageDispatcher(logger)
	gw := New(deps, logger)
	gw.Register(d)

	return &fixture{mem: mem, dir: dir, matcher: matcher, lifecycle: lifecycle, gw: gw, dispatcher: d}
}

func (f *fixture) connect(t *testing.T, userID string) *client {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})

	c := &client{
		conn: &ws.Connection{ID: uuid.NewString(), UserID: userID, Conn: server},
		peer: peer,
		f:    f,
	}
	go c.read()

	f.gw.OnConnect(c.conn)
	c.waitFor(t, protocol.TypeConnected)
	return c
}

func (f *fixture) putUsers() {
	f.mem.PutUser(&store.User{
		ID: "alice", Nickname: "Alice", Gender: store.GenderFemale,
		Interests: []string{"music", "game", "travel"}, Personality: "ENFP",
		RatingAverage: 4.5, RatingCount: 12, Points: store.DefaultPoints,
	})
	f.mem.PutUser(&store.User{
		ID: "bob", Nickname: "Bob", Gender: store.GenderMale,
		Interests: []string{"game", "music"}, Points: store.DefaultPoints,
	})
}

// pair connects alice and bob, matches them and binds both to the room.
func (f *fixture) pair(t *testing.T) (alice, bob *client, roomID string) {
	t.Helper()
	f.putUsers()
	alice = f.connect(t, "alice")
	bob = f.connect(t, "bob")

	alice.send(`{"type":"start_matching","filter":{}}`)
	alice.waitFor(t, protocol.TypeWaiting)
	bob.send(`{"type":"start_matching","filter":{}}`)

	found := alice.waitFor(t, protocol.TypeMatchFound)
	bob.waitFor(t, protocol.TypeMatchFound)
	roomID = found["room_id"].(string)

	alice.send(`{"type":"join_room","room_id":%q}`, roomID)
	bob.send(`{"type":"join_room","room_id":%q}`, roomID)
	alice.waitFor(t, protocol.TypeRoomJoined)
	bob.waitFor(t, protocol.TypeRoomJoined)
	return alice, bob, roomID
}

func TestGateway_ConnectGreets(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "alice")

	m := c.last(protocol.TypeConnected)
	assert.Equal(t, "alice", m["user_id"])
	assert.NotZero(t, m["server_time"])

	h, ok := f.dir.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, c.conn, h)
}

func TestGateway_MatchFlow(t *testing.T) {
	f := newFixture(t)
	f.putUsers()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	alice.send(`{"type":"start_matching","filter":{}}`)
	waiting := alice.waitFor(t, protocol.TypeWaiting)
	assert.EqualValues(t, 31, waiting["retry_in"])

	bob.send(`{"type":"start_matching","filter":{}}`)

	aliceFound := alice.waitFor(t, protocol.TypeMatchFound)
	bobFound := bob.waitFor(t, protocol.TypeMatchFound)
	assert.Equal(t, aliceFound["room_id"], bobFound["room_id"])
	assert.Equal(t, false, aliceFound["filter_bypassed"])

	partner := bobFound["partner"].(map[string]interface{})
	assert.Equal(t, "alice", partner["user_id"])
	assert.Equal(t, "Alice", partner["nickname"])
	assert.Equal(t, "ENFP", partner["personality"])
	assert.Equal(t, 4.5, partner["rating"].(map[string]interface{})["average"])

	partner = aliceFound["partner"].(map[string]interface{})
	assert.Equal(t, "Bob", partner["nickname"])

	interest := aliceFound["interest_match"].(map[string]interface{})
	assert.EqualValues(t, 67, interest["match_rate"])
	assert.EqualValues(t, 2, interest["common_count"])
	assert.Equal(t, 0, f.matcher.Queue().Len())
}

func TestGateway_StartMatchingRejected(t *testing.T) {
	f := newFixture(t)
	f.mem.PutUser(&store.User{ID: "carol", Banned: true})
	c := f.connect(t, "carol")

	c.send(`{"type":"start_matching","filter":{}}`)

	m := c.waitFor(t, protocol.TypeMatchRejected)
	assert.Equal(t, matching.CodeBanned, m["code"])
	assert.Equal(t, 0, f.matcher.Queue().Len())
}

func TestGateway_StartMatchingNeedsPoints(t *testing.T) {
	f := newFixture(t)
	f.mem.PutUser(&store.User{ID: "dave", Points: 3})
	c := f.connect(t, "dave")

	c.send(`{"type":"start_matching","filter":{"preferred_gender":"female"}}`)

	m := c.waitFor(t, protocol.TypeMatchRejected)
	assert.Equal(t, matching.CodeInsufficientPoints, m["code"])
	assert.Equal(t, true, m["needs_points"])
}

func TestGateway_StartMatchingUnknownUser(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "ghost")

	c.send(`{"type":"start_matching","filter":{}}`)

	m := c.waitFor(t, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotFound, m["code"])
}

func TestGateway_StartMatchingWhileInRoom(t *testing.T) {
	f := newFixture(t)
	alice, _, _ := f.pair(t)

	alice.send(`{"type":"start_matching","filter":{}}`)

	m := alice.waitFor(t, protocol.TypeMatchRejected)
	assert.Equal(t, matching.CodeInRoom, m["code"])
}

func TestGateway_CancelMatching(t *testing.T) {
	f := newFixture(t)
	f.putUsers()
	alice := f.connect(t, "alice")

	alice.send(`{"type":"start_matching","filter":{}}`)
	alice.waitFor(t, protocol.TypeWaiting)
	require.Equal(t, 1, f.matcher.Queue().Len())

	alice.send(`{"type":"cancel_matching"}`)
	alice.waitFor(t, protocol.TypeMatchCancelled)
	assert.Equal(t, 0, f.matcher.Queue().Len())
}

func TestGateway_RateLimited(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = denyLimiter{retry: 7 * time.Second} })
	f.putUsers()
	alice := f.connect(t, "alice")

	alice.send(`{"type":"start_matching","filter":{}}`)

	m := alice.waitFor(t, protocol.TypeRateLimited)
	assert.EqualValues(t, 7, m["retry_after"])
	assert.Equal(t, 0, f.matcher.Queue().Len())
}

func TestGateway_JoinRoomErrors(t *testing.T) {
	f := newFixture(t)
	_, _, roomID := f.pair(t)
	f.mem.PutUser(&store.User{ID: "eve", Points: store.DefaultPoints})
	eve := f.connect(t, "eve")

	eve.send(`{"type":"join_room","room_id":"missing"}`)
	assert.Equal(t, protocol.CodeNotFound, eve.waitFor(t, protocol.TypeError)["code"])

	eve.send(`{"type":"join_room","room_id":%q}`, roomID)
	eve.sync(t)
	assert.Equal(t, protocol.CodeForbidden, eve.last(protocol.TypeError)["code"])
}

func TestGateway_RoomJoinedListsParticipants(t *testing.T) {
	f := newFixture(t)
	alice, _, roomID := f.pair(t)

	m := alice.last(protocol.TypeRoomJoined)
	assert.Equal(t, roomID, m["room_id"])
	assert.ElementsMatch(t, []interface{}{"alice", "bob"}, m["participants"])
	assert.Empty(t, m["recent_messages"])
}

func TestGateway_SendMessageRelaysToPartner(t *testing.T) {
	f := newFixture(t)
	alice, bob, roomID := f.pair(t)

	alice.send(`{"type":"send_message","room_id":%q,"content":"hi bob"}`, roomID)

	m := bob.waitFor(t, protocol.TypeMessage)
	assert.Equal(t, "hi bob", m["content"])
	assert.Equal(t, "alice", m["sender_id"])
	assert.Equal(t, "Alice", m["sender_nickname"])
	assert.Equal(t, store.MessageText, m["message_type"])
	assert.NotEmpty(t, m["id"])

	alice.sync(t)
	assert.Zero(t, alice.count(protocol.TypeMessage), "sender must not receive its own message")

	saved := f.mem.RoomMessages(roomID)
	require.Len(t, saved, 1)
	assert.Equal(t, "hi bob", saved[0].Content)
}

func TestGateway_SendMessageValidation(t *testing.T) {
	f := newFixture(t)
	alice, bob, roomID := f.pair(t)

	alice.send(`{"type":"send_message","room_id":"other","content":"hi"}`)
	assert.Equal(t, protocol.CodeNotInRoom, alice.waitFor(t, protocol.TypeError)["code"])

	alice.send(`{"type":"send_message","room_id":%q,"content":""}`, roomID)
	alice.sync(t)
	assert.Equal(t, protocol.CodeInvalidContent, alice.last(protocol.TypeError)["code"])

	alice.send(`{"type":"send_message","room_id":%q,"content":"x","message_type":"video"}`, roomID)
	alice.sync(t)
	assert.Equal(t, protocol.CodeInvalidContent, alice.last(protocol.TypeError)["code"])

	bob.sync(t)
	assert.Zero(t, bob.count(protocol.TypeMessage))
	assert.Empty(t, f.mem.RoomMessages(roomID))
}

func TestGateway_SendMessageSaveFailureSkipsRelay(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Messages = failingMessages{} })
	alice, bob, roomID := f.pair(t)

	alice.send(`{"type":"send_message","room_id":%q,"content":"lost"}`, roomID)

	alice.sync(t)
	bob.sync(t)
	assert.Zero(t, bob.count(protocol.TypeMessage))
	assert.Zero(t, alice.count(protocol.TypeMessage))
}

func TestGateway_TypingAndCallSignals(t *testing.T) {
	f := newFixture(t)
	alice, bob, roomID := f.pair(t)

	alice.send(`{"type":"typing","room_id":%q,"is_typing":true}`, roomID)
	typing := bob.waitFor(t, protocol.TypeTyping)
	assert.Equal(t, "alice", typing["user_id"])
	assert.Equal(t, true, typing["is_typing"])

	alice.send(`{"type":"call_offer","room_id":%q,"offer":{"sdp":"v=0","type":"offer"}}`, roomID)
	offer := bob.waitFor(t, protocol.TypeCallOffer)
	assert.Equal(t, "alice", offer["from"])
	assert.Equal(t, map[string]interface{}{"sdp": "v=0", "type": "offer"}, offer["offer"])

	bob.send(`{"type":"call_answer","room_id":%q,"answer":{"sdp":"v=1"}}`, roomID)
	answer := alice.waitFor(t, protocol.TypeCallAnswer)
	assert.Equal(t, "bob", answer["from"])

	bob.send(`{"type":"ice_candidate","room_id":%q,"candidate":"candidate:1"}`, roomID)
	assert.Equal(t, "candidate:1", alice.waitFor(t, protocol.TypeIceCandidate)["candidate"])

	alice.send(`{"type":"end_call","room_id":%q}`, roomID)
	assert.Equal(t, "alice", bob.waitFor(t, protocol.TypeCallEnded)["from"])
}

func TestGateway_LeaveRoomEndsForPartner(t *testing.T) {
	f := newFixture(t)
	alice, bob, roomID := f.pair(t)

	alice.send(`{"type":"leave_room","room_id":%q}`, roomID)

	m := bob.waitFor(t, protocol.TypePartnerDisconnected)
	assert.Equal(t, chat.ReasonLeft, m["reason"])
	assert.Equal(t, "alice", m["user_id"])

	room, err := f.mem.FindRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.False(t, room.Active)
	_, bound := f.lifecycle.RoomOf("bob")
	assert.False(t, bound)
}

func TestGateway_DisconnectAndReconnect(t *testing.T) {
	f := newFixture(t)
	alice, bob, roomID := f.pair(t)

	alice.send(`{"type":"send_message","room_id":%q,"content":"brb"}`, roomID)
	bob.waitFor(t, protocol.TypeMessage)

	f.gw.OnDisconnect(alice.conn)

	lost := bob.waitFor(t, protocol.TypePartnerConnectionLost)
	assert.Equal(t, "alice", lost["user_id"])
	assert.EqualValues(t, 60, lost["grace_seconds"])
	_, online := f.dir.Lookup("alice")
	assert.False(t, online)

	again := f.connect(t, "alice")
	again.send(`{"type":"join_room","room_id":%q}`, roomID)

	joined := again.waitFor(t, protocol.TypeRoomJoined)
	recent := joined["recent_messages"].([]interface{})
	require.Len(t, recent, 1)
	assert.Equal(t, "brb", recent[0].(map[string]interface{})["content"])

	back := bob.waitFor(t, protocol.TypePartnerReconnected)
	assert.Equal(t, "alice", back["user_id"])

	room, err := f.mem.FindRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.True(t, room.Active)
}

func TestGateway_ReplacedConnectionCloseIsIgnored(t *testing.T) {
	f := newFixture(t)
	alice, bob, _ := f.pair(t)

	newer := f.connect(t, "alice")
	f.gw.OnDisconnect(alice.conn)

	bob.sync(t)
	assert.Zero(t, bob.count(protocol.TypePartnerConnectionLost))

	h, ok := f.dir.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, newer.conn, h)
}

func TestGateway_DisconnectWhileQueuedDequeues(t *testing.T) {
	f := newFixture(t)
	f.putUsers()
	alice := f.connect(t, "alice")

	alice.send(`{"type":"start_matching","filter":{}}`)
	alice.waitFor(t, protocol.TypeWaiting)

	f.gw.OnDisconnect(alice.conn)
	assert.Equal(t, 0, f.matcher.Queue().Len())
}
