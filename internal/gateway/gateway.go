// Package gateway binds inbound WebSocket events to the matcher, the room
// lifecycle and the relay. It owns the per-connection hooks of the ws
// server and translates domain results into server frames.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/matching"
	"github.com/whisper/randomchat/internal/messaging"
	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/protocol"
	"github.com/whisper/randomchat/internal/ratelimit"
	"github.com/whisper/randomchat/internal/session"
	"github.com/whisper/randomchat/internal/store"
	"github.com/whisper/randomchat/internal/ws"
)

// previewInterests caps the interests shown in a partner preview.
const previewInterests = 5

// RateLimiter throttles per-user actions. A nil RateLimiter disables
// throttling.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps are the collaborators of a Gateway. Limiter and Events may be nil.
type Deps struct {
	Directory *session.Directory
	Matcher   *matching.Matcher
	Lifecycle *chat.Lifecycle
	Relay     *chat.Relay
	History   *chat.History
	Users     store.Users
	Messages  store.Messages
	Limiter   RateLimiter
	Events    messaging.Publisher
}

// Gateway handles client events for every connection of this process.
type Gateway struct {
	dir       *session.Directory
	matcher   *matching.Matcher
	lifecycle *chat.Lifecycle
	relay     *chat.Relay
	history   *chat.History
	users     store.Users
	messages  store.Messages
	limiter   RateLimiter
	events    messaging.Publisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// New creates a Gateway and registers it as the matcher's notifier.
func New(deps Deps, logger *slog.Logger) *Gateway {
	events := deps.Events
	if events == nil {
		events = messaging.NopPublisher{}
	}
	history := deps.History
	if history == nil {
		history = chat.NewHistory(chat.DefaultHistorySize)
	}
	g := &Gateway{
		dir:       deps.Directory,
		matcher:   deps.Matcher,
		lifecycle: deps.Lifecycle,
		relay:     deps.Relay,
		history:   history,
		users:     deps.Users,
		messages:  deps.Messages,
		limiter:   deps.Limiter,
		events:    events,
		logger:    logger.With("component", "gateway"),
		timeout:   5 * time.Second,
		now:       time.Now,
	}
	deps.Matcher.SetNotifier(g)
	return g
}

// Register installs the event handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeStartMatching, g.handleStartMatching)
	d.Register(protocol.TypeCancelMatching, g.handleCancelMatching)
	d.Register(protocol.TypeJoinRoom, g.handleJoinRoom)
	d.Register(protocol.TypeLeaveRoom, g.handleLeaveRoom)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeTyping, g.handleTyping)
	d.Register(protocol.TypeCallOffer, g.handleCallSignal(protocol.TypeCallOffer))
	d.Register(protocol.TypeCallAnswer, g.handleCallSignal(protocol.TypeCallAnswer))
	d.Register(protocol.TypeIceCandidate, g.handleCallSignal(protocol.TypeIceCandidate))
	d.Register(protocol.TypeEndCall, g.handleEndCall)
}

// OnConnect registers the connection as the user's live handle and greets
// the client.
func (g *Gateway) OnConnect(conn *ws.Connection) {
	ctx, cancel := g.opContext()
	defer cancel()

	if prev := g.dir.Register(ctx, conn.UserID, conn); prev != nil {
		g.logger.Info("connection replaced", "user_id", conn.UserID, "conn_id", conn.ID)
	}
	g.send(conn, protocol.TypeConnected, protocol.ConnectedMsg{
		UserID:     conn.UserID,
		ServerTime: g.now().UnixMilli(),
	})
}

// OnDisconnect drops the user from matchmaking and starts the reconnect
// grace period. A connection that was already replaced by a newer one for
// the same user is ignored.
func (g *Gateway) OnDisconnect(conn *ws.Connection) {
	ctx, cancel := g.opContext()
	defer cancel()

	if !g.dir.Release(ctx, conn.UserID, conn) {
		return
	}
	g.matcher.Cancel(conn.UserID)
	g.lifecycle.ConnectionLost(ctx, conn.UserID)
}

// NotifyMatch sends match_found to both users of a pairing. Each side sees
// the other's preview.
func (g *Gateway) NotifyMatch(ctx context.Context, p *matching.Pairing) {
	rate := p.InterestMatch.Rate()
	common := p.InterestMatch.Common
	if common == nil {
		common = []string{}
	}
	interest := protocol.InterestMatch{
		MatchRate:       rate,
		CommonInterests: common,
		CommonCount:     len(common),
	}

	for _, side := range [][2]matching.Entry{{p.Self, p.Partner}, {p.Partner, p.Self}} {
		self, partner := side[0], side[1]
		h := self.Handle
		if live, ok := g.dir.Lookup(self.UserID); ok {
			h = live
		}
		if h == nil {
			continue
		}
		g.sendHandle(h, self.UserID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
			RoomID:         p.Room.ID,
			Partner:        preview(partner.User),
			InterestMatch:  interest,
			FilterBypassed: p.FilterBypassed,
		})
	}

	if err := g.events.PublishEvent(messaging.SubjectMatchFound, messaging.MatchFoundEvent{
		RoomID:         p.Room.ID,
		UserIDs:        []string{p.Self.UserID, p.Partner.UserID},
		Score:          p.Score,
		MatchRate:      rate,
		FilterBypassed: p.FilterBypassed,
		Ts:             g.now().UnixMilli(),
	}); err != nil {
		g.logger.Warn("publish match found", "room_id", p.Room.ID, "error", err)
	}
}

// -----------------------------------------------------------------------
// start_matching: enter the matching queue
// -----------------------------------------------------------------------

func (g *Gateway) handleStartMatching(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.StartMatchingMsg)
	if !ok {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleMatch) {
		return
	}

	filter := matching.Filter{
		PreferredGender:        m.Filter.PreferredGender,
		PreferredPersonalities: m.Filter.PreferredPersonalities,
		PreferredInterests:     m.Filter.PreferredInterests,
	}
	res, err := g.matcher.Start(ctx, conn.UserID, conn, filter)
	if err != nil {
		var rej *matching.Rejection
		switch {
		case errors.As(err, &rej):
			g.send(conn, protocol.TypeMatchRejected, protocol.MatchRejectedMsg{
				Code:        rej.Code,
				Message:     rej.Message,
				NeedsPoints: rej.NeedsPoints,
			})
		case errors.Is(err, store.ErrNotFound):
			g.logger.Warn("start matching for unknown user", "user_id", conn.UserID)
			g.sendError(conn, protocol.CodeNotFound, "user not found")
		default:
			g.logger.Error("start matching failed", "user_id", conn.UserID, "error", err)
			g.sendError(conn, protocol.CodeInternal, "matching unavailable")
		}
		return
	}

	switch res.Outcome {
	case matching.Waiting:
		g.send(conn, protocol.TypeWaiting, protocol.WaitingMsg{
			RetryIn: int(res.RetryIn / time.Second),
		})
	case matching.Matched:
		g.NotifyMatch(ctx, res.Pairing)
	}
}

// -----------------------------------------------------------------------
// cancel_matching: leave the matching queue
// -----------------------------------------------------------------------

func (g *Gateway) handleCancelMatching(conn *ws.Connection, _ interface{}) {
	g.matcher.Cancel(conn.UserID)
	g.send(conn, protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{})
}

// -----------------------------------------------------------------------
// join_room: bind the connection to a matched room
// -----------------------------------------------------------------------

func (g *Gateway) handleJoinRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	room, err := g.lifecycle.BindRoom(ctx, conn.UserID, m.RoomID)
	if err != nil {
		g.roomError(conn, m.RoomID, err)
		return
	}

	g.send(conn, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
		RoomID:         room.ID,
		Participants:   room.Participants,
		RecentMessages: g.history.Recent(room.ID),
	})
}

// -----------------------------------------------------------------------
// leave_room: end the room for everyone
// -----------------------------------------------------------------------

func (g *Gateway) handleLeaveRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	if err := g.lifecycle.ExplicitLeave(ctx, conn.UserID, m.RoomID); err != nil {
		g.roomError(conn, m.RoomID, err)
	}
}

// -----------------------------------------------------------------------
// send_message: persist, then relay to the partner
// -----------------------------------------------------------------------

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := g.opContext()
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleMessage) {
		return
	}
	if !g.inRoom(conn, m.RoomID) {
		return
	}

	msgType, err := chat.ValidateMessage(m.Content, m.MessageType)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		g.sendError(conn, protocol.CodeInvalidContent, err.Error())
		return
	}

	nickname := conn.UserID
	if u, err := g.users.FindUser(ctx, conn.UserID); err == nil && u.Nickname != "" {
		nickname = u.Nickname
	}

	saved, err := g.messages.SaveMessage(ctx, &store.Message{
		RoomID:         m.RoomID,
		SenderID:       conn.UserID,
		SenderNickname: nickname,
		Content:        m.Content,
		Type:           msgType,
	})
	if err != nil {
		// Not relayed and not acknowledged; the client may resend.
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		g.logger.Error("save message failed", "user_id", conn.UserID, "room_id", m.RoomID, "error", err)
		return
	}

	out := protocol.ServerChatMsg{
		ID:             saved.ID,
		RoomID:         saved.RoomID,
		SenderID:       saved.SenderID,
		SenderNickname: saved.SenderNickname,
		Content:        saved.Content,
		MessageType:    saved.Type,
		Timestamp:      saved.Timestamp.UnixMilli(),
		IsRead:         saved.IsRead,
	}
	if cur, ok := g.lifecycle.RoomOf(conn.UserID); ok && cur == saved.RoomID {
		g.history.Add(saved.RoomID, out)
	}
	g.relay.BroadcastToRoom(saved.RoomID, conn.UserID, protocol.TypeMessage, out)
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()

	if err := g.events.PublishEvent(messaging.SubjectMessageSent, messaging.MessageSentEvent{
		MessageID:   saved.ID,
		RoomID:      saved.RoomID,
		SenderID:    saved.SenderID,
		MessageType: saved.Type,
		Ts:          out.Timestamp,
	}); err != nil {
		g.logger.Warn("publish message sent", "message_id", saved.ID, "error", err)
	}
}

// -----------------------------------------------------------------------
// typing: relay the typing indicator
// -----------------------------------------------------------------------

func (g *Gateway) handleTyping(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok || !g.inRoom(conn, m.RoomID) {
		return
	}
	g.relay.BroadcastToRoom(m.RoomID, conn.UserID, protocol.TypeTyping, protocol.ServerTypingMsg{
		RoomID:   m.RoomID,
		UserID:   conn.UserID,
		IsTyping: m.IsTyping,
	})
}

// -----------------------------------------------------------------------
// call_offer / call_answer / ice_candidate: relay signaling unchanged
// -----------------------------------------------------------------------

func (g *Gateway) handleCallSignal(event string) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CallSignalMsg)
		if !ok || !g.inRoom(conn, m.RoomID) {
			return
		}

		var payload interface{}
		switch event {
		case protocol.TypeCallOffer:
			payload = protocol.ServerCallOfferMsg{RoomID: m.RoomID, From: conn.UserID, Offer: m.Payload}
		case protocol.TypeCallAnswer:
			payload = protocol.ServerCallAnswerMsg{RoomID: m.RoomID, From: conn.UserID, Answer: m.Payload}
		default:
			payload = protocol.ServerIceCandidateMsg{RoomID: m.RoomID, From: conn.UserID, Candidate: m.Payload}
		}
		g.relay.BroadcastToRoom(m.RoomID, conn.UserID, event, payload)
	}
}

// -----------------------------------------------------------------------
// end_call: tell the partner the call is over
// -----------------------------------------------------------------------

func (g *Gateway) handleEndCall(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.EndCallMsg)
	if !ok || !g.inRoom(conn, m.RoomID) {
		return
	}
	g.relay.BroadcastToRoom(m.RoomID, conn.UserID, protocol.TypeCallEnded, protocol.CallEndedMsg{
		RoomID: m.RoomID,
		From:   conn.UserID,
	})
}

// inRoom reports whether the connection's user is bound to roomID, and
// sends not_in_room otherwise.
func (g *Gateway) inRoom(conn *ws.Connection, roomID string) bool {
	if cur, ok := g.lifecycle.RoomOf(conn.UserID); ok && cur == roomID && roomID != "" {
		return true
	}
	g.sendError(conn, protocol.CodeNotInRoom, "not in room")
	return false
}

// allow applies rule to the connection's user and answers rate_limited when
// the limit is exceeded.
func (g *Gateway) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, conn.UserID, rule)
	if ok {
		return true
	}
	metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
	g.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(g.limiter.RetryAfter(ctx, conn.UserID, rule) / time.Second),
	})
	return false
}

func (g *Gateway) roomError(conn *ws.Connection, roomID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.logger.Warn("room not found", "user_id", conn.UserID, "room_id", roomID)
		g.sendError(conn, protocol.CodeNotFound, "room not found")
	case errors.Is(err, chat.ErrRoomEnded):
		g.sendError(conn, protocol.CodeRoomEnded, "room has ended")
	case errors.Is(err, chat.ErrNotParticipant):
		g.sendError(conn, protocol.CodeForbidden, "not a participant of this room")
	default:
		g.logger.Error("room operation failed", "user_id", conn.UserID, "room_id", roomID, "error", err)
		g.sendError(conn, protocol.CodeInternal, "room unavailable")
	}
}

func (g *Gateway) send(conn *ws.Connection, event string, payload interface{}) {
	g.sendHandle(conn, conn.UserID, event, payload)
}

func (g *Gateway) sendHandle(h session.Handle, userID, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		g.logger.Error("encode frame", "event", event, "error", err)
		return
	}
	if err := h.Send(data); err != nil {
		g.logger.Debug("send failed", "user_id", userID, "event", event, "error", err)
	}
}

func (g *Gateway) sendError(conn *ws.Connection, code, message string) {
	ws.SendError(conn, code, message, g.logger)
}

func (g *Gateway) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

func preview(u *store.User) protocol.PartnerPreview {
	interests := u.Interests
	if len(interests) > previewInterests {
		interests = interests[:previewInterests]
	}
	if interests == nil {
		interests = []string{}
	}
	return protocol.PartnerPreview{
		UserID:       u.ID,
		Nickname:     u.Nickname,
		ProfileImage: u.ProfileImage,
		Gender:       u.Gender,
		Interests:    interests,
		Personality:  u.Personality,
		Rating: protocol.Rating{
			Average: u.RatingAverage,
			Count:   u.RatingCount,
		},
	}
}
