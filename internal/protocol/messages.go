// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON objects carrying a "type" discriminator next to the payload fields.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartMatching  = "start_matching"
	TypeCancelMatching = "cancel_matching"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeSendMessage    = "send_message"
	TypeTyping         = "typing"
	TypeCallOffer      = "call_offer"
	TypeCallAnswer     = "call_answer"
	TypeIceCandidate   = "ice_candidate"
	TypeEndCall        = "end_call"
	TypePing           = "ping"
)

// Server -> Client message types. Typing and the three call signaling types
// are relayed under the same name they arrive with.
const (
	TypeConnected             = "connected"
	TypeWaiting               = "waiting"
	TypeMatchFound            = "match_found"
	TypeMatchRejected         = "match_rejected"
	TypeMatchCancelled        = "match_cancelled"
	TypeRoomJoined            = "room_joined"
	TypePartnerConnectionLost = "partner_connection_lost"
	TypePartnerReconnected    = "partner_reconnected"
	TypePartnerDisconnected   = "partner_disconnected"
	TypeMessage               = "message"
	TypeCallEnded             = "call_ended"
	TypeRateLimited           = "rate_limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest     = "bad_request"
	CodeUnknownType    = "unknown_type"
	CodeNotFound       = "not_found"
	CodeNotInRoom      = "not_in_room"
	CodeRoomEnded      = "room_ended"
	CodeForbidden      = "forbidden"
	CodeInvalidContent = "invalid_content"
	CodeInternal       = "internal_error"
)

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// MatchFilter carries the partner preferences of a start_matching request.
type MatchFilter struct {
	PreferredGender        string   `json:"preferred_gender,omitempty"`
	PreferredPersonalities []string `json:"preferred_personalities,omitempty"`
	PreferredInterests     []string `json:"preferred_interests,omitempty"`
}

// StartMatchingMsg enters the matching queue.
type StartMatchingMsg struct {
	Filter MatchFilter `json:"filter"`
}

// CancelMatchingMsg leaves the matching queue.
type CancelMatchingMsg struct{}

// JoinRoomMsg binds the connection to a room created by a match.
type JoinRoomMsg struct {
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg ends the room for every participant.
type LeaveRoomMsg struct {
	RoomID string `json:"room_id"`
}

// SendMessageMsg is a chat message for the partner. MessageType defaults to
// "text".
type SendMessageMsg struct {
	RoomID      string `json:"room_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// CallSignalMsg is a WebRTC offer, answer or ICE candidate. Payload holds
// the signaling blob verbatim; the server never inspects it.
type CallSignalMsg struct {
	RoomID  string
	Payload json.RawMessage
}

// EndCallMsg ends an in-progress call without leaving the room.
type EndCallMsg struct {
	RoomID string `json:"room_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is authenticated and registered.
type ConnectedMsg struct {
	UserID     string `json:"user_id"`
	ServerTime int64  `json:"server_time"`
}

// WaitingMsg tells the client it is queued; RetryIn is the number of
// seconds until the automatic retry with filters relaxed.
type WaitingMsg struct {
	RetryIn int `json:"retry_in"`
}

// Rating is a user's rating summary.
type Rating struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// PartnerPreview is the partner profile shown on match_found.
type PartnerPreview struct {
	UserID       string   `json:"user_id"`
	Nickname     string   `json:"nickname"`
	ProfileImage string   `json:"profile_image,omitempty"`
	Gender       string   `json:"gender,omitempty"`
	Interests    []string `json:"interests"`
	Personality  string   `json:"personality,omitempty"`
	Rating       Rating   `json:"rating"`
}

// InterestMatch is the interest overlap between the paired users.
type InterestMatch struct {
	MatchRate       int      `json:"match_rate"`
	CommonInterests []string `json:"common_interests"`
	CommonCount     int      `json:"common_count"`
}

// MatchFoundMsg is sent to both users of a new pairing.
type MatchFoundMsg struct {
	RoomID         string         `json:"room_id"`
	Partner        PartnerPreview `json:"partner"`
	InterestMatch  InterestMatch  `json:"interest_match"`
	FilterBypassed bool           `json:"filter_bypassed"`
}

// MatchRejectedMsg reports a policy refusal of start_matching.
type MatchRejectedMsg struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	NeedsPoints bool   `json:"needs_points,omitempty"`
}

// MatchCancelledMsg confirms cancel_matching.
type MatchCancelledMsg struct{}

// RoomJoinedMsg confirms join_room. RecentMessages holds the latest
// messages of the room, oldest first, so a reconnecting client can catch up.
type RoomJoinedMsg struct {
	RoomID         string          `json:"room_id"`
	Participants   []string        `json:"participants"`
	RecentMessages []ServerChatMsg `json:"recent_messages"`
}

// PartnerConnectionLostMsg tells the remaining participant that the partner
// dropped and has GraceSeconds to come back.
type PartnerConnectionLostMsg struct {
	RoomID       string `json:"room_id"`
	UserID       string `json:"user_id"`
	GraceSeconds int    `json:"grace_seconds"`
}

// PartnerReconnectedMsg tells the remaining participant the partner is back.
type PartnerReconnectedMsg struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// PartnerDisconnectedMsg announces the end of a room. Reason is "left" or
// "timeout".
type PartnerDisconnectedMsg struct {
	RoomID  string `json:"room_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ServerChatMsg is a persisted chat message relayed to the partner.
type ServerChatMsg struct {
	ID             string `json:"id"`
	RoomID         string `json:"room_id"`
	SenderID       string `json:"sender_id"`
	SenderNickname string `json:"sender_nickname"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	Timestamp      int64  `json:"timestamp"`
	IsRead         bool   `json:"is_read"`
}

// ServerTypingMsg relays the partner's typing indicator.
type ServerTypingMsg struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ServerCallOfferMsg, ServerCallAnswerMsg and ServerIceCandidateMsg relay
// signaling payloads unchanged.
type ServerCallOfferMsg struct {
	RoomID string          `json:"room_id"`
	From   string          `json:"from"`
	Offer  json.RawMessage `json:"offer"`
}

type ServerCallAnswerMsg struct {
	RoomID string          `json:"room_id"`
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

type ServerIceCandidateMsg struct {
	RoomID    string          `json:"room_id"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

// CallEndedMsg relays end_call.
type CallEndedMsg struct {
	RoomID string `json:"room_id"`
	From   string `json:"from"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ErrUnknownType is returned by ParseClientMessage for a well-formed message
// whose type is not a client message type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types; the type is still returned when it could be
// read so the caller can report it.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	if !gjson.ValidBytes(data) {
		return "", nil, fmt.Errorf("protocol: failed to parse message: invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", nil, fmt.Errorf("protocol: failed to parse message: not an object")
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	msgType := typ.Str

	var (
		msg interface{}
		err error
	)

	switch msgType {
	case TypeStartMatching:
		var m StartMatchingMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeCancelMatching:
		msg = CancelMatchingMsg{}
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeCallOffer:
		msg, err = parseSignal(root, "offer")
	case TypeCallAnswer:
		msg, err = parseSignal(root, "answer")
	case TypeIceCandidate:
		msg, err = parseSignal(root, "candidate")
	case TypeEndCall:
		var m EndCallMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return msgType, nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	if err != nil {
		return msgType, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
	}
	return msgType, msg, nil
}

func parseSignal(root gjson.Result, field string) (CallSignalMsg, error) {
	roomID := root.Get("room_id")
	if roomID.Exists() && roomID.Type != gjson.String {
		return CallSignalMsg{}, fmt.Errorf("room_id must be a string")
	}
	payload := root.Get(field)
	if !payload.Exists() {
		return CallSignalMsg{}, fmt.Errorf("missing %q", field)
	}
	return CallSignalMsg{
		RoomID:  roomID.Str,
		Payload: json.RawMessage(payload.Raw),
	}, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// must marshal to a JSON object. Its fields are spliced in after the type
// without a decode step, so relayed signaling blobs keep their key order.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '{' {
		return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
	}

	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(raw) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if body := bytes.TrimSpace(raw[1 : len(raw)-1]); len(body) > 0 {
		buf.WriteByte(',')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
