package messaging

// MatchFoundEvent is published on SubjectMatchFound when a room is created
// for a pairing.
type MatchFoundEvent struct {
	RoomID         string   `json:"room_id"`
	UserIDs        []string `json:"user_ids"`
	Score          float64  `json:"score"`
	MatchRate      int      `json:"match_rate"`
	FilterBypassed bool     `json:"filter_bypassed"`
	Ts             int64    `json:"ts"`
}

// RoomEndedEvent is published on SubjectRoomEnded. UserID is the user whose
// leave or timeout ended the room.
type RoomEndedEvent struct {
	RoomID       string   `json:"room_id"`
	UserID       string   `json:"user_id"`
	Reason       string   `json:"reason"` // "left" or "timeout"
	Participants []string `json:"participants"`
	Ts           int64    `json:"ts"`
}

// MessageSentEvent is published on SubjectMessageSent after a chat message
// is persisted. Content is omitted.
type MessageSentEvent struct {
	MessageID   string `json:"message_id"`
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	MessageType string `json:"message_type"`
	Ts          int64  `json:"ts"`
}
