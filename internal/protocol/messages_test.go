package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a start_matching message with a filter
// ---------------------------------------------------------------------------

func TestParseClientMessage_StartMatching(t *testing.T) {
	input := []byte(`{"type":"start_matching","filter":{"preferred_gender":"female","preferred_interests":["music","gaming"]}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeStartMatching {
		t.Fatalf("expected type %q, got %q", TypeStartMatching, msgType)
	}

	sm, ok := msg.(StartMatchingMsg)
	if !ok {
		t.Fatalf("expected StartMatchingMsg, got %T", msg)
	}
	if sm.Filter.PreferredGender != "female" {
		t.Errorf("expected preferred_gender %q, got %q", "female", sm.Filter.PreferredGender)
	}
	expected := []string{"music", "gaming"}
	if len(sm.Filter.PreferredInterests) != len(expected) {
		t.Fatalf("expected %d interests, got %d", len(expected), len(sm.Filter.PreferredInterests))
	}
	for i, v := range expected {
		if sm.Filter.PreferredInterests[i] != v {
			t.Errorf("interest[%d]: expected %q, got %q", i, v, sm.Filter.PreferredInterests[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"room-1","content":"Hello!"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "room-1" {
		t.Errorf("expected room_id %q, got %q", "room-1", sm.RoomID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.MessageType != "" {
		t.Errorf("expected empty message_type, got %q", sm.MessageType)
	}
}

// ---------------------------------------------------------------------------
// Test: Call signaling payloads are kept verbatim
// ---------------------------------------------------------------------------

func TestParseClientMessage_CallSignals(t *testing.T) {
	tests := []struct {
		input   string
		msgType string
		payload string
	}{
		{`{"type":"call_offer","room_id":"r","offer":{"sdp":"v=0","type":"offer"}}`, TypeCallOffer, `{"sdp":"v=0","type":"offer"}`},
		{`{"type":"call_answer","room_id":"r","answer":{"sdp":"v=0","type":"answer"}}`, TypeCallAnswer, `{"sdp":"v=0","type":"answer"}`},
		{`{"type":"ice_candidate","room_id":"r","candidate":{"candidate":"a=1","sdpMid":"0"}}`, TypeIceCandidate, `{"candidate":"a=1","sdpMid":"0"}`},
	}

	for _, tt := range tests {
		msgType, msg, err := ParseClientMessage([]byte(tt.input))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.msgType, err)
		}
		if msgType != tt.msgType {
			t.Errorf("expected type %q, got %q", tt.msgType, msgType)
		}
		sig, ok := msg.(CallSignalMsg)
		if !ok {
			t.Fatalf("%s: expected CallSignalMsg, got %T", tt.msgType, msg)
		}
		if sig.RoomID != "r" {
			t.Errorf("%s: expected room_id %q, got %q", tt.msgType, "r", sig.RoomID)
		}
		if string(sig.Payload) != tt.payload {
			t.Errorf("%s: expected payload %s, got %s", tt.msgType, tt.payload, sig.Payload)
		}
	}
}

func TestParseClientMessage_CallSignalMissingPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"call_offer","room_id":"r"}`))
	if err == nil {
		t.Fatal("expected error for call_offer without offer, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a match_found server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchFound(t *testing.T) {
	payload := MatchFoundMsg{
		RoomID: "room-456",
		Partner: PartnerPreview{
			UserID:    "u2",
			Nickname:  "Kit",
			Interests: []string{"music"},
			Rating:    Rating{Average: 4.5, Count: 2},
		},
		InterestMatch: InterestMatch{MatchRate: 67, CommonInterests: []string{"music"}, CommonCount: 1},
	}

	data, err := NewServerMessage(TypeMatchFound, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMatchFound {
		t.Errorf("expected type %q, got %v", TypeMatchFound, result["type"])
	}
	if result["room_id"] != "room-456" {
		t.Errorf("expected room_id %q, got %v", "room-456", result["room_id"])
	}
	partner, ok := result["partner"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected partner object, got %T", result["partner"])
	}
	if partner["nickname"] != "Kit" {
		t.Errorf("expected nickname %q, got %v", "Kit", partner["nickname"])
	}
	im, ok := result["interest_match"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected interest_match object, got %T", result["interest_match"])
	}
	if rate, _ := im["match_rate"].(float64); rate != 67 {
		t.Errorf("expected match_rate 67, got %v", im["match_rate"])
	}
	if result["filter_bypassed"] != false {
		t.Errorf("expected filter_bypassed false, got %v", result["filter_bypassed"])
	}
}

// ---------------------------------------------------------------------------
// Test: Empty payloads still carry the type
// ---------------------------------------------------------------------------

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("expected %s, got %s", `{"type":"pong"}`, data)
	}
}

func TestNewServerMessage_RelaysRawPayload(t *testing.T) {
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	data, err := NewServerMessage(TypeCallOffer, ServerCallOfferMsg{RoomID: "r", From: "u1", Offer: offer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"type":"call_offer","room_id":"r","from":"u1","offer":{"type":"offer","sdp":"v=0"}}`
	if string(data) != expected {
		t.Errorf("expected %s, got %s", expected, data)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeError, []string{"nope"}); err == nil {
		t.Fatal("expected error for array payload, got nil")
	}
	if _, err := NewServerMessage(TypeError, nil); err == nil {
		t.Fatal("expected error for nil payload, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Rejecting an unknown message type
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match"}`)

	msgType, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown message type, got nil")
	}
	if msgType != "find_match" {
		t.Errorf("expected the unknown type to be reported, got %q", msgType)
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Rejecting malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	inputs := []string{
		`{not json`,
		`"just a string"`,
		`{"content":"no type"}`,
		`{"type":""}`,
		`{"type":42}`,
		`{"type":"join_room","room_id":7}`,
	}
	for _, in := range inputs {
		if _, _, err := ParseClientMessage([]byte(in)); err == nil {
			t.Errorf("expected error for %s, got nil", in)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Ping parses without a payload
// ---------------------------------------------------------------------------

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}
