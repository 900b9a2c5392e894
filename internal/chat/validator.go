package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/whisper/randomchat/internal/store"
)

// MaxContentChars is the maximum message length in characters.
const MaxContentChars = 1000

// ErrInvalidContent is wrapped by every ValidateMessage failure.
var ErrInvalidContent = errors.New("chat: invalid message")

// ValidateMessage checks that a chat message meets content requirements and
// returns its normalized type; an empty type means text.
func ValidateMessage(content, messageType string) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("%w: content is empty", ErrInvalidContent)
	}
	if !utf8.ValidString(content) {
		return "", fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return "", fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidContent, MaxContentChars)
	}

	switch messageType {
	case "":
		return store.MessageText, nil
	case store.MessageText, store.MessageImage, store.MessageSystem:
		return messageType, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, messageType)
	}
}
