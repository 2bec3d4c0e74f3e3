package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // server frame limit
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage is returned for text that is empty after trimming.
var ErrEmptyMessage = errors.New("chat: message text is empty")

// ValidateMessage checks that outgoing text meets the server's content
// limits before an optimistic entry is created for it.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
