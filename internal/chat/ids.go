package chat

import (
	"regexp"

	"github.com/oklog/ulid/v2"
)

// NewChatAlias is the chat id a client sends to start a new conversation.
const NewChatAlias = "new"

var chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewID returns a fresh ULID, used for chats and memory jobs.
func NewID() string {
	return ulid.Make().String()
}

func ValidChatID(id string) bool {
	return chatIDPattern.MatchString(id)
}
