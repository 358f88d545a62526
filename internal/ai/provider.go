package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Provider is a completion service. Chat returns the raw body of one
// completion; errors are transport or service failures only.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
