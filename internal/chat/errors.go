package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrChatNotFound covers both missing chats and chats owned by someone else.
	ErrChatNotFound = errors.New("chat not found")
	ErrEmptyMessage = errors.New("message is empty")
)

// PersistenceError is returned when a write could not be completed even after
// duplicate resolution.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// CompletionServiceError wraps a transport level failure of the completion
// service. It is never retried.
type CompletionServiceError struct {
	Attempt int
	Err     error
}

func (e *CompletionServiceError) Error() string {
	return fmt.Sprintf("completion service (attempt %d): %v", e.Attempt, e.Err)
}
func (e *CompletionServiceError) Unwrap() error { return e.Err }

type PromptCompositionError struct {
	Reason string
}

func (e *PromptCompositionError) Error() string { return "prompt composition: " + e.Reason }
