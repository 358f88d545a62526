package chat

import "time"

type FrameType string

const (
	FrameStreaming FrameType = "streaming"
	FrameParagraph FrameType = "paragraph"
	FrameFollowUp  FrameType = "followUp"
	FrameError     FrameType = "error"
	FrameComplete  FrameType = "complete"
	FrameRefresh   FrameType = "refresh"
)

// FrameWriter delivers frames to the client in order. The transport decides
// the encoding; an error means the client can no longer be reached.
type FrameWriter interface {
	WriteFrame(frame Frame) error
}

// Frame is implemented by every frame payload.
type Frame interface {
	FrameType() FrameType
}

// TurnView is a turn as the streaming client sees it.
type TurnView struct {
	ID        uint64    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    Sender    `json:"sender"`
	Kind      TurnKind  `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewOf(t *Turn) TurnView {
	return TurnView{
		ID:        t.ID,
		ChatID:    t.ChatID,
		Sender:    t.Sender,
		Kind:      t.Kind,
		Text:      t.Text,
		CreatedAt: t.CreatedAt,
	}
}

// Views converts stored turns for the reconciliation endpoint.
func Views(turns []Turn) []TurnView {
	out := make([]TurnView, 0, len(turns))
	for i := range turns {
		out = append(out, viewOf(&turns[i]))
	}
	return out
}

// StreamingFrame carries the growing word prefix of a paragraph.
type StreamingFrame struct {
	Type            FrameType `json:"type"`
	ChatID          string    `json:"chatId"`
	Content         string    `json:"content"`
	ParagraphIndex  int       `json:"paragraphIndex"`
	TotalParagraphs int       `json:"totalParagraphs"`
	WordIndex       int       `json:"wordIndex"`
	TotalWords      int       `json:"totalWords"`
	IsComplete      bool      `json:"isComplete"`
}

// ParagraphFrame finalizes a paragraph with its persisted turn.
type ParagraphFrame struct {
	Type            FrameType `json:"type"`
	ChatID          string    `json:"chatId"`
	Message         TurnView  `json:"message"`
	ParagraphIndex  int       `json:"paragraphIndex"`
	TotalParagraphs int       `json:"totalParagraphs"`
	IsComplete      bool      `json:"isComplete"`
}

type FollowUpFrame struct {
	Type              FrameType `json:"type"`
	ChatID            string    `json:"chatId"`
	Message           TurnView  `json:"message"`
	FollowUpQuestions []string  `json:"followUpQuestions"`
}

// ErrorFrame reports a failed turn together with the fallback turn saved for it.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	ChatID  string    `json:"chatId"`
	Error   string    `json:"error"`
	Message *TurnView `json:"message,omitempty"`
}

type CompleteFrame struct {
	Type              FrameType `json:"type"`
	ChatID            string    `json:"chatId"`
	Title             string    `json:"title,omitempty"`
	FollowUpQuestions []string  `json:"followUpQuestions,omitempty"`
}

type RefreshFrame struct {
	Type   FrameType `json:"type"`
	ChatID string    `json:"chatId"`
}

func (StreamingFrame) FrameType() FrameType { return FrameStreaming }
func (ParagraphFrame) FrameType() FrameType { return FrameParagraph }
func (FollowUpFrame) FrameType() FrameType  { return FrameFollowUp }
func (ErrorFrame) FrameType() FrameType     { return FrameError }
func (CompleteFrame) FrameType() FrameType  { return FrameComplete }
func (RefreshFrame) FrameType() FrameType   { return FrameRefresh }
