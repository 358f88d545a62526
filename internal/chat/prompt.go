package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/supportbot/internal/ai"
	"github.com/suPer8Hu/supportbot/internal/identity"
)

const systemInstructions = `You are the customer support assistant of this product.
Answer the user's latest message helpfully and concisely.

Respond ONLY with a JSON object of this exact shape:
{"paragraphs":[{"content":"..."}],"follow_up_questions":["..."],"context":"..."}

- "paragraphs": one to four paragraphs, each a complete thought ending with punctuation.
- "follow_up_questions": two or three short questions the user may ask next.
- "context": one sentence summarising what the user needs, for future turns.`

// strictInstruction is appended when a previous attempt did not parse.
const strictInstruction = `Your previous answer was not valid. Respond ONLY with the JSON structure ` +
	`{"paragraphs":[{"content":"..."}],"follow_up_questions":["..."],"context":"..."}. ` +
	`No prose, no markdown, no code fences, and finish every paragraph.`

// PromptInput is everything the composer needs for one turn.
type PromptInput struct {
	UserText string
	Contexts []string
	Memories []MemoryRecord
	Recent   []Turn
}

// Accumulator gathers conversation context and long-term memory for a turn.
type Accumulator struct {
	repo       *Repo
	window     int
	memoryTopN int
}

func NewAccumulator(repo *Repo, window, memoryTopN int) *Accumulator {
	if window <= 0 || window > 100 {
		window = 10
	}
	if memoryTopN < 0 {
		memoryTopN = 0
	}
	return &Accumulator{repo: repo, window: window, memoryTopN: memoryTopN}
}

// Gather loads prior contexts, the caller's memories (authenticated only) and
// the recent window, leaving out the turn being answered.
func (a *Accumulator) Gather(ctx context.Context, chatID string, who identity.Identity, current *Turn) (PromptInput, error) {
	in := PromptInput{UserText: current.Text}

	contexts, err := a.repo.GetContextHistory(ctx, chatID)
	if err != nil {
		return in, fmt.Errorf("context history: %w", err)
	}
	in.Contexts = contexts

	if uid, ok := who.UserID(); ok && a.memoryTopN > 0 {
		mems, err := a.repo.TopMemories(ctx, uid, a.memoryTopN)
		if err != nil {
			return in, fmt.Errorf("top memories: %w", err)
		}
		in.Memories = mems
	}

	recent, err := a.repo.ListRecentTurns(ctx, chatID, a.window, current.ID)
	if err != nil {
		return in, fmt.Errorf("recent turns: %w", err)
	}
	in.Recent = recent
	return in, nil
}

// ComposePrompt builds the provider messages. The result always ends with the
// user's new text.
func ComposePrompt(in PromptInput) ([]ai.Message, error) {
	userText := strings.TrimSpace(in.UserText)
	if userText == "" {
		return nil, &PromptCompositionError{Reason: "empty user text"}
	}

	msgs := make([]ai.Message, 0, len(in.Recent)+3)
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: systemInstructions})

	if bg := background(in.Contexts, in.Memories); bg != "" {
		msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: bg})
	}

	for _, t := range in.Recent {
		role := ai.RoleUser
		if t.Sender == SenderAssistant {
			role = ai.RoleAssistant
		}
		msgs = append(msgs, ai.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: userText})

	if err := checkPrompt(msgs, userText); err != nil {
		return nil, err
	}
	return msgs, nil
}

func background(contexts []string, memories []MemoryRecord) string {
	var b strings.Builder
	if len(contexts) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, c := range contexts {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(c))
			b.WriteByte('\n')
		}
	}
	if len(memories) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("What you remember about this user:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s: %s\n", m.Title, m.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

func checkPrompt(msgs []ai.Message, userText string) error {
	if len(msgs) == 0 {
		return &PromptCompositionError{Reason: "no messages"}
	}
	last := msgs[len(msgs)-1]
	if last.Role != ai.RoleUser || !strings.Contains(last.Content, userText) {
		return &PromptCompositionError{Reason: "final message does not carry the user text"}
	}
	return nil
}

// withStrictInstruction returns a copy of msgs with the strict format reminder
// placed just before the user's message.
func withStrictInstruction(msgs []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs)+1)
	out = append(out, msgs[:len(msgs)-1]...)
	out = append(out, ai.Message{Role: ai.RoleSystem, Content: strictInstruction})
	return append(out, msgs[len(msgs)-1])
}
