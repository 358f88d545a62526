package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suPer8Hu/supportbot/internal/ai"
)

const extractMemoriesPrompt = `Analyze the following support conversation and extract durable facts about the user that are worth remembering in future conversations (name, contact preferences, products they use, recurring problems, stated preferences).

Return a JSON object:
{"memories":[{"title":"short label","content":"the fact","importance":1,"tags":["..."]}]}

- "importance" is 1 (trivia) to 5 (essential).
- Skip greetings, one-off troubleshooting steps and anything temporary.
- Return {"memories":[]} when nothing is worth keeping.

Conversation summary:
%s

Recent messages:
%s

Respond ONLY with valid JSON, no other text.`

type extractedMemory struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags"`
}

// Extractor distills a conversation into memory records with a completion
// provider.
type Extractor struct {
	provider ai.Provider
}

func NewExtractor(provider ai.Provider) *Extractor {
	return &Extractor{provider: provider}
}

// Extract returns the records to store for owner. It never returns records
// for an empty conversation.
func (e *Extractor) Extract(ctx context.Context, ownerID uint64, chatID string, contexts []string, turns []Turn) ([]MemoryRecord, error) {
	if len(contexts) == 0 && len(turns) == 0 {
		return nil, nil
	}

	var summary, conv strings.Builder
	for _, c := range contexts {
		fmt.Fprintf(&summary, "- %s\n", strings.TrimSpace(c))
	}
	for _, t := range turns {
		if t.Text != "" {
			fmt.Fprintf(&conv, "[%s]: %s\n\n", t.Sender, t.Text)
		}
	}

	raw, err := e.provider.Chat(ctx, []ai.Message{{
		Role:    ai.RoleUser,
		Content: fmt.Sprintf(extractMemoriesPrompt, summary.String(), conv.String()),
	}})
	if err != nil {
		return nil, fmt.Errorf("extract memories: %w", err)
	}

	body := extractBlock(raw)
	if !strings.HasPrefix(body, "{") {
		// prose instead of JSON, nothing to keep
		return nil, nil
	}
	var parsed struct {
		Memories []extractedMemory `json:"memories"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("parse extracted memories: %w", err)
	}

	src := chatID
	out := make([]MemoryRecord, 0, len(parsed.Memories))
	for _, m := range parsed.Memories {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		title := strings.TrimSpace(m.Title)
		if title == "" {
			title = truncateRunes(content, 48)
		}
		tags, _ := json.Marshal(cleanStrings(m.Tags))
		out = append(out, MemoryRecord{
			OwnerID:      ownerID,
			Title:        truncateRunes(title, 255),
			Content:      content,
			Importance:   min(max(m.Importance, 1), 5),
			Tags:         string(tags),
			SourceChatID: &src,
		})
	}
	return out, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
