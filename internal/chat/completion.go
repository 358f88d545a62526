package chat

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/ai"
)

const (
	maxCompletionAttempts = 3
	minPlausibleChars     = 20
)

const fallbackApology = "Sorry, I could not put together a proper answer this time. Could you rephrase your question?"

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Paragraph is one paragraph of a structured answer. Both {"content": "..."}
// and a bare string are accepted.
type Paragraph struct {
	Content string `json:"content"`
}

func (p *Paragraph) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Content = s
		return nil
	}
	type plain Paragraph
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Paragraph(v)
	return nil
}

type structuredAnswer struct {
	Paragraphs []Paragraph `json:"paragraphs"`
	FollowUps  []string    `json:"follow_up_questions"`
	Context    string      `json:"context"`
}

// Completion is the answer handed to the emitter.
type Completion struct {
	Paragraphs []string
	FollowUps  []string
	Context    string

	Attempts int
	// FallbackReason is empty for structured answers, otherwise the outcome
	// of the last attempt that sent us to SplitByContext.
	FallbackReason string
}

func (c *Completion) Fallback() bool { return c.FallbackReason != "" }

type outcome uint8

const (
	outcomeOK outcome = iota
	outcomeUnparseable
	outcomeTruncated
	outcomeNoParagraphs
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeUnparseable:
		return "unparseable"
	case outcomeTruncated:
		return "truncated"
	case outcomeNoParagraphs:
		return "no_paragraphs"
	default:
		return "unknown"
	}
}

type attempt struct {
	outcome    outcome
	raw        string
	paragraphs []string
	answer     structuredAnswer
}

// Requester asks a provider for a structured answer, retrying only when the
// body does not parse or looks cut off.
type Requester struct {
	maxAttempts int
	log         *zap.Logger
}

func NewRequester(log *zap.Logger) *Requester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Requester{maxAttempts: maxCompletionAttempts, log: log}
}

// Complete returns a structured answer or the SplitByContext fallback. Only a
// provider (transport) failure yields an error, as *CompletionServiceError.
func (r *Requester) Complete(ctx context.Context, p ai.Provider, msgs []ai.Message) (*Completion, error) {
	var last attempt
	for i := 1; i <= r.maxAttempts; i++ {
		req := msgs
		if i > 1 {
			req = withStrictInstruction(msgs)
		}

		raw, err := p.Chat(ctx, req)
		if err != nil {
			return nil, &CompletionServiceError{Attempt: i, Err: err}
		}

		last = evaluate(raw)
		switch last.outcome {
		case outcomeOK:
			return &Completion{
				Paragraphs: last.paragraphs,
				FollowUps:  cleanStrings(last.answer.FollowUps),
				Context:    strings.TrimSpace(last.answer.Context),
				Attempts:   i,
			}, nil
		case outcomeNoParagraphs:
			// a well-formed object without paragraphs will not improve on retry
			r.log.Info("completion without paragraphs, using fallback", zap.Int("attempt", i))
			return fallbackCompletion(last, i), nil
		default:
			r.log.Info("completion attempt rejected",
				zap.Int("attempt", i),
				zap.Stringer("outcome", last.outcome),
				zap.Int("raw_len", len(raw)),
			)
		}
	}
	return fallbackCompletion(last, r.maxAttempts), nil
}

// fallbackCompletion builds the answer from the last attempt. Paragraphs that
// parsed are used as they are; only text that never parsed goes through
// SplitByContext, with any code fence removed first.
func fallbackCompletion(last attempt, attempts int) *Completion {
	var paras []string
	followUps := cleanStrings(last.answer.FollowUps)
	switch last.outcome {
	case outcomeTruncated:
		paras = last.paragraphs
	case outcomeNoParagraphs:
		paras = SplitByContext(looseText(extractBlock(last.raw)))
		followUps = nil
	default:
		paras = SplitByContext(proseOf(last.raw))
	}
	if len(paras) == 0 {
		paras = []string{fallbackApology}
	}
	if len(followUps) == 0 {
		followUps = append([]string(nil), genericFollowUps...)
	}
	return &Completion{
		Paragraphs:     paras,
		FollowUps:      followUps,
		Context:        strings.TrimSpace(last.answer.Context),
		Attempts:       attempts,
		FallbackReason: last.outcome.String(),
	}
}

// proseOf strips a code fence around an unparseable body.
func proseOf(raw string) string {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}

// looseText collects the top-level string values of an object that parsed
// without paragraphs, in key order, leaving out the context and follow-ups.
func looseText(block string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(block), &obj); err != nil {
		return ""
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if k == "context" || k == "follow_up_questions" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			parts = append(parts, v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					parts = append(parts, s)
				}
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func evaluate(raw string) attempt {
	a := attempt{raw: raw}

	var ans structuredAnswer
	if err := json.Unmarshal([]byte(extractBlock(raw)), &ans); err != nil {
		a.outcome = outcomeUnparseable
		return a
	}
	a.answer = ans

	for _, p := range ans.Paragraphs {
		if s := strings.TrimSpace(p.Content); s != "" {
			a.paragraphs = append(a.paragraphs, s)
		}
	}
	switch {
	case len(a.paragraphs) == 0:
		a.outcome = outcomeNoParagraphs
	case looksTruncated(raw, a.paragraphs[len(a.paragraphs)-1]):
		a.outcome = outcomeTruncated
	default:
		a.outcome = outcomeOK
	}
	return a
}

// extractBlock returns the fenced block when there is one, otherwise the
// trimmed body, narrowed to its outermost {...} when prose surrounds it.
func extractBlock(raw string) string {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "{") {
		return body
	}
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start >= 0 && end > start {
		return body[start : end+1]
	}
	return body
}

const (
	terminalRunes = ".!?:;)]\"'`*…。！？」』”’"
	danglingRunes = ",-–—(/&+"
)

// danglingWords are words an answer does not end on unless it was cut off.
var danglingWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "because": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "if": {}, "in": {}, "into": {},
	"is": {}, "my": {}, "of": {}, "on": {}, "or": {}, "so": {}, "than": {},
	"that": {}, "the": {}, "then": {}, "to": {}, "which": {}, "with": {}, "your": {},
}

// looksTruncated reports a body that is implausibly short, or whose last
// paragraph ends on a separator or a dangling word. A paragraph ending in an
// address, a number or an emoji is complete.
func looksTruncated(raw, lastParagraph string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(raw)) < minPlausibleChars {
		return true
	}
	s := strings.TrimSpace(lastParagraph)
	r, _ := utf8.DecodeLastRuneInString(s)
	if strings.ContainsRune(terminalRunes, r) {
		return false
	}
	if strings.ContainsRune(danglingRunes, r) {
		return true
	}
	words := strings.Fields(s)
	_, dangling := danglingWords[strings.ToLower(words[len(words)-1])]
	return dangling
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
