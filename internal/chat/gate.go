package chat

import (
	"regexp"
	"strings"
	"time"

	"github.com/suPer8Hu/supportbot/internal/identity"
)

// GateInput is the state a MemoryClassifier decides on.
type GateInput struct {
	Identity identity.Identity
	// TurnCount excludes follow-up pseudo-turns.
	TurnCount int64
	Contexts  []string
	// UserTexts are the chat's recent user messages; personal details are
	// looked for here as well as in Contexts.
	UserTexts      []string
	LatestUserText string
	LatestTurnAt   time.Time
	// LastMemoryAt is the newest memory record or memory job of the chat;
	// zero when there is none.
	LastMemoryAt time.Time
	Now          time.Time
}

// MemoryClassifier decides whether a conversation should be distilled into
// long-term memory.
type MemoryClassifier interface {
	ShouldExtract(in GateInput) bool
}

// explicit personal details; one mention anywhere in the context is enough
var identityKeywords = []string{
	"my name is", "named", "call me", "email", "e-mail", "phone number",
	"address", "birthday", "date of birth",
}

// broader personal signals; two distinct ones are needed
var personalKeywords = append([]string{
	"i live", "lives in", "i work", "works at", "my job", "my company",
	"i prefer", "prefers", "favorite", "favourite", "my wife", "my husband",
	"my kids", "my children", "allergic", "years old",
}, identityKeywords...)

var closingPhrases = []string{
	"thank you", "thanks", "thx", "that's all", "that is all", "that's it",
	"no more questions", "bye", "goodbye", "have a nice day", "appreciate it",
}

type KeywordGate struct {
	MinTurns   int64
	Cooldown   time.Duration
	Inactivity time.Duration

	identity []*regexp.Regexp
	personal []*regexp.Regexp
	closing  []*regexp.Regexp
}

func NewKeywordGate() *KeywordGate {
	return &KeywordGate{
		MinTurns:   8,
		Cooldown:   10 * time.Minute,
		Inactivity: 15 * time.Minute,
		identity:   compileWords(identityKeywords),
		personal:   compileWords(personalKeywords),
		closing:    compileWords(closingPhrases),
	}
}

func compileWords(words []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(words))
	for _, w := range words {
		out = append(out, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return out
}

func (g *KeywordGate) ShouldExtract(in GateInput) bool {
	ok, _ := g.Evaluate(in)
	return ok
}

// Evaluate is ShouldExtract with the name of the trigger that fired.
func (g *KeywordGate) Evaluate(in GateInput) (bool, string) {
	if !in.Identity.IsAuthenticated() {
		return false, ""
	}
	if in.TurnCount < g.MinTurns {
		return false, ""
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !in.LastMemoryAt.IsZero() && now.Sub(in.LastMemoryAt) < g.Cooldown {
		return false, ""
	}

	scanned := make([]string, 0, len(in.Contexts)+len(in.UserTexts))
	scanned = append(append(scanned, in.Contexts...), in.UserTexts...)
	joined := normalizeQuotes(strings.Join(scanned, "\n"))
	switch {
	case matchesAny(g.identity, joined):
		return true, "personal_info"
	case countDistinct(g.personal, joined) >= 2:
		return true, "keyword_density"
	case matchesAny(g.closing, normalizeQuotes(in.LatestUserText)):
		return true, "closing"
	case !in.LatestTurnAt.IsZero() && now.Sub(in.LatestTurnAt) > g.Inactivity:
		return true, "inactivity"
	}
	return false, ""
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func countDistinct(res []*regexp.Regexp, s string) int {
	n := 0
	for _, re := range res {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

func normalizeQuotes(s string) string {
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}
