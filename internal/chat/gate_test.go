package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/suPer8Hu/supportbot/internal/identity"
)

var gateNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func gateBase() GateInput {
	return GateInput{
		Identity:       identity.Authenticated(42),
		TurnCount:      8,
		Contexts:       []string{"user asks about invoices"},
		LatestUserText: "and where is the invoice list?",
		LatestTurnAt:   gateNow,
		Now:            gateNow,
	}
}

func TestKeywordGate_Triggers(t *testing.T) {
	g := NewKeywordGate()

	cases := []struct {
		name   string
		mutate func(*GateInput)
		want   bool
		reason string
	}{
		{"no trigger", func(*GateInput) {}, false, ""},
		{"personal info in context", func(in *GateInput) {
			in.Contexts = append(in.Contexts, "user says my name is Alice")
		}, true, "personal_info"},
		{"personal info in a user message", func(in *GateInput) {
			in.UserTexts = []string{"Hi, my name is Alice", "still no invoice"}
		}, true, "personal_info"},
		{"broad keywords across user messages and context", func(in *GateInput) {
			in.Contexts = append(in.Contexts, "user prefers dark mode")
			in.UserTexts = []string{"I work from home on Fridays"}
		}, true, "keyword_density"},
		{"one broad keyword is not enough", func(in *GateInput) {
			in.Contexts = append(in.Contexts, "user prefers dark mode")
		}, false, ""},
		{"two broad keywords", func(in *GateInput) {
			in.Contexts = append(in.Contexts, "user prefers dark mode", "user works at Acme")
		}, true, "keyword_density"},
		{"closing phrase", func(in *GateInput) {
			in.LatestUserText = "Great, that’s all, thank you!"
		}, true, "closing"},
		{"inactivity", func(in *GateInput) {
			in.LatestTurnAt = gateNow.Add(-16 * time.Minute)
		}, true, "inactivity"},
	}
	for _, tc := range cases {
		in := gateBase()
		tc.mutate(&in)
		got, reason := g.Evaluate(in)
		assert.Equal(t, tc.want, got, tc.name)
		assert.Equal(t, tc.reason, reason, tc.name)
		assert.Equal(t, tc.want, g.ShouldExtract(in), tc.name)
	}
}

func TestKeywordGate_NeverForAnonymous(t *testing.T) {
	g := NewKeywordGate()
	in := gateBase()
	in.Identity = identity.Anonymous("203.0.113.5")
	in.TurnCount = 100
	in.Contexts = []string{"my name is Bob, my email is bob@example.com, I work at Acme"}
	in.LatestUserText = "thank you, bye"
	in.LatestTurnAt = gateNow.Add(-time.Hour)

	assert.False(t, g.ShouldExtract(in))

	in.Identity = identity.None
	assert.False(t, g.ShouldExtract(in))
}

func TestKeywordGate_RequiresEightTurns(t *testing.T) {
	g := NewKeywordGate()
	in := gateBase()
	in.LatestUserText = "thanks!"

	in.TurnCount = 7
	assert.False(t, g.ShouldExtract(in))
	in.TurnCount = 8
	assert.True(t, g.ShouldExtract(in))
}

func TestKeywordGate_CooldownAfterRecentMemory(t *testing.T) {
	g := NewKeywordGate()
	in := gateBase()
	in.LatestUserText = "thanks!"

	in.LastMemoryAt = gateNow.Add(-9 * time.Minute)
	assert.False(t, g.ShouldExtract(in))

	in.LastMemoryAt = gateNow.Add(-11 * time.Minute)
	assert.True(t, g.ShouldExtract(in))
}
