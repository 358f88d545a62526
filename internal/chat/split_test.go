package chat

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitByContext_MergesSmallSections(t *testing.T) {
	raw := "Intro line.\n\n1. First step is short.\n2. Second step is short.\n\n**Notes**\nSome note."

	got := SplitByContext(raw)

	require.Len(t, got, 1)
	assert.Equal(t,
		"Intro line.\n\n1. First step is short.\n\n2. Second step is short.\n\n**Notes**\nSome note.",
		got[0])
}

func TestSplitByContext_BoundariesWithoutBlankLines(t *testing.T) {
	raw := "## Billing\n" + strings.Repeat("b", 400) + "\n## Shipping\n" + strings.Repeat("s", 400)

	got := SplitByContext(raw)

	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[0], "## Billing"))
	assert.True(t, strings.HasPrefix(got[1], "## Shipping"))
}

func TestSplitByContext_LargeChunksStayApart(t *testing.T) {
	a, b, c := strings.Repeat("a", 400), strings.Repeat("b", 400), strings.Repeat("c", 400)

	got := SplitByContext(a + "\n\n" + b + "\n\n" + c)

	assert.Equal(t, []string{a, b, c}, got)
}

func TestSplitByContext_RespectsCap(t *testing.T) {
	big, small, tiny := strings.Repeat("x", 900), strings.Repeat("y", 200), strings.Repeat("z", 50)

	got := SplitByContext(big + "\n\n" + small + "\n\n" + tiny)

	// small cannot join big (would exceed 1000) but tiny joins small
	assert.Equal(t, []string{big, small + "\n\n" + tiny}, got)
	for _, p := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), maxChunkChars)
	}
}

func TestSplitByContext_EmptyAndDeterministic(t *testing.T) {
	assert.Nil(t, SplitByContext("   \n\n  "))

	raw := "Some answer text.\n\n1. a\n2. b\n\n### Header\nbody"
	assert.Equal(t, SplitByContext(raw), SplitByContext(raw))
}
