package chat

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minChunkChars = 300
	maxChunkChars = 1000
)

var (
	numberedStart = regexp.MustCompile(`^\s*\d{1,3}[.)]\s+\S`)
	markdownHead  = regexp.MustCompile(`^\s*#{1,6}\s+\S`)
	boldHead      = regexp.MustCompile(`^\s*\*\*[^*\n]+\*\*`)
)

// genericFollowUps accompany answers produced by SplitByContext.
var genericFollowUps = []string{
	"Could you share more details about your issue?",
	"Would you like step-by-step instructions?",
	"Is there anything else I can help you with?",
}

// SplitByContext cuts free text into paragraphs at topic boundaries (numbered
// items, markdown or bold headers, blank lines), then merges chunks shorter
// than 300 characters into their neighbour as long as the result stays within
// 1000 characters. The output is deterministic for a given input.
func SplitByContext(raw string) []string {
	return mergeChunks(splitChunks(raw))
}

func splitChunks(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var (
		chunks []string
		cur    []string
	)
	flush := func() {
		if s := strings.TrimSpace(strings.Join(cur, "\n")); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}

	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if isBoundary(line) {
			flush()
		}
		cur = append(cur, strings.TrimRight(line, " \t"))
	}
	flush()
	return chunks
}

func isBoundary(line string) bool {
	return numberedStart.MatchString(line) || markdownHead.MatchString(line) || boldHead.MatchString(line)
}

func mergeChunks(chunks []string) []string {
	var out []string
	for _, c := range chunks {
		if n := len(out); n > 0 {
			last := out[n-1]
			lastLen, curLen := utf8.RuneCountInString(last), utf8.RuneCountInString(c)
			small := lastLen < minChunkChars || curLen < minChunkChars
			if small && lastLen+2+curLen <= maxChunkChars {
				out[n-1] = last + "\n\n" + c
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
