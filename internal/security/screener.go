// Package security detects adversarial or policy-probing turns before they
// reach the completion service.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type ThreatKind string

const (
	ThreatNone            ThreatKind = "NONE"
	ThreatPromptInjection ThreatKind = "PROMPT_INJECTION"
	ThreatJailbreak       ThreatKind = "JAILBREAK"
	ThreatIdentityProbe   ThreatKind = "IDENTITY_PROBE"
	ThreatSystemProbe     ThreatKind = "SYSTEM_PROBE"
)

type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = map[Level]string{
	LevelNone:     "NONE",
	LevelLow:      "LOW",
	LevelMedium:   "MEDIUM",
	LevelHigh:     "HIGH",
	LevelCritical: "CRITICAL",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown threat level %q", s)
}

var ErrEmptyInput = errors.New("security: empty input")

// Rule is one compiled adversarial pattern.
type Rule struct {
	ID      string
	Kind    ThreatKind
	Level   Level
	Pattern *regexp.Regexp
}

// Result of screening one turn. Matched lists rule ids in evaluation order.
type Result struct {
	Threat  ThreatKind
	Level   Level
	Matched []string
}

func (r Result) IsThreat() bool { return r.Threat != ThreatNone }

func mustRule(id string, kind ThreatKind, level Level, expr string) Rule {
	return Rule{ID: id, Kind: kind, Level: level, Pattern: regexp.MustCompile(expr)}
}

// builtinRules are evaluated in order; the first hit decides the kind.
var builtinRules = []Rule{
	// instruction override
	mustRule("injection.ignore_previous", ThreatPromptInjection, LevelHigh, `(?i)\b(ignore|disregard|forget|skip)\s+(all\s+|any\s+|the\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|prompts?|rules?|directions?|context)`),
	mustRule("injection.override", ThreatPromptInjection, LevelHigh, `(?i)\boverride\s+(your\s+|the\s+)?(instructions?|rules?|guidelines|programming)`),
	mustRule("injection.new_system_prompt", ThreatPromptInjection, LevelHigh, `(?i)\bnew\s+system\s+(prompt|instructions?)\b`),
	mustRule("injection.from_now_on", ThreatPromptInjection, LevelMedium, `(?i)\bfrom\s+now\s+on,?\s+you\s+(are|will|must|should)\b`),
	mustRule("injection.markup", ThreatPromptInjection, LevelMedium, `(?i)(<\|im_start\|>|\[/?INST\]|<<SYS>>|</?system>)`),
	mustRule("injection.important_ignore", ThreatPromptInjection, LevelMedium, `(?i)\bIMPORTANT\s*:\s*ignore\b`),

	// role-play bypass
	mustRule("jailbreak.dan", ThreatJailbreak, LevelCritical, `\bDAN\b|(?i:\bdo\s+anything\s+now\b)`),
	mustRule("jailbreak.developer_mode", ThreatJailbreak, LevelHigh, `(?i)\b(developer|god|unrestricted|jailbreak)\s+mode\b`),
	mustRule("jailbreak.you_are_now", ThreatJailbreak, LevelMedium, `(?i)\byou\s+are\s+now\s+(a|an|my)\b`),
	mustRule("jailbreak.pretend_no_rules", ThreatJailbreak, LevelHigh, `(?i)\b(pretend|act\s+as\s+if|imagine)\b.{0,40}\b(no|without)\s+(rules|restrictions|limits|filters)\b`),

	// who/what is the assistant
	mustRule("identity.which_model", ThreatIdentityProbe, LevelLow, `(?i)\b(which|what)\s+(ai\s+|language\s+|llm\s+)?model\s+(are\s+you|is\s+this|powers\s+you|do\s+you\s+use)`),
	mustRule("identity.who_made_you", ThreatIdentityProbe, LevelLow, `(?i)\bwho\s+(made|created|built|trained|developed)\s+you\b`),
	mustRule("identity.are_you_gpt", ThreatIdentityProbe, LevelLow, `(?i)\bare\s+you\s+(chat\s*gpt|gpt-?\d|claude|gemini|llama|qwen|deepseek)\b`),

	// internals
	mustRule("system.reveal_prompt", ThreatSystemProbe, LevelHigh, `(?i)\b(reveal|show|print|repeat|output|tell\s+me|what\s+is|what's)\s+(me\s+)?(your|the)\s+(system\s+|initial\s+|hidden\s+|original\s+)(prompt|instructions?|message)`),
	mustRule("system.config_probe", ThreatSystemProbe, LevelMedium, `(?i)\b(your|the\s+server'?s?|the\s+bot'?s?)\s+(own\s+)?(api\s+keys?|environment\s+variables?|config(uration)?\s+files?|database\s+passwords?|internal\s+(configuration|architecture))\b`),
	mustRule("system.training_data", ThreatSystemProbe, LevelLow, `(?i)\bwhat\s+(is|was|are)\s+your\s+(training\s+data|knowledge\s+cutoff|context\s+window)\b`),
}

type Screener struct {
	rules []Rule
}

// NewScreener returns a screener over the builtin rules followed by extra.
func NewScreener(extra ...Rule) *Screener {
	rules := make([]Rule, 0, len(builtinRules)+len(extra))
	rules = append(rules, builtinRules...)
	rules = append(rules, extra...)
	return &Screener{rules: rules}
}

func (s *Screener) Rules() []Rule { return s.rules }

// Screen classifies text. It performs no I/O.
func (s *Screener) Screen(text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyInput
	}

	res := Result{Threat: ThreatNone, Level: LevelNone}
	for _, r := range s.rules {
		if !r.Pattern.MatchString(text) {
			continue
		}
		if res.Threat == ThreatNone {
			res.Threat = r.Kind
		}
		if r.Level > res.Level {
			res.Level = r.Level
		}
		res.Matched = append(res.Matched, r.ID)
	}
	return res, nil
}
