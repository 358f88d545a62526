package security

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []struct {
		ID      string `yaml:"id"`
		Kind    string `yaml:"kind"`
		Level   string `yaml:"level"`
		Pattern string `yaml:"pattern"`
	} `yaml:"rules"`
}

var knownKinds = map[ThreatKind]bool{
	ThreatPromptInjection: true,
	ThreatJailbreak:       true,
	ThreatIdentityProbe:   true,
	ThreatSystemProbe:     true,
}

// LoadRules reads extra rules from a YAML file:
//
//	rules:
//	  - id: injection.custom
//	    kind: PROMPT_INJECTION
//	    level: HIGH
//	    pattern: '(?i)act\s+as\s+root'
func LoadRules(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(b)
}

func ParseRules(b []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("security rules: %w", err)
	}

	out := make([]Rule, 0, len(f.Rules))
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("security rules: rule %d has no id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("security rules: duplicate id %q", id)
		}
		seen[id] = true

		kind := ThreatKind(strings.ToUpper(strings.TrimSpace(r.Kind)))
		if !knownKinds[kind] {
			return nil, fmt.Errorf("security rules: %s: unknown kind %q", id, r.Kind)
		}
		level, err := ParseLevel(r.Level)
		if err != nil || level == LevelNone {
			return nil, fmt.Errorf("security rules: %s: bad level %q", id, r.Level)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("security rules: %s: %w", id, err)
		}
		out = append(out, Rule{ID: id, Kind: kind, Level: level, Pattern: re})
	}
	return out, nil
}
