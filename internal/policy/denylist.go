package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/hive/pkg/models"
)

// DefaultKeywords are denied in prompts and responses unless rules say otherwise.
var DefaultKeywords = []string{
	"BEGIN RSA PRIVATE KEY",
	"BEGIN OPENSSH PRIVATE KEY",
	"rm -rf /",
}

// Denylist denies payloads containing a keyword (case-insensitive) or matching a pattern.
type Denylist struct {
	keywords []string
	patterns []*regexp.Regexp
	on       []Stage
}

// NewDenylist creates a denylist. Invalid patterns are reported here rather than at check time.
func NewDenylist(keywords, patterns []string, on ...Stage) (*Denylist, error) {
	d := &Denylist{keywords: append([]string{}, keywords...), on: on}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// Name implements Hook.
func (d *Denylist) Name() string { return "denylist" }

// Check implements Hook.
func (d *Denylist) Check(stage Stage, p Payload, _ Env) models.PolicyVerdict {
	if !stages(d.on)(stage) {
		return Allow()
	}
	lower := strings.ToLower(p.Text)
	for _, kw := range d.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return Deny("contains denied keyword: " + kw)
		}
	}
	for _, re := range d.patterns {
		if re.MatchString(p.Text) {
			return Deny("matches denied pattern: " + re.String())
		}
	}
	return Allow()
}

// Rules is the on-disk policy configuration.
type Rules struct {
	Denylist struct {
		Keywords []string `yaml:"keywords"`
		Patterns []string `yaml:"patterns"`
		// SkipDefaults drops DefaultKeywords.
		SkipDefaults bool `yaml:"skip_defaults"`
	} `yaml:"denylist"`
	Redact          []RedactRule `yaml:"redact"`
	MaxLength       int          `yaml:"max_length"`
	RateLimit       int          `yaml:"rate_limit"`
	RequireNonEmpty *bool        `yaml:"require_non_empty"`
}

// DefaultRules returns rules with the default denylist and non-empty check.
func DefaultRules() *Rules {
	return &Rules{}
}

// LoadRules reads policy rules from a YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules decodes YAML policy rules.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	return &rules, nil
}

// Chain builds the hook chain the rules describe. Registration order is:
// rate_limit, denylist, redact, max_length, require_non_empty.
func (r *Rules) Chain() (*Chain, error) {
	var hooks []Hook
	if r.RateLimit > 0 {
		hooks = append(hooks, RateLimit(r.RateLimit))
	}

	keywords := r.Denylist.Keywords
	if !r.Denylist.SkipDefaults {
		keywords = append(append([]string{}, DefaultKeywords...), keywords...)
	}
	if len(keywords) > 0 || len(r.Denylist.Patterns) > 0 {
		d, err := NewDenylist(keywords, r.Denylist.Patterns)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, d)
	}

	if len(r.Redact) > 0 {
		h, err := Redact(r.Redact, StagePost)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	if r.MaxLength > 0 {
		hooks = append(hooks, MaxLength(r.MaxLength))
	}
	if r.RequireNonEmpty == nil || *r.RequireNonEmpty {
		hooks = append(hooks, RequireNonEmpty())
	}
	return NewChain(hooks...), nil
}
