package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/hive/pkg/models"
)

// stages returns a membership test; no stages means every stage.
func stages(list []Stage) func(Stage) bool {
	return func(s Stage) bool {
		if len(list) == 0 {
			return true
		}
		for _, x := range list {
			if x == s {
				return true
			}
		}
		return false
	}
}

// MaxLength denies payloads longer than limit bytes.
func MaxLength(limit int, on ...Stage) Hook {
	applies := stages(on)
	return HookFunc{HookName: "max_length", Fn: func(stage Stage, p Payload, _ Env) models.PolicyVerdict {
		if !applies(stage) || len(p.Text) <= limit {
			return Allow()
		}
		return Deny(fmt.Sprintf("payload is %d bytes, limit %d", len(p.Text), limit))
	}}
}

// RequireNonEmpty denies post-stage responses that are blank or flagged invalid.
func RequireNonEmpty() Hook {
	return HookFunc{HookName: "require_non_empty", Fn: func(stage Stage, p Payload, _ Env) models.PolicyVerdict {
		if stage != StagePost {
			return Allow()
		}
		if p.Invalid {
			return Deny("adapter returned an invalid response")
		}
		if strings.TrimSpace(p.Text) == "" {
			return Deny("empty response")
		}
		return Allow()
	}}
}

// RateLimit denies the pre-stage once a dispatch has made maxCalls adapter calls.
// The call counter lives in Env and is owned by the caller.
func RateLimit(maxCalls int) Hook {
	return HookFunc{HookName: "rate_limit", Fn: func(stage Stage, _ Payload, env Env) models.PolicyVerdict {
		if stage != StagePre || maxCalls <= 0 || env.Calls < maxCalls {
			return Allow()
		}
		return Deny(fmt.Sprintf("%d adapter calls reached limit %d", env.Calls, maxCalls))
	}}
}

// RedactRule replaces every match of Pattern with Replacement.
type RedactRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Redact rewrites matches of the given rules. Invalid patterns are reported at construction.
func Redact(rules []RedactRule, on ...Stage) (Hook, error) {
	type compiled struct {
		re   *regexp.Regexp
		repl string
	}
	var cs []compiled
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", r.Pattern, err)
		}
		repl := r.Replacement
		if repl == "" {
			repl = "[REDACTED]"
		}
		cs = append(cs, compiled{re: re, repl: repl})
	}
	applies := stages(on)
	return HookFunc{HookName: "redact", Fn: func(stage Stage, p Payload, _ Env) models.PolicyVerdict {
		if !applies(stage) {
			return Allow()
		}
		out := p.Text
		for _, c := range cs {
			out = c.re.ReplaceAllString(out, c.repl)
		}
		if out == p.Text {
			return Allow()
		}
		return Modify(out, "redacted sensitive content")
	}}, nil
}
