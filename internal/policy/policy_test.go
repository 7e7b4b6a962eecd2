package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/hive/pkg/models"
)

type countingHook struct {
	name    string
	verdict models.PolicyVerdict
	calls   *int
}

func (h countingHook) Name() string { return h.name }

func (h countingHook) Check(Stage, Payload, Env) models.PolicyVerdict {
	*h.calls++
	return h.verdict
}

func TestChain_ShortCircuitsOnDeny(t *testing.T) {
	var first, second, third int
	chain := NewChain(
		countingHook{"a", Allow(), &first},
		countingHook{"b", Deny("nope"), &second},
		countingHook{"c", Allow(), &third},
	)

	res := chain.Evaluate(context.Background(), StagePre, Payload{Text: "x"}, Env{})
	if !res.Denied() {
		t.Fatalf("Decision = %q, want deny", res.Decision)
	}
	if first != 1 || second != 1 || third != 0 {
		t.Errorf("calls = %d,%d,%d, want 1,1,0", first, second, third)
	}
	if len(res.Verdicts) != 2 {
		t.Errorf("len(Verdicts) = %d, want 2", len(res.Verdicts))
	}
	if res.Reason != "b: nope" {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestChainResult_Err(t *testing.T) {
	tests := []struct {
		name    string
		verdict models.PolicyVerdict
		wantErr bool
	}{
		{"allow", Allow(), false},
		{"modify", Modify("x", "rewrite"), false},
		{"deny", Deny("too long"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			chain := NewChain(countingHook{name: "guard", verdict: tt.verdict, calls: &calls})
			err := chain.Evaluate(context.Background(), StagePost, Payload{Text: "abc"}, Env{}).Err()
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Err() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrPolicyRejected) {
				t.Fatalf("Err() = %v, want ErrPolicyRejected", err)
			}
			if err.Error() != "policy rejected by guard: too long" {
				t.Errorf("Err() = %q", err)
			}
		})
	}
}

func TestChain_ModifyFeedsLaterHooks(t *testing.T) {
	redact, err := Redact([]RedactRule{{Pattern: `sk-[a-z0-9]+`}})
	if err != nil {
		t.Fatalf("Redact() error = %v", err)
	}
	var seen string
	spy := HookFunc{HookName: "spy", Fn: func(_ Stage, p Payload, _ Env) models.PolicyVerdict {
		seen = p.Text
		return Allow()
	}}
	chain := NewChain(redact, spy)

	res := chain.Evaluate(context.Background(), StagePost, Payload{Text: "key sk-abc123 here"}, Env{})
	if res.Decision != models.DecisionModify {
		t.Fatalf("Decision = %q, want modify", res.Decision)
	}
	want := "key [REDACTED] here"
	if res.Payload != want || seen != want {
		t.Errorf("Payload = %q, spy saw %q, want %q", res.Payload, seen, want)
	}
}

func TestFold_MatchesEvaluate(t *testing.T) {
	redact, _ := Redact([]RedactRule{{Pattern: "secret", Replacement: "***"}})
	chain := NewChain(redact, MaxLength(10), RequireNonEmpty())

	inputs := []Payload{
		{Text: "secret"},
		{Text: "a much longer secret payload"},
		{Text: ""},
		{Text: "fine"},
		{Text: "{bad", Invalid: true},
	}
	for _, in := range inputs {
		live := chain.Evaluate(context.Background(), StagePost, in, Env{})
		folded := Fold(live.Verdicts, in.Text)
		if folded.Decision != live.Decision || folded.Payload != live.Payload || folded.Reason != live.Reason {
			t.Errorf("Fold(%q) = %+v, Evaluate = %+v", in.Text, folded, live)
		}
	}
}

func TestBuiltinHooks(t *testing.T) {
	deny, err := NewDenylist([]string{"Forbidden"}, []string{`\bDROP\s+TABLE\b`})
	if err != nil {
		t.Fatalf("NewDenylist() error = %v", err)
	}

	tests := []struct {
		name  string
		hook  Hook
		stage Stage
		in    Payload
		env   Env
		want  models.Decision
	}{
		{"denylist keyword case insensitive", deny, StagePre, Payload{Text: "this is forbidden"}, Env{}, models.DecisionDeny},
		{"denylist pattern", deny, StagePost, Payload{Text: "DROP  TABLE users"}, Env{}, models.DecisionDeny},
		{"denylist clean", deny, StagePre, Payload{Text: "hello"}, Env{}, models.DecisionAllow},
		{"max length over", MaxLength(3), StagePre, Payload{Text: "abcd"}, Env{}, models.DecisionDeny},
		{"max length at limit", MaxLength(4), StagePre, Payload{Text: "abcd"}, Env{}, models.DecisionAllow},
		{"max length other stage", MaxLength(3, StagePost), StagePre, Payload{Text: "abcd"}, Env{}, models.DecisionAllow},
		{"non empty blank", RequireNonEmpty(), StagePost, Payload{Text: "  \n"}, Env{}, models.DecisionDeny},
		{"non empty invalid", RequireNonEmpty(), StagePost, Payload{Text: "x", Invalid: true}, Env{}, models.DecisionDeny},
		{"non empty pre ignored", RequireNonEmpty(), StagePre, Payload{}, Env{}, models.DecisionAllow},
		{"rate limit under", RateLimit(2), StagePre, Payload{}, Env{Calls: 1}, models.DecisionAllow},
		{"rate limit reached", RateLimit(2), StagePre, Payload{}, Env{Calls: 2}, models.DecisionDeny},
		{"rate limit post ignored", RateLimit(2), StagePost, Payload{Text: "x"}, Env{Calls: 5}, models.DecisionAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.hook.Check(tt.stage, tt.in, tt.env); got.Decision != tt.want {
				t.Errorf("Check() = %+v, want %q", got, tt.want)
			}
		})
	}
}

func TestHooksArePure(t *testing.T) {
	chain, err := DefaultRules().Chain()
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}
	in := Payload{Text: "please rm -rf / now"}
	a := chain.Evaluate(context.Background(), StagePre, in, Env{Step: 1})
	b := chain.Evaluate(context.Background(), StagePre, in, Env{Step: 1})
	if a.Decision != b.Decision || a.Reason != b.Reason || len(a.Verdicts) != len(b.Verdicts) {
		t.Errorf("repeated evaluation differs: %+v vs %+v", a, b)
	}
	if !a.Denied() {
		t.Errorf("default denylist should deny %q", in.Text)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `denylist:
  keywords: ["launch codes"]
  patterns: ["(?i)password\\s*="]
  skip_defaults: true
redact:
  - pattern: "\\d{3}-\\d{2}-\\d{4}"
    replacement: "<ssn>"
max_length: 50
rate_limit: 3
require_non_empty: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	chain, err := rules.Chain()
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}

	want := []string{"rate_limit", "denylist", "redact", "max_length"}
	got := chain.Hooks()
	if len(got) != len(want) {
		t.Fatalf("Hooks() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Hooks()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	res := chain.Evaluate(context.Background(), StagePost, Payload{Text: "ssn 123-45-6789"}, Env{})
	if res.Payload != "ssn <ssn>" {
		t.Errorf("Payload = %q", res.Payload)
	}
	res = chain.Evaluate(context.Background(), StagePre, Payload{Text: "rm -rf /"}, Env{})
	if res.Denied() {
		t.Errorf("skip_defaults should drop default keywords")
	}
}

func TestParseRules_Invalid(t *testing.T) {
	if _, err := ParseRules([]byte("denylist: [")); err == nil {
		t.Errorf("ParseRules() should fail on malformed YAML")
	}
	rules, err := ParseRules([]byte("denylist:\n  patterns: [\"(\"]\n"))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if _, err := rules.Chain(); err == nil {
		t.Errorf("Chain() should fail on invalid regex")
	}
}
