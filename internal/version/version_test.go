package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	v := Get()
	if v == "" {
		t.Fatal("Get() returned empty version")
	}
	if strings.TrimSpace(v) != v {
		t.Errorf("Get() = %q, not trimmed", v)
	}
}

func TestString_Commit(t *testing.T) {
	old := Commit
	defer func() { Commit = old }()

	Commit = "0123456789abcdef"
	if got, want := String(), Get()+" (0123456789ab)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
