package traits

import (
	"testing"

	"github.com/gluk-w/claworc/chat-bridge/internal/config"
)

func TestApply_DefaultTraits(t *testing.T) {
	set, err := CompileAll(config.DefaultTraits())
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	tests := []struct {
		identity, in, want string
	}{
		{"you", "мама Маша", "жажа Жаша"},
		{"me", "привет", "привет"},
		{"stranger", "мама", "мама"},
	}
	for _, tt := range tests {
		if got := set.Apply(tt.identity, tt.in); got != tt.want {
			t.Errorf("Apply(%s, %q) = %q, want %q", tt.identity, tt.in, got, tt.want)
		}
	}
}

func TestApply_RulesRunInOrderWithGroups(t *testing.T) {
	r, err := Compile([]config.Replacer{
		{Match: `(\w+)@(\w+)`, Replacer: "$2 at $1"},
		{Match: "at", Replacer: "@"},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := r.Apply("user@host"); got != "host @ user" {
		t.Fatalf("Apply = %q", got)
	}
}

func TestCompile_Errors(t *testing.T) {
	if _, err := Compile([]config.Replacer{{Match: "", Replacer: "x"}}); err == nil {
		t.Error("expected error for empty match")
	}
	if _, err := Compile([]config.Replacer{{Match: "(unclosed", Replacer: "x"}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
	if _, err := CompileAll(config.Traits{"you": {Replacers: []config.Replacer{{Match: "["}}}}); err == nil {
		t.Error("expected CompileAll to surface the identity's error")
	}
}

func TestApply_NilReplacer(t *testing.T) {
	var r *Replacer
	if got := r.Apply("same"); got != "same" {
		t.Fatalf("Apply = %q", got)
	}
}
