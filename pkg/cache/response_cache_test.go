package cache

import (
	"strings"
	"testing"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key("### Human: hello\n### Assistant:")
	b := Key("### Human: hello\n### Assistant:")
	if a != b {
		t.Errorf("same prompt produced different keys: %q vs %q", a, b)
	}
}

func TestKeyDistinguishesPrompts(t *testing.T) {
	if Key("prompt one") == Key("prompt two") {
		t.Error("different prompts produced the same key")
	}
}

func TestKeyFormat(t *testing.T) {
	k := Key("anything")
	if !strings.HasPrefix(k, "llm_response:") {
		t.Errorf("key %q missing llm_response: prefix", k)
	}
	// 16 hash bytes hex-encoded
	if got := len(strings.TrimPrefix(k, "llm_response:")); got != 32 {
		t.Errorf("key digest length = %d, want 32", got)
	}
}
