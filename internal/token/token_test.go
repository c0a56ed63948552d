package token

import (
	"strings"
	"testing"
)

func TestNewFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		value := New()
		if !strings.HasPrefix(value, "f1_") {
			t.Fatalf("token %q lacks the f1_ prefix", value)
		}
		if len(value) != len("f1_")+48 {
			t.Fatalf("token length = %d, want %d", len(value), len("f1_")+48)
		}
		if seen[value] {
			t.Fatalf("token %q issued twice", value)
		}
		seen[value] = true
	}
}

func TestHashIsDeterministicAndOpaque(t *testing.T) {
	value := New()
	first := Hash(value)
	if first != Hash(value) {
		t.Fatal("digest of the same token must be stable")
	}
	if len(first) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(first))
	}
	if strings.Contains(first, value) {
		t.Fatal("digest must not embed the plaintext")
	}
}

func TestEqualDetectsSingleCharMutation(t *testing.T) {
	value := New()
	if !Equal(value, value) {
		t.Fatal("token must equal itself")
	}

	mutated := []byte(value)
	if mutated[len(mutated)-1] == '0' {
		mutated[len(mutated)-1] = '1'
	} else {
		mutated[len(mutated)-1] = '0'
	}
	if Equal(value, string(mutated)) {
		t.Fatal("mutated token must not compare equal")
	}
}
