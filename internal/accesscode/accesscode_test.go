package accesscode

import (
	"testing"
)

func TestGenerateFormat(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("code %q: got length %d, want %d", code, len(code), Length)
		}
		if !Valid(code) {
			t.Fatalf("code %q does not match ^[A-Z]{3}-[0-9]{3}$", code)
		}
	}
}

func TestGenerateCoversAlphabet(t *testing.T) {
	// With 2000 draws every letter position should see well more than one
	// distinct letter; a stuck random source would fail this immediately.
	seenLetters := make(map[byte]bool)
	seenDigits := make(map[byte]bool)
	for i := 0; i < 2000; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		seenLetters[code[0]] = true
		seenDigits[code[4]] = true
	}
	if len(seenLetters) < 10 {
		t.Errorf("first letter position saw only %d distinct letters", len(seenLetters))
	}
	if len(seenDigits) < 5 {
		t.Errorf("first digit position saw only %d distinct digits", len(seenDigits))
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"ABC-123", true},
		{"ZZZ-000", true},
		{"abc-123", false},
		{"ABC123", false},
		{"ABCD-123", false},
		{"ABC-12", false},
		{"AB1-123", false},
		{"ABC-12a", false},
		{"", false},
		{"ABC-123\n", false},
	}

	for _, tt := range tests {
		if got := Valid(tt.code); got != tt.valid {
			t.Errorf("Valid(%q) = %v, want %v", tt.code, got, tt.valid)
		}
	}
}
