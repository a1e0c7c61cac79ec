package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Mándalo a ana@example.mx o al +52 (55) 1234-9876 y cobra a la 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesCleanTextAlone(t *testing.T) {
	input := "quiero dos litros de leche y pan integral"
	out, changed := RedactPII(input)
	if changed {
		t.Fatalf("changed = true, want false")
	}
	if out != input {
		t.Fatalf("output = %q, want unchanged", out)
	}
}
