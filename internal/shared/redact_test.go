package shared

import (
	"strings"
	"testing"
)

func TestRedact_PhoneNumbers(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"international", "call from +1 (555) 123-4567 missed"},
		{"plain digits", "number 5551234567 dialed"},
		{"dashed", "sms to 555-123-4567 queued"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Redact(tc.input)
			if !strings.Contains(got, "[REDACTED]") {
				t.Fatalf("Redact(%q) = %q, want phone number redacted", tc.input, got)
			}
		})
	}
}

func TestRedact_Tokens(t *testing.T) {
	input := `auth_token: "abcdef0123456789abcdef"`
	got := Redact(input)
	if strings.Contains(got, "abcdef0123456789abcdef") {
		t.Fatalf("Redact left token in place: %q", got)
	}
}

func TestRedact_Clean(t *testing.T) {
	input := "command dispatched ok"
	if got := Redact(input); got != input {
		t.Fatalf("Redact(%q) = %q, want unchanged", input, got)
	}
}

func TestRedactKeyed(t *testing.T) {
	if got := RedactKeyed("body", "hello there"); got != "[REDACTED]" {
		t.Fatalf("RedactKeyed(body) = %q", got)
	}
	if got := RedactKeyed("package_name", "com.example"); got != "com.example" {
		t.Fatalf("RedactKeyed(package_name) = %q", got)
	}
}
