package store

import "testing"

func TestSanitize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"clean", "com_example_app", "com_example_app"},
		{"dots replaced", "com.example.app", "com_example_app"},
		{"spaces and symbols", "a b/c:d", "a_b_c_d"},
		{"leading digit prefixed", "1password", "_1password"},
		{"empty", "", "_empty_"},
		{"only invalid chars", "...", "___"},
		{"hyphen kept", "my-app", "my-app"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.input); got != tc.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	p := Paths{UserID: "u1", DeviceID: "pixel_7"}

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"commands", p.Commands(), "users/u1/phones/pixel_7/commands"},
		{"command", p.Command("2026-08-30", "1756500000"), "users/u1/phones/pixel_7/commands/2026-08-30/1756500000"},
		{"call record", p.Record("calls", "2026-08-30", "call42"), "users/u1/phones/pixel_7/calls/2026-08-30/call42"},
		{"contact", p.Contact("c9"), "users/u1/phones/pixel_7/contacts/c9"},
		{"app", p.App("com_example_app"), "users/u1/phones/pixel_7/apps/com_example_app"},
		{"social", p.SocialMessage("2026-08-30", "whatsapp", "m1"), "users/u1/phones/pixel_7/social_media_messages/2026-08-30/whatsapp/m1"},
		{"app usage sanitizes package", p.AppUsage("2026-08-30", "com.example.app"), "users/u1/phones/pixel_7/app_usage/2026-08-30/com_example_app"},
		{"session", p.Session("2026-08-30", "com.example.app", "s1"), "users/u1/phones/pixel_7/app_sessions/2026-08-30/com_example_app/s1"},
		{"web visit", p.WebVisit("2026-08-30", "k1"), "users/u1/phones/pixel_7/web_visits/2026-08-30/k1"},
		{"clipboard", p.Clipboard("2026-08-30", "k2"), "users/u1/phones/pixel_7/clipboard/2026-08-30/k2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Fatalf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}
