package models

import "testing"

func TestParsePlatform(t *testing.T) {
	for _, valid := range []string{"instagram", "x", "linkedin"} {
		p, err := ParsePlatform(valid)
		if err != nil {
			t.Fatalf("parse %q: %v", valid, err)
		}
		if string(p) != valid {
			t.Fatalf("parse %q returned %q", valid, p)
		}
	}
	for _, invalid := range []string{"", "X", "facebook", "twitter"} {
		if _, err := ParsePlatform(invalid); err == nil {
			t.Fatalf("parse %q should fail", invalid)
		}
	}
}

func TestContentLimit(t *testing.T) {
	cases := map[Platform]int{
		PlatformInstagram: 2200,
		PlatformX:         280,
		PlatformLinkedIn:  3000,
	}
	for p, want := range cases {
		if got := p.ContentLimit(); got != want {
			t.Fatalf("%s: expected limit %d, got %d", p, want, got)
		}
	}
}

func TestDeriveJobKey(t *testing.T) {
	if got := DeriveJobKey("p1", "j1"); got != "job:p1" {
		t.Fatalf("post id should win: got %q", got)
	}
	if got := DeriveJobKey("", "j1"); got != "job:j1" {
		t.Fatalf("job id fallback: got %q", got)
	}
	payload := JobPayload{JobID: "j1", PostID: "p1"}
	if payload.Key() != "job:p1" {
		t.Fatalf("payload key: got %q", payload.Key())
	}
}
