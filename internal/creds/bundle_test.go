package creds

import (
	"testing"
	"time"

	"github.com/tetherline/tether/internal/testutil/testlog"
)

func TestMergeCookiesPreservesUnspecified(t *testing.T) {
	testlog.Start(t)
	b := NewBundle("acct.a", map[string]string{"keep": "1", "change": "old"})
	b.MergeCookies(map[string]string{"change": "new", "added": "2"}, time.Now())
	got := b.Cookies()
	if got["keep"] != "1" {
		t.Fatalf("unspecified cookie must be preserved, got %q", got["keep"])
	}
	if got["change"] != "new" {
		t.Fatalf("changed cookie must be overwritten, got %q", got["change"])
	}
	if got["added"] != "2" {
		t.Fatalf("new cookie must be added, got %q", got["added"])
	}
}

func TestReplaceCookiesIsWholesale(t *testing.T) {
	testlog.Start(t)
	b := NewBundle("acct.a", map[string]string{"old": "1"})
	b.RotateToken("tok", time.Now())
	b.ReplaceCookies(map[string]string{"fresh": "2"}, time.Now())
	got := b.Cookies()
	if _, ok := got["old"]; ok {
		t.Fatalf("replace must drop the previous jar")
	}
	if got["fresh"] != "2" {
		t.Fatalf("replacement jar missing entries: %v", got)
	}
	if b.Token() != "" {
		t.Fatalf("replace must invalidate the derived token")
	}
}

func TestCookieStringRoundTrip(t *testing.T) {
	testlog.Start(t)
	jar := map[string]string{"a": "1", "b": "x_y", "unk2": ""}
	b := NewBundle("acct.a", jar)
	parsed := ParseCookieString(b.CookieString())
	if len(parsed) != len(jar) {
		t.Fatalf("round trip lost cookies: %v", parsed)
	}
	for k, v := range jar {
		if parsed[k] != v {
			t.Fatalf("cookie %q: got %q want %q", k, parsed[k], v)
		}
	}
}

func TestTokenAgeBeforeFirstRefresh(t *testing.T) {
	testlog.Start(t)
	b := NewBundle("acct.a", nil)
	if age := b.TokenAge(time.Now()); age < 100*365*24*time.Hour {
		t.Fatalf("unset token must look ancient, got %v", age)
	}
}
