package storage

import (
	"testing"
	"time"
)

func TestToken_HasExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ttl  time.Duration
		at   time.Time
		want bool
	}{
		{name: "immediately after issuance", ttl: time.Minute, at: now, want: false},
		{name: "just before expiry", ttl: time.Minute, at: now.Add(time.Minute - time.Nanosecond), want: false},
		{name: "exactly at expiry", ttl: time.Minute, at: now.Add(time.Minute), want: false},
		{name: "after expiry", ttl: time.Minute, at: now.Add(time.Minute + time.Nanosecond), want: true},
		{name: "no expiry", ttl: 0, at: now.Add(100 * 365 * 24 * time.Hour), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := NewToken(IssueParams{Kind: KindAccessToken, ClientID: "c", TTL: tt.ttl}, "value", now)
			if got := tok.HasExpired(tt.at); got != tt.want {
				t.Errorf("HasExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToken_ExpiresIn(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tok := NewToken(IssueParams{Kind: KindAccessToken, TTL: time.Hour}, "value", now)
	if got := tok.ExpiresIn(now.Add(15 * time.Minute)); got != 45*time.Minute {
		t.Errorf("ExpiresIn() = %v, want %v", got, 45*time.Minute)
	}
	if got := tok.ExpiresIn(now.Add(2 * time.Hour)); got >= 0 {
		t.Errorf("ExpiresIn() after expiry = %v, want negative", got)
	}

	forever := NewToken(IssueParams{Kind: KindAccessToken}, "value", now)
	if got := forever.ExpiresIn(now); got != NeverExpires {
		t.Errorf("ExpiresIn() without expiry = %v, want NeverExpires", got)
	}
}

func TestNewToken(t *testing.T) {
	now := time.Now()
	p := IssueParams{
		Kind:        KindAuthCode,
		ClientID:    "1_abc",
		UserID:      "alice",
		Scope:       "read write",
		RedirectURI: "https://app.example/cb",
		FamilyID:    "fam",
		TTL:         10 * time.Minute,
	}

	tok := NewToken(p, "code-value", now)
	if tok.Token != "code-value" || tok.Kind != KindAuthCode || tok.ClientID != "1_abc" ||
		tok.UserID != "alice" || tok.RedirectURI != p.RedirectURI || tok.FamilyID != "fam" {
		t.Errorf("NewToken() = %+v, fields not copied from params", tok)
	}
	if !tok.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, now.Add(10*time.Minute))
	}
	if got := tok.Scopes(); len(got) != 2 || got[0] != "read" || got[1] != "write" {
		t.Errorf("Scopes() = %v, want [read write]", got)
	}
	if tok.IsRevoked() {
		t.Error("new token should not be revoked")
	}
}

func TestTokenKind_Valid(t *testing.T) {
	for _, k := range []TokenKind{KindAccessToken, KindRefreshToken, KindAuthCode} {
		if !k.Valid() {
			t.Errorf("%q.Valid() = false, want true", k)
		}
	}
	if TokenKind("id_token").Valid() {
		t.Error(`"id_token".Valid() = true, want false`)
	}
}
