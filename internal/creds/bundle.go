package creds

import (
	"strings"
	"sync"
	"time"
)

// Bundle is one session's credential set: the access token, the cookie jar,
// and refresh bookkeeping. The refresh pipeline is its only writer; the wire
// layer and signing logic read it.
type Bundle struct {
	mu sync.RWMutex

	accountID string
	token     string
	cookies   map[string]string

	lastTokenRefresh  time.Time
	lastCookieRefresh time.Time
	lastOutcome       string

	lastInboundAt    time.Time
	lastAltRefreshAt time.Time
}

func NewBundle(accountID string, cookies map[string]string) *Bundle {
	jar := make(map[string]string, len(cookies))
	for k, v := range cookies {
		jar[k] = v
	}
	return &Bundle{accountID: accountID, cookies: jar}
}

func (b *Bundle) AccountID() string {
	return b.accountID
}

func (b *Bundle) Token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// Cookies returns a copy of the jar.
func (b *Bundle) Cookies() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.cookies))
	for k, v := range b.cookies {
		out[k] = v
	}
	return out
}

// CookieString renders the jar in Cookie-header form, for persistence.
func (b *Bundle) CookieString() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	parts := make([]string, 0, len(b.cookies))
	for k, v := range b.cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// ParseCookieString builds a jar from Cookie-header form.
func ParseCookieString(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found || strings.TrimSpace(key) == "" {
			continue
		}
		out[strings.TrimSpace(key)] = value
	}
	return out
}

// RotateToken installs a fresh access token.
func (b *Bundle) RotateToken(token string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
	b.lastTokenRefresh = at
}

// ClearToken forces re-derivation on the next refresh attempt.
func (b *Bundle) ClearToken() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = ""
}

// MergeCookies applies server-returned updates: new fields are added, changed
// fields overwritten, everything else preserved.
func (b *Bundle) MergeCookies(updates map[string]string, at time.Time) {
	if len(updates) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range updates {
		b.cookies[k] = v
	}
	b.lastCookieRefresh = at
}

// ReplaceCookies installs a wholesale new jar, as after a password login.
func (b *Bundle) ReplaceCookies(cookies map[string]string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookies = make(map[string]string, len(cookies))
	for k, v := range cookies {
		b.cookies[k] = v
	}
	b.token = ""
	b.lastCookieRefresh = at
}

func (b *Bundle) TokenAge(now time.Time) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastTokenRefresh.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(b.lastTokenRefresh)
}

func (b *Bundle) SetOutcome(outcome string) {
	b.mu.Lock()
	b.lastOutcome = outcome
	b.mu.Unlock()
}

// MarkInbound records that an inbound message was just processed; the cookie
// refresh loop backs off for a window afterwards.
func (b *Bundle) MarkInbound(at time.Time) {
	b.mu.Lock()
	b.lastInboundAt = at
	b.mu.Unlock()
}

// ClearInboundMark drops the inbound suppression flag (set on successful
// token refresh).
func (b *Bundle) ClearInboundMark() {
	b.mu.Lock()
	b.lastInboundAt = time.Time{}
	b.mu.Unlock()
}

// MarkAltRefresh records that an alternate refresh path (QR login, ops
// command) just ran against this account.
func (b *Bundle) MarkAltRefresh(at time.Time) {
	b.mu.Lock()
	b.lastAltRefreshAt = at
	b.mu.Unlock()
}

// Snapshot is a read-only view for ops listings.
type Snapshot struct {
	AccountID         string    `json:"account_id"`
	HasToken          bool      `json:"has_token"`
	CookieCount       int       `json:"cookie_count"`
	LastTokenRefresh  time.Time `json:"last_token_refresh"`
	LastCookieRefresh time.Time `json:"last_cookie_refresh"`
	LastOutcome       string    `json:"last_outcome"`
}

func (b *Bundle) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		AccountID:         b.accountID,
		HasToken:          b.token != "",
		CookieCount:       len(b.cookies),
		LastTokenRefresh:  b.lastTokenRefresh,
		LastCookieRefresh: b.lastCookieRefresh,
		LastOutcome:       b.lastOutcome,
	}
}

func (b *Bundle) lastInbound() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastInboundAt
}

func (b *Bundle) lastAltRefresh() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAltRefreshAt
}
