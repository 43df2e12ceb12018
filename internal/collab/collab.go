// Package collab declares the narrow contracts of the external collaborators
// the core depends on. The core only ever sees their success/failure outcome
// and returned data shape.
package collab

import (
	"context"

	"github.com/tetherline/tether/internal/protocol/envelope"
)

// CredentialStore persists the cookie string for an account.
type CredentialStore interface {
	LoadCookies(ctx context.Context, accountID string) (string, error)
	SaveCookies(ctx context.Context, accountID, cookies string) error
}

// CookieRefresher renews cookies through a rendering browser.
type CookieRefresher interface {
	RefreshCookies(ctx context.Context, current map[string]string) (map[string]string, error)
}

// CaptchaSolver resolves a verification challenge into cookie fragments.
type CaptchaSolver interface {
	Solve(ctx context.Context, challengeURL string) (map[string]string, error)
}

// PasswordAuthenticator performs a full password login and returns a fresh
// cookie set.
type PasswordAuthenticator interface {
	Login(ctx context.Context, accountID string) (map[string]string, error)
}

// Notifier delivers a message to the configured alert channel, best effort.
type Notifier interface {
	Notify(ctx context.Context, accountID, message string) error
}

// ReplyResolver decides what, if anything, to reply to a parsed message.
type ReplyResolver interface {
	Resolve(ctx context.Context, accountID string, in envelope.Inbound) (reply string, ok bool, err error)
}
