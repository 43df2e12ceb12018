package creds

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tetherline/tether/internal/collab"
)

const (
	DefaultGenericCooldown = 5 * time.Minute
	DefaultTokenCooldown   = 3 * time.Hour
)

// tokenClassSubstrings mark failures rooted in the token itself; they repeat
// until credentials are rebuilt, so they get the long cooldown class.
var tokenClassSubstrings = []string{
	"token expired",
	"token invalid",
	"illegal access",
	"sign mismatch",
}

// CooldownNotifier rate-limits failure notifications per account and
// failure class so transient, self-healing failures do not become alarm
// storms. Delivery stays best effort.
type CooldownNotifier struct {
	inner   collab.Notifier
	generic time.Duration
	token   time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldownNotifier(inner collab.Notifier) *CooldownNotifier {
	return &CooldownNotifier{
		inner:   inner,
		generic: DefaultGenericCooldown,
		token:   DefaultTokenCooldown,
		last:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// Notify forwards the message unless its class is still inside the cooldown
// window for this account.
func (n *CooldownNotifier) Notify(ctx context.Context, accountID, message string) {
	class, window := n.classify(message)
	key := accountID + "|" + class
	n.mu.Lock()
	now := n.now()
	if last, ok := n.last[key]; ok && now.Sub(last) < window {
		n.mu.Unlock()
		log.Debug().Str("account", accountID).Str("class", class).Msg("creds: notification suppressed by cooldown")
		return
	}
	n.last[key] = now
	n.mu.Unlock()

	if n.inner == nil {
		return
	}
	if err := n.inner.Notify(ctx, accountID, message); err != nil {
		log.Warn().Str("account", accountID).Err(err).Msg("creds: notification delivery failed")
	}
}

func (n *CooldownNotifier) classify(message string) (string, time.Duration) {
	lower := strings.ToLower(message)
	for _, sub := range tokenClassSubstrings {
		if strings.Contains(lower, sub) {
			return "token", n.token
		}
	}
	return "generic", n.generic
}
