// Package creds owns the credential lifecycle for one account: the bundle of
// token and cookies, the periodic signed token refresh with its verification
// and password-login escalations, and the slower browser-based cookie
// refresh.
package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tetherline/tether/internal/collab"
	"github.com/tetherline/tether/internal/keyedlock"
	"github.com/tetherline/tether/internal/observability"
	"github.com/tetherline/tether/internal/protocol/sign"
)

var (
	ErrVerificationRequired = errors.New("creds: verification required")
	ErrAuthExpired          = errors.New("creds: session or token expired")
	ErrRefreshFailed        = errors.New("creds: refresh failed")
	ErrCredentialExhausted  = errors.New("creds: all refresh paths exhausted")
	ErrLoginCooldown        = errors.New("creds: password login in cooldown")
)

const (
	DefaultRefreshInterval = time.Hour
	DefaultWakeInterval    = 5 * time.Minute
	DefaultCookieInterval  = time.Hour
	DefaultCaptchaDepth    = 3
	DefaultLoginCooldown   = 60 * time.Second
	DefaultInboundQuiet    = 10 * time.Minute
	DefaultAltRefreshQuiet = 10 * time.Minute
	DefaultHTTPTimeout     = 20 * time.Second
)

// Config tunes one account's refresh pipeline.
type Config struct {
	Endpoint        string
	AppKey          string
	TokenCookie     string
	RefreshInterval time.Duration
	WakeInterval    time.Duration
	CookieInterval  time.Duration
	CaptchaDepth    int
	InboundQuiet    time.Duration
	AltRefreshQuiet time.Duration
	HTTPTimeout     time.Duration
}

func (c Config) WithDefaults() Config {
	if c.TokenCookie == "" {
		c.TokenCookie = "_m_h5_tk"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = DefaultWakeInterval
	}
	if c.CookieInterval <= 0 {
		c.CookieInterval = DefaultCookieInterval
	}
	if c.CaptchaDepth <= 0 {
		c.CaptchaDepth = DefaultCaptchaDepth
	}
	if c.InboundQuiet <= 0 {
		c.InboundQuiet = DefaultInboundQuiet
	}
	if c.AltRefreshQuiet <= 0 {
		c.AltRefreshQuiet = DefaultAltRefreshQuiet
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	return c
}

// Collaborators groups the external services the pipeline escalates to.
type Collaborators struct {
	Store    collab.CredentialStore
	Browser  collab.CookieRefresher
	Captcha  collab.CaptchaSolver
	Password collab.PasswordAuthenticator
	Notifier *CooldownNotifier
}

// Pipeline drives one account's credential refresh loops. It is the bundle's
// only writer.
type Pipeline struct {
	cfg    Config
	bundle *Bundle
	collab Collaborators

	// logins is process-wide, shared across all pipelines, so two refresh
	// paths can never run concurrent password logins for one account.
	logins *keyedlock.Registry

	client         *http.Client
	connected      func() bool
	requestRestart func(reason string)
	now            func() time.Time
}

func NewPipeline(cfg Config, bundle *Bundle, collaborators Collaborators, logins *keyedlock.Registry, connected func() bool, requestRestart func(reason string)) *Pipeline {
	cfg = cfg.WithDefaults()
	return &Pipeline{
		cfg:            cfg,
		bundle:         bundle,
		collab:         collaborators,
		logins:         logins,
		client:         &http.Client{Timeout: cfg.HTTPTimeout},
		connected:      connected,
		requestRestart: requestRestart,
		now:            time.Now,
	}
}

// RunTokenLoop wakes on a fixed cadence and refreshes the token once its age
// exceeds the refresh interval. It returns when ctx is canceled.
func (p *Pipeline) RunTokenLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.bundle.TokenAge(p.now()) <= p.cfg.RefreshInterval {
				continue
			}
			if err := p.RefreshToken(ctx); err != nil {
				log.Warn().Str("account", p.bundle.AccountID()).Err(err).Msg("creds: token refresh failed")
			}
		}
	}
}

// RunCookieLoop refreshes cookies through the browser collaborator on a slow
// cadence. It stands down entirely while either suppression window is open:
// shortly after an inbound message was processed, and shortly after an
// alternate refresh path ran.
func (p *Pipeline) RunCookieLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CookieInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.cookieRefreshSuppressed() {
				log.Debug().Str("account", p.bundle.AccountID()).Msg("creds: cookie refresh suppressed")
				continue
			}
			if err := p.refreshCookies(ctx); err != nil {
				log.Warn().Str("account", p.bundle.AccountID()).Err(err).Msg("creds: cookie refresh failed")
				p.notify(ctx, "cookie refresh failed: "+err.Error())
			}
		}
	}
}

// RefreshToken performs one signed refresh attempt, following the
// verification escalation up to the configured depth. The captcha retry is a
// bounded loop, never recursion.
func (p *Pipeline) RefreshToken(ctx context.Context) error {
	accountID := p.bundle.AccountID()
	for attempt := 0; ; attempt++ {
		result, err := p.callRefresh(ctx)
		if err == nil {
			now := p.now()
			p.bundle.RotateToken(result.token, now)
			p.bundle.MergeCookies(result.cookies, now)
			p.bundle.SetOutcome("success")
			p.bundle.ClearInboundMark()
			observability.RecordRefresh(accountID, "success")
			if p.collab.Store != nil {
				if err := p.collab.Store.SaveCookies(ctx, accountID, p.bundle.CookieString()); err != nil {
					log.Warn().Str("account", accountID).Err(err).Msg("creds: cookie persist failed")
				}
			}
			return nil
		}

		switch {
		case errors.Is(err, ErrVerificationRequired):
			if attempt >= p.cfg.CaptchaDepth {
				p.bundle.SetOutcome("verification_exhausted")
				observability.RecordRefresh(accountID, "verification_exhausted")
				p.notify(ctx, "verification retries exhausted")
				return err
			}
			fragments, solveErr := p.solveChallenge(ctx, err)
			if solveErr != nil {
				p.bundle.SetOutcome("verification_failed")
				observability.RecordRefresh(accountID, "verification_failed")
				p.notify(ctx, "verification failed: "+solveErr.Error())
				return fmt.Errorf("%w: %v", ErrVerificationRequired, solveErr)
			}
			p.bundle.MergeCookies(fragments, p.now())
			continue

		case errors.Is(err, ErrAuthExpired):
			p.bundle.SetOutcome("auth_expired")
			observability.RecordRefresh(accountID, "auth_expired")
			return p.PasswordFallback(ctx)

		default:
			p.bundle.ClearToken()
			p.bundle.SetOutcome("failed")
			observability.RecordRefresh(accountID, "failed")
			// A transient refresh failure while the connection is healthy
			// is non-actionable; only surface it when we are also offline.
			if p.connected == nil || !p.connected() {
				p.notify(ctx, "token refresh failed: "+err.Error())
			}
			return err
		}
	}
}

// PasswordFallback performs the full password re-login, gated by the
// process-wide per-account cooldown. Success replaces the bundle wholesale
// and requests a full session restart.
func (p *Pipeline) PasswordFallback(ctx context.Context) error {
	if p.collab.Password == nil {
		return ErrCredentialExhausted
	}
	accountID := p.bundle.AccountID()
	err := p.logins.Acquire("login."+accountID, func() error {
		cookies, loginErr := p.collab.Password.Login(ctx, accountID)
		if loginErr != nil {
			return loginErr
		}
		now := p.now()
		p.bundle.ReplaceCookies(cookies, now)
		p.bundle.MarkAltRefresh(now)
		p.bundle.SetOutcome("relogin")
		if p.collab.Store != nil {
			if saveErr := p.collab.Store.SaveCookies(ctx, accountID, p.bundle.CookieString()); saveErr != nil {
				log.Warn().Str("account", accountID).Err(saveErr).Msg("creds: cookie persist failed")
			}
		}
		return nil
	})
	if errors.Is(err, keyedlock.ErrHeld) {
		observability.RecordRefresh(accountID, "login_cooldown")
		return ErrLoginCooldown
	}
	if err != nil {
		observability.RecordRefresh(accountID, "login_failed")
		p.notify(ctx, "password login failed: "+err.Error())
		return fmt.Errorf("%w: %v", ErrCredentialExhausted, err)
	}
	observability.RecordRefresh(accountID, "relogin")
	log.Info().Str("account", accountID).Msg("creds: credentials replaced by password login")
	if p.requestRestart != nil {
		p.requestRestart("credentials replaced")
	}
	return nil
}

type refreshResult struct {
	token   string
	cookies map[string]string
}

type refreshResponse struct {
	Ret  []string `json:"ret"`
	Data struct {
		AccessToken string `json:"accessToken"`
		CheckURL    string `json:"checkUrl"`
	} `json:"data"`
}

// challengeError carries the verification URL alongside the sentinel.
type challengeError struct {
	url string
}

func (e *challengeError) Error() string {
	return "creds: verification required at " + e.url
}

func (e *challengeError) Is(target error) bool {
	return target == ErrVerificationRequired
}

func (p *Pipeline) callRefresh(ctx context.Context) (refreshResult, error) {
	subToken, err := sign.SubToken(p.bundle.Cookies(), p.cfg.TokenCookie)
	if err != nil {
		return refreshResult{}, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}

	payload, err := json.Marshal(map[string]string{"accountId": p.bundle.AccountID()})
	if err != nil {
		return refreshResult{}, err
	}
	timestamp := p.now().UnixMilli()
	signature := sign.Request(subToken, timestamp, p.cfg.AppKey, string(payload))

	url := fmt.Sprintf("%s?appKey=%s&t=%s&sign=%s",
		p.cfg.Endpoint, p.cfg.AppKey, strconv.FormatInt(timestamp, 10), signature)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return refreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", p.bundle.CookieString())

	resp, err := p.client.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return refreshResult{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return refreshResult{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	status := ""
	if len(parsed.Ret) > 0 {
		status = parsed.Ret[0]
	}
	switch {
	case strings.HasPrefix(status, "SUCCESS::"):
		cookies := make(map[string]string)
		for _, c := range resp.Cookies() {
			cookies[c.Name] = c.Value
		}
		return refreshResult{token: parsed.Data.AccessToken, cookies: cookies}, nil
	case strings.Contains(status, "FAIL_SYS_USER_VALIDATE") || parsed.Data.CheckURL != "":
		return refreshResult{}, &challengeError{url: parsed.Data.CheckURL}
	case strings.Contains(status, "SESSION_EXPIRED"),
		strings.Contains(status, "TOKEN_EXPIRED"),
		strings.Contains(status, "TOKEN_EMPTY"),
		strings.Contains(status, "ILLEGAL_ACCESS"):
		return refreshResult{}, fmt.Errorf("%w: %s", ErrAuthExpired, status)
	default:
		return refreshResult{}, fmt.Errorf("%w: %s", ErrRefreshFailed, status)
	}
}

func (p *Pipeline) solveChallenge(ctx context.Context, cause error) (map[string]string, error) {
	if p.collab.Captcha == nil {
		return nil, errors.New("creds: no captcha solver configured")
	}
	var challenge *challengeError
	url := ""
	if errors.As(cause, &challenge) {
		url = challenge.url
	}
	return p.collab.Captcha.Solve(ctx, url)
}

func (p *Pipeline) refreshCookies(ctx context.Context) error {
	if p.collab.Browser == nil {
		return errors.New("creds: no cookie refresher configured")
	}
	refreshed, err := p.collab.Browser.RefreshCookies(ctx, p.bundle.Cookies())
	if err != nil {
		return err
	}
	now := p.now()
	p.bundle.MergeCookies(refreshed, now)
	if p.collab.Store != nil {
		if err := p.collab.Store.SaveCookies(ctx, p.bundle.AccountID(), p.bundle.CookieString()); err != nil {
			log.Warn().Str("account", p.bundle.AccountID()).Err(err).Msg("creds: cookie persist failed")
		}
	}
	return nil
}

func (p *Pipeline) cookieRefreshSuppressed() bool {
	now := p.now()
	if last := p.bundle.lastInbound(); !last.IsZero() && now.Sub(last) < p.cfg.InboundQuiet {
		return true
	}
	if last := p.bundle.lastAltRefresh(); !last.IsZero() && now.Sub(last) < p.cfg.AltRefreshQuiet {
		return true
	}
	return false
}

func (p *Pipeline) notify(ctx context.Context, message string) {
	if p.collab.Notifier == nil {
		return
	}
	p.collab.Notifier.Notify(ctx, p.bundle.AccountID(), message)
}
