// Package session owns one account's live context: the wire connection and
// its state machine, the credential bundle and refresh loops, the inbound
// dispatch pipeline, and the background task supervisor. The registry holds
// exactly one live session per account and rebuilds it on request.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tetherline/tether/internal/collab"
	"github.com/tetherline/tether/internal/creds"
	"github.com/tetherline/tether/internal/dispatch"
	"github.com/tetherline/tether/internal/keyedlock"
	"github.com/tetherline/tether/internal/observability"
	"github.com/tetherline/tether/internal/protocol/envelope"
	"github.com/tetherline/tether/internal/tasks"
	"github.com/tetherline/tether/internal/ttlcache"
	"github.com/tetherline/tether/internal/wire"
)

// ErrRestartRequested tells the registry to destroy this session and build a
// fresh one, rather than retry locally.
var ErrRestartRequested = errors.New("session: restart requested")

// Config assembles one account's session.
type Config struct {
	AccountID string
	Addr      string
	DeviceID  string

	Wire     wire.Config
	Backoff  BackoffConfig
	Dispatch dispatch.Config
	Creds    creds.Config
	Cache    ttlcache.Config
	Locks    keyedlock.Config

	StopTimeout time.Duration
}

// failCause records the first error that killed a connection. The heartbeat
// task closes the socket on a missed pong, which surfaces to the read loop
// as a socket-close error; keeping the original cause lets the backoff table
// see the timeout instead.
type failCause struct {
	mu  sync.Mutex
	err error
}

func (f *failCause) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *failCause) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Session is one account's supervisor. Run drives the connect lifecycle
// until shutdown or a restart request.
type Session struct {
	cfg      Config
	machine  *Machine
	bundle   *creds.Bundle
	refresh  *creds.Pipeline
	pipeline *dispatch.Pipeline
	tasks    *tasks.Supervisor
	locks    *keyedlock.Registry
	cache    *ttlcache.Cache[string, string]
	resolver collab.ReplyResolver

	connMu sync.Mutex
	conn   *wire.Conn

	restartOnce sync.Once
	restartCh   chan struct{}
}

// New builds a session from stored cookies. The process-wide logins registry
// is shared across sessions so password logins for one account can never run
// concurrently, whatever path triggers them.
func New(cfg Config, cookies map[string]string, collaborators creds.Collaborators, logins *keyedlock.Registry, resolver collab.ReplyResolver) *Session {
	cfg.Wire = cfg.Wire.WithDefaults()
	cfg.Dispatch.AccountID = cfg.AccountID

	s := &Session{
		cfg:       cfg,
		machine:   NewMachine(cfg.Backoff),
		bundle:    creds.NewBundle(cfg.AccountID, cookies),
		tasks:     tasks.NewSupervisor(cfg.AccountID, cfg.StopTimeout),
		locks:     keyedlock.NewRegistry(cfg.Locks),
		cache:     ttlcache.New[string, string](cfg.Cache),
		resolver:  resolver,
		restartCh: make(chan struct{}),
	}
	s.pipeline = dispatch.NewPipeline(cfg.Dispatch, s, s.deliver)
	s.refresh = creds.NewPipeline(cfg.Creds, s.bundle, collaborators, logins,
		func() bool { return s.machine.State() == Connected },
		s.RequestRestart,
	)
	return s
}

func (s *Session) AccountID() string {
	return s.cfg.AccountID
}

// Run drives the session until ctx is canceled (returns nil, state Closed)
// or a full restart is requested (returns ErrRestartRequested). Session-bound
// tasks start once here; connection-bound tasks are rebound per connect.
func (s *Session) Run(ctx context.Context) error {
	log.Info().Str("account", s.cfg.AccountID).Str("addr", s.cfg.Addr).Msg("session: starting")
	s.tasks.EnsureRunning(ctx, tasks.TaskTokenRefresh, tasks.SessionBound, s.refresh.RunTokenLoop)
	s.tasks.EnsureRunning(ctx, tasks.TaskCookieRefresh, tasks.SessionBound, s.refresh.RunCookieLoop)
	s.tasks.EnsureRunning(ctx, tasks.TaskCleanup, tasks.SessionBound, s.cleanupLoop)
	defer s.teardown()

	for {
		if s.restartRequested() {
			return ErrRestartRequested
		}
		if ctx.Err() != nil {
			s.machine.Close()
			return nil
		}
		if !s.machine.BeginConnect() {
			return ErrRestartRequested
		}

		conn, err := wire.Connect(ctx, s.cfg.Wire, s.cfg.Addr, wire.Identity{
			AccountID: s.cfg.AccountID,
			Token:     s.bundle.Token(),
			DeviceID:  s.cfg.DeviceID,
		})
		if err != nil {
			if ctx.Err() != nil {
				s.machine.Close()
				return nil
			}
			if s.handleFailure(ctx, err) {
				return ErrRestartRequested
			}
			continue
		}

		s.machine.HandshakeSucceeded(time.Now())
		observability.SessionConnected(true)
		log.Info().Str("account", s.cfg.AccountID).Msg("session: connected")

		cause := &failCause{}
		s.setConn(conn)
		s.tasks.RebindConnection(ctx, map[string]func(context.Context){
			tasks.TaskHeartbeat: s.heartbeatLoop(conn, cause),
		})

		readErr := conn.ReadLoop(ctx, s.inboundHandler(ctx))
		s.setConn(nil)
		_ = conn.Close()
		observability.SessionConnected(false)

		if ctx.Err() != nil {
			s.machine.Close()
			return nil
		}
		if s.restartRequested() {
			return ErrRestartRequested
		}
		failure := cause.get()
		if failure == nil {
			failure = readErr
		}
		if s.handleFailure(ctx, failure) {
			return ErrRestartRequested
		}
	}
}

// RequestRestart asks the registry for a destroy-and-recreate cycle.
// Idempotent; the first reason wins.
func (s *Session) RequestRestart(reason string) {
	s.restartOnce.Do(func() {
		log.Info().Str("account", s.cfg.AccountID).Str("reason", reason).Msg("session: restart requested")
		close(s.restartCh)
	})
}

// RefreshNow runs one immediate token refresh, for the ops surface.
func (s *Session) RefreshNow(ctx context.Context) error {
	return s.refresh.RefreshToken(ctx)
}

// PauseReplies toggles the automated-reply gate for one conversation.
func (s *Session) PauseReplies(conversationID string, paused bool) {
	s.pipeline.PauseReplies(conversationID, paused)
}

// Snapshot is the ops view of a live session.
type Snapshot struct {
	AccountID   string         `json:"account_id"`
	State       string         `json:"state"`
	Failures    int            `json:"failures"`
	LastSuccess time.Time      `json:"last_success"`
	Tasks       []string       `json:"tasks"`
	Credentials creds.Snapshot `json:"credentials"`
}

func (s *Session) Snapshot() Snapshot {
	names := s.tasks.Names()
	sort.Strings(names)
	return Snapshot{
		AccountID:   s.cfg.AccountID,
		State:       s.machine.State().String(),
		Failures:    s.machine.Failures(),
		LastSuccess: s.machine.LastSuccess(),
		Tasks:       names,
		Credentials: s.bundle.Snapshot(),
	}
}

// Ack satisfies the dispatch pipeline's acker against whichever connection
// is current.
func (s *Session) Ack(correlationID string) error {
	conn := s.currentConn()
	if conn == nil {
		return wire.ErrConnClosed
	}
	return conn.Ack(correlationID)
}

// handleFailure classifies the error, applies the backoff table, and runs
// the threshold escalation. It reports true when the session is beyond local
// recovery and the registry should rebuild it.
func (s *Session) handleFailure(ctx context.Context, cause error) bool {
	class := wire.ClassifyError(cause)
	delay, escalate := s.machine.ConnectionFailed(class)
	observability.RecordReconnect(s.cfg.AccountID, classLabel(class))
	log.Warn().
		Str("account", s.cfg.AccountID).
		Str("class", classLabel(class)).
		Int("failures", s.machine.Failures()).
		Dur("delay", delay).
		Err(cause).
		Msg("session: connection failure")

	if escalate {
		log.Warn().Str("account", s.cfg.AccountID).Msg("session: failure threshold reached, escalating to password login")
		if err := s.refresh.PasswordFallback(ctx); err != nil {
			log.Error().Str("account", s.cfg.AccountID).Err(err).Msg("session: escalation failed")
			s.machine.Fail()
			return true
		}
		s.machine.EscalationSucceeded()
	}

	select {
	case <-ctx.Done():
	case <-s.restartCh:
	case <-time.After(delay):
	}
	return false
}

func (s *Session) heartbeatLoop(conn *wire.Conn, cause *failCause) func(context.Context) {
	return func(ctx context.Context) {
		ticker := time.NewTicker(s.cfg.Wire.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Heartbeat(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					cause.set(err)
					// Killing the socket unblocks the read loop, which
					// drives the reconnect.
					_ = conn.Close()
					return
				}
				s.machine.MarkHealthy()
			}
		}
	}
}

func (s *Session) inboundHandler(ctx context.Context) func(envelope.Envelope) {
	return func(env envelope.Envelope) {
		if env.Route != envelope.RouteMessage {
			return
		}
		s.bundle.MarkInbound(time.Now())
		if err := s.pipeline.Process(ctx, env); err != nil {
			log.Warn().Str("account", s.cfg.AccountID).Err(err).Msg("session: dispatch failed")
		}
	}
}

// deliver is the dispatch sink: resolve a reply and send it. Non-bypass
// replies pass through the per-conversation gate, so one automated reply
// opens a cooldown during which further automated replies to the same
// conversation are dropped; bypass categories (delivery triggers, paid/refund
// cards) always go out.
func (s *Session) deliver(ctx context.Context, in envelope.Inbound, bypass bool) {
	if s.resolver == nil {
		return
	}
	conversationID := conversationOf(in)
	reply, ok, err := s.resolver.Resolve(ctx, s.cfg.AccountID, in)
	if err != nil {
		log.Warn().Str("account", s.cfg.AccountID).Str("conversation", conversationID).Err(err).Msg("session: reply resolution failed")
		return
	}
	if !ok || reply == "" {
		return
	}

	if bypass {
		if err := s.sendReply(conversationID, reply); err != nil {
			log.Warn().Str("account", s.cfg.AccountID).Err(err).Msg("session: reply send failed")
		}
		return
	}

	if last, cached := s.cache.Get("reply." + conversationID); cached && last == reply {
		log.Debug().Str("account", s.cfg.AccountID).Str("conversation", conversationID).Msg("session: identical reply suppressed")
		return
	}
	err = s.locks.Acquire("reply."+conversationID, func() error {
		return s.sendReply(conversationID, reply)
	})
	switch {
	case errors.Is(err, keyedlock.ErrHeld):
		log.Debug().Str("account", s.cfg.AccountID).Str("conversation", conversationID).Msg("session: reply gate in cooldown")
	case err != nil:
		log.Warn().Str("account", s.cfg.AccountID).Err(err).Msg("session: reply send failed")
	default:
		s.cache.Set("reply."+conversationID, reply)
	}
}

func (s *Session) sendReply(conversationID, content string) error {
	conn := s.currentConn()
	if conn == nil {
		return wire.ErrConnClosed
	}
	env, err := envelope.NewEnvelope(envelope.RouteCommand, uuid.NewString(), map[string]string{
		"conversation_id": conversationID,
		"content":         content,
	})
	if err != nil {
		return err
	}
	return conn.Send(env)
}

func (s *Session) cleanupLoop(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.cache.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.locks.Run(ctx)
	}()
	wg.Wait()
}

func (s *Session) teardown() {
	s.tasks.StopAll()
	s.pipeline.Shutdown()
	if conn := s.currentConn(); conn != nil {
		_ = conn.Close()
	}
	log.Info().Str("account", s.cfg.AccountID).Str("state", s.machine.State().String()).Msg("session: stopped")
}

func (s *Session) restartRequested() bool {
	select {
	case <-s.restartCh:
		return true
	default:
		return false
	}
}

func (s *Session) setConn(conn *wire.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) currentConn() *wire.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func conversationOf(in envelope.Inbound) string {
	switch v := in.(type) {
	case envelope.ChatMessage:
		return v.ConversationID
	case envelope.OrderCard:
		return v.ConversationID
	case envelope.SystemHint:
		return v.ConversationID
	case envelope.Typing:
		return v.ConversationID
	default:
		return ""
	}
}

func classLabel(class wire.ErrorClass) string {
	switch class {
	case wire.ClassSocketClosed:
		return "socket_closed"
	case wire.ClassTimeout:
		return "timeout"
	default:
		return "other"
	}
}
