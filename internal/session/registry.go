package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrSessionExists   = errors.New("session: account already has a live session")
	ErrSessionNotFound = errors.New("session: no live session for account")
	ErrUnknownCommand  = errors.New("session: unknown command")
)

// Ops command names accepted by Command.
const (
	CmdRestart       = "restart"
	CmdRefreshNow    = "refresh-now"
	CmdPauseReplies  = "pause-replies"
	CmdResumeReplies = "resume-replies"
)

// Factory builds a fresh session for an account. Called once at activation
// and again after every full restart.
type Factory func(ctx context.Context, accountID string) (*Session, error)

// Registry is the process-wide account table: at most one live session per
// account id, enforced at registration. Sessions register on start and
// deregister on exit; external commands are addressed through it.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// Supervise owns one account's session lifecycle: build, register, run,
// deregister, and rebuild for as long as restarts are requested. It returns
// when ctx is canceled or the factory fails.
func (r *Registry) Supervise(ctx context.Context, accountID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		s, err := r.factory(ctx, accountID)
		if err != nil {
			return err
		}
		if err := r.register(s); err != nil {
			return err
		}
		runErr := s.Run(ctx)
		r.deregister(s)
		if !errors.Is(runErr, ErrRestartRequested) {
			return runErr
		}
		log.Info().Str("account", accountID).Msg("registry: rebuilding session")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Get returns the live session for an account.
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// Snapshots lists every live session, ordered by account id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Command routes an ops command to an account's live session. arg carries
// the conversation id for the pause/resume commands.
func (r *Registry) Command(ctx context.Context, accountID, cmd, arg string) error {
	s, ok := r.Get(accountID)
	if !ok {
		return ErrSessionNotFound
	}
	switch cmd {
	case CmdRestart:
		s.RequestRestart("ops command")
		return nil
	case CmdRefreshNow:
		return s.RefreshNow(ctx)
	case CmdPauseReplies:
		s.PauseReplies(arg, true)
		return nil
	case CmdResumeReplies:
		s.PauseReplies(arg, false)
		return nil
	default:
		return ErrUnknownCommand
	}
}

func (r *Registry) register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.AccountID()]; exists {
		return ErrSessionExists
	}
	r.sessions[s.AccountID()] = s
	return nil
}

func (r *Registry) deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.AccountID()]; ok && current == s {
		delete(r.sessions, s.AccountID())
	}
}
