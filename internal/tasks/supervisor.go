// Package tasks supervises a session's named background loops. Tasks are
// connection-bound (torn down and recreated on every reconnect) or
// session-bound (started once, surviving reconnects).
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind distinguishes task lifetimes.
type Kind int

const (
	// ConnectionBound tasks live no longer than the current connection.
	ConnectionBound Kind = iota
	// SessionBound tasks live as long as the session.
	SessionBound
)

// Canonical task names.
const (
	TaskHeartbeat     = "heartbeat"
	TaskTokenRefresh  = "token-refresh"
	TaskCookieRefresh = "cookie-refresh"
	TaskCleanup       = "cleanup"
)

const DefaultStopTimeout = 8 * time.Second

type task struct {
	name   string
	kind   Kind
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Supervisor owns the task-handle arena for one session. Nothing it spawns
// is ever detached: every handle is canceled and joined (or deliberately
// abandoned after a bounded wait) at shutdown.
type Supervisor struct {
	account     string
	stopTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

func NewSupervisor(account string, stopTimeout time.Duration) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		account:     account,
		stopTimeout: stopTimeout,
		tasks:       make(map[string]*task),
	}
}

// EnsureRunning starts the named task unless a live instance already exists,
// so at most one instance of each name runs at a time. A task whose loop has
// returned is replaced.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string, kind Kind, run func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[name]; ok && existing.running() {
		return
	}
	s.startLocked(ctx, name, kind, run)
}

// RebindConnection tears down every connection-bound task and starts the
// given replacements against the new connection. The teardown is the
// documented fast path: handles are discarded without waiting for
// cancellation to be observed, trading a brief possible overlap of old and
// new instances for lower reconnect latency. The old instance's effects are
// harmless once its connection handle is dead.
func (s *Supervisor) RebindConnection(ctx context.Context, replacements map[string]func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		if t.kind != ConnectionBound {
			continue
		}
		t.cancel()
		delete(s.tasks, name)
	}
	for name, run := range replacements {
		s.startLocked(ctx, name, ConnectionBound, run)
	}
}

// StopAll cancels everything, then waits per task up to the stop timeout.
// A task that does not finish in time is logged and abandoned: cancellation
// delivered is treated as sufficient, and shutdown never blocks on a stuck
// loop.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	snapshot := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, t)
	}
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range snapshot {
		t.cancel()
	}
	for _, t := range snapshot {
		select {
		case <-t.done:
		case <-time.After(s.stopTimeout):
			log.Warn().Str("account", s.account).Str("task", t.name).Msg("tasks: shutdown timeout, abandoning task")
		}
	}
}

// Names lists the currently live task names, for ops snapshots.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for name, t := range s.tasks {
		if t.running() {
			out = append(out, name)
		}
	}
	return out
}

// Running reports whether a live instance of name exists.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return ok && t.running()
}

func (s *Supervisor) startLocked(ctx context.Context, name string, kind Kind, run func(context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{name: name, kind: kind, cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = t
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("account", s.account).Str("task", name).Any("panic", r).Msg("tasks: task panic")
			}
		}()
		run(taskCtx)
	}()
	log.Debug().Str("account", s.account).Str("task", name).Int("kind", int(kind)).Msg("tasks: started")
}
