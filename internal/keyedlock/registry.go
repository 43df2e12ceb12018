// Package keyedlock provides per-key mutual exclusion with a second,
// independent cooldown tier: a "held" flag that outlives the critical section
// and is cleared only by its own deferred-release timer or the reaper.
package keyedlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultReleaseDelay = 10 * time.Minute
	DefaultRetention    = 24 * time.Hour
	DefaultReapInterval = time.Hour
)

var ErrHeld = errors.New("keyedlock: key in cooldown")

// Config tunes one registry instance.
type Config struct {
	ReleaseDelay time.Duration
	Retention    time.Duration
	ReapInterval time.Duration
}

func (c Config) WithDefaults() Config {
	if c.ReleaseDelay <= 0 {
		c.ReleaseDelay = DefaultReleaseDelay
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	return c
}

// lockEntry keeps the critical-section lock (cs) and the cooldown state
// (guarded by stateMu) independent: releasing cs never clears held.
type lockEntry struct {
	cs sync.Mutex

	stateMu   sync.Mutex
	held      bool
	heldSince time.Time
	release   *time.Timer
	lastUsed  time.Time
}

func (e *lockEntry) isHeld() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.held
}

func (e *lockEntry) touch(now time.Time) {
	e.stateMu.Lock()
	e.lastUsed = now
	e.stateMu.Unlock()
}

func (e *lockEntry) clearHeld() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.held = false
	if e.release != nil {
		e.release.Stop()
		e.release = nil
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg     Config
	tableMu sync.Mutex
	entries map[string]*lockEntry
	now     func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg.WithDefaults(),
		entries: make(map[string]*lockEntry),
		now:     time.Now,
	}
}

// Acquire runs fn under the key's critical-section lock, unless the key's
// cooldown flag is set. The flag is checked before taking the lock (cheap
// rejection without contending) and again after acquiring it, to catch the
// race where another holder set the flag while this caller was waiting.
// On a successful fn the cooldown flag is set and its deferred release
// scheduled.
func (r *Registry) Acquire(key string, fn func() error) error {
	ent := r.entry(key)
	if ent.isHeld() {
		return ErrHeld
	}
	ent.cs.Lock()
	defer ent.cs.Unlock()
	if ent.isHeld() {
		return ErrHeld
	}
	if err := fn(); err != nil {
		ent.touch(r.now())
		return err
	}
	r.markHeld(key, ent)
	return nil
}

// Held reports whether the key is currently in cooldown.
func (r *Registry) Held(key string) bool {
	r.tableMu.Lock()
	ent, ok := r.entries[key]
	r.tableMu.Unlock()
	return ok && ent.isHeld()
}

// Release clears the cooldown flag early. Used by ops commands; normal flow
// waits for the deferred release.
func (r *Registry) Release(key string) {
	r.tableMu.Lock()
	ent, ok := r.entries[key]
	r.tableMu.Unlock()
	if ok {
		ent.clearHeld()
	}
}

// Reap evicts entries unused beyond the retention window, canceling any
// outstanding deferred-release timer so no scheduled work leaks.
func (r *Registry) Reap() int {
	r.tableMu.Lock()
	snapshot := make(map[string]*lockEntry, len(r.entries))
	for key, ent := range r.entries {
		snapshot[key] = ent
	}
	r.tableMu.Unlock()

	now := r.now()
	var stale []string
	for key, ent := range snapshot {
		ent.stateMu.Lock()
		idle := now.Sub(ent.lastUsed) > r.cfg.Retention
		if idle {
			ent.held = false
			if ent.release != nil {
				ent.release.Stop()
				ent.release = nil
			}
		}
		ent.stateMu.Unlock()
		if idle {
			stale = append(stale, key)
		}
	}

	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	var evicted int
	for _, key := range stale {
		if r.entries[key] == snapshot[key] {
			delete(r.entries, key)
			evicted++
		}
	}
	return evicted
}

// Run reaps on the configured interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				log.Debug().Int("evicted", n).Msg("keyedlock reap")
			}
		}
	}
}

func (r *Registry) entry(key string) *lockEntry {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	ent, ok := r.entries[key]
	if !ok {
		ent = &lockEntry{lastUsed: r.now()}
		r.entries[key] = ent
	}
	return ent
}

func (r *Registry) markHeld(key string, ent *lockEntry) {
	ent.stateMu.Lock()
	defer ent.stateMu.Unlock()
	ent.held = true
	ent.heldSince = r.now()
	ent.lastUsed = ent.heldSince
	if ent.release != nil {
		ent.release.Stop()
	}
	ent.release = time.AfterFunc(r.cfg.ReleaseDelay, func() {
		ent.clearHeld()
		log.Debug().Str("key", key).Msg("keyedlock cooldown released")
	})
}
