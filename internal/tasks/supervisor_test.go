package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetherline/tether/internal/testutil/testlog"
)

func blockUntilCanceled(started *atomic.Int32) func(context.Context) {
	return func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
		started.Add(-1)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s := NewSupervisor("acct.a", time.Second)
	defer s.StopAll()
	var live atomic.Int32
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.EnsureRunning(ctx, TaskTokenRefresh, SessionBound, blockUntilCanceled(&live))
	}
	waitFor(t, func() bool { return live.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if live.Load() != 1 {
		t.Fatalf("expected exactly one live instance, got %d", live.Load())
	}
}

func TestRebindReplacesOnlyConnectionBound(t *testing.T) {
	testlog.Start(t)
	s := NewSupervisor("acct.a", time.Second)
	defer s.StopAll()
	var heartbeats, refreshers atomic.Int32
	ctx := context.Background()
	s.EnsureRunning(ctx, TaskTokenRefresh, SessionBound, blockUntilCanceled(&refreshers))
	s.EnsureRunning(ctx, TaskHeartbeat, ConnectionBound, blockUntilCanceled(&heartbeats))
	waitFor(t, func() bool { return heartbeats.Load() == 1 && refreshers.Load() == 1 })

	for i := 0; i < 5; i++ {
		s.RebindConnection(ctx, map[string]func(context.Context){
			TaskHeartbeat: blockUntilCanceled(&heartbeats),
		})
	}
	waitFor(t, func() bool { return heartbeats.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := heartbeats.Load(); got != 1 {
		t.Fatalf("expected one live heartbeat after rebinds, got %d", got)
	}
	if got := refreshers.Load(); got != 1 {
		t.Fatalf("session-bound task must survive rebinds, got %d", got)
	}
	if !s.Running(TaskTokenRefresh) || !s.Running(TaskHeartbeat) {
		t.Fatalf("expected both tasks live: %v", s.Names())
	}
}

func TestStopAllJoinsTasks(t *testing.T) {
	testlog.Start(t)
	s := NewSupervisor("acct.a", time.Second)
	var live atomic.Int32
	ctx := context.Background()
	s.EnsureRunning(ctx, TaskHeartbeat, ConnectionBound, blockUntilCanceled(&live))
	s.EnsureRunning(ctx, TaskCleanup, SessionBound, blockUntilCanceled(&live))
	waitFor(t, func() bool { return live.Load() == 2 })
	s.StopAll()
	if live.Load() != 0 {
		t.Fatalf("expected all tasks stopped, got %d", live.Load())
	}
	if len(s.Names()) != 0 {
		t.Fatalf("expected empty arena, got %v", s.Names())
	}
}

func TestStopAllAbandonsStuckTask(t *testing.T) {
	testlog.Start(t)
	s := NewSupervisor("acct.a", 50*time.Millisecond)
	release := make(chan struct{})
	s.EnsureRunning(context.Background(), TaskCleanup, SessionBound, func(ctx context.Context) {
		<-release // ignores cancellation
	})
	done := make(chan struct{})
	go func() {
		s.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("StopAll must not block on a stuck task")
	}
	close(release)
}

func TestReplacedAfterExit(t *testing.T) {
	testlog.Start(t)
	s := NewSupervisor("acct.a", time.Second)
	defer s.StopAll()
	var runs atomic.Int32
	ctx := context.Background()
	s.EnsureRunning(ctx, TaskCookieRefresh, SessionBound, func(context.Context) {
		runs.Add(1)
	})
	waitFor(t, func() bool { return !s.Running(TaskCookieRefresh) })
	s.EnsureRunning(ctx, TaskCookieRefresh, SessionBound, func(context.Context) {
		runs.Add(1)
	})
	waitFor(t, func() bool { return runs.Load() == 2 })
}
