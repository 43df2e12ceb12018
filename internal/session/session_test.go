package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetherline/tether/internal/creds"
	"github.com/tetherline/tether/internal/keyedlock"
	"github.com/tetherline/tether/internal/protocol/envelope"
	"github.com/tetherline/tether/internal/testutil/testlog"
	"github.com/tetherline/tether/internal/wire"
)

// fakeService accepts registrations on a real listener and, optionally,
// answers pings. With answerPings false every heartbeat times out, which is
// the failure mode the escalation path is built around.
type fakeService struct {
	ln            net.Listener
	answerPings   bool
	registrations atomic.Int32
}

func startFakeService(t *testing.T, answerPings bool) *fakeService {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeService{ln: ln, answerPings: answerPings}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeService) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeService) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	env, err := envelope.Read(reader)
	if err != nil || env.Route != envelope.RouteRegister {
		return
	}
	f.registrations.Add(1)
	ack, _ := envelope.NewEnvelope(envelope.RouteRegisterAck, env.Headers.CorrelationID, envelope.RegistrationAck{
		Status:      envelope.AckStatusAccepted,
		TimestampMS: uint64(time.Now().UnixMilli()),
	})
	if err := envelope.Write(conn, ack); err != nil {
		return
	}
	for {
		env, err := envelope.Read(reader)
		if err != nil {
			return
		}
		if env.Route == envelope.RoutePing && f.answerPings {
			pong, _ := envelope.NewEnvelope(envelope.RoutePong, env.Headers.CorrelationID)
			if err := envelope.Write(conn, pong); err != nil {
				return
			}
		}
	}
}

type loginCounter struct {
	calls atomic.Int32
	fail  bool
}

func (l *loginCounter) Login(context.Context, string) (map[string]string, error) {
	l.calls.Add(1)
	if l.fail {
		return nil, errors.New("login rejected")
	}
	return map[string]string{"_m_h5_tk": "fresh_abc"}, nil
}

func testSessionConfig(addr string) Config {
	return Config{
		AccountID: "acct.a",
		Addr:      addr,
		DeviceID:  "dev.1",
		Wire: wire.Config{
			ConnectTimeout:    time.Second,
			HandshakeTimeout:  time.Second,
			WriteTimeout:      time.Second,
			HeartbeatInterval: 30 * time.Millisecond,
			HeartbeatTimeout:  20 * time.Millisecond,
		},
		Backoff: BackoffConfig{
			SocketCloseBase: time.Millisecond,
			SocketCloseCap:  2 * time.Millisecond,
			TimeoutBase:     time.Millisecond,
			TimeoutCap:      2 * time.Millisecond,
			OtherBase:       time.Millisecond,
			OtherCap:        2 * time.Millisecond,

			EscalationThreshold: 5,
		},
		StopTimeout: time.Second,
	}
}

func newTestSession(cfg Config, login *loginCounter) *Session {
	logins := keyedlock.NewRegistry(keyedlock.Config{ReleaseDelay: time.Minute})
	return New(cfg, map[string]string{"_m_h5_tk": "tok_seed"}, creds.Collaborators{Password: login}, logins, nil)
}

func TestHeartbeatTimeoutsEscalateExactlyOnce(t *testing.T) {
	testlog.Start(t)
	svc := startFakeService(t, false)
	login := &loginCounter{}
	s := newTestSession(testSessionConfig(svc.addr()), login)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, ErrRestartRequested) {
		t.Fatalf("expected restart request after successful escalation, got %v", err)
	}
	if got := login.calls.Load(); got != 1 {
		t.Fatalf("password fallback invoked %d times, want exactly 1", got)
	}
	if got := svc.registrations.Load(); got < 5 {
		t.Fatalf("expected at least 5 registrations before escalation, got %d", got)
	}
	if got := s.machine.Failures(); got != 0 {
		t.Fatalf("escalation success must reset failures, got %d", got)
	}
}

func TestEscalationFailureMovesToFailed(t *testing.T) {
	testlog.Start(t)
	svc := startFakeService(t, false)
	login := &loginCounter{fail: true}
	s := newTestSession(testSessionConfig(svc.addr()), login)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, ErrRestartRequested) {
		t.Fatalf("failed session must request a rebuild, got %v", err)
	}
	if got := login.calls.Load(); got != 1 {
		t.Fatalf("password fallback invoked %d times, want exactly 1", got)
	}
	if got := s.Snapshot().State; got != "failed" {
		t.Fatalf("state=%q, want failed", got)
	}
}

func TestContextCancelClosesSession(t *testing.T) {
	testlog.Start(t)
	svc := startFakeService(t, true)
	s := newTestSession(testSessionConfig(svc.addr()), &loginCounter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return s.Snapshot().State == "connected" })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("clean shutdown must return nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not stop on cancel")
	}
	if got := s.Snapshot().State; got != "closed" {
		t.Fatalf("state=%q, want closed", got)
	}
}

func TestSnapshotListsSessionTasks(t *testing.T) {
	testlog.Start(t)
	svc := startFakeService(t, true)
	s := newTestSession(testSessionConfig(svc.addr()), &loginCounter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, func() bool { return s.Snapshot().State == "connected" })
	waitFor(t, func() bool { return len(s.Snapshot().Tasks) == 4 })

	snap := s.Snapshot()
	want := []string{"cleanup", "cookie-refresh", "heartbeat", "token-refresh"}
	for i, name := range want {
		if snap.Tasks[i] != name {
			t.Fatalf("tasks=%v, want %v", snap.Tasks, want)
		}
	}
	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
