package session

import (
	"sync"
	"time"

	"github.com/tetherline/tether/internal/wire"
)

// ConnectionState is one session's position in the connect lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const DefaultEscalationThreshold = 5

// BackoffConfig is the error-class retry delay table. Each class has a base
// delay scaled linearly by the consecutive-failure count and a cap. Socket
// closes retry fast (the peer kicks stale registrations and wants us right
// back), timeouts retry slow (the network is the problem), everything else
// sits in between.
type BackoffConfig struct {
	SocketCloseBase time.Duration
	SocketCloseCap  time.Duration
	TimeoutBase     time.Duration
	TimeoutCap      time.Duration
	OtherBase       time.Duration
	OtherCap        time.Duration

	// EscalationThreshold is the consecutive-failure count at which the
	// machine hands off to the password-login fallback instead of retrying.
	EscalationThreshold int
}

func (c BackoffConfig) WithDefaults() BackoffConfig {
	if c.SocketCloseBase <= 0 {
		c.SocketCloseBase = 500 * time.Millisecond
	}
	if c.SocketCloseCap <= 0 {
		c.SocketCloseCap = 5 * time.Second
	}
	if c.TimeoutBase <= 0 {
		c.TimeoutBase = 5 * time.Second
	}
	if c.TimeoutCap <= 0 {
		c.TimeoutCap = time.Minute
	}
	if c.OtherBase <= 0 {
		c.OtherBase = 2 * time.Second
	}
	if c.OtherCap <= 0 {
		c.OtherCap = 30 * time.Second
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = DefaultEscalationThreshold
	}
	return c
}

// Machine tracks one session's connection state and consecutive-failure
// streak. A handshake alone does not clear the streak: registering can
// succeed while the link is still unusable, so only a proven-healthy
// round-trip (MarkHealthy) or a fresh connect from Disconnected resets the
// counter. This keeps repeated connect-then-die cycles climbing toward
// escalation instead of oscillating at failure count 1.
type Machine struct {
	cfg BackoffConfig

	mu          sync.Mutex
	state       ConnectionState
	cameFrom    ConnectionState
	failures    int
	lastSuccess time.Time
}

func NewMachine(cfg BackoffConfig) *Machine {
	return &Machine{cfg: cfg.WithDefaults(), state: Disconnected}
}

func (m *Machine) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Machine) LastSuccess() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// BeginConnect moves Disconnected or Reconnecting into Connecting. It
// reports false from Failed or Closed, where no further attempts are made.
func (m *Machine) BeginConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Disconnected, Reconnecting:
		m.cameFrom = m.state
		m.state = Connecting
		return true
	default:
		return false
	}
}

// HandshakeSucceeded records a completed registration. Socket-level connect
// success never reaches this; only the application-level ack does.
func (m *Machine) HandshakeSucceeded(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Connected
	m.lastSuccess = now
	if m.cameFrom == Disconnected {
		m.failures = 0
	}
}

// MarkHealthy clears the failure streak once the connection has proven
// itself with a successful heartbeat round-trip.
func (m *Machine) MarkHealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
}

// ConnectionFailed increments the streak, moves to Reconnecting, and returns
// the class-appropriate retry delay. escalate is true exactly when the
// streak reaches the threshold, so a continuing streak triggers exactly one
// escalation, not one per failure.
func (m *Machine) ConnectionFailed(class wire.ErrorClass) (delay time.Duration, escalate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed || m.state == Failed {
		return 0, false
	}
	m.failures++
	m.state = Reconnecting
	return m.delayFor(class, m.failures), m.failures == m.cfg.EscalationThreshold
}

// EscalationSucceeded resets the streak after a successful password-login
// fallback so retrying resumes from a clean slate.
func (m *Machine) EscalationSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
}

// Fail marks the session beyond local recovery. The registry tears it down
// and builds a replacement.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Closed {
		m.state = Failed
	}
}

// Close is terminal, reached only on deliberate shutdown.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Closed
}

func (m *Machine) delayFor(class wire.ErrorClass, failures int) time.Duration {
	var base, cap time.Duration
	switch class {
	case wire.ClassSocketClosed:
		base, cap = m.cfg.SocketCloseBase, m.cfg.SocketCloseCap
	case wire.ClassTimeout:
		base, cap = m.cfg.TimeoutBase, m.cfg.TimeoutCap
	default:
		base, cap = m.cfg.OtherBase, m.cfg.OtherCap
	}
	delay := base * time.Duration(failures)
	if delay > cap {
		delay = cap
	}
	return delay
}
