// Package wire owns one live socket to the messaging service: dialing,
// the registration handshake, heartbeats matched by correlation id, and the
// inbound read loop.
package wire

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tetherline/tether/internal/protocol/envelope"
)

// Identity carries what the handshake needs from the session's credentials.
type Identity struct {
	AccountID string
	Token     string
	DeviceID  string
}

// Conn is a registered, live connection. Safe for concurrent use.
type Conn struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan envelope.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials the service and completes the registration handshake.
// Socket-level success alone is not enough: the registration ack must come
// back accepted before the connection is usable.
func Connect(ctx context.Context, cfg Config, addr string, id Identity) (*Conn, error) {
	cfg = cfg.WithDefaults()
	raw, err := dial(ctx, cfg, addr)
	if err != nil {
		return nil, err
	}
	conn, err := register(cfg, raw, id)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func dial(ctx context.Context, cfg Config, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := clientTLSConfig(cfg, addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func clientTLSConfig(cfg Config, addr string) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("wire: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}
	return out, nil
}

func register(cfg Config, raw net.Conn, id Identity) (*Conn, error) {
	_ = raw.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	reader := bufio.NewReader(raw)

	env, err := envelope.NewEnvelope(envelope.RouteRegister, uuid.NewString(), envelope.Registration{
		AccountID: id.AccountID,
		DeviceID:  id.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	env.Headers.Token = id.Token
	env.Headers.DeviceID = id.DeviceID
	if err := envelope.Write(raw, env); err != nil {
		return nil, err
	}

	reply, err := envelope.Read(reader)
	if err != nil {
		return nil, err
	}
	if reply.Route != envelope.RouteRegisterAck {
		return nil, fmt.Errorf("%w: unexpected route %q", envelope.ErrInvalidAck, reply.Route)
	}
	var ack envelope.RegistrationAck
	if err := envelope.BodyElement(reply, 0, &ack); err != nil {
		return nil, err
	}
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	if ack.Status != envelope.AckStatusAccepted {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrRegistrationRejected, ack.Code, ack.Message)
	}
	_ = raw.SetDeadline(time.Time{})

	return &Conn{
		cfg:     cfg,
		conn:    raw,
		reader:  reader,
		waiters: make(map[string]chan envelope.Envelope),
		closed:  make(chan struct{}),
	}, nil
}

// Send writes one envelope under the write deadline.
func (c *Conn) Send(env envelope.Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return envelope.Write(c.conn, env)
}

// Ack sends the protocol acknowledgment for an inbound envelope. The ack is
// independent of any downstream processing outcome.
func (c *Conn) Ack(correlationID string) error {
	env, err := envelope.NewEnvelope(envelope.RouteMessageAck, correlationID)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Heartbeat sends a ping and waits for the matching pong. A missing pong
// within the heartbeat timeout means the connection is dead.
func (c *Conn) Heartbeat(ctx context.Context) error {
	correlationID := uuid.NewString()
	reply := c.addWaiter(correlationID)
	defer c.removeWaiter(correlationID)

	env, err := envelope.NewEnvelope(envelope.RoutePing, correlationID)
	if err != nil {
		return err
	}
	if err := c.Send(env); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.HeartbeatTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnClosed
	case <-timer.C:
		return ErrHeartbeatTimeout
	case <-reply:
		return nil
	}
}

// ReadLoop consumes envelopes until the connection dies or ctx is canceled.
// Correlated replies are routed to their waiters; everything else goes to
// handler. The error return is always non-nil and explains why the loop
// ended.
func (c *Conn) ReadLoop(ctx context.Context, handler func(envelope.Envelope)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := envelope.Read(c.reader)
		if err != nil {
			select {
			case <-c.closed:
				return ErrConnClosed
			default:
			}
			return err
		}
		if c.deliverToWaiter(env) {
			continue
		}
		handler(env)
	}
}

// Close is idempotent and unblocks any heartbeat or read in flight.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) addWaiter(correlationID string) <-chan envelope.Envelope {
	ch := make(chan envelope.Envelope, 1)
	c.waitMu.Lock()
	c.waiters[correlationID] = ch
	c.waitMu.Unlock()
	return ch
}

func (c *Conn) removeWaiter(correlationID string) {
	c.waitMu.Lock()
	delete(c.waiters, correlationID)
	c.waitMu.Unlock()
}

func (c *Conn) deliverToWaiter(env envelope.Envelope) bool {
	c.waitMu.Lock()
	ch, ok := c.waiters[env.Headers.CorrelationID]
	c.waitMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
		log.Warn().Str("correlation_id", env.Headers.CorrelationID).Msg("wire: dropped duplicate correlated reply")
	}
	return true
}
