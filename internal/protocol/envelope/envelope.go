// Package envelope implements the messaging service's JSON wire envelope:
// one envelope per line over a persistent socket, a route, a header block
// carrying the correlation id, and a positional JSON body.
package envelope

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	RouteRegister    = "reg"
	RouteRegisterAck = "reg.ack"
	RoutePing        = "ping"
	RoutePong        = "pong"
	RouteMessage     = "msg"
	RouteMessageAck  = "msg.ack"
	RouteCommand     = "cmd"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxLineBytes = 512 * 1024
)

var (
	ErrInvalidEnvelope  = errors.New("envelope: invalid envelope")
	ErrEnvelopeTooLarge = errors.New("envelope: line too large")
	ErrInvalidAck       = errors.New("envelope: invalid registration ack")
)

// Headers is the envelope header block. CorrelationID ties a request to its
// response; the remaining fields only appear on specific routes.
type Headers struct {
	CorrelationID string `json:"correlation_id"`
	Token         string `json:"token,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	AppKey        string `json:"app_key,omitempty"`
	Sign          string `json:"sign,omitempty"`
	TimestampMS   int64  `json:"timestamp_ms,omitempty"`
}

// Envelope is one wire message.
type Envelope struct {
	Route   string            `json:"route"`
	Headers Headers           `json:"headers"`
	Body    []json.RawMessage `json:"body"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Route) == "" {
		return fmt.Errorf("%w: missing route", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.Headers.CorrelationID) == "" {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidEnvelope)
	}
	return nil
}

// Registration is the session-start payload carried in a reg envelope body.
type Registration struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id"`
	AppVer    string `json:"app_ver,omitempty"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("%w: missing account_id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalidEnvelope)
	}
	return nil
}

// RegistrationAck is the service's answer to a reg envelope.
type RegistrationAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidAck, a.Status)
	}
	return nil
}

// Write marshals one envelope and appends the line terminator.
func Write(w io.Writer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// Read consumes one line and decodes it. Oversized lines are rejected before
// unmarshaling.
func Read(r *bufio.Reader) (Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Envelope{}, err
	}
	if len(line) > maxLineBytes {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// BodyElement decodes body[i] into out.
func BodyElement(env Envelope, i int, out any) error {
	if i < 0 || i >= len(env.Body) {
		return fmt.Errorf("%w: body[%d] missing", ErrInvalidEnvelope, i)
	}
	if err := json.Unmarshal(env.Body[i], out); err != nil {
		return fmt.Errorf("%w: body[%d]: %v", ErrInvalidEnvelope, i, err)
	}
	return nil
}

// NewEnvelope builds an envelope with a marshaled body.
func NewEnvelope(route, correlationID string, body ...any) (Envelope, error) {
	env := Envelope{
		Route:   route,
		Headers: Headers{CorrelationID: correlationID},
	}
	for _, item := range body {
		raw, err := json.Marshal(item)
		if err != nil {
			return Envelope{}, err
		}
		env.Body = append(env.Body, raw)
	}
	return env, nil
}
