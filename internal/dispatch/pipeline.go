// Package dispatch processes one session's inbound message stream: ack-first
// delivery, a bounded worker pool with blocking submission, identity
// deduplication, and per-conversation debouncing.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tetherline/tether/internal/observability"
	"github.com/tetherline/tether/internal/protocol/envelope"
)

const DefaultMaxInFlight = 100

// Acker sends the protocol acknowledgment for an inbound envelope.
type Acker interface {
	Ack(correlationID string) error
}

// Sink receives messages that survived dedup and debouncing. bypass marks
// categories that skipped the debounce and reply-pause gates.
type Sink func(ctx context.Context, in envelope.Inbound, bypass bool)

// Config tunes one pipeline instance.
type Config struct {
	AccountID    string
	MaxInFlight  int64
	DedupHorizon time.Duration
	DedupCap     int
	QuietWindow  time.Duration
}

func (c Config) WithDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.DedupHorizon <= 0 {
		c.DedupHorizon = DefaultDedupHorizon
	}
	if c.DedupCap <= 0 {
		c.DedupCap = DefaultDedupCap
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = DefaultQuietInterval
	}
	return c
}

// Pipeline is one session's inbound processor. Safe for concurrent use.
type Pipeline struct {
	cfg      Config
	acker    Acker
	sink     Sink
	workers  *semaphore.Weighted
	dedup    *DedupTable
	debounce *Debouncer

	pauseMu sync.Mutex
	paused  map[string]bool

	wg sync.WaitGroup
}

func NewPipeline(cfg Config, acker Acker, sink Sink) *Pipeline {
	cfg = cfg.WithDefaults()
	p := &Pipeline{
		cfg:     cfg,
		acker:   acker,
		sink:    sink,
		workers: semaphore.NewWeighted(cfg.MaxInFlight),
		dedup:   NewDedupTable(cfg.DedupHorizon, cfg.DedupCap),
		paused:  make(map[string]bool),
	}
	p.debounce = NewDebouncer(cfg.QuietWindow, func(msg envelope.ChatMessage) {
		observability.RecordDebounce(cfg.AccountID, "fired")
		if p.isPaused(msg.ConversationID) {
			return
		}
		p.sink(context.Background(), msg, false)
	})
	p.debounce.onStale = func() {
		observability.RecordDebounce(cfg.AccountID, "superseded")
	}
	return p
}

// Process handles one inbound msg envelope. The protocol ack goes out first,
// regardless of what downstream processing decides; submission to the worker
// pool then blocks when the pool is saturated, which backpressures the read
// loop instead of queueing without bound.
func (p *Pipeline) Process(ctx context.Context, env envelope.Envelope) error {
	if err := p.acker.Ack(env.Headers.CorrelationID); err != nil {
		log.Warn().Str("account", p.cfg.AccountID).Err(err).Msg("dispatch: ack failed")
	}
	for _, raw := range env.Body {
		in := envelope.Classify(raw)
		observability.RecordInboundFrame(p.cfg.AccountID, categoryOf(in))
		if !chatWorthy(in) {
			continue
		}
		if err := p.workers.Acquire(ctx, 1); err != nil {
			return err
		}
		p.wg.Add(1)
		go func(in envelope.Inbound) {
			defer p.workers.Release(1)
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("account", p.cfg.AccountID).Any("panic", r).Msg("dispatch: worker panic")
				}
			}()
			p.handle(ctx, in)
		}(in)
	}
	return nil
}

// PauseReplies stops debounced replies for a conversation. Bypass categories
// are unaffected.
func (p *Pipeline) PauseReplies(conversationID string, paused bool) {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if paused {
		p.paused[conversationID] = true
		return
	}
	delete(p.paused, conversationID)
}

// Shutdown cancels pending debounce timers and waits for in-flight workers.
func (p *Pipeline) Shutdown() {
	p.debounce.Stop()
	p.wg.Wait()
}

func (p *Pipeline) handle(ctx context.Context, in envelope.Inbound) {
	switch v := in.(type) {
	case envelope.ChatMessage:
		if p.dedup.Seen(v.Identity()) {
			observability.RecordDedupDrop(p.cfg.AccountID)
			return
		}
		if envelope.Bypass(v) {
			p.sink(ctx, v, true)
			return
		}
		p.debounce.Put(v)
	case envelope.OrderCard:
		if p.dedup.Seen("card|" + v.OrderID + "|" + v.Subtype) {
			observability.RecordDedupDrop(p.cfg.AccountID)
			return
		}
		if envelope.Bypass(v) {
			p.sink(ctx, v, true)
			return
		}
		if p.isPaused(v.ConversationID) {
			return
		}
		p.sink(ctx, v, false)
	}
}

func (p *Pipeline) isPaused(conversationID string) bool {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	return p.paused[conversationID]
}

// chatWorthy filters the categories that reach the worker pool at all.
func chatWorthy(in envelope.Inbound) bool {
	switch in.(type) {
	case envelope.ChatMessage, envelope.OrderCard:
		return true
	default:
		return false
	}
}

func categoryOf(in envelope.Inbound) string {
	switch in.(type) {
	case envelope.ChatMessage:
		return "chat"
	case envelope.OrderCard:
		return "card"
	case envelope.SystemHint:
		return "system"
	case envelope.Typing:
		return "typing"
	default:
		return "unknown"
	}
}
