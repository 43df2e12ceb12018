package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tetherline/tether/internal/protocol/envelope"
	"github.com/tetherline/tether/internal/testutil/testlog"
)

type recordingAcker struct {
	mu   sync.Mutex
	acks []string
}

func (a *recordingAcker) Ack(correlationID string) error {
	a.mu.Lock()
	a.acks = append(a.acks, correlationID)
	a.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	seen  []envelope.Inbound
	byps  []bool
}

func (s *recordingSink) sink(_ context.Context, in envelope.Inbound, bypass bool) {
	s.mu.Lock()
	s.seen = append(s.seen, in)
	s.byps = append(s.byps, bypass)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func msgEnvelope(t *testing.T, correlationID string, bodies ...any) envelope.Envelope {
	t.Helper()
	env, err := envelope.NewEnvelope(envelope.RouteMessage, correlationID, bodies...)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func chatBody(id, conversation, content string) map[string]any {
	return map[string]any{
		"type":            "chat",
		"message_id":      id,
		"conversation_id": conversation,
		"content":         content,
		"send_time_ms":    1700000000000,
	}
}

func TestAckSentBeforeDispatch(t *testing.T) {
	testlog.Start(t)
	acker := &recordingAcker{}
	sink := &recordingSink{}
	p := NewPipeline(Config{AccountID: "a", QuietWindow: 20 * time.Millisecond}, acker, sink.sink)
	defer p.Shutdown()

	env := msgEnvelope(t, "corr.1", chatBody("m1", "c1", "hello"))
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.acks) != 1 || acker.acks[0] != "corr.1" {
		t.Fatalf("expected synchronous ack, got %v", acker.acks)
	}
}

func TestDuplicateIdentityProcessedOnce(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	p := NewPipeline(Config{AccountID: "a", QuietWindow: 20 * time.Millisecond}, &recordingAcker{}, sink.sink)
	defer p.Shutdown()

	for i := 0; i < 2; i++ {
		env := msgEnvelope(t, "corr", chatBody("m1", "c1", "hello"))
		if err := p.Process(context.Background(), env); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	time.Sleep(150 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("duplicate identity must fire once, got %d", got)
	}
}

func TestBurstCoalescesToLastMessage(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	p := NewPipeline(Config{AccountID: "a", QuietWindow: 60 * time.Millisecond}, &recordingAcker{}, sink.sink)
	defer p.Shutdown()

	for i := 0; i < 4; i++ {
		id := "m" + string(rune('0'+i))
		env := msgEnvelope(t, "corr", chatBody(id, "c1", "draft "+id))
		if err := p.Process(context.Background(), env); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	time.Sleep(250 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.seen) != 1 {
		t.Fatalf("burst must coalesce to one action, got %d", len(sink.seen))
	}
	msg, ok := sink.seen[0].(envelope.ChatMessage)
	if !ok || msg.MessageID != "m3" {
		t.Fatalf("expected last message m3, got %+v", sink.seen[0])
	}
}

func TestBypassSkipsDebounceAndPause(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	p := NewPipeline(Config{AccountID: "a", QuietWindow: time.Minute}, &recordingAcker{}, sink.sink)
	defer p.Shutdown()
	p.PauseReplies("c1", true)

	env := msgEnvelope(t, "corr", chatBody("m1", "c1", "ok, I have paid"))
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.seen) != 1 || !sink.byps[0] {
		t.Fatalf("bypass message must reach the sink immediately despite pause")
	}
}

func TestPausedConversationSuppressed(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	p := NewPipeline(Config{AccountID: "a", QuietWindow: 20 * time.Millisecond}, &recordingAcker{}, sink.sink)
	defer p.Shutdown()
	p.PauseReplies("c1", true)

	env := msgEnvelope(t, "corr", chatBody("m1", "c1", "hello"))
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if got := sink.count(); got != 0 {
		t.Fatalf("paused conversation must not fire, got %d", got)
	}
	p.PauseReplies("c1", false)
	env = msgEnvelope(t, "corr", chatBody("m2", "c1", "hello again"))
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("unpaused conversation should fire, got %d", got)
	}
}

func TestNonChatCategoriesSkipPool(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	p := NewPipeline(Config{AccountID: "a"}, &recordingAcker{}, sink.sink)
	defer p.Shutdown()

	env := msgEnvelope(t, "corr",
		map[string]any{"type": "typing", "conversation_id": "c1"},
		json.RawMessage(`{"type":"mystery"}`),
	)
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 0 {
		t.Fatalf("typing/unknown must not reach sink, got %d", got)
	}
}
