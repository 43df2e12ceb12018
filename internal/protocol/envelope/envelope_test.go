package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tetherline/tether/internal/testutil/testlog"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	env, err := NewEnvelope(RouteRegister, "corr.1", Registration{
		AccountID: "acct.a",
		DeviceID:  "dev.1",
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	var buf bytes.Buffer
	if err := Write(&buf, env); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Route != RouteRegister || got.Headers.CorrelationID != "corr.1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var reg Registration
	if err := BodyElement(got, 0, &reg); err != nil {
		t.Fatalf("body element: %v", err)
	}
	if reg.AccountID != "acct.a" || reg.DeviceID != "dev.1" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
}

func TestReadRejectsMissingRoute(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	buf.WriteString(`{"headers":{"correlation_id":"c"}}` + "\n")
	if _, err := Read(bufio.NewReader(&buf)); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestClassifyChatMessage(t *testing.T) {
	testlog.Start(t)
	raw := json.RawMessage(`{"type":"chat","message_id":"m1","conversation_id":"c1","sender_id":"u1","content":"hello","send_time_ms":1700000000000}`)
	in := Classify(raw)
	msg, ok := in.(ChatMessage)
	if !ok {
		t.Fatalf("expected ChatMessage, got %T", in)
	}
	if msg.Identity() != "m1" {
		t.Fatalf("identity should prefer message id, got %q", msg.Identity())
	}
}

func TestClassifyUnknownFallback(t *testing.T) {
	testlog.Start(t)
	raw := json.RawMessage(`{"type":"mystery","payload":{"deep":{"nested":1}}}`)
	in := Classify(raw)
	u, ok := in.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", in)
	}
	if u.Type != "mystery" {
		t.Fatalf("unexpected type %q", u.Type)
	}
}

func TestIdentityFallbackComposite(t *testing.T) {
	testlog.Start(t)
	a := Classify(json.RawMessage(`{"type":"chat","conversation_id":"c1","content":"hi","send_time_ms":1700000000000}`)).(ChatMessage)
	b := Classify(json.RawMessage(`{"type":"chat","conversation_id":"c1","content":"hi","send_time_ms":1700000000000}`)).(ChatMessage)
	c := Classify(json.RawMessage(`{"type":"chat","conversation_id":"c1","content":"hi","send_time_ms":1700000001000}`)).(ChatMessage)
	if a.Identity() != b.Identity() {
		t.Fatalf("identical composite fields must share identity")
	}
	if a.Identity() == c.Identity() {
		t.Fatalf("different send time must change identity")
	}
}

func TestBypassCategories(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		in   Inbound
		want bool
	}{
		{"delivery phrase", ChatMessage{Content: "ok, I have paid for it"}, true},
		{"plain chat", ChatMessage{Content: "is this still available?"}, false},
		{"paid card", OrderCard{Subtype: CardOrderPaid}, true},
		{"shipped card", OrderCard{Subtype: CardOrderShipped}, false},
		{"typing", Typing{}, false},
	}
	for _, tc := range cases {
		if got := Bypass(tc.in); got != tc.want {
			t.Fatalf("%s: bypass=%v want %v", tc.name, got, tc.want)
		}
	}
}
