package envelope

import (
	"encoding/json"
	"strings"
	"time"
)

// Inbound is the decoded form of one msg-route body element. Each known
// category gets its own variant; anything unrecognized lands in Unknown
// rather than being probed field by field downstream.
type Inbound interface {
	inbound()
}

// ChatMessage is a buyer/seller chat line.
type ChatMessage struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Content        string
	SentAt         time.Time
}

// OrderCard is a structured order-lifecycle card pushed into a conversation.
type OrderCard struct {
	ConversationID string
	OrderID        string
	Subtype        string
}

// SystemHint is a service-side notice (pause hints, risk warnings).
type SystemHint struct {
	ConversationID string
	Hint           string
}

// Typing is a transient typing indicator.
type Typing struct {
	ConversationID string
}

// Unknown preserves the raw body of an unrecognized category.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ChatMessage) inbound() {}
func (OrderCard) inbound()   {}
func (SystemHint) inbound()  {}
func (Typing) inbound()      {}
func (Unknown) inbound()     {}

// Order card subtypes the service is known to emit.
const (
	CardOrderPaid    = "order_paid"
	CardOrderShipped = "order_shipped"
	CardOrderClosed  = "order_closed"
	CardRefundOpened = "refund_opened"
)

// deliveryTriggerPhrases are buyer-client phrases that signal a paid order
// awaiting fulfillment. Messages carrying one must reach the reply resolver
// immediately: they bypass debouncing and any reply-pause gate.
var deliveryTriggerPhrases = []string{
	"i have paid",
	"payment complete",
	"please ship",
}

// bypassCardSubtypes are card categories whose handling must never be
// coalesced or paused.
var bypassCardSubtypes = map[string]bool{
	CardOrderPaid:    true,
	CardRefundOpened: true,
}

type inboundWire struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	SendTimeMS     int64  `json:"send_time_ms"`
	OrderID        string `json:"order_id"`
	Subtype        string `json:"subtype"`
	Hint           string `json:"hint"`
}

// Classify decodes one msg body element into its variant.
func Classify(raw json.RawMessage) Inbound {
	var wire inboundWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Unknown{Raw: raw}
	}
	switch wire.Type {
	case "chat":
		return ChatMessage{
			MessageID:      wire.MessageID,
			ConversationID: wire.ConversationID,
			SenderID:       wire.SenderID,
			Content:        wire.Content,
			SentAt:         time.UnixMilli(wire.SendTimeMS),
		}
	case "card":
		return OrderCard{
			ConversationID: wire.ConversationID,
			OrderID:        wire.OrderID,
			Subtype:        wire.Subtype,
		}
	case "system":
		return SystemHint{
			ConversationID: wire.ConversationID,
			Hint:           wire.Hint,
		}
	case "typing":
		return Typing{ConversationID: wire.ConversationID}
	default:
		return Unknown{Type: wire.Type, Raw: raw}
	}
}

// Identity derives the dedup identity for a chat message: the embedded
// message id when present, otherwise a composite of conversation, content,
// and embedded send time.
func (m ChatMessage) Identity() string {
	if id := strings.TrimSpace(m.MessageID); id != "" {
		return id
	}
	return m.ConversationID + "|" + m.Content + "|" + m.SentAt.UTC().Format(time.RFC3339Nano)
}

// Bypass reports whether the message must skip debouncing and the
// reply-pause gate.
func Bypass(in Inbound) bool {
	switch v := in.(type) {
	case ChatMessage:
		content := strings.ToLower(v.Content)
		for _, phrase := range deliveryTriggerPhrases {
			if strings.Contains(content, phrase) {
				return true
			}
		}
		return false
	case OrderCard:
		return bypassCardSubtypes[v.Subtype]
	default:
		return false
	}
}
