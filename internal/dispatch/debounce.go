package dispatch

import (
	"sync"
	"time"

	"github.com/tetherline/tether/internal/protocol/envelope"
)

const DefaultQuietInterval = time.Second

type debounceSlot struct {
	pending    envelope.ChatMessage
	generation uint64
	fireAt     time.Time
	timer      *time.Timer
}

// Debouncer coalesces rapid messages per conversation into one trailing
// action carrying the last message. A fired timer is honored only when its
// captured generation still matches the slot, so superseded fires drop out
// silently.
type Debouncer struct {
	mu      sync.Mutex
	quiet   time.Duration
	slots   map[string]*debounceSlot
	fire    func(envelope.ChatMessage)
	onStale func() // metrics hook, may be nil
}

func NewDebouncer(quiet time.Duration, fire func(envelope.ChatMessage)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	return &Debouncer{
		quiet: quiet,
		slots: make(map[string]*debounceSlot),
		fire:  fire,
	}
}

// Put replaces the conversation's pending payload, bumps the generation, and
// reschedules the fire time.
func (d *Debouncer) Put(msg envelope.ChatMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, ok := d.slots[msg.ConversationID]
	if !ok {
		slot = &debounceSlot{}
		d.slots[msg.ConversationID] = slot
	}
	slot.pending = msg
	slot.generation++
	slot.fireAt = time.Now().Add(d.quiet)
	generation := slot.generation
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.timer = time.AfterFunc(d.quiet, func() {
		d.fireIfCurrent(msg.ConversationID, generation)
	})
}

// Stop cancels every outstanding timer. Pending payloads are discarded.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conversationID, slot := range d.slots {
		if slot.timer != nil {
			slot.timer.Stop()
		}
		delete(d.slots, conversationID)
	}
}

func (d *Debouncer) fireIfCurrent(conversationID string, generation uint64) {
	d.mu.Lock()
	slot, ok := d.slots[conversationID]
	if !ok || slot.generation != generation {
		onStale := d.onStale
		d.mu.Unlock()
		if onStale != nil {
			onStale()
		}
		return
	}
	msg := slot.pending
	delete(d.slots, conversationID)
	d.mu.Unlock()
	d.fire(msg)
}
