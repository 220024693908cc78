// Package bus is the in-process coordination primitive for multi-agent
// collaboration: per-agent FIFO mailboxes, broadcast, and a shared-context
// map with last-writer-wins semantics. It is not a reliable queue; dropped
// recipients accumulate messages until explicit cleanup.
package bus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MESSAGE TYPES
// ============================================================================

// Kind classifies a message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindContextShare Kind = "context_share"
)

// BroadcastTarget addresses every registered agent except the sender.
const BroadcastTarget = "broadcast"

// Message is one unit of inter-agent communication. Delivery between a
// fixed (sender, recipient) pair preserves send order; there is no global
// order across senders.
type Message struct {
	ID            string         `json:"id"`
	From          string         `json:"from_agent"`
	To            string         `json:"to_agent"`
	Kind          Kind           `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ContextEntry is one shared-context value with its write metadata.
// Seq is a bus-monotonic counter that breaks wall-clock ties, so readers
// always observe the true last writer.
type ContextEntry struct {
	Owner     string    `json:"owner"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// BusError represents errors in the bus subsystem.
type BusError struct {
	Operation string
	Message   string
	Err       error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[bus:%s] %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[bus:%s] %s", e.Operation, e.Message)
}

func (e *BusError) Unwrap() error { return e.Err }

func newBusError(operation, message string, err error) *BusError {
	return &BusError{Operation: operation, Message: message, Err: err}
}

// ============================================================================
// BUS
// ============================================================================

// Bus coordinates agents within a single workflow execution.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string][]Message
	context   map[string]ContextEntry
	seq       uint64
	journal   *Journal
}

// New creates a bus without a durable journal.
func New() *Bus {
	return &Bus{
		mailboxes: make(map[string][]Message),
		context:   make(map[string]ContextEntry),
	}
}

// NewDurable creates a bus that appends every publish and context write to
// a JSON-lines journal at path.
func NewDurable(path string) (*Bus, error) {
	journal, err := OpenJournal(path)
	if err != nil {
		return nil, newBusError("NewDurable", "failed to open journal", err)
	}
	b := New()
	b.journal = journal
	return b, nil
}

// Register creates a mailbox for an agent. Idempotent.
func (b *Bus) Register(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.mailboxes[agentID]; !exists {
		b.mailboxes[agentID] = nil
	}
}

// Unregister drops an agent's mailbox and any accumulated messages.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mailboxes, agentID)
}

// Agents returns registered agent ids, sorted.
func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Publish appends the message to the target mailbox, or to every other
// mailbox when addressed to BroadcastTarget. Missing fields are filled in.
func (b *Bus) Publish(msg Message) error {
	if msg.From == "" {
		return newBusError("Publish", "message has no sender", nil)
	}
	if msg.To == "" {
		return newBusError("Publish", "message has no recipient", nil)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.To == BroadcastTarget {
		for id := range b.mailboxes {
			if id == msg.From {
				continue
			}
			b.mailboxes[id] = append(b.mailboxes[id], msg)
		}
	} else {
		b.mailboxes[msg.To] = append(b.mailboxes[msg.To], msg)
	}

	if b.journal != nil {
		if err := b.journal.AppendMessage(msg); err != nil {
			return newBusError("Publish", "journal append failed", err)
		}
	}
	return nil
}

// Broadcast delivers the message to every known agent except the sender.
func (b *Bus) Broadcast(msg Message) error {
	msg.To = BroadcastTarget
	return b.Publish(msg)
}

// Subscribe drains and returns an agent's mailbox in delivery order.
func (b *Bus) Subscribe(agentID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.mailboxes[agentID]
	b.mailboxes[agentID] = nil
	return msgs
}

// Peek returns an agent's pending messages without removing them.
func (b *Bus) Peek(agentID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msgs := b.mailboxes[agentID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// ============================================================================
// SHARED CONTEXT
// ============================================================================

// ShareContext writes a globally visible key. Conflicts resolve
// last-writer-wins by the bus-monotonic sequence.
func (b *Bus) ShareContext(from, key string, value any) error {
	if key == "" {
		return newBusError("ShareContext", "key cannot be empty", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	entry := ContextEntry{
		Owner:     from,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		Seq:       b.seq,
	}
	if prev, exists := b.context[key]; !exists || entry.Seq > prev.Seq {
		b.context[key] = entry
	}

	if b.journal != nil {
		if err := b.journal.AppendContext(entry); err != nil {
			return newBusError("ShareContext", "journal append failed", err)
		}
	}
	return nil
}

// GetContext reads a shared key.
func (b *Bus) GetContext(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.context[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// ContextSnapshot returns a consistent copy of the shared-context values.
func (b *Bus) ContextSnapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]any, len(b.context))
	for key, entry := range b.context {
		out[key] = entry.Value
	}
	return out
}

// ContextEntries returns the full entries for checkpointing.
func (b *Bus) ContextEntries() map[string]ContextEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]ContextEntry, len(b.context))
	for key, entry := range b.context {
		out[key] = entry
	}
	return out
}

// RestoreContext replaces the shared context from a checkpoint snapshot.
func (b *Bus) RestoreContext(entries map[string]ContextEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.context = make(map[string]ContextEntry, len(entries))
	var maxSeq uint64
	for key, entry := range entries {
		b.context[key] = entry
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
	}
	if maxSeq > b.seq {
		b.seq = maxSeq
	}
}

// Close releases the journal, if any.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}
