package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// journalRecord is one JSON line in the durable journal. Exactly one of
// Message or Context is set.
type journalRecord struct {
	Message *Message      `json:"message,omitempty"`
	Context *ContextEntry `json:"context,omitempty"`
}

// Journal is the append-only durable log behind NewDurable. Replay rebuilds
// mailboxes and shared context in file order.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

func (j *Journal) AppendMessage(msg Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(journalRecord{Message: &msg})
}

func (j *Journal) AppendContext(entry ContextEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(journalRecord{Context: &entry})
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Replay reads a journal file and applies every record to the bus:
// messages land in their target mailboxes, context writes re-apply with
// their original sequence numbers (so last-writer-wins is preserved).
func Replay(path string, b *Bus) error {
	file, err := os.Open(path)
	if err != nil {
		return newBusError("Replay", fmt.Sprintf("cannot open journal %q", path), err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return newBusError("Replay", fmt.Sprintf("malformed journal line %d", line), err)
		}
		switch {
		case rec.Message != nil:
			msg := *rec.Message
			b.mu.Lock()
			if msg.To == BroadcastTarget {
				for id := range b.mailboxes {
					if id != msg.From {
						b.mailboxes[id] = append(b.mailboxes[id], msg)
					}
				}
			} else {
				b.mailboxes[msg.To] = append(b.mailboxes[msg.To], msg)
			}
			b.mu.Unlock()
		case rec.Context != nil:
			entry := *rec.Context
			b.mu.Lock()
			if prev, exists := b.context[entry.Key]; !exists || entry.Seq > prev.Seq {
				b.context[entry.Key] = entry
			}
			if entry.Seq > b.seq {
				b.seq = entry.Seq
			}
			b.mu.Unlock()
		}
	}
	return scanner.Err()
}
