package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mailbox is the in-memory inter-agent message queue. No persistence and no
// delivery guarantee beyond process lifetime.
type Mailbox struct {
	mu       sync.Mutex
	messages []*Message
}

// Send appends a message and returns it.
func (b *Mailbox) Send(from, to, content string) *Message {
	m := &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Content:   content,
		CreatedAt: time.Now(),
	}
	b.mu.Lock()
	b.messages = append(b.messages, m)
	b.mu.Unlock()
	return m
}

// MessagesFor returns the messages addressed to agentID in send order.
func (b *Mailbox) MessagesFor(agentID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for _, m := range b.messages {
		if m.To == agentID {
			out = append(out, m)
		}
	}
	return out
}
