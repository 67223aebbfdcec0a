// Package outbox is the outbound half of the chat-transport bridge: replies for
// each requester are handed to live subscribers or queued until drained.
package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Kind distinguishes text replies from document deliveries.
type Kind string

const (
	KindText     Kind = "text"
	KindDocument Kind = "document"
)

// Message is one outbound reply. Data is base64-encoded by encoding/json.
type Message struct {
	Kind      Kind      `json:"kind"`
	Requester string    `json:"requester"`
	Text      string    `json:"text,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrQueueFull        = errors.New("outbox: queue full")
	ErrMissingRequester = errors.New("outbox: requester is required")
)

// Outbox fans replies out to subscribers of the addressed requester. A message
// taken by any subscriber is not queued; otherwise it waits for Drain.
type Outbox struct {
	mu     sync.Mutex
	queues map[string][]Message
	subs   map[string]map[int]chan Message
	next   int
	limit  int
}

// New creates an outbox holding at most limit undelivered messages per requester.
func New(limit int) *Outbox {
	if limit <= 0 {
		limit = 64
	}
	return &Outbox{
		queues: make(map[string][]Message),
		subs:   make(map[string]map[int]chan Message),
		limit:  limit,
	}
}

// ReplyText queues a text reply for requester.
func (o *Outbox) ReplyText(ctx context.Context, requester, text string) error {
	return o.publish(Message{Kind: KindText, Requester: requester, Text: text})
}

// ReplyDocument queues a file delivery for requester.
func (o *Outbox) ReplyDocument(ctx context.Context, requester string, data []byte, filename, caption string) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return o.publish(Message{
		Kind:      KindDocument,
		Requester: requester,
		Filename:  filename,
		Caption:   caption,
		Data:      buf,
	})
}

func (o *Outbox) publish(msg Message) error {
	msg.Requester = strings.TrimSpace(msg.Requester)
	if msg.Requester == "" {
		return ErrMissingRequester
	}
	msg.Timestamp = time.Now().UTC()

	o.mu.Lock()
	defer o.mu.Unlock()

	delivered := false
	for _, ch := range o.subs[msg.Requester] {
		select {
		case ch <- msg:
			delivered = true
		default:
			// Slow subscriber; the message still reaches the queue if nobody took it.
		}
	}
	if delivered {
		return nil
	}
	q := o.queues[msg.Requester]
	if len(q) >= o.limit {
		return ErrQueueFull
	}
	o.queues[msg.Requester] = append(q, msg)
	return nil
}

// Drain returns and forgets every queued message for requester, oldest first.
func (o *Outbox) Drain(requester string) []Message {
	requester = strings.TrimSpace(requester)
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[requester]
	delete(o.queues, requester)
	return q
}

// Pending returns the number of queued messages for requester.
func (o *Outbox) Pending(requester string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[strings.TrimSpace(requester)])
}

// Subscribe registers a live feed for requester. Already-queued messages are
// flushed into the feed first. The channel is closed when ctx ends.
func (o *Outbox) Subscribe(ctx context.Context, requester string) <-chan Message {
	requester = strings.TrimSpace(requester)
	ch := make(chan Message, 16)

	o.mu.Lock()
	id := o.next
	o.next++
	if o.subs[requester] == nil {
		o.subs[requester] = make(map[int]chan Message)
	}
	o.subs[requester][id] = ch
	q := o.queues[requester]
	n := 0
	for n < len(q) && n < cap(ch) {
		ch <- q[n]
		n++
	}
	if n == len(q) {
		delete(o.queues, requester)
	} else {
		o.queues[requester] = q[n:]
	}
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.subs[requester], id)
		if len(o.subs[requester]) == 0 {
			delete(o.subs, requester)
		}
		close(ch)
		o.mu.Unlock()
	}()

	return ch
}
