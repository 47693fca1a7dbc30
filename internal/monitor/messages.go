package monitor

import (
	"errors"
	"sync"
	"time"
)

// Message ids used by the Controller
const (
	MessageFetchFailed = "fetch-job-info-failed"
	MessageFetchError  = "fetch-job-info-error"
	MessageAbortFailed = "abort-job-failed"
)

// Message is a dismissible notice shown with the monitor. NotFound marks
// messages caused by an unknown job token.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	NotFound  bool      `json:"notFound,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// notFound reports whether err says the job does not exist (yet)
func notFound(err error) bool {
	var nf interface{ NotFound() bool }
	return errors.As(err, &nf) && nf.NotFound()
}

// MessageBoard keeps messages keyed by id. Pushing an existing id replaces
// the message in place.
type MessageBoard struct {
	mu    sync.Mutex
	items []Message
}

// Push adds or replaces a message
func (b *MessageBoard) Push(id, text string) {
	b.put(Message{ID: id, Text: text})
}

// PushError adds or replaces a message describing err
func (b *MessageBoard) PushError(id string, err error) {
	b.put(Message{ID: id, Text: err.Error(), NotFound: notFound(err)})
}

func (b *MessageBoard) put(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg.CreatedAt = time.Now()
	for i := range b.items {
		if b.items[i].ID == msg.ID {
			b.items[i] = msg
			return
		}
	}
	b.items = append(b.items, msg)
}

// Remove deletes messages by id
func (b *MessageBoard) Remove(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.items[:0]
	for _, m := range b.items {
		drop := false
		for _, id := range ids {
			if m.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, m)
		}
	}
	b.items = kept
}

// Clear removes all messages
func (b *MessageBoard) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}

// List returns the current messages in insertion order
func (b *MessageBoard) List() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.items))
	copy(out, b.items)
	return out
}

// Visible lists the messages, leaving out not-found ones when hideNotFound
// is set
func (b *MessageBoard) Visible(hideNotFound bool) []Message {
	all := b.List()
	if !hideNotFound {
		return all
	}
	out := all[:0]
	for _, m := range all {
		if !m.NotFound {
			out = append(out, m)
		}
	}
	return out
}

// Has reports whether a message with id is shown
func (b *MessageBoard) Has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.items {
		if m.ID == id {
			return true
		}
	}
	return false
}
