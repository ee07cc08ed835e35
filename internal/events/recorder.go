package events

import (
	"context"
	"sync"
)

// Recorder is an in-process Publisher that keeps every message. It can be
// told to fail specific publishes.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	// FailWith, when set, is consulted before each publish; a non-nil error
	// rejects the message.
	FailWith func(msg Message) error
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		if err := r.FailWith(msg); err != nil {
			return err
		}
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns the recorded messages for topic, or all when topic is empty.
func (r *Recorder) Messages(topic string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, msg := range r.messages {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Reset drops recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
