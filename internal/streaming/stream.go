// Package streaming delivers per-run analysis events to a single consumer
// over a bounded queue, with an optional Redis Streams mirror for external
// subscribers.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/scivet/revaudit/internal/metrics"
)

// EventType identifies the kind of run event.
type EventType string

const (
	EventAgentStart    EventType = "agent_start"
	EventAgentComplete EventType = "agent_complete"
	EventProgress      EventType = "progress"
	// EventLog is part of the event vocabulary for diagnostic lines;
	// no producer emits it yet.
	EventLog           EventType = "log"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Terminal reports whether the type ends a run's event sequence.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one entry in a run's ordered event sequence. Seq is assigned by
// the stream at publish time, contiguous from 0 per run.
type Event struct {
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	Agent     string          `json:"agent,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Marshal returns JSON for SSE frames and the Redis mirror.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

var (
	// ErrStreamClosed reports a publish after the terminal event.
	ErrStreamClosed = errors.New("event stream already closed")
	// ErrConsumerGone reports that the consumer cancelled the stream.
	ErrConsumerGone = errors.New("event stream consumer disconnected")
)

// Stream is a single-consumer bounded event queue for one run. Publishing
// blocks while the queue is full and the consumer is still attached, so a
// slow consumer applies backpressure to the producing run rather than
// losing events.
type Stream struct {
	runID string
	ch    chan Event
	done  chan struct{} // closed by Cancel

	mu       sync.Mutex
	nextSeq  uint64
	finished bool
	cancel   sync.Once
}

// NewStream creates a stream for runID with the given queue capacity.
func NewStream(runID string, capacity int) *Stream {
	if capacity <= 0 {
		capacity = 64
	}
	return &Stream{
		runID: runID,
		ch:    make(chan Event, capacity),
		done:  make(chan struct{}),
	}
}

// RunID returns the run this stream belongs to.
func (s *Stream) RunID() string { return s.runID }

// Events is the consumer side. The channel is closed after the terminal
// event has been delivered.
func (s *Stream) Events() <-chan Event { return s.ch }

// Cancel detaches the consumer. Pending and future publishes are discarded
// and the producer observes ErrConsumerGone. Safe to call more than once.
func (s *Stream) Cancel() {
	s.cancel.Do(func() { close(s.done) })
}

// Done reports consumer disconnection to the producer.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Publish stamps the event with the next sequence number and enqueues it.
// The sequence counter advances even when delivery fails, so numbering
// stays contiguous per run. Exactly one terminal event is accepted; the
// queue is closed after it so the consumer sees end-of-stream.
func (s *Stream) Publish(ctx context.Context, evt *Event) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	evt.RunID = s.runID
	evt.Seq = s.nextSeq
	s.nextSeq++
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	terminal := evt.Type.Terminal()
	if terminal {
		s.finished = true
	}
	s.mu.Unlock()

	metrics.EventsEmitted.WithLabelValues(string(evt.Type)).Inc()
	if terminal {
		// The consumer sees end-of-stream whether or not delivery of the
		// terminal event itself succeeds.
		defer close(s.ch)
	}

	// Disconnect is checked before blocking on the queue.
	select {
	case <-s.done:
		metrics.EventsDropped.Inc()
		return ErrConsumerGone
	default:
	}

	select {
	case s.ch <- *evt:
		return nil
	case <-s.done:
		metrics.EventsDropped.Inc()
		return ErrConsumerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}
