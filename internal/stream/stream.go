// Package stream fans out attendance record events to live subscribers, such
// as a reviewer dashboard listening over SSE.
package stream

import (
	"context"
	"sync"
	"time"

	"fieldops.org/internal/attendance"
)

// Event kinds.
const (
	KindApproved = "checkin.auto_approved"
	KindPending  = "checkin.pending_review"
	KindReviewed = "record.reviewed"
)

// RecordEvent is a compact view of a record change.
type RecordEvent struct {
	Kind      string            `json:"kind"`
	RecordID  string            `json:"record_id"`
	UserEmail string            `json:"user_email"`
	TaskID    string            `json:"task_id,omitempty"`
	Status    attendance.Status `json:"status"`
	Flags     []string          `json:"flags"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventFor builds the event for rec.
func EventFor(kind string, rec attendance.Record) RecordEvent {
	flags := rec.VerificationFlags
	if flags == nil {
		flags = []string{}
	}
	return RecordEvent{
		Kind:      kind,
		RecordID:  rec.ID,
		UserEmail: rec.UserEmail,
		TaskID:    rec.TaskID,
		Status:    rec.Status,
		Flags:     flags,
		Timestamp: rec.UpdatedAt,
	}
}

// Stream fan-outs record events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan RecordEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan RecordEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan RecordEvent {
	ch := make(chan RecordEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt RecordEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PublishRecord is Publish(EventFor(kind, rec)).
func (s *Stream) PublishRecord(kind string, rec attendance.Record) {
	s.Publish(EventFor(kind, rec))
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
