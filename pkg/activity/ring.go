// Package activity maintains an append-only ring buffer of recent job
// lifecycle events and fans them out to dashboard subscribers.
package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"jobserver/pkg/logger"
)

const defaultCapacity = 200

// Event is one entry in the activity stream.
type Event struct {
	ID          int64      `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Type        string     `json:"type"`
	JobID       string     `json:"jobId,omitempty"`
	Status      string     `json:"status,omitempty"`
	Icon        string     `json:"icon"`
	Message     string     `json:"message"`
	Error       *EventErr  `json:"error,omitempty"`
	DurationMs  *int64     `json:"duration,omitempty"`
	Attempt     *int       `json:"attempt,omitempty"`
	MaxAttempts *int       `json:"maxAttempts,omitempty"`
}

// EventErr is the normalised error shape carried on a failure event.
type EventErr struct {
	Message string `json:"message"`
}

// Stats summarises the ring buffer's current contents.
type Stats struct {
	Total        int            `json:"total"`
	ByType       map[string]int `json:"byType"`
	NewestAt     *time.Time     `json:"newestAt,omitempty"`
	OldestAt     *time.Time     `json:"oldestAt,omitempty"`
	LastHourCount int           `json:"lastHourCount"`
}

// Broadcaster receives every event added to the Stream, used by the
// websocket bridge to fan out without the Stream knowing about transport.
type Broadcaster interface {
	Broadcast(evt Event)
}

// Stream is a bounded, newest-first ring buffer of activity events.
type Stream struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	nextID   int64

	broadcasters []Broadcaster
}

// NewStream builds a Stream with the given capacity (0 uses the default).
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Stream{capacity: capacity}
}

// Subscribe registers a broadcaster to receive every future Add.
func (s *Stream) Subscribe(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasters = append(s.broadcasters, b)
}

// Add stamps a partial event with an id and timestamp, pushes it to the
// front of the buffer, trims to capacity, and fans out to subscribers. A
// broadcaster failure is caught and logged, never propagated.
func (s *Stream) Add(partial Event) Event {
	s.mu.Lock()
	s.nextID++
	partial.ID = s.nextID
	partial.Timestamp = time.Now()

	s.events = append([]Event{partial}, s.events...)
	if len(s.events) > s.capacity {
		s.events = s.events[:s.capacity]
	}
	broadcasters := append([]Broadcaster(nil), s.broadcasters...)
	s.mu.Unlock()

	for _, b := range broadcasters {
		safeBroadcast(b, partial)
	}
	return partial
}

func safeBroadcast(b Broadcaster, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("activity: broadcaster failed", zap.Int64("event_id", evt.ID), zap.Any("panic", r))
		}
	}()
	b.Broadcast(evt)
}

// Recent returns up to n newest-first events.
func (s *Stream) Recent(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]Event, n)
	copy(out, s.events[:n])
	return out
}

// Stats summarises the buffer's contents.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Total: len(s.events), ByType: make(map[string]int)}
	if len(s.events) == 0 {
		return stats
	}

	newest := s.events[0].Timestamp
	oldest := s.events[len(s.events)-1].Timestamp
	stats.NewestAt = &newest
	stats.OldestAt = &oldest

	hourAgo := time.Now().Add(-time.Hour)
	for _, e := range s.events {
		stats.ByType[e.Type]++
		if e.Timestamp.After(hourAgo) {
			stats.LastHourCount++
		}
	}
	return stats
}
