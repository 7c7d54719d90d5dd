// Package queue provides the per-player track queue.
package queue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osa030/lavabridge/internal/domain/track"
)

// Mode represents the queue loop mode.
type Mode int

const (
	ModeOff  Mode = iota // Tracks are consumed in order
	ModeOne              // The head track repeats until the mode changes
	ModeAll              // Consumed tracks are re-appended to the tail
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOne:
		return "one"
	case ModeAll:
		return "all"
	default:
		return "unknown"
	}
}

// Entry represents a queued track.
type Entry struct {
	ID          string      // Entry UUID
	Track       track.Track // Track to play
	RequesterID string      // Who queued it (optional)
	AddedAt     time.Time   // Time when added to queue
}

// Queue is a thread-safe FIFO track queue with history and loop modes.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	history []Entry
	mode    Mode
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		entries: make([]Entry, 0),
		history: make([]Entry, 0),
	}
}

// Put appends a track to the end of the queue and returns its entry.
func (q *Queue) Put(t track.Track, requesterID string) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := Entry{
		ID:          uuid.New().String(),
		Track:       t,
		RequesterID: requesterID,
		AddedAt:     time.Now(),
	}
	q.entries = append(q.entries, e)
	return e
}

// PutFront inserts a track at the head of the queue.
func (q *Queue) PutFront(t track.Track, requesterID string) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := Entry{
		ID:          uuid.New().String(),
		Track:       t,
		RequesterID: requesterID,
		AddedAt:     time.Now(),
	}
	q.entries = append([]Entry{e}, q.entries...)
	return e
}

// Get removes and returns the next entry according to the loop mode.
// Returns false if the queue is empty.
func (q *Queue) Get() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}

	e := q.entries[0]

	switch q.mode {
	case ModeOne:
		// Head stays put; history records the repeat.
	case ModeAll:
		q.entries = append(q.entries[1:], e)
	default:
		q.entries = q.entries[1:]
	}

	q.history = append(q.history, e)
	return e, true
}

// Skip removes and returns the head entry regardless of the loop mode.
func (q *Queue) Skip() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}

	e := q.entries[0]
	q.entries = q.entries[1:]
	q.history = append(q.history, e)
	return e, true
}

// Peek returns the next entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty returns true if no entries are queued.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear removes all queued entries and returns them.
func (q *Queue) Clear() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := q.entries
	q.entries = make([]Entry, 0)
	return removed
}

// Shuffle randomizes the order of the queued entries.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()

	rand.Shuffle(len(q.entries), func(i, j int) {
		q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	})
}

// Mode returns the current loop mode.
func (q *Queue) Mode() Mode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// SetMode sets the loop mode.
func (q *Queue) SetMode(m Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = m
}

// History returns a copy of the consumed entries, oldest first.
func (q *Queue) History() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Entry, len(q.history))
	copy(result, q.history)
	return result
}

// Entries returns a copy of the queued entries.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Entry, len(q.entries))
	copy(result, q.entries)
	return result
}

// TotalDuration returns the combined duration of all queued entries.
func (q *Queue) TotalDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total time.Duration
	for i := range q.entries {
		total += q.entries[i].Track.Duration()
	}
	return total
}
