package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/job"
)

// EventType labels events on the bus
type EventType string

const (
	EventStatus          EventType = "status"
	EventProgress        EventType = "progress"
	EventPlaylistSummary EventType = "playlist.summary"
	EventPlaylistEntry   EventType = "playlist.entry"
	EventLog             EventType = "log"
	EventError           EventType = "error"
)

// Event is one bus message for one job
type Event struct {
	JobID     string    `json:"job_id"`
	Type      EventType `json:"event_type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload is the payload of an EventStatus event
type StatusPayload struct {
	Status   job.Status `json:"status"`
	Error    string     `json:"error,omitempty"`
	Attempt  int        `json:"attempt"`
	Kind     job.Kind   `json:"kind"`
	MainFile string     `json:"main_file,omitempty"`
}

// EntryPayload is the payload of an EventPlaylistEntry event
type EntryPayload struct {
	Index    int                   `json:"index"`
	Status   job.EntryStatus       `json:"status"`
	Error    *job.EntryError       `json:"error,omitempty"`
	Progress *job.ProgressSnapshot `json:"progress,omitempty"`
}

// subscriberBuffer is sized so a briefly slow consumer loses nothing; a
// consumer that overflows it gets a resync offer instead of a backlog
const subscriberBuffer = 100

// Subscriber is one consumer of bus events. Events for a single job arrive
// in production order; nothing is guaranteed across jobs.
type Subscriber struct {
	id uint64

	// jobID filters delivery; empty subscribes to all jobs
	jobID string

	ch       chan Event
	overflow atomic.Bool
	closed   atomic.Bool
}

// Events returns the delivery channel
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// NeedsResync reports whether events were dropped since the last check and
// clears the flag. A consumer seeing true should fetch a full snapshot.
func (s *Subscriber) NeedsResync() bool {
	return s.overflow.Swap(false)
}

// Bus fans job events out to subscribers. Publishing never blocks: a full
// subscriber queue drops the event and marks the subscriber for resync.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64

	logger *zap.SugaredLogger
}

// NewBus creates an empty bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscriber),
		logger: logger.Named("bus"),
	}
}

// Subscribe registers a consumer. jobID narrows delivery to one job; empty
// receives everything.
func (b *Bus) Subscribe(jobID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{
		id:    b.nextID,
		jobID: jobID,
		ch:    make(chan Event, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.ch)
}

// Publish delivers an event to every matching subscriber without blocking
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// slow consumer: drop and offer a resync instead of queuing
			if !sub.overflow.Swap(true) {
				b.logger.Debugw("Subscriber overflowed, marked for resync",
					"subscriber", sub.id, "job_id", ev.JobID)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
