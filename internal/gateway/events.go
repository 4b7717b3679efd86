package gateway

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one progress notification for an asynchronous job.
type Event struct {
	Stage      string `json:"stage,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EventBroker fans job progress events out to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, acceptable for the expected
// job volume.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel receiving events for the given job and an
// unsubscribe function. If the job has already finished, the returned
// channel is immediately closed.
func (b *EventBroker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given job. Events are
// dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
