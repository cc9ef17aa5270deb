// Package eventbus is the per-action publish/subscribe fan-out used by
// the SSE transport: every status change and log line produced while an
// action runs is published here, and each subscriber (one per open SSE
// connection) gets its own bounded queue so a slow reader never blocks
// the executor.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/internal/observability"
)

// Event kinds published on the bus.
const (
	KindActionStatus  = "action.status"
	KindTaskStatus    = "task.status"
	KindTaskLog       = "task.log"
	KindTaskOutput    = "task.output"
	KindTaskRecovered = "task.recovered"
	KindSubAction     = "task.sub_action"
	KindOverflow      = "bus.overflow"
	KindPing          = "bus.ping"
)

// Event is one message on the bus.
type Event struct {
	Kind      string
	ActionID  string
	TaskID    string
	Payload   any
	CreatedAt time.Time
}

const (
	defaultQueueCapacity = 256
	keepaliveInterval    = 15 * time.Second
)

// subscriber holds one reader's bounded mailbox. When the mailbox fills,
// the oldest queued event is dropped and replaced with a single
// KindOverflow marker so the reader knows it missed events instead of
// silently falling behind, mirroring the memory queue's dead-letter
// degrade-gracefully behavior under sustained Nack pressure.
type subscriber struct {
	id       int64
	actionID string
	ch       chan Event
	mu       sync.Mutex
	closed   bool
}

func (s *subscriber) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- Event{Kind: KindOverflow, ActionID: s.actionID, CreatedAt: ev.CreatedAt}:
	default:
	}
	observability.Default.IncCounter("eventbus_overflow_total", map[string]string{"action_id": s.actionID}, 1)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans events out to per-action subscribers.
type Bus struct {
	mu         sync.Mutex
	nextID     int64
	subs       map[int64]*subscriber
	byAction   map[string]map[int64]struct{}
	snapshots  map[string][]Event
	queueCap   int
	cancelOnce sync.Once
	stop       chan struct{}
}

func New() *Bus {
	b := &Bus{
		subs:      make(map[int64]*subscriber),
		byAction:  make(map[string]map[int64]struct{}),
		snapshots: make(map[string][]Event),
		queueCap:  defaultQueueCapacity,
		stop:      make(chan struct{}),
	}
	go b.keepalive()
	return b
}

// WithQueueCapacity overrides the per-subscriber mailbox size, configured
// via the event_queue_capacity option.
func (b *Bus) WithQueueCapacity(n int) *Bus {
	if n > 0 {
		b.queueCap = n
	}
	return b
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Events returns the channel of events for this subscription, including
// the snapshot replayed at subscribe time.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Close unregisters the subscription and releases its mailbox.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub.id)
	if m, ok := s.bus.byAction[s.sub.actionID]; ok {
		delete(m, s.sub.id)
		if len(m) == 0 {
			delete(s.bus.byAction, s.sub.actionID)
		}
	}
	s.bus.mu.Unlock()
	s.sub.close()
}

// Subscribe registers a new subscriber for actionID and replays the
// current snapshot (the most recent status of every task) before live
// events, so a client connecting mid-run sees consistent state.
func (b *Bus) Subscribe(actionID string) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, actionID: actionID, ch: make(chan Event, b.queueCap)}
	b.subs[id] = sub
	if b.byAction[actionID] == nil {
		b.byAction[actionID] = make(map[int64]struct{})
	}
	b.byAction[actionID][id] = struct{}{}
	snapshot := append([]Event(nil), b.snapshots[actionID]...)
	b.mu.Unlock()

	for _, ev := range snapshot {
		sub.send(ev)
	}
	return &Subscription{bus: b, sub: sub}
}

// Publish fans ev out to every subscriber of ev.ActionID and updates the
// per-task snapshot used for new subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	if ev.Kind == KindActionStatus || ev.Kind == KindTaskStatus {
		b.snapshots[ev.ActionID] = upsertSnapshot(b.snapshots[ev.ActionID], ev)
	}
	ids := make([]int64, 0, len(b.byAction[ev.ActionID]))
	for id := range b.byAction[ev.ActionID] {
		ids = append(ids, id)
	}
	subs := make([]*subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.send(ev)
	}
}

// Forget drops the retained snapshot for an action once it is terminal
// and no longer needs to be replayed to new subscribers.
func (b *Bus) Forget(actionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, actionID)
}

func upsertSnapshot(events []Event, ev Event) []Event {
	for i, e := range events {
		if e.Kind == ev.Kind && e.TaskID == ev.TaskID {
			events[i] = ev
			return events
		}
	}
	return append(events, ev)
}

func (b *Bus) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			subs := make([]*subscriber, 0, len(b.subs))
			for _, s := range b.subs {
				subs = append(subs, s)
			}
			b.mu.Unlock()
			for _, s := range subs {
				s.send(Event{Kind: KindPing, ActionID: s.actionID, CreatedAt: time.Now().UTC()})
			}
		}
	}
}

// Close stops the keepalive loop and closes every open subscription.
func (b *Bus) Close() {
	b.cancelOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int64]*subscriber)
	b.byAction = make(map[string]map[int64]struct{})
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Wait blocks until ctx is done, used by callers that hold a
// subscription open for the lifetime of an HTTP request.
func Wait(ctx context.Context) { <-ctx.Done() }
