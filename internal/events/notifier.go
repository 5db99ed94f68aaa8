package events

import (
	"sync"

	"vibe/internal/shared/logging"
)

const defaultHighWatermark = 64

// Subscription is one subscriber's view of a session's event stream.
type Subscription struct {
	sessionID string

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	closed bool
	// markerPending notes that events were dropped since the last delivery,
	// so the next drain sees exactly one backpressure marker per gap.
	markerPending bool

	out  chan Event
	done chan struct{}
}

// Events returns the channel the subscriber reads from. The channel is
// closed when the subscription is cancelled.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// SessionID returns the session this subscription watches.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Notifier is the session-scoped pub/sub hub.
type Notifier struct {
	mu            sync.RWMutex
	subscribers   map[string][]*Subscription
	seq           map[string]uint64 // sessionID+"/"+jobID -> next seq
	highWatermark int
	logger        logging.Logger

	dropped uint64
}

// NewNotifier creates a notifier with the given per-subscriber buffer bound.
func NewNotifier(highWatermark int, logger logging.Logger) *Notifier {
	if highWatermark <= 0 {
		highWatermark = defaultHighWatermark
	}
	return &Notifier{
		subscribers:   make(map[string][]*Subscription),
		seq:           make(map[string]uint64),
		highWatermark: highWatermark,
		logger:        logging.OrNop(logger),
	}
}

// Subscribe registers a new subscriber for a session and starts its pump.
func (n *Notifier) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		signal:    make(chan struct{}, 1),
		out:       make(chan Event),
		done:      make(chan struct{}),
	}

	n.mu.Lock()
	n.subscribers[sessionID] = append(n.subscribers[sessionID], sub)
	count := len(n.subscribers[sessionID])
	n.mu.Unlock()

	go sub.pump()
	n.logger.Info("Subscriber registered for session %s (total: %d)", sessionID, count)
	return sub
}

// Unsubscribe removes the subscription and closes its event channel.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	n.mu.Lock()
	subs := n.subscribers[sub.sessionID]
	for i, candidate := range subs {
		if candidate == sub {
			n.subscribers[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(n.subscribers[sub.sessionID]) == 0 {
		delete(n.subscribers, sub.sessionID)
	}
	remaining := len(n.subscribers[sub.sessionID])
	n.mu.Unlock()

	sub.close()
	n.logger.Info("Subscriber unregistered from session %s (remaining: %d)", sub.sessionID, remaining)
}

// Publish delivers the event to every subscriber of the session, stamping the
// per-(session, job) sequence number.
func (n *Notifier) Publish(sessionID string, event Event) {
	n.mu.Lock()
	key := sessionID + "/" + event.JobID
	event.Seq = n.seq[key]
	n.seq[key]++
	subs := make([]*Subscription, len(n.subscribers[sessionID]))
	copy(subs, n.subscribers[sessionID])
	n.mu.Unlock()

	for _, sub := range subs {
		if dropped := sub.enqueue(event, n.highWatermark); dropped > 0 {
			n.mu.Lock()
			n.dropped += uint64(dropped)
			n.mu.Unlock()
			n.logger.Warn("Subscriber buffer full for session %s, dropped %d oldest events", sessionID, dropped)
		}
	}
}

// SubscriberCount returns the number of subscribers watching a session.
func (n *Notifier) SubscriberCount(sessionID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[sessionID])
}

// DroppedEvents reports how many events were lost to backpressure.
func (n *Notifier) DroppedEvents() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped
}

// Close tears down every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	var all []*Subscription
	for _, subs := range n.subscribers {
		all = append(all, subs...)
	}
	n.subscribers = make(map[string][]*Subscription)
	n.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// enqueue appends the event, evicting the oldest non-terminal entries once
// the buffer passes the high-watermark. Terminal events are never evicted;
// if only terminal events remain the buffer grows instead. Returns how many
// events were dropped.
func (s *Subscription) enqueue(event Event, highWatermark int) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}

	dropped := 0
	for len(s.queue) >= highWatermark {
		idx := -1
		for i, queued := range s.queue {
			if queued.Kind != KindTerminal && queued.Kind != KindBackpressure {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		dropped++
	}
	if dropped > 0 && !s.markerPending {
		s.markerPending = true
		s.queue = append(s.queue, Event{JobID: event.JobID, Kind: KindBackpressure})
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

// pump drains the queue into the outward channel in order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.markerPending = false
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
