package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sbilly/chaser/internal/errs"
)

// laggedGrace is how long a subscription's queue may stay full before
// the subscriber is dropped.
const laggedGrace = 5 * time.Second

// Scope selects which events a subscription sees. Zero value means
// global.
type Scope struct {
	PageID    string
	BrowserID string
}

func (s Scope) matches(ev Event) bool {
	if s.PageID != "" {
		return ev.PageID == s.PageID
	}
	if s.BrowserID != "" {
		return ev.BrowserID == s.BrowserID
	}
	return true
}

// Subscription is one client stream's bounded delivery queue. Delivery
// order equals publish (CDP arrival) order; across subscriptions no
// order is guaranteed.
type Subscription struct {
	ID    string
	scope Scope
	kinds map[Kind]bool
	filt  Filter

	mu        sync.Mutex
	queue     []Event
	capacity  int
	lagged    uint64
	termErr   error
	closed    bool
	fullTimer *time.Timer
	signal    chan struct{}

	onTerminate func(id string)
}

// LaggedCount reports how many events were dropped so far.
func (s *Subscription) LaggedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Next blocks for the next event. After termination it returns the
// terminal error: LAGGED, PAGE_CLOSED (scope target gone) or a plain
// closure.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) < s.capacity && s.fullTimer != nil {
				s.fullTimer.Stop()
				s.fullTimer = nil
			}
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			err := s.termErr
			s.mu.Unlock()
			if err == nil {
				err = errs.New(errs.CodeNotFound, "subscription closed")
			}
			return Event{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return Event{}, errs.Wrap(errs.CodeTimeout, ctx.Err(), "waiting for event")
		}
	}
}

// publish enqueues one event, dropping the oldest on overflow.
func (s *Subscription) publish(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		s.lagged++
	}
	ev.Lagged = s.lagged
	s.queue = append(s.queue, ev)
	if len(s.queue) >= s.capacity && s.fullTimer == nil {
		s.fullTimer = time.AfterFunc(laggedGrace, func() {
			s.terminate(errs.New(errs.CodeLagged, "subscriber failed to keep up"), true)
			if s.onTerminate != nil {
				s.onTerminate(s.ID)
			}
		})
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// terminate ends the stream. With discard, queued events are dropped so
// the terminal error surfaces immediately.
func (s *Subscription) terminate(err error, discard bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.termErr = err
	if discard {
		s.queue = nil
	}
	if s.fullTimer != nil {
		s.fullTimer.Stop()
		s.fullTimer = nil
	}
	s.mu.Unlock()
	s.wake()
}

// Dispatcher fans typed events out to subscriptions.
type Dispatcher struct {
	logger        logrus.FieldLogger
	defaultBuffer int

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewDispatcher returns a Dispatcher with the given default queue size.
func NewDispatcher(logger logrus.FieldLogger, defaultBuffer int) *Dispatcher {
	if defaultBuffer <= 0 {
		defaultBuffer = 256
	}
	return &Dispatcher{
		logger:        logger,
		defaultBuffer: defaultBuffer,
		subs:          make(map[string]*Subscription),
	}
}

// Subscribe registers a stream. kinds nil/empty means all kinds in the
// scope; bufferSize ≤ 0 uses the dispatcher default.
func (d *Dispatcher) Subscribe(scope Scope, kinds []Kind, filt Filter, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = d.defaultBuffer
	}
	kindSet := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	sub := &Subscription{
		ID:       uuid.NewString(),
		scope:    scope,
		kinds:    kindSet,
		filt:     filt,
		capacity: bufferSize,
		signal:   make(chan struct{}, 1),
	}
	sub.onTerminate = d.remove

	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.mu.Unlock()
	return sub
}

// Unsubscribe cancels a stream.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	sub, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()
	if ok {
		sub.terminate(nil, false)
	}
}

func (d *Dispatcher) remove(id string) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
	d.logger.WithField("subscription_id", id).Warn("dropped lagged subscriber")
}

// Publish delivers one event to every matching subscription.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subs {
		if !sub.scope.matches(ev) {
			continue
		}
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind] {
			continue
		}
		if !sub.filt.matches(ev) {
			continue
		}
		sub.publish(ev)
	}
}

// PageClosed terminates every subscription scoped to the page with a
// final PAGE_CLOSED sentinel, delivered regardless of the requested
// kinds.
func (d *Dispatcher) PageClosed(pageID, browserID string) {
	sentinel := Event{
		Kind:        KindPageClosed,
		PageID:      pageID,
		BrowserID:   browserID,
		TimestampMs: time.Now().UnixMilli(),
		Payload:     PagePayload{},
	}

	d.mu.Lock()
	var closing []*Subscription
	for id, sub := range d.subs {
		if sub.scope.PageID == pageID {
			closing = append(closing, sub)
			delete(d.subs, id)
		}
	}
	d.mu.Unlock()

	for _, sub := range closing {
		sub.publish(sentinel)
		sub.terminate(errs.New(errs.CodePageClosed, "page closed"), false)
	}

	// Broader-scoped subscriptions that asked for PAGE_CLOSED still get
	// the event through the normal path.
	d.Publish(sentinel)
}
