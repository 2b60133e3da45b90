package usecase

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultReplayCapacity   = 300
	DefaultSubscriberBuffer = 256
)

// Subscription is one observer's bounded queue. When the queue is full the
// oldest undelivered event is dropped so publishing never blocks.
type Subscription struct {
	ch      chan domain.Event
	bus     *EventBus
	dropped uint64
	closed  bool
}

// C delivers events in publish order. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan domain.Event {
	return s.ch
}

// Dropped is the number of events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// must be called with bus.mu held
func (s *Subscription) offer(ev domain.Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// EventBus fans events out to live subscribers and keeps a replay ring.
type EventBus struct {
	mu      sync.Mutex
	seq     uint64
	ring    []domain.Event
	head    int
	size    int
	subs    map[*Subscription]struct{}
	bufSize int
	logger  *zap.Logger
	timeNow func() time.Time
}

func NewEventBus(replayCapacity, subscriberBuffer int, logger *zap.Logger) *EventBus {
	if replayCapacity <= 0 {
		replayCapacity = DefaultReplayCapacity
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		ring:    make([]domain.Event, replayCapacity),
		subs:    make(map[*Subscription]struct{}),
		bufSize: subscriberBuffer,
		logger:  logger,
		timeNow: time.Now,
	}
}

// Publish stamps the event with an id, sequence number and time, records it
// for replay and delivers it to every subscriber.
func (b *EventBus) Publish(ev domain.Event) domain.Event {
	if ev.Payload != nil && !domain.PayloadMatches(ev.Type, ev.Payload) {
		b.logger.Warn("Event payload does not match type", zap.String("type", string(ev.Type)))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = b.timeNow()
	}

	idx := (b.head + b.size) % len(b.ring)
	if b.size == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.size++
	}
	b.ring[idx] = ev

	for sub := range b.subs {
		sub.offer(ev)
	}
	return ev
}

func (b *EventBus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked()
}

func (b *EventBus) subscribeLocked() *Subscription {
	sub := &Subscription{ch: make(chan domain.Event, b.bufSize), bus: b}
	b.subs[sub] = struct{}{}
	return sub
}

// SubscribeWithReplay returns the buffered events with Seq > afterSeq and a
// live subscription registered at the same instant, so the caller sees every
// event exactly once.
func (b *EventBus) SubscribeWithReplay(afterSeq uint64) ([]domain.Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventsLocked(afterSeq), b.subscribeLocked()
}

// SubscribeFunc drives fn from a goroutine. A panicking callback is logged and
// does not affect the publisher or other subscribers.
func (b *EventBus) SubscribeFunc(fn func(domain.Event)) (unsubscribe func()) {
	sub := b.Subscribe()
	go func() {
		for ev := range sub.ch {
			b.deliver(fn, ev)
		}
	}()
	return sub.Unsubscribe
}

func (b *EventBus) deliver(fn func(domain.Event), ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				zap.Any("panic", r),
				zap.String("type", string(ev.Type)),
				zap.Uint64("seq", ev.Seq))
		}
	}()
	fn(ev)
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

// Events returns the replay buffer, oldest first.
func (b *EventBus) Events() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventsLocked(0)
}

func (b *EventBus) eventsLocked(afterSeq uint64) []domain.Event {
	out := make([]domain.Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		ev := b.ring[(b.head+i)%len(b.ring)]
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

func (b *EventBus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Reset clears the replay ring for a new session. Subscribers stay attached.
func (b *EventBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = domain.Event{}
	}
	b.head, b.size = 0, 0
}
