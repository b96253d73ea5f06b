// Package events is an in-process publish/subscribe bus for gateway lifecycle
// notifications. Publishers never block: a full buffer drops the event.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrBufferFull is returned by Emit when the subject cannot accept an event.
var ErrBufferFull = errors.New("event buffer full")

// ErrClosed is returned by Emit after Complete.
var ErrClosed = errors.New("subject closed")

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize     int
	syncDelivery   bool
	handlerTimeout time.Duration
	logger         *zerolog.Logger
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithLogger sets the logger for handler errors.
func WithLogger(logger zerolog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = &logger
	}
}

// WithSyncDelivery runs handlers inline on the delivery goroutine, one at a
// time, in emission order.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// Emit publishes value on topic.
func Emit[T any](subject *Subject, topic string, value T) error {
	if atomic.LoadInt32(&subject.closed) == 1 {
		return ErrClosed
	}
	select {
	case subject.events <- event{topic: topic, message: value}:
		return nil
	default:
		atomic.AddInt64(&subject.dropped, 1)
		return fmt.Errorf("%w: topic %s", ErrBufferFull, topic)
	}
}

// Subscribe registers a typed handler for topic. Values of another type are
// reported as handler errors.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})

	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, atomic.AddInt64(&subject.nextSubID, 1)),
		Handler: wrapped,
	}
	subject.addSubscription(sub)
	sub.Unsubscribe = func() { subject.removeSubscription(sub.ID) }
	return sub
}

// Complete stops delivery after the queued events are handled. Safe to call
// more than once.
func Complete(s *Subject) {
	if s == nil || !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

// Subject fans events out to subscribers from a single goroutine.
type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64
	delivered   int64
	dropped     int64

	events   chan event
	shutdown chan struct{}
	config   subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a Subject and starts its delivery goroutine.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{
		bufferSize:     512,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}
	empty := make(subscriberMap)
	s.subscribers.Store(&empty)

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Delivered returns how many events reached the delivery goroutine.
func (s *Subject) Delivered() int64 { return atomic.LoadInt64(&s.delivered) }

// Dropped returns how many events Emit rejected because the buffer was full.
func (s *Subject) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			// Deliver whatever was queued before Complete.
			for {
				select {
				case evt := <-s.events:
					s.deliver(evt)
				default:
					return
				}
			}
		case evt := <-s.events:
			s.deliver(evt)
		}
	}
}

func (s *Subject) deliver(evt event) {
	atomic.AddInt64(&s.delivered, 1)
	subs := s.subscribers.Load()
	for _, sub := range (*subs)[evt.topic] {
		sub := sub // keep Go 1.22+ per-iteration semantics under the go 1.21 directive
		if s.config.syncDelivery {
			s.call(sub, evt)
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.call(sub, evt)
			}()
		}
	}
}

func (s *Subject) call(sub Subscription, evt event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.handlerTimeout)
	defer cancel()
	if err := sub.Handler(ctx, evt.message); err != nil && s.config.logger != nil {
		s.config.logger.Debug().Err(err).
			Str("topic", evt.topic).
			Str("subscription", sub.ID).
			Msg("event handler error")
	}
}

// addSubscription adds a subscription using copy-on-write
func (s *Subject) addSubscription(sub Subscription) {
	for {
		old := s.subscribers.Load()
		next := copySubscribers(*old)
		if _, ok := next[sub.Topic]; !ok {
			next[sub.Topic] = make(map[string]Subscription)
		}
		next[sub.Topic][sub.ID] = sub
		if s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// removeSubscription removes a subscription using copy-on-write
func (s *Subject) removeSubscription(id string) {
	for {
		old := s.subscribers.Load()
		next := copySubscribers(*old)
		found := false
		for topic, subs := range next {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(next, topic)
				}
				found = true
				break
			}
		}
		if !found || s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, subs := range original {
		cp[topic] = make(map[string]Subscription, len(subs))
		for id, sub := range subs {
			cp[topic][id] = sub
		}
	}
	return cp
}
