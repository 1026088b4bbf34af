// Package events routes engine events to in-process subscribers such as the
// WebSocket hub.
package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeCycle         EventType = "cycle"
	EventTypeSignal        EventType = "signal"
	EventTypeExecution     EventType = "execution"
	EventTypePositionClose EventType = "position_closed"
	EventTypeRiskRejection EventType = "risk_rejection"
	EventTypeStatus        EventType = "status"
	EventTypeError         EventType = "error"
)

// Event is one published occurrence. Payload must be JSON-serializable.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps a new event with an ID and the current time.
func NewEvent(eventType EventType, symbol string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Payload:   payload,
	}
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter
	Async  bool
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	handler   EventHandler
	options   SubscriptionOptions
	active    atomic.Bool
}

func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus throughput.
type Stats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	AvgLatencyNs      int64 `json:"avg_latency_ns"`
	MaxLatencyNs      int64 `json:"max_latency_ns"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// Config configures the event bus
type Config struct {
	NumWorkers int `json:"numWorkers" mapstructure:"num_workers"`
	BufferSize int `json:"bufferSize" mapstructure:"buffer_size"`
}

func DefaultConfig() Config {
	return Config{NumWorkers: 4, BufferSize: 1024}
}

// Bus fans events out to subscribers from a fixed worker pool. Publish never
// blocks; events are dropped and counted when the buffer is full.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64
	maxLatency        atomic.Int64
	avgLatency        atomic.Int64
	subCounter        atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *zap.Logger
}

// NewBus starts the worker pool.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultConfig().NumWorkers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("event-bus"),
	}

	for i := 0; i < config.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	b.logger.Info("Event bus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize),
	)
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			start := time.Now()
			b.processEvent(event)
			b.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (b *Bus) processEvent(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Type]
	all := b.allSubscribers
	b.mu.RUnlock()

	for _, group := range [][]*Subscription{subs, all} {
		for _, sub := range group {
			if !sub.active.Load() {
				continue
			}
			if sub.options.Filter != nil && !sub.options.Filter(event) {
				continue
			}
			if sub.options.Async {
				go b.executeHandler(sub, event)
			} else {
				b.executeHandler(sub, event)
			}
		}
	}
	b.eventsProcessed.Add(1)
}

// executeHandler runs a handler with panic recovery
func (b *Bus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (b *Bus) trackLatency(ns int64) {
	for {
		cur := b.maxLatency.Load()
		if ns <= cur || b.maxLatency.CompareAndSwap(cur, ns) {
			break
		}
	}
	// EMA over roughly the last hundred events
	avg := b.avgLatency.Load()
	b.avgLatency.Store((avg*99 + ns) / 100)
}

func (b *Bus) newSubscription(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{
		ID:        "sub_" + strconv.FormatInt(b.subCounter.Add(1), 10),
		EventType: eventType,
		handler:   handler,
		options:   options,
	}
	sub.active.Store(true)
	b.activeSubscribers.Add(1)
	return sub
}

// Subscribe registers a handler for an event type. Handlers run
// asynchronously unless options say otherwise.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := b.newSubscription(eventType, handler, opts)
	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := b.newSubscription("*", handler, opts)
	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe deactivates a subscription. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.activeSubscribers.Add(-1)
	}
}

// Publish enqueues an event without blocking.
func (b *Bus) Publish(event Event) {
	if b.ctx.Err() != nil {
		b.eventsDropped.Add(1)
		return
	}
	select {
	case b.eventChan <- event:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("Event dropped - buffer full", zap.String("event_type", string(event.Type)))
	}
}

// PublishSync processes an event on the caller's goroutine.
func (b *Bus) PublishSync(event Event) {
	b.eventsPublished.Add(1)
	b.processEvent(event)
}

func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		AvgLatencyNs:      b.avgLatency.Load(),
		MaxLatencyNs:      b.maxLatency.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

// Stop shuts down the workers, waiting at most five seconds.
func (b *Bus) Stop() {
	b.once.Do(func() {
		b.cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			b.logger.Info("Event bus shutdown complete",
				zap.Int64("events_processed", b.eventsProcessed.Load()),
				zap.Int64("events_dropped", b.eventsDropped.Load()),
			)
		case <-time.After(5 * time.Second):
			b.logger.Warn("Event bus shutdown timed out")
		}
	})
}
