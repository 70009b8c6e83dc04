// Package progress fans pipeline stage events out to subscribers keyed by
// request id.
//
// A client that wants live progress picks a request id, opens the progress
// stream for it and then sends the pipeline request carrying the same id.
// Events published before the subscriber arrived are replayed from a short
// per-request history, so the two calls may race.
//
// Publishing never blocks: a subscriber whose buffer is full misses events
// rather than slowing the pipeline down.
package progress

import (
	"context"
	"sync"
	"time"
)

// Status of a stage event.
const (
	StatusStarted  = "started"
	StatusProgress = "progress"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

// Event reports one step of a pipeline run.
type Event struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Done      int       `json:"done,omitempty"`
	Total     int       `json:"total,omitempty"`
	Message   string    `json:"message,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Time      time.Time `json:"time"`
}

const (
	defaultBuffer  = 32
	defaultHistory = 64
	defaultLinger  = time.Minute
)

// Option configures a [Broker].
type Option func(*Broker)

// WithBuffer sets the channel capacity of each subscription. Default: 32.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithHistory sets how many events per request are kept for replay.
// Default: 64.
func WithHistory(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.history = n
		}
	}
}

// WithLinger sets how long a finished request stays replayable.
// Default: 1m.
func WithLinger(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.linger = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

type stream struct {
	events   []Event
	subs     map[chan Event]struct{}
	finished time.Time
}

// Broker is safe for concurrent use. The zero value is not usable; call
// [NewBroker].
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	buffer  int
	history int
	linger  time.Duration
	now     func() time.Time
}

// NewBroker returns an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		streams: make(map[string]*stream),
		buffer:  defaultBuffer,
		history: defaultHistory,
		linger:  defaultLinger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe returns a channel receiving the request's events, starting with
// the replayed history. The channel is closed after the final event or when
// cancel is called. cancel is idempotent.
func (b *Broker) Subscribe(requestID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()
	s := b.stream(requestID)
	ch := make(chan Event, max(b.buffer, len(s.events)))
	for _, e := range s.events {
		ch <- e
	}
	if !s.finished.IsZero() {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			if len(s.subs) == 0 && len(s.events) == 0 && b.streams[requestID] == s {
				delete(b.streams, requestID)
			}
		})
	}
}

// Publish delivers e to the request's subscribers. Events for a finished
// request are dropped. A final event closes every subscription.
func (b *Broker) Publish(e Event) {
	if e.RequestID == "" {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(e.RequestID)
	if !s.finished.IsZero() {
		return
	}
	if len(s.events) == b.history {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, e)

	for ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
	if e.Final {
		s.finished = b.now()
		for ch := range s.subs {
			close(ch)
		}
		clear(s.subs)
	}
}

// Len reports the number of tracked requests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// stream must be called with b.mu held.
func (b *Broker) stream(id string) *stream {
	s, ok := b.streams[id]
	if !ok {
		b.prune()
		s = &stream{subs: make(map[chan Event]struct{})}
		b.streams[id] = s
	}
	return s
}

// prune drops finished streams past their linger time and idle streams
// nobody listens to. Must be called with b.mu held.
func (b *Broker) prune() {
	now := b.now()
	for id, s := range b.streams {
		switch {
		case !s.finished.IsZero() && now.Sub(s.finished) > b.linger:
			delete(b.streams, id)
		case s.finished.IsZero() && len(s.subs) == 0 && len(s.events) > 0 &&
			now.Sub(s.events[len(s.events)-1].Time) > b.linger:
			delete(b.streams, id)
		}
	}
}

type ctxKey struct{}

type reporter struct {
	broker *Broker
	id     string
}

// WithRequest returns a context whose [Report] calls publish on b under
// requestID. An empty requestID or nil broker disables reporting.
func WithRequest(ctx context.Context, b *Broker, requestID string) context.Context {
	if b == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, reporter{broker: b, id: requestID})
}

// RequestID returns the request id attached by [WithRequest].
func RequestID(ctx context.Context) string {
	r, _ := ctx.Value(ctxKey{}).(reporter)
	return r.id
}

// Report publishes e for the request attached to ctx, if any.
func Report(ctx context.Context, e Event) {
	r, ok := ctx.Value(ctxKey{}).(reporter)
	if !ok {
		return
	}
	e.RequestID = r.id
	r.broker.Publish(e)
}
