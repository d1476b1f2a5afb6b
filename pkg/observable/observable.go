// Package observable implements the small set of stream primitives the cache
// engine is built on: multicast subjects, latest-value subjects, and
// subscriptions. Subscribers are invoked synchronously on the emitting
// goroutine, in emission order per subscriber.
package observable

import "sync"

// Observer receives notifications from a stream. Any of the callbacks may be
// nil, in which case the corresponding notification is dropped.
type Observer[T any] struct {
	Next     func(T)
	Err      func(error)
	Complete func()
}

// Source is anything that can be subscribed to.
type Source[T any] interface {
	Subscribe(Observer[T]) *Subscription
}

// Subscription is a handle to an active subscription.
// Unsubscribe is idempotent and safe on a nil subscription.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// NewSubscription wraps a cancel function into a Subscription, for streams
// composed outside this package.
func NewSubscription(cancel func()) *Subscription {
	return newSubscription(cancel)
}

// Unsubscribe detaches the observer from the stream.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Subject is a multicast stream without value replay.
// New subscribers only see values emitted after they subscribe.
type Subject[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]Observer[T]
	nextID uint64
	err    error
	done   bool
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[uint64]Observer[T])}
}

func (s *Subject[T]) Subscribe(o Observer[T]) *Subscription {
	s.mu.Lock()
	if s.err != nil || s.done {
		err, done := s.err, s.done
		s.mu.Unlock()
		if err != nil && o.Err != nil {
			o.Err(err)
		} else if done && o.Complete != nil {
			o.Complete()
		}
		return newSubscription(nil)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = o
	s.mu.Unlock()
	return newSubscription(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
}

// Next emits a value to all current subscribers.
// It is a no-op after Error or Complete.
func (s *Subject[T]) Next(v T) {
	for _, o := range s.observers() {
		if o.Next != nil {
			o.Next(v)
		}
	}
}

// Error terminates the stream with err.
func (s *Subject[T]) Error(err error) {
	s.mu.Lock()
	if s.err != nil || s.done {
		s.mu.Unlock()
		return
	}
	s.err = err
	obs := s.detachAll()
	s.mu.Unlock()
	for _, o := range obs {
		if o.Err != nil {
			o.Err(err)
		}
	}
}

// Complete terminates the stream normally.
func (s *Subject[T]) Complete() {
	s.mu.Lock()
	if s.err != nil || s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	obs := s.detachAll()
	s.mu.Unlock()
	for _, o := range obs {
		if o.Complete != nil {
			o.Complete()
		}
	}
}

func (s *Subject[T]) observers() []Observer[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.done {
		return nil
	}
	obs := make([]Observer[T], 0, len(s.subs))
	for _, o := range s.subs {
		obs = append(obs, o)
	}
	return obs
}

// detachAll must be called with the lock held.
func (s *Subject[T]) detachAll() []Observer[T] {
	obs := make([]Observer[T], 0, len(s.subs))
	for _, o := range s.subs {
		obs = append(obs, o)
	}
	s.subs = make(map[uint64]Observer[T])
	return obs
}

// Behavior is a latest-value broadcast: it remembers the most recent value and
// replays it synchronously to new subscribers.
type Behavior[T any] struct {
	subject  *Subject[T]
	mu       sync.Mutex
	value    T
	hasValue bool
}

// NewBehavior returns a Behavior with no current value.
// The first subscriber gets nothing until the first Next.
func NewBehavior[T any]() *Behavior[T] {
	return &Behavior[T]{subject: NewSubject[T]()}
}

// NewBehaviorValue returns a Behavior seeded with an initial value.
func NewBehaviorValue[T any](initial T) *Behavior[T] {
	return &Behavior[T]{subject: NewSubject[T](), value: initial, hasValue: true}
}

func (b *Behavior[T]) Subscribe(o Observer[T]) *Subscription {
	b.mu.Lock()
	replay, v := b.hasValue, b.value
	sub := b.subject.Subscribe(o)
	b.mu.Unlock()
	if replay && o.Next != nil && !b.subject.terminated() {
		o.Next(v)
	}
	return sub
}

func (b *Behavior[T]) Next(v T) {
	b.mu.Lock()
	if b.subject.terminated() {
		b.mu.Unlock()
		return
	}
	b.value = v
	b.hasValue = true
	b.mu.Unlock()
	b.subject.Next(v)
}

func (b *Behavior[T]) Error(err error) { b.subject.Error(err) }
func (b *Behavior[T]) Complete()       { b.subject.Complete() }

// Value returns the current value, if any.
func (b *Behavior[T]) Value() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.hasValue
}

// Done reports whether the stream has terminated, by error or completion.
func (b *Behavior[T]) Done() bool { return b.subject.terminated() }

func (s *Subject[T]) terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil || s.done
}

type never[T any] struct{}

func (never[T]) Subscribe(Observer[T]) *Subscription { return newSubscription(nil) }

// Never returns a stream that never emits and never terminates.
func Never[T any]() Source[T] { return never[T]{} }
