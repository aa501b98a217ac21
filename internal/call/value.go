package call

import (
	"slices"
	"sync"
)

// Value is an observable value holder. Subscribers are called with every new
// value after Set, in registration order, outside the holder's lock.
type Value[T any] struct {
	mu     sync.Mutex
	v      T
	subs   []valueSub[T]
	nextID int
}

type valueSub[T any] struct {
	id int
	fn func(T)
}

// NewValue creates a holder with an initial value.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and notifies subscribers.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	o.v = v
	fns := make([]func(T), 0, len(o.subs))
	for _, sub := range o.subs {
		fns = append(fns, sub.fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("observer panic: %v", r)
				}
			}()
			fn(v)
		}()
	}
}

// Subscribe registers fn for future changes and returns a func removing it.
func (o *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs = append(o.subs, valueSub[T]{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		o.subs = slices.DeleteFunc(o.subs, func(s valueSub[T]) bool { return s.id == id })
		o.mu.Unlock()
	}
}
