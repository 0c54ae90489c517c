// Package events provides typed, multi-subscriber notification feeds.
//
// A Feed delivers every emitted value to each of its subscribers
// synchronously, in the order the subscribers were added. Subscriptions can be
// cancelled individually, collected into a Group and released together, or
// dropped wholesale by closing the Feed.
package events

import (
	"sync"
	"sync/atomic"
)

// Subscription is a handle to a registered callback.
type Subscription interface {
	// Unsubscribe removes the callback. It may be called any number of
	// times. Emissions that start after it returns never reach the
	// callback.
	Unsubscribe()
}

// Feed fans values of type T out to subscribers. The zero value is ready to
// use.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   []*sub[T]
	closed bool
}

type sub[T any] struct {
	feed   *Feed[T]
	fn     func(T)
	active atomic.Bool
}

func (s *sub[T]) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.feed.remove(s)
}

// Subscribe registers fn. Subscribing to a closed feed returns an inactive
// subscription.
func (f *Feed[T]) Subscribe(fn func(T)) Subscription {
	s := &sub[T]{feed: f, fn: fn}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || fn == nil {
		return s
	}

	s.active.Store(true)
	f.subs = append(f.subs, s)
	return s
}

// Emit delivers v to every current subscriber and returns once they have all
// returned. Callbacks may subscribe or unsubscribe while being invoked;
// subscribers added during an emission do not receive it.
func (f *Feed[T]) Emit(v T) {
	f.mu.Lock()
	subs := make([]*sub[T], len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			s.fn(v)
		}
	}
}

// Len returns the number of active subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close releases every subscription. Further subscriptions are inactive and
// further emissions reach nobody.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.closed = true
	f.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}
}

func (f *Feed[T]) remove(s *sub[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, x := range f.subs {
		if x == s {
			f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
			return
		}
	}
}

// Group collects the subscriptions of a single consumer so they can be
// released together on teardown. The zero value is ready to use.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add records subs in the group.
func (g *Group) Add(subs ...Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

// Release unsubscribes everything in the group. It is safe to call more than
// once.
func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
