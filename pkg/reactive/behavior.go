// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactive

import (
	"sync"

	"go.uber.org/atomic"
)

// Observable notifies about changes without carrying a value. Watch does not
// replay; fn is called only for changes after registration.
type Observable interface {
	Watch(fn func()) (unwatch func())
}

type Subscribable[T any] interface {
	Subscribe(fn func(T)) (unsubscribe func())
}

// Behavior is a read-only value that changes over time. Subscribe calls fn
// with the current value before returning, then on every change.
type Behavior[T any] interface {
	Observable
	Subscribable[T]
	Value() T
}

type Option[T any] func(*Source[T])

// WithEqual suppresses emissions when the new value equals the current one.
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(s *Source[T]) {
		s.equal = equal
	}
}

// Distinct suppresses emissions of values equal by ==.
func Distinct[T comparable]() Option[T] {
	return WithEqual(func(a, b T) bool { return a == b })
}

// Source is the writable side of a Behavior. Only its owner should hold the
// Source; consumers get Behavior().
//
// Propagation is synchronous on the goroutine calling Set. Concurrent Sets are
// ordered by version, a subscriber never sees an older value after a newer one.
// A subscriber must not Set the source it is subscribed to.
type Source[T any] struct {
	lock    sync.Mutex
	value   T
	version uint64
	equal   func(a, b T) bool
	subs    []*subscriber[T]
}

func NewSource[T any](initial T, opts ...Option[T]) *Source[T] {
	s := &Source[T]{value: initial}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source[T]) Value() T {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.value
}

func (s *Source[T]) Set(v T) {
	s.Update(func(T) (T, bool) { return v, true })
}

// Update atomically derives the next value from the current one. Returning
// false leaves the value untouched and emits nothing.
func (s *Source[T]) Update(fn func(current T) (T, bool)) {
	s.lock.Lock()
	next, ok := fn(s.value)
	if !ok || (s.equal != nil && s.equal(s.value, next)) {
		s.lock.Unlock()
		return
	}
	s.value = next
	s.version++
	version := s.version
	subs := make([]*subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.lock.Unlock()

	for _, sub := range subs {
		sub.deliver(version, next)
	}
}

func (s *Source[T]) Subscribe(fn func(T)) func() {
	sub := &subscriber[T]{fn: fn}
	sub.active.Store(true)

	s.lock.Lock()
	s.subs = append(s.subs, sub)
	value, version := s.value, s.version
	s.lock.Unlock()

	sub.deliver(version, value)

	return s.unsubscribe(sub)
}

func (s *Source[T]) Watch(fn func()) func() {
	sub := &subscriber[T]{fn: func(T) { fn() }}
	sub.active.Store(true)

	s.lock.Lock()
	s.subs = append(s.subs, sub)
	sub.primed = true
	sub.last = s.version
	s.lock.Unlock()

	return s.unsubscribe(sub)
}

func (s *Source[T]) unsubscribe(sub *subscriber[T]) func() {
	return func() {
		sub.active.Store(false)
		s.lock.Lock()
		for i, other := range s.subs {
			if other == sub {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				break
			}
		}
		s.lock.Unlock()
	}
}

// Behavior returns a read-only view of s.
func (s *Source[T]) Behavior() Behavior[T] {
	return readOnly[T]{s: s}
}

type readOnly[T any] struct {
	s *Source[T]
}

func (r readOnly[T]) Value() T {
	return r.s.Value()
}

func (r readOnly[T]) Subscribe(fn func(T)) func() {
	return r.s.Subscribe(fn)
}

func (r readOnly[T]) Watch(fn func()) func() {
	return r.s.Watch(fn)
}

type subscriber[T any] struct {
	lock   sync.Mutex
	fn     func(T)
	last   uint64
	primed bool
	active atomic.Bool
}

func (sub *subscriber[T]) deliver(version uint64, v T) {
	if !sub.active.Load() {
		return
	}

	sub.lock.Lock()
	defer sub.lock.Unlock()
	if sub.primed && version <= sub.last {
		return
	}
	if !sub.active.Load() {
		return
	}
	sub.primed = true
	sub.last = version
	sub.fn(v)
}

// Observe subscribes fn to b for as long as scope lives.
func Observe[T any](scope *Scope, b Subscribable[T], fn func(T)) {
	if scope.IsEnded() {
		return
	}
	scope.OnEnd(b.Subscribe(fn))
}

// Constant is a Behavior that never changes.
func Constant[T any](v T) Behavior[T] {
	return NewSource(v).Behavior()
}
