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
)

// Stream is a read-only sequence of events. Unlike Behavior it has no current
// value and does not replay to new subscribers.
type Stream[T any] interface {
	Subscribable[T]
}

// Emitter is the writable side of a Stream.
type Emitter[T any] struct {
	lock   sync.Mutex
	nextID int
	subs   map[int]func(T)
	order  []int
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		subs: make(map[int]func(T)),
	}
}

func (e *Emitter[T]) Emit(v T) {
	e.lock.Lock()
	fns := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.subs[id])
	}
	e.lock.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.lock.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.order = append(e.order, id)
	e.lock.Unlock()

	return func() {
		e.lock.Lock()
		defer e.lock.Unlock()
		if _, ok := e.subs[id]; !ok {
			return
		}
		delete(e.subs, id)
		for i, other := range e.order {
			if other == id {
				e.order = append(e.order[:i:i], e.order[i+1:]...)
				break
			}
		}
	}
}

func (e *Emitter[T]) Stream() Stream[T] {
	return readOnlyStream[T]{e: e}
}

type readOnlyStream[T any] struct {
	e *Emitter[T]
}

func (r readOnlyStream[T]) Subscribe(fn func(T)) func() {
	return r.e.Subscribe(fn)
}
