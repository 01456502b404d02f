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

// Derive creates a Behavior holding compute(), recomputed whenever any of
// deps changes, for as long as scope lives. compute must not block; it runs
// serialised, so it may keep state between calls.
func Derive[T any](scope *Scope, compute func() T, deps []Observable, opts ...Option[T]) Behavior[T] {
	var (
		lock sync.Mutex
		out  *Source[T]
	)

	recompute := func() {
		lock.Lock()
		defer lock.Unlock()
		if scope.IsEnded() {
			return
		}
		out.Set(compute())
	}

	lock.Lock()
	for _, dep := range deps {
		scope.OnEnd(dep.Watch(recompute))
	}
	out = NewSource(compute(), opts...)
	lock.Unlock()

	return out.Behavior()
}

func Map[A, B any](scope *Scope, src Behavior[A], fn func(A) B, opts ...Option[B]) Behavior[B] {
	return Derive(scope, func() B {
		return fn(src.Value())
	}, []Observable{src}, opts...)
}

func Combine[A, B, C any](scope *Scope, a Behavior[A], b Behavior[B], fn func(A, B) C, opts ...Option[C]) Behavior[C] {
	return Derive(scope, func() C {
		return fn(a.Value(), b.Value())
	}, []Observable{a, b}, opts...)
}
