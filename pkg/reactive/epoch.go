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
	"fmt"
)

// Epoch tags a value with a generation. A new generation means every
// identity-keyed reference taken from an older value is stale, even if the
// values look alike.
type Epoch[T any] struct {
	Value T
	Epoch uint64
}

func NewEpoch[T any](v T, epoch uint64) Epoch[T] {
	return Epoch[T]{Value: v, Epoch: epoch}
}

func (e Epoch[T]) String() string {
	return fmt.Sprintf("%v@%d", e.Value, e.Epoch)
}

// EpochEqual treats two epochs as equal when they share a generation and eq
// holds for their values.
func EpochEqual[T any](eq func(a, b T) bool) Option[Epoch[T]] {
	return WithEqual(func(a, b Epoch[T]) bool {
		return a.Epoch == b.Epoch && eq(a.Value, b.Value)
	})
}

// MapEpoch maps the value and keeps the generation of src.
func MapEpoch[A, B any](scope *Scope, src Behavior[Epoch[A]], fn func(A) B, opts ...Option[Epoch[B]]) Behavior[Epoch[B]] {
	return Map(scope, src, func(e Epoch[A]) Epoch[B] {
		return Epoch[B]{Value: fn(e.Value), Epoch: e.Epoch}
	}, opts...)
}

// ScanEpoch maps the value with access to the previous output. prev is only
// handed over when it was computed in the same generation, otherwise fn gets
// the zero value and reuse is false.
func ScanEpoch[A, B any](
	scope *Scope,
	src Behavior[Epoch[A]],
	fn func(value A, prev B, reuse bool) B,
	opts ...Option[Epoch[B]],
) Behavior[Epoch[B]] {
	var (
		last    Epoch[B]
		hasLast bool
	)
	return Derive(scope, func() Epoch[B] {
		e := src.Value()
		var prev B
		reuse := hasLast && last.Epoch == e.Epoch
		if reuse {
			prev = last.Value
		}
		last = Epoch[B]{Value: fn(e.Value, prev, reuse), Epoch: e.Epoch}
		hasLast = true
		return last
	}, []Observable{src}, opts...)
}

// CombineEpoch merges two tagged streams. The output carries the highest
// generation seen on either input, so it never goes backwards.
func CombineEpoch[A, B, C any](
	scope *Scope,
	a Behavior[Epoch[A]],
	b Behavior[Epoch[B]],
	fn func(A, B) C,
	opts ...Option[Epoch[C]],
) Behavior[Epoch[C]] {
	var maxEpoch uint64
	return Derive(scope, func() Epoch[C] {
		ea, eb := a.Value(), b.Value()
		maxEpoch = max(maxEpoch, ea.Epoch, eb.Epoch)
		return Epoch[C]{Value: fn(ea.Value, eb.Value), Epoch: maxEpoch}
	}, []Observable{a, b}, opts...)
}

// Newer reports whether e belongs to a later generation than other.
func (e Epoch[T]) Newer(other Epoch[T]) bool {
	return e.Epoch > other.Epoch
}
