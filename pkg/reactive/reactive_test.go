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

package reactive_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
)

func TestScope(t *testing.T) {
	t.Run("children end before parent teardowns", func(t *testing.T) {
		var order []string
		parent := reactive.NewScope()
		parent.OnEnd(func() { order = append(order, "parent-1") })
		child := parent.Child()
		child.OnEnd(func() { order = append(order, "child") })
		grandchild := child.Child()
		grandchild.OnEnd(func() { order = append(order, "grandchild") })
		parent.OnEnd(func() { order = append(order, "parent-2") })

		parent.End()
		require.Equal(t, []string{"grandchild", "child", "parent-2", "parent-1"}, order)
		require.True(t, child.IsEnded())
		require.True(t, grandchild.IsEnded())
	})

	t.Run("end is idempotent", func(t *testing.T) {
		calls := 0
		s := reactive.NewScope()
		s.OnEnd(func() { calls++ })
		s.End()
		s.End()
		require.Equal(t, 1, calls)
	})

	t.Run("teardown on ended scope runs immediately", func(t *testing.T) {
		s := reactive.NewScope()
		s.End()
		ran := false
		s.OnEnd(func() { ran = true })
		require.True(t, ran)

		c := s.Child()
		require.True(t, c.IsEnded())
	})

	t.Run("ending child leaves parent alive", func(t *testing.T) {
		parent := reactive.NewScope()
		child := parent.Child()
		child.End()
		require.False(t, parent.IsEnded())
		require.Error(t, child.Context().Err())
		require.NoError(t, parent.Context().Err())

		select {
		case <-child.Done():
		default:
			t.Fatal("child done channel not closed")
		}
	})
}

func TestBehavior(t *testing.T) {
	t.Run("subscribe replays current value", func(t *testing.T) {
		src := reactive.NewSource(1)
		var got []int
		unsub := src.Behavior().Subscribe(func(v int) { got = append(got, v) })
		require.Equal(t, []int{1}, got)

		src.Set(2)
		unsub()
		src.Set(3)
		require.Equal(t, []int{1, 2}, got)
		require.Equal(t, 3, src.Value())
	})

	t.Run("watch does not replay", func(t *testing.T) {
		src := reactive.NewSource("a")
		calls := 0
		src.Behavior().Watch(func() { calls++ })
		require.Equal(t, 0, calls)
		src.Set("b")
		require.Equal(t, 1, calls)
	})

	t.Run("distinct suppresses equal values", func(t *testing.T) {
		src := reactive.NewSource(1, reactive.Distinct[int]())
		var got []int
		src.Subscribe(func(v int) { got = append(got, v) })
		src.Set(1)
		src.Set(2)
		src.Set(2)
		require.Equal(t, []int{1, 2}, got)
	})

	t.Run("update can decline", func(t *testing.T) {
		src := reactive.NewSource(5)
		src.Update(func(cur int) (int, bool) { return cur + 1, cur < 5 })
		require.Equal(t, 5, src.Value())
		src.Update(func(cur int) (int, bool) { return cur + 1, cur == 5 })
		require.Equal(t, 6, src.Value())
	})

	t.Run("observe is scope bound", func(t *testing.T) {
		scope := reactive.NewScope()
		src := reactive.NewSource(0)
		var got []int
		reactive.Observe(scope, src.Behavior(), func(v int) { got = append(got, v) })
		src.Set(1)
		scope.End()
		src.Set(2)
		require.Equal(t, []int{0, 1}, got)
	})

	t.Run("concurrent sets are seen in order", func(t *testing.T) {
		src := reactive.NewSource(0)
		var (
			lock sync.Mutex
			last int
			ok   = true
		)
		src.Subscribe(func(v int) {
			lock.Lock()
			defer lock.Unlock()
			if v < last {
				ok = false
			}
			last = v
		})

		var wg sync.WaitGroup
		var counter sync.Mutex
		next := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					src.Update(func(int) (int, bool) {
						counter.Lock()
						defer counter.Unlock()
						next++
						return next, true
					})
				}
			}()
		}
		wg.Wait()

		lock.Lock()
		defer lock.Unlock()
		require.True(t, ok)
		require.Equal(t, 800, last)
	})
}

func TestDerive(t *testing.T) {
	scope := reactive.NewScope()
	a := reactive.NewSource(1)
	b := reactive.NewSource("x")

	doubled := reactive.Map(scope, a.Behavior(), func(v int) int { return v * 2 })
	combined := reactive.Combine(scope, doubled, b.Behavior(), func(n int, s string) string {
		return s + ":" + string(rune('0'+n))
	}, reactive.Distinct[string]())

	var got []string
	combined.Subscribe(func(v string) { got = append(got, v) })

	a.Set(2)
	b.Set("y")
	b.Set("y")
	require.Equal(t, []string{"x:2", "x:4", "y:4"}, got)

	scope.End()
	a.Set(3)
	require.Equal(t, 4, doubled.Value())
	require.Equal(t, []string{"x:2", "x:4", "y:4"}, got)
}

func TestEpoch(t *testing.T) {
	t.Run("combine keeps the highest epoch", func(t *testing.T) {
		scope := reactive.NewScope()
		defer scope.End()

		a := reactive.NewSource(reactive.NewEpoch(1, 3))
		b := reactive.NewSource(reactive.NewEpoch(10, 1))
		sum := reactive.CombineEpoch(scope, a.Behavior(), b.Behavior(), func(x, y int) int { return x + y })
		require.Equal(t, reactive.NewEpoch(11, 3), sum.Value())

		b.Set(reactive.NewEpoch(20, 2))
		require.Equal(t, reactive.NewEpoch(21, 3), sum.Value())

		// a lower epoch on one input never lowers the output
		a.Set(reactive.NewEpoch(2, 1))
		require.Equal(t, uint64(3), sum.Value().Epoch)

		b.Set(reactive.NewEpoch(0, 7))
		require.Equal(t, reactive.NewEpoch(2, 7), sum.Value())
		require.True(t, sum.Value().Newer(reactive.NewEpoch(0, 3)))
	})

	t.Run("map keeps epoch", func(t *testing.T) {
		scope := reactive.NewScope()
		defer scope.End()

		src := reactive.NewSource(reactive.NewEpoch("a", 4))
		upper := reactive.MapEpoch(scope, src.Behavior(), func(s string) int { return len(s) })
		require.Equal(t, reactive.NewEpoch(1, 4), upper.Value())
	})

	t.Run("scan reuses only within an epoch", func(t *testing.T) {
		scope := reactive.NewScope()
		defer scope.End()

		type box struct{ v int }
		src := reactive.NewSource(reactive.NewEpoch(1, 1))
		var reused []bool
		out := reactive.ScanEpoch(scope, src.Behavior(), func(v int, prev *box, reuse bool) *box {
			reused = append(reused, reuse)
			if reuse {
				prev.v = v
				return prev
			}
			return &box{v: v}
		})

		first := out.Value().Value
		src.Set(reactive.NewEpoch(2, 1))
		require.Same(t, first, out.Value().Value)
		require.Equal(t, 2, first.v)

		src.Set(reactive.NewEpoch(3, 2))
		require.NotSame(t, first, out.Value().Value)
		require.Equal(t, []bool{false, true, false}, reused)
	})

	t.Run("epoch equality", func(t *testing.T) {
		src := reactive.NewSource(reactive.NewEpoch(1, 1), reactive.EpochEqual(func(a, b int) bool { return a == b }))
		calls := 0
		src.Watch(func() { calls++ })
		src.Set(reactive.NewEpoch(1, 1))
		require.Equal(t, 0, calls)
		src.Set(reactive.NewEpoch(1, 2))
		require.Equal(t, 1, calls)
	})
}

func TestEmitter(t *testing.T) {
	e := reactive.NewEmitter[int]()
	var got []int
	unsub := e.Stream().Subscribe(func(v int) { got = append(got, v) })
	e.Emit(1)
	unsub()
	unsub()
	e.Emit(2)
	require.Equal(t, []int{1}, got)
}
