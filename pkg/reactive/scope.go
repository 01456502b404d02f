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
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
)

// Scope is a lifetime boundary for subscriptions and resources.
//
// Ending a scope ends all of its children first, then runs its own teardowns
// in reverse registration order. End is synchronous and idempotent.
type Scope struct {
	lock      sync.Mutex
	parent    *Scope
	ended     core.Fuse
	children  map[*Scope]struct{}
	teardowns deque.Deque[func()]

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScope() *Scope {
	return newScope(nil)
}

func newScope(parent *Scope) *Scope {
	s := &Scope{
		parent:   parent,
		children: make(map[*Scope]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Child creates a scope that ends no later than s. A child of an already ended
// scope is returned ended.
func (s *Scope) Child() *Scope {
	c := newScope(s)

	s.lock.Lock()
	if s.ended.IsBroken() {
		s.lock.Unlock()
		c.End()
		return c
	}
	s.children[c] = struct{}{}
	s.lock.Unlock()

	return c
}

// OnEnd registers fn to run when the scope ends. If the scope has already
// ended, fn runs immediately.
func (s *Scope) OnEnd(fn func()) {
	s.lock.Lock()
	if s.ended.IsBroken() {
		s.lock.Unlock()
		fn()
		return
	}
	s.teardowns.PushBack(fn)
	s.lock.Unlock()
}

func (s *Scope) End() {
	s.lock.Lock()
	if s.ended.IsBroken() {
		s.lock.Unlock()
		return
	}
	s.ended.Break()
	children := make([]*Scope, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	s.children = nil
	s.lock.Unlock()

	s.cancel()

	for _, c := range children {
		c.End()
	}

	for {
		s.lock.Lock()
		if s.teardowns.Len() == 0 {
			s.lock.Unlock()
			break
		}
		fn := s.teardowns.PopBack()
		s.lock.Unlock()

		fn()
	}

	if s.parent != nil {
		s.parent.removeChild(s)
	}
}

func (s *Scope) IsEnded() bool {
	return s.ended.IsBroken()
}

// Done is closed as soon as End begins.
func (s *Scope) Done() <-chan struct{} {
	return s.ended.Watch()
}

// Context is cancelled when the scope ends, for handing to blocking calls.
func (s *Scope) Context() context.Context {
	return s.ctx
}

func (s *Scope) removeChild(c *Scope) {
	s.lock.Lock()
	delete(s.children, c)
	s.lock.Unlock()
}
