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

// Package typesfakes holds in-memory implementations of the media room and
// authentication interfaces for tests.
package typesfakes

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

type FakeMediaRoom struct {
	ConnectErr error
	// when set, Connect blocks until it is closed or ctx is done
	ConnectGate chan struct{}

	connects    atomic.Int32
	disconnects atomic.Int32

	lock          sync.Mutex
	url, token    string
	nextID        int
	stateHandlers map[int]func(types.MediaRoomState)
	partHandlers  map[int]func([]*types.RemoteParticipant)
	connecting    chan struct{}
}

func NewFakeMediaRoom() *FakeMediaRoom {
	return &FakeMediaRoom{
		stateHandlers: make(map[int]func(types.MediaRoomState)),
		partHandlers:  make(map[int]func([]*types.RemoteParticipant)),
		connecting:    make(chan struct{}, 16),
	}
}

func (f *FakeMediaRoom) Connect(ctx context.Context, url, token string) error {
	f.connects.Inc()
	f.lock.Lock()
	f.url, f.token = url, token
	gate := f.ConnectGate
	f.lock.Unlock()

	select {
	case f.connecting <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.EmitState(types.MediaRoomConnected)
	return nil
}

func (f *FakeMediaRoom) Disconnect() {
	f.disconnects.Inc()
}

func (f *FakeMediaRoom) OnStateChange(fn func(types.MediaRoomState)) func() {
	f.lock.Lock()
	defer f.lock.Unlock()
	key := f.nextID
	f.nextID++
	f.stateHandlers[key] = fn
	return func() {
		f.lock.Lock()
		delete(f.stateHandlers, key)
		f.lock.Unlock()
	}
}

func (f *FakeMediaRoom) OnParticipantsChanged(fn func([]*types.RemoteParticipant)) func() {
	f.lock.Lock()
	defer f.lock.Unlock()
	key := f.nextID
	f.nextID++
	f.partHandlers[key] = fn
	return func() {
		f.lock.Lock()
		delete(f.partHandlers, key)
		f.lock.Unlock()
	}
}

func (f *FakeMediaRoom) EmitState(s types.MediaRoomState) {
	f.lock.Lock()
	handlers := make([]func(types.MediaRoomState), 0, len(f.stateHandlers))
	for _, h := range f.stateHandlers {
		handlers = append(handlers, h)
	}
	f.lock.Unlock()

	for _, h := range handlers {
		h(s)
	}
}

func (f *FakeMediaRoom) SetParticipants(participants ...*types.RemoteParticipant) {
	f.lock.Lock()
	handlers := make([]func([]*types.RemoteParticipant), 0, len(f.partHandlers))
	for _, h := range f.partHandlers {
		handlers = append(handlers, h)
	}
	f.lock.Unlock()

	for _, h := range handlers {
		h(participants)
	}
}

// Connecting receives once per Connect call, before the gate.
func (f *FakeMediaRoom) Connecting() <-chan struct{} {
	return f.connecting
}

func (f *FakeMediaRoom) ConnectCallCount() int {
	return int(f.connects.Load())
}

func (f *FakeMediaRoom) DisconnectCallCount() int {
	return int(f.disconnects.Load())
}

func (f *FakeMediaRoom) ConnectArgs() (url, token string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.url, f.token
}

func (f *FakeMediaRoom) HandlerCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.stateHandlers) + len(f.partHandlers)
}

type FakeOpenIDProvider struct {
	Token  *types.OpenIDToken
	Device id.DeviceID
	// number of calls that fail before one succeeds; negative fails forever
	Failures int
	Err      error

	calls atomic.Int32
}

func (f *FakeOpenIDProvider) GetOpenIDToken(ctx context.Context) (*types.OpenIDToken, error) {
	n := int(f.calls.Inc())
	if f.Failures < 0 || n <= f.Failures {
		if f.Err == nil {
			return nil, errors.New("openid token unavailable")
		}
		return nil, f.Err
	}
	token := f.Token
	if token == nil {
		token = &types.OpenIDToken{
			AccessToken:      "openid-token",
			TokenType:        "Bearer",
			MatrixServerName: "example.org",
			ExpiresIn:        3600,
		}
	}
	return token, nil
}

func (f *FakeOpenIDProvider) DeviceID() id.DeviceID {
	if f.Device == "" {
		return "DEVICE"
	}
	return f.Device
}

func (f *FakeOpenIDProvider) CallCount() int {
	return int(f.calls.Load())
}
