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

package rtc_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types/typesfakes"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/testutils"
)

type managerHarness struct {
	scope      *reactive.Scope
	transports *reactive.Source[reactive.Epoch[[]types.Transport]]
	manager    *rtc.ConnectionManager
	openID     *typesfakes.FakeOpenIDProvider
	sfuConfig  *fakeSFUConfig

	lock    sync.Mutex
	rooms   map[types.Transport]*typesfakes.FakeMediaRoom
	created map[types.Transport]int
	failing map[types.Transport]error
}

func newManagerHarness(t *testing.T, initial ...types.Transport) *managerHarness {
	h := &managerHarness{
		scope:      reactive.NewScope(),
		transports: reactive.NewSource(reactive.NewEpoch(initial, 1)),
		openID:     &typesfakes.FakeOpenIDProvider{},
		sfuConfig:  &fakeSFUConfig{},
		rooms:      make(map[types.Transport]*typesfakes.FakeMediaRoom),
		created:    make(map[types.Transport]int),
		failing:    make(map[types.Transport]error),
	}
	t.Cleanup(h.scope.End)

	factory := rtc.NewConnectionFactory(rtc.ConnectionFactoryParams{
		Room:      "!room:example.org",
		OpenID:    h.openID,
		SFUConfig: h.sfuConfig,
		MediaRoomFactory: func(transport types.Transport) types.MediaRoom {
			h.lock.Lock()
			defer h.lock.Unlock()
			room := typesfakes.NewFakeMediaRoom()
			room.ConnectErr = h.failing[transport]
			h.rooms[transport] = room
			h.created[transport]++
			return room
		},
		OpenIDRetryInterval: time.Millisecond,
	})

	h.manager = rtc.NewConnectionManager(h.scope, rtc.ConnectionManagerParams{
		Transports:   h.transports.Behavior(),
		Factory:      factory,
		StartWorkers: 2,
	})
	return h
}

func (h *managerHarness) require(epoch uint64, transports ...types.Transport) {
	h.transports.Set(reactive.NewEpoch(transports, epoch))
}

func (h *managerHarness) room(t types.Transport) *typesfakes.FakeMediaRoom {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.rooms[t]
}

func (h *managerHarness) createdCount(t types.Transport) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.created[t]
}

func (h *managerHarness) waitConnected(t *testing.T, transports ...types.Transport) {
	testutils.WithTimeout(t, func() string {
		agg := h.manager.Aggregate().Value().Value
		for _, tr := range transports {
			conn := agg.Connection(tr)
			if conn == nil {
				return fmt.Sprintf("no connection for %s", tr)
			}
			if kind := conn.State().Value().Kind; kind != types.ConnectionLivekitConnected {
				return fmt.Sprintf("%s is %s", tr, kind)
			}
		}
		return ""
	})
}

func TestConnectionManagerStartsOnce(t *testing.T) {
	h := newManagerHarness(t, transportA)
	h.waitConnected(t, transportA)

	h.require(1, transportA, transportB)
	h.require(1, transportA, transportB)
	h.require(2, transportB, transportA, transportA)
	h.require(3, transportA, transportB)
	h.waitConnected(t, transportA, transportB)

	require.Equal(t, 1, h.createdCount(transportA))
	require.Equal(t, 1, h.createdCount(transportB))
	require.Equal(t, 1, h.room(transportA).ConnectCallCount())
	require.Equal(t, 1, h.room(transportB).ConnectCallCount())
	require.Equal(t, []types.Transport{transportA, transportB}, h.manager.Aggregate().Value().Value.Transports())
}

func TestConnectionManagerRemoval(t *testing.T) {
	h := newManagerHarness(t, transportA, transportB)
	h.waitConnected(t, transportA, transportB)

	var (
		lock       sync.Mutex
		seen       = map[types.Transport]*rtc.Connection{}
		violations []string
	)
	h.manager.Aggregate().Subscribe(func(e reactive.Epoch[*rtc.ConnectionAggregate]) {
		lock.Lock()
		defer lock.Unlock()
		current := map[types.Transport]struct{}{}
		for _, tr := range e.Value.Transports() {
			current[tr] = struct{}{}
			seen[tr] = e.Value.Connection(tr)
		}
		for tr, conn := range seen {
			if _, ok := current[tr]; !ok && !conn.IsStopped() {
				violations = append(violations, tr.String())
			}
		}
	})

	connA := h.manager.Aggregate().Value().Value.Connection(transportA)
	h.require(2, transportB)

	require.True(t, connA.IsStopped())
	require.Equal(t, types.ConnectionStopped, connA.State().Value().Kind)
	require.Equal(t, 1, h.room(transportA).DisconnectCallCount())
	require.Nil(t, h.manager.Aggregate().Value().Value.Connection(transportA))
	require.Equal(t, uint64(2), h.manager.Aggregate().Value().Epoch)

	// re-adding creates a fresh connection
	h.require(3, transportB, transportA)
	h.waitConnected(t, transportA, transportB)
	require.Equal(t, 2, h.createdCount(transportA))
	require.NotSame(t, connA, h.manager.Aggregate().Value().Value.Connection(transportA))

	lock.Lock()
	defer lock.Unlock()
	require.Empty(t, violations)
}

func TestConnectionManagerParticipants(t *testing.T) {
	h := newManagerHarness(t, transportA, transportB)
	h.waitConnected(t, transportA, transportB)

	alice := &types.RemoteParticipant{Identity: "@alice:example.org:AAA"}
	bob := &types.RemoteParticipant{Identity: "@bob:example.org:BBB"}

	emissions := 0
	h.manager.Aggregate().Watch(func() { emissions++ })

	h.room(transportA).SetParticipants(alice)
	h.room(transportB).SetParticipants(bob)

	e := h.manager.Aggregate().Value()
	require.Equal(t, 2, emissions)
	require.Equal(t, uint64(1), e.Epoch)
	require.Equal(t, uint64(1), e.Value.Generation)
	require.Equal(t, []*types.RemoteParticipant{alice}, e.Value.Participants(transportA))
	require.Same(t, bob, e.Value.ParticipantByIdentity(transportB, bob.Identity))
	require.Nil(t, e.Value.ParticipantByIdentity(transportA, bob.Identity))

	tr, ok := e.Value.LocateIdentity(bob.Identity)
	require.True(t, ok)
	require.Equal(t, transportB, tr)

	h.room(transportA).SetParticipants()
	require.Empty(t, h.manager.Aggregate().Value().Value.Participants(transportA))
}

func TestConnectionManagerFailedConnectionStays(t *testing.T) {
	h := newManagerHarness(t)
	h.lock.Lock()
	h.failing[transportC] = &types.ConnectError{Status: 503}
	h.lock.Unlock()

	h.require(2, transportA, transportC)
	h.waitConnected(t, transportA)

	testutils.WithTimeout(t, func() string {
		conn := h.manager.Aggregate().Value().Value.Connection(transportC)
		if conn == nil {
			return "failed connection missing from aggregate"
		}
		state := conn.State().Value()
		if state.Kind != types.ConnectionError {
			return fmt.Sprintf("expected error state, got %s", state)
		}
		return ""
	})
	conn := h.manager.Aggregate().Value().Value.Connection(transportC)
	require.ErrorIs(t, conn.State().Value().Err, rtc.ErrCapacityExceeded)
}

func TestConnectionManagerClose(t *testing.T) {
	h := newManagerHarness(t, transportA, transportB)
	h.waitConnected(t, transportA, transportB)

	agg := h.manager.Aggregate().Value().Value
	h.manager.Close()

	require.True(t, agg.Connection(transportA).IsStopped())
	require.True(t, agg.Connection(transportB).IsStopped())

	// input changes after close are ignored
	h.require(5, transportC)
	require.Equal(t, 0, h.createdCount(transportC))
}
