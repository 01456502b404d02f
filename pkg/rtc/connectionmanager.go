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

package rtc

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/gammazero/workerpool"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/telemetry/prometheus"
)

const DefaultStartWorkers = 4

// ConnectionFactory creates the connection for transport, bound to scope.
type ConnectionFactory func(scope *reactive.Scope, transport types.Transport) *Connection

type ConnectionFactoryParams struct {
	Room             string
	OpenID           types.OpenIDProvider
	SFUConfig        SFUConfigFetcher
	MediaRoomFactory func(transport types.Transport) types.MediaRoom

	OpenIDRetries       uint64
	OpenIDRetryInterval time.Duration
	Logger              logger.Logger
}

func NewConnectionFactory(params ConnectionFactoryParams) ConnectionFactory {
	return func(scope *reactive.Scope, transport types.Transport) *Connection {
		return NewConnection(scope, ConnectionParams{
			Transport:           transport,
			Room:                params.Room,
			OpenID:              params.OpenID,
			SFUConfig:           params.SFUConfig,
			MediaRoom:           params.MediaRoomFactory(transport),
			OpenIDRetries:       params.OpenIDRetries,
			OpenIDRetryInterval: params.OpenIDRetryInterval,
			Logger:              params.Logger,
		})
	}
}

// ConnectionAggregate is an immutable snapshot of the managed connections and
// the participants visible on each. Generation changes whenever the required
// transport set is replaced; lookups taken from an older generation are stale.
type ConnectionAggregate struct {
	Generation uint64

	transports   []types.Transport
	connections  map[types.Transport]*Connection
	participants map[types.Transport][]*types.RemoteParticipant
}

func (a *ConnectionAggregate) Transports() []types.Transport {
	return a.transports
}

func (a *ConnectionAggregate) Connection(t types.Transport) *Connection {
	return a.connections[t]
}

func (a *ConnectionAggregate) Participants(t types.Transport) []*types.RemoteParticipant {
	return a.participants[t]
}

func (a *ConnectionAggregate) ParticipantByIdentity(t types.Transport, identity livekit.ParticipantIdentity) *types.RemoteParticipant {
	return types.FindParticipant(a.participants[t], identity)
}

// LocateIdentity returns the first transport on which identity is live.
func (a *ConnectionAggregate) LocateIdentity(identity livekit.ParticipantIdentity) (types.Transport, bool) {
	for _, t := range a.transports {
		if types.FindParticipant(a.participants[t], identity) != nil {
			return t, true
		}
	}
	return types.Transport{}, false
}

type ConnectionManagerParams struct {
	Transports   reactive.Behavior[reactive.Epoch[[]types.Transport]]
	Factory      ConnectionFactory
	StartWorkers int
	Logger       logger.Logger
}

type managedConnection struct {
	conn  *Connection
	scope *reactive.Scope
}

// ConnectionManager keeps exactly one Connection per required transport. It
// is the only component that creates or destroys connections.
type ConnectionManager struct {
	params ConnectionManagerParams
	scope  *reactive.Scope
	logger logger.Logger
	pool   *workerpool.WorkerPool

	lock        sync.Mutex
	connections *orderedmap.OrderedMap[types.Transport, *managedConnection]
	generation  uint64

	// serialises snapshot and emission
	emitLock  sync.Mutex
	aggregate *reactive.Source[reactive.Epoch[*ConnectionAggregate]]
}

func NewConnectionManager(scope *reactive.Scope, params ConnectionManagerParams) *ConnectionManager {
	if params.StartWorkers <= 0 {
		params.StartWorkers = DefaultStartWorkers
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	m := &ConnectionManager{
		params:      params,
		scope:       scope,
		logger:      params.Logger.WithName("connectionmanager"),
		pool:        workerpool.New(params.StartWorkers),
		connections: orderedmap.NewOrderedMap[types.Transport, *managedConnection](),
		aggregate: reactive.NewSource(reactive.NewEpoch(&ConnectionAggregate{
			connections:  map[types.Transport]*Connection{},
			participants: map[types.Transport][]*types.RemoteParticipant{},
		}, 0)),
	}

	scope.OnEnd(m.close)
	reactive.Observe[reactive.Epoch[[]types.Transport]](scope, params.Transports, m.onTransports)
	return m
}

// Aggregate is the per-transport view of all managed connections.
func (m *ConnectionManager) Aggregate() reactive.Behavior[reactive.Epoch[*ConnectionAggregate]] {
	return m.aggregate.Behavior()
}

// Close ends every connection and stops the start pool.
func (m *ConnectionManager) Close() {
	m.scope.End()
}

func (m *ConnectionManager) onTransports(required reactive.Epoch[[]types.Transport]) {
	transports := types.DedupeTransports(required.Value)
	keep := make(map[types.Transport]struct{}, len(transports))
	for _, t := range transports {
		keep[t] = struct{}{}
	}

	m.lock.Lock()
	if m.scope.IsEnded() {
		m.lock.Unlock()
		return
	}
	m.generation = max(m.generation, required.Epoch)

	var removed []*managedConnection
	for el := m.connections.Front(); el != nil; {
		next := el.Next()
		if _, ok := keep[el.Key]; !ok {
			removed = append(removed, el.Value)
			m.connections.Delete(el.Key)
		}
		el = next
	}

	var added []*managedConnection
	for _, t := range transports {
		if _, ok := m.connections.Get(t); ok {
			continue
		}
		child := m.scope.Child()
		mc := &managedConnection{
			conn:  m.params.Factory(child, t),
			scope: child,
		}
		// registered after the connection's own teardown, so it runs first
		child.OnEnd(mc.conn.RemoteParticipants().Watch(m.recompute))
		m.connections.Set(t, mc)
		added = append(added, mc)
	}
	m.lock.Unlock()

	for _, mc := range removed {
		m.logger.Infow("transport no longer required, stopping connection", "transport", mc.conn.Transport())
		mc.scope.End()
		prometheus.ConnectionRemoved()
	}

	for _, mc := range added {
		m.logger.Infow("transport required, creating connection", "transport", mc.conn.Transport())
		prometheus.ConnectionAdded()
	}

	m.recompute()

	for _, mc := range added {
		m.start(mc)
	}
}

func (m *ConnectionManager) start(mc *managedConnection) {
	m.pool.Submit(func() {
		if mc.scope.IsEnded() {
			return
		}
		if err := mc.conn.Start(mc.scope.Context()); err != nil {
			// surfaced through the connection's state
			m.logger.Debugw("connection start failed", "transport", mc.conn.Transport(), "error", err)
		}
	})
}

func (m *ConnectionManager) recompute() {
	m.emitLock.Lock()
	defer m.emitLock.Unlock()

	m.lock.Lock()
	if m.scope.IsEnded() {
		m.lock.Unlock()
		return
	}
	agg := &ConnectionAggregate{
		Generation:   m.generation,
		transports:   make([]types.Transport, 0, m.connections.Len()),
		connections:  make(map[types.Transport]*Connection, m.connections.Len()),
		participants: make(map[types.Transport][]*types.RemoteParticipant, m.connections.Len()),
	}
	for el := m.connections.Front(); el != nil; el = el.Next() {
		agg.transports = append(agg.transports, el.Key)
		agg.connections[el.Key] = el.Value.conn
		agg.participants[el.Key] = el.Value.conn.RemoteParticipants().Value()
	}
	m.lock.Unlock()

	m.aggregate.Set(reactive.NewEpoch(agg, agg.Generation))
}

func (m *ConnectionManager) close() {
	m.lock.Lock()
	var all []*managedConnection
	for el := m.connections.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value)
	}
	m.connections = orderedmap.NewOrderedMap[types.Transport, *managedConnection]()
	m.lock.Unlock()

	for _, mc := range all {
		mc.scope.End()
		prometheus.ConnectionRemoved()
	}

	// a start task may be the one ending the scope
	go m.pool.Stop()
}
