// Copyright 2023 LiveKit, Inc.
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

package roomclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-version"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

const (
	DefaultProtocolVersion = 9
	DefaultJoinTimeout     = 15 * time.Second
	DefaultPingInterval    = 10 * time.Second
)

var (
	ErrUnexpectedResponse = errors.New("unexpected signal response")
	ErrRoomClosed         = errors.New("room has been disconnected")
)

type RoomParams struct {
	ProtocolVersion int
	// servers older than this are logged as unsupported
	MinServerVersion string
	JoinTimeout      time.Duration
	PingInterval     time.Duration
	Dialer           *websocket.Dialer
	Logger           logger.Logger
}

type snapshot struct {
	info        *livekit.ParticipantInfo
	participant *types.RemoteParticipant
}

// Room is a receive-only media room on one LiveKit server. It keeps the
// remote participant list current from signal updates and answers the
// server's subscriber offers.
type Room struct {
	params RoomParams
	logger logger.Logger
	api    *webrtc.API

	lock          sync.Mutex
	conn          *websocket.Conn
	subscriber    *webrtc.PeerConnection
	localSID      livekit.ParticipantID
	remote        map[livekit.ParticipantID]*livekit.ParticipantInfo
	snapshots     map[livekit.ParticipantID]snapshot
	nextHandlerID int
	stateHandlers map[int]func(types.MediaRoomState)
	partHandlers  map[int]func([]*types.RemoteParticipant)

	wsLock    sync.Mutex
	connected atomic.Bool
	closed    core.Fuse
}

func NewRoom(params RoomParams) *Room {
	if params.ProtocolVersion == 0 {
		params.ProtocolVersion = DefaultProtocolVersion
	}
	if params.JoinTimeout == 0 {
		params.JoinTimeout = DefaultJoinTimeout
	}
	if params.PingInterval == 0 {
		params.PingInterval = DefaultPingInterval
	}
	if params.Dialer == nil {
		params.Dialer = websocket.DefaultDialer
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	log := params.Logger.WithName("roomclient")
	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(log),
	}
	return &Room{
		params:        params,
		logger:        log,
		api:           webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		remote:        make(map[livekit.ParticipantID]*livekit.ParticipantInfo),
		snapshots:     make(map[livekit.ParticipantID]snapshot),
		stateHandlers: make(map[int]func(types.MediaRoomState)),
		partHandlers:  make(map[int]func([]*types.RemoteParticipant)),
	}
}

// Connect joins the room and returns once the server accepted the join.
func (r *Room) Connect(ctx context.Context, roomURL, token string) error {
	if r.closed.IsBroken() {
		return ErrRoomClosed
	}
	r.emitState(types.MediaRoomConnecting)

	endpoint, err := signalURL(roomURL, r.params.ProtocolVersion, true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.params.JoinTimeout)
	defer cancel()

	conn, err := dial(ctx, r.params.Dialer, endpoint, token)
	if err != nil {
		r.emitState(types.MediaRoomDisconnected)
		return err
	}

	join, err := r.awaitJoin(ctx, conn)
	if err != nil {
		_ = conn.Close()
		r.emitState(types.MediaRoomDisconnected)
		return err
	}
	r.checkServerVersion(join.ServerVersion)

	subscriber, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: toICEServers(join.IceServers),
	})
	if err != nil {
		_ = conn.Close()
		r.emitState(types.MediaRoomDisconnected)
		return errors.Wrap(err, "could not create subscriber peer connection")
	}

	r.lock.Lock()
	if r.closed.IsBroken() {
		r.lock.Unlock()
		_ = conn.Close()
		_ = subscriber.Close()
		return ErrRoomClosed
	}
	r.conn = conn
	r.subscriber = subscriber
	r.localSID = livekit.ParticipantID(join.Participant.GetSid())
	r.remote = make(map[livekit.ParticipantID]*livekit.ParticipantInfo, len(join.OtherParticipants))
	for _, p := range join.OtherParticipants {
		r.remote[livekit.ParticipantID(p.Sid)] = p
	}
	r.lock.Unlock()

	r.setupSubscriber(subscriber)
	r.connected.Store(true)

	r.logger.Infow("joined media room",
		"room", join.Room.GetName(),
		"participant", join.Participant.GetIdentity(),
		"serverVersion", join.ServerVersion,
		"others", len(join.OtherParticipants),
	)
	r.emitParticipants()
	r.emitState(types.MediaRoomConnected)

	go r.readLoop(conn)
	go r.pingLoop(conn)
	return nil
}

// Disconnect leaves the room. Idempotent.
func (r *Room) Disconnect() {
	r.lock.Lock()
	if r.closed.IsBroken() {
		r.lock.Unlock()
		return
	}
	r.closed.Break()
	conn, subscriber := r.conn, r.subscriber
	hadParticipants := len(r.remote) > 0
	r.remote = make(map[livekit.ParticipantID]*livekit.ParticipantInfo)
	r.lock.Unlock()

	wasConnected := r.connected.Swap(false)
	if conn != nil {
		_ = r.sendRequest(&livekit.SignalRequest{
			Message: &livekit.SignalRequest_Leave{
				Leave: &livekit.LeaveRequest{},
			},
		})
		_ = conn.Close()
	}
	if subscriber != nil {
		_ = subscriber.Close()
	}
	if hadParticipants {
		r.emitParticipants()
	}
	if wasConnected {
		r.emitState(types.MediaRoomDisconnected)
	}
	r.logger.Debugw("left media room")
}

// dropSession tears down a session lost on the server side. The room stays
// open so Connect may be called again. It is a no-op unless conn is the
// current signal connection.
func (r *Room) dropSession(conn *websocket.Conn) bool {
	r.lock.Lock()
	if conn == nil || r.conn != conn || r.closed.IsBroken() {
		r.lock.Unlock()
		return false
	}
	subscriber := r.subscriber
	r.conn, r.subscriber = nil, nil
	r.remote = make(map[livekit.ParticipantID]*livekit.ParticipantInfo)
	r.lock.Unlock()

	r.connected.Store(false)
	_ = conn.Close()
	if subscriber != nil {
		_ = subscriber.Close()
	}
	r.emitParticipants()
	r.emitState(types.MediaRoomDisconnected)
	return true
}

func (r *Room) OnStateChange(fn func(types.MediaRoomState)) func() {
	r.lock.Lock()
	defer r.lock.Unlock()
	key := r.nextHandlerID
	r.nextHandlerID++
	r.stateHandlers[key] = fn
	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		delete(r.stateHandlers, key)
	}
}

func (r *Room) OnParticipantsChanged(fn func([]*types.RemoteParticipant)) func() {
	r.lock.Lock()
	defer r.lock.Unlock()
	key := r.nextHandlerID
	r.nextHandlerID++
	r.partHandlers[key] = fn
	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		delete(r.partHandlers, key)
	}
}

// RemoteParticipants returns the current participants sorted by identity.
func (r *Room) RemoteParticipants() []*types.RemoteParticipant {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.snapshotLocked()
}

func (r *Room) awaitJoin(ctx context.Context, conn *websocket.Conn) (*livekit.JoinResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		res, err := readResponse(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "could not read join response")
		}
		switch msg := res.Message.(type) {
		case *livekit.SignalResponse_Join:
			return msg.Join, nil
		case *livekit.SignalResponse_Leave:
			return nil, &types.ConnectError{
				Reason: fmt.Sprintf("server sent leave before join, canReconnect: %t", msg.Leave.CanReconnect),
			}
		default:
			r.logger.Debugw("ignoring signal response before join", "type", fmt.Sprintf("%T", res.Message))
		}
	}
}

func (r *Room) checkServerVersion(serverVersion string) {
	if r.params.MinServerVersion == "" || serverVersion == "" {
		return
	}
	minimum, err := version.NewVersion(r.params.MinServerVersion)
	if err != nil {
		r.logger.Warnw("invalid minimum server version", err, "version", r.params.MinServerVersion)
		return
	}
	current, err := version.NewVersion(serverVersion)
	if err != nil {
		r.logger.Debugw("could not parse server version", "version", serverVersion)
		return
	}
	if current.LessThan(minimum) {
		r.logger.Warnw("media server is older than supported", nil,
			"serverVersion", current.String(),
			"minimum", minimum.String(),
		)
	}
}

func (r *Room) setupSubscriber(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		_ = r.sendRequest(&livekit.SignalRequest{
			Message: &livekit.SignalRequest_Trickle{
				Trickle: toProtoTrickle(ic.ToJSON(), livekit.SignalTarget_SUBSCRIBER),
			},
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Debugw("subscriber connection state changed", "state", state.String())
		if r.closed.IsBroken() {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateDisconnected:
			r.emitState(types.MediaRoomReconnecting)
		case webrtc.PeerConnectionStateConnected:
			r.emitState(types.MediaRoomConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			r.lock.Lock()
			conn, current := r.conn, r.subscriber == pc
			r.lock.Unlock()
			if current && r.dropSession(conn) {
				r.logger.Warnw("subscriber connection lost", nil, "state", state.String())
			}
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// media is not consumed, only participant presence
		r.logger.Debugw("remote track", "trackID", track.ID(), "kind", track.Kind().String())
	})
}

func (r *Room) readLoop(conn *websocket.Conn) {
	for {
		res, err := readResponse(conn)
		if err != nil {
			if r.dropSession(conn) {
				r.logger.Warnw("signal connection lost", err)
			}
			return
		}
		if leave, ok := res.Message.(*livekit.SignalResponse_Leave); ok {
			r.logger.Infow("server asked to leave", "canReconnect", leave.Leave.CanReconnect)
			r.dropSession(conn)
			return
		}
		if err := r.handleResponse(res); err != nil {
			r.logger.Warnw("could not handle signal response", err)
		}
	}
}

func (r *Room) handleResponse(res *livekit.SignalResponse) error {
	switch msg := res.Message.(type) {
	case *livekit.SignalResponse_Offer:
		return r.handleOffer(fromProtoSessionDescription(msg.Offer))

	case *livekit.SignalResponse_Trickle:
		if msg.Trickle.Target != livekit.SignalTarget_SUBSCRIBER {
			return nil
		}
		candidate, err := fromProtoTrickle(msg.Trickle)
		if err != nil {
			return err
		}
		r.lock.Lock()
		pc := r.subscriber
		r.lock.Unlock()
		if pc == nil {
			return ErrUnexpectedResponse
		}
		return pc.AddICECandidate(candidate)

	case *livekit.SignalResponse_Update:
		if r.applyUpdate(msg.Update.Participants) {
			r.emitParticipants()
		}

	case *livekit.SignalResponse_Join:
		return ErrUnexpectedResponse
	}
	return nil
}

func (r *Room) handleOffer(desc webrtc.SessionDescription) error {
	r.lock.Lock()
	pc := r.subscriber
	r.lock.Unlock()
	if pc == nil {
		return ErrUnexpectedResponse
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return r.sendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Answer{
			Answer: toProtoSessionDescription(answer),
		},
	})
}

// applyUpdate merges participant updates, dropping stale versions. It
// reports whether anything changed.
func (r *Room) applyUpdate(participants []*livekit.ParticipantInfo) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	changed := false
	for _, p := range participants {
		sid := livekit.ParticipantID(p.Sid)
		if sid == r.localSID {
			continue
		}
		if p.State == livekit.ParticipantInfo_DISCONNECTED {
			if _, ok := r.remote[sid]; ok {
				delete(r.remote, sid)
				changed = true
			}
			continue
		}
		if existing, ok := r.remote[sid]; ok && (existing.Version > p.Version || proto.Equal(existing, p)) {
			continue
		}
		r.remote[sid] = p
		changed = true
	}
	return changed
}

// snapshotLocked converts the participant map, reusing the previous snapshot
// of a participant whose info was not replaced since.
func (r *Room) snapshotLocked() []*types.RemoteParticipant {
	if len(r.remote) == 0 {
		r.snapshots = make(map[livekit.ParticipantID]snapshot)
		return nil
	}
	infos := funk.Values(r.remote).([]*livekit.ParticipantInfo)
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Identity < infos[j].Identity
	})

	next := make(map[livekit.ParticipantID]snapshot, len(infos))
	out := make([]*types.RemoteParticipant, 0, len(infos))
	for _, pi := range infos {
		sid := livekit.ParticipantID(pi.Sid)
		snap, ok := r.snapshots[sid]
		if !ok || snap.info != pi {
			snap = snapshot{info: pi, participant: types.NewRemoteParticipant(pi)}
		}
		next[sid] = snap
		out = append(out, snap.participant)
	}
	r.snapshots = next
	return out
}

func (r *Room) emitParticipants() {
	r.lock.Lock()
	snapshot := r.snapshotLocked()
	handlers := make([]func([]*types.RemoteParticipant), 0, len(r.partHandlers))
	for _, key := range sortedKeys(r.partHandlers) {
		handlers = append(handlers, r.partHandlers[key])
	}
	r.lock.Unlock()

	for _, h := range handlers {
		h(snapshot)
	}
}

func (r *Room) emitState(state types.MediaRoomState) {
	r.lock.Lock()
	handlers := make([]func(types.MediaRoomState), 0, len(r.stateHandlers))
	for _, key := range sortedKeys(r.stateHandlers) {
		handlers = append(handlers, r.stateHandlers[key])
	}
	r.lock.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

func (r *Room) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(r.params.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closed.Watch():
			return
		case <-ticker.C:
			r.lock.Lock()
			current := r.conn == conn
			r.lock.Unlock()
			if !current {
				return
			}
			if err := r.sendRequest(&livekit.SignalRequest{
				Message: &livekit.SignalRequest_Ping{Ping: time.Now().UnixMilli()},
			}); err != nil {
				r.logger.Debugw("could not send ping", "error", err)
			}
		}
	}
}

func (r *Room) sendRequest(msg *livekit.SignalRequest) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return err
	}

	r.lock.Lock()
	conn := r.conn
	r.lock.Unlock()
	if conn == nil {
		return ErrRoomClosed
	}

	r.wsLock.Lock()
	defer r.wsLock.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// NewFactory returns a room constructor for connections, one room per
// transport.
func NewFactory(params RoomParams) func(types.Transport) types.MediaRoom {
	return func(transport types.Transport) types.MediaRoom {
		p := params
		if p.Logger == nil {
			p.Logger = logger.GetLogger()
		}
		p.Logger = p.Logger.WithValues("transport", transport.ServiceURL)
		return NewRoom(p)
	}
}
