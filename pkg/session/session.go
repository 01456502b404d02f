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

package session

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/controls"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

type LeaveReason string

const (
	LeaveUser          LeaveReason = "user"
	LeaveBackButton    LeaveReason = "backButton"
	LeaveAllOthersLeft LeaveReason = LeaveReason(AutoLeaveAllOthersLeft)
	LeavePickupTimeout LeaveReason = LeaveReason(AutoLeaveTimeout)
	LeavePickupDecline LeaveReason = LeaveReason(AutoLeaveDecline)
)

type CallSessionParams struct {
	Room      string
	LocalUser id.UserID
	// Transports the local device may publish on, in preference order.
	Transports []types.Transport

	OpenID           types.OpenIDProvider
	SFUConfig        rtc.SFUConfigFetcher
	MediaRoomFactory func(transport types.Transport) types.MediaRoom
	Controls         controls.WindowControls

	Memberships   reactive.Behavior[[]*types.SessionMembership]
	Notifications reactive.Stream[*types.RingNotification]
	Declines      reactive.Stream[*types.DeclineEvent]

	WaitForCallPickup       bool
	AutoLeaveWhenOthersLeft bool

	OpenIDRetries       uint64
	OpenIDRetryInterval time.Duration
	StartWorkers        int
	Clock               Clock
	Logger              logger.Logger
}

// CallSession wires the connection, membership and pickup pieces of one call
// under a single scope.
type CallSession struct {
	params CallSessionParams
	scope  *reactive.Scope
	logger logger.Logger

	local     *reactive.Source[*types.Transport]
	required  reactive.Behavior[reactive.Epoch[[]types.Transport]]
	manager   *rtc.ConnectionManager
	members   reactive.Behavior[reactive.Epoch[[]*LiveMember]]
	localConn reactive.Behavior[*rtc.Connection]
	pickup    *CallPickup

	left      core.Fuse
	leftWith  *reactive.Emitter[LeaveReason]
	leaveOnce sync.Once
}

func NewCallSession(parent *reactive.Scope, params CallSessionParams) *CallSession {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Memberships == nil {
		params.Memberships = reactive.Constant[[]*types.SessionMembership](nil)
	}

	s := &CallSession{
		params:   params,
		scope:    parent.Child(),
		logger:   params.Logger.WithValues("room", params.Room),
		local:    reactive.NewSource[*types.Transport](nil),
		leftWith: reactive.NewEmitter[LeaveReason](),
	}

	s.required = RequiredTransports(s.scope, RequiredTransportsParams{
		Local:       s.local.Behavior(),
		LocalUser:   params.LocalUser,
		LocalDevice: params.OpenID.DeviceID(),
		Memberships: params.Memberships,
	})

	s.manager = rtc.NewConnectionManager(s.scope, rtc.ConnectionManagerParams{
		Transports: s.required,
		Factory: rtc.NewConnectionFactory(rtc.ConnectionFactoryParams{
			Room:                params.Room,
			OpenID:              params.OpenID,
			SFUConfig:           params.SFUConfig,
			MediaRoomFactory:    params.MediaRoomFactory,
			OpenIDRetries:       params.OpenIDRetries,
			OpenIDRetryInterval: params.OpenIDRetryInterval,
			Logger:              params.Logger,
		}),
		StartWorkers: params.StartWorkers,
		Logger:       params.Logger,
	})

	s.members = LiveMembers(s.scope, params.Memberships, s.manager.Aggregate(), params.Logger)

	aggregate := s.manager.Aggregate()
	local := s.local.Behavior()
	s.localConn = reactive.Derive(s.scope, func() *rtc.Connection {
		t := local.Value()
		if t == nil {
			return nil
		}
		return aggregate.Value().Value.Connection(*t)
	}, []reactive.Observable{local, aggregate}, reactive.Distinct[*rtc.Connection]())

	s.pickup = NewCallPickup(s.scope, CallPickupParams{
		LocalUser:               params.LocalUser,
		Notifications:           params.Notifications,
		Declines:                params.Declines,
		Memberships:             params.Memberships,
		WaitForCallPickup:       params.WaitForCallPickup,
		AutoLeaveWhenOthersLeft: params.AutoLeaveWhenOthersLeft,
		Clock:                   params.Clock,
		Logger:                  params.Logger,
	})
	reactive.Observe[AutoLeaveReason](s.scope, s.pickup.AutoLeave(), func(r AutoLeaveReason) {
		// leaving ends the scope this callback is registered on
		go s.Leave(LeaveReason(r))
	})

	if params.Controls != nil {
		s.scope.OnEnd(params.Controls.OnBackButtonPressed(func() {
			go s.Leave(LeaveBackButton)
		}))
		s.scope.OnEnd(params.Controls.DisablePictureInPicture)
	}
	return s
}

// Join publishes intent to use the first valid local transport. Connections
// to remote members' transports are made whether or not the session joined.
func (s *CallSession) Join() (types.Transport, error) {
	if s.left.IsBroken() {
		return types.Transport{}, rtc.ErrConnectionStopped
	}
	for _, t := range s.params.Transports {
		if t.IsValid() {
			s.logger.Infow("joining call", "transport", t.String())
			s.local.Set(&t)
			return t, nil
		}
	}
	s.logger.Warnw("cannot join call", rtc.ErrTransportMissing)
	return types.Transport{}, rtc.NewConnectionError(rtc.ErrTransportMissing, types.Transport{}, nil)
}

// Leave ends the session and every connection it owns. Only the first call
// has an effect.
func (s *CallSession) Leave(reason LeaveReason) {
	s.leaveOnce.Do(func() {
		s.logger.Infow("leaving call", "reason", reason)
		s.scope.End()
		s.left.Break()
		s.leftWith.Emit(reason)
	})
}

// OnLeft is called once with the reason the session ended.
func (s *CallSession) OnLeft(fn func(LeaveReason)) (off func()) {
	return s.leftWith.Subscribe(fn)
}

func (s *CallSession) Done() <-chan struct{} {
	return s.left.Watch()
}

func (s *CallSession) LocalTransport() reactive.Behavior[*types.Transport] {
	return s.local.Behavior()
}

// LocalConnection is nil until joined and the local transport's connection
// exists.
func (s *CallSession) LocalConnection() reactive.Behavior[*rtc.Connection] {
	return s.localConn
}

func (s *CallSession) RequiredTransports() reactive.Behavior[reactive.Epoch[[]types.Transport]] {
	return s.required
}

func (s *CallSession) Connections() reactive.Behavior[reactive.Epoch[*rtc.ConnectionAggregate]] {
	return s.manager.Aggregate()
}

func (s *CallSession) LiveMembers() reactive.Behavior[reactive.Epoch[[]*LiveMember]] {
	return s.members
}

func (s *CallSession) PickupState() reactive.Behavior[CallPickupState] {
	return s.pickup.State()
}

func (s *CallSession) Controls() controls.WindowControls {
	return s.params.Controls
}
