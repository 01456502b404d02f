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

package service

import (
	"bufio"
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/config"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/controls"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/matrix"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/roomclient"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/session"
)

// room events are read as JSON lines and can carry large state
const maxEventLineSize = 1 << 20

var errSessionEnded = errors.New("call session ended")

type MediaRoomFactory func(transport types.Transport) types.MediaRoom

// StateProvider returns the current view of the call.
type StateProvider func() *CallState

// CallService runs one call session for the configured user and room.
type CallService struct {
	conf     *config.Config
	scope    *reactive.Scope
	events   *matrix.EventAdapter
	session  *session.CallSession
	controls *controls.LoggingControls
	debug    *DebugServer
	logger   logger.Logger

	running    atomic.Bool
	leftReason atomic.String
}

func NewCallService(
	conf *config.Config,
	scope *reactive.Scope,
	events *matrix.EventAdapter,
	sess *session.CallSession,
	ctrls *controls.LoggingControls,
	debug *DebugServer,
) *CallService {
	s := &CallService{
		conf:     conf,
		scope:    scope,
		events:   events,
		session:  sess,
		controls: ctrls,
		debug:    debug,
		logger:   logger.GetLogger().WithValues("room", conf.Call.Room),
	}
	scope.OnEnd(sess.OnLeft(func(reason session.LeaveReason) {
		s.leftReason.Store(string(reason))
		s.logger.Infow("left call", "reason", reason)
	}))
	return s
}

func (s *CallService) Session() *session.CallSession {
	return s.session
}

func (s *CallService) Events() *matrix.EventAdapter {
	return s.events
}

func (s *CallService) Controls() *controls.LoggingControls {
	return s.controls
}

func (s *CallService) State() *CallState {
	return BuildCallState(s.conf.Call.Room, s.session)
}

// LeftReason is empty until the session was left.
func (s *CallService) LeftReason() session.LeaveReason {
	return session.LeaveReason(s.leftReason.Load())
}

// Run joins the call when transports are configured and blocks until the
// session is left or ctx is done. Room events are read from events as JSON
// lines when it is not nil.
func (s *CallService) Run(ctx context.Context, events io.Reader) error {
	if s.running.Swap(true) {
		return errors.New("already running")
	}

	if len(s.conf.Transports) > 0 {
		transport, err := s.session.Join()
		if err != nil {
			return err
		}
		s.logger.Infow("joined call", "transport", transport.String())
	} else {
		s.logger.Infow("no transports configured, observing only")
	}

	if events != nil {
		// reading cannot be interrupted, so this is not part of the group
		go func() {
			if err := s.feedEvents(events); err != nil {
				s.logger.Warnw("stopped reading room events", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.debug.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.session.Leave(session.LeaveUser)
		case <-s.session.Done():
		}
		return errSessionEnded
	})

	if err := g.Wait(); !errors.Is(err, errSessionEnded) {
		return err
	}
	return nil
}

func (s *CallService) feedEvents(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineSize)
	for scanner.Scan() {
		if s.scope.IsEnded() {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := s.events.HandleRaw(line); err != nil {
			s.logger.Debugw("skipping room event", "error", err)
		}
	}
	return scanner.Err()
}

func newScope() (*reactive.Scope, func()) {
	scope := reactive.NewScope()
	return scope, scope.End
}

func newEventAdapter(scope *reactive.Scope) *matrix.EventAdapter {
	return matrix.NewEventAdapter(scope, logger.GetLogger())
}

func newOpenIDClient(conf *config.Config) *matrix.OpenIDClient {
	return matrix.NewOpenIDClient(matrix.OpenIDClientParams{
		Homeserver:  conf.Homeserver.URL,
		UserID:      id.UserID(conf.Homeserver.UserID),
		DeviceID:    id.DeviceID(conf.Homeserver.DeviceID),
		AccessToken: conf.Homeserver.AccessToken,
		Timeout:     conf.Homeserver.Timeout,
		Logger:      logger.GetLogger(),
	})
}

func newSFUConfigClient(conf *config.Config) *rtc.SFUConfigClient {
	return rtc.NewSFUConfigClient(conf.Connection.HTTPTimeout, logger.GetLogger())
}

func newMediaRoomFactory(conf *config.Config) MediaRoomFactory {
	return roomclient.NewFactory(roomclient.RoomParams{
		ProtocolVersion:  conf.MediaRoom.ProtocolVersion,
		MinServerVersion: conf.MediaRoom.MinServerVersion,
		JoinTimeout:      conf.MediaRoom.JoinTimeout,
		PingInterval:     conf.MediaRoom.PingInterval,
		Logger:           logger.GetLogger(),
	})
}

func newControls() *controls.LoggingControls {
	return controls.NewLoggingControls(false, logger.GetLogger())
}

func newCallSession(
	scope *reactive.Scope,
	conf *config.Config,
	openID *matrix.OpenIDClient,
	sfuConfig *rtc.SFUConfigClient,
	rooms MediaRoomFactory,
	ctrls *controls.LoggingControls,
	events *matrix.EventAdapter,
) *session.CallSession {
	return session.NewCallSession(scope, session.CallSessionParams{
		Room:                    conf.Call.Room,
		LocalUser:               id.UserID(conf.Homeserver.UserID),
		Transports:              conf.Transports,
		OpenID:                  openID,
		SFUConfig:               sfuConfig,
		MediaRoomFactory:        rooms,
		Controls:                ctrls,
		Memberships:             events.Memberships(),
		Notifications:           events.Notifications(),
		Declines:                events.Declines(),
		WaitForCallPickup:       conf.Call.WaitForCallPickup,
		AutoLeaveWhenOthersLeft: conf.Call.AutoLeaveWhenOthersLeft,
		OpenIDRetries:           conf.Connection.OpenIDRetries,
		OpenIDRetryInterval:     conf.Connection.OpenIDRetryInterval,
		StartWorkers:            conf.Connection.StartWorkers,
		Logger:                  logger.GetLogger(),
	})
}

func newStateProvider(conf *config.Config, sess *session.CallSession) StateProvider {
	return func() *CallState {
		return BuildCallState(conf.Call.Room, sess)
	}
}
