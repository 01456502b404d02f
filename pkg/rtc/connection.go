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
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/telemetry/prometheus"
)

const (
	DefaultOpenIDRetries       = 3
	DefaultOpenIDRetryInterval = 500 * time.Millisecond
)

type ConnectionParams struct {
	Transport types.Transport
	// room identifier handed to the transport's config endpoint
	Room      string
	OpenID    types.OpenIDProvider
	SFUConfig SFUConfigFetcher
	MediaRoom types.MediaRoom

	OpenIDRetries       uint64
	OpenIDRetryInterval time.Duration

	Logger logger.Logger
}

// Connection joins a single transport. Its lifetime is bound to the scope
// it was created with; ending the scope stops it.
type Connection struct {
	params ConnectionParams
	scope  *reactive.Scope
	logger logger.Logger

	state        *reactive.Source[types.ConnectionState]
	participants *reactive.Source[[]*types.RemoteParticipant]

	lock     sync.Mutex
	starting bool
	attached bool
	stopped  core.Fuse
	// cancelled by Stop once stopped is broken
	ctx    context.Context
	cancel context.CancelFunc
}

func NewConnection(scope *reactive.Scope, params ConnectionParams) *Connection {
	if params.OpenIDRetries == 0 {
		params.OpenIDRetries = DefaultOpenIDRetries
	}
	if params.OpenIDRetryInterval == 0 {
		params.OpenIDRetryInterval = DefaultOpenIDRetryInterval
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	c := &Connection{
		params: params,
		scope:  scope,
		logger: params.Logger.WithValues("transport", params.Transport.String()),
		state: reactive.NewSource(
			types.ConnectionState{Kind: types.ConnectionInitialized},
			reactive.WithEqual(types.ConnectionState.Equal),
		),
		participants: reactive.NewSource[[]*types.RemoteParticipant](
			nil,
			reactive.WithEqual(types.ParticipantsEqual),
		),
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	scope.OnEnd(c.Stop)
	scope.OnEnd(params.MediaRoom.OnStateChange(c.onMediaRoomState))
	scope.OnEnd(params.MediaRoom.OnParticipantsChanged(c.onParticipantsChanged))
	return c
}

func (c *Connection) Transport() types.Transport {
	return c.params.Transport
}

func (c *Connection) State() reactive.Behavior[types.ConnectionState] {
	return c.state.Behavior()
}

// RemoteParticipants mirrors the participants attached to this transport. It
// is empty until connected.
func (c *Connection) RemoteParticipants() reactive.Behavior[[]*types.RemoteParticipant] {
	return c.participants.Behavior()
}

// Start authenticates, fetches the transport's credentials and connects. A
// failure leaves the connection in Error and returns the same error. Start
// may be called again after an error or after the media room disconnected;
// it is never retried automatically.
func (c *Connection) Start(ctx context.Context) error {
	c.lock.Lock()
	if c.stopped.IsBroken() {
		c.lock.Unlock()
		return ErrConnectionStopped
	}
	kind := c.state.Value().Kind
	if c.starting || !canStart(kind) {
		c.lock.Unlock()
		return ErrConnectionStarted
	}
	c.starting = true
	c.attached = false
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		c.starting = false
		c.lock.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	startedAt := time.Now()
	prometheus.ConnectionStartAttempt()

	if !c.setState(types.ConnectionState{Kind: types.ConnectionFetchingConfig}) {
		return ErrConnectionStopped
	}

	token, err := c.fetchOpenIDToken(ctx)
	if c.stopped.IsBroken() {
		return ErrConnectionStopped
	}
	if err != nil {
		return c.fail(NewConnectionError(ErrAuthTokenFailure, c.params.Transport, err))
	}

	sfuConfig, err := c.params.SFUConfig.GetSFUConfig(ctx, c.params.Transport, &SFUConfigRequest{
		Room:        c.params.Room,
		OpenIDToken: token,
		DeviceID:    c.params.OpenID.DeviceID(),
	})
	if c.stopped.IsBroken() {
		return ErrConnectionStopped
	}
	if err != nil {
		return c.fail(classify(c.params.Transport, err))
	}

	c.lock.Lock()
	c.attached = true
	c.lock.Unlock()

	if !c.setState(types.ConnectionState{Kind: types.ConnectionLivekitDisconnected}) ||
		!c.setState(types.ConnectionState{Kind: types.ConnectionLivekitConnecting}) {
		return ErrConnectionStopped
	}

	c.logger.Debugw("connecting to media room", "url", sfuConfig.URL)
	err = c.params.MediaRoom.Connect(ctx, sfuConfig.URL, sfuConfig.JWT)
	if c.stopped.IsBroken() {
		// Stop may have run before the room finished connecting
		c.params.MediaRoom.Disconnect()
		return ErrConnectionStopped
	}
	if err != nil {
		c.lock.Lock()
		c.attached = false
		c.lock.Unlock()
		return c.fail(classify(c.params.Transport, err))
	}

	if !c.setState(types.ConnectionState{Kind: types.ConnectionLivekitConnected}) {
		return ErrConnectionStopped
	}
	prometheus.ConnectionStartSucceeded(startedAt)
	c.logger.Infow("connected to transport", "duration", time.Since(startedAt))
	return nil
}

// Stop disconnects and moves to Stopped. Idempotent; once stopped, no other
// state is emitted.
func (c *Connection) Stop() {
	c.lock.Lock()
	if c.stopped.IsBroken() {
		c.lock.Unlock()
		return
	}
	c.stopped.Break()
	c.attached = false
	c.lock.Unlock()
	c.cancel()

	c.params.MediaRoom.Disconnect()
	c.participants.Set(nil)
	c.state.Set(types.ConnectionState{Kind: types.ConnectionStopped})
	prometheus.ConnectionStateChanged(types.ConnectionStopped.String())
	c.logger.Debugw("connection stopped")

	c.scope.End()
}

func canStart(kind types.ConnectionStateKind) bool {
	switch kind {
	case types.ConnectionInitialized, types.ConnectionError, types.ConnectionLivekitDisconnected:
		return true
	}
	return false
}

func (c *Connection) IsStopped() bool {
	return c.stopped.IsBroken()
}

func (c *Connection) fetchOpenIDToken(ctx context.Context) (*types.OpenIDToken, error) {
	var token *types.OpenIDToken

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.params.OpenIDRetryInterval
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		t, err := c.params.OpenID.GetOpenIDToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		token = t
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.params.OpenIDRetries), ctx), func(err error, wait time.Duration) {
		c.logger.Debugw("retrying openid token fetch", "error", err, "wait", wait)
	})
	if err != nil {
		if permanent, ok := err.(*backoff.PermanentError); ok {
			err = permanent.Err
		}
		return nil, err
	}
	return token, nil
}

// setState emits next unless the connection has stopped. It returns false
// once stopped.
func (c *Connection) setState(next types.ConnectionState) bool {
	applied := false
	c.state.Update(func(cur types.ConnectionState) (types.ConnectionState, bool) {
		if c.stopped.IsBroken() || cur.Kind == types.ConnectionStopped {
			return cur, false
		}
		applied = true
		return next, true
	})
	if applied {
		prometheus.ConnectionStateChanged(next.Kind.String())
	}
	return applied && !c.stopped.IsBroken()
}

func (c *Connection) fail(err *ConnectionError) error {
	if !c.setState(types.ConnectionState{Kind: types.ConnectionError, Err: err}) {
		return ErrConnectionStopped
	}
	prometheus.ConnectionFailed(errorKindLabel(err.Kind))
	c.logger.Warnw("connection failed", err, "reconnectable", err.Reconnectable())
	return err
}

func (c *Connection) onMediaRoomState(s types.MediaRoomState) {
	c.lock.Lock()
	attached := c.attached
	c.lock.Unlock()
	if !attached {
		return
	}

	var kind types.ConnectionStateKind
	switch s {
	case types.MediaRoomConnecting:
		kind = types.ConnectionLivekitConnecting
	case types.MediaRoomConnected:
		kind = types.ConnectionLivekitConnected
	case types.MediaRoomReconnecting:
		kind = types.ConnectionLivekitReconnecting
	case types.MediaRoomSignalReconnecting:
		kind = types.ConnectionLivekitSignalReconnecting
	default:
		kind = types.ConnectionLivekitDisconnected
	}

	c.state.Update(func(cur types.ConnectionState) (types.ConnectionState, bool) {
		if c.stopped.IsBroken() || cur.Kind.IsTerminal() {
			return cur, false
		}
		return types.ConnectionState{Kind: kind}, true
	})
	if kind == types.ConnectionLivekitDisconnected {
		// nothing is attached to a disconnected room
		c.onParticipantsChanged(nil)
	}
}

func (c *Connection) onParticipantsChanged(participants []*types.RemoteParticipant) {
	c.participants.Update(func(cur []*types.RemoteParticipant) ([]*types.RemoteParticipant, bool) {
		if c.stopped.IsBroken() {
			return cur, false
		}
		return participants, true
	})
}

func errorKindLabel(kind error) string {
	switch kind {
	case ErrAuthTokenFailure:
		return "auth_token"
	case ErrCapacityExceeded:
		return "capacity"
	case ErrRoomCreationRestricted:
		return "restricted"
	case ErrTransportMissing:
		return "transport_missing"
	default:
		return "unknown"
	}
}
