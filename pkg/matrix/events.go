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

package matrix

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

const (
	EventCallMember         = "org.matrix.msc3401.call.member"
	EventRTCNotification    = "org.matrix.msc4075.rtc.notification"
	EventRTCDecline         = "org.matrix.msc4310.rtc.decline"
	stableEventCallMember   = "m.call.member"
	stableEventNotification = "m.rtc.notification"
	stableEventDecline      = "m.rtc.decline"

	focusTypeLivekit     = "livekit"
	notificationTypeRing = "ring"
)

var ErrMalformedEvent = errors.New("malformed room event")

// RoomEvent is a room event as delivered by the homeserver.
type RoomEvent struct {
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         id.UserID       `json:"sender"`
	EventID        id.EventID      `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

type focus struct {
	Type       string `json:"type"`
	ServiceURL string `json:"livekit_service_url"`
	Alias      string `json:"livekit_alias"`
}

type callMemberContent struct {
	Application   string      `json:"application"`
	CallID        string      `json:"call_id"`
	DeviceID      id.DeviceID `json:"device_id"`
	FociPreferred []focus     `json:"foci_preferred"`
	CreatedTS     int64       `json:"created_ts"`
	// milliseconds after creation
	Expires int64 `json:"expires"`
}

type notificationContent struct {
	NotificationType string `json:"notification_type"`
	// milliseconds
	Lifetime int64 `json:"lifetime"`
}

type declineContent struct {
	RelatesTo struct {
		RelType string     `json:"rel_type"`
		EventID id.EventID `json:"event_id"`
	} `json:"m.relates_to"`
}

// EventSource pushes room events to a registered handler.
type EventSource interface {
	OnEvent(fn func(*RoomEvent)) (off func())
}

// EventAdapter turns room events into the membership source and the ring
// and decline streams of one call.
type EventAdapter struct {
	scope  *reactive.Scope
	logger logger.Logger
	now    func() time.Time

	lock        sync.Mutex
	members     *orderedmap.OrderedMap[string, *types.SessionMembership]
	memberships *reactive.Source[[]*types.SessionMembership]

	notifications *reactive.Emitter[*types.RingNotification]
	declines      *reactive.Emitter[*types.DeclineEvent]
}

func NewEventAdapter(scope *reactive.Scope, log logger.Logger) *EventAdapter {
	if log == nil {
		log = logger.GetLogger()
	}
	return &EventAdapter{
		scope:         scope,
		logger:        log.WithName("events"),
		now:           time.Now,
		members:       orderedmap.NewOrderedMap[string, *types.SessionMembership](),
		memberships:   reactive.NewSource[[]*types.SessionMembership](nil),
		notifications: reactive.NewEmitter[*types.RingNotification](),
		declines:      reactive.NewEmitter[*types.DeclineEvent](),
	}
}

// Bind feeds events from src until the adapter's scope ends.
func (a *EventAdapter) Bind(src EventSource) {
	if a.scope.IsEnded() {
		return
	}
	a.scope.OnEnd(src.OnEvent(func(evt *RoomEvent) {
		if err := a.HandleEvent(evt); err != nil {
			a.logger.Debugw("dropping room event", "error", err, "type", evt.Type, "eventID", evt.EventID)
		}
	}))
}

func (a *EventAdapter) Memberships() reactive.Behavior[[]*types.SessionMembership] {
	return a.memberships.Behavior()
}

func (a *EventAdapter) Notifications() reactive.Stream[*types.RingNotification] {
	return a.notifications.Stream()
}

func (a *EventAdapter) Declines() reactive.Stream[*types.DeclineEvent] {
	return a.declines.Stream()
}

func (a *EventAdapter) HandleRaw(data []byte) error {
	var evt RoomEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return a.HandleEvent(&evt)
}

// HandleEvent applies evt. Unrelated event types are ignored.
func (a *EventAdapter) HandleEvent(evt *RoomEvent) error {
	if a.scope.IsEnded() {
		return nil
	}
	switch evt.Type {
	case EventCallMember, stableEventCallMember:
		return a.handleMember(evt)
	case EventRTCNotification, stableEventNotification:
		return a.handleNotification(evt)
	case EventRTCDecline, stableEventDecline:
		return a.handleDecline(evt)
	default:
		return nil
	}
}

func (a *EventAdapter) handleMember(evt *RoomEvent) error {
	if evt.StateKey == nil {
		return errors.Wrap(ErrMalformedEvent, "call member event without state key")
	}
	key := *evt.StateKey

	var content callMemberContent
	if len(evt.Content) > 0 {
		if err := json.Unmarshal(evt.Content, &content); err != nil {
			return errors.Wrap(ErrMalformedEvent, err.Error())
		}
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if content.DeviceID == "" {
		// empty content is a leave
		if a.members.Delete(key) {
			a.logger.Debugw("member left", "stateKey", key)
			a.publishLocked()
		}
		return nil
	}

	createdTS := content.CreatedTS
	if createdTS == 0 {
		createdTS = evt.OriginServerTS
	}
	if content.Expires > 0 && a.now().UnixMilli() > createdTS+content.Expires {
		a.logger.Debugw("ignoring expired membership", "stateKey", key)
		if a.members.Delete(key) {
			a.publishLocked()
		}
		return nil
	}

	m := &types.SessionMembership{
		UserID:    evt.Sender,
		DeviceID:  content.DeviceID,
		Transport: preferredTransport(content.FociPreferred),
		CreatedTS: createdTS,
	}
	if prev, ok := a.members.Get(key); ok && prev.Equal(m) {
		return nil
	}
	a.members.Set(key, m)
	a.logger.Debugw("member updated", "stateKey", key, "transport", m.Transport)
	a.publishLocked()
	return nil
}

func (a *EventAdapter) publishLocked() {
	next := make([]*types.SessionMembership, 0, a.members.Len())
	for el := a.members.Front(); el != nil; el = el.Next() {
		next = append(next, el.Value)
	}
	a.memberships.Set(next)
}

func (a *EventAdapter) handleNotification(evt *RoomEvent) error {
	var content notificationContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if content.NotificationType != notificationTypeRing {
		return nil
	}
	a.notifications.Emit(&types.RingNotification{
		EventID:  evt.EventID,
		Sender:   evt.Sender,
		Lifetime: time.Duration(content.Lifetime) * time.Millisecond,
	})
	return nil
}

func (a *EventAdapter) handleDecline(evt *RoomEvent) error {
	var content declineContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if content.RelatesTo.EventID == "" {
		return errors.Wrap(ErrMalformedEvent, "decline without a related event")
	}
	a.declines.Emit(&types.DeclineEvent{
		EventID:   evt.EventID,
		Sender:    evt.Sender,
		RelatesTo: content.RelatesTo.EventID,
	})
	return nil
}

// preferredTransport is the first livekit focus with a service URL.
func preferredTransport(foci []focus) *types.Transport {
	for _, f := range foci {
		if !strings.EqualFold(f.Type, focusTypeLivekit) || f.ServiceURL == "" {
			continue
		}
		return &types.Transport{ServiceURL: f.ServiceURL, Alias: f.Alias}
	}
	return nil
}
