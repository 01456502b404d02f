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

	"github.com/livekit/protocol/logger"
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/telemetry/prometheus"
)

type CallPickupState string

const (
	// PickupDisabled is reported when the call does not wait for pickup.
	PickupDisabled CallPickupState = ""
	PickupUnknown  CallPickupState = "unknown"
	PickupRinging  CallPickupState = "ringing"
	PickupTimeout  CallPickupState = "timeout"
	PickupDecline  CallPickupState = "decline"
	PickupSuccess  CallPickupState = "success"
)

func (s CallPickupState) String() string {
	if s == PickupDisabled {
		return "disabled"
	}
	return string(s)
}

type AutoLeaveReason string

const (
	AutoLeaveAllOthersLeft AutoLeaveReason = "allOthersLeft"
	AutoLeaveTimeout       AutoLeaveReason = "timeout"
	AutoLeaveDecline       AutoLeaveReason = "decline"
)

type Timer interface {
	Stop() bool
}

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock schedules on the runtime timer.
var RealClock Clock = realClock{}

type CallPickupParams struct {
	LocalUser     id.UserID
	Notifications reactive.Stream[*types.RingNotification]
	Declines      reactive.Stream[*types.DeclineEvent]
	Memberships   reactive.Behavior[[]*types.SessionMembership]

	WaitForCallPickup       bool
	AutoLeaveWhenOthersLeft bool

	Clock  Clock
	Logger logger.Logger
}

// CallPickup tracks whether an outgoing call was picked up. Transitions are
// applied under one lock, so when a timeout and a decline race the one applied
// first is final.
type CallPickup struct {
	params CallPickupParams
	scope  *reactive.Scope
	logger logger.Logger

	state     *reactive.Source[CallPickupState]
	autoLeave *reactive.Emitter[AutoLeaveReason]

	lock   sync.Mutex
	active id.EventID
	timer  Timer
	others int
	primed bool
}

func NewCallPickup(scope *reactive.Scope, params CallPickupParams) *CallPickup {
	if params.Clock == nil {
		params.Clock = RealClock
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	initial := PickupDisabled
	if params.WaitForCallPickup {
		initial = PickupUnknown
	}

	p := &CallPickup{
		params:    params,
		scope:     scope,
		logger:    params.Logger.WithName("callpickup"),
		state:     reactive.NewSource(initial, reactive.Distinct[CallPickupState]()),
		autoLeave: reactive.NewEmitter[AutoLeaveReason](),
	}

	scope.OnEnd(p.stopTimer)
	if params.Memberships != nil {
		reactive.Observe[[]*types.SessionMembership](scope, params.Memberships, p.onMemberships)
	}
	if params.Notifications != nil {
		reactive.Observe[*types.RingNotification](scope, params.Notifications, p.onNotification)
	}
	if params.Declines != nil {
		reactive.Observe[*types.DeclineEvent](scope, params.Declines, p.onDecline)
	}
	return p
}

// State is PickupDisabled for the lifetime of a call that does not wait for
// pickup.
func (p *CallPickup) State() reactive.Behavior[CallPickupState] {
	return p.state.Behavior()
}

func (p *CallPickup) AutoLeave() reactive.Stream[AutoLeaveReason] {
	return p.autoLeave.Stream()
}

func (p *CallPickup) OnAutoLeave(fn func(AutoLeaveReason)) (off func()) {
	return p.autoLeave.Subscribe(fn)
}

func (p *CallPickup) onNotification(n *types.RingNotification) {
	if !p.params.WaitForCallPickup || n == nil {
		return
	}
	if n.Sender != p.params.LocalUser {
		p.logger.Debugw("notification ignored, not sent by local user", "eventID", n.EventID, "sender", n.Sender)
		return
	}

	p.lock.Lock()
	if p.state.Value() == PickupSuccess {
		p.lock.Unlock()
		p.logger.Debugw("notification ignored, call already picked up", "eventID", n.EventID)
		return
	}
	p.stopTimerLocked()
	p.active = n.EventID

	var leave []AutoLeaveReason
	if n.Lifetime <= 0 {
		leave = p.transitionLocked(PickupTimeout, leave)
	} else {
		eventID := n.EventID
		leave = p.transitionLocked(PickupRinging, leave)
		p.timer = p.params.Clock.AfterFunc(n.Lifetime, func() {
			p.onTimeout(eventID)
		})
	}
	p.lock.Unlock()

	p.logger.Debugw("notification sent", "eventID", n.EventID, "lifetime", n.Lifetime)
	p.emit(leave)
}

func (p *CallPickup) onTimeout(eventID id.EventID) {
	p.lock.Lock()
	if p.scope.IsEnded() || p.active != eventID || p.state.Value() != PickupRinging {
		p.lock.Unlock()
		return
	}
	p.timer = nil
	leave := p.transitionLocked(PickupTimeout, nil)
	p.lock.Unlock()

	p.emit(leave)
}

func (p *CallPickup) onDecline(d *types.DeclineEvent) {
	if !p.params.WaitForCallPickup || d == nil {
		return
	}

	p.lock.Lock()
	switch {
	case d.Sender == p.params.LocalUser,
		p.active == "",
		d.RelatesTo != p.active,
		p.state.Value() != PickupRinging:
		state := p.state.Value()
		p.lock.Unlock()
		p.logger.Debugw("decline ignored",
			"eventID", d.EventID,
			"relatesTo", d.RelatesTo,
			"sender", d.Sender,
			"state", state,
		)
		return
	}
	p.stopTimerLocked()
	leave := p.transitionLocked(PickupDecline, nil)
	p.lock.Unlock()

	p.emit(leave)
}

func (p *CallPickup) onMemberships(memberships []*types.SessionMembership) {
	others := countOthers(memberships, p.params.LocalUser)

	p.lock.Lock()
	hadOthers := p.primed && p.others > 0
	p.others = others
	p.primed = true

	var leave []AutoLeaveReason
	if p.params.WaitForCallPickup && others > 0 {
		switch p.state.Value() {
		case PickupUnknown, PickupRinging:
			p.stopTimerLocked()
			leave = p.transitionLocked(PickupSuccess, leave)
		}
	}
	if p.params.AutoLeaveWhenOthersLeft && hadOthers && others == 0 {
		leave = append(leave, AutoLeaveAllOthersLeft)
	}
	p.lock.Unlock()

	p.emit(leave)
}

// transitionLocked sets next and queues the auto-leave it implies.
func (p *CallPickup) transitionLocked(next CallPickupState, leave []AutoLeaveReason) []AutoLeaveReason {
	if p.state.Value() == next {
		return leave
	}
	p.state.Set(next)
	prometheus.PickupStateChanged(next.String())
	p.logger.Infow("call pickup state changed", "state", next, "eventID", p.active)

	switch next {
	case PickupTimeout:
		leave = append(leave, AutoLeaveTimeout)
	case PickupDecline:
		leave = append(leave, AutoLeaveDecline)
	}
	return leave
}

func (p *CallPickup) emit(reasons []AutoLeaveReason) {
	for _, r := range reasons {
		prometheus.AutoLeaveTriggered(string(r))
		p.logger.Infow("auto leave", "reason", r)
		p.autoLeave.Emit(r)
	}
}

func (p *CallPickup) stopTimer() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.stopTimerLocked()
}

func (p *CallPickup) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// countOthers counts distinct users other than local.
func countOthers(memberships []*types.SessionMembership, local id.UserID) int {
	seen := make(map[id.UserID]struct{}, len(memberships))
	for _, m := range memberships {
		if m.UserID == local {
			continue
		}
		seen[m.UserID] = struct{}{}
	}
	return len(seen)
}
