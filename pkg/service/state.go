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

package service

import (
	"time"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/session"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/telemetry/prometheus"
)

type TransportState struct {
	Transport    string `json:"transport"`
	Local        bool   `json:"local"`
	State        string `json:"state"`
	Participants int    `json:"participants"`
}

type MemberState struct {
	Identity   string    `json:"identity"`
	UserID     string    `json:"user_id"`
	Transport  string    `json:"transport,omitempty"`
	Connection string    `json:"connection,omitempty"`
	Publishing bool      `json:"publishing"`
	JoinedAt   time.Time `json:"joined_at"`
}

// CallState is a point in time view of a call session.
type CallState struct {
	Room        string                `json:"room"`
	Local       string                `json:"local_transport,omitempty"`
	Pickup      string                `json:"pickup"`
	Generation  uint64                `json:"generation"`
	Transports  []TransportState      `json:"transports"`
	Members     []MemberState         `json:"members"`
	Stats       prometheus.CallStats  `json:"stats"`
	Host        *prometheus.HostStats `json:"host,omitempty"`
	CollectedAt time.Time             `json:"collected_at"`
}

func BuildCallState(room string, s *session.CallSession) *CallState {
	state := &CallState{
		Room:        room,
		Pickup:      s.PickupState().Value().String(),
		Stats:       prometheus.GetCallStats(),
		CollectedAt: time.Now(),
	}

	local := s.LocalTransport().Value()
	if local != nil {
		state.Local = local.String()
	}

	aggregate := s.Connections().Value()
	state.Generation = aggregate.Epoch
	if agg := aggregate.Value; agg != nil {
		for _, t := range agg.Transports() {
			ts := TransportState{
				Transport:    t.String(),
				Local:        local != nil && *local == t,
				Participants: len(agg.Participants(t)),
			}
			if conn := agg.Connection(t); conn != nil {
				ts.State = conn.State().Value().String()
			}
			state.Transports = append(state.Transports, ts)
		}
	}

	for _, m := range s.LiveMembers().Value().Value {
		membership := m.Membership().Value()
		ms := MemberState{
			Identity:   string(m.Identity()),
			UserID:     string(m.UserID()),
			Publishing: m.Participant().Value() != nil,
		}
		if membership != nil {
			if membership.Transport != nil {
				ms.Transport = membership.Transport.String()
			}
			if membership.CreatedTS > 0 {
				ms.JoinedAt = time.UnixMilli(membership.CreatedTS)
			}
		}
		ms.Connection = connectionState(m.Connection().Value())
		state.Members = append(state.Members, ms)
	}

	if host, err := prometheus.UpdateHostStats(); err == nil {
		state.Host = host
	}
	return state
}

func connectionState(conn *rtc.Connection) string {
	if conn == nil {
		return ""
	}
	return conn.State().Value().String()
}
