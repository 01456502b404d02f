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

package types

import (
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/livekit/protocol/livekit"
)

// Transport identifies a media backend. Two transports are the same backend
// iff both fields match, so Transport is usable as a map key.
type Transport struct {
	ServiceURL string `yaml:"service_url,omitempty" json:"livekit_service_url"`
	Alias      string `yaml:"alias,omitempty" json:"livekit_alias"`
}

func (t Transport) String() string {
	if t.Alias == "" {
		return t.ServiceURL
	}
	return fmt.Sprintf("%s#%s", t.ServiceURL, t.Alias)
}

func (t Transport) IsValid() bool {
	return t.ServiceURL != ""
}

// DedupeTransports returns the distinct valid transports in first-seen order.
func DedupeTransports(transports []Transport) []Transport {
	seen := make(map[Transport]struct{}, len(transports))
	out := make([]Transport, 0, len(transports))
	for _, t := range transports {
		if !t.IsValid() {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func TransportsEqual(a, b []Transport) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SessionMembership is a room member's declared intent to take part in the
// call on a given transport. Values are owned by the room layer and must not
// be mutated.
type SessionMembership struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	Transport *Transport
	// unix milliseconds
	CreatedTS int64
}

// MemberID is the per-device participant identity a member publishes under.
func (m *SessionMembership) MemberID() livekit.ParticipantIdentity {
	return MemberIdentity(m.UserID, m.DeviceID)
}

func MemberIdentity(userID id.UserID, deviceID id.DeviceID) livekit.ParticipantIdentity {
	return livekit.ParticipantIdentity(fmt.Sprintf("%s:%s", userID, deviceID))
}

func (m *SessionMembership) Equal(other *SessionMembership) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	if m.UserID != other.UserID || m.DeviceID != other.DeviceID || m.CreatedTS != other.CreatedTS {
		return false
	}
	switch {
	case m.Transport == nil && other.Transport == nil:
		return true
	case m.Transport == nil || other.Transport == nil:
		return false
	default:
		return *m.Transport == *other.Transport
	}
}

func (m *SessionMembership) String() string {
	return fmt.Sprintf("SessionMembership{user: %s, device: %s, transport: %v}", m.UserID, m.DeviceID, m.Transport)
}
