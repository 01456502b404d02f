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
	"github.com/livekit/protocol/livekit"
)

// RemoteParticipant is a snapshot of a participant attached to one transport.
// A new snapshot is created whenever the participant's info changes, so
// pointer equality means nothing changed.
type RemoteParticipant struct {
	Identity livekit.ParticipantIdentity
	SID      livekit.ParticipantID
	Name     string
	Metadata string
	Tracks   []*livekit.TrackInfo
	Version  uint32
}

func NewRemoteParticipant(pi *livekit.ParticipantInfo) *RemoteParticipant {
	return &RemoteParticipant{
		Identity: livekit.ParticipantIdentity(pi.Identity),
		SID:      livekit.ParticipantID(pi.Sid),
		Name:     pi.Name,
		Metadata: pi.Metadata,
		Tracks:   pi.Tracks,
		Version:  pi.Version,
	}
}

func (p *RemoteParticipant) HasPublished(kind livekit.TrackType) bool {
	for _, t := range p.Tracks {
		if t.Type == kind && !t.Muted {
			return true
		}
	}
	return false
}

func FindParticipant(participants []*RemoteParticipant, identity livekit.ParticipantIdentity) *RemoteParticipant {
	for _, p := range participants {
		if p.Identity == identity {
			return p
		}
	}
	return nil
}

func ParticipantsEqual(a, b []*RemoteParticipant) bool {
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
