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
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/telemetry/prometheus"
)

// LiveMember is a membership merged with the connection for its declared
// transport and the participant that connection reports for it. Each part
// re-emits only when it changes.
type LiveMember struct {
	identity   livekit.ParticipantIdentity
	generation uint64

	membership  *reactive.Source[*types.SessionMembership]
	connection  *reactive.Source[*rtc.Connection]
	participant *reactive.Source[*types.RemoteParticipant]
}

func newLiveMember(
	m *types.SessionMembership,
	conn *rtc.Connection,
	p *types.RemoteParticipant,
	generation uint64,
) *LiveMember {
	return &LiveMember{
		identity:   m.MemberID(),
		generation: generation,
		membership: reactive.NewSource(m, reactive.WithEqual(func(a, b *types.SessionMembership) bool {
			return a.Equal(b)
		})),
		connection:  reactive.NewSource(conn, reactive.Distinct[*rtc.Connection]()),
		participant: reactive.NewSource(p, reactive.Distinct[*types.RemoteParticipant]()),
	}
}

func (l *LiveMember) update(m *types.SessionMembership, conn *rtc.Connection, p *types.RemoteParticipant) {
	l.membership.Set(m)
	l.connection.Set(conn)
	l.participant.Set(p)
}

// Identity is the per-device participant identity of the member.
func (l *LiveMember) Identity() livekit.ParticipantIdentity {
	return l.identity
}

// Generation is the connection aggregate generation this member was built
// against.
func (l *LiveMember) Generation() uint64 {
	return l.generation
}

func (l *LiveMember) UserID() id.UserID {
	return l.membership.Value().UserID
}

func (l *LiveMember) Membership() reactive.Behavior[*types.SessionMembership] {
	return l.membership.Behavior()
}

// Connection is nil while no connection exists for the declared transport.
func (l *LiveMember) Connection() reactive.Behavior[*rtc.Connection] {
	return l.connection.Behavior()
}

// Participant is nil until the declared transport's connection reports the
// member, even if it is live on another transport.
func (l *LiveMember) Participant() reactive.Behavior[*types.RemoteParticipant] {
	return l.participant.Behavior()
}

// LiveMembers merges memberships with the connection aggregate. A LiveMember
// is reused while its identity persists within one aggregate generation; a
// new generation rebuilds every member.
func LiveMembers(
	scope *reactive.Scope,
	memberships reactive.Behavior[[]*types.SessionMembership],
	aggregate reactive.Behavior[reactive.Epoch[*rtc.ConnectionAggregate]],
	log logger.Logger,
) reactive.Behavior[reactive.Epoch[[]*LiveMember]] {
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.WithName("livemembers")

	var (
		prev    map[livekit.ParticipantIdentity]*LiveMember
		prevGen uint64
		built   bool
	)

	compute := func() reactive.Epoch[[]*LiveMember] {
		ms := memberships.Value()
		agg := aggregate.Value()
		reuse := built && agg.Epoch == prevGen

		next := make(map[livekit.ParticipantIdentity]*LiveMember, len(ms))
		members := make([]*LiveMember, 0, len(ms))
		publishing := 0
		for _, m := range ms {
			identity := m.MemberID()
			if _, ok := next[identity]; ok {
				log.Debugw("duplicate membership ignored", "identity", identity)
				continue
			}

			conn, p := resolve(m, agg.Value, log)
			if p != nil {
				publishing++
			}

			var lm *LiveMember
			if reuse {
				lm = prev[identity]
			}
			if lm == nil {
				lm = newLiveMember(m, conn, p, agg.Epoch)
			} else {
				lm.update(m, conn, p)
			}
			next[identity] = lm
			members = append(members, lm)
		}

		prev, prevGen, built = next, agg.Epoch, true
		prometheus.SetLiveMembers(publishing, len(members)-publishing)
		return reactive.NewEpoch(members, agg.Epoch)
	}

	return reactive.Derive(
		scope,
		compute,
		[]reactive.Observable{memberships, aggregate},
		reactive.EpochEqual(sameMembers),
	)
}

// resolve looks the member up on the connection for its declared transport
// only.
func resolve(
	m *types.SessionMembership,
	agg *rtc.ConnectionAggregate,
	log logger.Logger,
) (*rtc.Connection, *types.RemoteParticipant) {
	identity := m.MemberID()

	var (
		conn *rtc.Connection
		p    *types.RemoteParticipant
	)
	if m.Transport != nil {
		conn = agg.Connection(*m.Transport)
		if conn != nil {
			p = agg.ParticipantByIdentity(*m.Transport, identity)
		}
	}

	if p == nil {
		if actual, ok := agg.LocateIdentity(identity); ok {
			log.Debugw("member is publishing on a transport it did not declare",
				"identity", identity,
				"declared", m.Transport,
				"actual", actual,
			)
		}
	}
	return conn, p
}

func sameMembers(a, b []*LiveMember) bool {
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
