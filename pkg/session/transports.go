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
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

type RequiredTransportsParams struct {
	// Local is nil until the local device has joined.
	Local       reactive.Behavior[*types.Transport]
	LocalUser   id.UserID
	LocalDevice id.DeviceID
	Memberships reactive.Behavior[[]*types.SessionMembership]
}

// RequiredTransports lists the transports the call needs a connection to: the
// local one first, then every transport a remote member declared. The
// generation moves forward only when a transport leaves the list.
func RequiredTransports(scope *reactive.Scope, params RequiredTransportsParams) reactive.Behavior[reactive.Epoch[[]types.Transport]] {
	local := params.Local
	if local == nil {
		local = reactive.Constant[*types.Transport](nil)
	}
	localID := types.MemberIdentity(params.LocalUser, params.LocalDevice)

	var (
		prev  []types.Transport
		epoch uint64 = 1
	)
	compute := func() reactive.Epoch[[]types.Transport] {
		candidates := make([]types.Transport, 0, 1+len(params.Memberships.Value()))
		if t := local.Value(); t != nil {
			candidates = append(candidates, *t)
		}
		for _, m := range params.Memberships.Value() {
			if m.Transport == nil || m.MemberID() == localID {
				continue
			}
			candidates = append(candidates, *m.Transport)
		}
		next := types.DedupeTransports(candidates)

		if removed(prev, next) {
			epoch++
		}
		if !types.TransportsEqual(prev, next) {
			prev = next
		}
		return reactive.NewEpoch(prev, epoch)
	}

	return reactive.Derive(
		scope,
		compute,
		[]reactive.Observable{local, params.Memberships},
		reactive.EpochEqual(types.TransportsEqual),
	)
}

func removed(prev, next []types.Transport) bool {
	if len(prev) == 0 {
		return false
	}
	present := make(map[types.Transport]struct{}, len(next))
	for _, t := range next {
		present[t] = struct{}{}
	}
	for _, t := range prev {
		if _, ok := present[t]; !ok {
			return true
		}
	}
	return false
}
