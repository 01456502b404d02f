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

package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/config"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/service"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/session"
)

const redacted = "<redacted>"

func printDeviceID(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if conf.Homeserver.UserID == "" {
		return config.ErrUserNotSet
	}
	fmt.Println("Device ID: ", conf.Homeserver.DeviceID)
	return nil
}

func printConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if conf.Homeserver.AccessToken != "" {
		conf.Homeserver.AccessToken = redacted
	}
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

// callView redraws the call state when the session changes, at most once
// per interval.
type callView struct {
	out       io.Writer
	state     service.StateProvider
	debounced func(func())

	lock  sync.Mutex
	scope *reactive.Scope
}

func newCallView(out io.Writer, state service.StateProvider, interval time.Duration) *callView {
	return &callView{
		out:       out,
		state:     state,
		debounced: debounce.New(interval),
		scope:     reactive.NewScope(),
	}
}

func (v *callView) Watch(s *session.CallSession) {
	schedule := func() { v.debounced(v.Render) }
	reactive.Observe[reactive.Epoch[[]*session.LiveMember]](v.scope, s.LiveMembers(), func(reactive.Epoch[[]*session.LiveMember]) {
		schedule()
	})
	reactive.Observe[reactive.Epoch[*rtc.ConnectionAggregate]](v.scope, s.Connections(), func(reactive.Epoch[*rtc.ConnectionAggregate]) {
		schedule()
	})
	reactive.Observe[session.CallPickupState](v.scope, s.PickupState(), func(session.CallPickupState) {
		schedule()
	})
	reactive.Observe[*types.Transport](v.scope, s.LocalTransport(), func(*types.Transport) {
		schedule()
	})
}

func (v *callView) Stop() {
	v.scope.End()
}

func (v *callView) Render() {
	v.lock.Lock()
	defer v.lock.Unlock()
	renderCallState(v.out, v.state())
}

func renderCallState(out io.Writer, state *service.CallState) {
	local := state.Local
	if local == "" {
		local = "-"
	}
	fmt.Fprintf(out, "\nroom %s  local %s  pickup %s  generation %d\n", state.Room, local, state.Pickup, state.Generation)

	transports := tablewriter.NewWriter(out)
	transports.SetAutoWrapText(false)
	transports.SetHeader([]string{"Transport", "State", "Participants", "Local"})
	transports.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_CENTER,
	})
	for _, t := range state.Transports {
		transports.Append([]string{
			t.Transport,
			t.State,
			humanize.Comma(int64(t.Participants)),
			yesNo(t.Local),
		})
	}
	transports.Render()

	members := tablewriter.NewWriter(out)
	members.SetAutoWrapText(false)
	members.SetHeader([]string{"Member", "Transport", "Connection", "Publishing", "Joined"})
	members.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT,
	})
	for _, m := range state.Members {
		joined := "-"
		if !m.JoinedAt.IsZero() {
			joined = humanize.RelTime(m.JoinedAt, state.CollectedAt, "ago", "from now")
		}
		transport := m.Transport
		if transport == "" {
			transport = "-"
		}
		connection := m.Connection
		if connection == "" {
			connection = "-"
		}
		members.Append([]string{m.Identity, transport, connection, yesNo(m.Publishing), joined})
	}
	members.Render()

	fmt.Fprintf(out, "connections %s  starts %s/%s  failures %s  auto leaves %s\n",
		humanize.Comma(int64(state.Stats.Connections)),
		humanize.Comma(int64(state.Stats.ConnectionStartSuccess)),
		humanize.Comma(int64(state.Stats.ConnectionStartAttempts)),
		humanize.Comma(int64(state.Stats.ConnectionFailures)),
		humanize.Comma(int64(state.Stats.AutoLeaves)),
	)
	if state.Host != nil {
		fmt.Fprintf(out, "host cpu %s%%  memory %s%%  load %.2f\n",
			humanize.FtoaWithDigits(float64(state.Host.CPULoad)*100, 1),
			humanize.FtoaWithDigits(float64(state.Host.MemoryLoad)*100, 1),
			state.Host.LoadAvg1,
		)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
