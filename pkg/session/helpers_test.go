package session_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/session"
)

const (
	localUser   id.UserID   = "@me:example.org"
	localDevice id.DeviceID = "DEVICE"
)

var (
	transportA = types.Transport{ServiceURL: "https://sfu-a.example.org", Alias: "!room:example.org"}
	transportB = types.Transport{ServiceURL: "https://sfu-b.example.org", Alias: "!room:example.org"}
	transportC = types.Transport{ServiceURL: "https://sfu-c.example.org", Alias: "!room:example.org"}
)

func member(user id.UserID, device id.DeviceID, t *types.Transport) *types.SessionMembership {
	return &types.SessionMembership{UserID: user, DeviceID: device, Transport: t}
}

func evt(s string) id.EventID {
	return id.EventID(s)
}

func uid(s string) id.UserID {
	return id.UserID(s)
}

type fakeClock struct {
	lock   sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in order, outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.lock.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.lock.Lock()
	defer t.clock.lock.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeSFUConfig struct{}

func (fakeSFUConfig) GetSFUConfig(_ context.Context, transport types.Transport, _ *rtc.SFUConfigRequest) (*rtc.SFUConfig, error) {
	return &rtc.SFUConfig{URL: "wss://" + transport.ServiceURL, JWT: "jwt"}, nil
}

type recorder[T any] struct {
	lock   sync.Mutex
	values []T
}

func (r *recorder[T]) add(v T) {
	r.lock.Lock()
	r.values = append(r.values, v)
	r.lock.Unlock()
}

func (r *recorder[T]) Values() []T {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]T(nil), r.values...)
}
