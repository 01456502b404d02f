package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/session"
)

type pickupHarness struct {
	clock         *fakeClock
	memberships   *reactive.Source[[]*types.SessionMembership]
	notifications *reactive.Emitter[*types.RingNotification]
	declines      *reactive.Emitter[*types.DeclineEvent]
	pickup        *session.CallPickup

	states *recorder[session.CallPickupState]
	leaves *recorder[session.AutoLeaveReason]
}

func newPickupHarness(t *testing.T, wait, autoLeave bool) *pickupHarness {
	scope := reactive.NewScope()
	t.Cleanup(scope.End)

	h := &pickupHarness{
		clock:         &fakeClock{},
		memberships:   reactive.NewSource([]*types.SessionMembership{member(localUser, localDevice, &transportA)}),
		notifications: reactive.NewEmitter[*types.RingNotification](),
		declines:      reactive.NewEmitter[*types.DeclineEvent](),
		states:        &recorder[session.CallPickupState]{},
		leaves:        &recorder[session.AutoLeaveReason]{},
	}
	h.pickup = session.NewCallPickup(scope, session.CallPickupParams{
		LocalUser:               localUser,
		Notifications:           h.notifications.Stream(),
		Declines:                h.declines.Stream(),
		Memberships:             h.memberships.Behavior(),
		WaitForCallPickup:       wait,
		AutoLeaveWhenOthersLeft: autoLeave,
		Clock:                   h.clock,
	})
	h.pickup.State().Subscribe(h.states.add)
	h.pickup.OnAutoLeave(h.leaves.add)
	return h
}

func (h *pickupHarness) ring(eventID string, lifetime time.Duration) {
	h.notifications.Emit(&types.RingNotification{EventID: evt(eventID), Sender: localUser, Lifetime: lifetime})
}

func (h *pickupHarness) decline(relatesTo string, sender string) {
	h.declines.Emit(&types.DeclineEvent{EventID: "$decline", Sender: uid(sender), RelatesTo: evt(relatesTo)})
}

func (h *pickupHarness) join(user string) {
	current := h.memberships.Value()
	next := append(append([]*types.SessionMembership(nil), current...), member(uid(user), "OTHER", &transportA))
	h.memberships.Set(next)
}

func (h *pickupHarness) onlyLocal() {
	h.memberships.Set([]*types.SessionMembership{member(localUser, localDevice, &transportA)})
}

func TestCallPickup(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := newPickupHarness(t, false, false)
		h.ring("$ring", 30*time.Millisecond)
		h.join("@bob:example.org")
		h.clock.Advance(time.Second)

		require.Equal(t, []session.CallPickupState{session.PickupDisabled}, h.states.Values())
		require.Empty(t, h.leaves.Values())
	})

	t.Run("ringing then timeout", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$ring", 30*time.Millisecond)
		require.Equal(t, session.PickupRinging, h.pickup.State().Value())

		h.clock.Advance(29 * time.Millisecond)
		require.Equal(t, session.PickupRinging, h.pickup.State().Value())

		h.clock.Advance(time.Millisecond)
		require.Equal(t, session.PickupTimeout, h.pickup.State().Value())

		// a late decline does not revert the timeout
		h.decline("$ring", "@bob:example.org")
		h.join("@bob:example.org")

		require.Equal(t, []session.CallPickupState{
			session.PickupUnknown,
			session.PickupRinging,
			session.PickupTimeout,
		}, h.states.Values())
		require.Equal(t, []session.AutoLeaveReason{session.AutoLeaveTimeout}, h.leaves.Values())
	})

	t.Run("no lifetime times out immediately", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$ring", 0)

		require.Equal(t, []session.CallPickupState{
			session.PickupUnknown,
			session.PickupTimeout,
		}, h.states.Values())
		require.Zero(t, h.clock.Pending())
	})

	t.Run("pickup before timeout", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$ring", 30*time.Millisecond)
		h.clock.Advance(10 * time.Millisecond)
		h.join("@bob:example.org")
		h.clock.Advance(time.Second)

		require.Equal(t, []session.CallPickupState{
			session.PickupUnknown,
			session.PickupRinging,
			session.PickupSuccess,
		}, h.states.Values())
		require.Empty(t, h.leaves.Values())
	})

	t.Run("another member before any notification", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.join("@bob:example.org")
		require.Equal(t, session.PickupSuccess, h.pickup.State().Value())

		// once picked up, later notifications do not ring again
		h.ring("$ring", 30*time.Millisecond)
		require.Equal(t, session.PickupSuccess, h.pickup.State().Value())
	})

	t.Run("another local device is not a pickup", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$ring", 30*time.Millisecond)
		h.memberships.Set(append(h.memberships.Value(), member(localUser, "PHONE", &transportA)))
		require.Equal(t, session.PickupRinging, h.pickup.State().Value())
	})

	t.Run("decline matching", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$ring", 30*time.Millisecond)

		h.decline("$other", "@bob:example.org")
		require.Equal(t, session.PickupRinging, h.pickup.State().Value())

		h.decline("$ring", string(localUser))
		require.Equal(t, session.PickupRinging, h.pickup.State().Value())

		h.decline("$ring", "@bob:example.org")
		require.Equal(t, session.PickupDecline, h.pickup.State().Value())
		require.Equal(t, []session.AutoLeaveReason{session.AutoLeaveDecline}, h.leaves.Values())

		// the timer was cancelled
		h.clock.Advance(time.Second)
		require.Equal(t, session.PickupDecline, h.pickup.State().Value())
	})

	t.Run("decline of a replaced notification", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$first", 30*time.Millisecond)
		h.ring("$second", 30*time.Millisecond)

		h.decline("$first", "@bob:example.org")
		require.Equal(t, session.PickupRinging, h.pickup.State().Value())

		// only the second notification's timer is live
		require.Equal(t, 1, h.clock.Pending())
	})

	t.Run("ring from another user", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.notifications.Emit(&types.RingNotification{EventID: "$ring", Sender: "@bob:example.org", Lifetime: 30 * time.Millisecond})
		h.clock.Advance(time.Second)

		require.Equal(t, []session.CallPickupState{session.PickupUnknown}, h.states.Values())
		require.Empty(t, h.leaves.Values())
		require.Zero(t, h.clock.Pending())
	})
}

func TestCallPickupTieBreak(t *testing.T) {
	t.Run("timeout applied first", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$ring", 30*time.Millisecond)
		h.clock.Advance(30 * time.Millisecond)
		h.decline("$ring", "@bob:example.org")

		require.Equal(t, session.PickupTimeout, h.pickup.State().Value())
		require.Equal(t, []session.AutoLeaveReason{session.AutoLeaveTimeout}, h.leaves.Values())
	})

	t.Run("decline applied first", func(t *testing.T) {
		h := newPickupHarness(t, true, false)
		h.ring("$ring", 30*time.Millisecond)
		h.clock.Advance(29 * time.Millisecond)
		h.decline("$ring", "@bob:example.org")
		h.clock.Advance(time.Millisecond)

		require.Equal(t, session.PickupDecline, h.pickup.State().Value())
		require.Equal(t, []session.AutoLeaveReason{session.AutoLeaveDecline}, h.leaves.Values())
	})

	t.Run("concurrent", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			h := newPickupHarness(t, true, false)
			h.ring("$ring", 30*time.Millisecond)

			done := make(chan struct{})
			go func() {
				h.clock.Advance(30 * time.Millisecond)
				close(done)
			}()
			h.decline("$ring", "@bob:example.org")
			<-done

			// exactly one terminal state, and the auto-leave agrees with it
			state := h.pickup.State().Value()
			require.Contains(t, []session.CallPickupState{session.PickupTimeout, session.PickupDecline}, state)
			require.Equal(t, []session.AutoLeaveReason{session.AutoLeaveReason(state)}, h.leaves.Values())
		}
	})
}

func TestAutoLeaveWhenOthersLeft(t *testing.T) {
	t.Run("edge triggered", func(t *testing.T) {
		h := newPickupHarness(t, false, true)

		h.onlyLocal()
		require.Empty(t, h.leaves.Values())

		h.join("@bob:example.org")
		h.join("@carol:example.org")
		h.onlyLocal()
		require.Equal(t, []session.AutoLeaveReason{session.AutoLeaveAllOthersLeft}, h.leaves.Values())

		// staying alone does not emit again
		h.onlyLocal()
		h.memberships.Set(nil)
		require.Len(t, h.leaves.Values(), 1)

		h.join("@bob:example.org")
		h.onlyLocal()
		require.Len(t, h.leaves.Values(), 2)
	})

	t.Run("one of two leaving", func(t *testing.T) {
		h := newPickupHarness(t, false, true)
		h.join("@bob:example.org")
		h.join("@carol:example.org")

		h.memberships.Set(h.memberships.Value()[:2])
		require.Empty(t, h.leaves.Values())
	})

	t.Run("disabled", func(t *testing.T) {
		h := newPickupHarness(t, false, false)
		h.join("@bob:example.org")
		h.onlyLocal()
		require.Empty(t, h.leaves.Values())
	})
}
