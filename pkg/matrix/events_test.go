package matrix_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/matrix"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

type fakeEventSource struct {
	lock     sync.Mutex
	handlers map[int]func(*matrix.RoomEvent)
	next     int
}

func (f *fakeEventSource) OnEvent(fn func(*matrix.RoomEvent)) func() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int]func(*matrix.RoomEvent))
	}
	key := f.next
	f.next++
	f.handlers[key] = fn
	return func() {
		f.lock.Lock()
		defer f.lock.Unlock()
		delete(f.handlers, key)
	}
}

func (f *fakeEventSource) push(evt *matrix.RoomEvent) {
	f.lock.Lock()
	var handlers []func(*matrix.RoomEvent)
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.lock.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeEventSource) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.handlers)
}

func memberEvent(t *testing.T, sender id.UserID, stateKey string, content map[string]any) *matrix.RoomEvent {
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return &matrix.RoomEvent{
		Type:           matrix.EventCallMember,
		StateKey:       &stateKey,
		Sender:         sender,
		EventID:        id.EventID("$" + stateKey),
		OriginServerTS: time.Now().UnixMilli(),
		Content:        raw,
	}
}

func livekitFocus(url string) []map[string]any {
	return []map[string]any{
		{"type": "livekit", "livekit_service_url": url, "livekit_alias": "!room:example.org"},
	}
}

func TestEventAdapterMemberships(t *testing.T) {
	scope := reactive.NewScope()
	t.Cleanup(scope.End)
	adapter := matrix.NewEventAdapter(scope, nil)

	var emissions [][]*types.SessionMembership
	adapter.Memberships().Subscribe(func(ms []*types.SessionMembership) {
		emissions = append(emissions, ms)
	})

	alice := memberEvent(t, "@alice:example.org", "_@alice:example.org_A1", map[string]any{
		"application":    "m.call",
		"device_id":      "A1",
		"foci_preferred": livekitFocus("https://sfu-a.example.org"),
	})
	require.NoError(t, adapter.HandleEvent(alice))

	bob := memberEvent(t, "@bob:example.org", "_@bob:example.org_B1", map[string]any{
		"application": "m.call",
		"device_id":   "B1",
		"foci_preferred": append([]map[string]any{
			{"type": "other", "url": "https://elsewhere"},
		}, livekitFocus("https://sfu-b.example.org")...),
	})
	require.NoError(t, adapter.HandleEvent(bob))

	ms := adapter.Memberships().Value()
	require.Len(t, ms, 2)
	require.Equal(t, id.UserID("@alice:example.org"), ms[0].UserID)
	require.Equal(t, id.DeviceID("A1"), ms[0].DeviceID)
	require.Equal(t, &types.Transport{ServiceURL: "https://sfu-a.example.org", Alias: "!room:example.org"}, ms[0].Transport)
	require.Equal(t, "https://sfu-b.example.org", ms[1].Transport.ServiceURL)

	// re-sending the same state does not emit
	require.NoError(t, adapter.HandleEvent(alice))
	require.Len(t, emissions, 3)

	// empty content is a leave
	leave := memberEvent(t, "@alice:example.org", "_@alice:example.org_A1", map[string]any{})
	require.NoError(t, adapter.HandleEvent(leave))
	ms = adapter.Memberships().Value()
	require.Len(t, ms, 1)
	require.Equal(t, id.UserID("@bob:example.org"), ms[0].UserID)

	// expired memberships are dropped
	expired := memberEvent(t, "@bob:example.org", "_@bob:example.org_B1", map[string]any{
		"device_id":  "B1",
		"created_ts": time.Now().Add(-time.Hour).UnixMilli(),
		"expires":    int64(time.Minute / time.Millisecond),
	})
	require.NoError(t, adapter.HandleEvent(expired))
	require.Empty(t, adapter.Memberships().Value())

	// without a livekit focus the membership has no transport
	noFocus := memberEvent(t, "@carol:example.org", "_@carol:example.org_C1", map[string]any{"device_id": "C1"})
	require.NoError(t, adapter.HandleEvent(noFocus))
	require.Nil(t, adapter.Memberships().Value()[0].Transport)

	noStateKey := *alice
	noStateKey.StateKey = nil
	require.ErrorIs(t, adapter.HandleEvent(&noStateKey), matrix.ErrMalformedEvent)
}

func TestEventAdapterNotifications(t *testing.T) {
	scope := reactive.NewScope()
	t.Cleanup(scope.End)
	adapter := matrix.NewEventAdapter(scope, nil)

	var rings []*types.RingNotification
	var declines []*types.DeclineEvent
	adapter.Notifications().Subscribe(func(n *types.RingNotification) { rings = append(rings, n) })
	adapter.Declines().Subscribe(func(d *types.DeclineEvent) { declines = append(declines, d) })

	require.NoError(t, adapter.HandleRaw([]byte(`{
		"type": "org.matrix.msc4075.rtc.notification",
		"sender": "@me:example.org",
		"event_id": "$ring",
		"content": {"notification_type": "ring", "lifetime": 30000}
	}`)))
	require.NoError(t, adapter.HandleRaw([]byte(`{
		"type": "m.rtc.notification",
		"sender": "@me:example.org",
		"event_id": "$notify",
		"content": {"notification_type": "notify"}
	}`)))
	require.Len(t, rings, 1)
	require.Equal(t, id.EventID("$ring"), rings[0].EventID)
	require.Equal(t, 30*time.Second, rings[0].Lifetime)

	require.NoError(t, adapter.HandleRaw([]byte(`{
		"type": "org.matrix.msc4310.rtc.decline",
		"sender": "@bob:example.org",
		"event_id": "$decline",
		"content": {"m.relates_to": {"rel_type": "m.reference", "event_id": "$ring"}}
	}`)))
	require.Len(t, declines, 1)
	require.Equal(t, id.EventID("$ring"), declines[0].RelatesTo)
	require.Equal(t, id.UserID("@bob:example.org"), declines[0].Sender)

	require.ErrorIs(t, adapter.HandleRaw([]byte(`{
		"type": "m.rtc.decline",
		"content": {}
	}`)), matrix.ErrMalformedEvent)
	require.ErrorIs(t, adapter.HandleRaw([]byte(`not json`)), matrix.ErrMalformedEvent)

	// unrelated events are ignored
	require.NoError(t, adapter.HandleRaw([]byte(`{"type": "m.room.message", "content": {}}`)))
}

func TestEventAdapterBind(t *testing.T) {
	scope := reactive.NewScope()
	adapter := matrix.NewEventAdapter(scope, nil)
	src := &fakeEventSource{}

	adapter.Bind(src)
	require.Equal(t, 1, src.count())

	src.push(memberEvent(t, "@alice:example.org", "_@alice:example.org_A1", map[string]any{"device_id": "A1"}))
	require.Len(t, adapter.Memberships().Value(), 1)

	scope.End()
	require.Zero(t, src.count())

	// binding after the scope ended registers nothing
	adapter.Bind(src)
	require.Zero(t, src.count())
}
