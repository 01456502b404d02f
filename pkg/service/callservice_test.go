package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/config"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/session"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/testutils"
)

func observeOnlyConfig() *config.Config {
	return &config.Config{
		Homeserver: config.HomeserverConfig{
			URL:         "http://127.0.0.1:1",
			UserID:      "@me:example.org",
			DeviceID:    "DEVICE",
			AccessToken: "secret",
		},
		Call: config.CallConfig{Room: "!room:example.org"},
	}
}

func TestCallServiceObserveOnly(t *testing.T) {
	svc, cleanup, err := InitializeCallService(observeOnlyConfig())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	events := strings.Join([]string{
		`{"type":"org.matrix.msc3401.call.member","state_key":"_@bob:example.org_B1","sender":"@bob:example.org","event_id":"$1","content":{"device_id":"B1"}}`,
		``,
		`not json`,
		`{"type":"org.matrix.msc3401.call.member","state_key":"_@carol:example.org_C1","sender":"@carol:example.org","event_id":"$2","content":{"device_id":"C1"}}`,
	}, "\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, strings.NewReader(events))
	}()

	testutils.WithTimeout(t, func() string {
		if len(svc.State().Members) != 2 {
			return "members not seen"
		}
		return ""
	})

	state := svc.State()
	require.Equal(t, "!room:example.org", state.Room)
	require.Empty(t, state.Local)
	require.Equal(t, "disabled", state.Pickup)
	require.Equal(t, "@bob:example.org", state.Members[0].UserID)
	require.Equal(t, "@bob:example.org:B1", state.Members[0].Identity)
	require.False(t, state.Members[0].Publishing)
	require.Empty(t, state.Transports)

	require.Error(t, svc.Run(ctx, nil))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testutils.ConnectTimeout):
		t.Fatal("service did not stop")
	}
	require.Equal(t, session.LeaveUser, svc.LeftReason())
}

func TestCallServiceBackButton(t *testing.T) {
	svc, cleanup, err := InitializeCallService(observeOnlyConfig())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(context.Background(), nil)
	}()

	svc.Controls().PressBack()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testutils.ConnectTimeout):
		t.Fatal("service did not stop")
	}
	require.Equal(t, session.LeaveBackButton, svc.LeftReason())
}

func TestCallServiceJoinWithoutValidTransport(t *testing.T) {
	conf := observeOnlyConfig()
	conf.Transports = []types.Transport{{Alias: "!room:example.org"}}
	svc, cleanup, err := InitializeCallService(conf)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	require.ErrorIs(t, svc.Run(context.Background(), nil), rtc.ErrTransportMissing)
	require.Empty(t, svc.LeftReason())
}

func TestDebugHandler(t *testing.T) {
	handler := NewDebugHandler(func() *CallState {
		return &CallState{
			Room:   "!room:example.org",
			Pickup: "ringing",
			Members: []MemberState{
				{Identity: "@bob:example.org:B1", UserID: "@bob:example.org", Publishing: true},
			},
		}
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/debug/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var state CallState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	require.Equal(t, "ringing", state.Pickup)
	require.Len(t, state.Members, 1)
	require.True(t, state.Members[0].Publishing)

	post, err := http.Post(srv.URL+"/debug/state", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	require.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestDebugServerDisabled(t *testing.T) {
	s := NewDebugServer(&config.Config{}, nil)
	require.NoError(t, s.Start(context.Background()))
}
