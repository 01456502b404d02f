// Copyright 2023 LiveKit, Inc.
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

package roomclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

// signalURL turns a media room URL into its signalling endpoint.
func signalURL(roomURL string, protocolVersion int, autoSubscribe bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(roomURL, "/") + "/rtc")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("protocol", fmt.Sprintf("%d", protocolVersion))
	q.Set("auto_subscribe", fmt.Sprintf("%t", autoSubscribe))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func setAuthorizationToken(header http.Header, token string) {
	header.Set("Authorization", "Bearer "+token)
}

// dial opens the signal connection. A rejected handshake is returned as a
// *types.ConnectError carrying the HTTP status.
func dial(ctx context.Context, dialer *websocket.Dialer, endpoint, token string) (*websocket.Conn, error) {
	header := make(http.Header)
	setAuthorizationToken(header, token)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &types.ConnectError{
				Status: resp.StatusCode,
				Reason: strings.TrimSpace(string(body)),
			}
		}
		return nil, errors.Wrap(err, "could not dial signal connection")
	}
	return conn, nil
}

func readResponse(conn *websocket.Conn) (*livekit.SignalResponse, error) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch messageType {
		case websocket.PingMessage:
			_ = conn.WriteMessage(websocket.PongMessage, nil)
			continue
		case websocket.BinaryMessage:
			msg := &livekit.SignalResponse{}
			if err := proto.Unmarshal(payload, msg); err != nil {
				return nil, err
			}
			return msg, nil
		default:
			return nil, fmt.Errorf("unexpected message received: %v", messageType)
		}
	}
}

func toProtoSessionDescription(sd webrtc.SessionDescription) *livekit.SessionDescription {
	return &livekit.SessionDescription{
		Type: sd.Type.String(),
		Sdp:  sd.SDP,
	}
}

func fromProtoSessionDescription(sd *livekit.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.Sdp,
	}
}

func toProtoTrickle(candidateInit webrtc.ICECandidateInit, target livekit.SignalTarget) *livekit.TrickleRequest {
	data, _ := json.Marshal(candidateInit)
	return &livekit.TrickleRequest{
		CandidateInit: string(data),
		Target:        target,
	}
}

func fromProtoTrickle(trickle *livekit.TrickleRequest) (webrtc.ICECandidateInit, error) {
	ci := webrtc.ICECandidateInit{}
	err := json.Unmarshal([]byte(trickle.CandidateInit), &ci)
	return ci, err
}

func toICEServers(servers []*livekit.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.Urls}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
