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
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

type ConnectionStateKind int

const (
	ConnectionInitialized ConnectionStateKind = iota
	ConnectionFetchingConfig
	ConnectionLivekitDisconnected
	ConnectionLivekitConnecting
	ConnectionLivekitConnected
	ConnectionLivekitReconnecting
	ConnectionLivekitSignalReconnecting
	ConnectionStopped
	ConnectionError
)

func (k ConnectionStateKind) String() string {
	switch k {
	case ConnectionInitialized:
		return "Initialized"
	case ConnectionFetchingConfig:
		return "FetchingConfig"
	case ConnectionLivekitDisconnected:
		return "LivekitDisconnected"
	case ConnectionLivekitConnecting:
		return "LivekitConnecting"
	case ConnectionLivekitConnected:
		return "LivekitConnected"
	case ConnectionLivekitReconnecting:
		return "LivekitReconnecting"
	case ConnectionLivekitSignalReconnecting:
		return "LivekitSignalReconnecting"
	case ConnectionStopped:
		return "Stopped"
	case ConnectionError:
		return "Error"
	default:
		return fmt.Sprintf("%d", int(k))
	}
}

// IsTerminal is true for states a connection never leaves on its own.
func (k ConnectionStateKind) IsTerminal() bool {
	return k == ConnectionStopped || k == ConnectionError
}

type ConnectionState struct {
	Kind ConnectionStateKind
	// set only when Kind is ConnectionError
	Err error
}

func (s ConnectionState) Equal(other ConnectionState) bool {
	return s.Kind == other.Kind && s.Err == other.Err
}

func (s ConnectionState) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Kind, s.Err)
	}
	return s.Kind.String()
}

type MediaRoomState int

const (
	MediaRoomDisconnected MediaRoomState = iota
	MediaRoomConnecting
	MediaRoomConnected
	MediaRoomReconnecting
	MediaRoomSignalReconnecting
)

func (s MediaRoomState) String() string {
	switch s {
	case MediaRoomDisconnected:
		return "disconnected"
	case MediaRoomConnecting:
		return "connecting"
	case MediaRoomConnected:
		return "connected"
	case MediaRoomReconnecting:
		return "reconnecting"
	case MediaRoomSignalReconnecting:
		return "signalReconnecting"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// MediaRoom is the media backend's room object. Registration methods return a
// function that removes the handler.
type MediaRoom interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect()
	OnStateChange(fn func(MediaRoomState)) (off func())
	OnParticipantsChanged(fn func([]*RemoteParticipant)) (off func())
}

type OpenIDToken struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	MatrixServerName string `json:"matrix_server_name"`
	ExpiresIn        int    `json:"expires_in"`
}

// OpenIDProvider is the room layer's authentication surface.
type OpenIDProvider interface {
	GetOpenIDToken(ctx context.Context) (*OpenIDToken, error)
	DeviceID() id.DeviceID
}

// RingNotification is a "notification sent" event for the call.
type RingNotification struct {
	EventID id.EventID
	Sender  id.UserID
	// zero means no ringing phase
	Lifetime time.Duration
}

// DeclineEvent is a decline referencing a notification by RelatesTo.
type DeclineEvent struct {
	EventID   id.EventID
	Sender    id.UserID
	RelatesTo id.EventID
}

// ConnectError is a failed request to a media backend that carried an HTTP
// status.
type ConnectError struct {
	Status int
	Reason string
}

func (e *ConnectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connect failed with status %d", e.Status)
	}
	return fmt.Sprintf("connect failed with status %d: %s", e.Status, e.Reason)
}
