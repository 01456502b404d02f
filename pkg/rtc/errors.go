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

package rtc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

var (
	ErrAuthTokenFailure         = errors.New("could not fetch openid token")
	ErrCapacityExceeded         = errors.New("transport has insufficient capacity")
	ErrRoomCreationRestricted   = errors.New("room creation is restricted on this transport")
	ErrUnknownConnectionFailure = errors.New("could not connect to transport")
	ErrTransportMissing         = errors.New("no usable transport")
	ErrConnectionStopped        = errors.New("connection has been stopped")
	ErrConnectionStarted        = errors.New("connection already started")
)

// ConnectionError is a classified connect-time failure. errors.Is matches
// Kind as well as anything in the Err chain.
type ConnectionError struct {
	Kind      error
	Transport types.Transport
	Err       error
}

func NewConnectionError(kind error, transport types.Transport, err error) *ConnectionError {
	return &ConnectionError{
		Kind:      kind,
		Transport: transport,
		Err:       err,
	}
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Transport, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Transport, e.Kind, e.Err)
}

func (e *ConnectionError) Is(target error) bool {
	return target == e.Kind
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Reconnectable is false when retrying cannot help, restriction failures are
// surfaced without a reconnect affordance.
func (e *ConnectionError) Reconnectable() bool {
	return e.Kind != ErrRoomCreationRestricted
}

// ClassifyStatus maps a media backend HTTP status to an error kind.
func ClassifyStatus(status int, reason string) error {
	switch {
	case status == http.StatusServiceUnavailable, status == http.StatusTooManyRequests:
		return ErrCapacityExceeded
	case status == http.StatusOK && isTrackLimit(reason):
		return ErrCapacityExceeded
	case status == http.StatusNotFound:
		return ErrRoomCreationRestricted
	default:
		return ErrUnknownConnectionFailure
	}
}

func isTrackLimit(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "track limit") ||
		strings.Contains(reason, "insufficient capacity") ||
		strings.Contains(reason, "max tracks")
}

// classify wraps err into a ConnectionError for transport, keeping any
// classification already made.
func classify(transport types.Transport, err error) *ConnectionError {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	var connectErr *types.ConnectError
	if errors.As(err, &connectErr) {
		return NewConnectionError(ClassifyStatus(connectErr.Status, connectErr.Reason), transport, err)
	}
	return NewConnectionError(ErrUnknownConnectionFailure, transport, err)
}
