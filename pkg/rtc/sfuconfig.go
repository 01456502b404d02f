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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"

	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	sfuGetPath         = "/sfu/get"
)

type SFUConfigRequest struct {
	Room        string             `json:"room"`
	OpenIDToken *types.OpenIDToken `json:"openid_token"`
	DeviceID    id.DeviceID        `json:"device_id"`
}

// SFUConfig holds the credentials for joining a transport's media room.
type SFUConfig struct {
	URL string `json:"url"`
	JWT string `json:"jwt"`
	// set by some backends on a 200 they could not serve
	Error string `json:"error,omitempty"`
}

type SFUConfigFetcher interface {
	GetSFUConfig(ctx context.Context, transport types.Transport, req *SFUConfigRequest) (*SFUConfig, error)
}

// SFUConfigClient exchanges an OpenID token for media credentials at a
// transport's service URL. Requests are not retried; a failed response is
// returned as a *types.ConnectError carrying the status.
type SFUConfigClient struct {
	httpClient *http.Client
	logger     logger.Logger
}

func NewSFUConfigClient(timeout time.Duration, log logger.Logger) *SFUConfigClient {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &SFUConfigClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.WithName("sfuconfig"),
	}
}

func (c *SFUConfigClient) GetSFUConfig(ctx context.Context, transport types.Transport, sfuReq *SFUConfigRequest) (*SFUConfig, error) {
	payload, err := json.Marshal(sfuReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal sfu config request")
	}

	endpoint := strings.TrimRight(transport.ServiceURL, "/") + sfuGetPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debugw("requesting sfu config", "transport", transport, "room", sfuReq.Room)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "sfu config request to %s failed", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read sfu config response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &types.ConnectError{
			Status: resp.StatusCode,
			Reason: strings.TrimSpace(string(body)),
		}
	}

	var sfuConfig SFUConfig
	if err := json.Unmarshal(body, &sfuConfig); err != nil {
		return nil, errors.Wrap(err, "failed to decode sfu config response")
	}
	if sfuConfig.URL == "" || sfuConfig.JWT == "" {
		reason := sfuConfig.Error
		if reason == "" {
			reason = "missing url or jwt"
		}
		return nil, &types.ConnectError{
			Status: resp.StatusCode,
			Reason: reason,
		}
	}
	return &sfuConfig, nil
}
