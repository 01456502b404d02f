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

package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/rtc/types"
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	// tokens are refreshed this long before the homeserver says they expire
	tokenExpiryMargin = 30 * time.Second
	maxCachedTokens   = 8
)

var ErrOpenIDRequestFailed = errors.New("openid token request failed")

type OpenIDClientParams struct {
	Homeserver  string
	UserID      id.UserID
	DeviceID    id.DeviceID
	AccessToken string
	Timeout     time.Duration
	Logger      logger.Logger
}

type cachedToken struct {
	token     *types.OpenIDToken
	expiresAt time.Time
}

// OpenIDClient requests OpenID tokens from the homeserver on behalf of the
// logged in device. Tokens are cached until shortly before they expire, and
// concurrent requests share one round trip.
type OpenIDClient struct {
	params     OpenIDClientParams
	httpClient *http.Client
	logger     logger.Logger

	cache *expirable.LRU[id.UserID, cachedToken]
	group singleflight.Group
}

func NewOpenIDClient(params OpenIDClientParams) *OpenIDClient {
	if params.Timeout == 0 {
		params.Timeout = DefaultHTTPTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &OpenIDClient{
		params:     params,
		httpClient: &http.Client{Timeout: params.Timeout},
		logger:     params.Logger.WithValues("userID", params.UserID),
		cache:      expirable.NewLRU[id.UserID, cachedToken](maxCachedTokens, nil, time.Hour),
	}
}

func (c *OpenIDClient) DeviceID() id.DeviceID {
	return c.params.DeviceID
}

func (c *OpenIDClient) GetOpenIDToken(ctx context.Context) (*types.OpenIDToken, error) {
	if cached, ok := c.cache.Get(c.params.UserID); ok && time.Now().Before(cached.expiresAt) {
		return cached.token, nil
	}

	ch := c.group.DoChan(string(c.params.UserID), func() (interface{}, error) {
		return c.requestToken(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.OpenIDToken), nil
	}
}

// Invalidate drops the cached token, the next call asks the homeserver.
func (c *OpenIDClient) Invalidate() {
	c.cache.Remove(c.params.UserID)
}

func (c *OpenIDClient) requestToken(ctx context.Context) (*types.OpenIDToken, error) {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/user/%s/openid/request_token",
		strings.TrimRight(c.params.Homeserver, "/"),
		url.PathEscape(string(c.params.UserID)),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.params.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "openid token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read openid token response")
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warnw("openid token request rejected", nil, "status", resp.StatusCode)
		return nil, errors.Wrapf(ErrOpenIDRequestFailed, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token types.OpenIDToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, errors.Wrap(err, "failed to decode openid token response")
	}
	if token.AccessToken == "" {
		return nil, errors.Wrap(ErrOpenIDRequestFailed, "empty access token")
	}

	lifetime := time.Duration(token.ExpiresIn)*time.Second - tokenExpiryMargin
	if lifetime > 0 {
		c.cache.Add(c.params.UserID, cachedToken{
			token:     &token,
			expiresAt: time.Now().Add(lifetime),
		})
	}
	c.logger.Debugw("fetched openid token", "server", token.MatrixServerName, "expiresIn", token.ExpiresIn)
	return &token, nil
}
