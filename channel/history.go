// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/harborchat/harbor/wire"
)

// APIError is a structured error response from the chat API. All error
// responses use the same JSON shape.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("channel: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// HistoryClient fetches a channel's recent messages over plain HTTP.
// It serves as the fallback path when the socket's initial history
// event is late or the server reports a replay failure.
type HistoryClient struct {
	baseURL    string
	token      func() (string, bool)
	httpClient *http.Client
}

// NewHistoryClient creates a history client for the given API base
// URL. token supplies the caller's bearer credential; it reports false
// when no credential is available.
func NewHistoryClient(baseURL string, token func() (string, bool)) *HistoryClient {
	return &HistoryClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ErrNoCredential is returned when the token source has no credential
// to offer. There is no point retrying until the caller obtains one.
var ErrNoCredential = fmt.Errorf("channel: no credential available")

// Recent returns the channel's recent messages, oldest first as the
// server sends them. On 4xx/5xx it returns a *APIError.
func (c *HistoryClient) Recent(ctx context.Context, channelID string) ([]wire.Message, error) {
	token, ok := c.token()
	if !ok {
		return nil, ErrNoCredential
	}

	requestURL := fmt.Sprintf("%s/api/channels/%s/messages", c.baseURL, url.PathEscape(channelID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: failed to create history request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("channel: history request failed: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("channel: failed to read history response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var apiErr APIError
		if jsonErr := json.Unmarshal(responseBody, &apiErr); jsonErr != nil || apiErr.Code == "" {
			return nil, fmt.Errorf("channel: unexpected %d response from history endpoint: %s",
				response.StatusCode, string(responseBody))
		}
		apiErr.StatusCode = response.StatusCode
		return nil, &apiErr
	}

	var payload struct {
		Messages []wire.Message `json:"messages"`
	}
	if err := json.Unmarshal(responseBody, &payload); err != nil {
		return nil, fmt.Errorf("channel: failed to decode history response: %w", err)
	}
	return payload.Messages, nil
}
