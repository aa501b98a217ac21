// Package api talks to the partner platform's HTTP API.
package api

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"partner_voice/native/internal/domain"
)

type iceResponse struct {
	Result int    `json:"result"`
	Msg    string `json:"msg"`
	Data   struct {
		ICEServers []domain.ICEServer `json:"iceServers"`
	} `json:"data"`
}

// Client fetches ICE server credentials from the partner API.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates an API client for the ICE endpoint at url.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func generateRequestID() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	h := sha1.Sum(buf)
	return fmt.Sprintf("%x", h)[:32]
}

// FetchICEServers returns the STUN/TURN servers issued to the bearer of token.
func (c *Client) FetchICEServers(ctx context.Context, token string) ([]domain.ICEServer, error) {
	if token == "" {
		return nil, domain.ErrNoToken
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Request-Id", generateRequestID())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var iceResp iceResponse
	if err := json.Unmarshal(respBody, &iceResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if iceResp.Result != 0 {
		return nil, fmt.Errorf("API error (result=%d): %s", iceResp.Result, iceResp.Msg)
	}

	return iceResp.Data.ICEServers, nil
}
