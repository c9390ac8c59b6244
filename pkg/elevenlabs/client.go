// Package elevenlabs integrates the conversational-AI provider: the signed
// streaming URL handshake, the conversation WebSocket message protocol the
// bridge speaks, and post-call webhook verification.
package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kestrelcall/kestrel/pkg/config"
)

// signedURLTimeout bounds the signed-URL fetch; it sits on the dial path of
// every call, so it must fail fast.
const signedURLTimeout = 5 * time.Second

// Client calls the provider's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	agentID    string
	logger     *slog.Logger
}

// NewClient builds a provider client from the AI configuration.
func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: signedURLTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		agentID:    cfg.AgentID,
		logger:     slog.With("component", "elevenlabs"),
	}
}

// AgentID returns the configured conversational agent.
func (c *Client) AgentID() string {
	return c.agentID
}

// GetSignedURL obtains a short-lived WebSocket URL for a conversation with
// the configured agent. The bridge dials this URL for every call.
func (c *Client) GetSignedURL(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversation/get-signed-url?agent_id=%s",
		c.baseURL, url.QueryEscape(c.agentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build signed-url request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch signed url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return "", fmt.Errorf("signed url request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode signed url response: %w", err)
	}
	if payload.SignedURL == "" {
		return "", fmt.Errorf("signed url response missing signed_url")
	}
	return payload.SignedURL, nil
}
