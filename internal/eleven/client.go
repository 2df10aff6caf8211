package eleven

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// DefaultBaseURL is the ElevenLabs REST API root.
const DefaultBaseURL = "https://api.elevenlabs.io"

// FetchError reports a failed signed-URL retrieval, carrying the upstream
// status and message. It is fatal to one conversation's agent connection,
// never to the process.
type FetchError struct {
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("eleven: signed url fetch failed: status %d: %s", e.Status, e.Body)
}

// Client retrieves signed conversation URLs and opens agent connections.
type Client struct {
	APIKey     string
	AgentID    string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a Client with a bounded-timeout HTTP client.
func NewClient(apiKey, agentID string) *Client {
	return &Client{
		APIKey:     apiKey,
		AgentID:    agentID,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SignedURL fetches a short-lived authenticated websocket URL for one
// conversation with the configured agent.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	endpoint := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s", base, url.QueryEscape(c.AgentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("eleven: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.APIKey)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("eleven: fetch signed url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("eleven: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("eleven: decode response: %w", err)
	}
	if out.SignedURL == "" {
		return "", &FetchError{Status: resp.StatusCode, Body: "response missing signed_url"}
	}
	return out.SignedURL, nil
}

// Dial fetches a signed URL and opens the agent websocket. The caller owns
// the returned connection and is responsible for sending the initiation
// config before any audio.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := c.SignedURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("eleven: dial agent: %w", err)
	}
	return conn, nil
}
