package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the Twilio REST API root.
const DefaultBaseURL = "https://api.twilio.com"

// ErrMissingNumber is returned when a call placement request has no
// destination number. It is detected before any provider request is made.
var ErrMissingNumber = errors.New("twilio: destination number required")

// CallError reports a rejected call placement request, carrying the
// provider's status and response body.
type CallError struct {
	Status int
	Body   string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("twilio: call placement failed: status %d: %s", e.Status, e.Body)
}

// Client places calls against the Twilio REST API.
type Client struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a Client with a bounded-timeout HTTP client.
func NewClient(accountSID, authToken, from string) *Client {
	return &Client{
		AccountSID: accountSID,
		AuthToken:  authToken,
		From:       from,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CallbackURL builds the TwiML webhook URL for host, embedding the prompt
// and first-message overrides as query-escaped parameters.
func CallbackURL(host, prompt, firstMessage string) string {
	q := url.Values{}
	if prompt != "" {
		q.Set(ParamPrompt, prompt)
	}
	if firstMessage != "" {
		q.Set(ParamFirstMessage, firstMessage)
	}
	u := url.URL{Scheme: "https", Host: host, Path: "/twiml", RawQuery: q.Encode()}
	return u.String()
}

// PlaceCall asks Twilio to dial the destination number and fetch call
// handling instructions from callbackURL once the call connects. It returns
// the provider's call SID. There is no retry; a failed placement is
// surfaced to the caller as-is.
func (c *Client) PlaceCall(ctx context.Context, to, callbackURL string) (string, error) {
	if to == "" {
		return "", ErrMissingNumber
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.From)
	form.Set("Url", callbackURL)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", base, c.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(c.AccountSID, c.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio: place call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("twilio: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &CallError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("twilio: decode response: %w", err)
	}
	if out.Sid == "" {
		return "", &CallError{Status: resp.StatusCode, Body: "response missing call sid"}
	}
	return out.Sid, nil
}
