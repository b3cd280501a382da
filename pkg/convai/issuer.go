// Package convai talks to the conversational voice-agent provider's HTTP API.
package convai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io"

	signedURLPath = "/v1/convai/conversation/get_signed_url"
	apiKeyHeader  = "xi-api-key"

	// Bodies beyond this are truncated in IssuanceError.
	maxErrorBodyBytes = 4 << 10
)

// SignedURL is a short-lived, pre-authenticated agent websocket endpoint. It is
// owned by the session that requested it and never reused.
type SignedURL string

func (u SignedURL) String() string { return string(u) }

// Client issues signed agent session URLs.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// IssueSignedURL performs one GET against the provider's issuance endpoint with
// agentID as a query parameter and the API key as a header. It does not retry.
func (c *Client) IssueSignedURL(ctx context.Context, agentID string) (SignedURL, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	if c.apiKey == "" {
		return "", fmt.Errorf("api key is required")
	}

	u, err := url.Parse(c.baseURL + signedURLPath)
	if err != nil {
		return "", fmt.Errorf("invalid issuance base url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build issuance request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("issuance request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &IssuanceError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &MalformedResponseError{Field: "signed_url", Err: err}
	}
	signed := strings.TrimSpace(payload.SignedURL)
	if signed == "" {
		return "", &MalformedResponseError{Field: "signed_url"}
	}
	return SignedURL(signed), nil
}
