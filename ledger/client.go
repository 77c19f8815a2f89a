// Package ledger submits consent anchoring operations to the chain relayer.
// The relayer holds the signing key and contract binding; this client only
// asks it to execute a create or revoke transaction and reports the
// resulting transaction hash. Calls are fail-fast with no retries; the
// consent service's transitions are designed to be re-invoked safely.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client talks to the relayer's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a relayer client. apiKey may be empty when the relayer
// does not require authentication (local devnet).
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

type submitResponse struct {
	TxHash  string `json:"txHash"`
	Message string `json:"message"`
}

// SubmitCreate anchors a new consent between two party addresses and
// returns the transaction hash.
func (c *Client) SubmitCreate(ctx context.Context, consentID, partyA, partyB string) (string, error) {
	if consentID == "" || partyA == "" || partyB == "" {
		return "", fmt.Errorf("ledger: consent id and both party addresses are required")
	}

	body := map[string]string{
		"consentId": consentID,
		"partyA":    partyA,
		"partyB":    partyB,
	}
	return c.submit(ctx, "/consents", body)
}

// SubmitRevoke revokes a previously anchored consent by its ledger
// reference and returns the transaction hash.
func (c *Client) SubmitRevoke(ctx context.Context, ledgerID string) (string, error) {
	if ledgerID == "" {
		return "", fmt.Errorf("ledger: ledger reference is required")
	}

	body := map[string]string{"consentId": ledgerID}
	return c.submit(ctx, "/consents/revoke", body)
}

func (c *Client) submit(ctx context.Context, path string, body map[string]string) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger: submit %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("ledger: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure submitResponse
		if json.Unmarshal(raw, &failure) == nil && failure.Message != "" {
			return "", fmt.Errorf("ledger: relayer rejected %s: %s (status %d)", path, failure.Message, resp.StatusCode)
		}
		return "", fmt.Errorf("ledger: relayer rejected %s: status %d", path, resp.StatusCode)
	}

	var result submitResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("ledger: decode response: %w", err)
	}
	if result.TxHash == "" {
		return "", fmt.Errorf("ledger: relayer returned no transaction hash")
	}
	return result.TxHash, nil
}
