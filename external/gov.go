// Package external holds clients for the two systems a settlement must touch
// before it concludes: the government compensation registry and the
// distributed ledger anchor. Both are plain JSON-over-HTTP services; callers
// bound every call with a context deadline.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGovRegistry registers concluded compensations with the government
// registry and returns the protocol number it assigns.
type HTTPGovRegistry struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGovRegistry(baseURL, apiKey string, timeout time.Duration) *HTTPGovRegistry {
	return &HTTPGovRegistry{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGovRegistry) Register(ctx context.Context, targetID string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/compensations", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("external: build registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Idempotency-Key", targetID)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("external: registry call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("external: read registry response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("external: registry returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		ProtocolNumber string `json:"protocol_number"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("external: decode registry response: %w", err)
	}
	if out.ProtocolNumber == "" {
		return "", fmt.Errorf("external: registry response missing protocol number")
	}
	return out.ProtocolNumber, nil
}
