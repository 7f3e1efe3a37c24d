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

// HTTPLedgerAnchor writes a settlement's payload hash to the distributed
// ledger gateway and returns the resulting transaction hash.
type HTTPLedgerAnchor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPLedgerAnchor(baseURL, apiKey string, timeout time.Duration) *HTTPLedgerAnchor {
	return &HTTPLedgerAnchor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPLedgerAnchor) Anchor(ctx context.Context, targetID string, payloadHash string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"target_id":    targetID,
		"payload_hash": payloadHash,
	})
	if err != nil {
		return "", fmt.Errorf("external: marshal anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("external: build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Idempotency-Key", targetID)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("external: anchor call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("external: read anchor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("external: anchor returned %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("external: decode anchor response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("external: anchor response missing tx hash")
	}
	return out.TxHash, nil
}
