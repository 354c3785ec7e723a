package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/identity"
)

// HTTPClient talks to a transfer-service node over its JSON API.
type HTTPClient struct {
	baseURL      string
	http         *http.Client
	confirmEvery time.Duration
}

// HTTPClientConfig holds HTTP client configuration.
type HTTPClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	ConfirmEvery   time.Duration
}

// NewHTTPClient creates a Service backed by a remote node.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ConfirmEvery == 0 {
		cfg.ConfirmEvery = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:      cfg.BaseURL,
		http:         &http.Client{Timeout: cfg.RequestTimeout},
		confirmEvery: cfg.ConfirmEvery,
	}
}

func (c *HTTPClient) GetBalance(ctx context.Context, address string, asset Asset) (decimal.Decimal, error) {
	q := url.Values{}
	if asset.Kind == AssetToken {
		q.Set("contract", asset.Contract)
	}
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.getJSON(ctx, "/v1/balance/"+address+"?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, id *identity.Identity, to string, amount decimal.Decimal, asset Asset) (Pending, error) {
	body := map[string]interface{}{
		"from":   id.Address(),
		"to":     to,
		"amount": amount,
		"asset":  asset,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer: %w", err)
	}

	req := struct {
		Payload   json.RawMessage `json:"payload"`
		Signature string          `json:"signature"`
	}{
		Payload:   payload,
		Signature: hex.EncodeToString(id.Sign(payload)),
	}

	var resp struct {
		Ref   string `json:"ref"`
		Error string `json:"error"`
	}
	if err := c.postJSON(ctx, "/v1/transfers", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, mapNodeError(resp.Error)
	}
	return &httpPending{client: c, ref: resp.Ref}, nil
}

func (c *HTTPClient) GetRecentTransfers(ctx context.Context, address string, limit int) ([]TransferRecord, error) {
	var resp struct {
		Transfers []TransferRecord `json:"transfers"`
	}
	path := fmt.Sprintf("/v1/transfers/recent/%s?limit=%d", address, limit)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Transfers, nil
}

func (c *HTTPClient) HasSufficientFee(ctx context.Context, address string) (bool, error) {
	var resp struct {
		Sufficient bool `json:"sufficient"`
	}
	if err := c.getJSON(ctx, "/v1/fee/"+address, &resp); err != nil {
		return false, err
	}
	return resp.Sufficient, nil
}

// httpPending polls the node until the transfer is confirmed.
type httpPending struct {
	client *HTTPClient
	ref    string
}

func (p *httpPending) Ref() string { return p.ref }

func (p *httpPending) Await(ctx context.Context) error {
	ticker := time.NewTicker(p.client.confirmEvery)
	defer ticker.Stop()

	for {
		var resp struct {
			Status string `json:"status"` // "pending", "confirmed", "rejected"
			Error  string `json:"error"`
		}
		if err := p.client.getJSON(ctx, "/v1/transfers/"+p.ref, &resp); err != nil {
			return err
		}
		switch resp.Status {
		case "confirmed":
			return nil
		case "rejected":
			return mapNodeError(resp.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: node returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var nodeErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&nodeErr); err == nil && nodeErr.Error != "" {
			return mapNodeError(nodeErr.Error)
		}
		return fmt.Errorf("node returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// mapNodeError converts the node's string error codes into the local
// taxonomy so callers can classify failures.
func mapNodeError(code string) error {
	switch code {
	case "insufficient_fee":
		return ErrInsufficientFee
	case "insufficient_funds":
		return ErrInsufficientFunds
	case "invalid_recipient":
		return ErrInvalidRecipient
	case "nonce_conflict":
		return ErrNonceConflict
	default:
		return fmt.Errorf("transfer rejected: %s", code)
	}
}
