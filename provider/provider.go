// Package provider implements the HTTP client for remote metered-API
// providers that accept bearer ecash tokens as payment: topping up a
// server-side balance, inspecting it and asking for a refund of
// whatever remains.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	// ErrUnauthorized means the provider rejected the presented token.
	ErrUnauthorized = errors.New("provider: token rejected")
	// ErrNoBalance means the provider holds nothing to refund for
	// the presented token.
	ErrNoBalance = errors.New("provider: no balance to refund")
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// AccountInfo is the provider's view of the balance it holds
// against a token.
type AccountInfo struct {
	Balance uint64 `json:"balance"`
}

type refundResponse struct {
	Token  string `json:"token"`
	Detail string `json:"detail"`
}

// Topup credits amount against the bearer token and returns the new
// server-side balance. The request carries an idempotency key so a
// retried call cannot credit twice.
func (c *Client) Topup(ctx context.Context, token string, amount uint64) (uint64, error) {
	url := c.baseURL + "/v1/wallet/topup?amount=" + strconv.FormatUint(amount, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", uuid.NewString())

	var info AccountInfo
	if err := c.do(req, &info); err != nil {
		return 0, err
	}
	return info.Balance, nil
}

// Balance returns the provider's remaining balance for the token.
func (c *Client) Balance(ctx context.Context, token string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/wallet/info", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var info AccountInfo
	if err := c.do(req, &info); err != nil {
		return 0, err
	}
	return info.Balance, nil
}

// Refund asks the provider to return its remaining balance for the
// token as a newly issued serialized token from its mint. A response
// carrying no token means there was nothing left to refund.
func (c *Client) Refund(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/wallet/refund", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var refund refundResponse
	if err := c.do(req, &refund); err != nil {
		return "", err
	}
	if refund.Token == "" {
		return "", ErrNoBalance
	}
	return refund.Token, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("provider: reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("provider: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("provider: invalid response: %w", err)
	}
	return nil
}
