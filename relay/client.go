// Package relay registers payment payloads with the relaying service and
// drives the best-effort contactless submission instruction.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/merchkit/checkout/logger"
	"github.com/merchkit/checkout/types"
)

const paymentTxParamsPath = "/api/paymentTxParams"

// ContactlessRequest is the wallet-capability call that asks a near-field
// wallet to fetch and execute the payload at URI. Type 2 is the payment
// request kind understood by contactless-capable wallets.
type ContactlessRequest struct {
	Type int    `json:"type"`
	URI  string `json:"uri"`
}

// WalletCapability abstracts the ambient wallet object of the host
// environment. Presence is optional; callers must tolerate a nil capability.
type WalletCapability interface {
	Request(ctx context.Context, req ContactlessRequest) error
}

// Client talks to the relaying HTTP endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type registerResponse struct {
	UUID string `json:"uuid"`
}

// Register submits the payload to the relayer and returns the opaque session
// identifier it issues. Non-2xx responses and bodies missing the identifier
// fail loudly with a REGISTRATION_FAILED error; nothing is swallowed here.
func (c *Client) Register(ctx context.Context, p types.PaymentPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", &types.CheckoutError{
			Code:    types.ErrRegistrationFail,
			Message: fmt.Sprintf("failed to encode payment payload: %v", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+paymentTxParamsPath, bytes.NewReader(body))
	if err != nil {
		return "", &types.CheckoutError{
			Code:    types.ErrRegistrationFail,
			Message: fmt.Sprintf("failed to build relayer request: %v", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &types.CheckoutError{
			Code:    types.ErrRegistrationFail,
			Message: fmt.Sprintf("relayer request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &types.CheckoutError{
			Code:    types.ErrRegistrationFail,
			Message: fmt.Sprintf("relayer returned status %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &types.CheckoutError{
			Code:    types.ErrRegistrationFail,
			Message: fmt.Sprintf("failed to read relayer response: %v", err),
		}
	}

	var parsed registerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.UUID == "" {
		return "", &types.CheckoutError{
			Code:    types.ErrRegistrationFail,
			Message: "relayer response missing session identifier",
		}
	}

	c.log.Debug("payment session registered", map[string]any{
		"sessionId": parsed.UUID,
		"kind":      string(p.Kind()),
	})
	return parsed.UUID, nil
}

// ParamsURL is the derived fetch location for the full payment parameters of
// a registered session. The wallet consumes it; this core never fetches it.
func (c *Client) ParamsURL(sessionID string) string {
	return c.baseURL + paymentTxParamsPath + "/" + sessionID
}

// RequestContactlessSubmission asks the wallet to fetch and execute the
// session's payload. Best-effort only: a missing capability or a failed call
// is logged and dropped, since confirmation arrives over the push channel
// regardless of what this call reports.
func (c *Client) RequestContactlessSubmission(ctx context.Context, wallet WalletCapability, sessionID string) {
	if wallet == nil {
		c.log.Debug("no wallet capability available for contactless submission", map[string]any{
			"sessionId": sessionID,
		})
		return
	}

	err := wallet.Request(ctx, ContactlessRequest{
		Type: 2,
		URI:  c.ParamsURL(sessionID),
	})
	if err != nil {
		c.log.Warn("contactless submission request failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}
}
