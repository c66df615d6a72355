package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProcessor talks to the payment gateway that fronts the card processor.
type HTTPProcessor struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPProcessor(baseURL, token string) *HTTPProcessor {
	return &HTTPProcessor{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type processorRequest struct {
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
}

func (p *HTTPProcessor) Charge(ctx context.Context, userID string, amountMinor int64, idempotencyKey string) (ChargeResult, error) {
	return p.call(ctx, "/v1/charges", userID, amountMinor, idempotencyKey)
}

func (p *HTTPProcessor) Payout(ctx context.Context, userID string, amountMinor int64, idempotencyKey string) (ChargeResult, error) {
	return p.call(ctx, "/v1/payouts", userID, amountMinor, idempotencyKey)
}

func (p *HTTPProcessor) call(ctx context.Context, path, userID string, amountMinor int64, idempotencyKey string) (ChargeResult, error) {
	if idempotencyKey == "" {
		return ChargeResult{}, fmt.Errorf("idempotency key is required")
	}
	body, err := json.Marshal(processorRequest{UserID: userID, AmountMinor: amountMinor})
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", p.Token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to call payment processor: %w", err)
	}
	defer resp.Body.Close()

	// 402 carries a decline with a reason; anything else non-2xx is an outage.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPaymentRequired {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return ChargeResult{}, fmt.Errorf("payment processor returned status %d: %s", resp.StatusCode, string(msg))
	}

	var result ChargeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ChargeResult{}, fmt.Errorf("failed to decode processor response: %w", err)
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		result.Success = false
	}
	return result, nil
}

// SandboxProcessor approves everything. Development only.
type SandboxProcessor struct{}

func (SandboxProcessor) Charge(_ context.Context, _ string, _ int64, idempotencyKey string) (ChargeResult, error) {
	return ChargeResult{Success: true, Reference: "sandbox-ch-" + idempotencyKey}, nil
}

func (SandboxProcessor) Payout(_ context.Context, _ string, _ int64, idempotencyKey string) (ChargeResult, error) {
	return ChargeResult{Success: true, Reference: "sandbox-po-" + idempotencyKey}, nil
}
