package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"wager_service/internal/payout"
)

// Subscriptions reports a user's current subscription tier. Settlement
// freezes the tier on the participant when they stake, so it must come from
// the account service and never from the request.
type Subscriptions interface {
	Tier(ctx context.Context, userID string) (payout.Tier, error)
}

// StaticSubscriptions serves tiers from a fixed map. Users not in the map
// are on the free tier.
type StaticSubscriptions map[string]payout.Tier

func (s StaticSubscriptions) Tier(_ context.Context, userID string) (payout.Tier, error) {
	if t, ok := s[userID]; ok {
		return t, nil
	}
	return payout.TierFree, nil
}

// HTTPSubscriptions reads the tier from the account service.
type HTTPSubscriptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPSubscriptions(baseURL, token string) *HTTPSubscriptions {
	return &HTTPSubscriptions{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type subscriptionResponse struct {
	Tier payout.Tier `json:"tier"`
}

func (s *HTTPSubscriptions) Tier(ctx context.Context, userID string) (payout.Tier, error) {
	endpoint := s.BaseURL + "/v1/users/" + url.PathEscape(userID) + "/subscription"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", s.Token)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call account service: %w", err)
	}
	defer resp.Body.Close()

	// no subscription record means the free tier
	if resp.StatusCode == http.StatusNotFound {
		return payout.TierFree, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("account service returned status %d: %s", resp.StatusCode, string(msg))
	}

	var body subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode subscription: %w", err)
	}
	if body.Tier == "" {
		return payout.TierFree, nil
	}
	if !body.Tier.Valid() {
		return "", fmt.Errorf("account service returned unknown tier %q", body.Tier)
	}
	return body.Tier, nil
}
