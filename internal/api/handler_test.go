package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager_service/internal/ledger"
	"wager_service/internal/match"
	"wager_service/internal/notify"
	apperrors "wager_service/pkg/errors"
)

type fakeMatches struct {
	err      error
	created  match.CreateMatchRequest
	joined   match.JoinMatchRequest
	vote     match.VoteRequest
	evidence []byte
	resolved string
}

func (f *fakeMatches) CreateMatch(_ context.Context, req match.CreateMatchRequest) (*match.Match, error) {
	f.created = req
	if f.err != nil {
		return nil, f.err
	}
	return &match.Match{ID: "m1", CreatorID: req.CreatorID, StakeAmount: req.StakeAmount, Status: match.StatusPending}, nil
}

func (f *fakeMatches) JoinMatch(_ context.Context, req match.JoinMatchRequest) (*match.Match, error) {
	f.joined = req
	if f.err != nil {
		return nil, f.err
	}
	return &match.Match{ID: req.MatchID}, nil
}

func (f *fakeMatches) Get(_ context.Context, id string) (*match.Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &match.Match{ID: id}, nil
}

func (f *fakeMatches) ListForUser(context.Context, string, match.Status) ([]match.Match, error) {
	return nil, f.err
}

func (f *fakeMatches) BeginVoting(_ context.Context, id, _ string, _ time.Time) (*match.Result, error) {
	return f.result(id)
}

func (f *fakeMatches) SubmitVote(_ context.Context, req match.VoteRequest) (*match.Result, error) {
	f.vote = req
	return f.result(req.MatchID)
}

func (f *fakeMatches) RequestLeave(_ context.Context, id, _ string) (*match.Result, error) {
	return f.result(id)
}

func (f *fakeMatches) ApproveLeave(_ context.Context, id, _, _ string) (*match.Result, error) {
	return f.result(id)
}

func (f *fakeMatches) SubmitEvidence(_ context.Context, req match.EvidenceRequest, body io.Reader) (*match.Match, error) {
	f.evidence, _ = io.ReadAll(body)
	if f.err != nil {
		return nil, f.err
	}
	return &match.Match{ID: req.MatchID, DisputeEvidence: []string{"s3://evidence/" + req.FileName}}, nil
}

func (f *fakeMatches) ResolveDispute(_ context.Context, id, winnerID string) (*match.Result, error) {
	f.resolved = winnerID
	return f.result(id)
}

func (f *fakeMatches) result(id string) (*match.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &match.Result{MatchID: id, Applied: true}, nil
}

type fakeWallet struct {
	err       error
	withdrawn ledger.WithdrawRequest
}

func (f *fakeWallet) Deposit(_ context.Context, req ledger.DepositRequest) (*ledger.DepositResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.DepositResult{Balance: &ledger.WalletBalance{UserID: req.UserID, TotalBalance: req.Amount}}, nil
}

func (f *fakeWallet) Withdraw(_ context.Context, req ledger.WithdrawRequest) (*ledger.Transaction, error) {
	f.withdrawn = req
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Transaction{UserID: req.UserID, Amount: -req.Amount}, nil
}

func (f *fakeWallet) GetBalance(_ context.Context, userID string) (*ledger.WalletBalance, error) {
	return &ledger.WalletBalance{UserID: userID, TotalBalance: 42}, f.err
}

func (f *fakeWallet) History(context.Context, string, int) ([]ledger.Transaction, error) {
	return nil, f.err
}

const reviewToken = "review-secret"

func newTestRouter(matches *fakeMatches, wallet *fakeWallet, hub *notify.Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if hub == nil {
		hub = notify.NewHub()
	}
	return NewRouter(NewHandler(matches, wallet, hub), RouterOptions{
		Gatherer:    prometheus.NewRegistry(),
		ReviewToken: reviewToken,
	})
}

func do(r http.Handler, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateMatch(t *testing.T) {
	matches := &fakeMatches{}
	r := newTestRouter(matches, &fakeWallet{}, nil)
	userID := uuid.NewString()

	w := do(r, http.MethodPost, "/matches", userID, gin.H{"activity_type": "Ping Pong", "stake_amount": 100})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, userID, matches.created.CreatorID)
	assert.Equal(t, int64(100), matches.created.StakeAmount)

	w = do(r, http.MethodPost, "/matches", "", gin.H{"activity_type": "chess", "stake_amount": 100})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/matches", "not-a-uuid", gin.H{"activity_type": "chess", "stake_amount": 100})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/matches", userID, gin.H{"stake_amount": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTierInRequestBodyIsIgnored(t *testing.T) {
	matches := &fakeMatches{}
	r := newTestRouter(matches, &fakeWallet{}, nil)
	userID := uuid.NewString()

	w := do(r, http.MethodPost, "/matches", userID, gin.H{
		"activity_type": "chess", "stake_amount": 100, "is_premium_only": true, "tier": "premium",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, match.CreateMatchRequest{
		CreatorID:     userID,
		ActivityType:  "chess",
		StakeAmount:   100,
		IsPremiumOnly: true,
	}, matches.created)

	w = do(r, http.MethodPost, "/matches/m1/join", userID, gin.H{"tier": "premium"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, match.JoinMatchRequest{MatchID: "m1", UserID: userID}, matches.joined)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", apperrors.Validation("bad stake"), http.StatusBadRequest},
		{"insufficient funds", apperrors.New(apperrors.ErrCodeInsufficientFunds, "broke"), http.StatusPaymentRequired},
		{"not found", apperrors.New(apperrors.ErrCodeNotFound, "no match"), http.StatusNotFound},
		{"conflict", apperrors.Conflict("already settled"), http.StatusOK},
		{"external", apperrors.External(errors.New("timeout"), "processor"), http.StatusServiceUnavailable},
		{"invariant", apperrors.Invariant("pot mismatch"), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeMatches{err: tt.err}, &fakeWallet{}, nil)
			w := do(r, http.MethodPost, "/matches/m1/votes", uuid.NewString(), gin.H{"target_id": uuid.NewString()})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestConflictIsReportedAsNoop(t *testing.T) {
	r := newTestRouter(&fakeMatches{err: apperrors.Conflict("already active")}, &fakeWallet{}, nil)
	w := do(r, http.MethodPost, "/matches/m1/voting", uuid.NewString(), nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["applied"])
}

func TestSubmitVote(t *testing.T) {
	matches := &fakeMatches{}
	r := newTestRouter(matches, &fakeWallet{}, nil)
	voter, target := uuid.NewString(), uuid.NewString()

	w := do(r, http.MethodPost, "/matches/m1/votes", voter, gin.H{"target_id": target})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, match.VoteRequest{MatchID: "m1", VoterID: voter, TargetID: target}, matches.vote)
}

func TestResolveRequiresServiceToken(t *testing.T) {
	matches := &fakeMatches{}
	r := newTestRouter(matches, &fakeWallet{}, nil)
	winner := uuid.NewString()

	w := do(r, http.MethodPost, "/matches/m1/resolve", "", gin.H{"winner_id": winner})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, matches.resolved)

	req := httptest.NewRequest(http.MethodPost, "/matches/m1/resolve", strings.NewReader(`{"winner_id":"`+winner+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+reviewToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, winner, matches.resolved)
}

func TestSubmitEvidenceUpload(t *testing.T) {
	matches := &fakeMatches{}
	r := newTestRouter(matches, &fakeWallet{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "score.jpg")
	require.NoError(t, err)
	_, _ = part.Write([]byte("jpeg bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/matches/m1/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserIDHeader, uuid.NewString())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "jpeg bytes", string(matches.evidence))
	assert.Contains(t, w.Body.String(), "score.jpg")
}

func TestWalletRoutes(t *testing.T) {
	r := newTestRouter(&fakeMatches{}, &fakeWallet{}, nil)
	userID := uuid.NewString()

	w := do(r, http.MethodGet, "/wallet/"+userID, userID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_balance":42`)

	w = do(r, http.MethodGet, "/wallet/"+uuid.NewString(), userID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/wallet/deposit", userID, gin.H{"amount": 500, "reference": "r1"})
	assert.Equal(t, http.StatusOK, w.Code)

	wallet := &fakeWallet{}
	r = newTestRouter(&fakeMatches{}, wallet, nil)
	w = do(r, http.MethodPost, "/wallet/withdraw", userID, gin.H{"amount": 200, "reference": "w-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ledger.WithdrawRequest{UserID: userID, Amount: 200, Reference: "w-1"}, wallet.withdrawn)

	r = newTestRouter(&fakeMatches{}, &fakeWallet{err: apperrors.New(apperrors.ErrCodeInsufficientFunds, "insufficient withdrawable balance")}, nil)
	w = do(r, http.MethodPost, "/wallet/withdraw", userID, gin.H{"amount": 500})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestHealthMetricsAndPackages(t *testing.T) {
	r := newTestRouter(&fakeMatches{}, &fakeWallet{}, nil)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "", nil).Code)

	w := do(r, http.MethodGet, "/packages", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Index(w.Body.String(), "tokens_500") < strings.Index(w.Body.String(), "tokens_10000"))
}

func TestStreamEvents(t *testing.T) {
	hub := notify.NewHub()
	srv := httptest.NewServer(newTestRouter(&fakeMatches{}, &fakeWallet{}, hub))
	defer srv.Close()
	userID := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/users/"+userID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(UserIDHeader, userID)

	// the handler subscribes asynchronously; publish until the event arrives
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = hub.Publish(ctx, notify.Event{Type: notify.EventMatchStarted, MatchID: "m1", Recipients: []string{userID}})
			}
		}
	}()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event:") {
			assert.Equal(t, "event:match.started", strings.ReplaceAll(line, " ", ""))
			return
		}
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}
