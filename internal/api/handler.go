package api

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"wager_service/internal/ledger"
	"wager_service/internal/match"
	"wager_service/internal/notify"
	apperrors "wager_service/pkg/errors"
)

type MatchService interface {
	CreateMatch(ctx context.Context, req match.CreateMatchRequest) (*match.Match, error)
	JoinMatch(ctx context.Context, req match.JoinMatchRequest) (*match.Match, error)
	Get(ctx context.Context, matchID string) (*match.Match, error)
	ListForUser(ctx context.Context, userID string, status match.Status) ([]match.Match, error)
	BeginVoting(ctx context.Context, matchID, requesterID string, now time.Time) (*match.Result, error)
	SubmitVote(ctx context.Context, req match.VoteRequest) (*match.Result, error)
	RequestLeave(ctx context.Context, matchID, userID string) (*match.Result, error)
	ApproveLeave(ctx context.Context, matchID, requesterID, approverID string) (*match.Result, error)
	SubmitEvidence(ctx context.Context, req match.EvidenceRequest, body io.Reader) (*match.Match, error)
	ResolveDispute(ctx context.Context, matchID, winnerID string) (*match.Result, error)
}

type WalletService interface {
	Deposit(ctx context.Context, req ledger.DepositRequest) (*ledger.DepositResult, error)
	Withdraw(ctx context.Context, req ledger.WithdrawRequest) (*ledger.Transaction, error)
	GetBalance(ctx context.Context, userID string) (*ledger.WalletBalance, error)
	History(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error)
}

// Subscriber streams a user's lifecycle events.
type Subscriber interface {
	Subscribe(userID string) (<-chan notify.Event, func())
}

type Handler struct {
	matches MatchService
	wallet  WalletService
	events  Subscriber
}

func NewHandler(matches MatchService, wallet WalletService, events Subscriber) *Handler {
	return &Handler{matches: matches, wallet: wallet, events: events}
}

type createMatchBody struct {
	ActivityType  string `json:"activity_type" binding:"required"`
	CustomRules   string `json:"custom_rules"`
	StakeAmount   int64  `json:"stake_amount" binding:"required"`
	IsPremiumOnly bool   `json:"is_premium_only"`
}

func (h *Handler) CreateMatch(c *gin.Context) {
	var body createMatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.matches.CreateMatch(c.Request.Context(), match.CreateMatchRequest{
		CreatorID:     currentUser(c),
		ActivityType:  body.ActivityType,
		CustomRules:   body.CustomRules,
		StakeAmount:   body.StakeAmount,
		IsPremiumOnly: body.IsPremiumOnly,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) GetMatch(c *gin.Context) {
	m, err := h.matches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) ListUserMatches(c *gin.Context) {
	ms, err := h.matches.ListForUser(c.Request.Context(), c.Param("user_id"), match.Status(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": ms})
}

// JoinMatch stakes the caller into the match. Their tier is looked up by the
// engine, never taken from the request.
func (h *Handler) JoinMatch(c *gin.Context) {
	m, err := h.matches.JoinMatch(c.Request.Context(), match.JoinMatchRequest{
		MatchID: c.Param("id"),
		UserID:  currentUser(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) BeginVoting(c *gin.Context) {
	res, err := h.matches.BeginVoting(c.Request.Context(), c.Param("id"), currentUser(c), time.Now())
	writeResult(c, res, err)
}

type voteBody struct {
	TargetID string `json:"target_id" binding:"required"`
}

func (h *Handler) SubmitVote(c *gin.Context) {
	var body voteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.matches.SubmitVote(c.Request.Context(), match.VoteRequest{
		MatchID:  c.Param("id"),
		VoterID:  currentUser(c),
		TargetID: body.TargetID,
	})
	writeResult(c, res, err)
}

func (h *Handler) RequestLeave(c *gin.Context) {
	res, err := h.matches.RequestLeave(c.Request.Context(), c.Param("id"), currentUser(c))
	writeResult(c, res, err)
}

type approveLeaveBody struct {
	RequesterID string `json:"requester_id" binding:"required"`
}

func (h *Handler) ApproveLeave(c *gin.Context) {
	var body approveLeaveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.matches.ApproveLeave(c.Request.Context(), c.Param("id"), body.RequesterID, currentUser(c))
	writeResult(c, res, err)
}

func (h *Handler) SubmitEvidence(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	m, err := h.matches.SubmitEvidence(c.Request.Context(), match.EvidenceRequest{
		MatchID:     c.Param("id"),
		UserID:      currentUser(c),
		FileName:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
	}, file)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type resolveBody struct {
	WinnerID string `json:"winner_id" binding:"required"`
}

func (h *Handler) ResolveDispute(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.matches.ResolveDispute(c.Request.Context(), c.Param("id"), body.WinnerID)
	writeResult(c, res, err)
}

type depositBody struct {
	PackageID string `json:"package_id"`
	Amount    int64  `json:"amount"`
	Region    string `json:"region"`
	Reference string `json:"reference"`
}

func (h *Handler) Deposit(c *gin.Context) {
	var body depositBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.wallet.Deposit(c.Request.Context(), ledger.DepositRequest{
		UserID:    currentUser(c),
		PackageID: body.PackageID,
		Amount:    body.Amount,
		Region:    body.Region,
		Reference: body.Reference,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type withdrawBody struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

func (h *Handler) Withdraw(c *gin.Context) {
	var body withdrawBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := h.wallet.Withdraw(c.Request.Context(), ledger.WithdrawRequest{
		UserID:    currentUser(c),
		Amount:    body.Amount,
		Reference: body.Reference,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) GetBalance(c *gin.Context) {
	w, err := h.wallet.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	txs, err := h.wallet.History(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) ListPackages(c *gin.Context) {
	pkgs := make([]ledger.TokenPackage, 0, len(ledger.Packages))
	for _, p := range ledger.Packages {
		pkgs = append(pkgs, p)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].PriceMinor < pkgs[j].PriceMinor })
	c.JSON(http.StatusOK, gin.H{"packages": pkgs})
}

const keepAliveInterval = 30 * time.Second

// StreamEvents pushes the caller's match events as server-sent events until
// the client disconnects.
func (h *Handler) StreamEvents(c *gin.Context) {
	ch, unsubscribe := h.events.Subscribe(c.Param("user_id"))
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-ticker.C:
			c.SSEvent("keepalive", gin.H{"at": time.Now().UTC()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeResult reports a lifecycle result. A concurrency conflict means the
// transition already happened elsewhere and is reported as a no-op.
func writeResult(c *gin.Context, res *match.Result, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	var status int
	switch {
	case apperrors.IsConflict(err):
		c.JSON(http.StatusOK, gin.H{"applied": false, "reason": err.Error()})
		return
	case apperrors.IsInsufficientFunds(err):
		status = http.StatusPaymentRequired
	case apperrors.IsValidation(err):
		status = http.StatusBadRequest
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsExternal(err):
		status = http.StatusServiceUnavailable
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": codeOrInternal(err)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperrors.CodeOf(err)})
}

func codeOrInternal(err error) string {
	if code := apperrors.CodeOf(err); code != "" {
		return code
	}
	return apperrors.ErrCodeInternalError
}
