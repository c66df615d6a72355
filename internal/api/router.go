package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wager_service/pkg/logger"
)

const (
	UserIDHeader   = "X-User-ID"
	userContextKey = "user_id"
)

type RouterOptions struct {
	Gatherer    prometheus.Gatherer
	ReviewToken string
}

func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/packages", h.ListPackages)

	authed := r.Group("/", RequireUser())
	{
		authed.POST("/matches", h.CreateMatch)
		authed.GET("/matches/:id", h.GetMatch)
		authed.POST("/matches/:id/join", h.JoinMatch)
		authed.POST("/matches/:id/voting", h.BeginVoting)
		authed.POST("/matches/:id/votes", h.SubmitVote)
		authed.POST("/matches/:id/leave", h.RequestLeave)
		authed.POST("/matches/:id/leave/approve", h.ApproveLeave)
		authed.POST("/matches/:id/evidence", h.SubmitEvidence)

		authed.POST("/wallet/deposit", h.Deposit)
		authed.POST("/wallet/withdraw", h.Withdraw)

		self := authed.Group("/", RequireSelf())
		self.GET("/users/:user_id/matches", h.ListUserMatches)
		self.GET("/users/:user_id/events", h.StreamEvents)
		self.GET("/wallet/:user_id", h.GetBalance)
		self.GET("/wallet/:user_id/transactions", h.ListTransactions)
	}

	r.POST("/matches/:id/resolve", RequireServiceToken(opts.ReviewToken), h.ResolveDispute)
	return r
}

// RequireUser reads the caller's id from the header set by the gateway.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if _, err := uuid.Parse(userID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + UserIDHeader})
			return
		}
		c.Set(userContextKey, userID)
		c.Next()
	}
}

// RequireSelf only lets users read their own wallet and matches.
func RequireSelf() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("user_id") != currentUser(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireServiceToken checks the bearer token of an internal caller. With no
// token configured the route is closed.
func RequireServiceToken(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			logger.Warn("Rejected service call", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userContextKey)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "latency_ms", time.Since(start).Milliseconds())
	}
}
