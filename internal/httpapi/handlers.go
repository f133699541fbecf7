package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"callagent/internal/audit"
	"callagent/internal/auth"
	"callagent/internal/calls"
	"callagent/internal/ledger"
	"callagent/internal/reporting"
	"callagent/internal/users"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse input, call internal services, return JSON.
type Handlers struct {
	Calls  *calls.Service
	Users  *users.Service
	Ledger *ledger.Service
	Usage  *reporting.Service
	Audit  *audit.Service

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func requireUser(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return uid, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

// --- Calls ---

func (h Handlers) StartCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var in calls.StartInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Calls.StartCall(c.Request.Context(), uid, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) ListCalls(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	out, err := h.Calls.ListCalls(c.Request.Context(), uid, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "limit": limit, "offset": offset})
}

func (h Handlers) GetCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	call, err := h.Calls.GetCall(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) EndCall(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	call, err := h.Calls.EndCall(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Users ---

// RegisterMe creates the caller's account on first sign-in. It is safe to
// call on every sign-in; later calls return the existing account.
func (h Handlers) RegisterMe(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var in users.RegisterInput
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	u, created, err := h.Users.Register(c.Request.Context(), uid, in)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, u)
}

func (h Handlers) GetMe(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	u, err := h.Users.Get(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// --- Credits ---

func (h Handlers) GetCredits(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	bal, err := h.Ledger.Balance(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	history, err := h.Ledger.History(c.Request.Context(), uid, queryInt(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "history": history})
}

// GetUsage summarises the caller's activity. from and to are RFC 3339; the
// default range is the last 30 days.
func (h Handlers) GetUsage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	to := h.now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = t
	}
	out, err := h.Usage.Usage(c.Request.Context(), reporting.UsageRequest{UserID: uid, Range: reporting.TimeRange{From: from, To: to}})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Admin ---

type adminGrantRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AdminGrant credits a user by hand. RBAC: admin.
func (h Handlers) AdminGrant(c *gin.Context) {
	adminID, ok := requireUser(c)
	if !ok {
		return
	}
	adminRole, _ := auth.Role(c.Request.Context())

	var req adminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.UserID == "" || req.Amount <= 0 || req.Reason == "" || req.IdempotencyKey == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, positive amount, reason and idempotency_key required"})
		return
	}

	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	bal, applied, err := h.Ledger.Grant(ctx, req.UserID, req.Amount, ledger.GrantRequest{
		Reason:         ledger.ReasonAdmin,
		ExternalRef:    "admin:" + adminID,
		IdempotencyKey: "admin:" + req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if applied {
		h.Audit.LogAdminGrant(ctx, adminID, adminRole, req.UserID, req.Amount, req.Reason)
	}
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "balance": bal, "applied": applied})
}
