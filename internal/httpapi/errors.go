package httpapi

import (
	"errors"
	"net/http"

	"callagent/internal/calls"
	"callagent/internal/ledger"
	"callagent/internal/reporting"
	"callagent/internal/users"
	"callagent/pkg/logger"

	"github.com/gin-gonic/gin"
)

const msgDispatchRetry = "could not place the call right now, please try again"

// writeError maps domain errors to HTTP. Anything unrecognised is a 500 and
// its detail stays in the logs.
func writeError(c *gin.Context, err error) {
	var (
		verr *calls.ValidationError
		derr *calls.DispatchError
	)
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, calls.ErrInsufficientCredits):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "not enough credits"})
	case errors.Is(err, calls.ErrRateLimited):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrTooManyActive):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many calls in progress"})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, users.ErrNotFound), errors.Is(err, ledger.ErrUserNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not registered"})
	case errors.As(err, &derr):
		if derr.Rejected {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": derr.Detail})
			return
		}
		logger.FromGin(c).Error("dispatch failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": msgDispatchRetry})
	case errors.Is(err, calls.ErrAlreadyEnded):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidArgument), errors.Is(err, users.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
