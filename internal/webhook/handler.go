package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"callagent/internal/audit"
	"callagent/internal/calls"
	"callagent/internal/metrics"
	"callagent/internal/telephony"
	"callagent/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 1 << 20

// Auditor records rejected deliveries.
type Auditor interface {
	LogWebhookRejected(ctx context.Context, source, reason string)
}

// Handler serves POST /webhooks/bridge.
//
// The bearer secret is checked before the body is read into any state.
type Handler struct {
	Processor *Processor
	Secret    string
	Audit     Auditor
	Metrics   *metrics.Metrics
}

func (h Handler) HandleBridgeEvent(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())

	if !telephony.VerifyBearer(c.GetHeader("Authorization"), h.Secret) {
		log.Warn("bridge webhook rejected", "reason", "bad bearer", "ip", c.ClientIP())
		if h.Audit != nil {
			h.Audit.LogWebhookRejected(ctx, "bridge", "invalid bearer token")
		}
		h.Metrics.WebhookEvent("bridge", "unknown", "unauthorized")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.Metrics.WebhookEvent("bridge", "unknown", "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	ev, err := telephony.ParseEvent(body)
	if err != nil {
		log.Warn("bridge webhook malformed", "err", err)
		h.Metrics.WebhookEvent("bridge", "unknown", "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log = log.With("call_id", ev.CallID, "event", ev.Event)
	applied, err := h.Processor.Apply(ctx, ev)
	var verr *calls.ValidationError
	switch {
	case errors.Is(err, calls.ErrNotFound):
		log.Warn("bridge webhook for unknown call")
		h.Metrics.WebhookEvent("bridge", string(ev.Event), "unknown_call")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call"})
		return
	case errors.As(err, &verr), errors.Is(err, telephony.ErrMalformedEvent):
		log.Warn("bridge webhook rejected", "err", err)
		h.Metrics.WebhookEvent("bridge", string(ev.Event), "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		log.Error("bridge webhook failed", "err", err)
		h.Metrics.WebhookEvent("bridge", string(ev.Event), "error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	log.Debug("bridge webhook processed", "outcome", outcome)
	h.Metrics.WebhookEvent("bridge", string(ev.Event), outcome)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "applied": applied})
}
