// Package payments turns completed Stripe checkouts into credit grants.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"callagent/internal/audit"
	"callagent/internal/ledger"
	"callagent/internal/metrics"
	"callagent/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Stripe webhooks are small; anything larger is not a real delivery.
const maxPayloadBytes = 65536

const (
	metadataUserID  = "user_id"
	metadataCredits = "credits"
)

type Granter interface {
	Grant(ctx context.Context, userID string, amount int64, req ledger.GrantRequest) (int64, bool, error)
}

type Auditor interface {
	LogWebhookRejected(ctx context.Context, source, reason string)
	LogPaymentRejected(ctx context.Context, eventID, reason string)
}

// StripeHandler serves POST /webhooks/stripe.
//
// Deliveries that can never succeed (unknown user, missing quantity) are
// acknowledged with 200 and audited so Stripe stops retrying them. Only
// infrastructure failures return 5xx.
type StripeHandler struct {
	Ledger  Granter
	Secret  string
	Audit   Auditor
	Metrics *metrics.Metrics
}

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Applied  bool   `json:"applied"`
	Message  string `json:"message,omitempty"`
}

func (h StripeHandler) HandleWebhook(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, webhookResponse{Message: "failed to read request body"})
		return
	}
	if len(payload) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, webhookResponse{Message: "payload too large"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Warn("stripe webhook rejected", "err", err)
		if h.Audit != nil {
			h.Audit.LogWebhookRejected(ctx, "stripe", err.Error())
		}
		h.Metrics.WebhookEvent("stripe", "unknown", "unauthorized")
		c.JSON(http.StatusBadRequest, webhookResponse{Message: "invalid signature"})
		return
	}
	log = log.With("stripe_event_id", event.ID, "stripe_event_type", string(event.Type))

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		h.Metrics.WebhookEvent("stripe", string(event.Type), "ignored")
		c.JSON(http.StatusOK, webhookResponse{Received: true, EventID: event.ID, Message: "event type not handled"})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.reject(ctx, c, event.ID, "malformed checkout session")
		return
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		h.Metrics.WebhookEvent("stripe", string(event.Type), "ignored")
		c.JSON(http.StatusOK, webhookResponse{Received: true, EventID: event.ID, Message: "session not paid"})
		return
	}

	userID, credits, err := grantTarget(&session)
	if err != nil {
		h.reject(ctx, c, event.ID, err.Error())
		return
	}

	_, applied, err := h.Ledger.Grant(ctx, userID, credits, ledger.GrantRequest{
		Reason:         ledger.ReasonPayment,
		ExternalRef:    session.ID,
		IdempotencyKey: ledger.PaymentKey(session.ID),
	})
	if errors.Is(err, ledger.ErrUserNotFound) {
		h.reject(ctx, c, event.ID, "unknown user "+userID)
		return
	}
	if err != nil {
		log.Error("stripe credit grant failed", "user_id", userID, "err", err)
		h.Metrics.WebhookEvent("stripe", string(event.Type), "error")
		c.JSON(http.StatusInternalServerError, webhookResponse{EventID: event.ID, Message: "grant failed"})
		return
	}

	outcome := "duplicate"
	if applied {
		outcome = "applied"
		h.Metrics.CreditsGranted(string(ledger.ReasonPayment), credits)
		log.Info("credits purchased", "user_id", userID, "credits", credits, "session_id", session.ID)
	}
	h.Metrics.WebhookEvent("stripe", string(event.Type), outcome)
	c.JSON(http.StatusOK, webhookResponse{Received: true, EventID: event.ID, Applied: applied})
}

func (h StripeHandler) reject(ctx context.Context, c *gin.Context, eventID, reason string) {
	logger.FromGin(c).Warn("stripe payment not applied", "stripe_event_id", eventID, "reason", reason)
	if h.Audit != nil {
		h.Audit.LogPaymentRejected(ctx, eventID, reason)
	}
	h.Metrics.WebhookEvent("stripe", string(stripe.EventTypeCheckoutSessionCompleted), "rejected")
	c.JSON(http.StatusOK, webhookResponse{Received: true, EventID: eventID, Message: reason})
}

// grantTarget resolves who paid and for how many credits. The user comes from
// client_reference_id, falling back to metadata.
func grantTarget(s *stripe.CheckoutSession) (string, int64, error) {
	if s.ID == "" {
		return "", 0, errors.New("checkout session id missing")
	}
	userID := strings.TrimSpace(s.ClientReferenceID)
	if userID == "" {
		userID = strings.TrimSpace(s.Metadata[metadataUserID])
	}
	if userID == "" {
		return "", 0, errors.New("no user on checkout session")
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(s.Metadata[metadataCredits]), 10, 64)
	if err != nil || credits <= 0 {
		return "", 0, errors.New("checkout session has no positive credits quantity")
	}
	return userID, credits, nil
}
