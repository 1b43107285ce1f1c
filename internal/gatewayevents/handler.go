package gatewayevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/bruno-dias18/rivvlock-sub001/internal/logging"
)

// maxPayloadBytes matches the largest event Stripe documents sending.
const maxPayloadBytes = 65536

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// ErrInvalidSignature is returned when a signed payload does not verify.
var ErrInvalidSignature = errors.New("gatewayevents: invalid webhook signature")

// Handler receives gateway webhooks.
type Handler struct {
	processor *Processor
	secret    string
}

// NewHandler creates a webhook handler. With an empty secret, signatures are
// not checked; only development setups should run that way.
func NewHandler(processor *Processor, secret string) *Handler {
	return &Handler{processor: processor, secret: secret}
}

// RegisterRoutes sets up the inbound webhook route. It is not behind actor
// authentication; the signature authenticates the gateway.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /v1/webhooks/gateway
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unreadable or oversized payload",
		})
		return
	}

	ev, err := Decode(payload, c.GetHeader(SignatureHeader), h.secret)
	if err != nil {
		code := "invalid_request"
		if errors.Is(err, ErrInvalidSignature) {
			code = "invalid_signature"
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
		return
	}

	outcome, err := h.processor.Process(c.Request.Context(), ev)
	if err != nil {
		logging.L(c.Request.Context()).Error("gateway event processing failed",
			"eventId", ev.ID, "type", ev.Type, "error", err)
		// A non-2xx answer makes the gateway redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Event could not be processed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

// Decode verifies and parses a Stripe webhook payload into an Event. The
// signature is checked only when secret is set.
func Decode(payload []byte, signature, secret string) (Event, error) {
	var se stripe.Event
	if secret != "" {
		var err error
		se, err = webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	} else if err := json.Unmarshal(payload, &se); err != nil {
		return Event{}, fmt.Errorf("malformed event: %w", err)
	}

	ev := Event{ID: se.ID, Type: string(se.Type), Payload: payload}
	if !Handled(ev.Type) || se.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case TypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(se.Data.Raw, &ch); err != nil {
			return Event{}, fmt.Errorf("malformed charge in event %s: %w", se.ID, err)
		}
		if ch.PaymentIntent != nil {
			ev.AuthorizationRef = ch.PaymentIntent.ID
		}
		ev.RefundedAmount = ch.AmountRefunded
	default:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("malformed payment intent in event %s: %w", se.ID, err)
		}
		ev.AuthorizationRef = pi.ID
	}
	return ev, nil
}
