package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/dedup"
	"billingsync/internal/external"
	"billingsync/internal/types"
)

const billingSignatureHeader = "stripe-signature"

// eventSubscriptionDeleted is the only billing event type acted on. All
// other recognized deliveries are acknowledged and dropped.
const eventSubscriptionDeleted = "customer.subscription.deleted"

// BillingTransitions is the subset of the reconciliation engine driven by
// billing-provider webhooks.
type BillingTransitions interface {
	HandleBillingSubscriptionCanceled(ctx context.Context, timestamp int64, billingID string) error
}

// BillingWebhookHandler receives billing-provider webhooks.
type BillingWebhookHandler struct {
	engine        BillingTransitions
	verifier      external.WebhookVerifier
	webhookSecret types.SecretString
	validInterval int64
	usedIDs       *dedup.ExpireSet[string]
	clock         types.Clock
	logger        *slog.Logger
}

// NewBillingWebhookHandler creates a BillingWebhookHandler. The verifier
// checks the signature header against the raw payload; validIntervalSeconds
// bounds the accepted created-timestamp skew and the event-id dedup window.
func NewBillingWebhookHandler(
	engine BillingTransitions,
	verifier external.WebhookVerifier,
	webhookSecret types.SecretString,
	validIntervalSeconds int64,
	clock types.Clock,
	logger *slog.Logger,
) *BillingWebhookHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingWebhookHandler{
		engine:        engine,
		verifier:      verifier,
		webhookSecret: webhookSecret,
		validInterval: validIntervalSeconds,
		usedIDs:       dedup.NewExpireSet[string](validIntervalSeconds, clock),
		clock:         clock,
		logger:        logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *BillingWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// billingEvent is the minimal slice of the billing provider's event envelope
// this service reads. Customer arrives either as an id string or as an
// expanded object with an id field.
type billingEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			Customer json.RawMessage `json:"customer"`
		} `json:"object"`
	} `json:"data"`
}

// customerID extracts the customer identifier from either wire form.
func (e *billingEvent) customerID() string {
	raw := e.Data.Object.Customer
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// Handle processes a billing webhook delivery. Signature verification runs
// against the raw bytes before any parsing. Duplicate event ids and event
// types this service does not act on are acknowledged with 204. Processing
// failures return 500 with no body so the provider redelivers, including
// cancellations for customers with no local mapping, which indicate a
// missed creation event.
func (h *BillingWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid webhook format", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get(billingSignatureHeader)
	if sigHeader == "" {
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.webhookSecret.Unmask()); err != nil {
		http.Error(w, "Invalid signature or event", http.StatusBadRequest)
		return
	}

	var event billingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		http.Error(w, "Invalid webhook format", http.StatusBadRequest)
		return
	}
	if event.ID == "" || event.Type == "" || event.Created == 0 {
		http.Error(w, "Invalid webhook format", http.StatusBadRequest)
		return
	}

	now := h.clock.Now().Unix()
	skew := now - event.Created
	if skew < 0 {
		skew = -skew
	}
	if skew > h.validInterval {
		http.Error(w, "Invalid created timestamp", http.StatusBadRequest)
		return
	}

	if h.usedIDs.Has(event.ID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if event.Type != eventSubscriptionDeleted {
		h.usedIDs.Insert(event.ID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	customer := event.customerID()
	if customer == "" {
		http.Error(w, "Invalid webhook format", http.StatusBadRequest)
		return
	}

	if err := h.engine.HandleBillingSubscriptionCanceled(r.Context(), event.Created, customer); err != nil {
		h.logger.ErrorContext(r.Context(), "billing webhook processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"customer", customer,
			"error", err,
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.usedIDs.Insert(event.ID)
	w.WriteHeader(http.StatusNoContent)
}
