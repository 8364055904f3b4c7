// Package handlers contains the HTTP handler implementations: the two
// inbound webhook receivers and the first-party REST API.
package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/dedup"
	"billingsync/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// providerSignatureHeader carries one or more HMAC-SHA256 hex digests of the
// raw body, comma separated. Any matching digest authenticates the request.
const providerSignatureHeader = "x-rl-signatures"

// Provider webhook event types.
const (
	eventAccountCreated    = "ACCOUNT_CREATED"
	eventAccountSubscribed = "ACCOUNT_SUBSCRIBED"
	eventAccountCanceled   = "ACCOUNT_CANCELED"
	eventAccountMoveIn     = "ACCOUNT_MOVE_IN"
	eventAccountMoveOut    = "ACCOUNT_MOVE_OUT"
)

// ProviderTransitions is the subset of the reconciliation engine driven by
// account-provider webhooks.
type ProviderTransitions interface {
	HandleAccountCreated(ctx context.Context, timestamp int64, accountID, firstName, lastName, email string) error
	HandleAccountSubscriptionChanged(ctx context.Context, timestamp int64, accountID, planID string) error
	HandleAccountSubscriptionCanceled(ctx context.Context, timestamp int64, accountID string) error
	HandleAccountMovedIn(ctx context.Context, timestamp int64, accountID, firstName, lastName, email string) error
	HandleAccountMovedOut(ctx context.Context, timestamp int64, accountID string) error
}

// ProviderWebhookHandler receives account-provider webhooks. It is not
// behind auth middleware; authenticity comes from the raw-body HMAC.
type ProviderWebhookHandler struct {
	engine        ProviderTransitions
	sharedSecret  types.SecretString
	validInterval int64
	usedIDs       *dedup.ExpireSet[string]
	clock         types.Clock
	logger        *slog.Logger
}

// NewProviderWebhookHandler creates a ProviderWebhookHandler.
// validIntervalSeconds bounds both the accepted attemptTimestamp skew and
// the event-id dedup window. A nil clock defaults to real time.
func NewProviderWebhookHandler(
	engine ProviderTransitions,
	sharedSecret types.SecretString,
	validIntervalSeconds int64,
	clock types.Clock,
	logger *slog.Logger,
) *ProviderWebhookHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderWebhookHandler{
		engine:        engine,
		sharedSecret:  sharedSecret,
		validInterval: validIntervalSeconds,
		usedIDs:       dedup.NewExpireSet[string](validIntervalSeconds, clock),
		clock:         clock,
		logger:        logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *ProviderWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/routerlimits", h.Handle)
}

// webhookEnvelope is the provider's delivery envelope. The data payload is
// decoded per event type after the envelope itself validates.
type webhookEnvelope struct {
	Attempt          *int64          `json:"attempt"`
	AttemptTimestamp *int64          `json:"attemptTimestamp"`
	Data             json.RawMessage `json:"data"`
	EventID          string          `json:"eventId"`
	EventTimestamp   *int64          `json:"eventTimestamp"`
	EventType        string          `json:"eventType"`
}

// accountEventData is the payload of ACCOUNT_CREATED and ACCOUNT_MOVE_IN:
// the new account with its user identity fields.
type accountEventData struct {
	ID   string `json:"id"`
	User *struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	} `json:"user"`
}

// subscribedEventData is the payload of ACCOUNT_SUBSCRIBED.
type subscribedEventData struct {
	AccountID string `json:"accountId"`
	Plan      *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"plan"`
}

// canceledEventData is the payload of ACCOUNT_CANCELED and ACCOUNT_MOVE_OUT.
type canceledEventData struct {
	AccountID string `json:"accountId"`
}

// Handle processes a provider webhook delivery. The body is read raw because
// the signature covers the exact bytes. Responses follow the provider's
// contract: short 400 reason strings for rejected deliveries, 204 for
// processed or duplicate events, 500 (no detail) on processing failure so
// the provider redelivers.
func (h *ProviderWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get(providerSignatureHeader)
	if sigHeader == "" {
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}
	if !h.signatureMatches(payload, sigHeader) {
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if envelope.Attempt == nil || envelope.AttemptTimestamp == nil || envelope.EventTimestamp == nil ||
		envelope.EventID == "" || envelope.EventType == "" || len(envelope.Data) == 0 {
		http.Error(w, "Invalid webhook format", http.StatusBadRequest)
		return
	}

	event, err := decodeEvent(envelope)
	if err != nil {
		if types.ErrorHasCode(err, types.ErrCodeValidationInvalidRequest) {
			http.Error(w, "Unknown webhook type", http.StatusBadRequest)
		} else {
			http.Error(w, "Invalid webhook format", http.StatusBadRequest)
		}
		return
	}

	now := h.clock.Now().Unix()
	skew := now - *envelope.AttemptTimestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > h.validInterval {
		http.Error(w, "Invalid attemptTimestamp", http.StatusBadRequest)
		return
	}

	// A previously-seen eventId is simply re-acked; the first delivery
	// already did the work.
	if h.usedIDs.Has(envelope.EventID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.dispatch(r.Context(), *envelope.EventTimestamp, event); err != nil {
		h.logger.ErrorContext(r.Context(), "provider webhook processing failed",
			"event_id", envelope.EventID,
			"event_type", envelope.EventType,
			"error", err,
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// Record the event id only after successful processing so a failed
	// delivery is retried rather than swallowed.
	h.usedIDs.Insert(envelope.EventID)
	w.WriteHeader(http.StatusNoContent)
}

// providerEvent is the decoded tagged union of provider webhook payloads.
// Exactly one data field is set, matching eventType.
type providerEvent struct {
	eventType  string
	created    *accountEventData
	subscribed *subscribedEventData
	canceled   *canceledEventData
}

// decodeEvent validates the event type and decodes the matching payload
// shape. An unrecognized type yields validation_invalid_request; a payload
// that does not match its type yields validation_invalid_json.
func decodeEvent(envelope webhookEnvelope) (providerEvent, error) {
	malformed := types.NewAppError(types.ErrCodeValidationInvalidJSON, "webhook data does not match its event type", nil)

	switch envelope.EventType {
	case eventAccountCreated, eventAccountMoveIn:
		var data accountEventData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return providerEvent{}, malformed
		}
		if data.ID == "" || data.User == nil || data.User.FirstName == "" || data.User.LastName == "" || data.User.Email == "" {
			return providerEvent{}, malformed
		}
		return providerEvent{eventType: envelope.EventType, created: &data}, nil

	case eventAccountSubscribed:
		var data subscribedEventData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return providerEvent{}, malformed
		}
		if data.AccountID == "" || data.Plan == nil || data.Plan.ID == "" {
			return providerEvent{}, malformed
		}
		return providerEvent{eventType: envelope.EventType, subscribed: &data}, nil

	case eventAccountCanceled, eventAccountMoveOut:
		var data canceledEventData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return providerEvent{}, malformed
		}
		if data.AccountID == "" {
			return providerEvent{}, malformed
		}
		return providerEvent{eventType: envelope.EventType, canceled: &data}, nil

	default:
		return providerEvent{}, types.NewAppError(
			types.ErrCodeValidationInvalidRequest,
			"unrecognized event type "+envelope.EventType,
			nil,
		)
	}
}

// dispatch routes a decoded event to its transition procedure.
func (h *ProviderWebhookHandler) dispatch(ctx context.Context, eventTimestamp int64, event providerEvent) error {
	switch event.eventType {
	case eventAccountCreated:
		return h.engine.HandleAccountCreated(ctx, eventTimestamp, event.created.ID,
			event.created.User.FirstName, event.created.User.LastName, event.created.User.Email)
	case eventAccountMoveIn:
		return h.engine.HandleAccountMovedIn(ctx, eventTimestamp, event.created.ID,
			event.created.User.FirstName, event.created.User.LastName, event.created.User.Email)
	case eventAccountSubscribed:
		return h.engine.HandleAccountSubscriptionChanged(ctx, eventTimestamp, event.subscribed.AccountID, event.subscribed.Plan.ID)
	case eventAccountCanceled:
		return h.engine.HandleAccountSubscriptionCanceled(ctx, eventTimestamp, event.canceled.AccountID)
	case eventAccountMoveOut:
		return h.engine.HandleAccountMovedOut(ctx, eventTimestamp, event.canceled.AccountID)
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "unhandled event type "+event.eventType, nil)
}

// signatureMatches computes the HMAC-SHA256 of the raw payload under the
// shared secret and accepts if any comma-separated candidate matches.
func (h *ProviderWebhookHandler) signatureMatches(payload []byte, sigHeader string) bool {
	mac := hmac.New(sha256.New, []byte(h.sharedSecret.Unmask()))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Split(sigHeader, ",") {
		if hmac.Equal([]byte(strings.TrimSpace(candidate)), []byte(expected)) {
			return true
		}
	}
	return false
}
