// Package webhook reconciles asynchronous provider notifications with
// stored charges. Deliveries are at-least-once and unordered, so every
// state change here is guarded by an idempotency marker.
package webhook

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/metrics"
	"github.com/EmmaGHimself/payment/internal/models"
	"github.com/EmmaGHimself/payment/internal/payerr"
	"github.com/EmmaGHimself/payment/internal/provider"
)

// ChargeStore is the charge persistence slice reconciliation needs.
type ChargeStore interface {
	GetByIdentifier(ctx context.Context, identifier string) (*models.Charge, error)
	GetByMetadata(ctx context.Context, name, value string) (*models.Charge, error)
	UpdateStatus(ctx context.Context, id int64, status models.ChargeStatus) error
	AppendHistory(ctx context.Context, h *models.ChargeHistory) error
	SaveMetadata(ctx context.Context, chargeID int64, name, value string) (bool, error)
	UpsertMetadata(ctx context.Context, chargeID int64, name, value string) error
	GetMetadata(ctx context.Context, chargeID int64, name string) (*models.ChargeMetadata, error)
}

// Orchestrator applies the success transition. All success paths funnel
// through it so the settled pipeline fires exactly once.
type Orchestrator interface {
	MarkChargeSuccessful(ctx context.Context, charge *models.Charge, trigger string, history *models.ChargeHistory) (bool, error)
	EnsureSettlementQueued(ctx context.Context, charge *models.Charge, trigger string) error
}

// RequestLog records raw webhook receipts for dispute resolution.
type RequestLog interface {
	Create(ctx context.Context, service, endpoint, request string) (int64, error)
	UpdateResponse(ctx context.Context, id int64, response string) error
}

// Outcome statuses reported back to handlers.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed_event"
	OutcomeUnmatched = "unmatched"
)

type Outcome struct {
	Status     string `json:"status"`
	Identifier string `json:"identifier,omitempty"`
}

// Reconciler applies provider webhook events to charges.
type Reconciler struct {
	providers    *provider.Registry
	store        ChargeStore
	orchestrator Orchestrator
	requests     RequestLog
	logger       *zap.Logger
}

func NewReconciler(
	providers *provider.Registry,
	store ChargeStore,
	orchestrator Orchestrator,
	requests RequestLog,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		providers:    providers,
		store:        store,
		orchestrator: orchestrator,
		requests:     requests,
		logger:       logger,
	}
}

// Handle processes one raw webhook delivery. The receipt is logged before
// the signature is checked, so forged or misconfigured deliveries still
// leave a trace. Signature verification gates everything else.
func (r *Reconciler) Handle(ctx context.Context, providerName string, rawBody []byte, signature string) (*Outcome, error) {
	logID, err := r.requests.Create(ctx, providerName, "webhook", string(rawBody))
	if err != nil {
		r.logger.Error("failed to log webhook receipt",
			zap.String("provider", providerName), zap.Error(err))
	}

	p, err := r.providers.Get(providerName)
	if err != nil {
		r.finishLog(ctx, logID, payerr.CodeUnsupportedProvider)
		return nil, err
	}

	result, err := p.ProcessWebhook(rawBody, signature)
	if err != nil {
		metrics.WebhooksProcessed.WithLabelValues(providerName, "invalid_signature").Inc()
		r.finishLog(ctx, logID, payerr.CodeInvalidSignature)
		return nil, payerr.Wrap(payerr.ErrInvalidSignature, err)
	}

	charge, err := r.findCharge(ctx, providerName, result.Reference)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		r.logger.Warn("webhook for unknown charge",
			zap.String("provider", providerName),
			zap.String("reference", result.Reference))
		metrics.WebhooksProcessed.WithLabelValues(providerName, OutcomeUnmatched).Inc()
		r.finishLog(ctx, logID, OutcomeUnmatched)
		return &Outcome{Status: OutcomeUnmatched}, nil
	}

	if err := r.bumpAttempts(ctx, charge.ID, providerName); err != nil {
		r.logger.Error("failed to bump webhook attempts",
			zap.Int64("charge_id", charge.ID), zap.Error(err))
	}

	outcome, err := r.apply(ctx, providerName, charge, result)
	if err != nil {
		r.finishLog(ctx, logID, err.Error())
		return nil, err
	}

	metrics.WebhooksProcessed.WithLabelValues(providerName, outcome.Status).Inc()
	r.finishLog(ctx, logID, outcome.Status)
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, providerName string, charge *models.Charge, result *provider.Result) (*Outcome, error) {
	if !result.Success {
		// Failure events never touch the idempotency marker, so a later
		// genuine success delivery still applies.
		if charge.Status == models.ChargeStatusPending {
			if err := r.store.UpdateStatus(ctx, charge.ID, models.ChargeStatusFailed); err != nil {
				return nil, err
			}
			metrics.ChargesFailed.Inc()
		}
		response, _ := json.Marshal(result.Data)
		if err := r.store.AppendHistory(ctx, &models.ChargeHistory{
			ChargeID:        charge.ID,
			Description:     "Webhook received",
			ResponseMessage: result.Message,
			Status:          models.ChargeStatusFailed,
			Activity:        models.ActivityWebhookReceived,
			Response:        string(response),
		}); err != nil {
			return nil, err
		}
		return &Outcome{Status: OutcomeFailed, Identifier: charge.Identifier}, nil
	}

	// The conditional marker insert is the idempotency gate: exactly one
	// success delivery per charge passes it.
	saved, err := r.store.SaveMetadata(ctx, charge.ID, providerName+"_webhook_id", eventID(result))
	if err != nil {
		return nil, err
	}
	if !saved {
		// A prior delivery consumed the marker. The success flip may
		// still have lost its settlement enqueue, so the redelivery is
		// used to repair the hand-off before acking.
		if err := r.orchestrator.EnsureSettlementQueued(ctx, charge, "webhook"); err != nil {
			return nil, err
		}
		return &Outcome{Status: OutcomeDuplicate, Identifier: charge.Identifier}, nil
	}

	if result.Reference != "" && result.Reference != charge.Identifier {
		if _, err := r.store.SaveMetadata(ctx, charge.ID, providerName+"_charge_reference", result.Reference); err != nil {
			return nil, err
		}
	}

	response, _ := json.Marshal(result.Data)
	if _, err := r.orchestrator.MarkChargeSuccessful(ctx, charge, "webhook", &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Webhook confirmed payment",
		ResponseMessage: result.Message,
		Status:          models.ChargeStatusSuccessful,
		Activity:        models.ActivityWebhookSuccess,
		Response:        string(response),
	}); err != nil {
		return nil, err
	}

	return &Outcome{Status: OutcomeProcessed, Identifier: charge.Identifier}, nil
}

// findCharge resolves the provider's reference to a charge, first by our
// identifier, then by the stored provider reference.
func (r *Reconciler) findCharge(ctx context.Context, providerName, reference string) (*models.Charge, error) {
	if reference == "" {
		return nil, nil
	}
	charge, err := r.store.GetByIdentifier(ctx, reference)
	if err != nil || charge != nil {
		return charge, err
	}
	return r.store.GetByMetadata(ctx, providerName+"_charge_reference", reference)
}

func (r *Reconciler) bumpAttempts(ctx context.Context, chargeID int64, providerName string) error {
	name := providerName + "_attempts"
	attempts := 0
	if meta, err := r.store.GetMetadata(ctx, chargeID, name); err != nil {
		return err
	} else if meta != nil {
		attempts, _ = strconv.Atoi(meta.Value)
	}
	return r.store.UpsertMetadata(ctx, chargeID, name, strconv.Itoa(attempts+1))
}

func (r *Reconciler) finishLog(ctx context.Context, logID int64, response string) {
	if logID == 0 {
		return
	}
	if err := r.requests.UpdateResponse(ctx, logID, response); err != nil {
		r.logger.Error("failed to finalize webhook log", zap.Int64("log_id", logID), zap.Error(err))
	}
}

// eventID extracts the provider's event identifier from the webhook data,
// falling back to the transaction reference.
func eventID(result *provider.Result) string {
	for _, key := range []string{"event_id", "id", "session_id"} {
		if v, ok := result.Data[key]; ok {
			switch t := v.(type) {
			case string:
				if t != "" {
					return t
				}
			case float64:
				return strconv.FormatInt(int64(t), 10)
			}
		}
	}
	return result.Reference
}
