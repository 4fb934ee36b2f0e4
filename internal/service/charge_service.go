package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/metrics"
	"github.com/EmmaGHimself/payment/internal/models"
	"github.com/EmmaGHimself/payment/internal/payerr"
	"github.com/EmmaGHimself/payment/internal/provider"
)

// ChargeStore is the charge persistence surface the orchestrator uses.
type ChargeStore interface {
	CreateWithInfo(ctx context.Context, info *models.ChargeInfo, charge *models.Charge) error
	GetByID(ctx context.Context, id int64) (*models.Charge, error)
	GetByIdentifier(ctx context.Context, identifier string) (*models.Charge, error)
	GetByMetadata(ctx context.Context, name, value string) (*models.Charge, error)
	GetInfoByID(ctx context.Context, id int64) (*models.ChargeInfo, error)
	GetInfoByReference(ctx context.Context, merchantID, reference string) (*models.ChargeInfo, error)
	GetLatestByInfoID(ctx context.Context, infoID int64) (*models.Charge, error)
	MarkSuccessful(ctx context.Context, id int64) (bool, error)
	SetService(ctx context.Context, id int64, service string) error
	UpdateStatus(ctx context.Context, id int64, status models.ChargeStatus) error
	AppendHistory(ctx context.Context, h *models.ChargeHistory) error
	SaveMetadata(ctx context.Context, chargeID int64, name, value string) (bool, error)
	UpsertMetadata(ctx context.Context, chargeID int64, name, value string) error
	GetMetadata(ctx context.Context, chargeID int64, name string) (*models.ChargeMetadata, error)
}

// SettlementQueue enqueues a settlement task for a successful charge.
type SettlementQueue interface {
	Enqueue(ctx context.Context, chargeID int64, trigger string) error
}

// ManualSettler settles a charge outside the queue.
type ManualSettler interface {
	SettleManually(ctx context.Context, charge *models.Charge, reason string) (*models.Settlement, error)
}

// SettlementReader reports whether a settlement record exists for a
// charge, used to detect a lost settlement hand-off.
type SettlementReader interface {
	GetByChargeID(ctx context.Context, chargeID int64) (*models.Settlement, error)
}

// ChargeService orchestrates the charge lifecycle: initiation, provider
// routing, validation, requery, cancellation and settlement hand-off.
type ChargeService struct {
	store       ChargeStore
	providers   *provider.Registry
	queue       SettlementQueue
	settler     ManualSettler
	settlements SettlementReader
	merchants   MerchantResolver
	logger      *zap.Logger
}

func NewChargeService(
	store ChargeStore,
	providers *provider.Registry,
	queue SettlementQueue,
	settler ManualSettler,
	settlements SettlementReader,
	merchants MerchantResolver,
	logger *zap.Logger,
) *ChargeService {
	return &ChargeService{
		store:       store,
		providers:   providers,
		queue:       queue,
		settler:     settler,
		settlements: settlements,
		merchants:   merchants,
		logger:      logger,
	}
}

// InitiateRequest is the merchant-facing charge creation payload. Amount
// is the raw minor-unit string as signed into the hash.
type InitiateRequest struct {
	Amount            string `json:"amount" binding:"required"`
	Reference         string `json:"reference" binding:"required"`
	PublicKey         string `json:"public_key" binding:"required"`
	Hash              string `json:"hash" binding:"required"`
	Discount          string `json:"discount,omitempty"`
	Email             string `json:"email" binding:"required"`
	Phone             string `json:"phone,omitempty"`
	CustomerID        string `json:"customer_id"`
	Currency          string `json:"currency,omitempty"`
	Description       string `json:"description,omitempty"`
	Callback          string `json:"callback,omitempty"`
	SettlementAccount string `json:"settlement_account,omitempty"`
}

type InitiateResponse struct {
	Identifier string   `json:"identifier"`
	Reference  string   `json:"reference"`
	Amount     int64    `json:"amount"`
	Currency   string   `json:"currency"`
	Status     string   `json:"status"`
	Channels   []string `json:"channels"`
}

// Initiate validates the request hash, rejects duplicate merchant
// references and creates the pending charge. No provider is contacted.
func (s *ChargeService) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	amount, err := strconv.ParseInt(req.Amount, 10, 64)
	if err != nil || amount <= 0 {
		return nil, payerr.WithMessage(payerr.ErrValidation, "Amount must be a positive integer in minor units")
	}
	if req.Reference == "" || req.Email == "" {
		return nil, payerr.WithMessage(payerr.ErrValidation, "Reference and email are required")
	}

	merchant, err := s.merchants.ResolveByPublicKey(ctx, req.PublicKey)
	if err != nil {
		return nil, err
	}

	if !ValidateRequestHash(req.Amount, req.PublicKey, req.Reference, req.Discount, req.Hash) {
		return nil, payerr.ErrInvalidHash
	}

	currency := req.Currency
	if currency == "" {
		currency = "NGN"
	}

	info := &models.ChargeInfo{
		Amount:            amount,
		MerchantReference: req.Reference,
		CustomerID:        req.CustomerID,
		Description:       req.Description,
		Email:             req.Email,
		Phone:             req.Phone,
		Callback:          req.Callback,
		SettlementAccount: req.SettlementAccount,
		Livemode:          merchant.Livemode,
		Currency:          currency,
		MerchantID:        merchant.ID,
		MerchantName:      merchant.Name,
		Identifier:        GenerateIdentifier(10),
		Status:            models.ChargeInfoStatusEnabled,
	}
	charge := &models.Charge{
		Identifier:   GenerateIdentifier(10),
		Amount:       amount,
		Currency:     currency,
		Description:  req.Description,
		Email:        req.Email,
		Phone:        req.Phone,
		CustomerID:   req.CustomerID,
		MerchantID:   merchant.ID,
		MerchantName: merchant.Name,
		Status:       models.ChargeStatusPending,
		Livemode:     merchant.Livemode,
	}

	if err := s.store.CreateWithInfo(ctx, info, charge); err != nil {
		return nil, err
	}

	metrics.ChargesInitiated.Inc()
	s.appendHistory(ctx, &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Payment initiated",
		ResponseMessage: "Charge created",
		Status:          models.ChargeStatusPending,
		Activity:        models.ActivityMakePayment,
	})

	s.logger.Info("charge initiated",
		zap.String("identifier", charge.Identifier),
		zap.String("merchant_reference", req.Reference),
		zap.Int64("amount", amount))

	return &InitiateResponse{
		Identifier: charge.Identifier,
		Reference:  req.Reference,
		Amount:     amount,
		Currency:   currency,
		Status:     string(charge.Status),
		Channels:   []string{"card", "bank_transfer", "ussd"},
	}, nil
}

// CreateProviderCharge routes a pending charge to a payment provider and
// records the provider's reference for later webhook correlation.
func (s *ChargeService) CreateProviderCharge(ctx context.Context, identifier, providerName string, card *provider.Card) (*provider.Result, error) {
	charge, err := s.pendingCharge(ctx, identifier)
	if err != nil {
		return nil, err
	}

	p, err := s.providers.Get(s.providerName(providerName))
	if err != nil {
		return nil, err
	}

	result, err := p.CreateCharge(ctx, &provider.ChargeRequest{
		Amount:       charge.Amount,
		Currency:     charge.Currency,
		Email:        charge.Email,
		Reference:    charge.Identifier,
		Card:         card,
		MerchantName: charge.MerchantName,
		Metadata:     map[string]interface{}{"reference": charge.Identifier},
	})
	if err != nil {
		// The breaker is open or the call never completed; the charge
		// stays pending so the client can retry.
		s.appendHistory(ctx, &models.ChargeHistory{
			ChargeID:        charge.ID,
			Description:     "Provider charge attempt failed",
			ResponseMessage: err.Error(),
			Status:          models.ChargeStatusPending,
			Activity:        models.ActivityMakePayment,
		})
		return nil, err
	}

	if err := s.store.SetService(ctx, charge.ID, p.Name()); err != nil {
		return nil, err
	}
	charge.Service = p.Name()

	if result.Reference != "" && result.Reference != charge.Identifier {
		if err := s.store.UpsertMetadata(ctx, charge.ID, p.Name()+"_charge_reference", result.Reference); err != nil {
			return nil, err
		}
	}

	response, _ := json.Marshal(result)
	s.appendHistory(ctx, &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Provider charge created",
		ResponseMessage: result.Message,
		Status:          resultStatus(result, charge.Status),
		Activity:        models.ActivityMakePayment,
		Response:        string(response),
	})

	return s.applyResult(ctx, charge, result, "payment")
}

// SubmitValidation forwards a client-supplied validation value (OTP, PIN,
// phone, birthday, address) for a pending charge. The attempt is recorded
// regardless of outcome.
func (s *ChargeService) SubmitValidation(ctx context.Context, identifier, validationType string, values map[string]string) (*provider.Result, error) {
	charge, err := s.pendingCharge(ctx, identifier)
	if err != nil {
		return nil, err
	}

	p, err := s.providers.Get(s.providerName(charge.Service))
	if err != nil {
		return nil, err
	}

	data := map[string]string{"type": validationType}
	for k, v := range values {
		data[k] = v
	}

	reference, err := s.providerReference(ctx, charge, p.Name())
	if err != nil {
		return nil, err
	}

	result, err := p.SubmitValidation(ctx, reference, data)
	if err != nil {
		s.appendHistory(ctx, &models.ChargeHistory{
			ChargeID:        charge.ID,
			Description:     "Validation attempt failed",
			ResponseMessage: err.Error(),
			Status:          models.ChargeStatusPending,
			Activity:        models.ActivitySubmitValidation,
		})
		return nil, err
	}

	response, _ := json.Marshal(result)
	s.appendHistory(ctx, &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Validation submitted",
		ResponseMessage: result.Message,
		Status:          resultStatus(result, models.ChargeStatusPending),
		Activity:        models.ActivitySubmitValidation,
		Response:        string(response),
	})

	return s.applyResult(ctx, charge, result, "validation")
}

type RequeryResponse struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
	Successful bool   `json:"successful"`
	Settled    bool   `json:"settled"`
	Message    string `json:"message,omitempty"`
}

// Requery asks the provider for the authoritative transaction state and
// applies a success transition if one is due. Requery never downgrades a
// charge that is already successful.
func (s *ChargeService) Requery(ctx context.Context, identifier string) (*RequeryResponse, error) {
	charge, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, payerr.ErrTransactionNotFound
	}

	p, err := s.providers.Get(s.providerName(charge.Service))
	if err != nil {
		return nil, err
	}

	reference, err := s.providerReference(ctx, charge, p.Name())
	if err != nil {
		return nil, err
	}

	result, err := p.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}

	switch {
	case result.Success && result.ActionRequired == provider.ActionCompleted && !charge.Successful:
		response, _ := json.Marshal(result)
		if _, err := s.MarkChargeSuccessful(ctx, charge, "requery", &models.ChargeHistory{
			ChargeID:        charge.ID,
			Description:     "Charge confirmed via requery",
			ResponseMessage: result.Message,
			Status:          models.ChargeStatusSuccessful,
			Activity:        models.ActivityRequery,
			Response:        string(response),
		}); err != nil {
			return nil, err
		}
	case result.Success && result.ActionRequired == provider.ActionCompleted:
		// Already successful. If the original settlement enqueue was lost
		// the charge is stranded; re-enqueueing is safe because the
		// consumer's writes are conditional.
		if err := s.EnsureSettlementQueued(ctx, charge, "requery"); err != nil {
			return nil, err
		}
	case result.ActionRequired == provider.ActionTerminate && charge.Status == models.ChargeStatusPending:
		status := terminalStatus(result)
		if err := s.store.UpdateStatus(ctx, charge.ID, status); err != nil {
			return nil, err
		}
		charge.Status = status
		metrics.ChargesFailed.Inc()
		response, _ := json.Marshal(result)
		s.appendHistory(ctx, &models.ChargeHistory{
			ChargeID:        charge.ID,
			Description:     "Charge terminated via requery",
			ResponseMessage: result.Message,
			Status:          status,
			Activity:        models.ActivityRequery,
			Response:        string(response),
		})
	}

	return &RequeryResponse{
		Identifier: charge.Identifier,
		Status:     string(charge.Status),
		Successful: charge.Successful,
		Settled:    charge.Settled,
		Message:    result.Message,
	}, nil
}

// Cancel aborts a charge that has not completed. Only pending charges can
// be cancelled; terminal states are immutable.
func (s *ChargeService) Cancel(ctx context.Context, identifier string) error {
	charge, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	if charge == nil {
		return payerr.ErrTransactionNotFound
	}
	if charge.Status != models.ChargeStatusPending {
		return payerr.WithMessage(payerr.ErrValidation, "Only pending charges can be cancelled")
	}

	if err := s.store.UpdateStatus(ctx, charge.ID, models.ChargeStatusCancelled); err != nil {
		return err
	}
	s.appendHistory(ctx, &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Charge cancelled",
		ResponseMessage: "Cancelled by merchant",
		Status:          models.ChargeStatusCancelled,
		Activity:        models.ActivityCancelCharge,
	})
	return nil
}

// ManualSettle is an operator override that settles a charge without
// re-verifying it with the provider.
func (s *ChargeService) ManualSettle(ctx context.Context, identifier, reason string) (*models.Settlement, error) {
	charge, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, payerr.ErrTransactionNotFound
	}
	if !charge.Successful {
		return nil, payerr.WithMessage(payerr.ErrValidation, "Only successful charges can be settled")
	}
	return s.settler.SettleManually(ctx, charge, reason)
}

// RequestRefund records a refund request against a settled merchant
// reference. Execution of the refund happens out of band.
func (s *ChargeService) RequestRefund(ctx context.Context, merchantID, reference string, amount int64) error {
	info, err := s.store.GetInfoByReference(ctx, merchantID, reference)
	if err != nil {
		return err
	}
	if info == nil {
		return payerr.ErrTransactionNotFound
	}
	if amount <= 0 || amount > info.Amount {
		return payerr.WithMessage(payerr.ErrValidation, "Refund amount exceeds charged amount")
	}

	charge, err := s.store.GetLatestByInfoID(ctx, info.ID)
	if err != nil {
		return err
	}
	if charge == nil || !charge.Successful {
		return payerr.WithMessage(payerr.ErrValidation, "Only successful charges can be refunded")
	}

	s.appendHistory(ctx, &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Refund requested",
		ResponseMessage: "Refund of " + strconv.FormatInt(amount, 10) + " " + charge.Currency + " requested",
		Status:          charge.Status,
		Activity:        models.ActivityRefundRequested,
	})
	return nil
}

// ChargeDetails is the read model returned to merchants. Contact fields
// are masked.
type ChargeDetails struct {
	Identifier        string `json:"identifier"`
	MerchantReference string `json:"merchant_reference"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	Successful        bool   `json:"successful"`
	Settled           bool   `json:"settled"`
	Email             string `json:"email"`
	Phone             string `json:"phone,omitempty"`
	Service           string `json:"service,omitempty"`
}

func (s *ChargeService) GetCharge(ctx context.Context, identifier string) (*ChargeDetails, error) {
	charge, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, payerr.ErrTransactionNotFound
	}

	merchantReference := ""
	if info, err := s.store.GetInfoByID(ctx, charge.ChargeInfoID); err != nil {
		return nil, err
	} else if info != nil {
		merchantReference = info.MerchantReference
	}

	return &ChargeDetails{
		Identifier:        charge.Identifier,
		MerchantReference: merchantReference,
		Amount:            charge.Amount,
		Currency:          charge.Currency,
		Status:            string(charge.Status),
		Successful:        charge.Successful,
		Settled:           charge.Settled,
		Email:             MaskEmail(charge.Email),
		Phone:             MaskPhone(charge.Phone),
		Service:           charge.Service,
	}, nil
}

// MarkChargeSuccessful is the single path by which a charge becomes
// successful, shared by validation, requery and webhook reconciliation.
// The flip is a conditional write, so concurrent callers apply it exactly
// once; only the winner records history and enqueues settlement.
func (s *ChargeService) MarkChargeSuccessful(ctx context.Context, charge *models.Charge, trigger string, history *models.ChargeHistory) (bool, error) {
	applied, err := s.store.MarkSuccessful(ctx, charge.ID)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	charge.Status = models.ChargeStatusSuccessful
	charge.Successful = true

	if history != nil {
		s.appendHistory(ctx, history)
	}
	metrics.ChargesSucceeded.WithLabelValues(trigger).Inc()
	s.logger.Info("charge successful",
		zap.String("identifier", charge.Identifier),
		zap.String("trigger", trigger))

	if err := s.queue.Enqueue(ctx, charge.ID, trigger); err != nil {
		return true, payerr.Wrap(payerr.ErrInternal, err)
	}
	return true, nil
}

// EnsureSettlementQueued re-enqueues settlement for a successful charge
// whose hand-off was lost: successful, not settled and no settlement
// record. Requery and duplicate webhook deliveries call this so an
// enqueue failure after the success flip is recoverable.
func (s *ChargeService) EnsureSettlementQueued(ctx context.Context, charge *models.Charge, trigger string) error {
	if !charge.Successful || charge.Settled {
		return nil
	}
	record, err := s.settlements.GetByChargeID(ctx, charge.ID)
	if err != nil {
		return err
	}
	if record != nil {
		return nil
	}

	s.logger.Warn("re-enqueueing lost settlement",
		zap.String("identifier", charge.Identifier),
		zap.String("trigger", trigger))
	if err := s.queue.Enqueue(ctx, charge.ID, trigger); err != nil {
		return payerr.Wrap(payerr.ErrInternal, err)
	}
	return nil
}

// applyResult moves a charge according to a normalized provider result.
func (s *ChargeService) applyResult(ctx context.Context, charge *models.Charge, result *provider.Result, trigger string) (*provider.Result, error) {
	switch result.ActionRequired {
	case provider.ActionCompleted:
		if _, err := s.MarkChargeSuccessful(ctx, charge, trigger, nil); err != nil {
			return nil, err
		}
	case provider.ActionTerminate:
		status := terminalStatus(result)
		if err := s.store.UpdateStatus(ctx, charge.ID, status); err != nil {
			return nil, err
		}
		charge.Status = status
		metrics.ChargesFailed.Inc()
	}
	return result, nil
}

// resultStatus is the charge status a provider result resolves to, used
// so history rows record the resulting state of a transition rather than
// the state it started from.
func resultStatus(result *provider.Result, fallback models.ChargeStatus) models.ChargeStatus {
	switch {
	case result.ActionRequired == provider.ActionCompleted:
		return models.ChargeStatusSuccessful
	case result.ActionRequired == provider.ActionTerminate:
		return terminalStatus(result)
	case !result.Success:
		return models.ChargeStatusFailed
	}
	return fallback
}

// terminalStatus distinguishes an expired charge (lapsed virtual account
// or abandoned session) from an outright failure.
func terminalStatus(result *provider.Result) models.ChargeStatus {
	if status, _ := result.Data["status"].(string); status == "expired" {
		return models.ChargeStatusExpired
	}
	return models.ChargeStatusFailed
}

func (s *ChargeService) pendingCharge(ctx context.Context, identifier string) (*models.Charge, error) {
	charge, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, payerr.ErrTransactionNotFound
	}
	if charge.Status != models.ChargeStatusPending {
		return nil, payerr.WithMessage(payerr.ErrValidation, "Charge is not pending")
	}
	return charge, nil
}

func (s *ChargeService) providerName(name string) string {
	if name == "" {
		return provider.Paystack
	}
	return name
}

// providerReference returns the reference the provider knows the charge
// by, preferring the stored provider reference over our identifier.
func (s *ChargeService) providerReference(ctx context.Context, charge *models.Charge, providerName string) (string, error) {
	meta, err := s.store.GetMetadata(ctx, charge.ID, providerName+"_charge_reference")
	if err != nil {
		return "", err
	}
	if meta != nil && meta.Value != "" {
		return meta.Value, nil
	}
	return charge.Identifier, nil
}

func (s *ChargeService) appendHistory(ctx context.Context, h *models.ChargeHistory) {
	if err := s.store.AppendHistory(ctx, h); err != nil {
		s.logger.Error("failed to append charge history",
			zap.Int64("charge_id", h.ChargeID),
			zap.String("activity", h.Activity),
			zap.Error(err))
	}
}

// MaskEmail hides the local part of an address except its first two
// characters.
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return email
	}
	local := email[:at]
	if len(local) <= 2 {
		return local[:1] + "***" + email[at:]
	}
	return local[:2] + "***" + email[at:]
}

// MaskPhone keeps only the last four digits.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
