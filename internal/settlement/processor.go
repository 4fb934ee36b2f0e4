package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/config"
	"github.com/EmmaGHimself/payment/internal/metrics"
	"github.com/EmmaGHimself/payment/internal/models"
	"github.com/EmmaGHimself/payment/internal/payerr"
)

// Processor settles successful charges. It is safe to run against
// redelivered tasks: the settlement insert and the settled-flag update
// are both conditional writes, so only the first application has effect.
type Processor struct {
	charges     ChargeStore
	settlements Store
	fees        config.FeeConfig
	logger      *zap.Logger
}

func NewProcessor(charges ChargeStore, settlements Store, fees config.FeeConfig, logger *zap.Logger) *Processor {
	return &Processor{
		charges:     charges,
		settlements: settlements,
		fees:        fees,
		logger:      logger,
	}
}

// ComputeFee returns the processing fee for an amount in minor units,
// capped at the configured maximum.
func (p *Processor) ComputeFee(amount int64) int64 {
	fee := amount * p.fees.PercentageBps / 10000
	if fee > p.fees.CapMinor {
		return p.fees.CapMinor
	}
	return fee
}

// Process handles one settlement task from the queue.
func (p *Processor) Process(ctx context.Context, task Task) error {
	charge, err := p.charges.GetByID(ctx, task.ChargeID)
	if err != nil {
		return err
	}
	if charge == nil {
		p.logger.Warn("settlement task for unknown charge", zap.Int64("charge_id", task.ChargeID))
		metrics.SettlementsProcessed.WithLabelValues("skipped").Inc()
		return nil
	}
	if !charge.Successful {
		p.logger.Warn("settlement task for non-successful charge, skipping",
			zap.Int64("charge_id", charge.ID),
			zap.String("status", string(charge.Status)))
		metrics.SettlementsProcessed.WithLabelValues("skipped").Inc()
		return nil
	}
	if charge.Settled {
		metrics.SettlementsProcessed.WithLabelValues("duplicate").Inc()
		return nil
	}

	settlementAccount := ""
	if info, err := p.charges.GetInfoByID(ctx, charge.ChargeInfoID); err != nil {
		return err
	} else if info != nil {
		settlementAccount = info.SettlementAccount
	}

	fee := p.ComputeFee(charge.Amount)
	record := &models.Settlement{
		ChargeID:            charge.ID,
		Amount:              charge.Amount,
		Fee:                 fee,
		NetAmount:           charge.Amount - fee,
		Currency:            charge.Currency,
		Status:              models.SettlementStatusPending,
		SettlementReference: GenerateReference(),
		SettlementAccount:   settlementAccount,
	}

	created, err := p.settlements.CreateIfAbsent(ctx, record)
	if err != nil {
		metrics.SettlementsProcessed.WithLabelValues("failed").Inc()
		return p.markFailedSettlement(ctx, charge, err)
	}
	if !created {
		// A previous delivery already owns this settlement.
		existing, err := p.settlements.GetByChargeID(ctx, charge.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == models.SettlementStatusCompleted {
			if _, err := p.charges.MarkSettled(ctx, charge.ID); err != nil {
				return err
			}
		}
		metrics.SettlementsProcessed.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := p.settlements.MarkCompleted(ctx, record.ID); err != nil {
		metrics.SettlementsProcessed.WithLabelValues("failed").Inc()
		return p.markFailedSettlement(ctx, charge, err)
	}
	if _, err := p.charges.MarkSettled(ctx, charge.ID); err != nil {
		return err
	}

	response, _ := json.Marshal(record)
	if err := p.charges.AppendHistory(ctx, &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Charge settled",
		ResponseMessage: fmt.Sprintf("Settled %d %s net of %d fee", record.NetAmount, record.Currency, record.Fee),
		Status:          models.ChargeStatusSuccessful,
		Activity:        models.ActivitySettlement,
		Response:        string(response),
	}); err != nil {
		p.logger.Error("failed to record settlement history",
			zap.Int64("charge_id", charge.ID), zap.Error(err))
	}

	metrics.SettlementsProcessed.WithLabelValues("completed").Inc()
	p.logger.Info("charge settled",
		zap.Int64("charge_id", charge.ID),
		zap.String("settlement_reference", record.SettlementReference),
		zap.Int64("net_amount", record.NetAmount))
	return nil
}

// SettleManually records an operator-initiated settlement and marks the
// charge settled without going through the queue.
func (p *Processor) SettleManually(ctx context.Context, charge *models.Charge, reason string) (*models.Settlement, error) {
	if charge.Settled {
		return nil, payerr.ErrAlreadySettled
	}

	fee := p.ComputeFee(charge.Amount)
	record := &models.Settlement{
		ChargeID:            charge.ID,
		Amount:              charge.Amount,
		Fee:                 fee,
		NetAmount:           charge.Amount - fee,
		Currency:            charge.Currency,
		Status:              models.SettlementStatusPending,
		SettlementReference: GenerateReference(),
		ManualSettlement:    true,
		Reason:              reason,
	}

	created, err := p.settlements.CreateIfAbsent(ctx, record)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := p.settlements.GetByChargeID(ctx, charge.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, payerr.WithMessage(payerr.ErrInternal, "settlement record missing for charge")
		}
		if existing.Status == models.SettlementStatusCompleted {
			return nil, payerr.ErrAlreadySettled
		}
		// Retry a previously failed settlement under the manual path.
		record = existing
	}

	if err := p.settlements.MarkCompleted(ctx, record.ID); err != nil {
		return nil, err
	}
	if _, err := p.charges.MarkSettled(ctx, charge.ID); err != nil {
		return nil, err
	}

	if err := p.charges.AppendHistory(ctx, &models.ChargeHistory{
		ChargeID:        charge.ID,
		Description:     "Charge settled manually",
		ResponseMessage: reason,
		Status:          models.ChargeStatusSuccessful,
		Activity:        models.ActivityManualSettlement,
	}); err != nil {
		p.logger.Error("failed to record manual settlement history",
			zap.Int64("charge_id", charge.ID), zap.Error(err))
	}

	metrics.SettlementsProcessed.WithLabelValues("manual").Inc()
	return record, nil
}

func (p *Processor) markFailedSettlement(ctx context.Context, charge *models.Charge, cause error) error {
	existing, err := p.settlements.GetByChargeID(ctx, charge.ID)
	if err != nil || existing == nil {
		return cause
	}
	if err := p.settlements.MarkFailed(ctx, existing.ID, cause.Error()); err != nil {
		p.logger.Error("failed to mark settlement failed",
			zap.Int64("charge_id", charge.ID), zap.Error(err))
	}
	return cause
}

// GenerateReference returns a settlement reference of the form
// MP_<unix-ms>_<random>.
func GenerateReference() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return fmt.Sprintf("MP_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
