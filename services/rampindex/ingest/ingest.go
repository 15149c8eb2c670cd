package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rampledger/services/rampindex/models"
)

// EventSource abstracts the node event feed so tests can drive the projector
// without a live node.
type EventSource interface {
	EventsSince(ctx context.Context, cursor uint64, limit int) ([]EventRecord, uint64, error)
}

// Ingestor tails the node's committed event log and projects it into the
// relational store.
type Ingestor struct {
	db         *gorm.DB
	source     EventSource
	checkpoint *Checkpoint
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
}

// NewIngestor wires the ingest loop.
func NewIngestor(db *gorm.DB, source EventSource, checkpoint *Checkpoint, interval time.Duration, batchSize int, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Ingestor{
		db:         db,
		source:     source,
		checkpoint: checkpoint,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Run polls the node until ctx is cancelled. Each batch is applied in one
// database transaction and the checkpoint advances only afterwards.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()
	for {
		if err := in.Step(ctx); err != nil {
			in.logger.Error("ingest step failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step ingests one batch. Exported so tests and backfills can drive the loop
// directly.
func (in *Ingestor) Step(ctx context.Context) error {
	cursor, err := in.checkpoint.Cursor()
	if err != nil {
		return err
	}
	for {
		records, next, err := in.source.EventsSince(ctx, cursor, in.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := in.Apply(records); err != nil {
			return err
		}
		if err := in.checkpoint.Commit(next); err != nil {
			return err
		}
		in.logger.Info("ingested events",
			slog.Uint64("from", cursor+1),
			slog.Uint64("to", next),
			slog.Int("count", len(records)),
		)
		cursor = next
		if len(records) < in.batchSize {
			return nil
		}
	}
}

// Apply projects a batch of records inside one transaction. Records already
// ingested (same sequence) are skipped, so replays after a crash are safe.
func (in *Ingestor) Apply(records []EventRecord) error {
	return in.db.Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			attrs, err := json.Marshal(record.Event.Attributes)
			if err != nil {
				return err
			}
			row := models.LedgerEvent{
				ID:         uuid.New(),
				Sequence:   record.Sequence,
				Type:       record.Event.Type,
				Attributes: string(attrs),
				EmittedAt:  time.Unix(record.Timestamp, 0).UTC(),
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sequence"}},
				DoNothing: true,
			}).Create(&row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			if err := in.project(tx, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (in *Ingestor) project(tx *gorm.DB, record EventRecord) error {
	attrs := record.Event.Attributes
	switch record.Event.Type {
	case "ramp.deposit.created":
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "deposit_id"}},
			DoNothing: true,
		}).Create(&models.Deposit{
			ID:        uuid.New(),
			DepositID: parseUint(attrs["id"]),
			Depositor: attrs["depositor"],
			Supplied:  attrs["supplied"],
			Remaining: attrs["remaining"],
			Rate:      attrs["rate"],
			Withdrawn: "0",
			Status:    models.DepositStatusOpen,
			OpenedAt:  attrTime(attrs, "createdAt"),
		}).Error
	case "ramp.deposit.withdrawn":
		var deposit models.Deposit
		if err := tx.Where("deposit_id = ?", parseUint(attrs["id"])).First(&deposit).Error; err != nil {
			return ignoreMissing(err)
		}
		deposit.Withdrawn = addDecimal(deposit.Withdrawn, attrs["amount"])
		deposit.Remaining = subDecimal(deposit.Remaining, attrs["amount"])
		return tx.Save(&deposit).Error
	case "ramp.deposit.closed":
		closedAt := attrTime(attrs, "closedAt")
		return tx.Model(&models.Deposit{}).
			Where("deposit_id = ?", parseUint(attrs["id"])).
			Updates(map[string]interface{}{
				"status":    models.DepositStatusClosed,
				"closed_at": &closedAt,
			}).Error
	case "ramp.intent.signaled":
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "intent_key"}},
			DoNothing: true,
		}).Create(&models.Intent{
			ID:            uuid.New(),
			IntentKey:     attrs["key"],
			DepositID:     parseUint(attrs["depositId"]),
			Buyer:         attrs["buyer"],
			BuyerIdentity: attrs["buyerIdentity"],
			PayoutTo:      attrs["payoutTo"],
			Amount:        attrs["amount"],
			Status:        models.IntentStatusOpen,
			SignaledAt:    attrTime(attrs, "createdAt"),
		}).Error; err != nil {
			return err
		}
		return in.adjustRemaining(tx, parseUint(attrs["depositId"]), attrs["amount"], false)
	case "ramp.intent.pruned":
		status := models.IntentStatusCancelled
		if attrs["reason"] == "expired" {
			status = models.IntentStatusExpired
		}
		closedAt := attrTime(attrs, "prunedAt")
		if err := tx.Model(&models.Intent{}).
			Where("intent_key = ?", attrs["key"]).
			Updates(map[string]interface{}{
				"status":    status,
				"closed_at": &closedAt,
			}).Error; err != nil {
			return err
		}
		return in.adjustRemaining(tx, parseUint(attrs["depositId"]), attrs["amount"], true)
	case "ramp.intent.fulfilled":
		settledAt := attrTime(attrs, "settledAt")
		if err := tx.Model(&models.Intent{}).
			Where("intent_key = ?", attrs["key"]).
			Updates(map[string]interface{}{
				"status":    models.IntentStatusSettled,
				"closed_at": &settledAt,
			}).Error; err != nil {
			return err
		}
		return tx.Create(&models.Settlement{
			ID:            uuid.New(),
			IntentKey:     attrs["key"],
			DepositID:     parseUint(attrs["depositId"]),
			BuyerIdentity: attrs["buyerIdentity"],
			PayoutTo:      attrs["payoutTo"],
			Amount:        attrs["amount"],
			Fee:           attrs["fee"],
			Payout:        attrs["payout"],
			SettledAt:     settledAt,
		}).Error
	case "identity.registered":
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity_hash"}},
			DoNothing: true,
		}).Create(&models.IdentityRecord{
			ID:           uuid.New(),
			IdentityHash: attrs["identity"],
			Principal:    attrs["principal"],
			RegisteredAt: attrTime(attrs, "registeredAt"),
		}).Error
	case "identity.alias_set":
		return tx.Model(&models.IdentityRecord{}).
			Where("principal = ?", attrs["principal"]).
			Update("alias", attrs["alias"]).Error
	default:
		// Raw event row is enough for bank.minted, params.updated and
		// ramp.denylist.updated.
		return nil
	}
}

// adjustRemaining moves amount between a deposit's spendable remainder and its
// reserved slice as reservations open and prune.
func (in *Ingestor) adjustRemaining(tx *gorm.DB, depositID uint64, amount string, release bool) error {
	var deposit models.Deposit
	if err := tx.Where("deposit_id = ?", depositID).First(&deposit).Error; err != nil {
		return ignoreMissing(err)
	}
	if release {
		deposit.Remaining = addDecimal(deposit.Remaining, amount)
	} else {
		deposit.Remaining = subDecimal(deposit.Remaining, amount)
	}
	return tx.Save(&deposit).Error
}

func ignoreMissing(err error) error {
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	return err
}

func parseUint(raw string) uint64 {
	value, _ := strconv.ParseUint(raw, 10, 64)
	return value
}

func attrTime(attrs map[string]string, key string) time.Time {
	ts, _ := strconv.ParseInt(attrs[key], 10, 64)
	return time.Unix(ts, 0).UTC()
}

func addDecimal(a, b string) string {
	return decimalOp(a, b, false)
}

func subDecimal(a, b string) string {
	return decimalOp(a, b, true)
}

func decimalOp(a, b string, subtract bool) string {
	left, okA := new(big.Int).SetString(a, 10)
	right, okB := new(big.Int).SetString(b, 10)
	if !okA {
		left = big.NewInt(0)
	}
	if !okB {
		right = big.NewInt(0)
	}
	if subtract {
		left.Sub(left, right)
		if left.Sign() < 0 {
			left.SetInt64(0)
		}
	} else {
		left.Add(left, right)
	}
	return left.String()
}
