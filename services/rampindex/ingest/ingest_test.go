package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rampledger/services/rampindex/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func newTestCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	checkpoint, err := OpenCheckpoint(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { checkpoint.Close() })
	return checkpoint
}

func record(seq uint64, ts int64, eventType string, attrs map[string]string) EventRecord {
	r := EventRecord{Sequence: seq, Timestamp: ts}
	r.Event.Type = eventType
	r.Event.Attributes = attrs
	return r
}

func depositLifecycle() []EventRecord {
	return []EventRecord{
		record(1, 100, "identity.registered", map[string]string{
			"principal":    "aa01",
			"identity":     "id01",
			"registeredAt": "100",
		}),
		record(2, 110, "ramp.deposit.created", map[string]string{
			"id":        "7",
			"depositor": "aa01",
			"supplied":  "1000",
			"remaining": "1000",
			"rate":      "2000000000000000000",
			"createdAt": "110",
		}),
		record(3, 120, "ramp.intent.signaled", map[string]string{
			"key":           "deadbeef",
			"depositId":     "7",
			"buyer":         "bb02",
			"buyerIdentity": "id02",
			"payoutTo":      "cc03",
			"amount":        "400",
			"createdAt":     "120",
		}),
		record(4, 130, "ramp.intent.fulfilled", map[string]string{
			"key":           "deadbeef",
			"depositId":     "7",
			"buyer":         "bb02",
			"buyerIdentity": "id02",
			"payoutTo":      "cc03",
			"amount":        "400",
			"fee":           "8",
			"payout":        "392",
			"settledAt":     "130",
		}),
		record(5, 140, "ramp.deposit.withdrawn", map[string]string{
			"id":          "7",
			"depositor":   "aa01",
			"amount":      "600",
			"withdrawnAt": "140",
		}),
		record(6, 140, "ramp.deposit.closed", map[string]string{
			"id":        "7",
			"depositor": "aa01",
			"closedAt":  "140",
		}),
	}
}

func TestApplyProjectsDepositLifecycle(t *testing.T) {
	db := newTestDB(t)
	in := NewIngestor(db, nil, newTestCheckpoint(t), 0, 0, nil)

	require.NoError(t, in.Apply(depositLifecycle()))

	var deposit models.Deposit
	require.NoError(t, db.Where("deposit_id = ?", 7).First(&deposit).Error)
	require.Equal(t, models.DepositStatusClosed, deposit.Status)
	require.Equal(t, "0", deposit.Remaining)
	require.Equal(t, "600", deposit.Withdrawn)
	require.NotNil(t, deposit.ClosedAt)

	var intent models.Intent
	require.NoError(t, db.Where("intent_key = ?", "deadbeef").First(&intent).Error)
	require.Equal(t, models.IntentStatusSettled, intent.Status)
	require.NotNil(t, intent.ClosedAt)

	var settlement models.Settlement
	require.NoError(t, db.Where("intent_key = ?", "deadbeef").First(&settlement).Error)
	require.Equal(t, "8", settlement.Fee)
	require.Equal(t, "392", settlement.Payout)

	var identity models.IdentityRecord
	require.NoError(t, db.Where("identity_hash = ?", "id01").First(&identity).Error)
	require.Equal(t, "aa01", identity.Principal)

	var count int64
	require.NoError(t, db.Model(&models.LedgerEvent{}).Count(&count).Error)
	require.EqualValues(t, 6, count)
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	db := newTestDB(t)
	in := NewIngestor(db, nil, newTestCheckpoint(t), 0, 0, nil)

	batch := depositLifecycle()
	require.NoError(t, in.Apply(batch))
	require.NoError(t, in.Apply(batch))

	var eventCount, settlementCount int64
	require.NoError(t, db.Model(&models.LedgerEvent{}).Count(&eventCount).Error)
	require.NoError(t, db.Model(&models.Settlement{}).Count(&settlementCount).Error)
	require.EqualValues(t, 6, eventCount)
	require.EqualValues(t, 1, settlementCount)

	var deposit models.Deposit
	require.NoError(t, db.Where("deposit_id = ?", 7).First(&deposit).Error)
	require.Equal(t, "600", deposit.Withdrawn)
}

func TestApplyPrunedIntentRestoresRemaining(t *testing.T) {
	db := newTestDB(t)
	in := NewIngestor(db, nil, newTestCheckpoint(t), 0, 0, nil)

	require.NoError(t, in.Apply([]EventRecord{
		record(1, 110, "ramp.deposit.created", map[string]string{
			"id": "3", "depositor": "aa01", "supplied": "500",
			"remaining": "500", "rate": "1000000000000000000", "createdAt": "110",
		}),
		record(2, 120, "ramp.intent.signaled", map[string]string{
			"key": "feed01", "depositId": "3", "buyer": "bb02",
			"buyerIdentity": "id02", "payoutTo": "cc03", "amount": "200", "createdAt": "120",
		}),
		record(3, 130, "ramp.intent.pruned", map[string]string{
			"key": "feed01", "depositId": "3", "buyerIdentity": "id02",
			"amount": "200", "reason": "expired", "prunedAt": "130",
		}),
	}))

	var intent models.Intent
	require.NoError(t, db.Where("intent_key = ?", "feed01").First(&intent).Error)
	require.Equal(t, models.IntentStatusExpired, intent.Status)

	var deposit models.Deposit
	require.NoError(t, db.Where("deposit_id = ?", 3).First(&deposit).Error)
	require.Equal(t, "500", deposit.Remaining)
}

type fakeSource struct {
	records []EventRecord
}

func (f *fakeSource) EventsSince(_ context.Context, cursor uint64, limit int) ([]EventRecord, uint64, error) {
	out := make([]EventRecord, 0, limit)
	next := cursor
	for _, r := range f.records {
		if r.Sequence <= cursor {
			continue
		}
		out = append(out, r)
		next = r.Sequence
		if len(out) == limit {
			break
		}
	}
	return out, next, nil
}

func TestStepAdvancesCheckpoint(t *testing.T) {
	db := newTestDB(t)
	checkpoint := newTestCheckpoint(t)
	source := &fakeSource{records: depositLifecycle()}
	in := NewIngestor(db, source, checkpoint, 0, 2, nil)

	require.NoError(t, in.Step(context.Background()))

	cursor, err := checkpoint.Cursor()
	require.NoError(t, err)
	require.EqualValues(t, 6, cursor)

	// A second step with no new events leaves everything untouched.
	require.NoError(t, in.Step(context.Background()))
	var count int64
	require.NoError(t, db.Model(&models.LedgerEvent{}).Count(&count).Error)
	require.EqualValues(t, 6, count)
}
