package export

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"rampledger/services/rampindex/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestExporterWritesVerifiableManifest(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.Settlement{
		ID:            uuid.New(),
		IntentKey:     "deadbeef",
		DepositID:     7,
		BuyerIdentity: "id02",
		PayoutTo:      "cc03",
		Amount:        "400",
		Fee:           "8",
		Payout:        "392",
		SettledAt:     time.Unix(130, 0).UTC(),
	}).Error)

	dir := t.TempDir()
	exporter := New(db, dir)
	exporter.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })

	manifestPath, err := exporter.Run()
	require.NoError(t, err)

	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var decoded struct {
		GeneratedAt string            `json:"generatedAt"`
		Rows        int               `json:"rows"`
		Files       map[string]string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, 1, decoded.Rows)
	require.Len(t, decoded.Files, 2)

	runDir := filepath.Dir(manifestPath)
	for name, wantDigest := range decoded.Files {
		data, err := os.ReadFile(filepath.Join(runDir, name))
		require.NoError(t, err)
		digest := blake3.Sum256(data)
		require.Equal(t, wantDigest, hex.EncodeToString(digest[:]), name)
	}

	// A well-formed parquet file is framed by the PAR1 magic on both ends.
	data, err := os.ReadFile(filepath.Join(runDir, "settlements.parquet"))
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	require.Equal(t, "PAR1", string(data[:4]))
	require.Equal(t, "PAR1", string(data[len(data)-4:]))
}

func TestExporterCSVContents(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.Settlement{
		ID:            uuid.New(),
		IntentKey:     "feed01",
		DepositID:     3,
		BuyerIdentity: "id05",
		PayoutTo:      "dd04",
		Amount:        "1000",
		Fee:           "20",
		Payout:        "980",
		SettledAt:     time.Unix(200, 0).UTC(),
	}).Error)

	exporter := New(db, t.TempDir())
	manifestPath, err := exporter.Run()
	require.NoError(t, err)

	file, err := os.Open(filepath.Join(filepath.Dir(manifestPath), "settlements.csv"))
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "intent_key", rows[0][0])
	require.Equal(t, "feed01", rows[1][0])
	require.Equal(t, "20", rows[1][5])
	require.Equal(t, "980", rows[1][6])
}

func TestExporterEmptyDatasetStillProducesManifest(t *testing.T) {
	exporter := New(newTestDB(t), t.TempDir())
	manifestPath, err := exporter.Run()
	require.NoError(t, err)

	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var decoded struct {
		Rows int `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, 0, decoded.Rows)
}
