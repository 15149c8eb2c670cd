package export

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"rampledger/services/rampindex/models"
)

// Exporter writes settlement reports as CSV and Parquet files plus a manifest
// carrying content hashes, so downstream consumers can verify what they read.
type Exporter struct {
	db  *gorm.DB
	dir string
	now func() time.Time
}

// New builds an exporter writing under dir.
func New(db *gorm.DB, dir string) *Exporter {
	return &Exporter{db: db, dir: dir, now: time.Now}
}

// SetNowFunc overrides the clock used for run directories.
func (e *Exporter) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

type manifest struct {
	GeneratedAt string            `json:"generatedAt"`
	Rows        int               `json:"rows"`
	Files       map[string]string `json:"files"`
}

// Run exports all settlements into a timestamped run directory and returns the
// manifest path.
func (e *Exporter) Run() (string, error) {
	var settlements []models.Settlement
	if err := e.db.Order("settled_at asc").Find(&settlements).Error; err != nil {
		return "", fmt.Errorf("rampindex export: load settlements: %w", err)
	}

	runDir := filepath.Join(e.dir, e.now().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("rampindex export: create run dir: %w", err)
	}

	csvPath := filepath.Join(runDir, "settlements.csv")
	if err := writeCSV(csvPath, settlements); err != nil {
		return "", err
	}
	parquetPath := filepath.Join(runDir, "settlements.parquet")
	if err := writeParquet(parquetPath, settlements); err != nil {
		return "", err
	}

	files := make(map[string]string, 2)
	for _, path := range []string{csvPath, parquetPath} {
		digest, err := hashFile(path)
		if err != nil {
			return "", err
		}
		files[filepath.Base(path)] = digest
	}

	manifestPath := filepath.Join(runDir, "manifest.json")
	payload, err := json.MarshalIndent(manifest{
		GeneratedAt: e.now().UTC().Format(time.RFC3339),
		Rows:        len(settlements),
		Files:       files,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(manifestPath, payload, 0o644); err != nil {
		return "", fmt.Errorf("rampindex export: write manifest: %w", err)
	}
	return manifestPath, nil
}

func writeCSV(path string, settlements []models.Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rampindex export: create csv: %w", err)
	}
	defer file.Close()
	out := csv.NewWriter(file)
	header := []string{
		"intent_key", "deposit_id", "buyer_identity", "payout_to",
		"amount", "fee", "payout", "settled_at",
	}
	if err := out.Write(header); err != nil {
		return fmt.Errorf("rampindex export: write csv header: %w", err)
	}
	for _, s := range settlements {
		record := []string{
			s.IntentKey,
			fmt.Sprintf("%d", s.DepositID),
			s.BuyerIdentity,
			s.PayoutTo,
			s.Amount,
			s.Fee,
			s.Payout,
			s.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("rampindex export: write csv row: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("rampindex export: flush csv: %w", err)
	}
	return nil
}

// Tags use the parquet-go v1.5 dialect, where UTF8 is spelled directly in the
// type field rather than as a converted type.
type parquetRow struct {
	IntentKey     string `parquet:"name=intent_key, type=UTF8"`
	DepositID     int64  `parquet:"name=deposit_id, type=INT64"`
	BuyerIdentity string `parquet:"name=buyer_identity, type=UTF8"`
	PayoutTo      string `parquet:"name=payout_to, type=UTF8"`
	Amount        string `parquet:"name=amount, type=UTF8"`
	Fee           string `parquet:"name=fee, type=UTF8"`
	Payout        string `parquet:"name=payout, type=UTF8"`
	SettledAt     string `parquet:"name=settled_at, type=UTF8"`
}

func writeParquet(path string, settlements []models.Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rampindex export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("rampindex export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, s := range settlements {
		row := &parquetRow{
			IntentKey:     s.IntentKey,
			DepositID:     int64(s.DepositID),
			BuyerIdentity: s.BuyerIdentity,
			PayoutTo:      s.PayoutTo,
			Amount:        s.Amount,
			Fee:           s.Fee,
			Payout:        s.Payout,
			SettledAt:     s.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("rampindex export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("rampindex export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("rampindex export: close parquet: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("rampindex export: hash %s: %w", path, err)
	}
	digest := blake3.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}
