// Package recon repairs settlement journal rows whose broadcast outcome was
// never observed and materialises audit reports for operators.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"tipvault/chain"
	"tipvault/ledger"
	"tipvault/models"
)

// Resolution types emitted by the reconciler.
const (
	ResolutionConfirmed = "confirmed"
	ResolutionRejected  = "rejected"
	ResolutionPending   = "pending"
	ResolutionRepaired  = "repaired"
)

// Confirmer exposes the signature status query the reconciler depends on.
type Confirmer interface {
	Confirm(ctx context.Context, signature string, timeout time.Duration) (chain.ConfirmStatus, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store          *ledger.Store
	Confirmer      Confirmer
	OutputDir      string
	DryRun         bool
	ConfirmTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler re-checks journal rows that hold a signature but never reached a
// terminal state, and closes the ledger where the network shows the payment
// landed.
type Reconciler struct {
	store          *ledger.Store
	confirmer      Confirmer
	outputDir      string
	dryRun         bool
	confirmTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// ReportRow summarises the disposition of a single journal row.
type ReportRow struct {
	SettlementID uuid.UUID
	BountyID     uuid.UUID
	TipID        uuid.UUID
	Recipient    string
	Signature    string
	StateBefore  string
	StateAfter   string
	Resolution   string
	BountyStatus string
	Repaired     bool
	Detail       string
	CreatedAt    time.Time
	CheckedAt    time.Time
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []*ReportRow
	Repaired    int
	Pending     int
	CSVPath     string
	ParquetPath string
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Confirmer == nil {
		return nil, errors.New("recon: confirmer is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("tipvault-data", "recon")
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:          cfg.Store,
		confirmer:      cfg.Confirmer,
		outputDir:      outputDir,
		dryRun:         cfg.DryRun,
		confirmTimeout: confirmTimeout,
		now:            nowFn,
		logger:         logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start
	end := opts.End
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	var stale []models.Settlement
	err := r.store.DB().WithContext(ctx).
		Where("state IN ? AND signature <> ''", []models.SettlementState{models.SettlementSubmitted, models.SettlementUncertain}).
		Where("created_at BETWEEN ? AND ?", start, end).
		Order("created_at asc").
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load journal: %w", err)
	}

	result := &Result{Start: start, End: end}
	for _, rec := range stale {
		row := r.reconcile(ctx, rec, dryRun)
		result.Rows = append(result.Rows, row)
		if row.Repaired {
			result.Repaired++
		}
		if row.Resolution == ResolutionPending {
			result.Pending++
		}
	}

	if len(result.Rows) > 0 {
		csvPath, parquetPath, err := r.writeReportFiles(result)
		if err != nil {
			return nil, err
		}
		result.CSVPath = csvPath
		result.ParquetPath = parquetPath
	}
	r.logger.Info("reconciliation run complete",
		"rows", len(result.Rows), "repaired", result.Repaired, "pending", result.Pending, "dry_run", dryRun)
	return result, nil
}

// reconcile resolves one journal row. A row is repaired only when the network
// reports the signature confirmed and the bounty row is still open; a row the
// network rejected is closed as failed, and anything still ambiguous is left
// for the next run.
func (r *Reconciler) reconcile(ctx context.Context, rec models.Settlement, dryRun bool) *ReportRow {
	row := &ReportRow{
		SettlementID: rec.ID,
		BountyID:     rec.BountyID,
		TipID:        rec.TipID,
		Recipient:    rec.Recipient,
		Signature:    rec.Signature,
		StateBefore:  string(rec.State),
		StateAfter:   string(rec.State),
		CreatedAt:    rec.CreatedAt,
		CheckedAt:    r.now(),
	}

	bounty, err := r.store.GetBounty(ctx, rec.BountyID)
	if err != nil {
		row.Resolution = ResolutionPending
		row.Detail = fmt.Sprintf("load bounty: %v", err)
		return row
	}
	row.BountyStatus = string(bounty.Status)

	status, err := r.confirmer.Confirm(ctx, rec.Signature, r.confirmTimeout)
	if err != nil {
		row.Resolution = ResolutionPending
		row.Detail = fmt.Sprintf("confirm: %v", err)
		return row
	}

	switch status {
	case chain.ConfirmRejected:
		row.Resolution = ResolutionRejected
		if bounty.Status != models.BountyOpen {
			// The ledger committed on an earlier attempt; the journal row is
			// stale bookkeeping, not money at risk.
			row.Detail = "network rejected but bounty already settled"
		}
		if !dryRun {
			if err := r.store.UpdateSettlement(ctx, rec.ID, models.SettlementFailed, "", "reconciler: network rejected"); err != nil {
				row.Detail = fmt.Sprintf("close journal: %v", err)
				return row
			}
			row.StateAfter = string(models.SettlementFailed)
		}
		return row

	case chain.ConfirmConfirmed:
		row.Resolution = ResolutionConfirmed
		if bounty.Status != models.BountyOpen {
			if !dryRun {
				if err := r.store.UpdateSettlement(ctx, rec.ID, models.SettlementCommitted, "", "reconciler: confirmed"); err != nil {
					row.Detail = fmt.Sprintf("close journal: %v", err)
					return row
				}
				row.StateAfter = string(models.SettlementCommitted)
			}
			return row
		}
		// Payment landed but the claim was never written. Replay the commit.
		if dryRun {
			row.Detail = "would repair claim"
			return row
		}
		err := r.store.CommitClaim(ctx, rec.BountyID, rec.TipID, rec.Recipient, rec.Signature, r.now())
		if err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
			row.Detail = fmt.Sprintf("repair claim: %v", err)
			return row
		}
		if err := r.store.UpdateSettlement(ctx, rec.ID, models.SettlementCommitted, "", "reconciler: repaired"); err != nil {
			row.Detail = fmt.Sprintf("close journal: %v", err)
			return row
		}
		row.StateAfter = string(models.SettlementCommitted)
		row.Resolution = ResolutionRepaired
		row.Repaired = true
		r.logger.Warn("repaired settlement after ambiguous broadcast",
			"bounty_id", rec.BountyID, "signature", rec.Signature)
		return row

	default:
		row.Resolution = ResolutionPending
		return row
	}
}

func (r *Reconciler) writeReportFiles(result *Result) (string, string, error) {
	runDir := filepath.Join(r.outputDir, result.End.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	stamp := r.now().UTC().Format("150405")
	csvPath := filepath.Join(runDir, "settlements_"+stamp+".csv")
	if err := writeCSV(csvPath, result.Rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(runDir, "settlements_"+stamp+".parquet")
	if err := writeParquet(parquetPath, result.Rows); err != nil {
		return "", "", err
	}
	r.logger.Info("wrote reconciliation report", "csv", csvPath, "parquet", parquetPath, "rows", len(result.Rows))
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"settlement_id", "bounty_id", "tip_id", "recipient", "signature",
		"state_before", "state_after", "resolution", "bounty_status", "repaired",
		"detail", "created_at", "checked_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.SettlementID.String(),
			row.BountyID.String(),
			row.TipID.String(),
			row.Recipient,
			row.Signature,
			row.StateBefore,
			row.StateAfter,
			row.Resolution,
			row.BountyStatus,
			boolString(row.Repaired),
			row.Detail,
			row.CreatedAt.Format(time.RFC3339),
			row.CheckedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	SettlementID string `parquet:"name=settlement_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BountyID     string `parquet:"name=bounty_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TipID        string `parquet:"name=tip_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient    string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Signature    string `parquet:"name=signature, type=BYTE_ARRAY, convertedtype=UTF8"`
	StateBefore  string `parquet:"name=state_before, type=BYTE_ARRAY, convertedtype=UTF8"`
	StateAfter   string `parquet:"name=state_after, type=BYTE_ARRAY, convertedtype=UTF8"`
	Resolution   string `parquet:"name=resolution, type=BYTE_ARRAY, convertedtype=UTF8"`
	BountyStatus string `parquet:"name=bounty_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Repaired     bool   `parquet:"name=repaired, type=BOOLEAN"`
	Detail       string `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt    string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CheckedAt    string `parquet:"name=checked_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			SettlementID: row.SettlementID.String(),
			BountyID:     row.BountyID.String(),
			TipID:        row.TipID.String(),
			Recipient:    row.Recipient,
			Signature:    row.Signature,
			StateBefore:  row.StateBefore,
			StateAfter:   row.StateAfter,
			Resolution:   row.Resolution,
			BountyStatus: row.BountyStatus,
			Repaired:     row.Repaired,
			Detail:       row.Detail,
			CreatedAt:    row.CreatedAt.Format(time.RFC3339),
			CheckedAt:    row.CheckedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: finalize parquet: %w", err)
	}
	return file.Close()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
