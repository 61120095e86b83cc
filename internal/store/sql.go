package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/llm"
)

// SQLStore implements Store over database/sql, speaking either Postgres
// (pgx) or sqlite (modernc). Documents map to rows; partial merge maps to
// an upsert that COALESCEs unpatched columns.
type SQLStore struct {
	db      *sql.DB
	pool    *pgxpool.Pool // nil for sqlite
	dialect dialect
	logger  *slog.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id           TEXT PRIMARY KEY,
	owner_id           TEXT,
	client_name        TEXT,
	audit_cycle        TEXT,
	expense_categories TEXT,
	receipt_count      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS receipts (
	batch_id          TEXT NOT NULL,
	receipt_id        TEXT NOT NULL,
	storage_path      TEXT,
	file_extension    TEXT,
	image_hash_sha256 TEXT,
	receipt_hash      TEXT,
	extracted         INTEGER NOT NULL DEFAULT 0,
	extracted_data    TEXT,
	flag_duplicate    INTEGER NOT NULL DEFAULT 0,
	duplicate_of      TEXT,
	status            TEXT,
	error_message     TEXT,
	uploaded_at       TEXT,
	processed_at      TEXT,
	PRIMARY KEY (batch_id, receipt_id)
);

CREATE INDEX IF NOT EXISTS idx_receipts_image_hash
	ON receipts(image_hash_sha256);
CREATE INDEX IF NOT EXISTS idx_receipts_fingerprint
	ON receipts(batch_id, receipt_hash);
`

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *SQLStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT batch_id, owner_id, client_name, audit_cycle, expense_categories, receipt_count
		FROM batches WHERE batch_id = ?`), batchID)

	var b Batch
	var owner, client, cycle, cats sql.NullString
	if err := row.Scan(&b.ID, &owner, &client, &cycle, &cats, &b.ReceiptCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b.OwnerID = owner.String
	b.ClientName = client.String
	b.AuditCycle = cycle.String
	if cats.Valid && cats.String != "" {
		if err := json.Unmarshal([]byte(cats.String), &b.ExpenseCategories); err != nil {
			s.logger.Warn("store.batch.bad_categories", "batch_id", batchID, "error", err)
		}
	}
	return &b, nil
}

func (s *SQLStore) PutBatch(ctx context.Context, b *Batch) error {
	cats, err := json.Marshal(b.ExpenseCategories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO batches (batch_id, owner_id, client_name, audit_cycle, expense_categories, receipt_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			client_name = excluded.client_name,
			audit_cycle = excluded.audit_cycle,
			expense_categories = excluded.expense_categories`),
		b.ID, b.OwnerID, b.ClientName, b.AuditCycle, string(cats), b.ReceiptCount)
	if err != nil {
		return fmt.Errorf("put batch: %w", err)
	}
	return nil
}

const receiptColumns = `batch_id, receipt_id, storage_path, file_extension, image_hash_sha256,
	receipt_hash, extracted, extracted_data, flag_duplicate, duplicate_of,
	status, error_message, uploaded_at, processed_at`

func (s *SQLStore) GetReceipt(ctx context.Context, batchID, receiptID string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+receiptColumns+` FROM receipts
		WHERE batch_id = ? AND receipt_id = ?`), batchID, receiptID)
	r, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

func (s *SQLStore) MergeReceipt(ctx context.Context, batchID, receiptID string, patch ReceiptPatch) error {
	return s.mergeReceipt(ctx, s.db, batchID, receiptID, patch)
}

// execer lets the merge run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) mergeReceipt(ctx context.Context, ex execer, batchID, receiptID string, patch ReceiptPatch) error {
	var dataJSON *string
	if patch.Data != nil {
		b, err := json.Marshal(patch.Data)
		if err != nil {
			return fmt.Errorf("marshal extracted data: %w", err)
		}
		s := string(b)
		dataJSON = &s
	}
	var statusStr *string
	if patch.Status != nil {
		v := string(*patch.Status)
		statusStr = &v
	}

	_, err := ex.ExecContext(ctx, s.rebind(`
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, 0), ?, COALESCE(?, 0), ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, receipt_id) DO UPDATE SET
			storage_path      = COALESCE(excluded.storage_path, receipts.storage_path),
			file_extension    = COALESCE(excluded.file_extension, receipts.file_extension),
			image_hash_sha256 = COALESCE(excluded.image_hash_sha256, receipts.image_hash_sha256),
			receipt_hash      = COALESCE(excluded.receipt_hash, receipts.receipt_hash),
			extracted         = CASE WHEN ? THEN excluded.extracted ELSE receipts.extracted END,
			extracted_data    = COALESCE(excluded.extracted_data, receipts.extracted_data),
			flag_duplicate    = CASE WHEN ? THEN excluded.flag_duplicate ELSE receipts.flag_duplicate END,
			duplicate_of      = COALESCE(excluded.duplicate_of, receipts.duplicate_of),
			status            = COALESCE(excluded.status, receipts.status),
			error_message     = COALESCE(excluded.error_message, receipts.error_message),
			uploaded_at       = COALESCE(excluded.uploaded_at, receipts.uploaded_at),
			processed_at      = COALESCE(excluded.processed_at, receipts.processed_at)`),
		batchID, receiptID,
		patch.StoragePath, patch.FileExtension, patch.ImageHash, patch.Fingerprint,
		boolArg(patch.Extracted), dataJSON, boolArg(patch.FlagDuplicate), patch.DuplicateOf,
		statusStr, patch.ErrorMessage, timeArg(patch.UploadedAt), timeArg(patch.ProcessedAt),
		patch.Extracted != nil, patch.FlagDuplicate != nil)
	if err != nil {
		return fmt.Errorf("merge receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) FinalizeExtracted(ctx context.Context, batchID, receiptID string, patch ReceiptPatch) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Conditional exactly-once increment. A plain read of the prior
	// extracted flag is racy under READ COMMITTED (two transactions can
	// both observe 0), so the flag is claimed with a guarded update: the
	// row lock serializes concurrent finalizations and exactly one of them
	// flips extracted from 0 to 1.
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO receipts (batch_id, receipt_id) VALUES (?, ?)
		ON CONFLICT (batch_id, receipt_id) DO NOTHING`), batchID, receiptID)
	if err != nil {
		return false, fmt.Errorf("finalize ensure row: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE receipts SET extracted = 1
		WHERE batch_id = ? AND receipt_id = ? AND extracted = 0`), batchID, receiptID)
	if err != nil {
		return false, fmt.Errorf("finalize claim: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize claim result: %w", err)
	}

	if err := s.mergeReceipt(ctx, tx, batchID, receiptID, patch); err != nil {
		return false, err
	}

	counted := false
	if claimed == 1 {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO batches (batch_id, receipt_count) VALUES (?, 1)
			ON CONFLICT (batch_id) DO UPDATE SET
				receipt_count = batches.receipt_count + 1`),
			batchID)
		if err != nil {
			return false, fmt.Errorf("increment receipt count: %w", err)
		}
		counted = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finalize: %w", err)
	}
	return counted, nil
}

func (s *SQLStore) FindByImageHash(ctx context.Context, imageHash string, limit int) ([]*Receipt, error) {
	return s.queryReceipts(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE image_hash_sha256 = ? LIMIT ?`, imageHash, limit)
}

func (s *SQLStore) FindByFingerprint(ctx context.Context, batchID, fingerprint string, limit int) ([]*Receipt, error) {
	return s.queryReceipts(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE batch_id = ? AND receipt_hash = ? LIMIT ?`, batchID, fingerprint, limit)
}

func (s *SQLStore) ListExtracted(ctx context.Context, batchID string) ([]*Receipt, error) {
	return s.queryReceipts(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE batch_id = ? AND status = 'extracted'
		ORDER BY uploaded_at`, batchID)
}

func (s *SQLStore) queryReceipts(ctx context.Context, query string, args ...any) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	var storagePath, fileExt, imageHash, fingerprint, data, dupOf, status, errMsg, uploadedAt, processedAt sql.NullString
	var extracted, flagDup int

	err := row.Scan(&r.BatchID, &r.ID, &storagePath, &fileExt, &imageHash,
		&fingerprint, &extracted, &data, &flagDup, &dupOf,
		&status, &errMsg, &uploadedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	r.StoragePath = storagePath.String
	r.FileExtension = fileExt.String
	r.ImageHash = imageHash.String
	r.Fingerprint = fingerprint.String
	r.Extracted = extracted != 0
	r.FlagDuplicate = flagDup != 0
	r.DuplicateOf = dupOf.String
	r.ErrorMessage = errMsg.String
	if st, ok := constants.ParseStatus(status.String); ok {
		r.Status = st
	}
	if data.Valid && data.String != "" {
		var d llm.ExtractionResult
		if err := json.Unmarshal([]byte(data.String), &d); err == nil {
			r.Data = &d
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, uploadedAt.String); err == nil {
		r.UploadedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, processedAt.String); err == nil {
		r.ProcessedAt = t
	}
	return &r, nil
}

func boolArg(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
