// Package export builds the XLSX audit report for a batch and publishes it
// to object storage behind a permanent download URL.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ledgerlens/ledgerlens/internal/blob"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/store"
)

const (
	sheetName = "Audit Report"
	xlsxMIME  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	headerRow    = 4 // rows 1-2 title block, row 3 spacer
	firstDataRow = headerRow + 1

	// Rows below this confidence are flagged for manual review.
	reviewConfidenceThreshold = 80
)

var headers = []string{
	"Receipt ID", "Date", "Vendor", "Total", "Tax",
	"Category", "Invoice #", "Confidence", "Duplicate", "Image Link",
}

var colWidths = []float64{14, 12, 22, 12, 10, 16, 14, 12, 10, 16}

// Service produces XLSX audit reports from extracted receipts.
type Service struct {
	store  store.Store
	blobs  blob.ObjectStore
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st store.Store, blobs blob.ObjectStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, blobs: blobs, logger: logger, now: time.Now}
}

// Result describes a published report.
type Result struct {
	Filename    string
	StoragePath string
	DownloadURL string
	Rows        int
}

// ExportBatch builds the workbook for batchID, uploads it under
// exports/{batchID}/, and returns its permanent download URL. callerUID
// must match the batch owner.
func (s *Service) ExportBatch(ctx context.Context, callerUID, batchID string) (*Result, error) {
	start := time.Now()

	if batchID == "" {
		return nil, common.WrapError(common.ErrInvalidInput, "missing batch_id")
	}
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.OwnerID != callerUID {
		s.logger.Warn("export.ownership_mismatch",
			"batch_id", batchID, "owner_id", batch.OwnerID, "caller_uid", callerUID)
		return nil, common.WrapError(common.ErrForbidden, "batch belongs to another user")
	}

	receipts, err := s.store.ListExtracted(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	if len(receipts) == 0 {
		return nil, common.WrapError(common.ErrNotFound, "no extracted receipts in batch")
	}

	data, err := s.buildWorkbook(ctx, batch, receipts)
	if err != nil {
		return nil, fmt.Errorf("build workbook: %w", err)
	}

	filename := sanitizeFilename(fmt.Sprintf("LedgerLens_%s_%s_%s.xlsx",
		batch.ClientName, batch.AuditCycle, s.now().UTC().Format("20060102_150405")))
	exportPath := fmt.Sprintf("exports/%s/%s", batchID, filename)

	if err := s.blobs.Upload(ctx, exportPath, data, xlsxMIME); err != nil {
		return nil, fmt.Errorf("upload workbook: %w", err)
	}
	token, err := s.blobs.EnsureDownloadToken(ctx, exportPath)
	if err != nil {
		return nil, fmt.Errorf("download token: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_id", batchID,
		"rows", len(receipts),
		"filename", filename,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &Result{
		Filename:    filename,
		StoragePath: exportPath,
		DownloadURL: s.blobs.DownloadURL(exportPath, token),
		Rows:        len(receipts),
	}, nil
}

func (s *Service) buildWorkbook(ctx context.Context, batch *store.Batch, receipts []*store.Receipt) ([]byte, error) {
	f := excelize.NewFile()
	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	st, err := newStyles(f)
	if err != nil {
		return nil, err
	}

	// Title block
	if err := f.MergeCell(sheetName, "A1", "J1"); err != nil {
		return nil, err
	}
	_ = f.MergeCell(sheetName, "A2", "J2")
	_ = f.SetCellValue(sheetName, "A1",
		fmt.Sprintf("LedgerLens Audit Report — %s", batch.ClientName))
	_ = f.SetCellStyle(sheetName, "A1", "A1", st.title)
	_ = f.SetCellValue(sheetName, "A2",
		fmt.Sprintf("Cycle: %s  |  Batch: %s  |  Generated: %s",
			batch.AuditCycle, batch.ID, s.now().UTC().Format("2006-01-02 15:04 UTC")))
	_ = f.SetCellStyle(sheetName, "A2", "A2", st.subtitle)

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, headerRow)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, st.header)
	}

	row := firstDataRow
	for _, r := range receipts {
		flagged := r.FlagDuplicate
		var ext = r.Data
		if ext != nil && ext.Confidence < reviewConfidenceThreshold {
			flagged = true
		}
		cellStyle, moneyStyle := st.cell, st.currency
		if flagged {
			cellStyle, moneyStyle = st.flagCell, st.flagCurrency
		}

		write := func(col int, v any, style int) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheetName, cell, v)
			_ = f.SetCellStyle(sheetName, cell, cell, style)
		}

		write(1, r.ID, cellStyle)
		if ext != nil {
			write(2, ext.Date, cellStyle)
			write(3, ext.Vendor, cellStyle)
			write(4, ext.Total, moneyStyle)
			write(5, ext.Tax, moneyStyle)
			write(6, ext.Category, cellStyle)
			write(7, ext.InvoiceNumber, cellStyle)
			write(8, ext.Confidence, cellStyle)
		}
		dup := "No"
		if r.FlagDuplicate {
			dup = "YES"
		}
		write(9, dup, cellStyle)

		if url := s.imageLink(ctx, r.StoragePath); url != "" {
			cell, _ := excelize.CoordinatesToCellName(10, row)
			_ = f.SetCellValue(sheetName, cell, "View Receipt")
			_ = f.SetCellHyperLink(sheetName, cell, url, "External")
			_ = f.SetCellStyle(sheetName, cell, cell, st.link)
		} else {
			write(10, "", cellStyle)
		}
		row++
	}

	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(sheetName, col, col, w)
	}

	// TOTALS row with live formulas so reviewers can edit amounts in place.
	lastDataRow := row - 1
	totalsRow := row + 1
	totalsCell, _ := excelize.CoordinatesToCellName(1, totalsRow)
	_ = f.SetCellValue(sheetName, totalsCell, "TOTALS")
	_ = f.SetCellStyle(sheetName, totalsCell, totalsCell, st.totals)
	for _, col := range []string{"D", "E"} {
		cell := fmt.Sprintf("%s%d", col, totalsRow)
		_ = f.SetCellFormula(sheetName, cell,
			fmt.Sprintf("SUM(%s%d:%s%d)", col, firstDataRow, col, lastDataRow))
		_ = f.SetCellStyle(sheetName, cell, cell, st.currency)
	}

	_ = f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      headerRow,
		TopLeftCell: fmt.Sprintf("A%d", firstDataRow),
		ActivePane:  "bottomLeft",
	})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// imageLink resolves the permanent download URL for a receipt image.
// Failures leave the cell empty; a broken link never blocks the report.
func (s *Service) imageLink(ctx context.Context, storagePath string) string {
	if storagePath == "" {
		return ""
	}
	token, err := s.blobs.EnsureDownloadToken(ctx, storagePath)
	if err != nil {
		s.logger.Warn("export.image_link_failed", "storage_path", storagePath, "error", err)
		return ""
	}
	return s.blobs.DownloadURL(storagePath, token)
}

type styles struct {
	title, subtitle, header int
	cell, currency          int
	flagCell, flagCurrency  int
	link, totals            int
}

func newStyles(f *excelize.File) (*styles, error) {
	borders := func(color string) []excelize.Border {
		out := make([]excelize.Border, 0, 4)
		for _, side := range []string{"left", "right", "top", "bottom"} {
			out = append(out, excelize.Border{Type: side, Color: color, Style: 1})
		}
		return out
	}
	currencyFmt := "#,##0.00"

	var st styles
	var err error
	if st.title, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 18, Color: "1A1A2E", Family: "Calibri"},
	}); err != nil {
		return nil, err
	}
	if st.subtitle, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Size: 11, Color: "555555", Family: "Calibri"},
	}); err != nil {
		return nil, err
	}
	if st.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF", Family: "Calibri"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"2D3250"}},
		Border:    borders("1A1A2E"),
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	}); err != nil {
		return nil, err
	}
	if st.cell, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Size: 10, Family: "Calibri"},
		Border:    borders("D0D0D0"),
		Alignment: &excelize.Alignment{Vertical: "center"},
	}); err != nil {
		return nil, err
	}
	if st.currency, err = f.NewStyle(&excelize.Style{
		Font:         &excelize.Font{Size: 10, Family: "Calibri"},
		Border:       borders("D0D0D0"),
		Alignment:    &excelize.Alignment{Vertical: "center"},
		CustomNumFmt: &currencyFmt,
	}); err != nil {
		return nil, err
	}
	if st.flagCell, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Size: 10, Color: "990000", Family: "Calibri"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFD6D6"}},
		Border:    borders("D0D0D0"),
		Alignment: &excelize.Alignment{Vertical: "center"},
	}); err != nil {
		return nil, err
	}
	if st.flagCurrency, err = f.NewStyle(&excelize.Style{
		Font:         &excelize.Font{Size: 10, Color: "990000", Family: "Calibri"},
		Fill:         excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFD6D6"}},
		Border:       borders("D0D0D0"),
		Alignment:    &excelize.Alignment{Vertical: "center"},
		CustomNumFmt: &currencyFmt,
	}); err != nil {
		return nil, err
	}
	if st.link, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Size: 10, Color: "0066CC", Underline: "single", Family: "Calibri"},
		Border:    borders("D0D0D0"),
		Alignment: &excelize.Alignment{Vertical: "center"},
	}); err != nil {
		return nil, err
	}
	if st.totals, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11, Family: "Calibri"},
	}); err != nil {
		return nil, err
	}
	return &st, nil
}

// sanitizeFilename keeps letters, digits and "._- "; anything else becomes
// an underscore so client names cannot break the storage path.
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '.' || c == '_' || c == '-' || c == ' ':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
