// Package dispatch turns raw storage and document events into pipeline
// jobs. It owns the path contract for receipt uploads and the
// edge-triggered retry rule, and silently drops everything else.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/pipeline"
)

// ObjectEvent is a storage object-finalized notification.
type ObjectEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// ReceiptSnapshot is the slice of a receipt document a trigger delivers.
type ReceiptSnapshot struct {
	Status        string `json:"status"`
	StoragePath   string `json:"storage_path"`
	FileExtension string `json:"file_extension"`
}

// ReceiptUpdateEvent is a document update notification with before and
// after snapshots.
type ReceiptUpdateEvent struct {
	BatchID   string          `json:"batch_id"`
	ReceiptID string          `json:"receipt_id"`
	Before    ReceiptSnapshot `json:"before"`
	After     ReceiptSnapshot `json:"after"`
}

// Runner is the pipeline entry point the dispatcher feeds.
type Runner interface {
	Process(ctx context.Context, job pipeline.Job) error
}

// Dispatcher filters and addresses incoming events, then hands matching
// ones to the pipeline after a short random stagger that spreads the rate
// pressure of bulk uploads across the provider's limiter window.
type Dispatcher struct {
	runner  Runner
	logger  *slog.Logger
	stagger func() time.Duration
}

func NewDispatcher(runner Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:  runner,
		logger:  logger,
		stagger: func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
	}
}

// ParseReceiptPath splits an object name of the form
// receipts/{batchID}/{receiptID}.{ext} where ext is an allowed image
// extension. ok is false for any other shape, including nested paths and
// non-image uploads such as export workbooks.
func ParseReceiptPath(name string) (batchID, receiptID, ext string, ok bool) {
	rest, found := strings.CutPrefix(name, constants.ReceiptPathPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	file := parts[1]
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 || dot == len(file)-1 {
		return "", "", "", false
	}
	ext = constants.NormalizeExt(file[dot+1:])
	if !constants.IsAllowedExtension(ext) {
		return "", "", "", false
	}
	return parts[0], file[:dot], ext, true
}

// HandleObjectFinalized dispatches an upload event. Objects outside the
// receipt path contract are ignored without error so unrelated writes to
// the bucket (exports, user avatars) stay silent.
func (d *Dispatcher) HandleObjectFinalized(ctx context.Context, ev ObjectEvent) error {
	batchID, receiptID, _, ok := ParseReceiptPath(ev.Name)
	if !ok {
		d.logger.Debug("dispatch.ignored", "object", ev.Name)
		return nil
	}
	d.wait(ctx)
	return d.runner.Process(ctx, pipeline.Job{
		BatchID:     batchID,
		ReceiptID:   receiptID,
		StoragePath: ev.Name,
	})
}

// HandleReceiptUpdated dispatches a retry request. Only the edge into
// pending_retry fires; every other document update, including the
// pipeline's own status writes, is ignored. Without the edge condition the
// pipeline's writes would re-trigger this handler forever.
func (d *Dispatcher) HandleReceiptUpdated(ctx context.Context, ev ReceiptUpdateEvent) error {
	after, _ := constants.ParseStatus(ev.After.Status)
	before, _ := constants.ParseStatus(ev.Before.Status)
	if after != constants.StatusPendingRetry || before == constants.StatusPendingRetry {
		return nil
	}
	if ev.BatchID == "" || ev.ReceiptID == "" {
		d.logger.Warn("dispatch.retry_unaddressable", "batch_id", ev.BatchID, "receipt_id", ev.ReceiptID)
		return nil
	}

	path := ev.After.StoragePath
	if path == "" {
		ext := constants.NormalizeExt(ev.After.FileExtension)
		if !constants.IsAllowedExtension(ext) {
			ext = constants.DefaultExtension
		}
		path = constants.ReceiptPathPrefix + ev.BatchID + "/" + ev.ReceiptID + "." + ext
	}

	d.logger.Info("dispatch.retry", "batch_id", ev.BatchID, "receipt_id", ev.ReceiptID)
	d.wait(ctx)
	return d.runner.Process(ctx, pipeline.Job{
		BatchID:     ev.BatchID,
		ReceiptID:   ev.ReceiptID,
		StoragePath: path,
	})
}

func (d *Dispatcher) wait(ctx context.Context) {
	delay := d.stagger()
	if delay <= 0 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
