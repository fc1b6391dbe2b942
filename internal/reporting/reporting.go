// Package reporting turns reconciliation events into log records and console output.
package reporting

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a production logger, or a development logger at debug level.
func NewLogger(debug bool) (*zap.Logger, error) {
	if !debug {
		return zap.NewProduction()
	}
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return zapConfig.Build()
}

// ZapLogger writes one structured record per event.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger. A nil logger discards records.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry devicelink.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("run_id", entry.RunID),
		zap.String("month", entry.Month.ISOKey()),
		zap.Bool("dry_run", entry.DryRun),
		zap.String("status", entry.Status),
	}
	if entry.VoucherCode != "" {
		fields = append(fields, zap.String("voucher_code", entry.VoucherCode))
	}
	if entry.MAC != "" {
		fields = append(fields, zap.String("mac", entry.MAC))
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.Int64("user_id", entry.UserID.Int64()))
	}
	if entry.RemoteGroupID != "" {
		fields = append(fields, zap.String("remote_group_id", entry.RemoteGroupID))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(entry.Outcome)))
	}
	if entry.LinkedVia != "" {
		fields = append(fields, zap.String("linked_via", entry.LinkedVia))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if entry.Summary != nil {
		fields = append(fields,
			zap.Int("linked", entry.Summary.Linked),
			zap.Int("already_linked_same_user", entry.Summary.AlreadyLinkedSameUser),
			zap.Int("conflict", entry.Summary.Conflict),
			zap.Int("pending_manual_review", entry.Summary.PendingManualReview),
			zap.Int("already_processed", entry.Summary.AlreadyProcessed),
			zap.Int("skipped", entry.Summary.Skipped),
			zap.Int("errors", entry.Summary.Error),
			zap.Int("scan_failures", entry.Summary.ScanFailures),
			zap.Duration("duration", entry.Summary.Duration),
		)
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Error(entry.Operation, fields...)
		return
	}
	if entry.Operation == devicelink.OperationReconcileItem {
		zapLogger.logger.Debug(entry.Operation, fields...)
		return
	}
	zapLogger.logger.Info(entry.Operation, fields...)
}

// ProgressPrinter writes one human-readable line per event and a closing summary.
type ProgressPrinter struct {
	mutex  sync.Mutex
	writer io.Writer
}

// NewProgressPrinter writes to writer.
func NewProgressPrinter(writer io.Writer) *ProgressPrinter {
	return &ProgressPrinter{writer: writer}
}

func (printer *ProgressPrinter) LogOperation(_ context.Context, entry devicelink.OperationLog) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	switch entry.Operation {
	case devicelink.OperationScanGroup:
		fmt.Fprintf(printer.writer, "scan    group=%s failed: %v\n", entry.RemoteGroupID, entry.Error)
	case devicelink.OperationReconcileItem:
		line := fmt.Sprintf("%-24s code=%s", entry.Outcome, entry.VoucherCode)
		if entry.MAC != "" {
			line += " mac=" + entry.MAC
		}
		if !entry.UserID.IsZero() {
			line += " user=" + entry.UserID.String()
		}
		if entry.Detail != "" {
			line += " (" + entry.Detail + ")"
		}
		if entry.Error != nil {
			line += fmt.Sprintf(" error=%v", entry.Error)
		}
		fmt.Fprintln(printer.writer, line)
	case devicelink.OperationReconcileRun:
		printer.printSummary(entry)
	}
}

func (printer *ProgressPrinter) printSummary(entry devicelink.OperationLog) {
	mode := "live"
	if entry.DryRun {
		mode = "dry-run"
	}
	if entry.Summary == nil {
		fmt.Fprintf(printer.writer, "run %s (%s, %s) aborted: %v\n", entry.RunID, entry.Month.ISOKey(), mode, entry.Error)
		return
	}
	fmt.Fprintf(printer.writer, "run %s (%s, %s) reconciled %s items in %s: %s\n",
		entry.RunID,
		entry.Month.ISOKey(),
		mode,
		humanize.Comma(int64(entry.Summary.Total())),
		entry.Summary.Duration.Round(time.Millisecond),
		entry.Summary.String(),
	)
	if entry.Error != nil {
		fmt.Fprintf(printer.writer, "run %s failed: %v\n", entry.RunID, entry.Error)
	}
}

// FanOut forwards every event to each logger in order.
type FanOut []devicelink.OperationLogger

func (fanOut FanOut) LogOperation(ctx context.Context, entry devicelink.OperationLog) {
	for _, logger := range fanOut {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
