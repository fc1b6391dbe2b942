package devicelink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

func (reconciler *Reconciler) notifyReviewers(ctx context.Context, accommodationID int64, build func(reviewer Reviewer) Notification) error {
	reviewers, err := reconciler.store.ListReviewers(ctx, accommodationID)
	if err != nil {
		return err
	}
	var notifyErrors []error
	for _, reviewer := range reviewers {
		if err := reconciler.store.EnqueueNotification(ctx, build(reviewer)); err != nil {
			notifyErrors = append(notifyErrors, fmt.Errorf("notify user %s: %w", reviewer.UserID, err))
		}
	}
	return errors.Join(notifyErrors...)
}

func (reconciler *Reconciler) notifyRunSummary(ctx context.Context, report RunReport) error {
	return reconciler.notifyReviewers(ctx, 0, func(reviewer Reviewer) Notification {
		return runSummaryNotification(reviewer, report)
	})
}

func pendingReviewNotification(reviewer Reviewer, row VoucherRow, now time.Time) Notification {
	firstUsedAt := now
	if row.FirstUsedAt != nil {
		firstUsedAt = *row.FirstUsedAt
	}
	return Notification{
		UserID: reviewer.UserID,
		Type:   NotificationTypePendingReview,
		Title:  "Voucher used without a device address",
		Body: fmt.Sprintf(
			"Voucher %s issued to %s was redeemed %s but the controller reported no device address. Link the device manually.",
			row.VoucherCode,
			studentName(row),
			humanize.RelTime(firstUsedAt, now, "ago", "from now"),
		),
		Metadata: map[string]any{
			"voucher_code":     row.VoucherCode.String(),
			"student_user_id":  row.UserID.Int64(),
			"accommodation_id": row.AccommodationID,
			"month":            row.BillingMonth,
			"severity":         "warning",
		},
		CreatedAt: now,
	}
}

func conflictNotification(reviewer Reviewer, row VoucherRow, mac string, binding DeviceBinding, now time.Time) Notification {
	return Notification{
		UserID: reviewer.UserID,
		Type:   NotificationTypeConflict,
		Title:  "Device already linked to another student",
		Body: fmt.Sprintf(
			"Voucher %s issued to %s was redeemed by device %s, which is linked to user %s. The device was not re-linked.",
			row.VoucherCode,
			studentName(row),
			mac,
			binding.UserID,
		),
		Metadata: map[string]any{
			"voucher_code":     row.VoucherCode.String(),
			"student_user_id":  row.UserID.Int64(),
			"owner_user_id":    binding.UserID.Int64(),
			"mac":              mac,
			"accommodation_id": row.AccommodationID,
			"severity":         "warning",
		},
		CreatedAt: now,
	}
}

func runSummaryNotification(reviewer Reviewer, report RunReport) Notification {
	return Notification{
		UserID: reviewer.UserID,
		Type:   NotificationTypeRunSummary,
		Title:  fmt.Sprintf("Device reconciliation for %s needs attention", report.Month),
		Body: fmt.Sprintf(
			"Run %s finished in %s with %s errors and %s unreadable voucher groups (%s).",
			report.RunID,
			report.Summary.Duration.Round(time.Millisecond),
			humanize.Comma(int64(report.Summary.Error)),
			humanize.Comma(int64(report.Summary.ScanFailures)),
			report.Summary,
		),
		Metadata: map[string]any{
			"run_id":        report.RunID,
			"month":         report.Month,
			"errors":        report.Summary.Error,
			"scan_failures": report.Summary.ScanFailures,
			"severity":      "error",
		},
		CreatedAt: report.FinishedAt,
	}
}

func studentName(row VoucherRow) string {
	if row.StudentName != "" {
		return row.StudentName
	}
	return "user " + row.UserID.String()
}
