package devicelink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
	"github.com/google/uuid"
)

// Controller is the part of the controller client the reconciler drives.
type Controller interface {
	VoucherLister
	ListClients(ctx context.Context, query controller.ClientQuery) ([]controller.ClientRecord, error)
	ClientDetail(ctx context.Context, mac string) (controller.ClientRecord, error)
	RenameClient(ctx context.Context, mac, name string) error
}

// ItemResult is the classification of one (voucher code, MAC) pair.
type ItemResult struct {
	VoucherCode string     `json:"voucherCode"`
	MAC         string     `json:"mac,omitempty"`
	UserID      int64      `json:"userId,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	LinkedVia   string     `json:"linkedVia,omitempty"`
	DeviceType  DeviceType `json:"deviceType,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	Err         error      `json:"-"`
}

// RunReport is everything one reconciliation run decided.
type RunReport struct {
	RunID        string        `json:"runId"`
	Month        string        `json:"month"`
	DryRun       bool          `json:"dryRun"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
	Candidates   int           `json:"candidates"`
	Items        []ItemResult  `json:"items"`
	ScanFailures []ScanFailure `json:"-"`
	Summary      RunSummary    `json:"summary"`
}

// Reconciler links redeemed vouchers to student devices. Each run is sequential;
// concurrent runs are tolerated through the store's uniqueness and first-write-wins updates.
type Reconciler struct {
	store           Store
	controller      Controller
	scanner         *Scanner
	now             func() time.Time
	logger          OperationLogger
	dryRun          bool
	retryWindow     time.Duration
	discoveryWindow time.Duration
	newRunID        func() string
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, remote Controller, now func() time.Time, options ...ReconcilerOption) (*Reconciler, error) {
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	scanner, err := NewScanner(store, remote)
	if err != nil {
		return nil, err
	}
	reconciler := &Reconciler{
		store:           store,
		controller:      remote,
		scanner:         scanner,
		now:             now,
		retryWindow:     DefaultRetryWindow,
		discoveryWindow: DefaultDiscoveryWindow,
		newRunID:        uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// DryRun reports whether the reconciler is read-only.
func (reconciler *Reconciler) DryRun() bool {
	return reconciler.dryRun
}

// Run reconciles every voucher redeemed in month. Per-item failures are counted,
// never returned. The returned error is non-nil only when the run could not
// proceed: the candidate list could not be read, or the controller was unavailable.
func (reconciler *Reconciler) Run(ctx context.Context, month BillingMonth) (RunReport, error) {
	report := RunReport{
		RunID:     reconciler.newRunID(),
		Month:     month.ISOKey(),
		DryRun:    reconciler.dryRun,
		StartedAt: reconciler.now(),
		Items:     []ItemResult{},
	}
	scan, err := reconciler.scanner.FindUsageForMonth(ctx, month)
	report.Candidates = scan.Candidates
	report.ScanFailures = scan.Failures
	report.Summary.ScanFailures = len(scan.Failures)
	for _, failure := range scan.Failures {
		reconciler.logOperation(ctx, OperationLog{
			Operation:     OperationScanGroup,
			RunID:         report.RunID,
			Month:         month,
			DryRun:        reconciler.dryRun,
			RemoteGroupID: failure.RemoteGroupID,
			Error:         failure.Err,
		})
	}
	if err != nil {
		return reconciler.finish(ctx, month, report, err)
	}

	planned := map[string]UserID{}
	for _, usage := range scan.Usages {
		item := reconciler.reconcileItem(ctx, month, usage, planned)
		report.Items = append(report.Items, item)
		report.Summary.Add(item.Outcome)
		userID, _ := NewUserID(item.UserID)
		reconciler.logOperation(ctx, OperationLog{
			Operation:     OperationReconcileItem,
			RunID:         report.RunID,
			Month:         month,
			DryRun:        reconciler.dryRun,
			VoucherCode:   item.VoucherCode,
			MAC:           item.MAC,
			UserID:        userID,
			RemoteGroupID: usage.RemoteGroupID,
			Outcome:       item.Outcome,
			LinkedVia:     item.LinkedVia,
			Detail:        item.Detail,
			Error:         item.Err,
		})
		if controller.IsAuthFailure(item.Err) {
			return reconciler.finish(ctx, month, report, item.Err)
		}
	}
	return reconciler.finish(ctx, month, report, nil)
}

func (reconciler *Reconciler) finish(ctx context.Context, month BillingMonth, report RunReport, runError error) (RunReport, error) {
	report.FinishedAt = reconciler.now()
	report.Summary.Duration = report.FinishedAt.Sub(report.StartedAt)
	if runError == nil && !reconciler.dryRun && report.Summary.Failed() {
		if err := reconciler.notifyRunSummary(ctx, report); err != nil {
			runError = err
		}
	}
	summary := report.Summary
	reconciler.logOperation(ctx, OperationLog{
		Operation: OperationReconcileRun,
		RunID:     report.RunID,
		Month:     month,
		DryRun:    reconciler.dryRun,
		Summary:   &summary,
		Error:     runError,
	})
	return report, runError
}

// reconcileItem classifies one usage. planned holds the MACs a dry run has already
// decided to link in this run, standing in for the bindings it does not write.
func (reconciler *Reconciler) reconcileItem(ctx context.Context, month BillingMonth, usage Usage, planned map[string]UserID) ItemResult {
	item := ItemResult{VoucherCode: usage.Code.String(), MAC: usage.MAC}
	row, err := reconciler.store.FindVoucherRow(ctx, usage.Code, month)
	if errors.Is(err, ErrVoucherNotFound) {
		item.Outcome = OutcomeSkipped
		item.Detail = "no ledger row for voucher"
		return item
	}
	if err != nil {
		return failed(item, err)
	}
	item.UserID = row.UserID.Int64()
	now := reconciler.now()

	if row.FirstUsedAt != nil && (row.FirstUsedMAC != "" || !reconciler.withinRetryWindow(*row.FirstUsedAt, now)) {
		item.Outcome = OutcomeAlreadyProcessed
		item.MAC = row.FirstUsedMAC
		return item
	}

	mac := usage.MAC
	item.LinkedVia = LinkedViaVoucherScan
	if mac == "" && row.FirstUsedMAC != "" {
		mac = row.FirstUsedMAC
		item.LinkedVia = LinkedViaLedgerMAC
	}
	if mac == "" && (row.FirstUsedAt == nil || reconciler.withinRetryWindow(*row.FirstUsedAt, now)) {
		discovered, err := reconciler.discoverMAC(ctx, row, now, planned)
		if err != nil && controller.IsAuthFailure(err) {
			return failed(item, err)
		}
		if err != nil {
			item.Detail = joinDetail(item.Detail, "mac discovery failed: "+err.Error())
		}
		if discovered != "" {
			mac = discovered
			item.LinkedVia = LinkedViaVoucherDiscovery
			item.Detail = "best-effort discovery from client history"
		}
	}
	item.MAC = mac
	if mac == "" {
		item.LinkedVia = ""
		return reconciler.pendingReview(ctx, item, row, now)
	}

	binding, err := reconciler.findBinding(ctx, mac, planned)
	switch {
	case err == nil && binding.UserID == row.UserID:
		return reconciler.alreadyLinked(ctx, item, row, now)
	case err == nil:
		return reconciler.conflict(ctx, item, row, binding, now)
	case errors.Is(err, ErrBindingNotFound):
		item = reconciler.link(ctx, item, row, now)
		if reconciler.dryRun && item.Outcome == OutcomeLinked {
			planned[mac] = row.UserID
		}
		return item
	default:
		return failed(item, err)
	}
}

func (reconciler *Reconciler) findBinding(ctx context.Context, mac string, planned map[string]UserID) (DeviceBinding, error) {
	if owner, ok := planned[mac]; ok {
		return DeviceBinding{MAC: mac, UserID: owner, LinkedVia: LinkedViaVoucherScan}, nil
	}
	return reconciler.store.FindBinding(ctx, mac)
}

func (reconciler *Reconciler) withinRetryWindow(firstUsedAt time.Time, now time.Time) bool {
	return now.Sub(firstUsedAt) <= reconciler.retryWindow
}

func (reconciler *Reconciler) pendingReview(ctx context.Context, item ItemResult, row VoucherRow, now time.Time) ItemResult {
	item.Outcome = OutcomePendingManualReview
	if reconciler.dryRun {
		return item
	}
	firstEncounter := row.FirstUsedAt == nil
	if err := reconciler.store.MarkFirstUse(ctx, row.ID, now, ""); err != nil {
		return failed(item, err)
	}
	if !firstEncounter {
		item.Detail = joinDetail(item.Detail, "still awaiting a device address")
		return item
	}
	if err := reconciler.notifyReviewers(ctx, row.AccommodationID, func(reviewer Reviewer) Notification {
		return pendingReviewNotification(reviewer, row, now)
	}); err != nil {
		item.Err = err
		item.Detail = joinDetail(item.Detail, "review notification failed")
	}
	return item
}

func (reconciler *Reconciler) alreadyLinked(ctx context.Context, item ItemResult, row VoucherRow, now time.Time) ItemResult {
	item.Outcome = OutcomeAlreadyLinkedSameUser
	if reconciler.dryRun {
		return item
	}
	if err := reconciler.store.MarkFirstUse(ctx, row.ID, now, item.MAC); err != nil {
		return failed(item, err)
	}
	return item
}

func (reconciler *Reconciler) conflict(ctx context.Context, item ItemResult, row VoucherRow, binding DeviceBinding, now time.Time) ItemResult {
	item.Outcome = OutcomeConflict
	item.Detail = fmt.Sprintf("mac bound to user %s", binding.UserID)
	if reconciler.dryRun {
		return item
	}
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.MarkFirstUse(ctx, row.ID, now, item.MAC); err != nil {
			return err
		}
		return txStore.InsertAudit(ctx, AuditEntry{
			UserID:      row.UserID,
			Action:      AuditActionDeviceConflict,
			VoucherCode: item.VoucherCode,
			MAC:         item.MAC,
			Details: map[string]any{
				"owner_user_id": binding.UserID.Int64(),
				"linked_via":    item.LinkedVia,
				"month":         row.BillingMonth,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return failed(item, err)
	}
	if err := reconciler.notifyReviewers(ctx, row.AccommodationID, func(reviewer Reviewer) Notification {
		return conflictNotification(reviewer, row, item.MAC, binding, now)
	}); err != nil {
		item.Err = err
		item.Detail = "conflict notification failed"
	}
	return item
}

func (reconciler *Reconciler) link(ctx context.Context, item ItemResult, row VoucherRow, now time.Time) ItemResult {
	item.Outcome = OutcomeLinked
	item.DeviceType = reconciler.deviceType(ctx, item.MAC)
	if reconciler.dryRun {
		return item
	}
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.InsertBinding(ctx, DeviceBinding{
			MAC:        item.MAC,
			UserID:     row.UserID,
			DeviceType: item.DeviceType,
			LinkedVia:  item.LinkedVia,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := txStore.MarkFirstUse(ctx, row.ID, now, item.MAC); err != nil {
			return err
		}
		return txStore.InsertAudit(ctx, AuditEntry{
			UserID:      row.UserID,
			Action:      AuditActionDeviceLinked,
			VoucherCode: item.VoucherCode,
			MAC:         item.MAC,
			Details: map[string]any{
				"device_type": string(item.DeviceType),
				"linked_via":  item.LinkedVia,
				"month":       row.BillingMonth,
			},
			CreatedAt: now,
		})
	})
	if errors.Is(err, ErrMacAlreadyClaimed) {
		return reconciler.claimedConcurrently(ctx, item, row, now)
	}
	if err != nil {
		return failed(item, err)
	}
	label := ClientLabel(row.StudentName, item.DeviceType)
	if err := reconciler.controller.RenameClient(ctx, item.MAC, label); err != nil {
		item.Detail = joinDetail(item.Detail, "remote rename failed: "+err.Error())
	}
	return item
}

// claimedConcurrently handles a uniqueness violation raised by a concurrent run.
func (reconciler *Reconciler) claimedConcurrently(ctx context.Context, item ItemResult, row VoucherRow, now time.Time) ItemResult {
	binding, err := reconciler.store.FindBinding(ctx, item.MAC)
	if err == nil && binding.UserID == row.UserID {
		return reconciler.alreadyLinked(ctx, item, row, now)
	}
	item.Outcome = OutcomeSkipped
	item.DeviceType = ""
	item.Detail = "mac claimed concurrently by another run"
	return item
}

func (reconciler *Reconciler) deviceType(ctx context.Context, mac string) DeviceType {
	record, err := reconciler.controller.ClientDetail(ctx, mac)
	if err != nil {
		return DeviceTypeOther
	}
	return InferDeviceType(record.OS + " " + record.Name)
}

func (reconciler *Reconciler) logOperation(ctx context.Context, entry OperationLog) {
	if reconciler.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else {
		entry.Status = operationStatusOK
	}
	reconciler.logger.LogOperation(ctx, entry)
}

func failed(item ItemResult, err error) ItemResult {
	item.Outcome = OutcomeError
	item.Err = err
	item.Detail = joinDetail(item.Detail, err.Error())
	return item
}

func joinDetail(existing string, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "; " + addition
}
