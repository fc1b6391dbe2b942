package devicelink

import "time"

// Operation names carried by OperationLog.
const (
	OperationReconcileItem = "reconcile_item"
	OperationReconcileRun  = "reconcile_run"
	OperationScanGroup     = "scan_group"
)

const (
	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultRetryWindow is how long after first use a missing MAC is still looked for.
	DefaultRetryWindow = 7 * 24 * time.Hour
	// DefaultDiscoveryWindow is the half-width of the client-history search around first use.
	DefaultDiscoveryWindow = 24 * time.Hour

	scanPageSize = 200
	scanMaxPages = 10
	noMACKey     = "NO_MAC"

	LinkedViaVoucherScan      = "voucher_scan"
	LinkedViaLedgerMAC        = "voucher_ledger"
	LinkedViaVoucherDiscovery = "voucher_discovery"

	AuditActionDeviceLinked   = "device_linked"
	AuditActionDeviceConflict = "device_link_conflict"

	NotificationTypePendingReview = "voucher_pending_review"
	NotificationTypeConflict      = "device_link_conflict"
	NotificationTypeRunSummary    = "reconciliation_summary"

	errorSubjectReconciler = "reconciler"
	errorSubjectScanner    = "scanner"
	errorCodeListVouchers  = "list_month_vouchers"
	errorCodeUnavailable   = "controller_unavailable"
)
