package devicelink

import (
	"context"
	"time"
)

// ReconcilerOption configures a Reconciler instance.
type ReconcilerOption func(*Reconciler)

// OperationLogger records domain-level events emitted while reconciling.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one reconciliation event: a scanned group, a reconciled
// item, or a finished run (Summary set).
type OperationLog struct {
	Operation     string
	RunID         string
	Month         BillingMonth
	DryRun        bool
	VoucherCode   string
	MAC           string
	UserID        UserID
	RemoteGroupID string
	Outcome       Outcome
	LinkedVia     string
	Detail        string
	Summary       *RunSummary
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every event.
func WithOperationLogger(logger OperationLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}

// WithDryRun makes the run read-only: no ledger writes, renames, or notifications.
func WithDryRun(dryRun bool) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.dryRun = dryRun
	}
}

// WithRetryWindow overrides DefaultRetryWindow.
func WithRetryWindow(window time.Duration) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if window > 0 {
			reconciler.retryWindow = window
		}
	}
}

// WithDiscoveryWindow overrides DefaultDiscoveryWindow.
func WithDiscoveryWindow(window time.Duration) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if window > 0 {
			reconciler.discoveryWindow = window
		}
	}
}

// WithRunIDGenerator replaces the uuid run id source.
func WithRunIDGenerator(generate func() string) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if generate != nil {
			reconciler.newRunID = generate
		}
	}
}
