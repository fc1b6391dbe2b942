package devicelink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
)

var testNow = time.Date(2024, time.March, 15, 9, 30, 0, 0, time.UTC)

func mustUserID(test *testing.T, raw int64) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustVoucherCode(test *testing.T, raw string) VoucherCode {
	test.Helper()
	code, err := NewVoucherCode(raw)
	if err != nil {
		test.Fatalf("voucher code: %v", err)
	}
	return code
}

func mustMonth(test *testing.T, raw string) BillingMonth {
	test.Helper()
	month, err := ParseBillingMonth(raw)
	if err != nil {
		test.Fatalf("billing month: %v", err)
	}
	return month
}

func timePointer(value time.Time) *time.Time {
	return &value
}

// stubStore is an in-memory Ledger Store with a unique MAC index and
// first-write-wins first-use updates.
type stubStore struct {
	mutex         sync.Mutex
	rows          []VoucherRow
	bindings      map[string]DeviceBinding
	audits        []AuditEntry
	notifications []Notification
	reviewers     []Reviewer
	writes        int

	failMarkFirstUse error
	failListVouchers error
	// claimBeforeInsert simulates a concurrent run binding the MAC first.
	claimBeforeInsert *DeviceBinding
	concurrent        []DeviceBinding
}

func newStubStore() *stubStore {
	return &stubStore{bindings: map[string]DeviceBinding{}}
}

func (store *stubStore) addRow(row VoucherRow) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	row.ID = int64(len(store.rows) + 1)
	if row.BillingMonth == "" {
		row.BillingMonth = "2024-03"
	}
	row.IsActive = true
	store.rows = append(store.rows, row)
}

func (store *stubStore) row(test *testing.T, code string) VoucherRow {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, row := range store.rows {
		if row.VoucherCode.String() == code {
			return row
		}
	}
	test.Fatalf("no row for %s", code)
	return VoucherRow{}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	snapshotRows := append([]VoucherRow(nil), store.rows...)
	snapshotBindings := make(map[string]DeviceBinding, len(store.bindings))
	for mac, binding := range store.bindings {
		snapshotBindings[mac] = binding
	}
	snapshotAudits := len(store.audits)
	store.mutex.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mutex.Lock()
		store.rows = snapshotRows
		store.bindings = snapshotBindings
		store.audits = store.audits[:snapshotAudits]
		for _, binding := range store.concurrent {
			store.bindings[binding.MAC] = binding
		}
		store.mutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) ListMonthVouchers(_ context.Context, month BillingMonth) ([]MonthVoucher, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failListVouchers != nil {
		return nil, store.failListVouchers
	}
	var vouchers []MonthVoucher
	seen := map[string]struct{}{}
	for _, row := range store.rows {
		if !row.IsActive || (row.BillingMonth != month.ISOKey() && row.BillingMonth != month.Label()) {
			continue
		}
		key := row.VoucherCode.String() + "|" + row.RemoteGroupID
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		vouchers = append(vouchers, MonthVoucher{Code: row.VoucherCode, RemoteGroupID: row.RemoteGroupID})
	}
	return vouchers, nil
}

func (store *stubStore) FindVoucherRow(_ context.Context, code VoucherCode, month BillingMonth) (VoucherRow, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, row := range store.rows {
		if row.VoucherCode == code && (row.BillingMonth == month.ISOKey() || row.BillingMonth == month.Label()) {
			return row, nil
		}
	}
	return VoucherRow{}, ErrVoucherNotFound
}

func (store *stubStore) MarkFirstUse(_ context.Context, rowID int64, at time.Time, mac string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failMarkFirstUse != nil {
		return store.failMarkFirstUse
	}
	store.writes++
	for index := range store.rows {
		if store.rows[index].ID != rowID {
			continue
		}
		if store.rows[index].FirstUsedAt == nil {
			store.rows[index].FirstUsedAt = timePointer(at)
		}
		if store.rows[index].FirstUsedMAC == "" && mac != "" {
			store.rows[index].FirstUsedMAC = mac
		}
		return nil
	}
	return ErrVoucherNotFound
}

func (store *stubStore) SetVoucherActive(_ context.Context, rowID int64, active bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.writes++
	for index := range store.rows {
		if store.rows[index].ID == rowID {
			store.rows[index].IsActive = active
			return nil
		}
	}
	return ErrVoucherNotFound
}

func (store *stubStore) FindBinding(_ context.Context, mac string) (DeviceBinding, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	binding, ok := store.bindings[mac]
	if !ok {
		return DeviceBinding{}, ErrBindingNotFound
	}
	return binding, nil
}

func (store *stubStore) InsertBinding(_ context.Context, binding DeviceBinding) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.writes++
	if store.claimBeforeInsert != nil {
		store.bindings[store.claimBeforeInsert.MAC] = *store.claimBeforeInsert
		store.concurrent = append(store.concurrent, *store.claimBeforeInsert)
		store.claimBeforeInsert = nil
	}
	if _, exists := store.bindings[binding.MAC]; exists {
		return WrapError("store", "binding", "insert", ErrMacAlreadyClaimed)
	}
	store.bindings[binding.MAC] = binding
	return nil
}

func (store *stubStore) InsertAudit(_ context.Context, entry AuditEntry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.writes++
	store.audits = append(store.audits, entry)
	return nil
}

func (store *stubStore) EnqueueNotification(_ context.Context, notification Notification) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.writes++
	store.notifications = append(store.notifications, notification)
	return nil
}

func (store *stubStore) ListReviewers(_ context.Context, accommodationID int64) ([]Reviewer, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var reviewers []Reviewer
	for _, reviewer := range store.reviewers {
		if reviewer.Role == ReviewerRoleAdmin || accommodationID != 0 {
			reviewers = append(reviewers, reviewer)
		}
	}
	return reviewers, nil
}

// stubController serves canned voucher pages per group and records renames.
type stubController struct {
	mutex       sync.Mutex
	groups      map[string][]controller.Rows
	groupErrors map[string]error
	clients     []controller.ClientRecord
	clientsErr  error
	details     map[string]controller.ClientRecord
	renames     map[string]string
	listCalls   int
	clientCalls int
}

func newStubController() *stubController {
	return &stubController{
		groups:      map[string][]controller.Rows{},
		groupErrors: map[string]error{},
		details:     map[string]controller.ClientRecord{},
		renames:     map[string]string{},
	}
}

func (remote *stubController) ListGroupVouchers(_ context.Context, groupID string, page, _ int) (controller.Rows, error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	remote.listCalls++
	if err := remote.groupErrors[groupID]; err != nil {
		return nil, err
	}
	pages := remote.groups[groupID]
	if page > len(pages) {
		return controller.Rows{}, nil
	}
	return pages[page-1], nil
}

func (remote *stubController) ListClients(_ context.Context, _ controller.ClientQuery) ([]controller.ClientRecord, error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	remote.clientCalls++
	return remote.clients, remote.clientsErr
}

func (remote *stubController) ClientDetail(_ context.Context, mac string) (controller.ClientRecord, error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	record, ok := remote.details[mac]
	if !ok {
		return controller.ClientRecord{}, errors.New("client not found")
	}
	return record, nil
}

func (remote *stubController) RenameClient(_ context.Context, mac, name string) error {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	remote.renames[mac] = name
	return nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func voucherRow(code string, mac string) controller.Row {
	row := controller.Row{"code": code, "status": "unused"}
	if mac != "" {
		row["clientMac"] = mac
	}
	return row
}

type fixedClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *fixedClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fixedClock) Set(now time.Time) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = now
}

func mustReconciler(test *testing.T, store Store, remote Controller, clock *fixedClock, options ...ReconcilerOption) *Reconciler {
	test.Helper()
	options = append([]ReconcilerOption{WithRunIDGenerator(func() string { return "run-1" })}, options...)
	reconciler, err := NewReconciler(store, remote, clock.Now, options...)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}
	return reconciler
}
