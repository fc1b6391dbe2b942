package devicelink

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
)

const (
	studentOneID   = 1
	studentTwoID   = 2
	adminID        = 100
	managerID      = 101
	accommodation  = 7
	testVoucher    = "AB12CD34"
	testMAC        = "AA:BB:CC:DD:EE:FF"
	testGroup      = "g-1"
	testMonthKey   = "2024-03"
	studentOneName = "Ana Silva"
)

type reconcileFixture struct {
	store  *stubStore
	remote *stubController
	clock  *fixedClock
	month  BillingMonth
}

func newReconcileFixture(test *testing.T) *reconcileFixture {
	test.Helper()
	store := newStubStore()
	store.reviewers = []Reviewer{
		{UserID: mustUserID(test, adminID), Name: "Admin", Role: ReviewerRoleAdmin},
		{UserID: mustUserID(test, managerID), Name: "Manager", Role: ReviewerRoleManager},
	}
	return &reconcileFixture{
		store:  store,
		remote: newStubController(),
		clock:  &fixedClock{now: testNow},
		month:  mustMonth(test, testMonthKey),
	}
}

func (fixture *reconcileFixture) addVoucher(test *testing.T, userID int64, code string, name string) {
	test.Helper()
	fixture.store.addRow(VoucherRow{
		UserID:          mustUserID(test, userID),
		StudentName:     name,
		AccommodationID: accommodation,
		VoucherCode:     mustVoucherCode(test, code),
		RemoteGroupID:   testGroup,
	})
}

func (fixture *reconcileFixture) run(test *testing.T, options ...ReconcilerOption) RunReport {
	test.Helper()
	reconciler := mustReconciler(test, fixture.store, fixture.remote, fixture.clock, options...)
	report, err := reconciler.Run(context.Background(), fixture.month)
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	return report
}

func requireOutcomes(test *testing.T, report RunReport, want ...Outcome) {
	test.Helper()
	if len(report.Items) != len(want) {
		test.Fatalf("expected %d items, got %+v", len(want), report.Items)
	}
	for index, outcome := range want {
		if report.Items[index].Outcome != outcome {
			test.Fatalf("item %d: expected %s, got %s (%s)", index, outcome, report.Items[index].Outcome, report.Items[index].Detail)
		}
	}
}

func TestReconcileLinksRedeemedVoucher(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.remote.groups[testGroup] = []controller.Rows{{voucherRow(testVoucher, "aa:bb:cc:dd:ee:ff")}}
	fixture.remote.details[testMAC] = controller.ClientRecord{MAC: testMAC, OS: "iOS 17.2"}

	report := fixture.run(test)

	requireOutcomes(test, report, OutcomeLinked)
	if report.Summary.Linked != 1 || report.Summary.Total() != 1 {
		test.Fatalf("unexpected summary %s", report.Summary)
	}
	binding, ok := fixture.store.bindings[testMAC]
	if !ok || len(fixture.store.bindings) != 1 {
		test.Fatalf("expected exactly one binding, got %+v", fixture.store.bindings)
	}
	if binding.UserID.Int64() != studentOneID || binding.DeviceType != DeviceTypePhone || binding.LinkedVia != LinkedViaVoucherScan {
		test.Fatalf("unexpected binding %+v", binding)
	}
	row := fixture.store.row(test, testVoucher)
	if row.FirstUsedAt == nil || !row.FirstUsedAt.Equal(testNow) || row.FirstUsedMAC != testMAC {
		test.Fatalf("expected first use recorded, got %+v", row)
	}
	if len(fixture.store.audits) != 1 || fixture.store.audits[0].Action != AuditActionDeviceLinked {
		test.Fatalf("expected one link audit entry, got %+v", fixture.store.audits)
	}
	if len(fixture.store.notifications) != 0 {
		test.Fatalf("expected no notifications, got %+v", fixture.store.notifications)
	}
	if fixture.remote.renames[testMAC] != "Ana Silva - Phone" {
		test.Fatalf("unexpected rename %q", fixture.remote.renames[testMAC])
	}
}

func TestReconcilePendingManualReviewNotifiesOnce(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.remote.groups[testGroup] = []controller.Rows{{{"code": testVoucher, "status": "used"}}}

	report := fixture.run(test)

	requireOutcomes(test, report, OutcomePendingManualReview)
	row := fixture.store.row(test, testVoucher)
	if row.FirstUsedAt == nil || row.FirstUsedMAC != "" {
		test.Fatalf("expected first use without mac, got %+v", row)
	}
	if len(fixture.store.notifications) != 2 {
		test.Fatalf("expected admin and manager notifications, got %d", len(fixture.store.notifications))
	}
	recipients := map[int64]bool{}
	for _, notification := range fixture.store.notifications {
		if notification.Type != NotificationTypePendingReview {
			test.Fatalf("unexpected notification type %s", notification.Type)
		}
		recipients[notification.UserID.Int64()] = true
	}
	if !recipients[adminID] || !recipients[managerID] {
		test.Fatalf("unexpected recipients %v", recipients)
	}
	if fixture.remote.clientCalls != 1 {
		test.Fatalf("expected one discovery attempt, got %d", fixture.remote.clientCalls)
	}

	fixture.clock.Set(testNow.Add(24 * time.Hour))
	second := fixture.run(test)
	requireOutcomes(test, second, OutcomePendingManualReview)
	if len(fixture.store.notifications) != 2 {
		test.Fatalf("expected no repeat notification, got %d", len(fixture.store.notifications))
	}
	if !fixture.store.row(test, testVoucher).FirstUsedAt.Equal(testNow) {
		test.Fatalf("first use must not move")
	}
}

func TestReconcileDryRunWritesNothing(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.addVoucher(test, studentTwoID, "EF56GH78", "Ben Ode")
	fixture.remote.groups[testGroup] = []controller.Rows{{
		voucherRow(testVoucher, testMAC),
		{"code": "EF56GH78", "status": "used"},
	}}
	logger := &recorderLogger{}

	report := fixture.run(test, WithDryRun(true), WithOperationLogger(logger))

	requireOutcomes(test, report, OutcomeLinked, OutcomePendingManualReview)
	if !report.DryRun {
		test.Fatalf("expected dry-run report")
	}
	if fixture.store.writes != 0 || len(fixture.store.bindings) != 0 || len(fixture.store.notifications) != 0 {
		test.Fatalf("dry run wrote: writes=%d bindings=%d notifications=%d", fixture.store.writes, len(fixture.store.bindings), len(fixture.store.notifications))
	}
	if len(fixture.remote.renames) != 0 {
		test.Fatalf("dry run renamed clients: %v", fixture.remote.renames)
	}
	if fixture.store.row(test, testVoucher).FirstUsedAt != nil {
		test.Fatalf("dry run marked first use")
	}
	if len(logger.entries) != 3 || !logger.entries[0].DryRun || logger.entries[2].Summary == nil {
		test.Fatalf("expected two item logs and a summary, got %+v", logger.entries)
	}
}

func TestReconcileSameMACOnTwoVouchersLinksOnce(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.addVoucher(test, studentTwoID, "EF56GH78", "Ben Ode")
	fixture.remote.groups[testGroup] = []controller.Rows{{
		voucherRow(testVoucher, testMAC),
		voucherRow("EF56GH78", testMAC),
	}}

	report := fixture.run(test)

	requireOutcomes(test, report, OutcomeLinked, OutcomeConflict)
	if len(fixture.store.bindings) != 1 || fixture.store.bindings[testMAC].UserID.Int64() != studentOneID {
		test.Fatalf("expected mac bound to first student only, got %+v", fixture.store.bindings)
	}
	conflictRow := fixture.store.row(test, "EF56GH78")
	if conflictRow.FirstUsedAt == nil || conflictRow.FirstUsedMAC != testMAC {
		test.Fatalf("expected conflict recorded on ledger row, got %+v", conflictRow)
	}
	if len(fixture.store.audits) != 2 || fixture.store.audits[1].Action != AuditActionDeviceConflict {
		test.Fatalf("expected link and conflict audits, got %+v", fixture.store.audits)
	}
	if len(fixture.store.notifications) != 2 || fixture.store.notifications[0].Type != NotificationTypeConflict {
		test.Fatalf("expected conflict notifications for reviewers, got %+v", fixture.store.notifications)
	}
}

func TestReconcileDryRunClassifiesSharedMACLikeLiveRun(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		secondOwner int64
		want        []Outcome
	}{
		{name: "different students", secondOwner: studentTwoID, want: []Outcome{OutcomeLinked, OutcomeConflict}},
		{name: "same student", secondOwner: studentOneID, want: []Outcome{OutcomeLinked, OutcomeAlreadyLinkedSameUser}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newReconcileFixture(test)
			fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
			fixture.addVoucher(test, testCase.secondOwner, "EF56GH78", "Ben Ode")
			fixture.remote.groups[testGroup] = []controller.Rows{{
				voucherRow(testVoucher, testMAC),
				voucherRow("EF56GH78", testMAC),
			}}

			preview := fixture.run(test, WithDryRun(true))
			requireOutcomes(test, preview, testCase.want...)
			if fixture.store.writes != 0 || len(fixture.store.bindings) != 0 || len(fixture.store.notifications) != 0 {
				test.Fatalf("dry run wrote: writes=%d bindings=%d notifications=%d", fixture.store.writes, len(fixture.store.bindings), len(fixture.store.notifications))
			}

			live := fixture.run(test)
			requireOutcomes(test, live, testCase.want...)
			if preview.Summary.Linked != live.Summary.Linked || preview.Summary.Conflict != live.Summary.Conflict {
				test.Fatalf("preview %s differs from live %s", preview.Summary, live.Summary)
			}
		})
	}
}

func TestReconcileSecondRunIsAlreadyProcessed(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.addVoucher(test, studentTwoID, "EF56GH78", "Ben Ode")
	fixture.remote.groups[testGroup] = []controller.Rows{{
		voucherRow(testVoucher, testMAC),
		voucherRow("EF56GH78", testMAC),
	}}
	fixture.run(test)
	bindings := len(fixture.store.bindings)
	notifications := len(fixture.store.notifications)
	audits := len(fixture.store.audits)

	fixture.clock.Set(testNow.Add(time.Hour))
	second := fixture.run(test)

	want := RunSummary{AlreadyProcessed: 2, Duration: second.Summary.Duration}
	if second.Summary != want {
		test.Fatalf("expected only already-processed counters, got %s", second.Summary)
	}
	if len(fixture.store.bindings) != bindings || len(fixture.store.notifications) != notifications || len(fixture.store.audits) != audits {
		test.Fatalf("second run wrote duplicates")
	}
}

func TestReconcileRetryWindowBoundary(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		firstUsedAt time.Time
		want        Outcome
	}{
		{name: "exactly seven days", firstUsedAt: testNow.Add(-DefaultRetryWindow), want: OutcomeLinked},
		{name: "one second past", firstUsedAt: testNow.Add(-DefaultRetryWindow - time.Second), want: OutcomeAlreadyProcessed},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newReconcileFixture(test)
			fixture.store.addRow(VoucherRow{
				UserID:          mustUserID(test, studentOneID),
				StudentName:     studentOneName,
				AccommodationID: accommodation,
				VoucherCode:     mustVoucherCode(test, testVoucher),
				RemoteGroupID:   testGroup,
				FirstUsedAt:     timePointer(testCase.firstUsedAt),
			})
			fixture.remote.groups[testGroup] = []controller.Rows{{voucherRow(testVoucher, testMAC)}}

			report := fixture.run(test)
			requireOutcomes(test, report, testCase.want)
		})
	}
}

func TestReconcileAlreadyLinkedSameUserRefreshesFirstUse(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.store.bindings[testMAC] = DeviceBinding{MAC: testMAC, UserID: mustUserID(test, studentOneID), DeviceType: DeviceTypeLaptop}
	fixture.remote.groups[testGroup] = []controller.Rows{{voucherRow(testVoucher, testMAC)}}

	report := fixture.run(test)

	requireOutcomes(test, report, OutcomeAlreadyLinkedSameUser)
	row := fixture.store.row(test, testVoucher)
	if row.FirstUsedMAC != testMAC || row.FirstUsedAt == nil {
		test.Fatalf("expected first use refreshed, got %+v", row)
	}
	if len(fixture.store.audits) != 0 || len(fixture.store.notifications) != 0 {
		test.Fatalf("expected no audit or notification")
	}
}

func TestReconcileUsesMACAlreadyOnLedgerRow(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.store.addRow(VoucherRow{
		UserID:        mustUserID(test, studentOneID),
		StudentName:   studentOneName,
		VoucherCode:   mustVoucherCode(test, testVoucher),
		RemoteGroupID: testGroup,
		FirstUsedMAC:  testMAC,
	})
	fixture.remote.groups[testGroup] = []controller.Rows{{{"code": testVoucher, "status": "used"}}}

	report := fixture.run(test)

	requireOutcomes(test, report, OutcomeLinked)
	if report.Items[0].LinkedVia != LinkedViaLedgerMAC || fixture.remote.clientCalls != 0 {
		test.Fatalf("expected ledger mac without discovery, got %+v", report.Items[0])
	}
}

func TestReconcileDiscoveryPicksFirstUnboundClient(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.store.bindings["AA:AA:AA:AA:AA:01"] = DeviceBinding{MAC: "AA:AA:AA:AA:AA:01", UserID: mustUserID(test, 9)}
	fixture.remote.groups[testGroup] = []controller.Rows{{{"code": testVoucher, "status": "used"}}}
	fixture.remote.clients = []controller.ClientRecord{
		{MAC: "AA:AA:AA:AA:AA:01", FirstSeen: testNow.Add(-time.Hour)},
		{MAC: "AA:AA:AA:AA:AA:02", FirstSeen: testNow.Add(-72 * time.Hour)},
		{MAC: "AA:AA:AA:AA:AA:03", FirstSeen: testNow.Add(-2 * time.Hour), OS: "Windows 11"},
	}
	fixture.remote.details["AA:AA:AA:AA:AA:03"] = controller.ClientRecord{OS: "Windows 11"}

	report := fixture.run(test)

	requireOutcomes(test, report, OutcomeLinked)
	item := report.Items[0]
	if item.MAC != "AA:AA:AA:AA:AA:03" || item.LinkedVia != LinkedViaVoucherDiscovery || !strings.Contains(item.Detail, "best-effort") {
		test.Fatalf("unexpected discovery item %+v", item)
	}
	if fixture.store.bindings["AA:AA:AA:AA:AA:03"].DeviceType != DeviceTypeLaptop {
		test.Fatalf("expected laptop binding, got %+v", fixture.store.bindings["AA:AA:AA:AA:AA:03"])
	}
}

func TestReconcileDiscoveryFailureIsReportedOnPendingItem(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.remote.groups[testGroup] = []controller.Rows{{{"code": testVoucher, "status": "used"}}}
	fixture.remote.clientsErr = &controller.NetworkFailure{Endpoint: "/v1/client/list", Err: errors.New("timeout")}
	logger := &recorderLogger{}

	report := fixture.run(test, WithOperationLogger(logger))

	requireOutcomes(test, report, OutcomePendingManualReview)
	if !strings.Contains(report.Items[0].Detail, "mac discovery failed") || !strings.Contains(report.Items[0].Detail, "timeout") {
		test.Fatalf("expected discovery failure in detail, got %q", report.Items[0].Detail)
	}
	if !strings.Contains(logger.entries[0].Detail, "mac discovery failed") {
		test.Fatalf("expected discovery failure in operation log, got %+v", logger.entries[0])
	}
	if report.Summary.Error != 0 {
		test.Fatalf("discovery failure must not count as an item error: %s", report.Summary)
	}
}

func TestReconcileConcurrentClaim(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		owner int64
		want  Outcome
	}{
		{name: "same student", owner: studentOneID, want: OutcomeAlreadyLinkedSameUser},
		{name: "other student", owner: studentTwoID, want: OutcomeSkipped},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newReconcileFixture(test)
			fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
			fixture.remote.groups[testGroup] = []controller.Rows{{voucherRow(testVoucher, testMAC)}}
			fixture.store.claimBeforeInsert = &DeviceBinding{MAC: testMAC, UserID: mustUserID(test, testCase.owner)}

			report := fixture.run(test)

			requireOutcomes(test, report, testCase.want)
			if report.Summary.Error != 0 {
				test.Fatalf("race must not count as error")
			}
			if len(fixture.store.audits) != 0 || len(fixture.remote.renames) != 0 {
				test.Fatalf("rolled back link must not audit or rename")
			}
		})
	}
}

type missingRowStore struct {
	*stubStore
}

func (store missingRowStore) FindVoucherRow(context.Context, VoucherCode, BillingMonth) (VoucherRow, error) {
	return VoucherRow{}, ErrVoucherNotFound
}

func TestReconcileSkipsVoucherWithoutLedgerRow(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.remote.groups[testGroup] = []controller.Rows{{voucherRow(testVoucher, testMAC)}}
	reconciler := mustReconciler(test, missingRowStore{fixture.store}, fixture.remote, fixture.clock)

	report, err := reconciler.Run(context.Background(), fixture.month)
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	requireOutcomes(test, report, OutcomeSkipped)
}

func TestReconcilePersistenceErrorsAreCountedAndSummarized(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.addVoucher(test, studentTwoID, "EF56GH78", "Ben Ode")
	fixture.remote.groups[testGroup] = []controller.Rows{{
		voucherRow(testVoucher, testMAC),
		{"code": "EF56GH78", "status": "used"},
	}}
	fixture.store.failMarkFirstUse = errors.New("disk full")

	report := fixture.run(test)

	requireOutcomes(test, report, OutcomeError, OutcomeError)
	if len(fixture.store.bindings) != 0 {
		test.Fatalf("failed transaction must roll back the binding")
	}
	if len(fixture.store.notifications) != 1 {
		test.Fatalf("expected one summary notification for the admin, got %+v", fixture.store.notifications)
	}
	summary := fixture.store.notifications[0]
	if summary.Type != NotificationTypeRunSummary || summary.UserID.Int64() != adminID {
		test.Fatalf("unexpected summary notification %+v", summary)
	}
	if !report.Summary.Failed() {
		test.Fatalf("expected failed summary")
	}
}

func TestReconcileScanFailureTriggersSummaryOutsideDryRun(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.remote.groupErrors[testGroup] = &controller.NetworkFailure{Endpoint: "/v1/voucher/list", Err: errors.New("timeout")}

	dryReport := fixture.run(test, WithDryRun(true))
	if dryReport.Summary.ScanFailures != 1 || len(fixture.store.notifications) != 0 {
		test.Fatalf("dry run must not notify, got %+v", fixture.store.notifications)
	}

	report := fixture.run(test)
	if report.Summary.ScanFailures != 1 || len(fixture.store.notifications) != 1 {
		test.Fatalf("expected summary notification, got %+v", fixture.store.notifications)
	}
}

func TestReconcileControllerUnavailableAbortsRun(test *testing.T) {
	test.Parallel()
	fixture := newReconcileFixture(test)
	fixture.addVoucher(test, studentOneID, testVoucher, studentOneName)
	fixture.remote.groupErrors[testGroup] = &controller.AuthFailure{Attempts: []error{errors.New("denied")}}
	logger := &recorderLogger{}
	reconciler := mustReconciler(test, fixture.store, fixture.remote, fixture.clock, WithOperationLogger(logger))

	report, err := reconciler.Run(context.Background(), fixture.month)
	if !IsControllerUnavailable(err) {
		test.Fatalf("expected controller unavailable, got %v", err)
	}
	if len(report.Items) != 0 || fixture.store.writes != 0 {
		test.Fatalf("unavailable controller must not touch the ledger")
	}
	last := logger.entries[len(logger.entries)-1]
	if last.Operation != OperationReconcileRun || last.Status != operationStatusError || last.RunID != "run-1" {
		test.Fatalf("unexpected run log %+v", last)
	}
}

func TestNewReconcilerValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewReconciler(newStubStore(), newStubController(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
	if _, err := NewReconciler(nil, newStubController(), time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
}
