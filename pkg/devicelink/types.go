package devicelink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	billingMonthISOLayout   = "2006-01"
	billingMonthLabelLayout = "January 2006"
	billingMonthShortLayout = "Jan 2006"
)

// UserID identifies a portal user (student, manager, or admin).
type UserID struct {
	value int64
}

// NewUserID validates a user id.
func NewUserID(raw int64) (UserID, error) {
	if raw <= 0 {
		return UserID{}, fmt.Errorf("%w: must be positive", ErrInvalidUserID)
	}
	return UserID{value: raw}, nil
}

// Int64 returns the numeric identifier.
func (id UserID) Int64() int64 {
	return id.value
}

// String returns the decimal identifier.
func (id UserID) String() string {
	return strconv.FormatInt(id.value, 10)
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == 0
}

// VoucherCode is an access code issued by the controller, normalized to upper case.
type VoucherCode struct {
	value string
}

// NewVoucherCode trims and upper-cases raw. Codes must be non-empty and contain no whitespace.
func NewVoucherCode(raw string) (VoucherCode, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return VoucherCode{}, fmt.Errorf("%w: empty value", ErrInvalidVoucherCode)
	}
	if strings.IndexFunc(trimmed, unicode.IsSpace) >= 0 {
		return VoucherCode{}, fmt.Errorf("%w: contains whitespace", ErrInvalidVoucherCode)
	}
	return VoucherCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code VoucherCode) String() string {
	return code.value
}

// BillingMonth is a calendar month voucher batches are issued for.
type BillingMonth struct {
	year  int
	month time.Month
}

// ParseBillingMonth accepts "2024-03", "March 2024", and "Mar 2024".
func ParseBillingMonth(raw string) (BillingMonth, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BillingMonth{}, fmt.Errorf("%w: empty value", ErrInvalidBillingMonth)
	}
	for _, layout := range []string{billingMonthISOLayout, billingMonthLabelLayout, billingMonthShortLayout} {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return BillingMonth{year: parsed.Year(), month: parsed.Month()}, nil
		}
	}
	return BillingMonth{}, fmt.Errorf("%w: %q", ErrInvalidBillingMonth, raw)
}

// MonthOf returns the billing month containing instant, in UTC.
func MonthOf(instant time.Time) BillingMonth {
	utc := instant.UTC()
	return BillingMonth{year: utc.Year(), month: utc.Month()}
}

// ISOKey returns the "2006-01" form.
func (month BillingMonth) ISOKey() string {
	return month.start().Format(billingMonthISOLayout)
}

// Label returns the human-readable "January 2006" form.
func (month BillingMonth) Label() string {
	return month.start().Format(billingMonthLabelLayout)
}

// Range returns the half-open UTC interval [start, end) covering the month.
func (month BillingMonth) Range() (time.Time, time.Time) {
	start := month.start()
	return start, start.AddDate(0, 1, 0)
}

// IsZero reports whether the month is unset.
func (month BillingMonth) IsZero() bool {
	return month.year == 0
}

func (month BillingMonth) String() string {
	return month.ISOKey()
}

func (month BillingMonth) start() time.Time {
	return time.Date(month.year, month.month, 1, 0, 0, 0, 0, time.UTC)
}

// MonthVoucher is one distinct active voucher code issued for a month, with the
// remote voucher group it was created in.
type MonthVoucher struct {
	Code          VoucherCode
	RemoteGroupID string
}

// VoucherRow is the local ledger record tracking a voucher's issuance and first use.
type VoucherRow struct {
	ID              int64
	UserID          UserID
	StudentName     string
	AccommodationID int64
	VoucherCode     VoucherCode
	BillingMonth    string
	RemoteGroupID   string
	FirstUsedAt     *time.Time
	FirstUsedMAC    string
	IsActive        bool
}

// DeviceBinding links one physical address to one user.
type DeviceBinding struct {
	MAC        string
	UserID     UserID
	DeviceType DeviceType
	LinkedVia  string
	CreatedAt  time.Time
}

// AuditEntry is an append-only record of a reconciliation decision.
type AuditEntry struct {
	UserID      UserID
	Action      string
	VoucherCode string
	MAC         string
	Details     map[string]any
	CreatedAt   time.Time
}

// Notification is a message queued for delivery to one user.
type Notification struct {
	UserID    UserID
	Type      string
	Title     string
	Body      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// ReviewerRole distinguishes who receives review notifications.
type ReviewerRole string

const (
	ReviewerRoleAdmin   ReviewerRole = "admin"
	ReviewerRoleManager ReviewerRole = "manager"
)

// Reviewer is an administrator or accommodation manager.
type Reviewer struct {
	UserID UserID
	Name   string
	Role   ReviewerRole
}

// Store is the Ledger Store contract consumed by the scanner and the reconciler.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// ListMonthVouchers returns distinct active (code, remote group) pairs whose month
	// matches the ISO key, the label, or the creation timestamp.
	ListMonthVouchers(ctx context.Context, month BillingMonth) ([]MonthVoucher, error)
	// FindVoucherRow returns ErrVoucherNotFound when no row matches.
	FindVoucherRow(ctx context.Context, code VoucherCode, month BillingMonth) (VoucherRow, error)
	// MarkFirstUse sets first_used_at and first_used_mac only where they are unset.
	// An empty mac leaves first_used_mac untouched.
	MarkFirstUse(ctx context.Context, rowID int64, at time.Time, mac string) error
	SetVoucherActive(ctx context.Context, rowID int64, active bool) error
	// FindBinding returns ErrBindingNotFound when the MAC is unbound.
	FindBinding(ctx context.Context, mac string) (DeviceBinding, error)
	// InsertBinding returns ErrMacAlreadyClaimed on a uniqueness violation.
	InsertBinding(ctx context.Context, binding DeviceBinding) error
	InsertAudit(ctx context.Context, entry AuditEntry) error
	EnqueueNotification(ctx context.Context, notification Notification) error
	// ListReviewers returns administrators plus managers of accommodationID.
	// Zero accommodationID returns administrators only.
	ListReviewers(ctx context.Context, accommodationID int64) ([]Reviewer, error)
}
