// Package gormstore implements the devicelink ledger store on gorm, for SQLite
// and Postgres alike.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintDeviceBindingMAC = "uniq_device_bindings_mac"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintCode       = 19
	errorOperationStore        = "store"
	errorSubjectAudit          = "audit"
	errorSubjectBinding        = "binding"
	errorSubjectNotification   = "notification"
	errorSubjectReviewer       = "reviewer"
	errorSubjectVoucher        = "voucher"
	errorCodeDuplicate         = "duplicate"
	errorCodeEncode            = "encode"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeUpdate            = "update"

	monthMatchCondition = "(voucher_month = ? OR voucher_month = ? OR (created_at >= ? AND created_at < ?))"
)

// Store implements devicelink.Store using gorm.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore devicelink.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

type monthVoucherRecord struct {
	VoucherCode   string
	RemoteGroupID string
}

func (store *Store) ListMonthVouchers(ctx context.Context, month devicelink.BillingMonth) ([]devicelink.MonthVoucher, error) {
	start, end := month.Range()
	var records []monthVoucherRecord
	err := store.db.WithContext(ctx).
		Model(&VoucherLedgerRow{}).
		Distinct("voucher_code", "remote_group_id").
		Where("is_active = ?", true).
		Where(monthMatchCondition, month.ISOKey(), month.Label(), start, end).
		Order("remote_group_id ASC, voucher_code ASC").
		Scan(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	vouchers := make([]devicelink.MonthVoucher, 0, len(records))
	for _, record := range records {
		code, err := devicelink.NewVoucherCode(record.VoucherCode)
		if err != nil {
			continue
		}
		vouchers = append(vouchers, devicelink.MonthVoucher{Code: code, RemoteGroupID: record.RemoteGroupID})
	}
	return vouchers, nil
}

type voucherRowRecord struct {
	ID              int64
	UserID          int64
	StudentName     *string
	AccommodationID *int64
	VoucherCode     string
	VoucherMonth    string
	RemoteGroupID   string
	IsActive        bool
	FirstUsedAt     *time.Time
	FirstUsedMAC    *string `gorm:"column:first_used_mac"`
}

func (store *Store) FindVoucherRow(ctx context.Context, code devicelink.VoucherCode, month devicelink.BillingMonth) (devicelink.VoucherRow, error) {
	start, end := month.Range()
	var record voucherRowRecord
	err := store.db.WithContext(ctx).
		Table("voucher_ledger").
		Select("voucher_ledger.id, voucher_ledger.user_id, users.name AS student_name, users.accommodation_id, "+
			"voucher_ledger.voucher_code, voucher_ledger.voucher_month, voucher_ledger.remote_group_id, "+
			"voucher_ledger.is_active, voucher_ledger.first_used_at, voucher_ledger.first_used_mac").
		Joins("LEFT JOIN users ON users.id = voucher_ledger.user_id").
		Where("voucher_ledger.voucher_code = ?", code.String()).
		Where("(voucher_ledger.voucher_month = ? OR voucher_ledger.voucher_month = ? OR (voucher_ledger.created_at >= ? AND voucher_ledger.created_at < ?))",
			month.ISOKey(), month.Label(), start, end).
		Order("voucher_ledger.is_active DESC, voucher_ledger.id DESC").
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, devicelink.ErrVoucherNotFound)
		}
		return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, err)
	}
	return mapVoucherRow(record)
}

func (store *Store) MarkFirstUse(ctx context.Context, rowID int64, at time.Time, mac string) error {
	updates := map[string]any{
		"first_used_at": gorm.Expr("COALESCE(first_used_at, ?)", at.UTC()),
	}
	if mac != "" {
		updates["first_used_mac"] = gorm.Expr("COALESCE(NULLIF(first_used_mac, ''), ?)", mac)
	}
	result := store.db.WithContext(ctx).
		Model(&VoucherLedgerRow{}).
		Where("id = ?", rowID).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, devicelink.ErrVoucherNotFound)
	}
	return nil
}

func (store *Store) SetVoucherActive(ctx context.Context, rowID int64, active bool) error {
	result := store.db.WithContext(ctx).
		Model(&VoucherLedgerRow{}).
		Where("id = ?", rowID).
		Update("is_active", active)
	if result.Error != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, devicelink.ErrVoucherNotFound)
	}
	return nil
}

func (store *Store) FindBinding(ctx context.Context, mac string) (devicelink.DeviceBinding, error) {
	var binding DeviceBinding
	err := store.db.WithContext(ctx).
		Where("mac_address = ?", mac).
		Take(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return devicelink.DeviceBinding{}, wrapStoreError(errorSubjectBinding, errorCodeGet, devicelink.ErrBindingNotFound)
		}
		return devicelink.DeviceBinding{}, wrapStoreError(errorSubjectBinding, errorCodeGet, err)
	}
	userID, err := devicelink.NewUserID(binding.UserID)
	if err != nil {
		return devicelink.DeviceBinding{}, wrapStoreError(errorSubjectBinding, errorCodeInvalid, err)
	}
	return devicelink.DeviceBinding{
		MAC:        binding.MACAddress,
		UserID:     userID,
		DeviceType: devicelink.DeviceType(binding.DeviceType),
		LinkedVia:  binding.LinkedVia,
		CreatedAt:  binding.CreatedAt.UTC(),
	}, nil
}

func (store *Store) InsertBinding(ctx context.Context, binding devicelink.DeviceBinding) error {
	if binding.MAC == "" || binding.UserID.IsZero() {
		return wrapStoreError(errorSubjectBinding, errorCodeInvalid, devicelink.ErrInvalidDeviceBinding)
	}
	model := DeviceBinding{
		MACAddress: binding.MAC,
		UserID:     binding.UserID.Int64(),
		DeviceType: string(binding.DeviceType),
		LinkedVia:  binding.LinkedVia,
		CreatedAt:  binding.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isBindingConflict(err) {
			return wrapStoreError(errorSubjectBinding, errorCodeDuplicate, devicelink.ErrMacAlreadyClaimed)
		}
		return wrapStoreError(errorSubjectBinding, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertAudit(ctx context.Context, entry devicelink.AuditEntry) error {
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeEncode, err)
	}
	model := AuditLog{
		UserID:      entry.UserID.Int64(),
		Action:      entry.Action,
		VoucherCode: entry.VoucherCode,
		MACAddress:  entry.MAC,
		Details:     details,
		CreatedAt:   entry.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) EnqueueNotification(ctx context.Context, notification devicelink.Notification) error {
	metadata, err := encodeJSON(notification.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeEncode, err)
	}
	model := Notification{
		UserID:    notification.UserID.Int64(),
		Type:      notification.Type,
		Title:     notification.Title,
		Body:      notification.Body,
		Metadata:  metadata,
		CreatedAt: notification.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListReviewers(ctx context.Context, accommodationID int64) ([]devicelink.Reviewer, error) {
	query := store.db.WithContext(ctx).Model(&User{})
	if accommodationID == 0 {
		query = query.Where("role = ?", string(devicelink.ReviewerRoleAdmin))
	} else {
		query = query.Where("role = ? OR (role = ? AND accommodation_id = ?)",
			string(devicelink.ReviewerRoleAdmin), string(devicelink.ReviewerRoleManager), accommodationID)
	}
	var users []User
	if err := query.Order("id ASC").Find(&users).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReviewer, errorCodeList, err)
	}
	reviewers := make([]devicelink.Reviewer, 0, len(users))
	for _, user := range users {
		userID, err := devicelink.NewUserID(user.ID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReviewer, errorCodeInvalid, err)
		}
		reviewers = append(reviewers, devicelink.Reviewer{
			UserID: userID,
			Name:   user.Name,
			Role:   devicelink.ReviewerRole(user.Role),
		})
	}
	return reviewers, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return devicelink.WrapError(errorOperationStore, subject, code, err)
}

func mapVoucherRow(record voucherRowRecord) (devicelink.VoucherRow, error) {
	userID, err := devicelink.NewUserID(record.UserID)
	if err != nil {
		return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
	}
	code, err := devicelink.NewVoucherCode(record.VoucherCode)
	if err != nil {
		return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
	}
	row := devicelink.VoucherRow{
		ID:            record.ID,
		UserID:        userID,
		VoucherCode:   code,
		BillingMonth:  record.VoucherMonth,
		RemoteGroupID: record.RemoteGroupID,
		IsActive:      record.IsActive,
	}
	if record.StudentName != nil {
		row.StudentName = *record.StudentName
	}
	if record.AccommodationID != nil {
		row.AccommodationID = *record.AccommodationID
	}
	if record.FirstUsedAt != nil {
		firstUsedAt := record.FirstUsedAt.UTC()
		row.FirstUsedAt = &firstUsedAt
	}
	if record.FirstUsedMAC != nil {
		row.FirstUsedMAC = *record.FirstUsedMAC
	}
	return row, nil
}

func encodeJSON(values map[string]any) (datatypes.JSON, error) {
	if len(values) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func isBindingConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintDeviceBindingMAC
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
