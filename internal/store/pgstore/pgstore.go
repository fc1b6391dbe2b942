// Package pgstore implements the devicelink ledger store with raw SQL over pgx.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintDeviceBindingMAC = "uniq_device_bindings_mac"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	errorOperationStore        = "store"
	errorSubjectAudit          = "audit"
	errorSubjectBinding        = "binding"
	errorSubjectNotification   = "notification"
	errorSubjectReviewer       = "reviewer"
	errorSubjectTransaction    = "transaction"
	errorSubjectVoucher        = "voucher"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeDuplicate         = "duplicate"
	errorCodeEncode            = "encode"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeUpdate            = "update"

	sqlListMonthVouchers = `
		select distinct voucher_code, remote_group_id
		from voucher_ledger
		where is_active
		and (voucher_month = $1 or voucher_month = $2 or (created_at >= $3 and created_at < $4))
		order by remote_group_id, voucher_code
	`

	sqlFindVoucherRow = `
		select
			v.id,
			v.user_id,
			coalesce(u.name, ''),
			coalesce(u.accommodation_id, 0),
			v.voucher_code,
			v.voucher_month,
			v.remote_group_id,
			v.is_active,
			v.first_used_at,
			coalesce(v.first_used_mac, '')
		from voucher_ledger v
		left join users u on u.id = v.user_id
		where v.voucher_code = $1
		and (v.voucher_month = $2 or v.voucher_month = $3 or (v.created_at >= $4 and v.created_at < $5))
		order by v.is_active desc, v.id desc
		limit 1
	`

	sqlMarkFirstUse = `
		update voucher_ledger
		set first_used_at = coalesce(first_used_at, $2),
			first_used_mac = case when $3 = '' then first_used_mac else coalesce(nullif(first_used_mac, ''), $3) end
		where id = $1
	`

	sqlSetVoucherActive = `update voucher_ledger set is_active = $2 where id = $1`

	sqlFindBinding = `
		select mac_address, user_id, device_type, linked_via, created_at
		from device_bindings
		where mac_address = $1
	`

	sqlInsertBinding = `
		insert into device_bindings(binding_id, mac_address, user_id, device_type, linked_via, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, $5)
	`

	sqlInsertAudit = `
		insert into audit_logs(audit_id, user_id, action, voucher_code, mac_address, details, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, $6)
	`

	sqlInsertNotification = `
		insert into notifications(notification_id, user_id, type, title, body, metadata, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, $6)
	`

	sqlListReviewers = `
		select id, name, role
		from users
		where role = 'admin' or ($1 <> 0 and role = 'manager' and accommodation_id = $1)
		order by id
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements devicelink.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx executes fn within a transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore devicelink.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) ListMonthVouchers(ctx context.Context, month devicelink.BillingMonth) ([]devicelink.MonthVoucher, error) {
	start, end := month.Range()
	rows, err := store.db.Query(ctx, sqlListMonthVouchers, month.ISOKey(), month.Label(), start, end)
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	defer rows.Close()
	var vouchers []devicelink.MonthVoucher
	for rows.Next() {
		var codeValue, remoteGroupID string
		if err := rows.Scan(&codeValue, &remoteGroupID); err != nil {
			return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
		}
		code, err := devicelink.NewVoucherCode(codeValue)
		if err != nil {
			continue
		}
		vouchers = append(vouchers, devicelink.MonthVoucher{Code: code, RemoteGroupID: remoteGroupID})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	return vouchers, nil
}

func (store *Store) FindVoucherRow(ctx context.Context, code devicelink.VoucherCode, month devicelink.BillingMonth) (devicelink.VoucherRow, error) {
	start, end := month.Range()
	var (
		row         devicelink.VoucherRow
		userIDValue int64
		codeValue   string
		firstUsedAt *time.Time
	)
	err := store.db.QueryRow(ctx, sqlFindVoucherRow, code.String(), month.ISOKey(), month.Label(), start, end).Scan(
		&row.ID,
		&userIDValue,
		&row.StudentName,
		&row.AccommodationID,
		&codeValue,
		&row.BillingMonth,
		&row.RemoteGroupID,
		&row.IsActive,
		&firstUsedAt,
		&row.FirstUsedMAC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, devicelink.ErrVoucherNotFound)
		}
		return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, err)
	}
	if row.UserID, err = devicelink.NewUserID(userIDValue); err != nil {
		return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
	}
	if row.VoucherCode, err = devicelink.NewVoucherCode(codeValue); err != nil {
		return devicelink.VoucherRow{}, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
	}
	if firstUsedAt != nil {
		utc := firstUsedAt.UTC()
		row.FirstUsedAt = &utc
	}
	return row, nil
}

func (store *Store) MarkFirstUse(ctx context.Context, rowID int64, at time.Time, mac string) error {
	tag, err := store.db.Exec(ctx, sqlMarkFirstUse, rowID, at.UTC(), mac)
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, devicelink.ErrVoucherNotFound)
	}
	return nil
}

func (store *Store) SetVoucherActive(ctx context.Context, rowID int64, active bool) error {
	tag, err := store.db.Exec(ctx, sqlSetVoucherActive, rowID, active)
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, devicelink.ErrVoucherNotFound)
	}
	return nil
}

func (store *Store) FindBinding(ctx context.Context, mac string) (devicelink.DeviceBinding, error) {
	var (
		binding     devicelink.DeviceBinding
		userIDValue int64
		deviceType  string
	)
	err := store.db.QueryRow(ctx, sqlFindBinding, mac).Scan(&binding.MAC, &userIDValue, &deviceType, &binding.LinkedVia, &binding.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return devicelink.DeviceBinding{}, wrapStoreError(errorSubjectBinding, errorCodeGet, devicelink.ErrBindingNotFound)
		}
		return devicelink.DeviceBinding{}, wrapStoreError(errorSubjectBinding, errorCodeGet, err)
	}
	if binding.UserID, err = devicelink.NewUserID(userIDValue); err != nil {
		return devicelink.DeviceBinding{}, wrapStoreError(errorSubjectBinding, errorCodeInvalid, err)
	}
	binding.DeviceType = devicelink.DeviceType(deviceType)
	binding.CreatedAt = binding.CreatedAt.UTC()
	return binding, nil
}

func (store *Store) InsertBinding(ctx context.Context, binding devicelink.DeviceBinding) error {
	if binding.MAC == "" || binding.UserID.IsZero() {
		return wrapStoreError(errorSubjectBinding, errorCodeInvalid, devicelink.ErrInvalidDeviceBinding)
	}
	_, err := store.db.Exec(ctx, sqlInsertBinding,
		binding.MAC,
		binding.UserID.Int64(),
		string(binding.DeviceType),
		binding.LinkedVia,
		binding.CreatedAt.UTC(),
	)
	if err != nil {
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
	_, err = store.db.Exec(ctx, sqlInsertAudit,
		entry.UserID.Int64(),
		entry.Action,
		entry.VoucherCode,
		entry.MAC,
		details,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) EnqueueNotification(ctx context.Context, notification devicelink.Notification) error {
	metadata, err := encodeJSON(notification.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeEncode, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertNotification,
		notification.UserID.Int64(),
		notification.Type,
		notification.Title,
		notification.Body,
		metadata,
		notification.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListReviewers(ctx context.Context, accommodationID int64) ([]devicelink.Reviewer, error) {
	rows, err := store.db.Query(ctx, sqlListReviewers, accommodationID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReviewer, errorCodeList, err)
	}
	defer rows.Close()
	var reviewers []devicelink.Reviewer
	for rows.Next() {
		var (
			userIDValue int64
			name        string
			role        string
		)
		if err := rows.Scan(&userIDValue, &name, &role); err != nil {
			return nil, wrapStoreError(errorSubjectReviewer, errorCodeList, err)
		}
		userID, err := devicelink.NewUserID(userIDValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReviewer, errorCodeInvalid, err)
		}
		reviewers = append(reviewers, devicelink.Reviewer{UserID: userID, Name: name, Role: devicelink.ReviewerRole(role)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReviewer, errorCodeList, err)
	}
	return reviewers, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return devicelink.WrapError(errorOperationStore, subject, code, err)
}

func encodeJSON(values map[string]any) (string, error) {
	if len(values) == 0 {
		return defaultMetadataJSON, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func isBindingConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintDeviceBindingMAC
	}
	return false
}
