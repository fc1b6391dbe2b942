package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table. Only the columns the reconciler reads are mapped.
type User struct {
	ID              int64     `gorm:"primaryKey"`
	Name            string    `gorm:"not null"`
	Email           string    `gorm:"index"`
	Role            string    `gorm:"not null;index"`
	AccommodationID *int64    `gorm:"index"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// VoucherLedgerRow mirrors the voucher_ledger table written by voucher issuance.
type VoucherLedgerRow struct {
	ID            int64      `gorm:"primaryKey"`
	UserID        int64      `gorm:"not null;index"`
	VoucherCode   string     `gorm:"not null;index:idx_voucher_ledger_code_month,priority:1"`
	VoucherMonth  string     `gorm:"not null;index:idx_voucher_ledger_code_month,priority:2"`
	RemoteGroupID string     `gorm:"column:remote_group_id;not null;default:''"`
	IsActive      bool       `gorm:"not null"`
	FirstUsedAt   *time.Time `gorm:""`
	FirstUsedMAC  *string    `gorm:"column:first_used_mac"`
	CreatedAt     time.Time  `gorm:"not null;index"`
}

func (VoucherLedgerRow) TableName() string { return "voucher_ledger" }

// DeviceBinding mirrors the device_bindings table. mac_address is unique.
type DeviceBinding struct {
	BindingID  string    `gorm:"type:uuid;primaryKey"`
	MACAddress string    `gorm:"column:mac_address;not null;uniqueIndex:uniq_device_bindings_mac"`
	UserID     int64     `gorm:"not null;index"`
	DeviceType string    `gorm:"not null"`
	LinkedVia  string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (DeviceBinding) TableName() string { return "device_bindings" }

func (binding *DeviceBinding) BeforeCreate(tx *gorm.DB) error {
	if binding.BindingID == "" {
		binding.BindingID = uuid.NewString()
	}
	return nil
}

// AuditLog mirrors the append-only audit_logs table.
type AuditLog struct {
	AuditID     string         `gorm:"type:uuid;primaryKey"`
	UserID      int64          `gorm:"not null;index"`
	Action      string         `gorm:"not null;index"`
	VoucherCode string         `gorm:"not null;default:''"`
	MACAddress  string         `gorm:"column:mac_address;not null;default:''"`
	Details     datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index"`
}

func (AuditLog) TableName() string { return "audit_logs" }

func (entry *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	return nil
}

// Notification mirrors the notifications queue table.
type Notification struct {
	NotificationID string         `gorm:"type:uuid;primaryKey"`
	UserID         int64          `gorm:"not null;index"`
	Type           string         `gorm:"not null;index"`
	Title          string         `gorm:"not null"`
	Body           string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	ReadAt         *time.Time     `gorm:""`
	CreatedAt      time.Time      `gorm:"not null;index"`
}

func (Notification) TableName() string { return "notifications" }

func (notification *Notification) BeforeCreate(tx *gorm.DB) error {
	if notification.NotificationID == "" {
		notification.NotificationID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{&User{}, &VoucherLedgerRow{}, &DeviceBinding{}, &AuditLog{}, &Notification{}}
}
