package gormstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerEntry mirrors the credit_ledger table. Rows are never updated.
type LedgerEntry struct {
	EntryID   string     `gorm:"type:uuid;primaryKey"`
	UserID    string     `gorm:"not null;index:idx_credit_ledger_user_expiry,priority:1;index:idx_credit_ledger_user_created,priority:1"`
	Delta     int64      `gorm:"not null"`
	Source    string     `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index:idx_credit_ledger_user_expiry,priority:2"`
	CreatedAt time.Time  `gorm:"not null;index:idx_credit_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "credit_ledger" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Profile mirrors the profiles table.
type Profile struct {
	UserID             string `gorm:"primaryKey"`
	Email              string `gorm:"index:idx_profiles_email"`
	Tier               string `gorm:"not null;default:''"`
	Frozen             bool   `gorm:"not null;default:false"`
	PaymentCustomerRef string
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Profile) TableName() string { return "profiles" }

// TouristPass mirrors the tourist_passes table.
type TouristPass struct {
	PassID       string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index:idx_tourist_passes_user_window,priority:1"`
	StartsAt     time.Time `gorm:"not null"`
	EndsAt       time.Time `gorm:"not null;index:idx_tourist_passes_user_window,priority:2"`
	ClassesTotal int       `gorm:"not null"`
	ClassesUsed  int       `gorm:"not null;default:0"`
	SourceRef    string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (TouristPass) TableName() string { return "tourist_passes" }

// Gym mirrors the gyms table.
type Gym struct {
	GymID         string          `gorm:"primaryKey"`
	Name          string          `gorm:"not null"`
	PayoutPercent decimal.Decimal `gorm:"type:numeric(5,2);not null"`
}

func (Gym) TableName() string { return "gyms" }

// Class mirrors the classes table.
type Class struct {
	ClassID    string    `gorm:"primaryKey"`
	GymID      string    `gorm:"not null;index"`
	Title      string    `gorm:"not null"`
	StartsAt   time.Time `gorm:"not null;index"`
	Capacity   int       `gorm:"not null"`
	CreditCost int64     `gorm:"not null"`
}

func (Class) TableName() string { return "classes" }

// Booking mirrors the bookings table. A member holds at most one confirmed seat per class.
type Booking struct {
	BookingID      string                                  `gorm:"type:uuid;primaryKey"`
	UserID         string                                  `gorm:"not null;index:idx_bookings_user_created,priority:1;index:uniq_bookings_confirmed_seat,unique,priority:1,where:status = 'confirmed'"`
	ClassID        string                                  `gorm:"not null;index:uniq_bookings_confirmed_seat,unique,priority:2,where:status = 'confirmed'"`
	Status         string                                  `gorm:"not null;index"`
	PaymentMethod  string                                  `gorm:"not null"`
	PassID         string                                  `gorm:"not null;default:''"`
	CreditsUsed    int64                                   `gorm:"not null;default:0"`
	Allocations    datatypes.JSONType[[]credits.Allocation] `gorm:"not null"`
	CreatedAt      time.Time                               `gorm:"not null;index:idx_bookings_user_created,priority:2"`
	CancelledAt    *time.Time
	CancelReason   string `gorm:"not null;default:''"`
	RefundCredits  int64  `gorm:"not null;default:0"`
	PenaltyCredits int64  `gorm:"not null;default:0"`
	AttendedAt     *time.Time
}

func (Booking) TableName() string { return "bookings" }

// AuditLog mirrors the audit_log table.
type AuditLog struct {
	AuditID        string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_audit_log_user_created,priority:1"`
	Action         string         `gorm:"not null"`
	CreditsBefore  int64          `gorm:"not null"`
	CreditsAfter   int64          `gorm:"not null"`
	CreditsChanged int64          `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_audit_log_user_created,priority:2"`
}

func (AuditLog) TableName() string { return "audit_log" }

func (entry *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	return nil
}

// ProcessedPurchase records a payment reference that has already been fulfilled.
type ProcessedPurchase struct {
	SourceRef string    `gorm:"primaryKey"`
	Kind      string    `gorm:"not null"`
	UserID    string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ProcessedPurchase) TableName() string { return "processed_purchases" }

// GrantRun records a monthly grant already applied to a member for a period.
type GrantRun struct {
	UserID    string    `gorm:"primaryKey"`
	Period    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (GrantRun) TableName() string { return "grant_runs" }

// Models lists every table owned by the store, in creation order.
func Models() []any {
	return []any{
		&Profile{},
		&LedgerEntry{},
		&TouristPass{},
		&Gym{},
		&Class{},
		&Booking{},
		&AuditLog{},
		&ProcessedPurchase{},
		&GrantRun{},
	}
}

// AutoMigrate creates or updates the schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
