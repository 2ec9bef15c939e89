// Package audit keeps the best-effort trail of credit-affecting actions.
package audit

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"go.uber.org/zap"
)

// Action tags an audit entry.
type Action string

const (
	ActionBookingCreated       Action = "booking_created"
	ActionBookingCancelledFree Action = "booking_cancelled_free"
	ActionBookingCancelledLate Action = "booking_cancelled_late"
	ActionTopUpPurchased       Action = "topup_purchased"
	ActionTouristPassPurchased Action = "tourist_pass_purchased"
	ActionSubscriptionStarted  Action = "subscription_started"
	ActionMonthlyGrant         Action = "monthly_grant"
)

// Entry is one line of the audit trail.
type Entry struct {
	UserID        credits.UserID
	Action        Action
	CreditsBefore int64
	CreditsAfter  int64
	Metadata      map[string]any
	CreatedAt     time.Time
}

// CreditsChanged is the signed balance movement.
func (entry Entry) CreditsChanged() int64 {
	return entry.CreditsAfter - entry.CreditsBefore
}

// Writer persists audit entries.
type Writer interface {
	InsertAuditEntry(ctx context.Context, entry Entry) error
}

// Logger writes audit entries and swallows failures.
type Logger struct {
	writer Writer
	logger *zap.Logger
	now    func() time.Time
}

// NewLogger builds a Logger; a nil writer turns Record into a log-only call.
func NewLogger(writer Writer, logger *zap.Logger, now func() time.Time) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Logger{writer: writer, logger: logger, now: now}
}

// Record appends entry. It never fails the caller.
func (auditLogger *Logger) Record(ctx context.Context, entry Entry) {
	if auditLogger == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = auditLogger.now().UTC()
	}
	fields := []zap.Field{
		zap.String("user_id", entry.UserID.String()),
		zap.String("action", string(entry.Action)),
		zap.Int64("credits_before", entry.CreditsBefore),
		zap.Int64("credits_after", entry.CreditsAfter),
	}
	if auditLogger.writer == nil {
		auditLogger.logger.Debug("audit entry", fields...)
		return
	}
	if err := auditLogger.writer.InsertAuditEntry(ctx, entry); err != nil {
		auditLogger.logger.Warn("audit write failed", append(fields, zap.Error(err))...)
	}
}
