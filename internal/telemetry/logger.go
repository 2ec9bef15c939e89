package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"go.uber.org/zap"
)

// OperationLogger reports credit engine operations to zap and Prometheus.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an OperationLogger; a nil logger only records metrics.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	LedgerOperationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("credits", entry.Credits),
		zap.String("status", entry.Status),
	}
	if entry.Source != "" {
		fields = append(fields, zap.String("source", entry.Source.String()))
	}
	if entry.PassID != "" {
		fields = append(fields, zap.String("pass_id", entry.PassID))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	LedgerCreditsTotal.WithLabelValues(entry.Operation).Add(float64(entry.Credits))
	operationLogger.logger.Info("ledger operation", fields...)
}

// TierLookupObserver logs and counts tier lookups that fell back to the default tier.
func (operationLogger *OperationLogger) TierLookupObserver() func(ctx context.Context, userID credits.UserID, err error) {
	return func(_ context.Context, userID credits.UserID, err error) {
		TierLookupFailuresTotal.Inc()
		operationLogger.logger.Debug("tier lookup degraded to default", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// ServiceOptions wires the logger into a credits.Service.
func (operationLogger *OperationLogger) ServiceOptions() []credits.ServiceOption {
	return []credits.ServiceOption{
		credits.WithOperationLogger(operationLogger),
		credits.WithTierLookupObserver(operationLogger.TierLookupObserver()),
	}
}
