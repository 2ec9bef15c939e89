package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger or pass operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	PassID    string
	Credits   int64
	Source    Source
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTierLookupObserver receives tier lookup failures that were absorbed.
func WithTierLookupObserver(observer func(ctx context.Context, userID UserID, err error)) ServiceOption {
	return func(service *Service) {
		service.tierLookupObserver = observer
	}
}
