package credits

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsGrantOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(), WithOperationLogger(logger))
	user := mustUserID(test, "user-1")
	if _, err := service.GrantMonthlyCredits(context.Background(), user, TierT2); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationGrantMonthly || entry.UserID != user || entry.Credits != 12 || entry.Source != SourceMonthly {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.insertHook = func([]EntryInput) error { return errors.New("boom") }
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(), WithOperationLogger(logger))
	if err := service.AddTopUp(context.Background(), mustUserID(test, "user-1"), 5, "cs_1"); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestServiceLogsPassConsumption(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(), WithOperationLogger(logger))
	user := mustUserID(test, "tourist")
	pass, err := service.AddTouristPass(context.Background(), user, 7, 3, "cs_pass")
	if err != nil {
		test.Fatalf("add pass: %v", err)
	}
	if err := service.ConsumeTouristPass(context.Background(), pass.PassID); err != nil {
		test.Fatalf("consume pass: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	consumed := logger.entries[1]
	if consumed.Operation != operationConsumePass || consumed.PassID != pass.PassID || consumed.UserID != user {
		test.Fatalf("unexpected consumption log entry: %+v", consumed)
	}
}
