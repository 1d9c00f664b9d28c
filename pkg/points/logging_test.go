package points

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsRedeemOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	code := store.seedCard(test, "CARD-LOG", 80, CardStateActive)
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return stubClockUnixUTC }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	redeemer := mustOwnerID(test, "student-1")

	if _, err := service.Redeem(context.Background(), code, redeemer); err != nil {
		test.Fatalf("redeem failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationRedeem || entry.Owner != redeemer || entry.Card != code {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Amount.Int64() != 80 || entry.Status != operationStatusOK || entry.Error != nil {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return stubClockUnixUTC }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}

	_, err = service.Redeem(context.Background(), mustCardCode(test, "missing"), mustOwnerID(test, "student-1"))
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}
