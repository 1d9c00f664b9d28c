package oplog

import (
	"context"

	"github.com/classpoints/ledger/pkg/points"
	"go.uber.org/zap"
)

// Logger adapts a zap logger to the points.OperationLogger callback.
type Logger struct {
	base *zap.Logger
}

// New wraps a zap logger; a nil base falls back to the no-op logger.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base}
}

// LogOperation records one domain operation outcome.
func (logger *Logger) LogOperation(_ context.Context, entry points.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.Owner.IsZero() {
		fields = append(fields, zap.String("owner", entry.Owner.String()))
	}
	if entry.Card.String() != "" {
		fields = append(fields, zap.String("card", entry.Card.String()))
	}
	if entry.Transfer.String() != "" {
		fields = append(fields, zap.String("transfer", entry.Transfer.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Reference.String() != "" {
		fields = append(fields, zap.String("reference", entry.Reference.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		logger.base.Warn("ledger operation failed", fields...)
		return
	}
	logger.base.Info("ledger operation", fields...)
}
