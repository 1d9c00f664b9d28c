package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the points service.
var (
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrCardNotFound         = errors.New("card not found")
	ErrCardConsumed         = errors.New("card already consumed")
	ErrCardDisabled         = errors.New("card disabled")
	ErrCardExists           = errors.New("card already exists")
	ErrUnknownOwner         = errors.New("unknown owner")
	ErrSelfTransfer         = errors.New("self transfer")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrPartialCommit        = errors.New("partial commit detected")
	ErrDuplicateReference   = errors.New("duplicate reference key")
	ErrInvalidOwnerID       = errors.New("invalid owner id")
	ErrInvalidActorID       = errors.New("invalid actor id")
	ErrInvalidCardCode      = errors.New("invalid card code")
	ErrInvalidCardState     = errors.New("invalid card state")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEntrySign     = errors.New("invalid entry sign")
	ErrInvalidEntry         = errors.New("invalid entry")
	ErrInvalidReferenceKey  = errors.New("invalid reference key")
	ErrInvalidTransferID    = errors.New("invalid transfer id")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
