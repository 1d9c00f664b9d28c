package points

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. It is the only code
// path allowed to write ledger entries or card state.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance answers the owner's current balance. The cached projection is
// served when its entry count still matches the append-only ledger;
// otherwise the balance is recomputed from the entries and the projection
// is rewritten to match before returning. Recomputation is the source of
// truth; the projection is purely an optimization.
func (service *Service) Balance(ctx context.Context, owner OwnerID) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		projection, found, err := transactionStore.GetProjection(ctx, owner)
		if err != nil {
			return err
		}
		count, err := transactionStore.CountEntries(ctx, owner)
		if err != nil {
			return err
		}
		if found && projection.EntryCount == count {
			balance = Balance{Points: projection.Points, EntryCount: projection.EntryCount}
			return nil
		}
		totals, err := transactionStore.SumEntries(ctx, owner)
		if err != nil {
			return err
		}
		refreshed := Projection{
			Owner:            owner,
			Points:           totals.Points,
			EntryCount:       totals.EntryCount,
			RefreshedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.SaveProjection(ctx, refreshed); err != nil {
			return err
		}
		balance = Balance{Points: totals.Points, EntryCount: totals.EntryCount}
		return nil
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// Redeem consumes a recharge card exactly once and credits its value to
// the redeemer. The state transition and the credit entry commit as one
// unit; when two redemptions race on the same code the conditional
// transition leaves exactly one winner.
func (service *Service) Redeem(ctx context.Context, code CardCode, redeemer OwnerID) (PointAmount, error) {
	var granted PointAmount
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		card, err := transactionStore.GetCard(ctx, code)
		if err != nil {
			return err
		}
		switch card.State {
		case CardStateConsumed:
			return ErrCardConsumed
		case CardStateDisabled:
			return ErrCardDisabled
		}
		if err := transactionStore.RegisterOwner(ctx, redeemer); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.ConsumeCard(ctx, code, redeemer, nowUnixUTC); err != nil {
			return err
		}
		reference, err := cardReferenceKey(code)
		if err != nil {
			return err
		}
		actor, err := NewActorID(redeemer.String())
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON(fmt.Sprintf(`{"card":%q}`, code.String()))
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			redeemer,
			SignCredit,
			card.Value,
			NewCategory(categoryRecharge),
			NewReason("recharge card redemption"),
			actor,
			nil,
			reference,
			metadata,
			nowUnixUTC,
		)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		granted = card.Value
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRedeem,
		Owner:     redeemer,
		Card:      code,
		Amount:    granted,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return granted, nil
}

// Transfer moves points from sender to recipient as a paired debit/credit
// sharing one transfer id. The sender row is locked before the balance
// recheck so concurrent transfers from the same sender serialize instead
// of double-spending.
func (service *Service) Transfer(ctx context.Context, sender OwnerID, recipient OwnerID, amount PointAmount, reason Reason) (TransferID, error) {
	var transferID TransferID
	operationError := func() error {
		if sender == recipient {
			return ErrSelfTransfer
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			exists, err := transactionStore.OwnerExists(ctx, recipient)
			if err != nil {
				return err
			}
			if !exists {
				return ErrUnknownOwner
			}
			if err := transactionStore.RegisterOwner(ctx, sender); err != nil {
				return err
			}
			if err := transactionStore.LockOwner(ctx, sender); err != nil {
				return err
			}
			totals, err := transactionStore.SumEntries(ctx, sender)
			if err != nil {
				return err
			}
			if totals.Points.Int64() < amount.Int64() {
				return ErrInsufficientBalance
			}
			transferID, err = NewTransferID(service.newID())
			if err != nil {
				return err
			}
			actor, err := NewActorID(sender.String())
			if err != nil {
				return err
			}
			metadata, err := NewMetadataJSON(fmt.Sprintf(`{"sender":%q,"recipient":%q}`, sender.String(), recipient.String()))
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			debitReference, err := transferReferenceKey(transferID, referenceLegDebit)
			if err != nil {
				return err
			}
			debitEntry, err := NewEntryInput(
				sender,
				SignDebit,
				amount,
				NewCategory(categoryTransfer),
				reason,
				actor,
				&transferID,
				debitReference,
				metadata,
				nowUnixUTC,
			)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertEntry(ctx, debitEntry); err != nil {
				return err
			}
			creditReference, err := transferReferenceKey(transferID, referenceLegCredit)
			if err != nil {
				return err
			}
			creditEntry, err := NewEntryInput(
				recipient,
				SignCredit,
				amount,
				NewCategory(categoryTransfer),
				reason,
				actor,
				&transferID,
				creditReference,
				metadata,
				nowUnixUTC,
			)
			if err != nil {
				return err
			}
			return transactionStore.InsertEntry(ctx, creditEntry)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationTransfer,
		Owner:     sender,
		Transfer:  transferID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return TransferID{}, operationError
	}
	return transferID, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// AwardReferenceKey builds the dedupe key for a staff award from a
// caller-supplied idempotency token.
func AwardReferenceKey(raw string) (ReferenceKey, error) {
	return NewReferenceKey(referencePrefixAward + referenceKeyDelimiter + raw)
}

func cardReferenceKey(code CardCode) (ReferenceKey, error) {
	return NewReferenceKey(CardReferencePrefix + code.String())
}

func transferReferenceKey(transferID TransferID, leg string) (ReferenceKey, error) {
	return NewReferenceKey(referenceTransfer + referenceKeyDelimiter + transferID.String() + referenceKeyDelimiter + leg)
}
