package points

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Award appends a staff-issued adjustment: a categorized credit (reward)
// or debit (fine). Debits may overdraw; fines apply regardless of the
// current balance.
func (service *Service) Award(ctx context.Context, owner OwnerID, sign EntrySign, amount PointAmount, category Category, reason Reason, actor ActorID, reference ReferenceKey, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.RegisterOwner(ctx, owner); err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			owner,
			sign,
			amount,
			category,
			reason,
			actor,
			nil,
			reference,
			metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAward,
		Owner:     owner,
		Amount:    amount,
		Reference: reference,
		Error:     operationError,
	})
	return operationError
}

// IssueCards creates a batch of active recharge cards with generated
// codes and returns them.
func (service *Service) IssueCards(ctx context.Context, value PointAmount, count int) ([]Card, error) {
	if count < 1 || count > maxCardBatchSize {
		return nil, fmt.Errorf("%w: card batch size %d out of range [1,%d]", ErrInvalidAmount, count, maxCardBatchSize)
	}
	cards := make([]Card, 0, count)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		for index := 0; index < count; index++ {
			code, err := NewCardCode(service.newID())
			if err != nil {
				return err
			}
			card := Card{
				Code:           code,
				Value:          value,
				State:          CardStateActive,
				CreatedUnixUTC: nowUnixUTC,
			}
			if err := transactionStore.CreateCard(ctx, card); err != nil {
				return err
			}
			cards = append(cards, card)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationIssueCards,
		Amount:    value,
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return cards, nil
}

// DisableCard moves a card to the disabled state. Disabling an already
// disabled card is a no-op.
func (service *Service) DisableCard(ctx context.Context, code CardCode) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		card, err := transactionStore.GetCard(ctx, code)
		if err != nil {
			return err
		}
		if card.State == CardStateDisabled {
			return nil
		}
		return transactionStore.DisableCard(ctx, code)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDisableCard,
		Card:      code,
		Error:     operationError,
	})
	return operationError
}

// Statement lists ledger entries for an owner before a cutoff time.
func (service *Service) Statement(ctx context.Context, owner OwnerID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	return service.store.ListEntries(ctx, owner, beforeUnixUTC, limit)
}

// Reconcile scans for consumed cards whose credit entry is missing and
// retries the missing half under the card's reference key. A card that
// cannot be repaired surfaces as a partial-commit failure instead of
// being skipped.
func (service *Service) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	cards, err := service.store.UnmatchedConsumedCards(ctx, limit)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Scanned: len(cards)}
	for _, card := range cards {
		if card.ConsumedBy == nil {
			return report, fmt.Errorf("%w: card %s consumed without redeemer", ErrPartialCommit, card.Code.String())
		}
		redeemer := *card.ConsumedBy
		repairError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reference, err := cardReferenceKey(card.Code)
			if err != nil {
				return err
			}
			actor, err := NewActorID(actorReconciler)
			if err != nil {
				return err
			}
			metadata, err := NewMetadataJSON(fmt.Sprintf(`{"card":%q,"repair":true}`, card.Code.String()))
			if err != nil {
				return err
			}
			entryInput, err := NewEntryInput(
				redeemer,
				SignCredit,
				card.Value,
				NewCategory(categoryRecharge),
				NewReason("reconciled recharge card credit"),
				actor,
				nil,
				reference,
				metadata,
				service.nowFn(),
			)
			if err != nil {
				return err
			}
			return transactionStore.InsertEntry(ctx, entryInput)
		})
		if repairError != nil {
			// Another reconciler (or the original redeem) won the race.
			if errors.Is(repairError, ErrDuplicateReference) {
				continue
			}
			return report, fmt.Errorf("%w: card %s: %v", ErrPartialCommit, card.Code.String(), repairError)
		}
		report.Repaired = append(report.Repaired, card.Code)
		service.logOperation(ctx, OperationLog{
			Operation: operationReconcile,
			Owner:     redeemer,
			Card:      card.Code,
			Amount:    card.Value,
			Status:    operationStatusRepaired,
		})
	}
	return report, nil
}
