package points

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SignedPoints is a net point balance; negative values are legal for
// owners whose fines exceed their credits.
type SignedPoints int64

// Int64 returns the raw balance value.
func (points SignedPoints) Int64() int64 {
	return int64(points)
}

// PointAmount is a strictly positive point magnitude carried by a single
// ledger entry or recharge card.
type PointAmount int64

// NewPointAmount validates an amount and ensures it is strictly positive.
func NewPointAmount(raw int64) (PointAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PointAmount(raw), nil
}

// Int64 returns the raw magnitude.
func (amount PointAmount) Int64() int64 {
	return int64(amount)
}

// OwnerID identifies an account that holds a point balance.
type OwnerID struct {
	value string
}

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id OwnerID) IsZero() bool {
	return id.value == ""
}

// ActorID identifies the account or system process that caused an entry.
type ActorID struct {
	value string
}

// NewActorID validates and normalizes an actor id.
func NewActorID(raw string) (ActorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorID{}, fmt.Errorf("%w: empty value", ErrInvalidActorID)
	}
	return ActorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ActorID) String() string {
	return id.value
}

// EntrySign enumerates the direction of a ledger entry.
type EntrySign string

const (
	SignCredit EntrySign = "credit"
	SignDebit  EntrySign = "debit"
)

// ParseEntrySign validates a raw sign value.
func ParseEntrySign(raw string) (EntrySign, error) {
	switch EntrySign(strings.TrimSpace(strings.ToLower(raw))) {
	case SignCredit:
		return SignCredit, nil
	case SignDebit:
		return SignDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntrySign, raw)
	}
}

// String returns the stored sign value.
func (sign EntrySign) String() string {
	return string(sign)
}

// Apply returns the signed delta an entry of this sign contributes to a
// balance.
func (sign EntrySign) Apply(amount PointAmount) int64 {
	if sign == SignDebit {
		return -amount.Int64()
	}
	return amount.Int64()
}

// Category is an optional classification tag used for reporting only.
type Category struct {
	value string
}

// NewCategory normalizes a category tag; empty input yields the zero
// category.
func NewCategory(raw string) Category {
	return Category{value: strings.TrimSpace(raw)}
}

// String returns the normalized tag.
func (category Category) String() string {
	return category.value
}

// IsZero reports whether the entry carries no category.
func (category Category) IsZero() bool {
	return category.value == ""
}

// Reason is the free-text description attached to an entry.
type Reason struct {
	value string
}

// NewReason normalizes a free-text reason.
func NewReason(raw string) Reason {
	return Reason{value: strings.TrimSpace(raw)}
}

// String returns the normalized text.
func (reason Reason) String() string {
	return reason.value
}

// ReferenceKey scopes duplicate detection for ledger entries.
type ReferenceKey struct {
	value string
}

// NewReferenceKey validates and normalizes a reference key.
func NewReferenceKey(raw string) (ReferenceKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceKey{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceKey)
	}
	return ReferenceKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key ReferenceKey) String() string {
	return key.value
}

// TransferID ties the two legs of a transfer together.
type TransferID struct {
	value string
}

// NewTransferID validates and normalizes a transfer id.
func NewTransferID(raw string) (TransferID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransferID{}, fmt.Errorf("%w: empty value", ErrInvalidTransferID)
	}
	return TransferID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransferID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// CardCode is the unique redemption key of a recharge card.
type CardCode struct {
	value string
}

// NewCardCode validates and normalizes a card code.
func NewCardCode(raw string) (CardCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CardCode{}, fmt.Errorf("%w: empty value", ErrInvalidCardCode)
	}
	return CardCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code CardCode) String() string {
	return code.value
}

// CardState defines the recharge-card lifecycle.
type CardState string

const (
	CardStateActive   CardState = "active"
	CardStateConsumed CardState = "consumed"
	CardStateDisabled CardState = "disabled"
)

// ParseCardState validates a raw state value.
func ParseCardState(raw string) (CardState, error) {
	switch CardState(strings.TrimSpace(strings.ToLower(raw))) {
	case CardStateActive:
		return CardStateActive, nil
	case CardStateConsumed:
		return CardStateConsumed, nil
	case CardStateDisabled:
		return CardStateDisabled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCardState, raw)
	}
}

// String returns the stored state value.
func (state CardState) String() string {
	return string(state)
}

// Card represents a stored recharge card.
type Card struct {
	Code              CardCode
	Value             PointAmount
	State             CardState
	ConsumedBy        *OwnerID
	ConsumedAtUnixUTC int64
	CreatedUnixUTC    int64
}

// EntryInput carries a ledger entry to the store; the store assigns the
// entry id on insert.
type EntryInput struct {
	Owner          OwnerID
	Sign           EntrySign
	Amount         PointAmount
	Category       Category
	Reason         Reason
	Actor          ActorID
	TransferID     *TransferID
	Reference      ReferenceKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewEntryInput validates the parts of a ledger entry prior to insert.
func NewEntryInput(
	owner OwnerID,
	sign EntrySign,
	amount PointAmount,
	category Category,
	reason Reason,
	actor ActorID,
	transferID *TransferID,
	reference ReferenceKey,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (EntryInput, error) {
	if owner.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: owner is required", ErrInvalidEntry)
	}
	if _, err := ParseEntrySign(sign.String()); err != nil {
		return EntryInput{}, err
	}
	if amount <= 0 {
		return EntryInput{}, fmt.Errorf("%w: non-positive entry amount", ErrInvalidAmount)
	}
	if actor.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	if reference.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: reference key is required", ErrInvalidEntry)
	}
	return EntryInput{
		Owner:          owner,
		Sign:           sign,
		Amount:         amount,
		Category:       category,
		Reason:         reason,
		Actor:          actor,
		TransferID:     transferID,
		Reference:      reference,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	Owner          OwnerID
	Sign           EntrySign
	Amount         PointAmount
	Category       Category
	Reason         Reason
	Actor          ActorID
	TransferID     *TransferID
	Reference      ReferenceKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Delta returns the entry's signed contribution to its owner's balance.
func (entry Entry) Delta() int64 {
	return entry.Sign.Apply(entry.Amount)
}

// Balance is the projected view for an owner.
type Balance struct {
	Points     SignedPoints
	EntryCount int64
}

// Projection is a cached balance row; it is derived state and is
// overwritten whenever recomputation disagrees with it.
type Projection struct {
	Owner            OwnerID
	Points           SignedPoints
	EntryCount       int64
	RefreshedUnixUTC int64
}

// LedgerTotals is the authoritative aggregate over an owner's entries.
type LedgerTotals struct {
	Points     SignedPoints
	EntryCount int64
}

// ReconcileReport summarizes an invariant scan over consumed cards.
type ReconcileReport struct {
	Scanned  int
	Repaired []CardCode
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	RegisterOwner(ctx context.Context, owner OwnerID) error
	OwnerExists(ctx context.Context, owner OwnerID) (bool, error)
	LockOwner(ctx context.Context, owner OwnerID) error
	InsertEntry(ctx context.Context, entryInput EntryInput) error
	CountEntries(ctx context.Context, owner OwnerID) (int64, error)
	SumEntries(ctx context.Context, owner OwnerID) (LedgerTotals, error)
	GetProjection(ctx context.Context, owner OwnerID) (Projection, bool, error)
	SaveProjection(ctx context.Context, projection Projection) error
	CreateCard(ctx context.Context, card Card) error
	GetCard(ctx context.Context, code CardCode) (Card, error)
	ConsumeCard(ctx context.Context, code CardCode, redeemer OwnerID, consumedAtUnixUTC int64) error
	DisableCard(ctx context.Context, code CardCode) error
	ListEntries(ctx context.Context, owner OwnerID, beforeUnixUTC int64, limit int) ([]Entry, error)
	UnmatchedConsumedCards(ctx context.Context, limit int) ([]Card, error)
}
