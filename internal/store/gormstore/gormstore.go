package gormstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/classpoints/ledger/pkg/points"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryReference = "uniq_entry_reference"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	pgConnectionErrorClass   = "08"
	sqliteConstraintCode     = 19
	dialectPostgres          = "postgres"
	errorOperationStore      = "store"
	errorSubjectOwner        = "owner"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectCard         = "card"
	errorSubjectProjection   = "projection"
	errorCodeConsume         = "consume"
	errorCodeCount           = "count"
	errorCodeCreate          = "create"
	errorCodeDisable         = "disable"
	errorCodeDuplicate       = "duplicate"
	errorCodeExists          = "exists"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeRegister        = "register"
	errorCodeSave            = "save"
	errorCodeScan            = "scan"
	errorCodeSum             = "sum"
	errorCodeUnavailable     = "unavailable"
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) RegisterOwner(ctx context.Context, owner points.OwnerID) error {
	record := Owner{OwnerID: owner.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_id"}}, DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectOwner, errorCodeRegister, err)
	}
	return nil
}

func (store *Store) OwnerExists(ctx context.Context, owner points.OwnerID) (bool, error) {
	var record Owner
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectOwner, errorCodeExists, err)
	}
	return true, nil
}

// LockOwner takes a row lock on the owner so concurrent debits against
// the same owner serialize. SQLite serializes writers on its own, and its
// grammar has no FOR UPDATE, so the lock clause is postgres-only.
func (store *Store) LockOwner(ctx context.Context, owner points.OwnerID) error {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var record Owner
	err := query.Where("owner_id = ?", owner.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectOwner, errorCodeLock, points.ErrUnknownOwner)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOwner, errorCodeLock, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput points.EntryInput) error {
	var category *string
	if !entryInput.Category.IsZero() {
		value := entryInput.Category.String()
		category = &value
	}
	var transferID *string
	if entryInput.TransferID != nil {
		value := entryInput.TransferID.String()
		transferID = &value
	}
	entry := LedgerEntry{
		OwnerID:      entryInput.Owner.String(),
		Sign:         entryInput.Sign.String(),
		Amount:       entryInput.Amount.Int64(),
		Category:     category,
		Reason:       entryInput.Reason.String(),
		Actor:        entryInput.Actor.String(),
		TransferID:   transferID,
		ReferenceKey: entryInput.Reference.String(),
		Metadata:     datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:    time.Unix(entryInput.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isReferenceConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, points.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountEntries(ctx context.Context, owner points.OwnerID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("owner_id = ?", owner.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) SumEntries(ctx context.Context, owner points.OwnerID) (points.LedgerTotals, error) {
	var sum sqlTotals
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(case when sign = 'credit' then amount else -amount end),0) as total, count(*) as entries").
		Where("owner_id = ?", owner.String()).
		Scan(&sum).Error
	if err != nil {
		return points.LedgerTotals{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return points.LedgerTotals{
		Points:     points.SignedPoints(sum.Total),
		EntryCount: sum.Entries,
	}, nil
}

func (store *Store) GetProjection(ctx context.Context, owner points.OwnerID) (points.Projection, bool, error) {
	var record BalanceProjection
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Projection{}, false, nil
	}
	if err != nil {
		return points.Projection{}, false, wrapStoreError(errorSubjectProjection, errorCodeGet, err)
	}
	return points.Projection{
		Owner:            owner,
		Points:           points.SignedPoints(record.Points),
		EntryCount:       record.EntryCount,
		RefreshedUnixUTC: record.RefreshedAt.Unix(),
	}, true, nil
}

func (store *Store) SaveProjection(ctx context.Context, projection points.Projection) error {
	record := BalanceProjection{
		OwnerID:     projection.Owner.String(),
		Points:      projection.Points.Int64(),
		EntryCount:  projection.EntryCount,
		RefreshedAt: time.Unix(projection.RefreshedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"points", "entry_count", "refreshed_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectProjection, errorCodeSave, err)
	}
	return nil
}

func (store *Store) CreateCard(ctx context.Context, card points.Card) error {
	record := RechargeCard{
		Code:      card.Code.String(),
		Value:     card.Value.Int64(),
		State:     card.State.String(),
		CreatedAt: time.Unix(card.CreatedUnixUTC, 0).UTC(),
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCard, errorCodeDuplicate, points.ErrCardExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCard, errorCodeCreate, err)
	}
	return nil
}

// GetCard reads a card, row-locked on postgres so concurrent redemptions
// of the same code serialize before the conditional consume.
func (store *Store) GetCard(ctx context.Context, code points.CardCode) (points.Card, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var record RechargeCard
	err := query.Where("code = ?", code.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Card{}, wrapStoreError(errorSubjectCard, errorCodeGet, points.ErrCardNotFound)
	}
	if err != nil {
		return points.Card{}, wrapStoreError(errorSubjectCard, errorCodeGet, err)
	}
	card, err := mapCard(record)
	if err != nil {
		return points.Card{}, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
	}
	return card, nil
}

// ConsumeCard transitions active to consumed. Zero rows affected means
// the card left the active state between read and write; the caller maps
// that to a lost redemption race.
func (store *Store) ConsumeCard(ctx context.Context, code points.CardCode, redeemer points.OwnerID, consumedAtUnixUTC int64) error {
	consumedAt := time.Unix(consumedAtUnixUTC, 0).UTC()
	redeemerValue := redeemer.String()
	result := store.db.WithContext(ctx).
		Model(&RechargeCard{}).
		Where("code = ? AND state = ?", code.String(), points.CardStateActive.String()).
		Updates(map[string]interface{}{
			"state":       points.CardStateConsumed.String(),
			"consumed_by": &redeemerValue,
			"consumed_at": &consumedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCard, errorCodeConsume, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCard, errorCodeConsume, points.ErrCardConsumed)
	}
	return nil
}

func (store *Store) DisableCard(ctx context.Context, code points.CardCode) error {
	result := store.db.WithContext(ctx).
		Model(&RechargeCard{}).
		Where("code = ? AND state <> ?", code.String(), points.CardStateDisabled.String()).
		Update("state", points.CardStateDisabled.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectCard, errorCodeDisable, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCard, errorCodeDisable, points.ErrCardNotFound)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, owner points.OwnerID, beforeUnixUTC int64, limit int) ([]points.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("owner_id = ? AND created_at < ?", owner.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]points.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) UnmatchedConsumedCards(ctx context.Context, limit int) ([]points.Card, error) {
	var rows []RechargeCard
	err := store.db.WithContext(ctx).
		Where("state = ?", points.CardStateConsumed.String()).
		Where("NOT EXISTS (SELECT 1 FROM ledger_entries e WHERE e.reference_key = (? || recharge_cards.code))", points.CardReferencePrefix).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeScan, err)
	}
	cards := make([]points.Card, 0, len(rows))
	for _, row := range rows {
		card, err := mapCard(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isUnavailable(err) {
		return points.WrapError(errorOperationStore, subject, errorCodeUnavailable, points.ErrStoreUnavailable)
	}
	return points.WrapError(errorOperationStore, subject, code, err)
}

type sqlTotals struct {
	Total   int64
	Entries int64
}

func mapCard(row RechargeCard) (points.Card, error) {
	code, err := points.NewCardCode(row.Code)
	if err != nil {
		return points.Card{}, err
	}
	value, err := points.NewPointAmount(row.Value)
	if err != nil {
		return points.Card{}, err
	}
	state, err := points.ParseCardState(row.State)
	if err != nil {
		return points.Card{}, err
	}
	var consumedBy *points.OwnerID
	if row.ConsumedBy != nil {
		owner, err := points.NewOwnerID(*row.ConsumedBy)
		if err != nil {
			return points.Card{}, err
		}
		consumedBy = &owner
	}
	return points.Card{
		Code:              code,
		Value:             value,
		State:             state,
		ConsumedBy:        consumedBy,
		ConsumedAtUnixUTC: timeOrZero(row.ConsumedAt),
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (points.Entry, error) {
	owner, err := points.NewOwnerID(row.OwnerID)
	if err != nil {
		return points.Entry{}, err
	}
	sign, err := points.ParseEntrySign(row.Sign)
	if err != nil {
		return points.Entry{}, err
	}
	amount, err := points.NewPointAmount(row.Amount)
	if err != nil {
		return points.Entry{}, err
	}
	actor, err := points.NewActorID(row.Actor)
	if err != nil {
		return points.Entry{}, err
	}
	reference, err := points.NewReferenceKey(row.ReferenceKey)
	if err != nil {
		return points.Entry{}, err
	}
	metadata, err := points.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return points.Entry{}, err
	}
	var transferID *points.TransferID
	if row.TransferID != nil {
		parsed, err := points.NewTransferID(*row.TransferID)
		if err != nil {
			return points.Entry{}, err
		}
		transferID = &parsed
	}
	category := points.Category{}
	if row.Category != nil {
		category = points.NewCategory(*row.Category)
	}
	return points.Entry{
		EntryID:        row.EntryID,
		Owner:          owner,
		Sign:           sign,
		Amount:         amount,
		Category:       category,
		Reason:         points.NewReason(row.Reason),
		Actor:          actor,
		TransferID:     transferID,
		Reference:      reference,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryReference
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isUnavailable distinguishes an unreachable store from a rejected write.
// A failed connection must surface as such, never as an empty result.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgConnectionErrorClass
	}
	return false
}
