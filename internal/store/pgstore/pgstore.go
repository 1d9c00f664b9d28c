package pgstore

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/classpoints/ledger/pkg/points"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEntryReference = "uniq_entry_reference"
	pgUniqueViolationCode    = "23505"
	pgConnectionErrorClass   = "08"
	errorOperationStore      = "store"
	errorSubjectOwner        = "owner"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectCard         = "card"
	errorSubjectProjection   = "projection"
	errorSubjectTransaction  = "transaction"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
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

	sqlRegisterOwner = `
		insert into owners(owner_id) values($1)
		on conflict (owner_id) do nothing
	`

	sqlOwnerExists = `
		select exists(select 1 from owners where owner_id = $1)
	`

	sqlLockOwner = `
		select owner_id from owners where owner_id = $1
		for update
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, owner_id, sign, amount, category, reason, actor, transfer_id, reference_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), $5, $6,
			nullif($7,''), $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlCountEntries = `
		select count(*) from ledger_entries where owner_id = $1
	`

	sqlSumEntries = `
		select
			coalesce(sum(case when sign = 'credit' then amount else -amount end),0),
			count(*)
		from ledger_entries
		where owner_id = $1
	`

	sqlGetProjection = `
		select points, entry_count, extract(epoch from refreshed_at)::bigint
		from balance_projections
		where owner_id = $1
	`

	sqlSaveProjection = `
		insert into balance_projections(owner_id, points, entry_count, refreshed_at)
		values($1, $2, $3, to_timestamp($4))
		on conflict (owner_id) do update
		set points = excluded.points, entry_count = excluded.entry_count, refreshed_at = excluded.refreshed_at
	`

	sqlCreateCard = `
		insert into recharge_cards(code, value, state, created_at)
		values($1, $2, $3, to_timestamp($4))
	`

	sqlGetCard = `
		select code, value, state, coalesce(consumed_by,''),
			coalesce(extract(epoch from consumed_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from recharge_cards
		where code = $1
		for update
	`

	sqlConsumeCard = `
		update recharge_cards
		set state = 'consumed', consumed_by = $2, consumed_at = to_timestamp($3)
		where code = $1 and state = 'active'
	`

	sqlDisableCard = `
		update recharge_cards
		set state = 'disabled'
		where code = $1 and state <> 'disabled'
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			owner_id,
			sign,
			amount,
			coalesce(category,''),
			reason,
			actor,
			coalesce(transfer_id,''),
			reference_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where owner_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlUnmatchedConsumedCards = `
		select code, value, state, coalesce(consumed_by,''),
			coalesce(extract(epoch from consumed_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from recharge_cards c
		where c.state = 'consumed'
		and not exists (
			select 1 from ledger_entries e where e.reference_key = $1 || c.code
		)
		limit $2
	`
)

// querier is the subset of pgx satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements points.Store over pgx. Outside WithTx it runs in
// autocommit mode against the pool; inside, against the open transaction.
type Store struct {
	pool *pgxpool.Pool
	conn querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) RegisterOwner(ctx context.Context, owner points.OwnerID) error {
	_, err := store.conn.Exec(ctx, sqlRegisterOwner, owner.String())
	if err != nil {
		return wrapStoreError(errorSubjectOwner, errorCodeRegister, err)
	}
	return nil
}

func (store *Store) OwnerExists(ctx context.Context, owner points.OwnerID) (bool, error) {
	var exists bool
	err := store.conn.QueryRow(ctx, sqlOwnerExists, owner.String()).Scan(&exists)
	if err != nil {
		return false, wrapStoreError(errorSubjectOwner, errorCodeExists, err)
	}
	return exists, nil
}

func (store *Store) LockOwner(ctx context.Context, owner points.OwnerID) error {
	var ownerValue string
	err := store.conn.QueryRow(ctx, sqlLockOwner, owner.String()).Scan(&ownerValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(errorSubjectOwner, errorCodeLock, points.ErrUnknownOwner)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOwner, errorCodeLock, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput points.EntryInput) error {
	transferID := ""
	if entryInput.TransferID != nil {
		transferID = entryInput.TransferID.String()
	}
	_, err := store.conn.Exec(ctx, sqlInsertEntry,
		entryInput.Owner.String(),
		entryInput.Sign.String(),
		entryInput.Amount.Int64(),
		entryInput.Category.String(),
		entryInput.Reason.String(),
		entryInput.Actor.String(),
		transferID,
		entryInput.Reference.String(),
		entryInput.Metadata.String(),
		entryInput.CreatedUnixUTC,
	)
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
	err := store.conn.QueryRow(ctx, sqlCountEntries, owner.String()).Scan(&count)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) SumEntries(ctx context.Context, owner points.OwnerID) (points.LedgerTotals, error) {
	var (
		total   int64
		entries int64
	)
	err := store.conn.QueryRow(ctx, sqlSumEntries, owner.String()).Scan(&total, &entries)
	if err != nil {
		return points.LedgerTotals{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return points.LedgerTotals{
		Points:     points.SignedPoints(total),
		EntryCount: entries,
	}, nil
}

func (store *Store) GetProjection(ctx context.Context, owner points.OwnerID) (points.Projection, bool, error) {
	var (
		balance     int64
		entryCount  int64
		refreshedAt int64
	)
	err := store.conn.QueryRow(ctx, sqlGetProjection, owner.String()).Scan(&balance, &entryCount, &refreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Projection{}, false, nil
	}
	if err != nil {
		return points.Projection{}, false, wrapStoreError(errorSubjectProjection, errorCodeGet, err)
	}
	return points.Projection{
		Owner:            owner,
		Points:           points.SignedPoints(balance),
		EntryCount:       entryCount,
		RefreshedUnixUTC: refreshedAt,
	}, true, nil
}

func (store *Store) SaveProjection(ctx context.Context, projection points.Projection) error {
	_, err := store.conn.Exec(ctx, sqlSaveProjection,
		projection.Owner.String(),
		projection.Points.Int64(),
		projection.EntryCount,
		projection.RefreshedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectProjection, errorCodeSave, err)
	}
	return nil
}

func (store *Store) CreateCard(ctx context.Context, card points.Card) error {
	_, err := store.conn.Exec(ctx, sqlCreateCard,
		card.Code.String(),
		card.Value.Int64(),
		card.State.String(),
		card.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCard, errorCodeDuplicate, points.ErrCardExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCard, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetCard(ctx context.Context, code points.CardCode) (points.Card, error) {
	row := store.conn.QueryRow(ctx, sqlGetCard, code.String())
	card, err := scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Card{}, wrapStoreError(errorSubjectCard, errorCodeGet, points.ErrCardNotFound)
	}
	if err != nil {
		return points.Card{}, wrapStoreError(errorSubjectCard, errorCodeGet, err)
	}
	return card, nil
}

func (store *Store) ConsumeCard(ctx context.Context, code points.CardCode, redeemer points.OwnerID, consumedAtUnixUTC int64) error {
	tag, err := store.conn.Exec(ctx, sqlConsumeCard, code.String(), redeemer.String(), consumedAtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectCard, errorCodeConsume, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCard, errorCodeConsume, points.ErrCardConsumed)
	}
	return nil
}

func (store *Store) DisableCard(ctx context.Context, code points.CardCode) error {
	tag, err := store.conn.Exec(ctx, sqlDisableCard, code.String())
	if err != nil {
		return wrapStoreError(errorSubjectCard, errorCodeDisable, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCard, errorCodeDisable, points.ErrCardNotFound)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, owner points.OwnerID, beforeUnixUTC int64, limit int) ([]points.Entry, error) {
	rows, err := store.conn.Query(ctx, sqlListEntriesBefore, owner.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) UnmatchedConsumedCards(ctx context.Context, limit int) ([]points.Card, error) {
	rows, err := store.conn.Query(ctx, sqlUnmatchedConsumedCards, points.CardReferencePrefix, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeScan, err)
	}
	defer rows.Close()
	cards := make([]points.Card, 0, 8)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCard, errorCodeInvalid, err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCard, errorCodeScan, err)
	}
	return cards, nil
}

func scanCard(row pgx.Row) (points.Card, error) {
	var (
		codeValue       string
		valuePoints     int64
		stateValue      string
		consumedByValue string
		consumedAtUnix  int64
		createdAtUnix   int64
	)
	if err := row.Scan(&codeValue, &valuePoints, &stateValue, &consumedByValue, &consumedAtUnix, &createdAtUnix); err != nil {
		return points.Card{}, err
	}
	code, err := points.NewCardCode(codeValue)
	if err != nil {
		return points.Card{}, err
	}
	value, err := points.NewPointAmount(valuePoints)
	if err != nil {
		return points.Card{}, err
	}
	state, err := points.ParseCardState(stateValue)
	if err != nil {
		return points.Card{}, err
	}
	var consumedBy *points.OwnerID
	if consumedByValue != "" {
		owner, err := points.NewOwnerID(consumedByValue)
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
		ConsumedAtUnixUTC: consumedAtUnix,
		CreatedUnixUTC:    createdAtUnix,
	}, nil
}

func scanEntries(rows pgx.Rows) ([]points.Entry, error) {
	entries := make([]points.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue   string
			ownerValue     string
			signValue      string
			amountValue    int64
			categoryValue  string
			reasonValue    string
			actorValue     string
			transferValue  string
			referenceValue string
			metadataValue  string
			createdAtUnix  int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&ownerValue,
			&signValue,
			&amountValue,
			&categoryValue,
			&reasonValue,
			&actorValue,
			&transferValue,
			&referenceValue,
			&metadataValue,
			&createdAtUnix,
		); err != nil {
			return nil, err
		}
		owner, err := points.NewOwnerID(ownerValue)
		if err != nil {
			return nil, err
		}
		sign, err := points.ParseEntrySign(signValue)
		if err != nil {
			return nil, err
		}
		amount, err := points.NewPointAmount(amountValue)
		if err != nil {
			return nil, err
		}
		actor, err := points.NewActorID(actorValue)
		if err != nil {
			return nil, err
		}
		reference, err := points.NewReferenceKey(referenceValue)
		if err != nil {
			return nil, err
		}
		metadata, err := points.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		var transferID *points.TransferID
		if transferValue != "" {
			parsed, err := points.NewTransferID(transferValue)
			if err != nil {
				return nil, err
			}
			transferID = &parsed
		}
		entries = append(entries, points.Entry{
			EntryID:        entryIDValue,
			Owner:          owner,
			Sign:           sign,
			Amount:         amount,
			Category:       points.NewCategory(categoryValue),
			Reason:         points.NewReason(reasonValue),
			Actor:          actor,
			TransferID:     transferID,
			Reference:      reference,
			Metadata:       metadata,
			CreatedUnixUTC: createdAtUnix,
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	if isUnavailable(err) {
		return points.WrapError(errorOperationStore, subject, errorCodeUnavailable, points.ErrStoreUnavailable)
	}
	return points.WrapError(errorOperationStore, subject, code, err)
}

func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryReference
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, pgConnectionErrorClass)
	}
	return false
}
