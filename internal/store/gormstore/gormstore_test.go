package gormstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/classpoints/ledger/internal/store/gormstore"
	"github.com/classpoints/ledger/pkg/points"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testClockUnixUTC = int64(1_700_000_000)

func TestRedeemCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	db, store := openTestStore(test)
	service := newTestService(test, store)
	code := seedCard(test, store, "CARD-1", 100)
	student := mustOwner(test, "student-1")

	granted, err := service.Redeem(context.Background(), code, student)
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if granted.Int64() != 100 {
		test.Fatalf("expected 100 granted, got %d", granted.Int64())
	}

	balance, err := service.Balance(context.Background(), student)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Points != 100 || balance.EntryCount != 1 {
		test.Fatalf("expected 100/1 after redeem, got %+v", balance)
	}

	if _, err := service.Redeem(context.Background(), code, mustOwner(test, "student-2")); !errors.Is(err, points.ErrCardConsumed) {
		test.Fatalf("expected ErrCardConsumed on double redeem, got %v", err)
	}

	var entryCount int64
	if err := db.Table("ledger_entries").Count(&entryCount).Error; err != nil {
		test.Fatalf("count entries: %v", err)
	}
	if entryCount != 1 {
		test.Fatalf("expected a single credit row, got %d", entryCount)
	}
}

func TestTransferMovesPointsAtomically(test *testing.T) {
	test.Parallel()
	_, store := openTestStore(test)
	service := newTestService(test, store)
	alice := mustOwner(test, "alice")
	bob := mustOwner(test, "bob")
	seedBalance(test, service, alice, 100)
	registerOwner(test, store, bob)

	transferID, err := service.Transfer(context.Background(), alice, bob, mustAmount(test, 40), points.NewReason("lunch"))
	if err != nil {
		test.Fatalf("transfer: %v", err)
	}

	aliceBalance := mustBalance(test, service, alice)
	bobBalance := mustBalance(test, service, bob)
	if aliceBalance.Points != 60 || bobBalance.Points != 40 {
		test.Fatalf("expected 60/40 after transfer, got %d/%d", aliceBalance.Points, bobBalance.Points)
	}

	bobEntries, err := service.Statement(context.Background(), bob, 0, 10)
	if err != nil {
		test.Fatalf("statement: %v", err)
	}
	if len(bobEntries) != 1 {
		test.Fatalf("expected one credit for recipient, got %d", len(bobEntries))
	}
	credit := bobEntries[0]
	if credit.Sign != points.SignCredit || credit.Amount.Int64() != 40 {
		test.Fatalf("unexpected recipient credit: %+v", credit)
	}
	if credit.TransferID == nil || *credit.TransferID != transferID {
		test.Fatalf("recipient credit must carry the transfer id")
	}
}

func TestTransferInsufficientLeavesLedgerUntouched(test *testing.T) {
	test.Parallel()
	db, store := openTestStore(test)
	service := newTestService(test, store)
	alice := mustOwner(test, "alice")
	bob := mustOwner(test, "bob")
	seedBalance(test, service, alice, 60)
	registerOwner(test, store, bob)

	_, err := service.Transfer(context.Background(), alice, bob, mustAmount(test, 1000), points.NewReason(""))
	if !errors.Is(err, points.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if balance := mustBalance(test, service, alice); balance.Points != 60 {
		test.Fatalf("sender balance must be unchanged, got %d", balance.Points)
	}
	var entryCount int64
	if err := db.Table("ledger_entries").Count(&entryCount).Error; err != nil {
		test.Fatalf("count entries: %v", err)
	}
	if entryCount != 1 {
		test.Fatalf("failed transfer must not append entries, got %d", entryCount)
	}
}

func TestTransferToUnknownRecipient(test *testing.T) {
	test.Parallel()
	_, store := openTestStore(test)
	service := newTestService(test, store)
	alice := mustOwner(test, "alice")
	seedBalance(test, service, alice, 60)

	_, err := service.Transfer(context.Background(), alice, mustOwner(test, "nobody"), mustAmount(test, 10), points.NewReason(""))
	if !errors.Is(err, points.ErrUnknownOwner) {
		test.Fatalf("expected ErrUnknownOwner, got %v", err)
	}
}

func TestProjectionSelfHealsAfterTamper(test *testing.T) {
	test.Parallel()
	db, store := openTestStore(test)
	service := newTestService(test, store)
	student := mustOwner(test, "student-1")
	seedBalance(test, service, student, 80)

	if balance := mustBalance(test, service, student); balance.Points != 80 {
		test.Fatalf("expected 80, got %d", balance.Points)
	}

	err := db.Table("balance_projections").
		Where("owner_id = ?", student.String()).
		Updates(map[string]interface{}{"points": 9999, "entry_count": 7}).Error
	if err != nil {
		test.Fatalf("tamper projection: %v", err)
	}

	if balance := mustBalance(test, service, student); balance.Points != 80 || balance.EntryCount != 1 {
		test.Fatalf("expected recomputed 80/1, got %+v", balance)
	}

	var healed int64
	err = db.Table("balance_projections").
		Where("owner_id = ?", student.String()).
		Select("points").Scan(&healed).Error
	if err != nil {
		test.Fatalf("read projection: %v", err)
	}
	if healed != 80 {
		test.Fatalf("projection not healed, got %d", healed)
	}
}

func TestReconcileHealsOrphanedConsumption(test *testing.T) {
	test.Parallel()
	_, store := openTestStore(test)
	service := newTestService(test, store)
	code := seedCard(test, store, "CARD-ORPHAN", 30)
	student := mustOwner(test, "student-1")
	registerOwner(test, store, student)
	if err := store.ConsumeCard(context.Background(), code, student, testClockUnixUTC); err != nil {
		test.Fatalf("consume card: %v", err)
	}

	report, err := service.Reconcile(context.Background(), 10)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if report.Scanned != 1 || len(report.Repaired) != 1 {
		test.Fatalf("expected one repair, got %+v", report)
	}
	if balance := mustBalance(test, service, student); balance.Points != 30 {
		test.Fatalf("expected repaired credit of 30, got %d", balance.Points)
	}

	again, err := service.Reconcile(context.Background(), 10)
	if err != nil {
		test.Fatalf("second reconcile: %v", err)
	}
	if again.Scanned != 0 || len(again.Repaired) != 0 {
		test.Fatalf("healed card must not be rescanned, got %+v", again)
	}
}

func TestInsertEntryRejectsDuplicateReference(test *testing.T) {
	test.Parallel()
	_, store := openTestStore(test)
	student := mustOwner(test, "student-1")
	registerOwner(test, store, student)

	entry := mustEntryInput(test, student, "award:once")
	if err := store.InsertEntry(context.Background(), entry); err != nil {
		test.Fatalf("insert: %v", err)
	}
	err := store.InsertEntry(context.Background(), entry)
	if !errors.Is(err, points.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestConsumeCardRequiresActiveState(test *testing.T) {
	test.Parallel()
	_, store := openTestStore(test)
	code := seedCard(test, store, "CARD-STATE", 10)
	student := mustOwner(test, "student-1")

	if err := store.ConsumeCard(context.Background(), code, student, testClockUnixUTC); err != nil {
		test.Fatalf("first consume: %v", err)
	}
	err := store.ConsumeCard(context.Background(), code, student, testClockUnixUTC)
	if !errors.Is(err, points.ErrCardConsumed) {
		test.Fatalf("expected ErrCardConsumed, got %v", err)
	}
}

func TestDisableCardUnknownCode(test *testing.T) {
	test.Parallel()
	_, store := openTestStore(test)

	err := store.DisableCard(context.Background(), mustCode(test, "missing"))
	if !errors.Is(err, points.ErrCardNotFound) {
		test.Fatalf("expected ErrCardNotFound, got %v", err)
	}
}

func openTestStore(test *testing.T) (*gorm.DB, *gormstore.Store) {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "points.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&gormstore.Owner{},
		&gormstore.LedgerEntry{},
		&gormstore.RechargeCard{},
		&gormstore.BalanceProjection{},
	)
	if err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	return db, gormstore.New(db)
}

func newTestService(test *testing.T, store points.Store) *points.Service {
	test.Helper()
	service, err := points.NewService(store, func() int64 { return testClockUnixUTC })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func seedCard(test *testing.T, store points.Store, rawCode string, value int64) points.CardCode {
	test.Helper()
	code := mustCode(test, rawCode)
	card := points.Card{
		Code:           code,
		Value:          mustAmount(test, value),
		State:          points.CardStateActive,
		CreatedUnixUTC: testClockUnixUTC,
	}
	if err := store.CreateCard(context.Background(), card); err != nil {
		test.Fatalf("create card: %v", err)
	}
	return code
}

func seedBalance(test *testing.T, service *points.Service, owner points.OwnerID, amount int64) {
	test.Helper()
	actor, err := points.NewActorID("test:seed")
	if err != nil {
		test.Fatalf("actor: %v", err)
	}
	reference, err := points.AwardReferenceKey("seed-" + owner.String())
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	metadata, err := points.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	err = service.Award(context.Background(), owner, points.SignCredit, mustAmount(test, amount),
		points.NewCategory(""), points.NewReason("seed"), actor, reference, metadata)
	if err != nil {
		test.Fatalf("seed award: %v", err)
	}
}

func registerOwner(test *testing.T, store points.Store, owner points.OwnerID) {
	test.Helper()
	if err := store.RegisterOwner(context.Background(), owner); err != nil {
		test.Fatalf("register owner: %v", err)
	}
}

func mustBalance(test *testing.T, service *points.Service, owner points.OwnerID) points.Balance {
	test.Helper()
	balance, err := service.Balance(context.Background(), owner)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func mustOwner(test *testing.T, raw string) points.OwnerID {
	test.Helper()
	owner, err := points.NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner: %v", err)
	}
	return owner
}

func mustCode(test *testing.T, raw string) points.CardCode {
	test.Helper()
	code, err := points.NewCardCode(raw)
	if err != nil {
		test.Fatalf("code: %v", err)
	}
	return code
}

func mustAmount(test *testing.T, raw int64) points.PointAmount {
	test.Helper()
	amount, err := points.NewPointAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustEntryInput(test *testing.T, owner points.OwnerID, reference string) points.EntryInput {
	test.Helper()
	actor, err := points.NewActorID("test:seed")
	if err != nil {
		test.Fatalf("actor: %v", err)
	}
	referenceKey, err := points.NewReferenceKey(reference)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	metadata, err := points.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	entry, err := points.NewEntryInput(owner, points.SignCredit, mustAmount(test, 10),
		points.NewCategory(""), points.NewReason("seed"), actor, nil, referenceKey, metadata, testClockUnixUTC)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return entry
}
