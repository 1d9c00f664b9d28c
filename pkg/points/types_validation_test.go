package points

import (
	"errors"
	"testing"
)

func TestNewPointAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewPointAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	amount, err := NewPointAmount(1)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if amount.Int64() != 1 {
		test.Fatalf("expected 1, got %d", amount.Int64())
	}
}

func TestNewOwnerIDRejectsBlank(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "\t"} {
		if _, err := NewOwnerID(raw); !errors.Is(err, ErrInvalidOwnerID) {
			test.Fatalf("expected ErrInvalidOwnerID for %q, got %v", raw, err)
		}
	}
	owner := mustOwnerID(test, "  student-1  ")
	if owner.String() != "student-1" {
		test.Fatalf("expected trimmed id, got %q", owner.String())
	}
}

func TestParseEntrySign(test *testing.T) {
	test.Parallel()
	if sign, err := ParseEntrySign("credit"); err != nil || sign != SignCredit {
		test.Fatalf("expected credit, got %v %v", sign, err)
	}
	if sign, err := ParseEntrySign("debit"); err != nil || sign != SignDebit {
		test.Fatalf("expected debit, got %v %v", sign, err)
	}
	if _, err := ParseEntrySign("hold"); !errors.Is(err, ErrInvalidEntrySign) {
		test.Fatalf("expected ErrInvalidEntrySign, got %v", err)
	}
}

func TestEntrySignApply(test *testing.T) {
	test.Parallel()
	amount := mustAmount(test, 40)
	if SignCredit.Apply(amount) != 40 {
		test.Fatalf("credit must add")
	}
	if SignDebit.Apply(amount) != -40 {
		test.Fatalf("debit must subtract")
	}
}

func TestParseCardState(test *testing.T) {
	test.Parallel()
	if state, err := ParseCardState(" Active "); err != nil || state != CardStateActive {
		test.Fatalf("expected active, got %v %v", state, err)
	}
	if _, err := ParseCardState("melted"); !errors.Is(err, ErrInvalidCardState) {
		test.Fatalf("expected ErrInvalidCardState, got %v", err)
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	metadata := mustMetadata(test, "")
	if metadata.String() != "{}" {
		test.Fatalf("empty metadata must default to {}, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{broken"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestNewEntryInputValidation(test *testing.T) {
	test.Parallel()
	owner := mustOwnerID(test, "student-1")
	actor := mustActorID(test, "teacher-1")
	reference := mustReference(test, "award:abc")
	metadata := mustMetadata(test, "{}")
	amount := mustAmount(test, 10)

	testCases := []struct {
		name      string
		owner     OwnerID
		sign      EntrySign
		actor     ActorID
		reference ReferenceKey
		wantErr   error
	}{
		{name: "missing owner", owner: OwnerID{}, sign: SignCredit, actor: actor, reference: reference, wantErr: ErrInvalidEntry},
		{name: "bad sign", owner: owner, sign: EntrySign("hold"), actor: actor, reference: reference, wantErr: ErrInvalidEntrySign},
		{name: "missing actor", owner: owner, sign: SignCredit, actor: ActorID{}, reference: reference, wantErr: ErrInvalidEntry},
		{name: "missing reference", owner: owner, sign: SignCredit, actor: actor, reference: ReferenceKey{}, wantErr: ErrInvalidEntry},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewEntryInput(testCase.owner, testCase.sign, amount, NewCategory(""), NewReason(""), testCase.actor, nil, testCase.reference, metadata, 100)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestEntryDelta(test *testing.T) {
	test.Parallel()
	credit := Entry{Sign: SignCredit, Amount: mustAmount(test, 30)}
	debit := Entry{Sign: SignDebit, Amount: mustAmount(test, 12)}
	if credit.Delta() != 30 || debit.Delta() != -12 {
		test.Fatalf("unexpected deltas: %d %d", credit.Delta(), debit.Delta())
	}
}

func TestAwardReferenceKeyPrefix(test *testing.T) {
	test.Parallel()
	reference := mustAwardReference(test, "token-1")
	if reference.String() != "award:token-1" {
		test.Fatalf("unexpected award reference: %s", reference.String())
	}
}
