package ledger

import (
	"errors"
	"math"
	"testing"

	"radicalpixels.io/internal/sim/journal"
)

func TestCreditDebit(t *testing.T) {
	l := New(nil)
	if err := l.Credit("A", 10); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Debit("A", 11); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := l.ValueHeld("A"); got != 10 {
		t.Fatalf("expected 10 after failed debit, got %d", got)
	}
	if err := l.Debit("A", 10); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if l.HasPositiveBalance("A") {
		t.Fatalf("expected zero balance")
	}
	if l.Total() != 0 {
		t.Fatalf("expected zero total, got %d", l.Total())
	}
}

func TestTransfer_FailsWithoutPartialEffect(t *testing.T) {
	l := New(nil)
	_ = l.Credit("A", 5)
	if err := l.Transfer("A", "B", 6); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if l.ValueHeld("A") != 5 || l.ValueHeld("B") != 0 {
		t.Fatalf("unexpected balances A=%d B=%d", l.ValueHeld("A"), l.ValueHeld("B"))
	}
	if err := l.Transfer("A", "B", 5); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if l.ValueHeld("A") != 0 || l.ValueHeld("B") != 5 || l.Total() != 5 {
		t.Fatalf("unexpected balances A=%d B=%d total=%d", l.ValueHeld("A"), l.ValueHeld("B"), l.Total())
	}
}

func TestSafeTransfer_Clamps(t *testing.T) {
	l := New(nil)
	_ = l.Credit("A", 3)
	if moved := l.SafeTransfer("A", "C", 10); moved != 3 {
		t.Fatalf("expected 3 moved, got %d", moved)
	}
	if l.ValueHeld("A") != 0 || l.ValueHeld("C") != 3 {
		t.Fatalf("unexpected balances A=%d C=%d", l.ValueHeld("A"), l.ValueHeld("C"))
	}
	if moved := l.SafeTransfer("A", "C", 1); moved != 0 {
		t.Fatalf("expected nothing moved from empty account, got %d", moved)
	}
}

func TestCredit_SupplyOverflow(t *testing.T) {
	l := New(nil)
	if err := l.Credit("A", math.MaxUint64); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Credit("B", 1); !errors.Is(err, ErrSupplyOverflow) {
		t.Fatalf("expected ErrSupplyOverflow, got %v", err)
	}
}

func TestJournalRevertRestoresMissingEntries(t *testing.T) {
	j := journal.New()
	l := New(j)
	_ = j.Atomic(func() error {
		_ = l.Credit("A", 4)
		_ = l.Transfer("A", "B", 4)
		return errors.New("abort")
	})
	if len(l.Balances()) != 0 || l.Total() != 0 {
		t.Fatalf("expected empty ledger after revert, got %+v total=%d", l.Balances(), l.Total())
	}
}

func TestReservedActors(t *testing.T) {
	if !Nobody.Reserved() || !Escrow.Reserved() {
		t.Fatalf("expected sentinel actors reserved")
	}
	if Actor("alice").Reserved() {
		t.Fatalf("expected plain actor allowed")
	}
}
