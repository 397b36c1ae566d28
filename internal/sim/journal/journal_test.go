package journal

import (
	"errors"
	"testing"
)

func TestAtomic_RevertsOnError(t *testing.T) {
	j := New()
	v := 1
	err := j.Atomic(func() error {
		old := v
		v = 2
		j.Record(func() { v = old })
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if v != 1 {
		t.Fatalf("expected revert to 1, got %d", v)
	}
	if j.Len() != 0 {
		t.Fatalf("expected empty journal, got %d", j.Len())
	}
}

func TestAtomic_NestedInnerFailureKeepsOuter(t *testing.T) {
	j := New()
	a, b := 0, 0
	err := j.Atomic(func() error {
		a = 1
		j.Record(func() { a = 0 })
		if err := j.Atomic(func() error {
			b = 1
			j.Record(func() { b = 0 })
			return errors.New("inner")
		}); err == nil {
			t.Fatalf("expected inner error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	if a != 1 || b != 0 {
		t.Fatalf("expected a=1 b=0, got a=%d b=%d", a, b)
	}
	if j.Len() != 0 {
		t.Fatalf("expected committed journal to be empty, got %d", j.Len())
	}
}

func TestAtomic_OuterFailureRevertsCommittedInner(t *testing.T) {
	j := New()
	v := 0
	_ = j.Atomic(func() error {
		_ = j.Atomic(func() error {
			v = 5
			j.Record(func() { v = 0 })
			return nil
		})
		return errors.New("outer")
	})
	if v != 0 {
		t.Fatalf("expected inner mutation reverted, got %d", v)
	}
}

func TestRevertTo_Order(t *testing.T) {
	j := New()
	var order []int
	j.Record(func() { order = append(order, 1) })
	j.Record(func() { order = append(order, 2) })
	j.Record(func() { order = append(order, 3) })
	j.RevertTo(1)
	if len(order) != 2 || order[0] != 3 || order[1] != 2 {
		t.Fatalf("unexpected undo order: %v", order)
	}
	if j.Len() != 1 {
		t.Fatalf("expected 1 remaining step, got %d", j.Len())
	}
}

func TestAtomic_InnerCommitKeepsLogUntilOuterCommits(t *testing.T) {
	j := New()
	err := j.Atomic(func() error {
		if err := j.Atomic(func() error {
			j.Record(func() {})
			if j.Depth() != 2 {
				t.Fatalf("depth=%d want 2", j.Depth())
			}
			return nil
		}); err != nil {
			return err
		}
		if j.Len() != 1 {
			t.Fatalf("inner commit dropped the log: len=%d", j.Len())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	if j.Len() != 0 || j.Depth() != 0 {
		t.Fatalf("len=%d depth=%d after commit", j.Len(), j.Depth())
	}
}
