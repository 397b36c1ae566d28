package ledger

import (
	"errors"
	"math"
	"sort"
	"strings"

	"radicalpixels.io/internal/sim/journal"
)

// Actor is an opaque account identity.
type Actor string

// Amount is an integer quantity of the smallest currency unit.
type Amount uint64

const (
	// Nobody is the sentinel owner of unowned cells.
	Nobody Actor = ""
	// Escrow holds auction bids until they are refunded or paid out.
	Escrow Actor = "@escrow"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSupplyOverflow      = errors.New("deposit overflows total supply")
	ErrReservedActor       = errors.New("reserved actor")
)

// Reserved reports whether a is a system account that clients may not act as.
func (a Actor) Reserved() bool {
	return a == Nobody || strings.HasPrefix(string(a), "@")
}

// Ledger tracks value held per actor.
// Transfers conserve the total, so only deposits can overflow it.
type Ledger struct {
	held  map[Actor]Amount
	total Amount
	j     *journal.Journal
}

func New(j *journal.Journal) *Ledger {
	return &Ledger{held: map[Actor]Amount{}, j: j}
}

func (l *Ledger) ValueHeld(a Actor) Amount { return l.held[a] }

func (l *Ledger) HasPositiveBalance(a Actor) bool { return l.held[a] > 0 }

// Accounts counts balance entries of non-reserved actors.
func (l *Ledger) Accounts() int {
	n := 0
	for a := range l.held {
		if !a.Reserved() {
			n++
		}
	}
	return n
}

// Total is the sum of all balances, escrow included.
func (l *Ledger) Total() Amount { return l.total }

// Credit deposits new value to a.
func (l *Ledger) Credit(a Actor, amount Amount) error {
	if amount == 0 {
		return nil
	}
	if l.total > math.MaxUint64-amount {
		return ErrSupplyOverflow
	}
	l.set(a, l.held[a]+amount)
	l.setTotal(l.total + amount)
	return nil
}

// Debit removes value from a, e.g. on withdrawal.
func (l *Ledger) Debit(a Actor, amount Amount) error {
	if amount == 0 {
		return nil
	}
	if l.held[a] < amount {
		return ErrInsufficientBalance
	}
	l.set(a, l.held[a]-amount)
	l.setTotal(l.total - amount)
	return nil
}

// Transfer moves exactly amount or nothing.
func (l *Ledger) Transfer(from, to Actor, amount Amount) error {
	if amount == 0 {
		return nil
	}
	if l.held[from] < amount {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	l.set(from, l.held[from]-amount)
	l.set(to, l.held[to]+amount)
	return nil
}

// SafeTransfer moves min(amount, held[from]) and reports what moved.
func (l *Ledger) SafeTransfer(from, to Actor, amount Amount) Amount {
	moved := amount
	if have := l.held[from]; have < moved {
		moved = have
	}
	if moved == 0 || from == to {
		return moved
	}
	l.set(from, l.held[from]-moved)
	l.set(to, l.held[to]+moved)
	return moved
}

func (l *Ledger) set(a Actor, v Amount) {
	old, existed := l.held[a]
	l.held[a] = v
	l.j.Record(func() {
		if existed {
			l.held[a] = old
		} else {
			delete(l.held, a)
		}
	})
}

func (l *Ledger) setTotal(v Amount) {
	old := l.total
	l.total = v
	l.j.Record(func() { l.total = old })
}

// Balance is one ledger row.
type Balance struct {
	Actor     Actor
	ValueHeld Amount
}

// Balances returns every entry sorted by actor. Zero entries are kept.
func (l *Ledger) Balances() []Balance {
	out := make([]Balance, 0, len(l.held))
	for a, v := range l.held {
		out = append(out, Balance{Actor: a, ValueHeld: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}

// Load replaces the ledger contents. It is not journaled.
func (l *Ledger) Load(rows []Balance) error {
	held := make(map[Actor]Amount, len(rows))
	var total Amount
	for _, r := range rows {
		if total > math.MaxUint64-r.ValueHeld {
			return ErrSupplyOverflow
		}
		held[r.Actor] += r.ValueHeld
		total += r.ValueHeld
	}
	l.held = held
	l.total = total
	return nil
}
