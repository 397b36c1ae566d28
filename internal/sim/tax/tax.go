// Package tax computes Harberger tax owed on a self-assessed price and
// settles it lazily, only when a holding is touched.
package tax

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"radicalpixels.io/internal/sim/ledger"
)

const (
	BPSDenominator = 10_000
	SecondsPerYear = 365 * 24 * 60 * 60
)

var ErrInvalidTimestamp = errors.New("timestamp moved backwards")

// Balances is the slice of the ledger settlement needs.
type Balances interface {
	SafeTransfer(from, to ledger.Actor, amount ledger.Amount) ledger.Amount
	ValueHeld(a ledger.Actor) ledger.Amount
}

type Policy struct {
	RateBps   uint32
	Collector ledger.Actor
}

func (p Policy) Validate() error {
	if p.RateBps > BPSDenominator {
		return fmt.Errorf("tax rate %d bps exceeds %d", p.RateBps, BPSDenominator)
	}
	if p.Collector == ledger.Nobody {
		return errors.New("tax collector is required")
	}
	return nil
}

// Holding is the taxable view of an asset.
type Holding struct {
	Owner       ledger.Actor
	Price       ledger.Amount
	LastSettled int64
}

type Settlement struct {
	Owner     ledger.Actor  `json:"owner"`
	Elapsed   int64         `json:"elapsed"`
	Owed      ledger.Amount `json:"owed"`
	Collected ledger.Amount `json:"collected"`
	Exhausted bool          `json:"exhausted"`
	SettledAt int64         `json:"settled_at"`
}

// Undercollected is the part of Owed that was forgiven.
func (s Settlement) Undercollected() ledger.Amount { return s.Owed - s.Collected }

// Owed is floor(price * rateBps * elapsed / (10000 * SecondsPerYear)),
// saturating at the largest Amount.
func Owed(price ledger.Amount, rateBps uint32, elapsed int64) ledger.Amount {
	if price == 0 || rateBps == 0 || elapsed <= 0 {
		return 0
	}
	n := new(big.Int).SetUint64(uint64(price))
	n.Mul(n, new(big.Int).SetUint64(uint64(rateBps)))
	n.Mul(n, big.NewInt(elapsed))
	n.Quo(n, big.NewInt(BPSDenominator*SecondsPerYear))
	if !n.IsUint64() {
		return ledger.Amount(math.MaxUint64)
	}
	return ledger.Amount(n.Uint64())
}

// Accrue settles tax on h up to now. The owner pays what they can; the
// remainder is forgiven rather than carried as debt. Callers must store
// SettledAt as the holding's new LastSettled.
func (p Policy) Accrue(b Balances, h Holding, now int64) (Settlement, error) {
	elapsed := now - h.LastSettled
	if elapsed < 0 {
		return Settlement{}, fmt.Errorf("%w: now=%d last_settled=%d", ErrInvalidTimestamp, now, h.LastSettled)
	}
	s := Settlement{Owner: h.Owner, Elapsed: elapsed, SettledAt: now}
	if h.Owner == ledger.Nobody {
		return s, nil
	}
	s.Owed = Owed(h.Price, p.RateBps, elapsed)
	if s.Owed > 0 {
		s.Collected = b.SafeTransfer(h.Owner, p.Collector, s.Owed)
	}
	s.Exhausted = b.ValueHeld(h.Owner) == 0
	return s, nil
}
