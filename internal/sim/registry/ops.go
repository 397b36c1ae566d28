package registry

import (
	"fmt"

	"radicalpixels.io/internal/sim/auction"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/tax"
)

func (r *Registry) EncodeCoordinate(c grid.Coord) (grid.CellID, error) { return r.cfg.Bounds.Encode(c) }
func (r *Registry) DecodeCoordinate(id grid.CellID) (grid.Coord, error) {
	return r.cfg.Bounds.Decode(id)
}

func (r *Registry) ValueHeld(a ledger.Actor) ledger.Amount { return r.ledger.ValueHeld(a) }
func (r *Registry) HasPositiveBalance(a ledger.Actor) bool { return r.ledger.HasPositiveBalance(a) }
func (r *Registry) TotalSupply() ledger.Amount             { return r.ledger.Total() }

// AssetByCoordinate returns the stored record without settling tax.
func (r *Registry) AssetByCoordinate(c grid.Coord) (grid.Cell, error) {
	id, err := r.cfg.Bounds.Encode(c)
	if err != nil {
		return grid.Cell{}, err
	}
	return r.grid.Cell(id)
}

// AuctionByCoordinate returns the latest auction on c, open or settled.
func (r *Registry) AuctionByCoordinate(c grid.Coord) (auction.Auction, bool, error) {
	id, err := r.cfg.Bounds.Encode(c)
	if err != nil {
		return auction.Auction{}, false, err
	}
	a, ok := r.auction.Get(id)
	return a, ok, nil
}

func (r *Registry) Cells() []grid.Cell                 { return r.grid.Cells() }
func (r *Registry) OwnedBy(a ledger.Actor) []grid.Cell { return r.grid.OwnedBy(a) }
func (r *Registry) Auctions() []auction.Auction        { return r.auction.Auctions() }
func (r *Registry) Balances() []ledger.Balance         { return r.ledger.Balances() }

func (r *Registry) Deposit(a ledger.Actor, amount ledger.Amount) error {
	if err := checkActor(a); err != nil {
		return err
	}
	return r.j.Atomic(func() error { return r.ledger.Credit(a, amount) })
}

// Withdraw removes value held by a from the registry.
func (r *Registry) Withdraw(a ledger.Actor, amount ledger.Amount) error {
	if err := checkActor(a); err != nil {
		return err
	}
	return r.j.Atomic(func() error { return r.ledger.Debit(a, amount) })
}

// SettleTax settles accrued tax on one cell.
func (r *Registry) SettleTax(c grid.Coord, now int64) (tax.Settlement, error) {
	var s tax.Settlement
	err := r.atomic(now, func() error {
		id, err := r.cfg.Bounds.Encode(c)
		if err != nil {
			return err
		}
		s, err = r.grid.Settle(id, now)
		return err
	})
	return s, err
}

func (r *Registry) PurchaseUnowned(c grid.Coord, price ledger.Amount, content []byte, buyer ledger.Actor, sent ledger.Amount, now int64) error {
	return r.PurchaseUnownedBatch([]grid.Coord{c}, []ledger.Amount{price}, [][]byte{content}, buyer, sent, now)
}

// PurchaseUnownedBatch claims every listed cell or none of them. sent is
// credited to buyer once before the first purchase.
func (r *Registry) PurchaseUnownedBatch(coords []grid.Coord, prices []ledger.Amount, contents [][]byte, buyer ledger.Actor, sent ledger.Amount, now int64) error {
	if err := checkBatch(len(coords), len(prices), len(contents)); err != nil {
		return err
	}
	if err := checkActor(buyer); err != nil {
		return err
	}
	return r.atomic(now, func() error {
		if err := r.ledger.Credit(buyer, sent); err != nil {
			return err
		}
		for i, c := range coords {
			id, err := r.cfg.Bounds.Encode(c)
			if err != nil {
				return batchErr(i, c, err)
			}
			if err := r.grid.PurchaseUnowned(id, prices[i], contentAt(contents, i), buyer, now); err != nil {
				return batchErr(i, c, err)
			}
		}
		return nil
	})
}

func (r *Registry) PurchaseOwned(c grid.Coord, newPrice ledger.Amount, content []byte, buyer ledger.Actor, sent ledger.Amount, now int64) (grid.Sale, error) {
	sales, err := r.PurchaseOwnedBatch([]grid.Coord{c}, []ledger.Amount{newPrice}, [][]byte{content}, buyer, sent, now)
	if err != nil {
		return grid.Sale{}, err
	}
	return sales[0], nil
}

// PurchaseOwnedBatch buys every listed cell from its owner at the owner's
// current price. sent is credited to buyer once and is the allowance the
// batch draws each price from.
func (r *Registry) PurchaseOwnedBatch(coords []grid.Coord, newPrices []ledger.Amount, contents [][]byte, buyer ledger.Actor, sent ledger.Amount, now int64) ([]grid.Sale, error) {
	if err := checkBatch(len(coords), len(newPrices), len(contents)); err != nil {
		return nil, err
	}
	if err := checkActor(buyer); err != nil {
		return nil, err
	}
	sales := make([]grid.Sale, 0, len(coords))
	err := r.atomic(now, func() error {
		if err := r.ledger.Credit(buyer, sent); err != nil {
			return err
		}
		allowance := sent
		for i, c := range coords {
			id, err := r.cfg.Bounds.Encode(c)
			if err != nil {
				return batchErr(i, c, err)
			}
			sale, err := r.grid.PurchaseOwned(id, newPrices[i], contentAt(contents, i), buyer, allowance, now)
			if err != nil {
				return batchErr(i, c, err)
			}
			allowance -= sale.Price
			sales = append(sales, sale)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sales, nil
}

func (r *Registry) SetPrice(c grid.Coord, newPrice ledger.Amount, caller ledger.Actor, now int64) error {
	return r.SetPriceBatch([]grid.Coord{c}, []ledger.Amount{newPrice}, caller, now)
}

func (r *Registry) SetPriceBatch(coords []grid.Coord, newPrices []ledger.Amount, caller ledger.Actor, now int64) error {
	if err := checkBatch(len(coords), len(newPrices), -1); err != nil {
		return err
	}
	return r.atomic(now, func() error {
		for i, c := range coords {
			id, err := r.cfg.Bounds.Encode(c)
			if err != nil {
				return batchErr(i, c, err)
			}
			if err := r.grid.SetPrice(id, newPrices[i], caller, now); err != nil {
				return batchErr(i, c, err)
			}
		}
		return nil
	})
}

func (r *Registry) BeginAuction(c grid.Coord, now int64) (auction.Auction, error) {
	var a auction.Auction
	err := r.atomic(now, func() error {
		id, err := r.cfg.Bounds.Encode(c)
		if err != nil {
			return err
		}
		a, err = r.auction.Begin(id, now)
		return err
	})
	return a, err
}

// Bid credits sent to bidder and then escrows amount from its balance.
func (r *Registry) Bid(c grid.Coord, amount ledger.Amount, bidder ledger.Actor, sent ledger.Amount, now int64) (auction.Auction, error) {
	if err := checkActor(bidder); err != nil {
		return auction.Auction{}, err
	}
	var a auction.Auction
	err := r.atomic(now, func() error {
		id, err := r.cfg.Bounds.Encode(c)
		if err != nil {
			return err
		}
		if err := r.ledger.Credit(bidder, sent); err != nil {
			return err
		}
		a, err = r.auction.Bid(id, amount, bidder, now)
		return err
	})
	return a, err
}

func (r *Registry) EndAuction(c grid.Coord, now int64) (auction.Auction, error) {
	var a auction.Auction
	err := r.atomic(now, func() error {
		id, err := r.cfg.Bounds.Encode(c)
		if err != nil {
			return err
		}
		a, err = r.auction.End(id, now)
		return err
	})
	return a, err
}

// checkBatch validates parallel slice lengths. optional may be -1 when the
// batch has no third slice, or 0 when the caller omitted it.
func checkBatch(n, m, optional int) error {
	if n == 0 {
		return ErrEmptyBatch
	}
	if n != m || (optional > 0 && optional != n) {
		return fmt.Errorf("%w: %d coordinates, %d prices", ErrBatchMismatch, n, m)
	}
	return nil
}

func contentAt(contents [][]byte, i int) []byte {
	if i < len(contents) {
		return contents[i]
	}
	return nil
}

func batchErr(i int, c grid.Coord, err error) error {
	return fmt.Errorf("cell %d (%d,%d): %w", i, c.X, c.Y, err)
}
