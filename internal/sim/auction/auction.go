// Package auction reallocates tax-exhausted cells through an ascending-bid
// auction with a fixed window. Nothing ends an auction automatically; any
// caller may end it once the window has passed.
package auction

import (
	"errors"
	"fmt"
	"sort"

	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/journal"
	"radicalpixels.io/internal/sim/ledger"
)

var (
	ErrAuctionNotEligible = errors.New("asset not eligible for auction")
	ErrAuctionClosed      = errors.New("auction bidding window closed")
	ErrAuctionStillOpen   = errors.New("auction still open")
	ErrBidTooLow          = errors.New("bid must exceed the high bid")
	ErrNoActiveAuction    = errors.New("no active auction")
)

type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusSettled Status = "SETTLED"
)

type Auction struct {
	ID          uint64        `json:"id"`
	Cell        grid.CellID   `json:"cell"`
	FormerOwner ledger.Actor  `json:"former_owner"`
	HighBidder  ledger.Actor  `json:"high_bidder,omitempty"`
	HighBid     ledger.Amount `json:"high_bid"`
	Bids        int           `json:"bids"`
	StartTime   int64         `json:"start_time"`
	EndTime     int64         `json:"end_time"`
	Status      Status        `json:"status"`
	SettledAt   int64         `json:"settled_at,omitempty"`
}

func (a Auction) Open() bool { return a.Status == StatusOpen }

type Engine struct {
	grid     *grid.Registry
	ledger   *ledger.Ledger
	j        *journal.Journal
	duration int64

	nextID   uint64
	byCell   map[grid.CellID]*Auction
	archived []Auction
}

func NewEngine(g *grid.Registry, l *ledger.Ledger, j *journal.Journal, durationSeconds int64) (*Engine, error) {
	if durationSeconds <= 0 {
		return nil, fmt.Errorf("auction duration must be positive, got %d", durationSeconds)
	}
	return &Engine{
		grid:     g,
		ledger:   l,
		j:        j,
		duration: durationSeconds,
		byCell:   map[grid.CellID]*Auction{},
	}, nil
}

func (e *Engine) Duration() int64 { return e.duration }

// Get returns the latest auction for id, open or settled.
func (e *Engine) Get(id grid.CellID) (Auction, bool) {
	a, ok := e.byCell[id]
	if !ok {
		return Auction{}, false
	}
	return *a, true
}

// Begin opens an auction on a cell whose owner holds exactly zero after
// settling tax.
func (e *Engine) Begin(id grid.CellID, now int64) (Auction, error) {
	if _, err := e.grid.Settle(id, now); err != nil {
		return Auction{}, err
	}
	cell, _ := e.grid.Cell(id)
	if !cell.Owned() {
		return Auction{}, fmt.Errorf("%w: %w", ErrAuctionNotEligible, grid.ErrAssetNotOwned)
	}
	if cell.AuctionID != 0 {
		return Auction{}, fmt.Errorf("%w: auction %d already open", ErrAuctionNotEligible, cell.AuctionID)
	}
	if held := e.ledger.ValueHeld(cell.Owner); held != 0 {
		return Auction{}, fmt.Errorf("%w: owner still holds %d", ErrAuctionNotEligible, held)
	}

	a := Auction{
		ID:          e.nextID + 1,
		Cell:        id,
		FormerOwner: cell.Owner,
		StartTime:   now,
		EndTime:     now + e.duration,
		Status:      StatusOpen,
	}
	e.setNextID(a.ID)
	if prev, ok := e.byCell[id]; ok {
		e.archive(*prev)
	}
	e.put(a)
	if err := e.grid.LinkAuction(id, a.ID); err != nil {
		return Auction{}, err
	}
	return a, nil
}

// Bid escrows amount from bidder and refunds the previous high bidder.
func (e *Engine) Bid(id grid.CellID, amount ledger.Amount, bidder ledger.Actor, now int64) (Auction, error) {
	cur, ok := e.byCell[id]
	if !ok || !cur.Open() {
		return Auction{}, ErrNoActiveAuction
	}
	a := *cur
	if now >= a.EndTime {
		return Auction{}, ErrAuctionClosed
	}
	if amount <= a.HighBid {
		return Auction{}, fmt.Errorf("%w: bid %d, high bid %d", ErrBidTooLow, amount, a.HighBid)
	}

	prevBidder, prevBid := a.HighBidder, a.HighBid
	a.HighBidder = bidder
	a.HighBid = amount
	a.Bids++
	e.put(a)

	if prevBidder != ledger.Nobody {
		if err := e.ledger.Transfer(ledger.Escrow, prevBidder, prevBid); err != nil {
			return Auction{}, fmt.Errorf("refund %s: %w", prevBidder, err)
		}
	}
	if err := e.ledger.Transfer(bidder, ledger.Escrow, amount); err != nil {
		return Auction{}, err
	}
	return a, nil
}

// End finalizes an auction after its window. The winning bid goes to the
// former owner and becomes the winner's price; with no bids the cell
// reverts to unowned.
func (e *Engine) End(id grid.CellID, now int64) (Auction, error) {
	cur, ok := e.byCell[id]
	if !ok || !cur.Open() {
		return Auction{}, ErrNoActiveAuction
	}
	a := *cur
	if now < a.EndTime {
		return Auction{}, fmt.Errorf("%w: ends at %d", ErrAuctionStillOpen, a.EndTime)
	}
	if _, err := e.grid.Settle(id, now); err != nil {
		return Auction{}, err
	}
	cell, _ := e.grid.Cell(id)

	a.Status = StatusSettled
	a.SettledAt = now
	e.put(a)
	if err := e.grid.LinkAuction(id, 0); err != nil {
		return Auction{}, err
	}

	if a.HighBidder == ledger.Nobody {
		if err := e.grid.Reassign(id, ledger.Nobody, 0, now); err != nil {
			return Auction{}, err
		}
		return a, nil
	}
	if err := e.grid.Reassign(id, a.HighBidder, a.HighBid, now); err != nil {
		return Auction{}, err
	}
	if err := e.ledger.Transfer(ledger.Escrow, cell.Owner, a.HighBid); err != nil {
		return Auction{}, fmt.Errorf("pay former owner: %w", err)
	}
	return a, nil
}

func (e *Engine) put(a Auction) {
	prev, existed := e.byCell[a.Cell]
	next := a
	e.byCell[a.Cell] = &next
	e.j.Record(func() {
		if existed {
			e.byCell[a.Cell] = prev
		} else {
			delete(e.byCell, a.Cell)
		}
	})
}

func (e *Engine) archive(a Auction) {
	n := len(e.archived)
	e.archived = append(e.archived, a)
	e.j.Record(func() { e.archived = e.archived[:n] })
}

func (e *Engine) setNextID(v uint64) {
	old := e.nextID
	e.nextID = v
	e.j.Record(func() { e.nextID = old })
}

// Auctions returns the latest auction per cell, sorted by cell.
func (e *Engine) Auctions() []Auction {
	out := make([]Auction, 0, len(e.byCell))
	for _, a := range e.byCell {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	return out
}

func (e *Engine) OpenCount() int {
	n := 0
	for _, a := range e.byCell {
		if a.Open() {
			n++
		}
	}
	return n
}

// Archived returns settled auctions superseded by a later one on the same cell.
func (e *Engine) Archived() []Auction { return append([]Auction(nil), e.archived...) }

func (e *Engine) NextID() uint64 { return e.nextID }

// Load replaces engine state. It is not journaled.
func (e *Engine) Load(latest, archived []Auction, nextID uint64) error {
	m := make(map[grid.CellID]*Auction, len(latest))
	for i := range latest {
		a := latest[i]
		if a.ID > nextID {
			return fmt.Errorf("auction %d exceeds next id %d", a.ID, nextID)
		}
		if _, dup := m[a.Cell]; dup {
			return fmt.Errorf("duplicate auction for cell %d", a.Cell)
		}
		m[a.Cell] = &a
	}
	e.byCell = m
	e.archived = append([]Auction(nil), archived...)
	e.nextID = nextID
	return nil
}
