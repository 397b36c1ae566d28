package grid

import (
	"errors"
	"fmt"
	"sort"

	"radicalpixels.io/internal/sim/journal"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/tax"
)

var (
	ErrAssetAlreadyOwned   = errors.New("asset already owned")
	ErrAssetNotOwned       = errors.New("asset not owned")
	ErrNotOwner            = errors.New("caller is not the owner")
	ErrInsufficientPayment = errors.New("payment below current price")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrAuctionInProgress   = errors.New("asset is under auction")
)

// Cell is the asset record for one coordinate.
type Cell struct {
	ID          CellID        `json:"id"`
	X           uint32        `json:"x"`
	Y           uint32        `json:"y"`
	Owner       ledger.Actor  `json:"owner"`
	Price       ledger.Amount `json:"price"`
	Content     []byte        `json:"content,omitempty"`
	LastSettled int64         `json:"last_settled"`
	AuctionID   uint64        `json:"auction_id,omitempty"`
}

func (c Cell) Owned() bool { return c.Owner != ledger.Nobody }

func (c Cell) holding() tax.Holding {
	return tax.Holding{Owner: c.Owner, Price: c.Price, LastSettled: c.LastSettled}
}

// Sale describes a completed purchase from an existing owner.
type Sale struct {
	Seller ledger.Actor  `json:"seller"`
	Price  ledger.Amount `json:"price"`
}

// Registry maps coordinates to cell records. Records are created on first
// purchase and never removed.
type Registry struct {
	bounds Bounds
	policy tax.Policy
	ledger *ledger.Ledger
	j      *journal.Journal
	cells  map[CellID]*Cell

	onSettle func(CellID, tax.Settlement)
}

func New(bounds Bounds, policy tax.Policy, l *ledger.Ledger, j *journal.Journal) (*Registry, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		bounds: bounds,
		policy: policy,
		ledger: l,
		j:      j,
		cells:  map[CellID]*Cell{},
	}, nil
}

func (r *Registry) Bounds() Bounds     { return r.bounds }
func (r *Registry) Policy() tax.Policy { return r.policy }

// OnSettle installs a hook invoked after every settlement.
func (r *Registry) OnSettle(fn func(CellID, tax.Settlement)) { r.onSettle = fn }

// Cell returns a copy of the record at id; untouched cells read as unowned.
func (r *Registry) Cell(id CellID) (Cell, error) {
	c, err := r.bounds.Decode(id)
	if err != nil {
		return Cell{}, err
	}
	if cur, ok := r.cells[id]; ok {
		out := *cur
		out.Content = append([]byte(nil), cur.Content...)
		return out, nil
	}
	return Cell{ID: id, X: c.X, Y: c.Y}, nil
}

// Settle runs tax accrual on id up to now. Every operation that reads or
// writes price or owner calls it first.
func (r *Registry) Settle(id CellID, now int64) (tax.Settlement, error) {
	cur, err := r.Cell(id)
	if err != nil {
		return tax.Settlement{}, err
	}
	s, err := r.policy.Accrue(r.ledger, cur.holding(), now)
	if err != nil {
		return tax.Settlement{}, fmt.Errorf("cell %d: %w", id, err)
	}
	if _, ok := r.cells[id]; ok {
		cur.LastSettled = s.SettledAt
		r.put(cur)
	}
	if r.onSettle != nil && cur.Owned() {
		r.onSettle(id, s)
	}
	return s, nil
}

// PurchaseUnowned claims an unowned cell. The first price is paid to the tax
// collector, not to a prior owner.
func (r *Registry) PurchaseUnowned(id CellID, price ledger.Amount, content []byte, buyer ledger.Actor, now int64) error {
	if _, err := r.Settle(id, now); err != nil {
		return err
	}
	cur, _ := r.Cell(id)
	if cur.Owned() {
		return ErrAssetAlreadyOwned
	}
	if price == 0 {
		return ErrInvalidPrice
	}

	cur.Owner = buyer
	cur.Price = price
	cur.Content = append([]byte(nil), content...)
	cur.LastSettled = now
	r.put(cur)

	return r.ledger.Transfer(buyer, r.policy.Collector, price)
}

// PurchaseOwned buys a cell at its owner's self-assessed price. allowance is
// the payment the buyer attached for this cell.
func (r *Registry) PurchaseOwned(id CellID, newPrice ledger.Amount, content []byte, buyer ledger.Actor, allowance ledger.Amount, now int64) (Sale, error) {
	if _, err := r.Settle(id, now); err != nil {
		return Sale{}, err
	}
	cur, _ := r.Cell(id)
	if !cur.Owned() {
		return Sale{}, ErrAssetNotOwned
	}
	if cur.AuctionID != 0 {
		return Sale{}, ErrAuctionInProgress
	}
	if allowance < cur.Price {
		return Sale{}, fmt.Errorf("%w: sent %d, price %d", ErrInsufficientPayment, allowance, cur.Price)
	}
	if newPrice == 0 {
		return Sale{}, ErrInvalidPrice
	}

	sale := Sale{Seller: cur.Owner, Price: cur.Price}
	cur.Owner = buyer
	cur.Price = newPrice
	cur.Content = append([]byte(nil), content...)
	cur.LastSettled = now
	r.put(cur)

	if err := r.ledger.Transfer(buyer, sale.Seller, sale.Price); err != nil {
		return Sale{}, err
	}
	return sale, nil
}

func (r *Registry) SetPrice(id CellID, newPrice ledger.Amount, caller ledger.Actor, now int64) error {
	if _, err := r.Settle(id, now); err != nil {
		return err
	}
	cur, _ := r.Cell(id)
	if !cur.Owned() {
		return ErrAssetNotOwned
	}
	if cur.Owner != caller {
		return ErrNotOwner
	}
	if cur.AuctionID != 0 {
		return ErrAuctionInProgress
	}
	if newPrice == 0 {
		return ErrInvalidPrice
	}
	cur.Price = newPrice
	r.put(cur)
	return nil
}

// LinkAuction records the active auction for id; 0 clears it.
func (r *Registry) LinkAuction(id CellID, auctionID uint64) error {
	cur, err := r.Cell(id)
	if err != nil {
		return err
	}
	cur.AuctionID = auctionID
	r.put(cur)
	return nil
}

// Reassign hands an owned cell to owner at price, as an auction outcome.
// Callers settle first.
func (r *Registry) Reassign(id CellID, owner ledger.Actor, price ledger.Amount, now int64) error {
	cur, err := r.Cell(id)
	if err != nil {
		return err
	}
	cur.Owner = owner
	cur.Price = price
	cur.LastSettled = now
	if owner == ledger.Nobody {
		cur.Price = 0
	}
	r.put(cur)
	return nil
}

func (r *Registry) put(c Cell) {
	prev, existed := r.cells[c.ID]
	next := c
	r.cells[c.ID] = &next
	r.j.Record(func() {
		if existed {
			r.cells[c.ID] = prev
		} else {
			delete(r.cells, c.ID)
		}
	})
}

// Cells returns every stored record sorted by id.
func (r *Registry) Cells() []Cell {
	out := make([]Cell, 0, len(r.cells))
	for _, c := range r.cells {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports stored records and how many of them are owned.
func (r *Registry) Counts() (stored, owned int) {
	for _, c := range r.cells {
		if c.Owned() {
			owned++
		}
	}
	return len(r.cells), owned
}

// OwnedBy lists the cells currently owned by a.
func (r *Registry) OwnedBy(a ledger.Actor) []Cell {
	var out []Cell
	for _, c := range r.cells {
		if c.Owner == a && a != ledger.Nobody {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load replaces all records. It is not journaled.
func (r *Registry) Load(cells []Cell) error {
	m := make(map[CellID]*Cell, len(cells))
	for i := range cells {
		c := cells[i]
		coord, err := r.bounds.Decode(c.ID)
		if err != nil {
			return err
		}
		if coord.X != c.X || coord.Y != c.Y {
			return fmt.Errorf("cell %d: coordinate (%d,%d) does not match id", c.ID, c.X, c.Y)
		}
		m[c.ID] = &c
	}
	r.cells = m
	return nil
}
