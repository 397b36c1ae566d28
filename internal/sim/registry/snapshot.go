package registry

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/auction"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/ledger"
)

func (r *Registry) ExportSnapshot() snapshot.SnapshotV1 {
	s := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:    snapshot.Version,
			RegistryID: r.cfg.ID,
			Seq:        r.seq,
			Time:       r.lastTime,
		},
		XMax:                   r.cfg.Bounds.XMax,
		YMax:                   r.cfg.Bounds.YMax,
		TaxRateBps:             r.cfg.TaxRateBps,
		TaxCollector:           string(r.cfg.TaxCollector),
		AuctionDurationSeconds: r.cfg.AuctionDurationSeconds,
		SnapshotEveryOps:       r.cfg.SnapshotEveryOps,
		LastTime:               r.lastTime,
		Chain:                  r.chain,
		NextAuctionID:          r.auction.NextID(),
		Digest:                 r.StateDigest(),
	}
	for _, b := range r.ledger.Balances() {
		s.Balances = append(s.Balances, snapshot.BalanceV1{Actor: string(b.Actor), Held: uint64(b.ValueHeld)})
	}
	for _, c := range r.grid.Cells() {
		s.Cells = append(s.Cells, snapshot.CellV1{
			ID:          uint64(c.ID),
			X:           c.X,
			Y:           c.Y,
			Owner:       string(c.Owner),
			Price:       uint64(c.Price),
			Content:     c.Content,
			LastSettled: c.LastSettled,
			AuctionID:   c.AuctionID,
		})
	}
	for _, a := range r.auction.Auctions() {
		s.Auctions = append(s.Auctions, auctionV1(a))
	}
	for _, a := range r.auction.Archived() {
		s.Archived = append(s.Archived, auctionV1(a))
	}
	return s
}

// FromSnapshot rebuilds a registry from s. clock may be nil.
func FromSnapshot(s snapshot.SnapshotV1, clock func() int64) (*Registry, error) {
	if s.Header.Version != snapshot.Version {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Header.Version)
	}
	r, err := New(Config{
		ID:                     s.Header.RegistryID,
		Bounds:                 grid.Bounds{XMax: s.XMax, YMax: s.YMax},
		TaxRateBps:             s.TaxRateBps,
		TaxCollector:           ledger.Actor(s.TaxCollector),
		AuctionDurationSeconds: s.AuctionDurationSeconds,
		SnapshotEveryOps:       s.SnapshotEveryOps,
		Clock:                  clock,
	})
	if err != nil {
		return nil, err
	}
	if err := r.ImportSnapshot(s); err != nil {
		return nil, err
	}
	return r, nil
}

// ImportSnapshot replaces all state with s and verifies its digest.
func (r *Registry) ImportSnapshot(s snapshot.SnapshotV1) error {
	if s.XMax != r.cfg.Bounds.XMax || s.YMax != r.cfg.Bounds.YMax {
		return fmt.Errorf("snapshot bounds %dx%d do not match registry %dx%d", s.XMax, s.YMax, r.cfg.Bounds.XMax, r.cfg.Bounds.YMax)
	}
	balances := make([]ledger.Balance, 0, len(s.Balances))
	for _, b := range s.Balances {
		balances = append(balances, ledger.Balance{Actor: ledger.Actor(b.Actor), ValueHeld: ledger.Amount(b.Held)})
	}
	cells := make([]grid.Cell, 0, len(s.Cells))
	for _, c := range s.Cells {
		cells = append(cells, grid.Cell{
			ID:          grid.CellID(c.ID),
			X:           c.X,
			Y:           c.Y,
			Owner:       ledger.Actor(c.Owner),
			Price:       ledger.Amount(c.Price),
			Content:     c.Content,
			LastSettled: c.LastSettled,
			AuctionID:   c.AuctionID,
		})
	}
	latest := make([]auction.Auction, 0, len(s.Auctions))
	for _, a := range s.Auctions {
		latest = append(latest, fromAuctionV1(a))
	}
	archived := make([]auction.Auction, 0, len(s.Archived))
	for _, a := range s.Archived {
		archived = append(archived, fromAuctionV1(a))
	}

	if err := r.ledger.Load(balances); err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	if err := r.grid.Load(cells); err != nil {
		return fmt.Errorf("cells: %w", err)
	}
	if err := r.auction.Load(latest, archived, s.NextAuctionID); err != nil {
		return fmt.Errorf("auctions: %w", err)
	}
	r.lastTime = s.LastTime
	r.seq = s.Header.Seq
	r.chain = s.Chain
	if s.Digest != "" {
		if got := r.StateDigest(); got != s.Digest {
			return fmt.Errorf("snapshot digest mismatch: have %s, want %s", got, s.Digest)
		}
	}
	r.publishMetrics(0)
	return nil
}

// StateDigest hashes balances, cells, auctions and the clock in a fixed
// order. Two registries with equal digests hold equal state.
func (r *Registry) StateDigest() string {
	h := blake3.New(32, nil)
	var buf [8]byte
	u64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	str := func(s string) {
		u64(uint64(len(s)))
		h.Write([]byte(s))
	}

	u64(uint64(r.lastTime))
	balances := r.ledger.Balances()
	u64(uint64(len(balances)))
	for _, b := range balances {
		str(string(b.Actor))
		u64(uint64(b.ValueHeld))
	}
	cells := r.grid.Cells()
	u64(uint64(len(cells)))
	for _, c := range cells {
		u64(uint64(c.ID))
		str(string(c.Owner))
		u64(uint64(c.Price))
		str(string(c.Content))
		u64(uint64(c.LastSettled))
		u64(c.AuctionID)
	}
	digestAuctions := func(as []auction.Auction) {
		u64(uint64(len(as)))
		for _, a := range as {
			u64(a.ID)
			u64(uint64(a.Cell))
			str(string(a.FormerOwner))
			str(string(a.HighBidder))
			u64(uint64(a.HighBid))
			u64(uint64(a.Bids))
			u64(uint64(a.StartTime))
			u64(uint64(a.EndTime))
			str(string(a.Status))
			u64(uint64(a.SettledAt))
		}
	}
	digestAuctions(r.auction.Auctions())
	digestAuctions(r.auction.Archived())
	u64(r.auction.NextID())
	return hex.EncodeToString(h.Sum(nil))
}

func auctionV1(a auction.Auction) snapshot.AuctionV1 {
	return snapshot.AuctionV1{
		ID:          a.ID,
		Cell:        uint64(a.Cell),
		FormerOwner: string(a.FormerOwner),
		HighBidder:  string(a.HighBidder),
		HighBid:     uint64(a.HighBid),
		Bids:        a.Bids,
		StartTime:   a.StartTime,
		EndTime:     a.EndTime,
		Status:      string(a.Status),
		SettledAt:   a.SettledAt,
	}
}

func fromAuctionV1(a snapshot.AuctionV1) auction.Auction {
	return auction.Auction{
		ID:          a.ID,
		Cell:        grid.CellID(a.Cell),
		FormerOwner: ledger.Actor(a.FormerOwner),
		HighBidder:  ledger.Actor(a.HighBidder),
		HighBid:     ledger.Amount(a.HighBid),
		Bids:        a.Bids,
		StartTime:   a.StartTime,
		EndTime:     a.EndTime,
		Status:      auction.Status(a.Status),
		SettledAt:   a.SettledAt,
	}
}
