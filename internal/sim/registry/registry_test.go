package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/auction"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/tax"
)

const (
	unit     = ledger.Amount(1_000_000_000)
	year     = int64(tax.SecondsPerYear)
	day      = int64(24 * 60 * 60)
	start    = int64(1_700_000_000)
	collect  = ledger.Actor("collector")
	alice    = ledger.Actor("alice")
	bob      = ledger.Actor("bob")
	carol    = ledger.Actor("carol")
	gridSide = 1000
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Config{
		ID:           "test",
		Bounds:       grid.Bounds{XMax: gridSide, YMax: gridSide},
		TaxRateBps:   2000,
		TaxCollector: collect,
		Clock:        func() int64 { return start },
	})
	require.NoError(t, err)
	return r
}

func at(x, y uint32) grid.Coord { return grid.Coord{X: x, Y: y} }

func TestSettleTax_OneYearChargesRateOfPrice(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Deposit(alice, unit))
	require.NoError(t, r.PurchaseUnowned(at(0, 0), unit, []byte{0xff, 0, 0}, alice, unit, start))
	require.Equal(t, unit, r.ValueHeld(alice))
	before := r.ValueHeld(collect)

	s, err := r.SettleTax(at(0, 0), start+year)
	require.NoError(t, err)
	require.Equal(t, unit/5, s.Collected)
	require.Equal(t, unit/5, r.ValueHeld(collect)-before)
	require.Equal(t, unit*8/10, r.ValueHeld(alice))

	cell, err := r.AssetByCoordinate(at(0, 0))
	require.NoError(t, err)
	require.Equal(t, start+year, cell.LastSettled)
	require.Equal(t, alice, cell.Owner)
}

func TestSettleTax_CollectorGainIsSumOfShares(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Deposit(alice, 2*unit))
	require.NoError(t, r.Deposit(bob, 2*unit))
	require.NoError(t, r.PurchaseUnowned(at(1, 0), unit, nil, alice, unit, start))
	require.NoError(t, r.PurchaseUnowned(at(2, 0), 2*unit, nil, bob, 2*unit, start))
	before := r.ValueHeld(collect)

	_, err := r.SettleTax(at(1, 0), start+year)
	require.NoError(t, err)
	_, err = r.SettleTax(at(2, 0), start+year)
	require.NoError(t, err)

	require.Equal(t, unit*6/10, r.ValueHeld(collect)-before)
	require.Equal(t, 2*unit-unit/5, r.ValueHeld(alice))
	require.Equal(t, 2*unit-unit*2/5, r.ValueHeld(bob))
}

func TestAuction_ReallocatesExhaustedCell(t *testing.T) {
	r := newRegistry(t)
	c := at(5, 5)
	require.NoError(t, r.PurchaseUnowned(c, unit, nil, alice, unit, start))
	require.False(t, r.HasPositiveBalance(alice))

	// A funded owner is not eligible.
	require.NoError(t, r.Deposit(bob, unit))
	require.NoError(t, r.PurchaseUnowned(at(6, 6), unit, nil, bob, unit, start))
	require.NoError(t, r.Deposit(bob, 1))
	_, err := r.BeginAuction(at(6, 6), start)
	require.ErrorIs(t, err, auction.ErrAuctionNotEligible)

	a, err := r.BeginAuction(c, start)
	require.NoError(t, err)
	require.Equal(t, start+day, a.EndTime)

	_, err = r.PurchaseOwned(c, 9*unit, nil, carol, 9*unit, start+1)
	require.ErrorIs(t, err, grid.ErrAuctionInProgress)

	_, err = r.Bid(c, 2*unit, bob, 2*unit, start+10)
	require.NoError(t, err)
	_, err = r.Bid(c, 2*unit, carol, 2*unit, start+20)
	require.ErrorIs(t, err, auction.ErrBidTooLow)
	_, err = r.Bid(c, 3*unit, carol, 3*unit, start+30)
	require.NoError(t, err)
	require.Equal(t, 3*unit+1, r.ValueHeld(bob), "outbid bidder refunded")
	require.Equal(t, 3*unit, r.ValueHeld(ledger.Escrow))

	_, err = r.EndAuction(c, start+day-1)
	require.ErrorIs(t, err, auction.ErrAuctionStillOpen)
	_, err = r.Bid(c, 4*unit, bob, 0, start+day)
	require.ErrorIs(t, err, auction.ErrAuctionClosed)

	a, err = r.EndAuction(c, start+day)
	require.NoError(t, err)
	require.Equal(t, auction.StatusSettled, a.Status)
	require.Equal(t, carol, a.HighBidder)

	cell, err := r.AssetByCoordinate(c)
	require.NoError(t, err)
	require.Equal(t, carol, cell.Owner)
	require.Equal(t, 3*unit, cell.Price)
	require.Zero(t, cell.AuctionID)
	require.Equal(t, 3*unit, r.ValueHeld(alice))
	require.Zero(t, r.ValueHeld(ledger.Escrow))

	_, err = r.EndAuction(c, start+day+1)
	require.ErrorIs(t, err, auction.ErrNoActiveAuction)
}

func TestPurchaseUnownedBatch_AllOrNothing(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.PurchaseUnowned(at(3, 0), unit, nil, bob, unit, start))
	digest := r.StateDigest()
	supply := r.TotalSupply()

	coords := []grid.Coord{at(1, 0), at(2, 0), at(3, 0)}
	prices := []ledger.Amount{unit, unit, unit}
	err := r.PurchaseUnownedBatch(coords, prices, nil, alice, 3*unit, start+5)
	require.ErrorIs(t, err, grid.ErrAssetAlreadyOwned)

	require.Equal(t, digest, r.StateDigest())
	require.Equal(t, supply, r.TotalSupply())
	require.Zero(t, r.ValueHeld(alice), "sent value reverted with the batch")
	require.Equal(t, start, r.LastTime())
	cell, err := r.AssetByCoordinate(at(1, 0))
	require.NoError(t, err)
	require.False(t, cell.Owned())

	require.NoError(t, r.PurchaseUnownedBatch(coords[:2], prices[:2], nil, alice, 2*unit, start+5))
	require.Len(t, r.OwnedBy(alice), 2)
}

func TestPurchaseOwned_InsufficientPayment(t *testing.T) {
	r := newRegistry(t)
	c := at(4, 4)
	require.NoError(t, r.PurchaseUnowned(c, unit, nil, alice, unit, start))
	digest := r.StateDigest()

	_, err := r.PurchaseOwned(c, 2*unit, nil, bob, unit/2, start+1)
	require.ErrorIs(t, err, grid.ErrInsufficientPayment)

	cell, err := r.AssetByCoordinate(c)
	require.NoError(t, err)
	require.Equal(t, alice, cell.Owner)
	require.Equal(t, unit, cell.Price)
	require.Zero(t, r.ValueHeld(bob), "sent value reverted")
	require.Equal(t, digest, r.StateDigest())
	require.Equal(t, start, r.LastTime())
}

func TestBeginAuction_UnownedCellNotEligible(t *testing.T) {
	r := newRegistry(t)
	_, err := r.BeginAuction(at(7, 7), start)
	require.ErrorIs(t, err, auction.ErrAuctionNotEligible)
	require.ErrorIs(t, err, grid.ErrAssetNotOwned)
	require.Equal(t, protocol.ErrAuctionNotEligible, CodeFor(err))
}

func TestBatchArgumentValidation(t *testing.T) {
	r := newRegistry(t)
	err := r.PurchaseUnownedBatch(nil, nil, nil, alice, 0, start)
	require.ErrorIs(t, err, ErrEmptyBatch)
	err = r.PurchaseUnownedBatch([]grid.Coord{at(0, 0)}, []ledger.Amount{1, 2}, nil, alice, 0, start)
	require.ErrorIs(t, err, ErrBatchMismatch)
	err = r.SetPriceBatch([]grid.Coord{at(0, 0), at(1, 1)}, []ledger.Amount{1}, alice, start)
	require.ErrorIs(t, err, ErrBatchMismatch)
	err = r.PurchaseUnowned(at(gridSide, 0), unit, nil, alice, unit, start)
	require.ErrorIs(t, err, grid.ErrOutOfBounds)
}

func TestPurchaseOwnedBatch_DrawsFromOneAllowance(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.PurchaseUnownedBatch(
		[]grid.Coord{at(0, 0), at(0, 1)},
		[]ledger.Amount{unit, 2 * unit}, nil, bob, 3*unit, start))

	_, err := r.PurchaseOwnedBatch(
		[]grid.Coord{at(0, 0), at(0, 1)},
		[]ledger.Amount{unit, unit}, nil, alice, 2*unit, start)
	require.ErrorIs(t, err, grid.ErrInsufficientPayment)
	require.Zero(t, r.ValueHeld(alice))

	sales, err := r.PurchaseOwnedBatch(
		[]grid.Coord{at(0, 0), at(0, 1)},
		[]ledger.Amount{5 * unit, 5 * unit}, nil, alice, 3*unit, start)
	require.NoError(t, err)
	require.Equal(t, []grid.Sale{{Seller: bob, Price: unit}, {Seller: bob, Price: 2 * unit}}, sales)
	require.Equal(t, 3*unit, r.ValueHeld(bob))
	require.Zero(t, r.ValueHeld(alice))
}

func TestSetPrice_OwnerOnly(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.PurchaseUnowned(at(9, 9), unit, nil, alice, unit, start))
	require.ErrorIs(t, r.SetPrice(at(9, 9), 2*unit, bob, start), grid.ErrNotOwner)
	require.ErrorIs(t, r.SetPrice(at(9, 9), 0, alice, start), grid.ErrInvalidPrice)
	require.ErrorIs(t, r.SetPrice(at(8, 8), unit, alice, start), grid.ErrAssetNotOwned)
	require.NoError(t, r.SetPrice(at(9, 9), 2*unit, alice, start))
	cell, err := r.AssetByCoordinate(at(9, 9))
	require.NoError(t, err)
	require.Equal(t, 2*unit, cell.Price)
}

func TestClockGuard(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.PurchaseUnowned(at(0, 0), unit, nil, alice, unit, start+100))
	_, err := r.SettleTax(at(0, 0), start+99)
	require.ErrorIs(t, err, tax.ErrInvalidTimestamp)
	_, err = r.SettleTax(at(0, 0), start+100)
	require.NoError(t, err)
}

func TestReservedActorsRejected(t *testing.T) {
	r := newRegistry(t)
	require.ErrorIs(t, r.Deposit(ledger.Escrow, unit), ledger.ErrReservedActor)
	require.ErrorIs(t, r.Deposit(ledger.Nobody, unit), ledger.ErrReservedActor)
	require.ErrorIs(t, r.PurchaseUnowned(at(0, 0), unit, nil, ledger.Escrow, unit, start), ledger.ErrReservedActor)
}

func TestWithdraw(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Deposit(alice, 2*unit))
	require.ErrorIs(t, r.Withdraw(alice, 3*unit), ledger.ErrInsufficientBalance)
	require.NoError(t, r.Withdraw(alice, unit))
	require.Equal(t, unit, r.ValueHeld(alice))
	require.Equal(t, unit, r.TotalSupply())
}

func TestApply_ReceiptsAndCodes(t *testing.T) {
	r := newRegistry(t)

	out := r.Apply(protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: uint64(2 * unit)}, start)
	require.NoError(t, out.Err)
	require.NotNil(t, out.Receipt)
	require.Equal(t, uint64(1), out.Receipt.Seq)
	first := out.Receipt.Chain

	out = r.Apply(protocol.Command{
		Op:    protocol.OpBuyUnowned,
		Actor: "alice",
		Cells: []protocol.CellArg{{X: 0, Y: 0, Price: uint64(unit)}},
	}, start)
	require.NoError(t, out.Err)

	out = r.Apply(protocol.Command{
		Op:    protocol.OpBuyUnowned,
		Actor: "bob",
		Sent:  uint64(unit),
		Cells: []protocol.CellArg{{X: 0, Y: 0, Price: uint64(unit)}},
	}, start)
	require.Equal(t, protocol.ErrAssetAlreadyOwned, out.Code)
	require.Equal(t, uint64(3), out.Receipt.Seq)
	require.False(t, out.Receipt.OK())
	require.Zero(t, r.ValueHeld(bob))

	out = r.Apply(protocol.Command{Op: protocol.OpSettle, Cells: []protocol.CellArg{{X: 0, Y: 0}}}, start+year)
	require.NoError(t, out.Err)
	require.Len(t, out.Receipt.Settlements, 1)
	require.Equal(t, unit/5, out.Receipt.Settlements[0].Owed)

	out = r.Apply(protocol.Command{Op: protocol.OpSettle, Cells: []protocol.CellArg{{X: 0, Y: 0}}}, start)
	require.Equal(t, protocol.ErrInvalidTimestamp, out.Code)

	out = r.Apply(protocol.Command{Op: protocol.OpBid, Actor: "bob", Cells: []protocol.CellArg{{X: 0, Y: 0}, {X: 1, Y: 0}}}, start+year)
	require.Equal(t, protocol.ErrBadRequest, out.Code)

	read := r.Apply(protocol.Command{Op: protocol.OpBalance, Actor: "alice"}, 0)
	require.Nil(t, read.Receipt)
	view, ok := read.Data.(BalanceView)
	require.True(t, ok)
	require.Equal(t, unit*8/10, view.Held)
	require.Len(t, view.Cells, 1)

	require.Equal(t, protocol.ErrBadRequest, r.Apply(protocol.Command{Op: "MINT"}, start).Code)
	require.Equal(t, uint64(6), r.Seq())

	// Same command stream, same chain.
	again := newRegistry(t)
	o := again.Apply(protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: uint64(2 * unit)}, start)
	require.Equal(t, first, o.Receipt.Chain)
}

func TestCodeFor(t *testing.T) {
	require.Equal(t, "", CodeFor(nil))
	require.Equal(t, protocol.ErrOutOfBounds, CodeFor(grid.ErrOutOfBounds))
	require.Equal(t, protocol.ErrBidTooLow, CodeFor(batchErr(0, at(0, 0), auction.ErrBidTooLow)))
	require.Equal(t, protocol.ErrInternal, CodeFor(context.Canceled))
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.PurchaseUnowned(at(4, 4), unit, []byte("hi"), alice, unit, start))
	_, err := r.BeginAuction(at(4, 4), start)
	require.NoError(t, err)
	_, err = r.Bid(at(4, 4), 2*unit, bob, 2*unit, start+1)
	require.NoError(t, err)
	r.Apply(protocol.Command{Op: protocol.OpDeposit, Actor: "carol", Amount: 7}, start+2)

	snap := r.ExportSnapshot()
	restored, err := FromSnapshot(snap, nil)
	require.NoError(t, err)
	require.Equal(t, r.StateDigest(), restored.StateDigest())
	require.Equal(t, r.Seq(), restored.Seq())
	require.Equal(t, r.Chain(), restored.Chain())

	cmd := protocol.Command{Op: protocol.OpBid, Actor: "carol", Sent: uint64(3 * unit), Amount: uint64(3 * unit), Cells: []protocol.CellArg{{X: 4, Y: 4}}}
	a := r.Apply(cmd, start+3)
	b := restored.Apply(cmd, start+3)
	require.NoError(t, a.Err)
	require.Equal(t, a.Receipt.Chain, b.Receipt.Chain)
	require.Equal(t, r.StateDigest(), restored.StateDigest())

	snap.Digest = "bogus"
	_, err = FromSnapshot(snap, nil)
	require.Error(t, err)
}

type memReceipts struct{ got []Receipt }

func (m *memReceipts) WriteReceipt(r Receipt) error {
	m.got = append(m.got, r)
	return nil
}

func TestRun_SequencesSubmittedCommands(t *testing.T) {
	r := newRegistry(t)
	logs := &memReceipts{}
	r.SetReceiptLogger(logs)
	r.cfg.SnapshotEveryOps = 2
	snaps := make(chan snapshot.SnapshotV1, 4)
	r.SetSnapshotSink(snaps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	out, err := r.Submit(ctx, protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: uint64(unit)})
	require.NoError(t, err)
	require.NoError(t, out.Err)
	out, err = r.Submit(ctx, protocol.Command{Op: protocol.OpWithdraw, Actor: "alice", Amount: uint64(2 * unit)})
	require.NoError(t, err)
	require.Equal(t, protocol.ErrInsufficientBalance, out.Code)
	out, err = r.Submit(ctx, protocol.Command{Op: protocol.OpBalance, Actor: "alice"})
	require.NoError(t, err)
	require.Nil(t, out.Receipt)

	r.Stop()
	require.NoError(t, <-done)

	require.Len(t, logs.got, 2)
	require.Equal(t, uint64(2), logs.got[1].Seq)
	select {
	case s := <-snaps:
		require.Equal(t, uint64(2), s.Header.Seq)
	default:
		t.Fatalf("expected a snapshot at seq 2")
	}
	m := r.Metrics()
	require.Equal(t, uint64(2), m.Seq)
	require.Equal(t, uint64(1), m.Failed)
	require.Equal(t, 1, m.Actors)

	_, err = r.Submit(ctx, protocol.Command{Op: protocol.OpBalance})
	require.ErrorIs(t, err, ErrStopped)
}

func TestRequestSnapshot(t *testing.T) {
	r := newRegistry(t)
	snaps := make(chan snapshot.SnapshotV1, 1)
	r.SetSnapshotSink(snaps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err := r.Submit(ctx, protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: 7})
	require.NoError(t, err)

	seq, err := r.RequestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	s := <-snaps
	require.Equal(t, uint64(1), s.Header.Seq)

	// Sink still holds one snapshot.
	snaps <- s
	_, err = r.RequestSnapshot(ctx)
	require.ErrorIs(t, err, ErrBusy)

	r.Stop()
	require.NoError(t, <-done)
}
