package registry

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/auction"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/tax"
)

type SettlementRecord struct {
	Cell grid.CellID `json:"cell"`
	tax.Settlement
}

// Receipt records one sequenced mutating command, including failures, so a
// receipt log can be replayed to the same state and the same codes.
type Receipt struct {
	Seq         uint64             `json:"seq"`
	Time        int64              `json:"time"`
	Command     protocol.Command   `json:"command"`
	Code        string             `json:"code,omitempty"`
	Error       string             `json:"error,omitempty"`
	Settlements []SettlementRecord `json:"settlements,omitempty"`
	Chain       string             `json:"chain"`
}

func (r Receipt) OK() bool { return r.Code == "" }

// Outcome is the result of applying a command. Receipt is nil for reads.
type Outcome struct {
	Receipt *Receipt
	Code    string
	Err     error
	Data    any
}

// Result renders o as a RESULT message. Data that fails to encode is
// dropped rather than failing the reply.
func (o Outcome) Result(requestID string) protocol.ResultMsg {
	msg := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		RequestID:       requestID,
		OK:              o.Code == "",
		Code:            o.Code,
	}
	if o.Receipt != nil {
		msg.Seq = o.Receipt.Seq
	}
	if o.Err != nil {
		msg.Message = o.Err.Error()
	}
	if o.Data != nil {
		if b, err := json.Marshal(o.Data); err == nil {
			msg.Data = b
		}
	}
	return msg
}

type BalanceView struct {
	Actor    ledger.Actor  `json:"actor"`
	Held     ledger.Amount `json:"value_held"`
	Positive bool          `json:"has_positive_balance"`
	Cells    []grid.Cell   `json:"cells,omitempty"`
}

type AuctionView struct {
	Found   bool             `json:"found"`
	Auction *auction.Auction `json:"auction,omitempty"`
}

// Apply executes one wire command at time now. Mutating commands are
// sequenced and receipted whether they succeed or not.
func (r *Registry) Apply(cmd protocol.Command, now int64) Outcome {
	if !cmd.Op.Known() {
		err := fmt.Errorf("unknown op %q", cmd.Op)
		return Outcome{Code: protocol.ErrBadRequest, Err: err}
	}
	if !cmd.Op.Mutating() {
		data, err := r.query(cmd)
		return Outcome{Code: CodeFor(err), Err: err, Data: data}
	}

	r.pending = r.pending[:0]
	data, err := r.mutate(cmd, now)

	rc := Receipt{
		Seq:     r.seq + 1,
		Time:    now,
		Command: cmd,
		Code:    CodeFor(err),
	}
	if err != nil {
		rc.Error = err.Error()
		r.failed.Add(1)
	} else if len(r.pending) > 0 {
		rc.Settlements = append([]SettlementRecord(nil), r.pending...)
	}
	r.pending = r.pending[:0]
	rc.Chain = ChainNext(r.chain, rc)
	r.seq = rc.Seq
	r.chain = rc.Chain
	return Outcome{Receipt: &rc, Code: rc.Code, Err: err, Data: data}
}

func (r *Registry) mutate(cmd protocol.Command, now int64) (any, error) {
	actor := ledger.Actor(cmd.Actor)
	amount := ledger.Amount(cmd.Amount)
	sent := ledger.Amount(cmd.Sent)

	switch cmd.Op {
	case protocol.OpDeposit, protocol.OpWithdraw:
		var data BalanceView
		err := r.atomic(now, func() error {
			var err error
			if cmd.Op == protocol.OpDeposit {
				err = r.Deposit(actor, amount)
			} else {
				err = r.Withdraw(actor, amount)
			}
			data = r.balanceView(actor, false)
			return err
		})
		return data, err

	case protocol.OpBuyUnowned:
		coords, prices, contents := splitCells(cmd.Cells)
		return nil, r.PurchaseUnownedBatch(coords, prices, contents, actor, sent, now)

	case protocol.OpBuy:
		coords, prices, contents := splitCells(cmd.Cells)
		return r.PurchaseOwnedBatch(coords, prices, contents, actor, sent, now)

	case protocol.OpSetPrice:
		coords, prices, _ := splitCells(cmd.Cells)
		return nil, r.SetPriceBatch(coords, prices, actor, now)
	}

	// The remaining ops address exactly one cell.
	c, err := singleCell(cmd.Cells)
	if err != nil {
		return nil, err
	}
	switch cmd.Op {
	case protocol.OpSettle:
		return r.SettleTax(c, now)
	case protocol.OpBeginAuction:
		return r.BeginAuction(c, now)
	case protocol.OpBid:
		return r.Bid(c, amount, actor, sent, now)
	case protocol.OpEndAuction:
		return r.EndAuction(c, now)
	}
	return nil, fmt.Errorf("%w: op %q", errBadRequest, cmd.Op)
}

func (r *Registry) query(cmd protocol.Command) (any, error) {
	switch cmd.Op {
	case protocol.OpBalance:
		return r.balanceView(ledger.Actor(cmd.Actor), true), nil
	case protocol.OpCell:
		c, err := singleCell(cmd.Cells)
		if err != nil {
			return nil, err
		}
		return r.AssetByCoordinate(c)
	case protocol.OpAuction:
		c, err := singleCell(cmd.Cells)
		if err != nil {
			return nil, err
		}
		a, ok, err := r.AuctionByCoordinate(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return AuctionView{}, nil
		}
		return AuctionView{Found: true, Auction: &a}, nil
	}
	return nil, fmt.Errorf("%w: op %q", errBadRequest, cmd.Op)
}

func (r *Registry) balanceView(a ledger.Actor, withCells bool) BalanceView {
	v := BalanceView{Actor: a, Held: r.ledger.ValueHeld(a), Positive: r.ledger.HasPositiveBalance(a)}
	if withCells {
		v.Cells = r.grid.OwnedBy(a)
	}
	return v
}

var errBadRequest = errors.New("bad request")

func splitCells(cells []protocol.CellArg) ([]grid.Coord, []ledger.Amount, [][]byte) {
	coords := make([]grid.Coord, len(cells))
	prices := make([]ledger.Amount, len(cells))
	contents := make([][]byte, len(cells))
	for i, c := range cells {
		coords[i] = grid.Coord{X: c.X, Y: c.Y}
		prices[i] = ledger.Amount(c.Price)
		contents[i] = c.Content
	}
	return coords, prices, contents
}

func singleCell(cells []protocol.CellArg) (grid.Coord, error) {
	if len(cells) != 1 {
		return grid.Coord{}, fmt.Errorf("%w: want exactly one cell, got %d", errBadRequest, len(cells))
	}
	return grid.Coord{X: cells[0].X, Y: cells[0].Y}, nil
}

// CodeFor maps a registry error to its wire code. nil maps to "".
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range codeTable {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return protocol.ErrInternal
}

// codeTable is matched in order; wrapped errors take the first code that fits.
var codeTable = []struct {
	err  error
	code string
}{
	{auction.ErrAuctionNotEligible, protocol.ErrAuctionNotEligible},
	{grid.ErrOutOfBounds, protocol.ErrOutOfBounds},
	{grid.ErrAssetAlreadyOwned, protocol.ErrAssetAlreadyOwned},
	{grid.ErrAssetNotOwned, protocol.ErrAssetNotOwned},
	{grid.ErrNotOwner, protocol.ErrNotOwner},
	{grid.ErrInsufficientPayment, protocol.ErrInsufficientPayment},
	{grid.ErrInvalidPrice, protocol.ErrInvalidPrice},
	{grid.ErrAuctionInProgress, protocol.ErrAuctionInProgress},
	{ledger.ErrInsufficientBalance, protocol.ErrInsufficientBalance},
	{ledger.ErrSupplyOverflow, protocol.ErrSupplyOverflow},
	{ledger.ErrReservedActor, protocol.ErrBadRequest},
	{tax.ErrInvalidTimestamp, protocol.ErrInvalidTimestamp},
	{auction.ErrAuctionClosed, protocol.ErrAuctionClosed},
	{auction.ErrAuctionStillOpen, protocol.ErrAuctionStillOpen},
	{auction.ErrBidTooLow, protocol.ErrBidTooLow},
	{auction.ErrNoActiveAuction, protocol.ErrNoActiveAuction},
	{ErrBatchMismatch, protocol.ErrBadRequest},
	{ErrEmptyBatch, protocol.ErrBadRequest},
	{errBadRequest, protocol.ErrBadRequest},
	{ErrBusy, protocol.ErrBusy},
}

// ChainNext links rc to the previous chain value. rc.Chain is ignored.
func ChainNext(prev string, rc Receipt) string {
	rc.Chain = ""
	body, _ := json.Marshal(rc)
	h := blake3.New(32, nil)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(prev)))
	h.Write(n[:])
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
