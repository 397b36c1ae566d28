package protocol

type Op string

// Mutating ops are sequenced and receipted.
const (
	OpDeposit      Op = "DEPOSIT"
	OpWithdraw     Op = "WITHDRAW"
	OpBuyUnowned   Op = "BUY_UNOWNED"
	OpBuy          Op = "BUY"
	OpSetPrice     Op = "SET_PRICE"
	OpSettle       Op = "SETTLE"
	OpBeginAuction Op = "BEGIN_AUCTION"
	OpBid          Op = "BID"
	OpEndAuction   Op = "END_AUCTION"
)

// Read-only ops.
const (
	OpBalance Op = "BALANCE"
	OpCell    Op = "CELL"
	OpAuction Op = "AUCTION"
)

var mutating = map[Op]bool{
	OpDeposit:      true,
	OpWithdraw:     true,
	OpBuyUnowned:   true,
	OpBuy:          true,
	OpSetPrice:     true,
	OpSettle:       true,
	OpBeginAuction: true,
	OpBid:          true,
	OpEndAuction:   true,
}

func (o Op) Mutating() bool { return mutating[o] }

func (o Op) Known() bool {
	switch o {
	case OpBalance, OpCell, OpAuction:
		return true
	}
	return mutating[o]
}

// Command is one client request. Cell-addressed ops read Cells; batch
// variants are the same ops with more than one cell.
type Command struct {
	RequestID string    `json:"request_id,omitempty"`
	Op        Op        `json:"op"`
	Actor     string    `json:"actor,omitempty"`
	Cells     []CellArg `json:"cells,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Sent      uint64    `json:"sent,omitempty"`
}

type CellArg struct {
	X       uint32 `json:"x"`
	Y       uint32 `json:"y"`
	Price   uint64 `json:"price,omitempty"`
	Content []byte `json:"content,omitempty"`
}
