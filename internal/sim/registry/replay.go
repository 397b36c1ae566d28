package registry

import (
	"errors"
	"fmt"
)

var ErrReplayDiverged = errors.New("replay diverged")

// Replay re-applies a logged receipt and checks that it reproduces the same
// code and chain. Receipts at or below the current seq are skipped.
func (r *Registry) Replay(rc Receipt) (applied bool, err error) {
	if rc.Seq <= r.seq {
		return false, nil
	}
	if rc.Seq != r.seq+1 {
		return false, fmt.Errorf("%w: gap at seq %d, have %d", ErrReplayDiverged, rc.Seq, r.seq)
	}
	out := r.Apply(rc.Command, rc.Time)
	if out.Receipt == nil {
		return true, fmt.Errorf("%w: seq %d op %q is not sequenced", ErrReplayDiverged, rc.Seq, rc.Command.Op)
	}
	if out.Code != rc.Code {
		return true, fmt.Errorf("%w: seq %d code %q, logged %q", ErrReplayDiverged, rc.Seq, out.Code, rc.Code)
	}
	if out.Receipt.Chain != rc.Chain {
		return true, fmt.Errorf("%w: seq %d chain %s, logged %s", ErrReplayDiverged, rc.Seq, out.Receipt.Chain, rc.Chain)
	}
	return true, nil
}
