package registry

import (
	"context"
	"errors"
	"time"

	"radicalpixels.io/internal/protocol"
)

// Request is one command travelling to the registry goroutine.
type Request struct {
	Cmd  protocol.Command
	Resp chan Outcome
}

type Metrics struct {
	Seq          uint64  `json:"seq"`
	Chain        string  `json:"chain"`
	LastTime     int64   `json:"last_time"`
	Actors       int     `json:"actors"`
	OwnedCells   int     `json:"owned_cells"`
	OpenAuctions int     `json:"open_auctions"`
	TotalSupply  uint64  `json:"total_supply"`
	Failed       uint64  `json:"failed_total"`
	InboxDepth   int     `json:"inbox_depth"`
	ApplyMS      float64 `json:"apply_ms"`
}

// Run applies submitted commands one at a time, in arrival order, until ctx
// is done or Stop is called. Commands are stamped with the registry clock,
// clamped so time never runs backwards across a resume.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.inbox:
			r.handle(req)
		case resp := <-r.snapReq:
			resp <- r.emitSnapshot()
		}
	}
}

func (r *Registry) handle(req Request) {
	now := r.cfg.Clock()
	if now < r.lastTime {
		now = r.lastTime
	}
	start := time.Now()
	out := r.Apply(req.Cmd, now)
	elapsed := time.Since(start)

	if out.Receipt != nil {
		if r.receiptLogger != nil {
			_ = r.receiptLogger.WriteReceipt(*out.Receipt)
		}
		if every := r.cfg.SnapshotEveryOps; every > 0 && r.snapshotSink != nil && r.seq%every == 0 {
			select {
			case r.snapshotSink <- r.ExportSnapshot():
			default:
				// Writer is behind; the next cadence point will catch up.
			}
		}
	}
	r.publishMetrics(elapsed)

	if req.Resp != nil {
		select {
		case req.Resp <- out:
		default:
		}
	}
}

func (r *Registry) Stop() { close(r.stop) }

type snapshotReply struct {
	seq uint64
	err error
}

func (r *Registry) emitSnapshot() snapshotReply {
	if r.snapshotSink == nil {
		return snapshotReply{seq: r.seq, err: errors.New("no snapshot sink")}
	}
	select {
	case r.snapshotSink <- r.ExportSnapshot():
		return snapshotReply{seq: r.seq}
	default:
		return snapshotReply{seq: r.seq, err: ErrBusy}
	}
}

// RequestSnapshot asks the registry goroutine to push a snapshot of the
// current state to the sink. It returns the snapshot's seq.
func (r *Registry) RequestSnapshot(ctx context.Context) (uint64, error) {
	resp := make(chan snapshotReply, 1)
	select {
	case r.snapReq <- resp:
	case <-r.stop:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case rep := <-resp:
		return rep.seq, rep.err
	case <-r.stop:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Submit hands cmd to the registry goroutine and waits for its outcome.
// It fails fast with ErrBusy when the inbox is full.
func (r *Registry) Submit(ctx context.Context, cmd protocol.Command) (Outcome, error) {
	req := Request{Cmd: cmd, Resp: make(chan Outcome, 1)}
	select {
	case r.inbox <- req:
	case <-r.stop:
		return Outcome{}, ErrStopped
	default:
		return Outcome{}, ErrBusy
	}
	select {
	case out := <-req.Resp:
		return out, nil
	case <-r.stop:
		return Outcome{}, ErrStopped
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (r *Registry) InboxDepth() int { return len(r.inbox) }

func (r *Registry) publishMetrics(apply time.Duration) {
	m := Metrics{
		Seq:         r.seq,
		Chain:       r.chain,
		LastTime:    r.lastTime,
		TotalSupply: uint64(r.ledger.Total()),
		Failed:      r.failed.Load(),
		InboxDepth:  len(r.inbox),
		ApplyMS:     float64(apply.Microseconds()) / 1000,
	}
	m.Actors = r.ledger.Accounts()
	_, m.OwnedCells = r.grid.Counts()
	m.OpenAuctions = r.auction.OpenCount()
	r.metrics.Store(m)
}

// Metrics is safe to call from any goroutine.
func (r *Registry) Metrics() Metrics {
	if r == nil {
		return Metrics{}
	}
	m, _ := r.metrics.Load().(Metrics)
	return m
}
