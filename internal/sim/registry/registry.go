// Package registry is the authoritative pixel registry. It composes the
// ledger, the grid and the auction engine behind one journal so that every
// exported operation, single or batched, is all-or-nothing.
//
// A Registry is not safe for concurrent use. Servers own it from a single
// goroutine through Run and talk to it with Submit.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/auction"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/journal"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/tax"
)

var (
	ErrBatchMismatch = errors.New("batch argument lengths differ")
	ErrEmptyBatch    = errors.New("empty batch")
	ErrBusy          = errors.New("registry inbox full")
	ErrStopped       = errors.New("registry stopped")
)

type Config struct {
	ID                     string
	Bounds                 grid.Bounds
	TaxRateBps             uint32
	TaxCollector           ledger.Actor
	AuctionDurationSeconds int64

	// SnapshotEveryOps emits a snapshot to the sink after every N receipts.
	// Zero disables periodic snapshots.
	SnapshotEveryOps uint64

	// Clock returns unix seconds for commands submitted through Run.
	// Nil uses a monotonic clock anchored at construction time.
	Clock func() int64
}

type ReceiptLogger interface {
	WriteReceipt(r Receipt) error
}

type Registry struct {
	cfg Config

	j       *journal.Journal
	ledger  *ledger.Ledger
	grid    *grid.Registry
	auction *auction.Engine

	lastTime int64
	seq      uint64
	chain    string

	// Settlements observed during the command being applied.
	pending []SettlementRecord

	inbox   chan Request
	snapReq chan chan snapshotReply
	stop    chan struct{}

	receiptLogger ReceiptLogger
	snapshotSink  chan<- snapshot.SnapshotV1

	failed  atomic.Uint64
	metrics atomic.Value
}

func New(cfg Config) (*Registry, error) {
	if cfg.ID == "" {
		cfg.ID = "main"
	}
	if cfg.AuctionDurationSeconds == 0 {
		cfg.AuctionDurationSeconds = 24 * 60 * 60
	}
	if cfg.Clock == nil {
		cfg.Clock = monotonicClock()
	}
	j := journal.New()
	l := ledger.New(j)
	g, err := grid.New(cfg.Bounds, tax.Policy{RateBps: cfg.TaxRateBps, Collector: cfg.TaxCollector}, l, j)
	if err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	e, err := auction.NewEngine(g, l, j, cfg.AuctionDurationSeconds)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:     cfg,
		j:       j,
		ledger:  l,
		grid:    g,
		auction: e,
		inbox:   make(chan Request, 1024),
		snapReq: make(chan chan snapshotReply),
		stop:    make(chan struct{}),
	}
	g.OnSettle(r.observeSettlement)
	r.publishMetrics(0)
	return r, nil
}

func monotonicClock() func() int64 {
	start := time.Now()
	base := start.Unix()
	return func() int64 { return base + int64(time.Since(start)/time.Second) }
}

func (r *Registry) ID() string { return r.cfg.ID }

// Params describes the registry to clients. decimals is display-only.
func (r *Registry) Params(decimals int32) protocol.RegistryParams {
	return protocol.RegistryParams{
		XMax:                   r.cfg.Bounds.XMax,
		YMax:                   r.cfg.Bounds.YMax,
		TaxRateBps:             r.cfg.TaxRateBps,
		TaxCollector:           string(r.cfg.TaxCollector),
		AuctionDurationSeconds: r.cfg.AuctionDurationSeconds,
		Decimals:               decimals,
	}
}
func (r *Registry) Config() Config      { return r.cfg }
func (r *Registry) Bounds() grid.Bounds { return r.cfg.Bounds }

// LastTime is the timestamp of the latest successfully applied mutation.
func (r *Registry) LastTime() int64 { return r.lastTime }

func (r *Registry) Seq() uint64   { return r.seq }
func (r *Registry) Chain() string { return r.chain }

func (r *Registry) SetReceiptLogger(l ReceiptLogger)              { r.receiptLogger = l }
func (r *Registry) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { r.snapshotSink = ch }

func (r *Registry) observeSettlement(id grid.CellID, s tax.Settlement) {
	r.pending = append(r.pending, SettlementRecord{Cell: id, Settlement: s})
}

// atomic runs fn under the journal after checking the clock guard. The
// clock only advances when fn succeeds.
func (r *Registry) atomic(now int64, fn func() error) error {
	if now < r.lastTime {
		return fmt.Errorf("%w: %d is before %d", tax.ErrInvalidTimestamp, now, r.lastTime)
	}
	return r.j.Atomic(func() error {
		if err := fn(); err != nil {
			return err
		}
		if now != r.lastTime {
			old := r.lastTime
			r.lastTime = now
			r.j.Record(func() { r.lastTime = old })
		}
		return nil
	})
}

func checkActor(a ledger.Actor) error {
	if a.Reserved() {
		return fmt.Errorf("%w: %q", ledger.ErrReservedActor, a)
	}
	return nil
}
