package indexdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/sim/tuning"
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS config (
		name TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		json JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		registry_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		time BIGINT NOT NULL,
		op TEXT NOT NULL,
		actor TEXT NOT NULL,
		cells INTEGER NOT NULL,
		x BIGINT,
		y BIGINT,
		code TEXT NOT NULL,
		chain TEXT NOT NULL,
		raw_json JSONB NOT NULL,
		PRIMARY KEY (registry_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_actor_seq ON receipts(registry_id, actor, seq)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		registry_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		idx INTEGER NOT NULL,
		cell BIGINT NOT NULL,
		owner TEXT NOT NULL,
		elapsed BIGINT NOT NULL,
		owed NUMERIC(20,0) NOT NULL,
		collected NUMERIC(20,0) NOT NULL,
		exhausted BOOLEAN NOT NULL,
		settled_at BIGINT NOT NULL,
		PRIMARY KEY (registry_id, seq, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		registry_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		time BIGINT NOT NULL,
		path TEXT NOT NULL,
		digest TEXT NOT NULL,
		balances INTEGER NOT NULL,
		cells INTEGER NOT NULL,
		auctions INTEGER NOT NULL,
		PRIMARY KEY (registry_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS state_cells (
		registry_id TEXT NOT NULL,
		cell BIGINT NOT NULL,
		x BIGINT NOT NULL,
		y BIGINT NOT NULL,
		owner TEXT NOT NULL,
		price NUMERIC(20,0) NOT NULL,
		last_settled BIGINT NOT NULL,
		auction_id BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		PRIMARY KEY (registry_id, cell)
	)`,
	`CREATE TABLE IF NOT EXISTS state_balances (
		registry_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		held NUMERIC(20,0) NOT NULL,
		seq BIGINT NOT NULL,
		PRIMARY KEY (registry_id, actor)
	)`,
	`CREATE TABLE IF NOT EXISTS state_auctions (
		registry_id TEXT NOT NULL,
		cell BIGINT NOT NULL,
		id BIGINT NOT NULL,
		former_owner TEXT NOT NULL,
		high_bidder TEXT NOT NULL,
		high_bid NUMERIC(20,0) NOT NULL,
		bids INTEGER NOT NULL,
		start_time BIGINT NOT NULL,
		end_time BIGINT NOT NULL,
		status TEXT NOT NULL,
		seq BIGINT NOT NULL,
		PRIMARY KEY (registry_id, id)
	)`,
}

type PostgresConfig struct {
	DB            tuning.DBConfig
	RegistryID    string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Logger
}

// PostgresIndex mirrors SQLiteIndex on a shared Postgres server. Rows are
// keyed by registry id so several registries can share one database.
type PostgresIndex struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *log.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropReceipt       atomic.Uint64
	dropSnapshot      atomic.Uint64
	dropSnapshotState atomic.Uint64
	writeFail         atomic.Uint64
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresIndex, error) {
	if cfg.RegistryID == "" {
		return nil, fmt.Errorf("registry id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg.DB))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.DB.MinConns)
	poolCfg.MaxConns = int32(cfg.DB.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	p := &PostgresIndex{
		pool:   pool,
		cfg:    cfg,
		logger: cfg.Logger,
		ch:     make(chan req, 65536),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return p, nil
}

func (p *PostgresIndex) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		p.pool.Close()
	})
	return nil
}

func (p *PostgresIndex) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:             len(p.ch),
		QueueCapacity:          cap(p.ch),
		DropReceiptTotal:       p.dropReceipt.Load(),
		DropSnapshotTotal:      p.dropSnapshot.Load(),
		DropSnapshotStateTotal: p.dropSnapshotState.Load(),
		WriteFailTotal:         p.writeFail.Load(),
	}
}

func (p *PostgresIndex) WriteReceipt(rc registry.Receipt) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	select {
	case p.ch <- req{kind: reqReceipt, receipt: rc}:
	default:
		p.dropReceipt.Add(1)
	}
	return nil
}

func (p *PostgresIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if p == nil || p.closed.Load() {
		return
	}
	select {
	case p.ch <- req{kind: reqSnapshot, snapshot: snapshotRowFor(path, snap)}:
	default:
		p.dropSnapshot.Add(1)
	}
}

func (p *PostgresIndex) RecordSnapshotState(snap snapshot.SnapshotV1) {
	if p == nil || p.closed.Load() {
		return
	}
	select {
	case p.ch <- req{kind: reqSnapshotState, state: snap}:
	default:
		p.dropSnapshotState.Add(1)
	}
}

func (p *PostgresIndex) UpsertConfig(tune tuning.Tuning) error {
	if p == nil {
		return nil
	}
	digest, raw := configRow(tune)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO config (name, digest, json, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (name) DO UPDATE SET digest = EXCLUDED.digest, json = EXCLUDED.json, updated_at = EXCLUDED.updated_at
	`, "tuning:"+p.cfg.RegistryID, digest, string(raw))
	return err
}

func (p *PostgresIndex) loop() {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := &pgx.Batch{}
	flush := func() {
		if batch.Len() == 0 {
			return
		}
		if err := p.send(batch); err != nil {
			p.writeFail.Add(1)
			p.logger.Printf("index postgres: flush %d statements: %v", batch.Len(), err)
		}
		batch = &pgx.Batch{}
	}

	for {
		select {
		case r, ok := <-p.ch:
			if !ok {
				flush()
				return
			}
			switch r.kind {
			case reqReceipt:
				p.queueReceipt(batch, r.receipt)
			case reqSnapshot:
				p.queueSnapshot(batch, r.snapshot)
			case reqSnapshotState:
				p.queueState(batch, r.state)
			}
			if batch.Len() >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// send applies a batch in one transaction.
func (p *PostgresIndex) send(b *pgx.Batch) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresIndex) queueReceipt(b *pgx.Batch, rc registry.Receipt) {
	id := p.cfg.RegistryID
	raw, _ := json.Marshal(rc)
	x, y := firstCell(rc)
	b.Queue(`
		INSERT INTO receipts (registry_id, seq, time, op, actor, cells, x, y, code, chain, raw_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
		ON CONFLICT (registry_id, seq) DO NOTHING
	`, id, int64(rc.Seq), rc.Time, string(rc.Command.Op), rc.Command.Actor, len(rc.Command.Cells), x, y, rc.Code, rc.Chain, string(raw))
	for i, st := range rc.Settlements {
		b.Queue(`
			INSERT INTO settlements (registry_id, seq, idx, cell, owner, elapsed, owed, collected, exhausted, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8::text::numeric, $9, $10)
			ON CONFLICT (registry_id, seq, idx) DO NOTHING
		`, id, int64(rc.Seq), i, int64(st.Cell), string(st.Owner), st.Elapsed, pgAmount(uint64(st.Owed)), pgAmount(uint64(st.Collected)), st.Exhausted, st.SettledAt)
	}
}

func (p *PostgresIndex) queueSnapshot(b *pgx.Batch, sn snapshotRow) {
	b.Queue(`
		INSERT INTO snapshots (registry_id, seq, time, path, digest, balances, cells, auctions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (registry_id, seq) DO UPDATE SET path = EXCLUDED.path, digest = EXCLUDED.digest
	`, p.cfg.RegistryID, int64(sn.Seq), sn.Time, sn.Path, sn.Digest, sn.Balances, sn.Cells, sn.Auctions)
}

func (p *PostgresIndex) queueState(b *pgx.Batch, snap snapshot.SnapshotV1) {
	id := p.cfg.RegistryID
	seq := int64(snap.Header.Seq)
	b.Queue(`DELETE FROM state_cells WHERE registry_id = $1`, id)
	b.Queue(`DELETE FROM state_balances WHERE registry_id = $1`, id)
	b.Queue(`DELETE FROM state_auctions WHERE registry_id = $1`, id)
	for _, c := range snap.Cells {
		b.Queue(`
			INSERT INTO state_cells (registry_id, cell, x, y, owner, price, last_settled, auction_id, seq)
			VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9)
		`, id, int64(c.ID), int64(c.X), int64(c.Y), c.Owner, pgAmount(c.Price), c.LastSettled, int64(c.AuctionID), seq)
	}
	for _, bal := range snap.Balances {
		b.Queue(`
			INSERT INTO state_balances (registry_id, actor, held, seq)
			VALUES ($1, $2, $3::text::numeric, $4)
		`, id, bal.Actor, pgAmount(bal.Held), seq)
	}
	for _, a := range snap.Auctions {
		b.Queue(`
			INSERT INTO state_auctions (registry_id, cell, id, former_owner, high_bidder, high_bid, bids, start_time, end_time, status, seq)
			VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11)
		`, id, int64(a.Cell), int64(a.ID), a.FormerOwner, a.HighBidder, pgAmount(a.HighBid), a.Bids, a.StartTime, a.EndTime, a.Status, seq)
	}
}
