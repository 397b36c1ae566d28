package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropReceipt       atomic.Uint64
	dropSnapshot      atomic.Uint64
	dropSnapshotState atomic.Uint64
	writeFail         atomic.Uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// DB exposes the handle for read-only inspection.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Amount columns carry no declared type so sqliteAmount's text fallback is
// stored as-is instead of being coerced to REAL.
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS receipts (
			seq INTEGER PRIMARY KEY,
			time INTEGER NOT NULL,
			op TEXT NOT NULL,
			actor TEXT NOT NULL,
			cells INTEGER NOT NULL,
			x INTEGER,
			y INTEGER,
			code TEXT NOT NULL,
			chain TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_actor_seq ON receipts(actor, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_pos_seq ON receipts(x, y, seq);`,
		`CREATE TABLE IF NOT EXISTS settlements (
			seq INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			cell INTEGER NOT NULL,
			owner TEXT NOT NULL,
			elapsed INTEGER NOT NULL,
			owed NOT NULL,
			collected NOT NULL,
			exhausted INTEGER NOT NULL,
			settled_at INTEGER NOT NULL,
			PRIMARY KEY (seq, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_owner_seq ON settlements(owner, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY,
			time INTEGER NOT NULL,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			balances INTEGER NOT NULL,
			cells INTEGER NOT NULL,
			auctions INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_balances (
			actor TEXT PRIMARY KEY,
			held NOT NULL,
			seq INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_cells (
			cell INTEGER PRIMARY KEY,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			owner TEXT NOT NULL,
			price NOT NULL,
			last_settled INTEGER NOT NULL,
			auction_id INTEGER NOT NULL,
			seq INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_state_cells_owner ON state_cells(owner);`,
		`CREATE TABLE IF NOT EXISTS state_auctions (
			cell INTEGER PRIMARY KEY,
			id INTEGER NOT NULL,
			former_owner TEXT NOT NULL,
			high_bidder TEXT NOT NULL,
			high_bid NOT NULL,
			bids INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			status TEXT NOT NULL,
			seq INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:             len(s.ch),
		QueueCapacity:          cap(s.ch),
		DropReceiptTotal:       s.dropReceipt.Load(),
		DropSnapshotTotal:      s.dropSnapshot.Load(),
		DropSnapshotStateTotal: s.dropSnapshotState.Load(),
		WriteFailTotal:         s.writeFail.Load(),
	}
}

func (s *SQLiteIndex) WriteReceipt(rc registry.Receipt) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqReceipt, receipt: rc}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropReceipt.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: snapshotRowFor(path, snap)}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// RecordSnapshotState replaces the state_* tables with the contents of snap.
func (s *SQLiteIndex) RecordSnapshotState(snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshotState, state: snap}:
	default:
		s.dropSnapshotState.Add(1)
	}
}

func (s *SQLiteIndex) UpsertConfig(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	digest, raw := configRow(tune)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`, "tuning", digest, string(raw), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			s.writeFail.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeFail.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		var (
			n   int
			err error
		)
		switch r.kind {
		case reqReceipt:
			n, err = sqliteWriteReceipt(tx, r.receipt)
		case reqSnapshot:
			n, err = sqliteWriteSnapshot(tx, r.snapshot)
		case reqSnapshotState:
			n, err = sqliteWriteState(tx, r.state)
		}
		if err != nil {
			rollback()
			continue
		}
		opCount += n
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

func sqliteWriteReceipt(tx *sql.Tx, rc registry.Receipt) (int, error) {
	raw, _ := json.Marshal(rc)
	x, y := firstCell(rc)
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO receipts(seq,time,op,actor,cells,x,y,code,chain,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		int64(rc.Seq), rc.Time, string(rc.Command.Op), rc.Command.Actor, len(rc.Command.Cells), x, y, rc.Code, rc.Chain, string(raw),
	); err != nil {
		return 0, err
	}
	n := 1
	for i, st := range rc.Settlements {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO settlements(seq,idx,cell,owner,elapsed,owed,collected,exhausted,settled_at) VALUES(?,?,?,?,?,?,?,?,?)`,
			int64(rc.Seq), i, int64(st.Cell), string(st.Owner), st.Elapsed,
			sqliteAmount(uint64(st.Owed)), sqliteAmount(uint64(st.Collected)), st.Exhausted, st.SettledAt,
		); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sqliteWriteSnapshot(tx *sql.Tx, sn snapshotRow) (int, error) {
	_, err := tx.Exec(
		`INSERT OR REPLACE INTO snapshots(seq,time,path,digest,balances,cells,auctions) VALUES(?,?,?,?,?,?,?)`,
		int64(sn.Seq), sn.Time, sn.Path, sn.Digest, sn.Balances, sn.Cells, sn.Auctions,
	)
	return 1, err
}

func sqliteWriteState(tx *sql.Tx, snap snapshot.SnapshotV1) (int, error) {
	seq := int64(snap.Header.Seq)
	for _, q := range []string{`DELETE FROM state_balances`, `DELETE FROM state_cells`, `DELETE FROM state_auctions`} {
		if _, err := tx.Exec(q); err != nil {
			return 0, err
		}
	}
	n := 3
	for _, b := range snap.Balances {
		if _, err := tx.Exec(`INSERT INTO state_balances(actor,held,seq) VALUES(?,?,?)`, b.Actor, sqliteAmount(b.Held), seq); err != nil {
			return n, err
		}
		n++
	}
	for _, c := range snap.Cells {
		if _, err := tx.Exec(
			`INSERT INTO state_cells(cell,x,y,owner,price,last_settled,auction_id,seq) VALUES(?,?,?,?,?,?,?,?)`,
			int64(c.ID), c.X, c.Y, c.Owner, sqliteAmount(c.Price), c.LastSettled, int64(c.AuctionID), seq,
		); err != nil {
			return n, err
		}
		n++
	}
	for _, a := range snap.Auctions {
		if _, err := tx.Exec(
			`INSERT INTO state_auctions(cell,id,former_owner,high_bidder,high_bid,bids,start_time,end_time,status,seq) VALUES(?,?,?,?,?,?,?,?,?,?)`,
			int64(a.Cell), int64(a.ID), a.FormerOwner, a.HighBidder, sqliteAmount(a.HighBid), a.Bids, a.StartTime, a.EndTime, a.Status, seq,
		); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
