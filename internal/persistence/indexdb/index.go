package indexdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"

	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/sim/tuning"
)

// Index is a read model fed from the registry goroutine. Writes never block
// the caller; when a backend falls behind, entries are dropped and counted.
// The receipt log stays the source of truth.
type Index interface {
	WriteReceipt(r registry.Receipt) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	RecordSnapshotState(snap snapshot.SnapshotV1)
	UpsertConfig(tune tuning.Tuning) error
	Stats() Stats
	Close() error
}

type Stats struct {
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`

	DropReceiptTotal       uint64 `json:"drop_receipt_total"`
	DropSnapshotTotal      uint64 `json:"drop_snapshot_total"`
	DropSnapshotStateTotal uint64 `json:"drop_snapshot_state_total"`
	WriteFailTotal         uint64 `json:"write_fail_total"`
}

type reqKind int

const (
	reqReceipt reqKind = iota + 1
	reqSnapshot
	reqSnapshotState
)

type req struct {
	kind reqKind

	receipt  registry.Receipt
	snapshot snapshotRow
	state    snapshot.SnapshotV1
}

type snapshotRow struct {
	Seq      uint64
	Time     int64
	Path     string
	Digest   string
	Balances int
	Cells    int
	Auctions int
}

func snapshotRowFor(path string, snap snapshot.SnapshotV1) snapshotRow {
	return snapshotRow{
		Seq:      snap.Header.Seq,
		Time:     snap.Header.Time,
		Path:     path,
		Digest:   snap.Digest,
		Balances: len(snap.Balances),
		Cells:    len(snap.Cells),
		Auctions: len(snap.Auctions),
	}
}

// configRow is the tuning actually applied, stored as canonical JSON.
func configRow(tune tuning.Tuning) (digest string, raw []byte) {
	tune.Index.Postgres.Password = ""
	tune.Backup.Mirror.SecretAccessKey = ""
	raw, _ = json.Marshal(tune)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw
}

func firstCell(rc registry.Receipt) (x, y any) {
	if len(rc.Command.Cells) == 0 {
		return nil, nil
	}
	return int64(rc.Command.Cells[0].X), int64(rc.Command.Cells[0].Y)
}

// sqliteAmount keeps amounts numeric when they fit in a signed column and
// falls back to decimal text above that.
func sqliteAmount(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return strconv.FormatUint(v, 10)
}

func pgAmount(v uint64) string { return strconv.FormatUint(v, 10) }
