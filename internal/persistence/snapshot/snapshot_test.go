package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func sample(seq uint64) SnapshotV1 {
	return SnapshotV1{
		Header:                 Header{Version: Version, RegistryID: "main", Seq: seq, Time: 100},
		XMax:                   1000,
		YMax:                   1000,
		TaxRateBps:             2000,
		TaxCollector:           "collector",
		AuctionDurationSeconds: 86400,
		LastTime:               100,
		Chain:                  "abc",
		NextAuctionID:          1,
		Balances:               []BalanceV1{{Actor: "alice", Held: 5}},
		Cells:                  []CellV1{{ID: 1, X: 1, Owner: "alice", Price: 3, Content: []byte{1, 2}}},
		Auctions:               []AuctionV1{{ID: 1, Cell: 7, FormerOwner: "bob", Status: "OPEN", EndTime: 200}},
		Digest:                 "d",
	}
}

func TestWriteReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, 42)
	if err := WriteSnapshot(path, sample(42)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Header.Seq != 42 || got.Cells[0].Owner != "alice" || string(got.Cells[0].Content) != "\x01\x02" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.RegistryID != "main" || h.Seq != 42 {
		t.Fatalf("header=%+v", h)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if _, _, ok := Latest(dir); ok {
		t.Fatalf("expected no snapshot in empty dir")
	}
	for _, seq := range []uint64{5, 120, 17} {
		if err := WriteSnapshot(PathFor(dir, seq), sample(seq)); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "snapshots", "junk.snap.zst"), []byte("x"), 0o644)

	path, seq, ok := Latest(dir)
	if !ok || seq != 120 || path != PathFor(dir, 120) {
		t.Fatalf("Latest=%q,%d,%v", path, seq, ok)
	}
}

func TestReadSnapshot_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	s := sample(1)
	s.Header.Version = 9
	path := PathFor(dir, 1)
	if err := WriteSnapshot(path, s); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected version error")
	}
}
