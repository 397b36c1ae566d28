package log

import (
	"path/filepath"
	"testing"
	"time"

	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/registry"
)

func TestReceiptLogger_RotatesHourlyAndReadsBackInOrder(t *testing.T) {
	dir := t.TempDir()
	l := NewReceiptLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	for seq := uint64(1); seq <= 4; seq++ {
		if seq == 3 {
			clock = clock.Add(2 * time.Minute)
		}
		rc := registry.Receipt{Seq: seq, Time: int64(seq), Command: protocol.Command{Op: protocol.OpDeposit, Actor: "alice", Amount: seq}}
		if err := l.WriteReceipt(rc); err != nil {
			t.Fatalf("WriteReceipt: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListReceiptFiles(ReceiptsDir(dir))
	if err != nil {
		t.Fatalf("ListReceiptFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "receipts-2026-03-01-10.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}

	var seqs []uint64
	err = ReadReceipts(ReceiptsDir(dir), func(rc registry.Receipt) error {
		seqs = append(seqs, rc.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadReceipts: %v", err)
	}
	if len(seqs) != 4 || seqs[0] != 1 || seqs[3] != 4 {
		t.Fatalf("seqs=%v", seqs)
	}
}

func TestReceiptLogger_ReopenSameHourAppendsFrame(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		l := NewReceiptLogger(dir)
		l.w.now = func() time.Time { return fixed }
		if err := l.WriteReceipt(registry.Receipt{Seq: uint64(i)}); err != nil {
			t.Fatalf("WriteReceipt: %v", err)
		}
		_ = l.Close()
	}
	n := 0
	if err := ReadReceipts(ReceiptsDir(dir), func(registry.Receipt) error { n++; return nil }); err != nil {
		t.Fatalf("ReadReceipts: %v", err)
	}
	if n != 2 {
		t.Fatalf("read %d receipts, want 2", n)
	}
}
