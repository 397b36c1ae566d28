package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version    int    `json:"version"`
	RegistryID string `json:"registry_id"`
	Seq        uint64 `json:"seq"`
	Time       int64  `json:"time"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	XMax                   uint32 `json:"x_max"`
	YMax                   uint32 `json:"y_max"`
	TaxRateBps             uint32 `json:"tax_rate_bps"`
	TaxCollector           string `json:"tax_collector"`
	AuctionDurationSeconds int64  `json:"auction_duration_seconds"`
	SnapshotEveryOps       uint64 `json:"snapshot_every_ops,omitempty"`

	LastTime      int64  `json:"last_time"`
	Chain         string `json:"chain"`
	NextAuctionID uint64 `json:"next_auction_id"`

	Balances []BalanceV1 `json:"balances"`
	Cells    []CellV1    `json:"cells"`
	Auctions []AuctionV1 `json:"auctions"`
	Archived []AuctionV1 `json:"archived,omitempty"`

	// Digest is the state digest at Header.Seq.
	Digest string `json:"digest"`
}

type BalanceV1 struct {
	Actor string `json:"actor"`
	Held  uint64 `json:"held"`
}

type CellV1 struct {
	ID          uint64 `json:"id"`
	X           uint32 `json:"x"`
	Y           uint32 `json:"y"`
	Owner       string `json:"owner"`
	Price       uint64 `json:"price"`
	Content     []byte `json:"content,omitempty"`
	LastSettled int64  `json:"last_settled"`
	AuctionID   uint64 `json:"auction_id,omitempty"`
}

type AuctionV1 struct {
	ID          uint64 `json:"id"`
	Cell        uint64 `json:"cell"`
	FormerOwner string `json:"former_owner"`
	HighBidder  string `json:"high_bidder,omitempty"`
	HighBid     uint64 `json:"high_bid"`
	Bids        int    `json:"bids"`
	StartTime   int64  `json:"start_time"`
	EndTime     int64  `json:"end_time"`
	Status      string `json:"status"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

// PathFor is the conventional snapshot location for seq under registryDir.
func PathFor(registryDir string, seq uint64) string {
	return filepath.Join(registryDir, "snapshots", strconv.FormatUint(seq, 10)+".snap.zst")
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line duplicates what gob carries; it exists for cheap peeking.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	err = json.Unmarshal(line, &h)
	return h, err
}

// Latest returns the snapshot path with the highest seq under registryDir.
func Latest(registryDir string) (string, uint64, bool) {
	entries, err := os.ReadDir(filepath.Join(registryDir, "snapshots"))
	if err != nil {
		return "", 0, false
	}
	var best uint64
	found := false
	for _, e := range entries {
		name := e.Name()
		const suffix = ".snap.zst"
		if e.IsDir() || len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		seq, err := strconv.ParseUint(name[:len(name)-len(suffix)], 10, 64)
		if err != nil {
			continue
		}
		if !found || seq > best {
			best, found = seq, true
		}
	}
	if !found {
		return "", 0, false
	}
	return PathFor(registryDir, best), best, true
}
