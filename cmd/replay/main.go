package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	persistlog "radicalpixels.io/internal/persistence/log"
	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/sim/tuning"
)

func main() {
	var (
		registryDir = flag.String("dir", "", "registry data dir (<data>/registries/<id>); sets -receipts and checkpoint snapshots")
		snapPath    = flag.String("snapshot", "", "path to .snap.zst to start from (optional; empty starts from -config)")
		receiptsDir = flag.String("receipts", "", "dir containing receipts-*.jsonl.zst (optional)")
		configPath  = flag.String("config", "./configs/registry.yaml", "registry.yaml used when starting without a snapshot")
		toSeq       = flag.Uint64("to_seq", 0, "stop after seq (inclusive, optional)")
		checkpoints = flag.Bool("verify_snapshots", true, "compare state digests against later snapshots in -dir")
	)
	flag.Parse()

	if *registryDir != "" && *receiptsDir == "" {
		*receiptsDir = persistlog.ReceiptsDir(*registryDir)
	}

	reg, err := load(*snapPath, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	fmt.Printf("start registry=%s seq=%d digest=%s\n", reg.ID(), reg.Seq(), reg.StateDigest())

	if *receiptsDir == "" {
		return
	}

	var digests map[uint64]string
	if *checkpoints && *registryDir != "" {
		digests, err = snapshotDigests(*registryDir, reg.Seq())
		if err != nil {
			fmt.Fprintln(os.Stderr, "snapshots:", err)
			os.Exit(1)
		}
	}

	res, err := replay(reg, *receiptsDir, *toSeq, digests)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: applied=%d failed=%d checkpoints=%d seq=%d chain=%s digest=%s\n",
		res.Applied, res.Failed, res.Checkpoints, reg.Seq(), reg.Chain(), reg.StateDigest())
}

func load(snapPath, configPath string) (*registry.Registry, error) {
	if snapPath != "" {
		snap, err := snapshot.ReadSnapshot(snapPath)
		if err != nil {
			return nil, err
		}
		return registry.FromSnapshot(snap, nil)
	}
	tune, err := tuning.Load(configPath)
	if err != nil {
		return nil, err
	}
	return registry.New(registry.Config{
		ID:                     tune.RegistryID,
		Bounds:                 grid.Bounds{XMax: tune.Grid.XMax, YMax: tune.Grid.YMax},
		TaxRateBps:             tune.Tax.RateBps,
		TaxCollector:           ledger.Actor(tune.Tax.Collector),
		AuctionDurationSeconds: tune.Auction.DurationSeconds,
	})
}

type result struct {
	Applied     uint64
	Failed      uint64
	Checkpoints int
}

var errStop = errors.New("stop")

// replay applies receipts after the registry's seq and checks each one
// reproduces its logged code and chain. digests maps seq to the expected
// state digest at that point.
func replay(reg *registry.Registry, receiptsDir string, toSeq uint64, digests map[uint64]string) (result, error) {
	var res result
	err := persistlog.ReadReceipts(receiptsDir, func(rc registry.Receipt) error {
		if toSeq != 0 && rc.Seq > toSeq {
			return errStop
		}
		applied, err := reg.Replay(rc)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		res.Applied++
		if !rc.OK() {
			res.Failed++
		}
		if want, ok := digests[rc.Seq]; ok {
			if got := reg.StateDigest(); got != want {
				return fmt.Errorf("%w: state digest at seq %d: got=%s want=%s", registry.ErrReplayDiverged, rc.Seq, got, want)
			}
			res.Checkpoints++
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return res, err
}

// snapshotDigests reads the digest of every snapshot after seq.
func snapshotDigests(registryDir string, after uint64) (map[uint64]string, error) {
	dir := filepath.Join(registryDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []uint64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil || seq <= after {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := make(map[uint64]string, len(seqs))
	for _, seq := range seqs {
		snap, err := snapshot.ReadSnapshot(snapshot.PathFor(registryDir, seq))
		if err != nil {
			return nil, err
		}
		if snap.Digest != "" {
			out[seq] = snap.Digest
		}
	}
	return out, nil
}
