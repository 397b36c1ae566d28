package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"radicalpixels.io/internal/persistence/archive"
	persistlog "radicalpixels.io/internal/persistence/log"
	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/auction"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/units"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "receipts":
			receiptsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "archives":
			archivesCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "registries")
	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		line := e.Name()
		if _, seq, ok := snapshot.Latest(filepath.Join(base, e.Name())); ok {
			line += fmt.Sprintf("\tlatest_snapshot_seq=%d", seq)
		}
		fmt.Println(line)
	}
}

func archivesCmd(args []string) {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	registryID := fs.String("registry", "main", "registry id")
	_ = fs.Parse(args)

	list, err := archive.List(filepath.Join(*dataDir, "registries", *registryID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "archives:", err)
		os.Exit(1)
	}
	for _, m := range list {
		printJSON(m)
	}
}

// inspectCmd summarizes a snapshot: totals plus the largest balances.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	registryID := fs.String("registry", "main", "registry id")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	decimals := fs.Int("decimals", 9, "display decimals for amounts")
	top := fs.Int("top", 10, "number of balances to list")
	verify := fs.Bool("verify", true, "rebuild the registry and check the digest")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		p, _, ok := snapshot.Latest(filepath.Join(*dataDir, "registries", *registryID))
		if !ok {
			fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
			os.Exit(2)
		}
		path = p
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	sum, err := summarize(snap, int32(*decimals), *top)
	if err != nil {
		fmt.Fprintln(os.Stderr, "summarize:", err)
		os.Exit(1)
	}
	if *verify {
		reg, err := registry.FromSnapshot(snap, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "verify:", err)
			os.Exit(1)
		}
		sum.Verified = reg.StateDigest() == snap.Digest
	}
	printJSON(sum)
}

type balanceLine struct {
	Actor string `json:"actor"`
	Held  string `json:"held"`
}

type summary struct {
	RegistryID   string        `json:"registry_id"`
	Seq          uint64        `json:"seq"`
	Time         int64         `json:"time"`
	Grid         string        `json:"grid"`
	TaxRateBps   uint32        `json:"tax_rate_bps"`
	Collector    string        `json:"collector"`
	Chain        string        `json:"chain"`
	Digest       string        `json:"digest"`
	Verified     bool          `json:"verified"`
	Accounts     int           `json:"accounts"`
	TotalSupply  string        `json:"total_supply"`
	Escrow       string        `json:"escrow"`
	StoredCells  int           `json:"stored_cells"`
	OwnedCells   int           `json:"owned_cells"`
	OpenAuctions int           `json:"open_auctions"`
	Archived     int           `json:"archived_auctions"`
	TopBalances  []balanceLine `json:"top_balances"`
}

func summarize(snap snapshot.SnapshotV1, decimals int32, top int) (summary, error) {
	s := summary{
		RegistryID:  snap.Header.RegistryID,
		Seq:         snap.Header.Seq,
		Time:        snap.Header.Time,
		Grid:        fmt.Sprintf("%dx%d", snap.XMax, snap.YMax),
		TaxRateBps:  snap.TaxRateBps,
		Collector:   snap.TaxCollector,
		Chain:       snap.Chain,
		Digest:      snap.Digest,
		StoredCells: len(snap.Cells),
		Archived:    len(snap.Archived),
	}

	var total, escrow uint64
	bals := make([]snapshot.BalanceV1, 0, len(snap.Balances))
	for _, b := range snap.Balances {
		if total+b.Held < total {
			return s, fmt.Errorf("balances overflow total supply")
		}
		total += b.Held
		if strings.HasPrefix(b.Actor, "@") {
			escrow += b.Held
			continue
		}
		s.Accounts++
		bals = append(bals, b)
	}
	sort.Slice(bals, func(i, j int) bool {
		if bals[i].Held != bals[j].Held {
			return bals[i].Held > bals[j].Held
		}
		return bals[i].Actor < bals[j].Actor
	})
	if top >= 0 && len(bals) > top {
		bals = bals[:top]
	}
	for _, b := range bals {
		s.TopBalances = append(s.TopBalances, balanceLine{Actor: b.Actor, Held: units.FormatAmount(b.Held, decimals)})
	}
	s.TotalSupply = units.FormatAmount(total, decimals)
	s.Escrow = units.FormatAmount(escrow, decimals)

	for _, c := range snap.Cells {
		if c.Owner != "" {
			s.OwnedCells++
		}
	}
	for _, a := range snap.Auctions {
		if a.Status == string(auction.StatusOpen) {
			s.OpenAuctions++
		}
	}
	return s, nil
}

// receiptsCmd prints logged receipts, optionally filtered by actor or cell.
func receiptsCmd(args []string) {
	fs := flag.NewFlagSet("receipts", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	registryID := fs.String("registry", "main", "registry id")
	actor := fs.String("actor", "", "caller filter (optional)")
	x := fs.Int64("x", -1, "cell x filter (optional, with -y)")
	y := fs.Int64("y", -1, "cell y filter (optional, with -x)")
	since := fs.Uint64("since_seq", 0, "first seq to print")
	failed := fs.Bool("failed", false, "only failed commands")
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)

	dir := persistlog.ReceiptsDir(filepath.Join(*dataDir, "registries", *registryID))
	n := 0
	err := persistlog.ReadReceipts(dir, func(rc registry.Receipt) error {
		if n >= *limit {
			return errDone
		}
		if rc.Seq < *since || (*failed && rc.OK()) {
			return nil
		}
		if *actor != "" && rc.Command.Actor != *actor {
			return nil
		}
		if *x >= 0 && *y >= 0 && !touchesCell(rc, uint32(*x), uint32(*y)) {
			return nil
		}
		printJSON(rc)
		n++
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		fmt.Fprintln(os.Stderr, "read receipts:", err)
		os.Exit(1)
	}
}

var errDone = errors.New("done")

func touchesCell(rc registry.Receipt, x, y uint32) bool {
	for _, c := range rc.Command.Cells {
		if c.X == x && c.Y == y {
			return true
		}
	}
	return false
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
