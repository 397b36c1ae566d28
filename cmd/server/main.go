package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	persistlog "radicalpixels.io/internal/persistence/log"
	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/grid"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/sim/tuning"
	"radicalpixels.io/internal/transport/httpapi"
	"radicalpixels.io/internal/transport/mcp"
	"radicalpixels.io/internal/transport/observer"
	"radicalpixels.io/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/registry.yaml", "path to registry.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		registryID = flag.String("registry", "", "registry id (default: registry_id from config)")
		disableDB  = flag.Bool("disable_db", false, "disable the read-model index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		tune = tuning.Defaults()
	}
	if id := strings.TrimSpace(*registryID); id != "" {
		tune.RegistryID = id
	}

	registryDir := filepath.Join(*dataDir, "registries", tune.RegistryID)
	if err := os.MkdirAll(registryDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		if p, _, ok := snapshot.Latest(registryDir); ok {
			snapshotToLoad = p
		}
	}

	reg, err := openRegistry(tune, snapshotToLoad)
	if err != nil {
		logger.Fatalf("registry: %v", err)
	}
	if snapshotToLoad != "" {
		logger.Printf("resumed from snapshot=%s seq=%d", filepath.Base(snapshotToLoad), reg.Seq())
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Optional: read-model index backend (does not affect registry state).
	idx, err := openRuntimeIndex(ctx, registryDir, tune, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertConfig(tune); err != nil {
			logger.Printf("index backend: upsert config: %v", err)
		}
	}

	receiptLog := persistlog.NewReceiptLogger(registryDir)
	defer receiptLog.Close()
	hub := observer.NewHub()
	reg.SetReceiptLogger(multiReceiptLogger{receiptLog, indexLogger(idx), hub})

	snapCh := make(chan snapshot.SnapshotV1, 2)
	reg.SetSnapshotSink(snapCh)
	mirror, err := openMirror(tune.Backup.Mirror, *dataDir, logger)
	if err != nil {
		logger.Fatalf("snapshot mirror: %v", err)
	}
	snaps := &snapshotWriter{dir: registryDir, index: idx, archive: tune.Backup.ArchiveDaily, mirror: mirror, logger: logger}

	params := reg.Params(tune.Decimals)
	api, err := httpapi.New(reg, idx, httpapi.Config{
		RegistryID:        tune.RegistryID,
		CommandsPerSecond: tune.RateLimits.CommandsPerSecond * 10,
		Burst:             tune.RateLimits.Burst * 10,
	}, logger)
	if err != nil {
		logger.Fatalf("http api: %v", err)
	}
	wsSrv, err := ws.NewServer(reg, ws.Config{
		RegistryID:        tune.RegistryID,
		Params:            params,
		CommandsPerSecond: tune.RateLimits.CommandsPerSecond,
		Burst:             tune.RateLimits.Burst,
	}, logger)
	if err != nil {
		logger.Fatalf("ws: %v", err)
	}

	// Without a secret the MCP endpoint serves loopback clients only.
	mcpSrv, err := mcp.NewServer(reg, mcp.Config{
		HMACSecret:        os.Getenv("RADICALPIXELS_MCP_HMAC_SECRET"),
		CommandsPerSecond: tune.RateLimits.CommandsPerSecond,
		Burst:             tune.RateLimits.Burst,
	}, logger)
	if err != nil {
		logger.Fatalf("mcp: %v", err)
	}

	r := chi.NewRouter()
	api.Mount(r)
	r.Get("/v1/ws", wsSrv.Handler())
	r.Post("/mcp", mcpSrv.Handler())

	if envBool("RADICALPIXELS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mountAdmin(r, adminDeps{
			reg:        reg,
			index:      idx,
			hub:        hub,
			mirror:     mirror,
			registryID: tune.RegistryID,
			params:     params,
			logger:     logger,
		})
	} else {
		logger.Printf("admin endpoints disabled (RADICALPIXELS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("RADICALPIXELS_ENABLE_PPROF_HTTP", false) {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := reg.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		snaps.run(gctx, snapCh)
		return nil
	})
	g.Go(func() error {
		logger.Printf("listening on %s registry=%s", *addr, tune.RegistryID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("stopped: %v", err)
	}

	// The registry goroutine has exited; a final snapshot makes the next
	// start resume without replaying the tail of the receipt log.
	snaps.write(reg.ExportSnapshot())
	mirror.Close()
	logger.Printf("shutdown seq=%d chain=%s", reg.Seq(), reg.Chain())
}

func openRegistry(tune tuning.Tuning, snapPath string) (*registry.Registry, error) {
	if snapPath == "" {
		return registry.New(registry.Config{
			ID:                     tune.RegistryID,
			Bounds:                 grid.Bounds{XMax: tune.Grid.XMax, YMax: tune.Grid.YMax},
			TaxRateBps:             tune.Tax.RateBps,
			TaxCollector:           ledger.Actor(tune.Tax.Collector),
			AuctionDurationSeconds: tune.Auction.DurationSeconds,
			SnapshotEveryOps:       tune.SnapshotEveryOps,
		})
	}
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		return nil, err
	}
	if snap.Header.RegistryID != tune.RegistryID {
		return nil, errors.New("snapshot registry id mismatch: config=" + tune.RegistryID + " snap=" + snap.Header.RegistryID)
	}
	// Grid, tax and auction parameters come from the snapshot; cadence may
	// be retuned across restarts.
	snap.SnapshotEveryOps = tune.SnapshotEveryOps
	return registry.FromSnapshot(snap, nil)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
