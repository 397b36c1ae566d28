package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"radicalpixels.io/internal/persistence/archive"
	"radicalpixels.io/internal/persistence/snapshot"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/sim/tuning"
	"radicalpixels.io/internal/transport/observer"
)

type recordingLogger struct {
	got []uint64
	err error
}

func (r *recordingLogger) WriteReceipt(rc registry.Receipt) error {
	r.got = append(r.got, rc.Seq)
	return r.err
}

func TestMultiReceiptLogger(t *testing.T) {
	durable := &recordingLogger{err: errors.New("disk full")}
	index := &recordingLogger{err: errors.New("ignored")}
	m := multiReceiptLogger{durable, nil, index}

	err := m.WriteReceipt(registry.Receipt{Seq: 4})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("err=%v", err)
	}
	if len(durable.got) != 1 || len(index.got) != 1 {
		t.Fatalf("durable=%v index=%v", durable.got, index.got)
	}

	durable.err = nil
	if err := m.WriteReceipt(registry.Receipt{Seq: 5}); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestOpenRuntimeIndex(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	tune := tuning.Defaults()
	dir := t.TempDir()

	idx, err := openRuntimeIndex(context.Background(), dir, tune, true, logger)
	if err != nil || idx != nil {
		t.Fatalf("disabled: idx=%v err=%v", idx, err)
	}
	if indexLogger(idx) != nil {
		t.Fatalf("nil index must stay a nil logger")
	}

	idx, err = openRuntimeIndex(context.Background(), dir, tune, false, logger)
	if err != nil || idx == nil {
		t.Fatalf("sqlite: idx=%v err=%v", idx, err)
	}
	defer idx.Close()
	if _, err := os.Stat(filepath.Join(dir, "index", "registry.sqlite")); err != nil {
		t.Fatalf("sqlite file: %v", err)
	}

	tune.Index.Backend = "mysql"
	if _, err := openRuntimeIndex(context.Background(), dir, tune, false, logger); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestOpenRegistry_ResumesFromSnapshot(t *testing.T) {
	tune := tuning.Defaults()
	tune.Grid.XMax, tune.Grid.YMax = 8, 8
	reg, err := openRegistry(tune, "")
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if err := reg.Deposit("alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	dir := t.TempDir()
	w := &snapshotWriter{dir: dir, logger: log.New(io.Discard, "", 0)}
	w.write(reg.ExportSnapshot())

	path, seq, ok := snapshot.Latest(dir)
	if !ok || seq != reg.Seq() {
		t.Fatalf("latest: path=%s seq=%d ok=%v", path, seq, ok)
	}
	resumed, err := openRegistry(tune, path)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ValueHeld("alice") != 100 || resumed.StateDigest() != reg.StateDigest() {
		t.Fatalf("resumed state differs")
	}

	tune.RegistryID = "other"
	if _, err := openRegistry(tune, path); err == nil {
		t.Fatalf("expected registry id mismatch")
	}
}

func TestAdminRoutesAreLoopbackOnly(t *testing.T) {
	tune := tuning.Defaults()
	reg, err := openRegistry(tune, "")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r := chi.NewRouter()
	mountAdmin(r, adminDeps{
		reg:        reg,
		hub:        observer.NewHub(),
		registryID: tune.RegistryID,
		params:     reg.Params(tune.Decimals),
		logger:     log.New(io.Discard, "", 0),
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "10.0.0.8:5000"
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rw.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rw = httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("loopback status=%d", rw.Code)
	}
}

func TestSnapshotWriter_ArchivesDaily(t *testing.T) {
	tune := tuning.Defaults()
	reg, err := openRegistry(tune, "")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	dir := t.TempDir()
	w := &snapshotWriter{dir: dir, archive: true, logger: log.New(io.Discard, "", 0)}
	w.write(reg.ExportSnapshot())
	w.write(reg.ExportSnapshot())

	list, err := archive.List(dir)
	if err != nil || len(list) != 1 {
		t.Fatalf("archives=%+v err=%v", list, err)
	}
}

func TestOpenMirror_DisabledByDefault(t *testing.T) {
	m, err := openMirror(tuning.Defaults().Backup.Mirror, t.TempDir(), log.New(io.Discard, "", 0))
	if err != nil || m != nil {
		t.Fatalf("mirror=%v err=%v", m, err)
	}
	cfg := tuning.MirrorConfig{Endpoint: "r2.example.com", Bucket: "b"}
	if _, err := openMirror(cfg, t.TempDir(), log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}
