package main

import (
	"context"
	"log"

	"radicalpixels.io/internal/persistence/archive"
	"radicalpixels.io/internal/persistence/indexdb"
	"radicalpixels.io/internal/persistence/objstore"
	"radicalpixels.io/internal/persistence/snapshot"
)

// snapshotWriter persists snapshots emitted by the registry, then fans
// them out to the index, the daily archive and the mirror.
type snapshotWriter struct {
	dir     string
	index   indexdb.Index
	archive bool
	mirror  *objstore.Mirror
	logger  *log.Logger
}

func (w *snapshotWriter) run(ctx context.Context, ch <-chan snapshot.SnapshotV1) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			w.write(snap)
		}
	}
}

func (w *snapshotWriter) write(snap snapshot.SnapshotV1) {
	path := snapshot.PathFor(w.dir, snap.Header.Seq)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		w.logger.Printf("snapshot write: %v", err)
		return
	}
	if w.index != nil {
		w.index.RecordSnapshot(path, snap)
		w.index.RecordSnapshotState(snap)
	}
	w.mirror.Enqueue(path)

	if !w.archive {
		return
	}
	meta, ok, err := archive.ArchiveDaily(w.dir, path, snap)
	switch {
	case err != nil:
		w.logger.Printf("snapshot archive: %v", err)
	case ok:
		w.logger.Printf("archived snapshot seq=%d day=%s", meta.Seq, meta.Day)
		w.mirror.Enqueue(archive.Path(w.dir, meta))
	}
}
