package archive

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"radicalpixels.io/internal/persistence/snapshot"
)

const metaFile = "meta.json"

// Meta describes one archived snapshot.
type Meta struct {
	Day        string `json:"day"`
	RegistryID string `json:"registry_id"`
	Seq        uint64 `json:"seq"`
	Time       int64  `json:"time"`
	Chain      string `json:"chain"`
	Digest     string `json:"digest"`
	Snapshot   string `json:"snapshot"`
	CreatedAt  string `json:"created_at"`
}

// Dir is where archives for registryDir live.
func Dir(registryDir string) string { return filepath.Join(registryDir, "archives") }

// DayOf is the UTC day a snapshot belongs to, by registry time.
func DayOf(snap snapshot.SnapshotV1) string {
	return time.Unix(snap.Header.Time, 0).UTC().Format("2006-01-02")
}

// ArchiveDaily copies snapshotPath into archives/<day>/ unless that day
// already has an archived snapshot. It reports whether a copy was made.
func ArchiveDaily(registryDir, snapshotPath string, snap snapshot.SnapshotV1) (Meta, bool, error) {
	day := DayOf(snap)
	dir := filepath.Join(Dir(registryDir), day)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
		return Meta{}, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return Meta{}, false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, false, err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return Meta{}, false, err
	}

	meta := Meta{
		Day:        day,
		RegistryID: snap.Header.RegistryID,
		Seq:        snap.Header.Seq,
		Time:       snap.Header.Time,
		Chain:      snap.Chain,
		Digest:     snap.Digest,
		Snapshot:   filepath.Base(dst),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, false, err
	}
	// meta.json marks the day as done, so it is written last.
	if err := os.WriteFile(filepath.Join(dir, metaFile), b, 0o644); err != nil {
		return Meta{}, false, err
	}
	return meta, true, nil
}

// List returns archived snapshots ordered by day. Days without a readable
// meta.json are skipped.
func List(registryDir string) ([]Meta, error) {
	entries, err := os.ReadDir(Dir(registryDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(Dir(registryDir), e.Name(), metaFile))
		if err != nil {
			continue
		}
		var m Meta
		if json.Unmarshal(b, &m) != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

// Path is the archived snapshot file for m.
func Path(registryDir string, m Meta) string {
	return filepath.Join(Dir(registryDir), m.Day, m.Snapshot)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
