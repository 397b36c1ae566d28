package objstore

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Uploader is the part of *Client a Mirror needs.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type MirrorStats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Enqueued      uint64 `json:"enqueued"`
	Dropped       uint64 `json:"dropped"`
	Uploaded      uint64 `json:"uploaded"`
	Failed        uint64 `json:"failed"`
	LastSuccess   int64  `json:"last_success_unix,omitempty"`
	LastError     int64  `json:"last_error_unix,omitempty"`
}

// Mirror copies files under root to object storage in the background.
// Object keys are the file path relative to root, under prefix.
type Mirror struct {
	up     Uploader
	root   string
	prefix string
	log    *log.Logger

	attempts int
	backoff  time.Duration

	jobs chan string
	g    errgroup.Group

	enqueued, dropped, uploaded, failed atomic.Uint64
	lastSuccess, lastError              atomic.Int64
}

func NewMirror(up Uploader, root, prefix string, workers, capacity int, logger *log.Logger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	m := &Mirror{
		up:       up,
		root:     root,
		prefix:   strings.Trim(filepath.ToSlash(prefix), "/"),
		log:      logger,
		attempts: 4,
		backoff:  200 * time.Millisecond,
		jobs:     make(chan string, capacity),
	}
	for i := 0; i < workers; i++ {
		m.g.Go(func() error {
			for p := range m.jobs {
				m.upload(p)
			}
			return nil
		})
	}
	return m
}

// Enqueue schedules localPath for upload. It never blocks; when the queue
// is full the file is skipped and counted as dropped.
func (m *Mirror) Enqueue(localPath string) bool {
	if m == nil {
		return false
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return true
	default:
		n := m.dropped.Add(1)
		m.log.Printf("mirror: queue full, dropped %s (dropped_total=%d)", localPath, n)
		return false
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	_ = m.g.Wait()
}

func (m *Mirror) Stats() MirrorStats {
	if m == nil {
		return MirrorStats{}
	}
	return MirrorStats{
		QueueDepth:    len(m.jobs),
		QueueCapacity: cap(m.jobs),
		Enqueued:      m.enqueued.Load(),
		Dropped:       m.dropped.Load(),
		Uploaded:      m.uploaded.Load(),
		Failed:        m.failed.Load(),
		LastSuccess:   m.lastSuccess.Load(),
		LastError:     m.lastError.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.Key(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Printf("mirror: skip %s: %v", localPath, err)
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil || attempt >= m.attempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * m.backoff)
	}
	if err != nil {
		m.failed.Add(1)
		m.lastError.Store(time.Now().Unix())
		m.log.Printf("mirror: upload %s failed: %v", key, err)
		return
	}
	m.uploaded.Add(1)
	m.lastSuccess.Store(time.Now().Unix())
}

// Key maps a local file under root to its object key.
func (m *Mirror) Key(localPath string) (string, error) {
	root, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, root)
	}
	if m.prefix == "" {
		return rel, nil
	}
	return path.Join(m.prefix, rel), nil
}
