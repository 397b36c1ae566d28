package objstore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_PutFileSigned(t *testing.T) {
	var (
		gotPath string
		gotBody string
		gotAuth string
		gotHash string
	)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotPath, gotBody = r.URL.EscapedPath(), string(b)
		gotAuth, gotHash = r.Header.Get("Authorization"), r.Header.Get("x-amz-content-sha256")
		w.WriteHeader(http.StatusOK)
	}))
	defer hs.Close()

	c, err := New(Config{Endpoint: hs.URL, Bucket: "snaps", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	src := filepath.Join(t.TempDir(), "7.snap.zst")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, c.PutFile(context.Background(), "main/snapshots/a b.zst", src))

	require.Equal(t, "/snaps/main/snapshots/a%20b.zst", gotPath)
	require.Equal(t, "hello", gotBody)
	// sha256("hello")
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", gotHash)
	require.True(t, strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/20240501/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="), gotAuth)
}

func TestClient_PutFileError(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer hs.Close()

	c, err := New(Config{Endpoint: hs.URL, Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, nil, 0o644))

	err = c.PutFile(context.Background(), "f", src)
	require.ErrorContains(t, err, "status 403")
	require.ErrorContains(t, c.PutFile(context.Background(), "/", src), "empty object key")
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{Endpoint: "r2.example.com", Bucket: "b"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "ftp://x", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	require.Error(t, err)
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
	block chan struct{}
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsWithRetry(t *testing.T) {
	root := t.TempDir()
	up := &fakeUploader{fails: 2}
	m := NewMirror(up, root, "/backups/", 1, 4, log.New(io.Discard, "", 0))
	m.backoff = time.Millisecond

	p := filepath.Join(root, "registries", "main", "snapshots", "5.snap.zst")
	require.True(t, m.Enqueue(p))
	m.Close()

	require.Equal(t, []string{"backups/registries/main/snapshots/5.snap.zst"}, up.keys)
	st := m.Stats()
	require.Equal(t, uint64(1), st.Uploaded)
	require.Zero(t, st.Failed)
}

func TestMirror_DropsWhenFull(t *testing.T) {
	root := t.TempDir()
	up := &fakeUploader{block: make(chan struct{})}
	m := NewMirror(up, root, "", 1, 1, log.New(io.Discard, "", 0))

	// The worker holds one job; the queue holds one more.
	require.True(t, m.Enqueue(filepath.Join(root, "a")))
	require.Eventually(t, func() bool { return len(m.jobs) == 0 }, time.Second, time.Millisecond)
	require.True(t, m.Enqueue(filepath.Join(root, "b")))
	require.False(t, m.Enqueue(filepath.Join(root, "c")))

	close(up.block)
	m.Close()
	st := m.Stats()
	require.Equal(t, uint64(1), st.Dropped)
	require.Equal(t, uint64(2), st.Uploaded)
}

func TestMirror_KeyOutsideRoot(t *testing.T) {
	m := &Mirror{root: t.TempDir()}
	_, err := m.Key("/etc/passwd")
	require.Error(t, err)
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	require.False(t, m.Enqueue("x"))
	m.Close()
	require.Equal(t, MirrorStats{}, m.Stats())
}
