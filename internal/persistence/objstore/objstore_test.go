package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestClient_PutFileSigned(t *testing.T) {
	var (
		mu   sync.Mutex
		got  *http.Request
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, body = r, b
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "saves", Credentials{AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "Metadata.json")
	want := []byte(`{"game_id":1}`)
	if err := os.WriteFile(local, want, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutFile(context.Background(), `game_1\Metadata.json`, local); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Method != http.MethodPut || got.URL.Path != "/saves/game_1/Metadata.json" {
		t.Fatalf("request=%s %s", got.Method, got.URL.Path)
	}
	if string(body) != string(want) {
		t.Fatalf("body=%q want %q", body, want)
	}
	sum := sha256.Sum256(want)
	if h := got.Header.Get("x-amz-content-sha256"); h != hex.EncodeToString(sum[:]) {
		t.Fatalf("payload hash=%s", h)
	}
	if got.Header.Get("x-amz-date") != "20260501T000000Z" {
		t.Fatalf("date=%s", got.Header.Get("x-amz-date"))
	}
	auth := got.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20260501/auto/s3/aws4_request") {
		t.Fatalf("authorization=%s", auth)
	}
}

func TestClient_PutFileErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "saves", Credentials{AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	local := filepath.Join(t.TempDir(), "x.json")
	if err := os.WriteFile(local, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = c.PutFile(context.Background(), "x.json", local)
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("want status error, got %v", err)
	}
}

func TestNew_RequiresSettings(t *testing.T) {
	if _, err := New("", "b", Credentials{AccessKeyID: "a", SecretAccessKey: "s"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := New("r2.example.com", "b", Credentials{AccessKeyID: "a"}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	c, err := New("r2.example.com", "b", Credentials{AccessKeyID: "a", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.endpoint != "https://r2.example.com" {
		t.Fatalf("endpoint=%s", c.endpoint)
	}
}

type fakePutter struct {
	mu       sync.Mutex
	failures map[string]int
	keys     []string
}

func (f *fakePutter) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[key] > 0 {
		f.failures[key]--
		return errors.New("temporary failure")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestUploader_EnqueueDir(t *testing.T) {
	root := t.TempDir()
	save := filepath.Join(root, "game_1_100")
	for _, p := range []string{"Metadata.json", "World.zip", filepath.Join("Chunks", "0_0_0.zip")} {
		full := filepath.Join(save, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(p), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	put := &fakePutter{failures: map[string]int{"archive/game_1_100/World.zip": 2}}
	u := NewUploader(put, root, "/archive/", 2, nil)
	u.retryDelay = time.Millisecond
	n, err := u.EnqueueDir(context.Background(), save)
	if err != nil {
		t.Fatalf("EnqueueDir: %v", err)
	}
	u.Close()

	if n != 3 {
		t.Fatalf("enqueued=%d want 3", n)
	}
	sort.Strings(put.keys)
	want := []string{"archive/game_1_100/Chunks/0_0_0.zip", "archive/game_1_100/Metadata.json", "archive/game_1_100/World.zip"}
	if strings.Join(put.keys, ",") != strings.Join(want, ",") {
		t.Fatalf("keys=%v want %v", put.keys, want)
	}
	st := u.Stats()
	if st.Uploaded != 3 || st.Failed != 0 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestUploader_RejectsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	u := NewUploader(&fakePutter{}, filepath.Join(root, "archive"), "", 1, nil)
	defer u.Close()
	if _, err := u.EnqueueDir(context.Background(), filepath.Join(root, "elsewhere")); err == nil {
		t.Fatalf("expected error for a directory outside the root")
	}
}

type slowPutter struct {
	delay time.Duration
	n     atomic.Int64
}

func (s *slowPutter) PutFile(context.Context, string, string) error {
	time.Sleep(s.delay)
	s.n.Add(1)
	return nil
}

func TestUploader_EnqueueDirNeverDrops(t *testing.T) {
	root := t.TempDir()
	const files = 40
	for i := 0; i < files; i++ {
		if err := os.WriteFile(filepath.Join(root, fmt.Sprintf("%02d.zip", i)), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	put := &slowPutter{delay: 5 * time.Millisecond}
	u := newUploader(put, root, "", 2, 4, nil)
	u.enqueueWait = time.Millisecond
	n, err := u.EnqueueDir(context.Background(), root)
	u.Close()
	if err != nil {
		t.Fatalf("EnqueueDir: %v", err)
	}
	st := u.Stats()
	if n != files || st.Uploaded != files || st.Dropped != 0 || put.n.Load() != files {
		t.Fatalf("n=%d stats=%+v puts=%d", n, st, put.n.Load())
	}
}

func TestUploader_EnqueueDirCancelled(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.json"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	u := newUploader(&fakePutter{}, root, "", 1, 4, nil)
	defer u.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := u.EnqueueDir(ctx, root)
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Fatalf("n=%d err=%v want context.Canceled", n, err)
	}
}
