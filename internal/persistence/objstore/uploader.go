package objstore

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Putter is the part of Client the uploader needs.
type Putter interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Enqueued      uint64 `json:"enqueued"`
	Dropped       uint64 `json:"dropped"`
	Uploaded      uint64 `json:"uploaded"`
	Failed        uint64 `json:"failed"`
}

// Uploader mirrors files under root to the bucket with a fixed pool of
// workers. Object keys are prefix + the path relative to root.
type Uploader struct {
	put    Putter
	root   string
	prefix string
	log    *zap.Logger

	jobs        chan string
	enqueueWait time.Duration
	retryDelay  time.Duration
	wg          sync.WaitGroup

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
}

func NewUploader(put Putter, root, prefix string, workers int, logger *zap.Logger) *Uploader {
	return newUploader(put, root, prefix, workers, 256, logger)
}

func newUploader(put Putter, root, prefix string, workers, queue int, logger *zap.Logger) *Uploader {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &Uploader{
		put:         put,
		root:        root,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		log:         logger.Named("objstore"),
		jobs:        make(chan string, queue),
		enqueueWait: 50 * time.Millisecond,
		retryDelay:  200 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for p := range u.jobs {
				u.uploadOne(p)
			}
		}()
	}
	return u
}

// Enqueue schedules one file. It waits briefly when the queue is full and
// then drops the file.
func (u *Uploader) Enqueue(localPath string) {
	if u == nil {
		return
	}
	u.enqueued.Add(1)
	select {
	case u.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(u.enqueueWait)
	defer t.Stop()
	select {
	case u.jobs <- localPath:
	case <-t.C:
		u.dropped.Add(1)
		u.log.Warn("upload queue full, dropping", zap.String("path", localPath))
	}
}

// EnqueueDir schedules every regular file under dir, which must lie inside root.
// Unlike Enqueue it never drops a file: it blocks while the queue is full and
// stops early only when ctx is done.
func (u *Uploader) EnqueueDir(ctx context.Context, dir string) (int, error) {
	if _, err := u.objectKey(dir); err != nil && !isRootErr(err) {
		return 0, err
	}
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := u.enqueueBlocking(ctx, p); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (u *Uploader) enqueueBlocking(ctx context.Context, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case u.jobs <- localPath:
		u.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for queued uploads to finish.
func (u *Uploader) Close() {
	if u == nil {
		return
	}
	close(u.jobs)
	u.wg.Wait()
}

func (u *Uploader) Stats() Stats {
	if u == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(u.jobs),
		QueueCapacity: cap(u.jobs),
		Enqueued:      u.enqueued.Load(),
		Dropped:       u.dropped.Load(),
		Uploaded:      u.uploaded.Load(),
		Failed:        u.failed.Load(),
	}
}

func (u *Uploader) uploadOne(localPath string) {
	key, err := u.objectKey(localPath)
	if err != nil {
		u.failed.Add(1)
		u.log.Warn("skip upload", zap.String("path", localPath), zap.Error(err))
		return
	}
	const maxAttempts = 4
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = u.put.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			u.uploaded.Add(1)
			u.log.Debug("uploaded", zap.String("key", key))
			return
		}
		if attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * u.retryDelay)
	}
	u.failed.Add(1)
	u.log.Warn("upload failed", zap.String("key", key), zap.String("path", localPath), zap.Error(err))
}

var errIsRoot = errors.New("path is the upload root")

func isRootErr(err error) bool { return errors.Is(err, errIsRoot) }

func (u *Uploader) objectKey(localPath string) (string, error) {
	absRoot, err := filepath.Abs(u.root)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", errIsRoot
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.Errorf("%s is outside %s", absLocal, absRoot)
	}
	if u.prefix != "" {
		return path.Join(u.prefix, rel), nil
	}
	return rel, nil
}
