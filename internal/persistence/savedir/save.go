package savedir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/chunkfile"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

// Save writes b into dir: chunk files first, then metadata, then world state.
// Metadata is the last-but-one file so its presence marks a save whose chunks
// are all on disk. Chunk files left by an earlier save into dir are removed
// before metadata is written. Nothing is rolled back on failure; see SaveAtomic.
//
// b.Metadata is updated with the SavedAt and Compressed values that were written.
func Save(ctx context.Context, dir string, b *Bundle, opts Options) error {
	if b == nil || b.World == nil {
		return savefmt.NewError("save", dir, savefmt.ErrMalformed, errors.New("bundle has no world state"))
	}
	if err := checkUniqueIDs(b.Chunks); err != nil {
		return savefmt.NewError("save", dir, nil, err)
	}
	meta := b.Metadata
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now().UTC().Round(0)
	}
	meta.Compressed = opts.Compressed
	if err := meta.Validate(); err != nil {
		return savefmt.NewError("save", dir, savefmt.ErrMalformed, err)
	}

	chunkDir := filepath.Join(dir, ChunksDir)
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return savefmt.NewError("save", chunkDir, nil, err)
	}

	log := opts.logger().With(zap.String("dir", dir))
	enc := opts.encoding()
	start := time.Now()

	if err := writeChunks(ctx, chunkDir, b.Chunks, enc, opts); err != nil {
		return savefmt.NewError("write chunks", chunkDir, nil, err)
	}
	stale, err := pruneChunks(chunkDir, b.Chunks, enc)
	if err != nil {
		return savefmt.NewError("write chunks", chunkDir, nil, err)
	}
	if stale > 0 {
		log.Info("removed chunk files of an earlier save", zap.Int("files", stale))
	}

	if err := record.WriteMetadata(dir, meta); err != nil {
		return err
	}
	if err := record.WriteWorldState(dir, b.World, enc); err != nil {
		return err
	}
	meta.Version = record.MetadataVersion
	b.Metadata = meta

	if opts.Index != nil {
		opts.Index.RecordSave(dir, meta, len(b.Chunks))
	}
	log.Info("save complete",
		zap.Int("chunks", len(b.Chunks)),
		zap.Stringer("encoding", enc),
		zap.Duration("took", time.Since(start)))
	return nil
}

// writeChunks hands each chunk to exactly one worker. The context is only
// checked between files.
func writeChunks(ctx context.Context, chunkDir string, chunks []chunkfile.Record, enc savefmt.Encoding, opts Options) error {
	if len(chunks) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	jobs := make(chan int)
	for w := 0; w < opts.workers(len(chunks)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				c := chunks[i]
				path := filepath.Join(chunkDir, chunkfile.FileName(c.ID, enc))
				if err := chunkfile.WriteFile(path, c, enc); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for i := range chunks {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	return multierr.Append(errs, ctx.Err())
}

// pruneChunks deletes chunk files in chunkDir that are not part of chunks
// written with enc, so an overwritten save loads back exactly what was saved.
// Files with other extensions are left alone.
func pruneChunks(chunkDir string, chunks []chunkfile.Record, enc savefmt.Encoding) (int, error) {
	keep := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		keep[chunkfile.FileName(c.ID, enc)] = true
	}
	ents, err := os.ReadDir(chunkDir)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs error
	)
	for _, e := range ents {
		if e.IsDir() || keep[e.Name()] {
			continue
		}
		if _, err := savefmt.EncodingForExt(filepath.Ext(e.Name())); err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(chunkDir, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// SaveAtomic saves into a sibling temporary directory and renames it over dir
// once every file is written. A failed save leaves dir untouched.
func SaveAtomic(ctx context.Context, dir string, b *Bundle, opts Options) error {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return savefmt.NewError("save", dir, nil, err)
	}
	stamp := time.Now().UnixNano()
	tmp := fmt.Sprintf("%s.tmp-%d", dir, stamp)

	inner := opts
	inner.Index = nil
	if err := Save(ctx, tmp, b, inner); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	var old string
	if _, err := os.Stat(dir); err == nil {
		old = fmt.Sprintf("%s.old-%d", dir, stamp)
		if err := os.Rename(dir, old); err != nil {
			_ = os.RemoveAll(tmp)
			return savefmt.NewError("save", dir, nil, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		if old != "" {
			_ = os.Rename(old, dir)
		}
		_ = os.RemoveAll(tmp)
		return savefmt.NewError("save", dir, nil, err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			opts.logger().Warn("remove previous save", zap.String("dir", old), zap.Error(err))
		}
	}
	if opts.Index != nil {
		opts.Index.RecordSave(dir, b.Metadata, len(b.Chunks))
	}
	return nil
}
