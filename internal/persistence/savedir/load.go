package savedir

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/chunkfile"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

// Load runs ReadMetadata, ReadWorldState and ReadChunks and returns a complete
// bundle, or the first failure.
func Load(ctx context.Context, dir string, r record.Resolver, opts Options) (*Bundle, error) {
	meta, shot, err := ReadMetadata(dir, opts)
	if err != nil {
		return nil, err
	}
	ws, err := ReadWorldState(dir, r, opts)
	if err != nil {
		return nil, err
	}
	chunks, err := ReadChunks(ctx, dir, opts)
	if err != nil {
		return nil, err
	}
	opts.logger().Info("load complete",
		zap.String("dir", dir),
		zap.Int("game_id", meta.GameID),
		zap.Int("chunks", len(chunks)),
		zap.Bool("screenshot", shot != nil))
	return &Bundle{Metadata: meta, World: ws, Chunks: chunks, Screenshot: shot}, nil
}

// ReadMetadata reads the metadata record and, opportunistically, the screenshot.
func ReadMetadata(dir string, opts Options) (record.Metadata, *Screenshot, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return record.Metadata{}, nil, savefmt.NewError("read metadata", dir, savefmt.ErrNotFound, err)
	}
	if !st.IsDir() {
		return record.Metadata{}, nil, savefmt.NewError("read metadata", dir, savefmt.ErrNotFound, errors.New("not a directory"))
	}

	shot := FindScreenshot(dir, opts)

	meta, path, err := record.ReadMetadata(dir)
	if err != nil {
		return record.Metadata{}, nil, err
	}
	if names, _ := record.MetadataCandidates(dir); len(names) > 1 {
		opts.logger().Debug("several metadata files, using first by name",
			zap.String("used", filepath.Base(path)), zap.Strings("found", names))
	}
	return meta, shot, nil
}

// ReadWorldState reads World.<ext>. With DetectEncoding the file that exists is
// used; if both exist the one matching opts.Compressed wins.
func ReadWorldState(dir string, r record.Resolver, opts Options) (*record.WorldState, error) {
	enc := opts.encoding()
	if opts.DetectEncoding {
		present := record.WorldStateEncodings(dir)
		if len(present) > 0 && !containsEncoding(present, enc) {
			enc = present[0]
		}
	}
	return record.ReadWorldState(dir, enc, r)
}

func containsEncoding(list []savefmt.Encoding, enc savefmt.Encoding) bool {
	for _, e := range list {
		if e == enc {
			return true
		}
	}
	return false
}

type chunkFile struct {
	path string
	enc  savefmt.Encoding
}

// chunkFiles lists the files in chunkDir that a load with opts reads, sorted by name.
func chunkFiles(chunkDir string, opts Options) ([]chunkFile, error) {
	ents, err := os.ReadDir(chunkDir)
	if err != nil {
		return nil, err
	}
	var out []chunkFile
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		enc, ok := opts.acceptsExt(filepath.Ext(e.Name()))
		if !ok {
			continue
		}
		out = append(out, chunkFile{path: filepath.Join(chunkDir, e.Name()), enc: enc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// ReadChunks decodes every chunk file of the save. A missing or empty Chunks
// directory is ErrChunksNotFound; any single bad file fails the whole call.
func ReadChunks(ctx context.Context, dir string, opts Options) ([]chunkfile.Record, error) {
	chunkDir := filepath.Join(dir, ChunksDir)
	st, err := os.Stat(chunkDir)
	if err != nil {
		return nil, savefmt.NewError("read chunks", chunkDir, savefmt.ErrChunksNotFound, err)
	}
	if !st.IsDir() {
		return nil, savefmt.NewError("read chunks", chunkDir, savefmt.ErrChunksNotFound, errors.New("not a directory"))
	}
	files, err := chunkFiles(chunkDir, opts)
	if err != nil {
		return nil, savefmt.NewError("read chunks", chunkDir, savefmt.ErrChunksNotFound, err)
	}
	if len(files) == 0 {
		return nil, savefmt.NewError("read chunks", chunkDir, savefmt.ErrChunksNotFound,
			errors.Errorf("no .%s chunk files", opts.encoding().Ext()))
	}

	recs, err := decodeChunks(ctx, files, opts)
	if err != nil {
		return nil, savefmt.NewError("read chunks", chunkDir, nil, err)
	}

	log := opts.logger()
	owner := make(map[chunkfile.ID]string, len(recs))
	for i, rec := range recs {
		if prev, dup := owner[rec.ID]; dup {
			return nil, savefmt.NewError("read chunks", chunkDir, savefmt.ErrDuplicateChunk,
				errors.Errorf("chunk %s in both %s and %s", rec.ID, filepath.Base(prev), filepath.Base(files[i].path)))
		}
		owner[rec.ID] = files[i].path
		if id, _, err := chunkfile.ParseFileName(files[i].path); err != nil || id != rec.ID {
			log.Warn("chunk file name does not match its id",
				zap.String("file", filepath.Base(files[i].path)), zap.Stringer("id", rec.ID))
		}
	}
	sortChunks(recs)
	return recs, nil
}

func decodeChunks(ctx context.Context, files []chunkFile, opts Options) ([]chunkfile.Record, error) {
	recs := make([]chunkfile.Record, len(files))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	jobs := make(chan int)
	for w := 0; w < opts.workers(len(files)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				rec, err := chunkfile.ReadFileAs(files[i].path, files[i].enc)
				if err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
					continue
				}
				recs[i] = rec
			}
		}()
	}

feed:
	for i := range files {
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

	if err := multierr.Append(errs, ctx.Err()); err != nil {
		return nil, err
	}
	return recs, nil
}
