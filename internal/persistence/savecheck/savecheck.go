// Package savecheck verifies a save directory: it loads it completely and
// checks every plain file against the embedded JSON schemas.
package savecheck

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savedir"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
	"github.com/Foxdelta8/dwarfcorp/schemas"
)

const schemaBase = "https://dwarfcorp.local/schemas/"

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

// Schema returns the compiled schema named name (see package schemas).
func Schema(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = compileAll()
	})
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[name]
	if !ok {
		return nil, errors.Errorf("unknown schema %q", name)
	}
	return s, nil
}

func compileAll() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	names := []string{schemas.Metadata, schemas.World, schemas.Chunk}
	for _, name := range names {
		f, err := schemas.FS.Open(name)
		if err != nil {
			return nil, err
		}
		err = c.AddResource(schemaBase+name, f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "schema %s", name)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, errors.Wrapf(err, "compile %s", name)
		}
		out[name] = s
	}
	return out, nil
}

// ValidateFile checks one plain JSON file against the named schema.
func ValidateFile(path, schemaName string) error {
	s, err := Schema(schemaName)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return savefmt.Classify("validate", path, nil, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return savefmt.NewError("validate", path, savefmt.ErrMalformed, err)
	}
	if err := s.Validate(v); err != nil {
		return savefmt.NewError("validate", path, savefmt.ErrMalformed, err)
	}
	return nil
}

// Report summarizes a verified save.
type Report struct {
	Dir         string
	Metadata    record.Metadata
	Chunks      int
	Entities    int
	Screenshot  bool
	SchemaFiles int
}

// Verify loads dir with opts and validates its plain files. A load failure is
// returned as is; schema violations are combined into one error.
func Verify(ctx context.Context, dir string, opts savedir.Options) (*Report, error) {
	b, err := savedir.Load(ctx, dir, nil, opts)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		Dir:        dir,
		Metadata:   b.Metadata,
		Chunks:     len(b.Chunks),
		Entities:   len(b.World.Entities),
		Screenshot: b.Screenshot != nil,
	}

	var errs error
	check := func(path, schemaName string) {
		rep.SchemaFiles++
		errs = multierr.Append(errs, ValidateFile(path, schemaName))
	}

	_, metaPath, err := record.ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	check(metaPath, schemas.Metadata)

	worldPath := filepath.Join(dir, record.WorldFileName(savefmt.Plain))
	if _, err := os.Stat(worldPath); err == nil {
		check(worldPath, schemas.World)
	}

	chunkDir := filepath.Join(dir, savedir.ChunksDir)
	walkErr := filepath.WalkDir(chunkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != chunkDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), "."+savefmt.PlainExt) {
			check(path, schemas.Chunk)
		}
		return nil
	})
	errs = multierr.Append(errs, walkErr)

	if opts.Logger != nil {
		opts.Logger.Debug("verify complete",
			zap.String("dir", dir),
			zap.Int("schema_files", rep.SchemaFiles),
			zap.Int("problems", len(multierr.Errors(errs))))
	}
	return rep, errs
}
