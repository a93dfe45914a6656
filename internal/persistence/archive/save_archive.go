package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

const MetaFile = "archive.json"

type SaveArchiveMeta struct {
	GameID     int    `json:"game_id"`
	Overworld  string `json:"overworld"`
	Source     string `json:"source"`
	SavedAt    string `json:"saved_at"`
	CreatedAt  string `json:"created_at"`
	Compressed bool   `json:"compressed"`
	Files      int    `json:"files"`
}

// ArchiveSave copies the save in saveDir to `archiveRoot/game_<id>_<savedAtUnix>/`
// and writes archive.json next to it. Directories without readable metadata are
// refused. Archiving the same save twice overwrites the earlier copy.
func ArchiveSave(archiveRoot, saveDir string) (string, SaveArchiveMeta, error) {
	meta, _, err := record.ReadMetadata(saveDir)
	if err != nil {
		return "", SaveArchiveMeta{}, err
	}

	dst := filepath.Join(archiveRoot, fmt.Sprintf("game_%d_%d", meta.GameID, meta.SavedAt.Unix()))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", SaveArchiveMeta{}, savefmt.NewError("archive", dst, nil, err)
	}
	files, err := copyTree(saveDir, dst)
	if err != nil {
		return "", SaveArchiveMeta{}, savefmt.NewError("archive", saveDir, nil, err)
	}

	src := saveDir
	if abs, err := filepath.Abs(saveDir); err == nil {
		src = abs
	}
	am := SaveArchiveMeta{
		GameID:     meta.GameID,
		Overworld:  meta.OverworldFile,
		Source:     src,
		SavedAt:    meta.SavedAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Compressed: meta.Compressed,
		Files:      files,
	}
	b, err := json.MarshalIndent(am, "", "  ")
	if err != nil {
		return "", SaveArchiveMeta{}, err
	}
	if err := os.WriteFile(filepath.Join(dst, MetaFile), b, 0o644); err != nil {
		return "", SaveArchiveMeta{}, savefmt.NewError("archive", dst, nil, err)
	}
	return dst, am, nil
}

// ReadArchiveMeta reads the archive.json sidecar of an archived save.
func ReadArchiveMeta(dir string) (SaveArchiveMeta, error) {
	var am SaveArchiveMeta
	b, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return am, savefmt.Classify("read archive meta", dir, nil, err)
	}
	if err := json.Unmarshal(b, &am); err != nil {
		return am, savefmt.NewError("read archive meta", dir, savefmt.ErrMalformed, err)
	}
	return am, nil
}

// copyTree copies regular files under src into dst and returns how many it copied.
func copyTree(src, dst string) (int, error) {
	n := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
