package savedir

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

// SaveInfo is one entry of a save browser. Metadata is nil when it could not be
// read; MetadataErr then says why.
type SaveInfo struct {
	Dir         string
	Name        string
	Metadata    *record.Metadata
	MetadataErr error
	Screenshot  string
	// Time is Metadata.SavedAt, or the directory's modification time when
	// metadata is unreadable or carries no timestamp.
	Time             time.Time
	TimeFromMetadata bool
}

// ListSaves describes every immediate subdirectory of root, newest first.
// Equal times order by name, greatest first. A missing root lists nothing.
func ListSaves(root string, opts Options) ([]SaveInfo, error) {
	ents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, savefmt.NewError("list saves", root, nil, err)
	}
	log := opts.logger()
	var out []SaveInfo
	for _, e := range ents {
		if !e.IsDir() || isScratchDir(e.Name()) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		info := SaveInfo{Dir: dir, Name: e.Name()}

		meta, _, err := record.ReadMetadata(dir)
		if err != nil {
			info.MetadataErr = err
			log.Debug("save without readable metadata", zap.String("dir", dir), zap.Error(err))
		} else {
			info.Metadata = &meta
		}
		if shots := screenshotPaths(dir); len(shots) > 0 {
			info.Screenshot = shots[0]
		}

		if info.Metadata != nil && !info.Metadata.SavedAt.IsZero() {
			info.Time = info.Metadata.SavedAt
			info.TimeFromMetadata = true
		} else if fi, err := e.Info(); err == nil {
			info.Time = fi.ModTime()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// isScratchDir matches the temporary siblings SaveAtomic creates.
func isScratchDir(name string) bool {
	return strings.Contains(name, ".tmp-") || strings.Contains(name, ".old-")
}

// FindMostRecentSave returns the newest save directory under root, or false
// when root holds no subdirectories. Directories with readable metadata win
// over ones without; modification time only decides when none has metadata.
func FindMostRecentSave(root string) (string, bool, error) {
	saves, err := ListSaves(root, Options{})
	if err != nil {
		return "", false, err
	}
	if len(saves) == 0 {
		return "", false, nil
	}
	for _, s := range saves {
		if s.Metadata != nil {
			return s.Dir, true, nil
		}
	}
	return saves[0].Dir, true, nil
}
