package record

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

const (
	MetadataVersion = 1
	metadataBase    = "Metadata"
)

// Metadata is the small record describing a save. It is always written plain so
// save listings never have to decompress anything.
type Metadata struct {
	Version       int           `json:"version"`
	OverworldFile string        `json:"overworld_file"`
	WorldOrigin   [2]float64    `json:"world_origin"`
	WorldScale    float64       `json:"world_scale" validate:"gt=0"`
	TimeOfDay     float64       `json:"time_of_day" validate:"gte=0"`
	GameID        int           `json:"game_id"`
	Elapsed       time.Duration `json:"elapsed"`
	Slice         int           `json:"slice" validate:"gte=0"`
	NumChunks     [2]int        `json:"num_chunks" validate:"dive,gte=0"`
	SavedAt       time.Time     `json:"saved_at"`
	Compressed    bool          `json:"compressed"`
}

var validate = validator.New()

func (m Metadata) Validate() error {
	return validate.Struct(m)
}

func MetadataFileName() string { return metadataBase + "." + savefmt.PlainExt }

// WriteMetadata writes <dir>/Metadata.json.
func WriteMetadata(dir string, m Metadata) error {
	path := filepath.Join(dir, MetadataFileName())
	if m.Version == 0 {
		m.Version = MetadataVersion
	}
	if err := m.Validate(); err != nil {
		return savefmt.NewError("write metadata", path, savefmt.ErrMalformed, err)
	}
	if err := savefmt.WriteFile(path, savefmt.Plain, savefmt.Header{}, m); err != nil {
		return savefmt.NewError("write metadata", path, nil, err)
	}
	return nil
}

// MetadataCandidates lists files in dir named Metadata.<plain ext>, compared
// case-insensitively, sorted by name.
func MetadataCandidates(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if !strings.EqualFold(strings.TrimSuffix(name, ext), metadataBase) {
			continue
		}
		if enc, err := savefmt.EncodingForExt(ext); err != nil || enc != savefmt.Plain {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ReadMetadata reads the metadata record of a save directory. When several
// candidate files exist the lexicographically smallest name is used; the
// returned path says which one.
func ReadMetadata(dir string) (Metadata, string, error) {
	names, err := MetadataCandidates(dir)
	if err != nil {
		return Metadata{}, "", savefmt.Classify("read metadata", dir, savefmt.ErrMalformed, err)
	}
	if len(names) == 0 {
		return Metadata{}, "", savefmt.NewError("read metadata", dir, savefmt.ErrNotFound,
			errors.Errorf("no %s in directory", MetadataFileName()))
	}
	path := filepath.Join(dir, names[0])
	m, err := ReadMetadataFile(path)
	return m, path, err
}

func ReadMetadataFile(path string) (Metadata, error) {
	var m Metadata
	if err := savefmt.ReadFile(path, savefmt.Plain, savefmt.Header{}, &m); err != nil {
		return Metadata{}, savefmt.Classify("read metadata", path, savefmt.ErrMalformed, err)
	}
	if m.Version > MetadataVersion {
		return Metadata{}, savefmt.NewError("read metadata", path, savefmt.ErrMalformed,
			errors.Errorf("version %d is newer than supported %d", m.Version, MetadataVersion))
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, savefmt.NewError("read metadata", path, savefmt.ErrMalformed, err)
	}
	return m, nil
}
