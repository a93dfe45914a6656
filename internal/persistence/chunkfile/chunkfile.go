// Package chunkfile reads and writes one voxel chunk per file.
package chunkfile

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

const Version = 1

var header = savefmt.Header{Kind: "chunk", Version: Version}

// ID is the chunk's position on the chunk grid.
type ID struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
	Z int `json:"z" msgpack:"z"`
}

func (id ID) String() string { return fmt.Sprintf("%d_%d_%d", id.X, id.Y, id.Z) }

// Less orders ids by X, then Y, then Z.
func (id ID) Less(o ID) bool {
	if id.X != o.X {
		return id.X < o.X
	}
	if id.Y != o.Y {
		return id.Y < o.Y
	}
	return id.Z < o.Z
}

// Record is one chunk: its grid id plus the voxel payload.
// Liquid and Explored are optional; when present they hold one entry per voxel.
type Record struct {
	ID       ID       `json:"id" msgpack:"id"`
	Size     [3]int   `json:"size" msgpack:"size"`
	Blocks   []uint16 `json:"blocks" msgpack:"blocks"`
	Liquid   []uint8  `json:"liquid,omitempty" msgpack:"liquid,omitempty"`
	Explored []uint8  `json:"explored,omitempty" msgpack:"explored,omitempty"`
}

func (r Record) Voxels() int { return r.Size[0] * r.Size[1] * r.Size[2] }

// Validate checks the payload arrays against Size.
func (r Record) Validate() error {
	if r.Size[0] < 0 || r.Size[1] < 0 || r.Size[2] < 0 {
		return errors.Errorf("chunk %s: negative size %v", r.ID, r.Size)
	}
	n := r.Voxels()
	if len(r.Blocks) != n {
		return errors.Errorf("chunk %s: %d blocks for size %v", r.ID, len(r.Blocks), r.Size)
	}
	if len(r.Liquid) != 0 && len(r.Liquid) != n {
		return errors.Errorf("chunk %s: %d liquid cells for size %v", r.ID, len(r.Liquid), r.Size)
	}
	if len(r.Explored) != 0 && len(r.Explored) != n {
		return errors.Errorf("chunk %s: %d explored cells for size %v", r.ID, len(r.Explored), r.Size)
	}
	return nil
}

// Encode writes rec to w.
func Encode(w io.Writer, rec Record, enc savefmt.Encoding) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return savefmt.Encode(w, enc, header, rec)
}

// Decode reads a record. Any parse, decompression or size failure is ErrCorrupt.
func Decode(r io.Reader, enc savefmt.Encoding) (Record, error) {
	var rec Record
	if err := savefmt.Decode(r, enc, header, &rec); err != nil {
		return Record{}, savefmt.NewError("decode chunk", "", savefmt.ErrCorrupt, err)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, savefmt.NewError("decode chunk", "", savefmt.ErrCorrupt, err)
	}
	return rec, nil
}

func Marshal(rec Record, enc savefmt.Encoding) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, rec, enc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte, enc savefmt.Encoding) (Record, error) {
	return Decode(bytes.NewReader(data), enc)
}

// FileName returns "<x>_<y>_<z>.<ext>".
func FileName(id ID, enc savefmt.Encoding) string {
	return id.String() + "." + enc.Ext()
}

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (ID, savefmt.Encoding, error) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	enc, err := savefmt.EncodingForExt(ext)
	if err != nil {
		return ID{}, savefmt.Plain, err
	}
	parts := strings.Split(strings.TrimSuffix(base, ext), "_")
	if len(parts) != 3 {
		return ID{}, enc, errors.Errorf("chunk file name %q: want <x>_<y>_<z>", base)
	}
	var xyz [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return ID{}, enc, errors.Wrapf(err, "chunk file name %q", base)
		}
		xyz[i] = v
	}
	return ID{X: xyz[0], Y: xyz[1], Z: xyz[2]}, enc, nil
}

func WriteFile(path string, rec Record, enc savefmt.Encoding) error {
	if err := rec.Validate(); err != nil {
		return savefmt.NewError("write chunk", path, savefmt.ErrMalformed, err)
	}
	if err := savefmt.WriteFile(path, enc, header, rec); err != nil {
		return savefmt.NewError("write chunk", path, nil, err)
	}
	return nil
}

// ReadFileAs decodes path with an explicitly chosen encoding.
func ReadFileAs(path string, enc savefmt.Encoding) (Record, error) {
	var rec Record
	if err := savefmt.ReadFile(path, enc, header, &rec); err != nil {
		return Record{}, savefmt.Classify("read chunk", path, savefmt.ErrCorrupt, err)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, savefmt.NewError("read chunk", path, savefmt.ErrCorrupt, err)
	}
	return rec, nil
}

// ReadFile picks the decode path from the file extension.
func ReadFile(path string) (Record, error) {
	enc, err := savefmt.EncodingForPath(path)
	if err != nil {
		return Record{}, savefmt.NewError("read chunk", path, nil, err)
	}
	return ReadFileAs(path, enc)
}
