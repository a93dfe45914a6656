package savedir

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/record"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savefmt"
)

const ChunksDir = "Chunks"

// Recorder is told about every completed save (see indexdb.SQLiteIndex).
type Recorder interface {
	RecordSave(dir string, meta record.Metadata, chunks int)
}

// Options is threaded through every save and load call.
type Options struct {
	// Compressed selects the encoding of world-state and chunk files. Metadata is always plain.
	Compressed bool
	// DetectEncoding lets loads accept files of either encoding, chosen per file by extension.
	DetectEncoding bool
	// Workers bounds parallel chunk encode/decode. <= 0 means GOMAXPROCS.
	Workers int

	Logger *zap.Logger
	Index  Recorder
}

func (o Options) encoding() savefmt.Encoding { return savefmt.EncodingFor(o.Compressed) }

func (o Options) workers(n int) int {
	w := o.Workers
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// acceptsExt reports whether a load with these options reads files with ext.
func (o Options) acceptsExt(ext string) (savefmt.Encoding, bool) {
	enc, err := savefmt.EncodingForExt(ext)
	if err != nil {
		return savefmt.Plain, false
	}
	if o.DetectEncoding || enc == o.encoding() {
		return enc, true
	}
	return enc, false
}
