package savefmt

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Encoding selects how world-state and chunk files are laid out on disk.
type Encoding int

const (
	Plain Encoding = iota
	Compressed
)

const (
	PlainExt      = "json"
	CompressedExt = "zip"
)

// EncodingFor maps the process-level "compressed saves" choice to an Encoding.
func EncodingFor(compressed bool) Encoding {
	if compressed {
		return Compressed
	}
	return Plain
}

func (e Encoding) Ext() string {
	if e == Compressed {
		return CompressedExt
	}
	return PlainExt
}

func (e Encoding) String() string {
	switch e {
	case Plain:
		return "plain"
	case Compressed:
		return "compressed"
	default:
		return "unknown"
	}
}

// EncodingForExt accepts the extension with or without its leading dot.
func EncodingForExt(ext string) (Encoding, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case PlainExt:
		return Plain, nil
	case CompressedExt:
		return Compressed, nil
	}
	return Plain, errors.Wrapf(ErrUnsupportedFormat, "extension %q", ext)
}

func EncodingForPath(path string) (Encoding, error) {
	return EncodingForExt(filepath.Ext(path))
}
