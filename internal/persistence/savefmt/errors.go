package savefmt

import (
	"fmt"
	"io/fs"

	"github.com/pkg/errors"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrMalformed           = errors.New("malformed")
	ErrCorrupt             = errors.New("corrupt")
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrChunksNotFound      = errors.New("chunks not found")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrDuplicateChunk      = errors.New("duplicate chunk")
)

// Error reports which step failed on which file. Kind is one of the sentinels above.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func NewError(op, path string, kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// Classify wraps err with kind, except that a missing file is always ErrNotFound.
func Classify(op, path string, kind, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		kind = ErrNotFound
	}
	return NewError(op, path, kind, err)
}

// KindOf returns the first taxonomy sentinel err matches, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrNotFound, ErrMalformed, ErrCorrupt, ErrUnsupportedFormat,
		ErrChunksNotFound, ErrUnresolvedReference, ErrDuplicateChunk,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func errHeader(want, got Header) error {
	return fmt.Errorf("header mismatch: want %s v%d, got %s v%d", want.Kind, want.Version, got.Kind, got.Version)
}
