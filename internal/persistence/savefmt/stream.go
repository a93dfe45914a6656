package savefmt

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Header is the first line of every compressed stream. Plain files carry no header.
type Header struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
}

const streamBufSize = 64 * 1024

// Encode writes v to w. Plain is indented JSON; Compressed is a zstd stream holding
// the JSON header line followed by a msgpack body.
func Encode(w io.Writer, enc Encoding, h Header, v any) error {
	switch enc {
	case Plain:
		je := json.NewEncoder(w)
		je.SetIndent("", "  ")
		return errors.Wrap(je.Encode(v), "json encode")
	case Compressed:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		bw := bufio.NewWriterSize(zw, streamBufSize)
		hb, _ := json.Marshal(h)
		if _, err := bw.Write(hb); err != nil {
			_ = zw.Close()
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			_ = zw.Close()
			return err
		}
		if err := msgpack.NewEncoder(bw).Encode(v); err != nil {
			_ = zw.Close()
			return errors.Wrap(err, "msgpack encode")
		}
		if err := bw.Flush(); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	}
	return errors.Wrapf(ErrUnsupportedFormat, "encoding %d", int(enc))
}

// Decode reads one value written by Encode. Trailing bytes after the value, a bad
// header, or a truncated zstd frame are all reported as errors.
func Decode(r io.Reader, enc Encoding, h Header, v any) error {
	switch enc {
	case Plain:
		jd := json.NewDecoder(bufio.NewReaderSize(r, streamBufSize))
		if err := jd.Decode(v); err != nil {
			return errors.Wrap(err, "json decode")
		}
		if _, err := jd.Token(); err != io.EOF {
			return errors.New("trailing data after json document")
		}
		return nil
	case Compressed:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return errors.Wrap(err, "zstd")
		}
		defer zr.Close()
		br := bufio.NewReaderSize(zr, streamBufSize)

		line, err := br.ReadBytes('\n')
		if err != nil {
			return errors.Wrap(err, "read header")
		}
		var got Header
		if err := json.Unmarshal(line, &got); err != nil {
			return errors.Wrap(err, "parse header")
		}
		if got != h {
			return errHeader(h, got)
		}
		if err := msgpack.NewDecoder(br).Decode(v); err != nil {
			return errors.Wrap(err, "msgpack decode")
		}
		// Drain so the frame checksum is verified.
		n, err := io.Copy(io.Discard, br)
		if err != nil {
			return errors.Wrap(err, "zstd")
		}
		if n > 0 {
			return errors.Errorf("%d trailing bytes after body", n)
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedFormat, "encoding %d", int(enc))
}

func WriteFile(path string, enc Encoding, h Header, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, enc, h, v); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func ReadFile(path string, enc Encoding, h Header, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Decode(f, enc, h, v)
}
