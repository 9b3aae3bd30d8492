package segment

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
)

// Index maps a key to the line holding its last record in one segment.
type Index map[string]int

// ErrNoSuchLine means an index pointed past the end of a segment or at an
// empty line. It always comes wrapped together with dberrors.ErrCorrupted.
var ErrNoSuchLine = errors.New("no record on line")

var errStop = errors.New("stop scan")

// Scan decodes every non-empty line of the segment at path and passes it to
// fn with its zero-based line number. Empty lines still count as lines.
func Scan(path string, codec encoding.Codec, fn func(line int, r encoding.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return dberrors.IO("open segment", err)
	}
	defer f.Close()

	return scanLines(bufio.NewReader(f), func(n int, raw []byte) error {
		if len(raw) == 0 {
			return nil
		}
		r, err := codec.Decode(raw)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", path, n, err)
		}
		return fn(n, r)
	})
}

func scanLines(rd *bufio.Reader, fn func(n int, raw []byte) error) error {
	for n := 0; ; n++ {
		raw, err := rd.ReadBytes('\n')
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return dberrors.IO("read segment", err)
		}
		raw = bytes.TrimRight(raw, "\r\n")
		if ferr := fn(n, raw); ferr != nil {
			return ferr
		}
		if err != nil {
			return nil
		}
	}
}

// BuildIndex indexes the segment at path. A line that fails to decode makes
// the whole index fail with ErrCorrupted.
func BuildIndex(path string, codec encoding.Codec) (Index, error) {
	idx := Index{}
	err := Scan(path, codec, func(line int, r encoding.Record) error {
		idx[r.Key()] = line
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// ReadLine decodes the record on the given line. A line that does not exist
// or is empty is reported as ErrCorrupted since an index pointed at it.
func ReadLine(path string, line int, codec encoding.Codec) (encoding.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return encoding.Record{}, dberrors.IO("open segment", err)
	}
	defer f.Close()

	var (
		raw   []byte
		found bool
	)
	err = scanLines(bufio.NewReader(f), func(n int, b []byte) error {
		if n < line {
			return nil
		}
		raw, found = bytes.Clone(b), true
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return encoding.Record{}, err
	}
	if !found || len(raw) == 0 {
		return encoding.Record{}, fmt.Errorf("%w: %w: %s line %d", dberrors.ErrCorrupted, ErrNoSuchLine, path, line)
	}
	return codec.Decode(raw)
}

// CountLines returns the number of lines in the segment at path.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, dberrors.IO("open segment", err)
	}
	defer f.Close()

	count := 0
	err = scanLines(bufio.NewReader(f), func(int, []byte) error {
		count++
		return nil
	})
	return count, err
}
