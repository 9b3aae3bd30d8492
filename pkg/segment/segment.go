package segment

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"nulldb/pkg/dberrors"
)

// Ext is the file extension of every segment file.
const Ext = "nullsegment"

var errBadName = errors.New("not a segment file name")

// ID identifies a segment file: {generation}-{timestamp}.nullsegment.
type ID struct {
	Generation int
	Timestamp  int64
	Path       string
}

func (id ID) Name() string {
	return filepath.Base(id.Path)
}

// Name builds the file name of a segment.
func Name(generation int, timestamp int64) string {
	return fmt.Sprintf("%d-%d.%s", generation, timestamp, Ext)
}

// Parse splits a segment path into generation and timestamp. Only the first
// '-' separates the two.
func Parse(path string) (ID, error) {
	base := filepath.Base(path)
	stem, ok := strings.CutSuffix(base, "."+Ext)
	if !ok {
		return ID{}, fmt.Errorf("%s: %w", base, errBadName)
	}
	genPart, tsPart, ok := strings.Cut(stem, "-")
	if !ok {
		return ID{}, fmt.Errorf("%s: %w", base, errBadName)
	}
	gen, err := strconv.Atoi(genPart)
	if err != nil || gen < 0 {
		return ID{}, fmt.Errorf("%s: bad generation: %w", base, errBadName)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%s: bad timestamp: %w", base, errBadName)
	}
	return ID{Generation: gen, Timestamp: ts, Path: path}, nil
}

// List returns every segment file in dir in read precedence order. Files that
// do not look like segments are ignored.
func List(dir string) ([]ID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, dberrors.IO("list segments", err)
	}

	ids := make([]ID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := Parse(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	Precedence(ids)
	return ids, nil
}

// Create makes a new empty segment of the given generation. The timestamp is
// the current time, bumped until the name is unused.
func Create(dir string, generation int) (ID, error) {
	ts := time.Now().UnixNano()
	for {
		path := filepath.Join(dir, Name(generation, ts))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			ts++
			continue
		}
		if err != nil {
			return ID{}, dberrors.IO("create segment", err)
		}
		if err := f.Close(); err != nil {
			return ID{}, dberrors.IO("create segment", err)
		}
		return ID{Generation: generation, Timestamp: ts, Path: path}, nil
	}
}

// Precedence sorts ids so that the segment holding the most recent data comes
// first: generation 0 (fresh rotations) before compacted generations, and
// newer files before older ones inside a generation.
func Precedence(ids []ID) {
	slices.SortFunc(ids, func(a, b ID) int {
		if c := cmp.Compare(a.Generation, b.Generation); c != 0 {
			return c
		}
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
}

// Generation is one group of segments.
type Generation struct {
	Number   int
	Segments []ID
}

// ByGeneration groups ids oldest data first: highest generation number
// first, and ascending timestamps inside each group.
func ByGeneration(ids []ID) []Generation {
	groups := map[int][]ID{}
	for _, id := range ids {
		groups[id.Generation] = append(groups[id.Generation], id)
	}

	out := make([]Generation, 0, len(groups))
	for gen, segs := range groups {
		slices.SortFunc(segs, func(a, b ID) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
		out = append(out, Generation{Number: gen, Segments: segs})
	}
	slices.SortFunc(out, func(a, b Generation) int { return cmp.Compare(b.Number, a.Number) })
	return out
}
