package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/segment"
)

func openStore(t *testing.T, dir string, rotate int, kind encoding.Kind) *Store {
	t.Helper()
	s, err := Open(Config{
		Dir:           dir,
		Codec:         encoding.MustNew(kind),
		RotationLines: rotate,
		ReadCacheSize: 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func requireValue(t *testing.T, s *Store, key, want string) {
	t.Helper()
	r, err := s.Get(key)
	require.NoError(t, err, "get %q", key)
	v, ok := r.Value()
	require.True(t, ok)
	assert.Equal(t, want, v, "value of %q", key)
}

func TestPutGet(t *testing.T) {
	for _, kind := range []encoding.Kind{encoding.KindJSON, encoding.KindXML, encoding.KindProto} {
		t.Run(string(kind), func(t *testing.T) {
			s := openStore(t, t.TempDir(), 4, kind)
			for i := 0; i < 20; i++ {
				require.NoError(t, s.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)))
			}
			for i := 0; i < 20; i++ {
				requireValue(t, s, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
			}

			_, err := s.Get("missing")
			assert.ErrorIs(t, err, dberrors.ErrNotFound)
		})
	}
}

func TestRotationScenario(t *testing.T) {
	s := openStore(t, t.TempDir(), 2, encoding.KindJSON)
	require.NoError(t, s.Put("a", "1"))
	require.NoError(t, s.Put("b", "2"))
	require.Empty(t, s.Segments())

	require.NoError(t, s.Put("c", "3"))
	sealed := s.Segments()
	require.Len(t, sealed, 1)
	assert.Equal(t, 0, sealed[0].Generation)
	assert.NotEqual(t, s.MainSegment(), sealed[0].Path)

	idx, ok := s.Index(sealed[0].Path)
	require.True(t, ok)
	assert.Equal(t, segment.Index{"a": 0, "b": 1}, idx)

	_, inMirror := s.mirror.Load().Load("c")
	assert.True(t, inMirror)
	requireValue(t, s, "c", "3")
	requireValue(t, s, "a", "1")
}

func TestSealedSegmentCount(t *testing.T) {
	for _, tc := range []struct{ n, t int }{{4, 3}, {6, 3}, {7, 3}, {10, 1}, {100, 7}} {
		t.Run(fmt.Sprintf("n=%d,t=%d", tc.n, tc.t), func(t *testing.T) {
			s := openStore(t, t.TempDir(), tc.t, encoding.KindProto)
			for i := 0; i < tc.n; i++ {
				require.NoError(t, s.Put(fmt.Sprintf("key-%03d", i), "v"))
			}

			want := (tc.n+tc.t-1)/tc.t - 1
			sealed := s.Segments()
			require.Len(t, sealed, want)
			for _, id := range sealed {
				idx, _ := s.Index(id.Path)
				assert.Len(t, idx, tc.t)
				for key, line := range idx {
					r, err := segment.ReadLine(id.Path, line, s.Codec())
					require.NoError(t, err)
					assert.Equal(t, key, r.Key())
				}
			}
		})
	}
}

func TestIndexPointsAtLastLine(t *testing.T) {
	s := openStore(t, t.TempDir(), 4, encoding.KindJSON)
	for _, kv := range [][2]string{{"a", "1"}, {"b", "1"}, {"a", "2"}, {"a", "3"}, {"z", "0"}} {
		require.NoError(t, s.Put(kv[0], kv[1]))
	}
	sealed := s.Segments()
	require.Len(t, sealed, 1)
	idx, _ := s.Index(sealed[0].Path)
	assert.Equal(t, segment.Index{"a": 3, "b": 1}, idx)
	requireValue(t, s, "a", "3")
}

func TestNewestValueWinsAcrossSegments(t *testing.T) {
	s := openStore(t, t.TempDir(), 2, encoding.KindXML)
	for i := 0; i < 9; i++ {
		require.NoError(t, s.Put("k", fmt.Sprintf("v%d", i)))
		require.NoError(t, s.Put(fmt.Sprintf("filler%d", i), "x"))
	}
	require.NoError(t, s.Put("filler-last", "x"))
	_, inMirror := s.mirror.Load().Load("k")
	require.False(t, inMirror)
	requireValue(t, s, "k", "v8")
}

func TestDelete(t *testing.T) {
	s := openStore(t, t.TempDir(), 2, encoding.KindJSON)
	require.NoError(t, s.Put("k", "v"))
	require.NoError(t, s.Delete("k"))

	r, err := s.Get("k")
	assert.ErrorIs(t, err, dberrors.ErrValueDeleted)
	assert.True(t, r.Tombstone())

	// Push the tombstone into a sealed segment.
	require.NoError(t, s.Put("x", "1"))
	require.NoError(t, s.Put("y", "1"))
	require.NoError(t, s.Put("z", "1"))
	_, err = s.Get("k")
	assert.ErrorIs(t, err, dberrors.ErrValueDeleted)

	require.NoError(t, s.Put("k", "back"))
	requireValue(t, s, "k", "back")
}

func TestLogEntriesAssignsIndexes(t *testing.T) {
	s := openStore(t, t.TempDir(), 100, encoding.KindProto)
	require.NoError(t, s.Log("a", "1", 9))
	assert.Equal(t, uint64(10), s.LastIndex())

	require.NoError(t, s.LogEntries([]Entry{
		{Key: "b", Value: "2"},
		{Key: "a", Tombstone: true},
	}, 10))
	assert.Equal(t, uint64(12), s.LastIndex())

	r, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), r.Index())

	r, err = s.Get("a")
	assert.ErrorIs(t, err, dberrors.ErrValueDeleted)
	assert.Equal(t, uint64(12), r.Index())

	require.NoError(t, s.Put("c", "3"))
	assert.Equal(t, uint64(13), s.LastIndex())
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, Codec: encoding.JSONCodec{}, RotationLines: 3})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)))
	}
	require.NoError(t, s.Delete("k0"))
	last := s.LastIndex()
	require.NoError(t, s.Close())

	s = openStore(t, dir, 3, encoding.KindJSON)
	assert.Equal(t, last, s.LastIndex())
	// Two rotated segments plus the old main segment.
	assert.Len(t, s.Segments(), 3)
	for i := 1; i < 7; i++ {
		requireValue(t, s, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	_, err = s.Get("k0")
	assert.ErrorIs(t, err, dberrors.ErrValueDeleted)
}

func TestReopenWithCorruptSegmentFails(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, Codec: encoding.JSONCodec{}})
	require.NoError(t, err)
	require.NoError(t, s.Put("a", "1"))
	require.NoError(t, s.Close())

	_, err = Open(Config{Dir: dir, Codec: encoding.XMLCodec{}})
	assert.ErrorIs(t, err, dberrors.ErrCorrupted)
}

func TestMissingIndexIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 10, encoding.KindJSON)
	require.NoError(t, s.AddIndex(filepath.Join(dir, segment.Name(0, 1)), nil))

	_, err := s.Get("anything")
	assert.ErrorIs(t, err, dberrors.ErrCorrupted)
}

func TestIndexPastEndIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 1, encoding.KindJSON)
	require.NoError(t, s.Put("a", "1"))
	require.NoError(t, s.Put("b", "2"))
	sealed := s.Segments()
	require.Len(t, sealed, 1)

	require.NoError(t, s.AddIndex(sealed[0].Path, segment.Index{"a": 0, "ghost": 42}))
	requireValue(t, s, "a", "1")
	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, dberrors.ErrCorrupted)
}

func TestUnreadableSegmentIsSkipped(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 1, encoding.KindJSON)
	require.NoError(t, s.Put("a", "old"))
	require.NoError(t, s.Put("b", "2"))

	// A newer generation-0 segment that claims "a" but is gone from disk.
	ghost := filepath.Join(dir, segment.Name(0, 1<<62))
	require.NoError(t, s.AddIndex(ghost, segment.Index{"a": 0}))
	assert.Equal(t, ghost, s.Segments()[0].Path)

	requireValue(t, s, "a", "old")
}

func TestRemoveIndexHidesSegment(t *testing.T) {
	s := openStore(t, t.TempDir(), 1, encoding.KindJSON)
	require.NoError(t, s.Put("a", "1"))
	require.NoError(t, s.Put("b", "2"))
	requireValue(t, s, "a", "1")

	s.RemoveIndex(s.Segments()[0].Path)
	assert.Empty(t, s.Segments())
	_, err := s.Get("a")
	assert.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestFailedAppendRollsBackMirror(t *testing.T) {
	s := openStore(t, t.TempDir(), 100, encoding.KindJSON)
	require.NoError(t, s.Put("k", "v1"))

	// Pull the file out from under the appender.
	require.NoError(t, s.main.Close())

	err := s.Put("k", "v2")
	assert.ErrorIs(t, err, dberrors.ErrIO)
	requireValue(t, s, "k", "v1")

	err = s.Put("fresh", "x")
	assert.ErrorIs(t, err, dberrors.ErrIO)
	_, err = s.Get("fresh")
	assert.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, t.TempDir(), 10, encoding.KindJSON)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put("k", "v"), dberrors.ErrFailedToObtainMainLog)
	assert.ErrorIs(t, s.Delete("k"), dberrors.ErrFailedToObtainMainLog)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := openStore(t, t.TempDir(), 8, encoding.KindProto)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, s.Put(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("%d", i)))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.Get(fmt.Sprintf("w0-%d", i))
				if err != nil {
					assert.ErrorIs(t, err, dberrors.ErrNotFound)
				}
			}
		}()
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		for i := 0; i < 50; i++ {
			requireValue(t, s, fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("%d", i))
		}
	}
	assert.Equal(t, uint64(200), s.LastIndex())
}

func TestReadRetriesAfterSegmentRetired(t *testing.T) {
	s := openStore(t, t.TempDir(), 1, encoding.KindJSON)
	require.NoError(t, s.Put("k", "v1"))
	require.NoError(t, s.Put("k", "v2"))
	require.NoError(t, s.Put("x", "y"))
	require.Len(t, s.Segments(), 2)

	// A reader took this snapshot before the compacted segment was published.
	stale := s.sealed.Load()

	merged, err := segment.Create(s.Dir(), 1)
	require.NoError(t, err)
	app, err := segment.OpenAppender(merged.Path, false)
	require.NoError(t, err)
	r, err := s.Get("k")
	require.NoError(t, err)
	line, err := s.Codec().Encode(r)
	require.NoError(t, err)
	_, err = app.Append(line)
	require.NoError(t, err)
	require.NoError(t, app.Close())

	idx, err := segment.BuildIndex(merged.Path, s.Codec())
	require.NoError(t, err)
	require.NoError(t, s.AddIndex(merged.Path, idx))
	for _, id := range stale.ids {
		s.RemoveIndex(id.Path)
		require.NoError(t, os.Remove(id.Path))
	}

	got, err := s.readSealed(stale, "k")
	require.NoError(t, err)
	v, _ := got.Value()
	assert.Equal(t, "v2", v)

	// Alone, the stale snapshot reports the missing file instead of falling
	// through to an older segment.
	_, err = s.getSealed(stale, "k")
	assert.ErrorIs(t, err, dberrors.ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
