package store

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sasha-s/go-deadlock"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"

	"nulldb/pkg/clock"
	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/metrics"
	"nulldb/pkg/segment"
)

const (
	DefaultRotationLines = 5120
	DefaultReadCacheSize = 4096
)

type Config struct {
	Dir   string
	Codec encoding.Codec
	// RotationLines is the number of lines a main segment holds before the
	// next write seals it.
	RotationLines int
	SyncWrites    bool
	// ReadCacheSize is the number of sealed records kept in memory; 0
	// disables the cache.
	ReadCacheSize int

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Entry is one replicated write applied through LogEntries.
type Entry struct {
	Key       string
	Value     string
	Tombstone bool
}

type mirror = skipmap.FuncMap[string, encoding.Record]

// sealedSet is an immutable snapshot of the sealed segments and their
// indexes. Writers replace it as a whole.
type sealedSet struct {
	ids     []segment.ID
	indexes map[string]segment.Index
}

type lineRef struct {
	path string
	line int
}

// Store is the segmented log storage engine. All mutation is serialized by mu;
// reads go through the mirror and sealed snapshots without locking.
type Store struct {
	dir     string
	codec   encoding.Codec
	rotate  int
	sync    bool
	log     *slog.Logger
	metrics metrics.Collector

	mu     deadlock.RWMutex
	closed bool
	main   *segment.Appender

	mirror atomic.Pointer[mirror]
	sealed atomic.Pointer[sealedSet]
	index  *clock.AtomicClock
	cache  *lru.Cache[lineRef, encoding.Record]
}

func newMirror() *mirror {
	return skipmap.NewFunc[string, encoding.Record](func(a, b string) bool { return a < b })
}

// Open indexes every segment already in cfg.Dir and starts a fresh main
// segment. The next log index continues after the largest index found on disk.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("empty data dir: %w", dberrors.ErrInvalidArgument)
	}
	if cfg.Codec == nil {
		cfg.Codec = encoding.JSONCodec{}
	}
	if cfg.RotationLines <= 0 {
		cfg.RotationLines = DefaultRotationLines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, dberrors.IO("create data dir", err)
	}

	s := &Store{
		dir:     cfg.Dir,
		codec:   cfg.Codec,
		rotate:  cfg.RotationLines,
		sync:    cfg.SyncWrites,
		log:     cfg.Logger.With("component", "store"),
		metrics: cfg.Metrics,
	}
	if cfg.ReadCacheSize > 0 {
		cache, err := lru.New[lineRef, encoding.Record](cfg.ReadCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create read cache: %w", err)
		}
		s.cache = cache
	}

	maxIndex, err := s.recover()
	if err != nil {
		return nil, err
	}
	s.index = clock.NewAtomic(maxIndex)

	s.mirror.Store(newMirror())
	if err := s.openMain(); err != nil {
		return nil, err
	}

	s.log.Info("store opened",
		"dir", s.dir,
		"codec", s.codec.Kind(),
		"sealed_segments", len(s.sealed.Load().ids),
		"last_index", maxIndex)
	return s, nil
}

func (s *Store) recover() (uint64, error) {
	ids, err := segment.List(s.dir)
	if err != nil {
		return 0, err
	}

	var maxIndex uint64
	indexes := make(map[string]segment.Index, len(ids))
	for _, id := range ids {
		idx := segment.Index{}
		err := segment.Scan(id.Path, s.codec, func(line int, r encoding.Record) error {
			idx[r.Key()] = line
			maxIndex = max(maxIndex, r.Index())
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("index %s: %w", id.Name(), err)
		}
		indexes[id.Path] = idx
	}

	s.publish(&sealedSet{ids: ids, indexes: indexes})
	return maxIndex, nil
}

func (s *Store) openMain() error {
	id, err := segment.Create(s.dir, 0)
	if err != nil {
		return err
	}
	app, err := segment.OpenAppender(id.Path, s.sync)
	if err != nil {
		return err
	}
	s.main = app
	return nil
}

func (s *Store) publish(set *sealedSet) {
	s.sealed.Store(set)
	s.metrics.SetGauge(metrics.StoreSegments, nil, float64(len(set.ids)))
}

// LastIndex is the highest log index written to this store.
func (s *Store) LastIndex() uint64 {
	return s.index.Val()
}

// MainSegment returns the path of the writable segment.
func (s *Store) MainSegment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.main == nil {
		return ""
	}
	return s.main.Path()
}

// Segments returns the sealed segments in read precedence order.
func (s *Store) Segments() []segment.ID {
	return slices.Clone(s.sealed.Load().ids)
}

// Index returns the published index of a sealed segment.
func (s *Store) Index(path string) (segment.Index, bool) {
	idx, ok := s.sealed.Load().indexes[path]
	return idx, ok
}

func (s *Store) Codec() encoding.Codec { return s.codec }

func (s *Store) Dir() string { return s.dir }

// AddIndex publishes the index of a sealed segment, making it visible to reads.
func (s *Store) AddIndex(path string, idx segment.Index) error {
	id, err := segment.Parse(path)
	if err != nil {
		return fmt.Errorf("add index: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addSealedLocked(id, idx)
	return nil
}

func (s *Store) addSealedLocked(id segment.ID, idx segment.Index) {
	cur := s.sealed.Load()
	next := &sealedSet{
		ids:     make([]segment.ID, 0, len(cur.ids)+1),
		indexes: make(map[string]segment.Index, len(cur.indexes)+1),
	}
	for _, old := range cur.ids {
		if old.Path != id.Path {
			next.ids = append(next.ids, old)
		}
	}
	next.ids = append(next.ids, id)
	segment.Precedence(next.ids)
	for p, i := range cur.indexes {
		next.indexes[p] = i
	}
	next.indexes[id.Path] = idx
	s.publish(next)
}

// RemoveIndex retires a sealed segment from reads. The file itself is left
// for the caller to delete.
func (s *Store) RemoveIndex(path string) {
	s.mu.Lock()
	cur := s.sealed.Load()
	next := &sealedSet{
		ids:     make([]segment.ID, 0, len(cur.ids)),
		indexes: make(map[string]segment.Index, len(cur.indexes)),
	}
	for _, id := range cur.ids {
		if id.Path != path {
			next.ids = append(next.ids, id)
		}
	}
	for p, i := range cur.indexes {
		if p != path {
			next.indexes[p] = i
		}
	}
	s.publish(next)
	s.mu.Unlock()

	if s.cache != nil {
		for _, ref := range s.cache.Keys() {
			if ref.path == path {
				s.cache.Remove(ref)
			}
		}
	}
}

// Close flushes and closes the main segment. Later writes fail with
// ErrFailedToObtainMainLog.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.main == nil {
		return nil
	}
	err := s.main.Close()
	s.main = nil
	return err
}
