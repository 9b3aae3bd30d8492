package store

import (
	"errors"
	"os"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/metrics"
	"nulldb/pkg/segment"
)

// Get returns the most recent record for key. A tombstone is returned
// together with ErrValueDeleted; a key never written gives ErrNotFound.
func (s *Store) Get(key string) (encoding.Record, error) {
	if r, ok := s.mirror.Load().Load(key); ok {
		s.metrics.IncCounter(metrics.StoreReads, map[string]string{"source": "mirror"}, 1)
		return found(r)
	}

	r, err := s.readSealed(s.sealed.Load(), key)
	switch {
	case err == nil:
		s.metrics.IncCounter(metrics.StoreReads, map[string]string{"source": "segment"}, 1)
		return found(r)
	case errors.Is(err, dberrors.ErrNotFound):
		s.metrics.IncCounter(metrics.StoreReads, map[string]string{"source": "miss"}, 1)
	}
	return encoding.Record{}, err
}

// readSealed looks key up in set. Compaction may retire a segment of set after
// publishing its replacement, so a vanished file is retried once against the
// current snapshot.
func (s *Store) readSealed(set *sealedSet, key string) (encoding.Record, error) {
	r, err := s.getSealed(set, key)
	if errors.Is(err, os.ErrNotExist) {
		if next := s.sealed.Load(); next != set {
			return s.getSealed(next, key)
		}
	}
	return r, err
}

// getSealed looks key up in the segments of set. A segment file that no
// longer exists is reported rather than skipped.
func (s *Store) getSealed(set *sealedSet, key string) (encoding.Record, error) {
	for _, id := range set.ids {
		idx, ok := set.indexes[id.Path]
		if !ok || idx == nil {
			return encoding.Record{}, dberrors.Corrupted("sealed segment %s has no index", id.Name())
		}
		line, ok := idx[key]
		if !ok {
			continue
		}

		r, err := s.readRecord(id.Path, line)
		switch {
		case errors.Is(err, segment.ErrNoSuchLine), errors.Is(err, os.ErrNotExist):
			return encoding.Record{}, err
		case err != nil:
			s.log.Warn("skipping unreadable segment", "segment", id.Name(), "key", key, "error", err)
			continue
		}
		return r, nil
	}
	return encoding.Record{}, dberrors.ErrNotFound
}

func found(r encoding.Record) (encoding.Record, error) {
	if r.Tombstone() {
		return r, dberrors.ErrValueDeleted
	}
	return r, nil
}

func (s *Store) readRecord(path string, line int) (encoding.Record, error) {
	ref := lineRef{path: path, line: line}
	if s.cache != nil {
		if r, ok := s.cache.Get(ref); ok {
			return r, nil
		}
	}
	r, err := segment.ReadLine(path, line, s.codec)
	if err != nil {
		return encoding.Record{}, err
	}
	if s.cache != nil {
		s.cache.Add(ref, r)
	}
	return r, nil
}
