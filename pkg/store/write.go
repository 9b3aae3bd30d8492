package store

import (
	"fmt"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/metrics"
	"nulldb/pkg/segment"
)

// Put writes value under key at the next log index.
func (s *Store) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(encoding.NewRecord(key, s.index.Val()+1, value), "put")
}

// Delete writes a tombstone for key at the current log index.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(encoding.NewTombstone(key, s.index.Val()), "delete")
}

// Log appends a replicated entry that follows index.
func (s *Store) Log(key, value string, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(encoding.NewRecord(key, index+1, value), "log")
}

// LogEntries appends entries at index+1, index+2, ... in order. It stops at
// the first failure; entries before it stay written.
func (s *Store) LogEntries(entries []Entry, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		at := index + uint64(i) + 1
		rec := encoding.NewRecord(e.Key, at, e.Value)
		if e.Tombstone {
			rec = encoding.NewTombstone(e.Key, at)
		}
		if err := s.writeLocked(rec, "log"); err != nil {
			return fmt.Errorf("entry %d: %w", at, err)
		}
	}
	return nil
}

func (s *Store) writeLocked(rec encoding.Record, op string) error {
	if s.closed {
		return fmt.Errorf("%w: %w", dberrors.ErrFailedToObtainMainLog, dberrors.ErrClosed)
	}
	if s.main == nil {
		if err := s.openMain(); err != nil {
			return fmt.Errorf("%w: %w", dberrors.ErrFailedToObtainMainLog, err)
		}
	}
	if s.main.Lines() >= s.rotate {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	line, err := s.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode %q: %w", rec.Key(), err)
	}

	m := s.mirror.Load()
	prev, had := m.Load(rec.Key())
	m.Store(rec.Key(), rec)
	if _, err := s.main.Append(line); err != nil {
		if had {
			m.Store(rec.Key(), prev)
		} else {
			m.Delete(rec.Key())
		}
		s.metrics.IncCounter(metrics.StoreWriteFailures, nil, 1)
		s.log.Error("append failed, mirror rolled back", "key", rec.Key(), "error", err)
		return err
	}

	s.index.Observe(rec.Index())
	s.metrics.IncCounter(metrics.StoreWrites, map[string]string{"op": op}, 1)
	return nil
}

// rotateLocked seals the main segment, publishes its index and starts a new
// main segment at generation 0.
func (s *Store) rotateLocked() error {
	path := s.main.Path()
	// Every append is flushed already, so the file is complete even if
	// closing it fails.
	if err := s.main.Close(); err != nil {
		s.log.Warn("closing main segment", "path", path, "error", err)
	}
	s.main = nil

	id, err := segment.Parse(path)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	idx, err := segment.BuildIndex(path, s.codec)
	if err != nil {
		// Keep writing to the same file so the mirror stays accurate.
		if app, oerr := segment.OpenAppender(path, s.sync); oerr == nil {
			s.main = app
		}
		return fmt.Errorf("rotate: %w", err)
	}
	s.addSealedLocked(id, idx)
	s.mirror.Store(newMirror())

	if err := s.openMain(); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrFailedToObtainMainLog, err)
	}
	s.metrics.IncCounter(metrics.StoreRotations, nil, 1)
	s.log.Debug("main segment rotated", "sealed", id.Name(), "keys", len(idx), "main", s.main.Path())
	return nil
}
