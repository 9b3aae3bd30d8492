package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/listener"
	"nulldb/pkg/metrics"
	"nulldb/pkg/segment"
)

const (
	DefaultInterval            = 300 * time.Second
	DefaultFlushThresholdBytes = 1 << 20
)

var ErrStopped = errors.New("compactor stopped")

type iStore interface {
	Dir() string
	Codec() encoding.Codec
	MainSegment() string
	Index(path string) (segment.Index, bool)
	AddIndex(path string, idx segment.Index) error
	RemoveIndex(path string)
}

type Config struct {
	// Interval between scheduled passes; 0 disables the timer.
	Interval time.Duration
	// FlushThresholdBytes is the encoded size at which the working set is
	// written out mid-pass.
	FlushThresholdBytes int

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Result describes one compaction pass.
type Result struct {
	Inputs  int
	Outputs int
}

type request struct {
	done chan error
}

// Compactor merges sealed segments. Passes, whether scheduled or manual, run
// one at a time on the listener goroutine.
type Compactor struct {
	*listener.Listener[request]

	store     iStore
	interval  time.Duration
	threshold int
	log       *slog.Logger
	metrics   metrics.Collector

	requests chan request
	stopped  chan struct{}
}

func New(store iStore, cfg Config) *Compactor {
	if cfg.FlushThresholdBytes <= 0 {
		cfg.FlushThresholdBytes = DefaultFlushThresholdBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}

	c := &Compactor{
		store:     store,
		interval:  cfg.Interval,
		threshold: cfg.FlushThresholdBytes,
		log:       cfg.Logger.With("component", "compactor"),
		metrics:   cfg.Metrics,
		requests:  make(chan request),
		stopped:   make(chan struct{}),
	}
	c.Listener = listener.New("compactor", c.requests, c.handle, func() { close(c.stopped) })
	return c
}

// Start runs the compaction worker and, if an interval is set, the timer that
// feeds it.
func (c *Compactor) Start(ctx context.Context) {
	c.Listener.Start(ctx)
	if c.interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case c.requests <- request{}:
				case <-ctx.Done():
					return
				case <-c.stopped:
					return
				}
			case <-ctx.Done():
				return
			case <-c.stopped:
				return
			}
		}
	}()
}

// Compact asks the worker for one pass and waits for it to finish.
func (c *Compactor) Compact(ctx context.Context) error {
	req := request{done: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Compactor) handle(ctx context.Context, req request) error {
	_, err := c.RunOnce(ctx)
	if req.done != nil {
		req.done <- err
		return nil
	}
	return err
}

// RunOnce performs a single pass on the calling goroutine.
func (c *Compactor) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := c.run(ctx)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		c.log.Error("compaction aborted", "inputs", res.Inputs, "outputs", res.Outputs, "error", err)
	case res.Inputs == 0:
		outcome = "noop"
	default:
		c.log.Info("compaction finished",
			"inputs", res.Inputs,
			"outputs", res.Outputs,
			"took", time.Since(start))
	}
	c.metrics.IncCounter(metrics.CompactionPasses, map[string]string{"result": outcome}, 1)
	c.metrics.ObserveHistogram(metrics.CompactionSeconds, nil, time.Since(start).Seconds())
	return res, err
}

func (c *Compactor) run(ctx context.Context) (Result, error) {
	var res Result

	sealed, err := c.sealedSegments()
	if err != nil {
		return res, err
	}
	if len(sealed) < 2 {
		return res, nil
	}

	codec := c.store.Codec()
	ws := newWorkingSet(codec)
	var consumed []segment.ID

	for _, gen := range segment.ByGeneration(sealed) {
		for _, id := range gen.Segments {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			err := segment.Scan(id.Path, codec, func(_ int, r encoding.Record) error {
				return ws.put(r)
			})
			if err != nil {
				return res, fmt.Errorf("read %s: %w", id.Name(), err)
			}
			consumed = append(consumed, id)
			res.Inputs++

			if ws.size > c.threshold {
				if err := c.flush(ws, gen.Number+1, consumed); err != nil {
					return res, err
				}
				res.Outputs++
				ws = newWorkingSet(codec)
				consumed = nil
			}
		}
	}

	if ws.len() > 0 {
		if err := c.flush(ws, 1, consumed); err != nil {
			return res, err
		}
		res.Outputs++
	} else if err := c.retire(consumed); err != nil {
		return res, err
	}
	return res, nil
}

// sealedSegments lists the segments a pass may consume: everything on disk
// except the main segment and files whose index is not published.
func (c *Compactor) sealedSegments() ([]segment.ID, error) {
	ids, err := segment.List(c.store.Dir())
	if err != nil {
		return nil, err
	}
	main := c.store.MainSegment()

	out := make([]segment.ID, 0, len(ids))
	for _, id := range ids {
		if id.Path == main {
			continue
		}
		if _, ok := c.store.Index(id.Path); !ok {
			c.log.Warn("skipping segment without index", "segment", id.Name())
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// flush writes the working set to a new segment of generation gen, publishes
// its index and then retires the consumed inputs.
func (c *Compactor) flush(ws *workingSet, gen int, consumed []segment.ID) error {
	id, err := segment.Create(c.store.Dir(), gen)
	if err != nil {
		return err
	}
	if err := ws.writeTo(id.Path); err != nil {
		_ = os.Remove(id.Path)
		return err
	}

	idx, err := segment.BuildIndex(id.Path, c.store.Codec())
	if err != nil {
		_ = os.Remove(id.Path)
		return err
	}
	if err := c.store.AddIndex(id.Path, idx); err != nil {
		_ = os.Remove(id.Path)
		return err
	}
	c.log.Debug("compacted segment written", "segment", id.Name(), "keys", len(idx), "inputs", len(consumed))

	return c.retire(consumed)
}

func (c *Compactor) retire(consumed []segment.ID) error {
	for _, id := range consumed {
		c.store.RemoveIndex(id.Path)
		if err := os.Remove(id.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return dberrors.IO("remove "+id.Name(), err)
		}
	}
	return nil
}

// workingSet holds the encoded form of the latest record seen per key.
type workingSet struct {
	codec   encoding.Codec
	entries map[string][]byte
	size    int
}

func newWorkingSet(codec encoding.Codec) *workingSet {
	return &workingSet{codec: codec, entries: map[string][]byte{}}
}

func (ws *workingSet) len() int { return len(ws.entries) }

func (ws *workingSet) put(r encoding.Record) error {
	line, err := ws.codec.Encode(r)
	if err != nil {
		return err
	}
	if old, ok := ws.entries[r.Key()]; ok {
		ws.size -= len(old) + 1
	}
	ws.entries[r.Key()] = line
	ws.size += len(line) + 1
	return nil
}

func (ws *workingSet) writeTo(path string) error {
	keys := make([]string, 0, len(ws.entries))
	for k := range ws.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	app, err := segment.OpenAppender(path, false)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := app.Append(ws.entries[k]); err != nil {
			_ = app.Close()
			return err
		}
	}
	if err := app.Sync(); err != nil {
		_ = app.Close()
		return err
	}
	return app.Close()
}
