// Package dataset reads the SPAD evaluation set: a list of sample files and
// the per-frame arrays next to them, delivered to the evaluator in fixed
// size batches.
package dataset

import (
	"context"
	"fmt"

	"github.com/stevecastle/spadeval/volume"
)

// DefaultBatchSize matches the batch size the checkpoints were evaluated with.
const DefaultBatchSize = 2

// Config locates the samples of one run.
type Config struct {
	TestFiles    string
	SpadDatapath string
	MonoDatapath string
	Noise        int
	LinearNumBin int
	BatchSize    int
	// Prefetch is how many batches may be loaded ahead of the consumer.
	Prefetch int
}

// Loader yields the samples of a file list in order.
type Loader struct {
	cfg   Config
	files []string
}

// NewLoader reads the file list named by cfg.
func NewLoader(cfg Config) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	files, err := ReadFileList(cfg.TestFiles, cfg.SpadDatapath, cfg.Noise)
	if err != nil {
		return nil, err
	}
	return &Loader{cfg: cfg, files: files}, nil
}

// Files returns the sample paths in evaluation order.
func (l *Loader) Files() []string { return l.files }

// NumBatches returns how many batches Iter will yield.
func (l *Loader) NumBatches() int {
	return (len(l.files) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

type batchResult struct {
	batch volume.Batch
	err   error
}

// Iterator delivers batches produced by a background goroutine.
type Iterator struct {
	ch     <-chan batchResult
	cancel context.CancelFunc
	cur    volume.Batch
	err    error
}

// Iter starts loading batches. The loading goroutine stops at the first
// error, when ctx is cancelled or when Close is called.
func (l *Loader) Iter(ctx context.Context) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan batchResult, l.cfg.Prefetch)
	go func() {
		defer close(ch)
		for start := 0; start < len(l.files); start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, len(l.files))
			batch := make(volume.Batch, 0, end-start)
			var err error
			for _, f := range l.files[start:end] {
				var s *volume.Sample
				if s, err = LoadSample(f, l.cfg.MonoDatapath, l.cfg.LinearNumBin); err != nil {
					err = fmt.Errorf("failed to load sample: %w", err)
					break
				}
				batch = append(batch, s)
			}
			select {
			case ch <- batchResult{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return &Iterator{ch: ch, cancel: cancel}
}

// Next advances to the next batch. It returns false when the list is
// exhausted or loading failed; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	r, ok := <-it.ch
	if !ok {
		return false
	}
	if r.err != nil {
		it.err = r.err
		return false
	}
	it.cur = r.batch
	return true
}

// Batch returns the current batch.
func (it *Iterator) Batch() volume.Batch { return it.cur }

// Err returns the loading error, if any.
func (it *Iterator) Err() error { return it.err }

// Close stops the loader goroutine.
func (it *Iterator) Close() {
	it.cancel()
	for range it.ch {
	}
}
