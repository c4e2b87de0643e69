// Package pipeline persists scraped records and writes backup exports.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/aluiziolira/storefront-scraper/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

const (
	defaultBufferSize = 512
	defaultBatchSize  = 64
)

// PipelineStats counts what the pipeline did with its input.
type PipelineStats struct {
	Written    int64
	Invalid    int64
	Duplicates int64
}

// Pipeline validates records, drops repeats of the same (store, category,
// product) and writes the rest in batches.
type Pipeline struct {
	writer    OutputWriter
	recordCh  chan models.ProductRecord
	batchSize int

	wg sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	statsMu sync.Mutex
	stats   PipelineStats

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a modest in-memory buffer.
func NewPipeline(writer OutputWriter) *Pipeline {
	return &Pipeline{
		writer:    writer,
		recordCh:  make(chan models.ProductRecord, defaultBufferSize),
		batchSize: defaultBatchSize,
		seen:      make(map[string]struct{}),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines. One worker preserves input order.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues records for writing.
func (p *Pipeline) Process(records []models.ProductRecord) error {
	if len(records) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, r := range records {
		if err := p.enqueue(r); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]models.ProductRecord, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		p.count(func(s *PipelineStats) { s.Written += int64(len(batch)) })
		batch = batch[:0]
		return nil
	}

	for r := range p.recordCh {
		if !p.accept(&r) {
			continue
		}
		batch = append(batch, r)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) accept(r *models.ProductRecord) bool {
	if err := parser.ValidateRecord(r); err != nil {
		slog.Debug("export skipped invalid record", slog.Any("error", err))
		p.count(func(s *PipelineStats) { s.Invalid++ })
		return false
	}

	key := r.StoreName + "\x00" + r.Category + "\x00" + r.ProductID
	p.seenMu.Lock()
	_, dup := p.seen[key]
	if !dup {
		p.seen[key] = struct{}{}
	}
	p.seenMu.Unlock()
	if dup {
		p.count(func(s *PipelineStats) { s.Duplicates++ })
		return false
	}
	return true
}

func (p *Pipeline) count(fn func(*PipelineStats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

func (p *Pipeline) enqueue(r models.ProductRecord) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.recordCh <- r:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}
