// Package anchor delivers Merkle batch roots to an external anchor sink in
// the background. Receipt emission never waits on it.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

// Sink publishes a batch root and returns the external anchor id
type Sink interface {
	Anchor(ctx context.Context, root string, count int, metadataHash string) (anchorID string, err error)
}

// Job is one batch root awaiting delivery
type Job struct {
	BatchID      uuid.UUID
	Root         string
	Count        int
	MetadataHash string
}

// Dispatcher runs anchor jobs on a pool of workers
type Dispatcher struct {
	sink        Sink
	batches     repositories.MerkleBatchRepository
	logger      *zap.Logger
	jobs        chan Job
	workerCount int
	bufferSize  int
	timeout     time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.RWMutex

	queuedMu sync.Mutex
	queued   map[uuid.UUID]struct{}

	submitted  atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
	anchored   atomic.Int64
	failed     atomic.Int64
}

// Config holds configuration for the Dispatcher
type Config struct {
	BufferSize  int           // Size of the job buffer channel
	WorkerCount int           // Number of concurrent workers
	Timeout     time.Duration // Deadline for one sink call
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  100,
		WorkerCount: 2,
		Timeout:     10 * time.Second,
	}
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(sink Sink, batches repositories.MerkleBatchRepository, logger *zap.Logger, config Config) *Dispatcher {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sink:        sink,
		batches:     batches,
		logger:      logger,
		jobs:        make(chan Job, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		timeout:     config.Timeout,
		ctx:         ctx,
		cancel:      cancel,
		queued:      make(map[uuid.UUID]struct{}),
	}
}

// Start starts the background workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("anchor dispatcher already started")
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.started = true
	d.logger.Info("started anchor dispatcher",
		zap.Int("worker_count", d.workerCount),
		zap.Int("buffer_size", d.bufferSize))
	return nil
}

// Stop stops accepting jobs and waits for queued ones to drain
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("anchor dispatcher not running")
	}
	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()

	d.logger.Info("stopping anchor dispatcher", zap.Int("pending_jobs", len(d.jobs)))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("anchor dispatcher stopped gracefully")
		d.cancel()
		return nil
	case <-time.After(timeout):
		d.cancel()
		return fmt.Errorf("anchor dispatcher stop timeout after %v", timeout)
	}
}

// Submit queues a job without blocking. It reports false when the job was
// dropped; the batch then stays PENDING until it is resubmitted. A batch
// that is already queued or being anchored is not queued again.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.started || d.stopped {
		d.dropped.Add(1)
		d.logger.Warn("anchor dispatcher not running, dropping job", zap.String("batch_id", job.BatchID.String()))
		return false
	}

	if !d.claim(job.BatchID) {
		d.duplicates.Add(1)
		d.logger.Debug("anchor job already queued", zap.String("batch_id", job.BatchID.String()))
		return true
	}

	select {
	case d.jobs <- job:
		d.submitted.Add(1)
		return true
	default:
		d.release(job.BatchID)
		d.dropped.Add(1)
		d.logger.Warn("anchor job channel full, dropping job",
			zap.String("batch_id", job.BatchID.String()),
			zap.String("root", job.Root))
		return false
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("anchor worker started", zap.Int("worker_id", id))

	for job := range d.jobs {
		err := d.process(job)
		d.release(job.BatchID)
		if err != nil {
			d.logger.Error("failed to anchor batch",
				zap.Int("worker_id", id),
				zap.String("batch_id", job.BatchID.String()),
				zap.Error(err))
		}
	}

	d.logger.Debug("anchor worker stopped", zap.Int("worker_id", id))
}

func (d *Dispatcher) claim(id uuid.UUID) bool {
	d.queuedMu.Lock()
	defer d.queuedMu.Unlock()
	if _, ok := d.queued[id]; ok {
		return false
	}
	d.queued[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.queuedMu.Lock()
	delete(d.queued, id)
	d.queuedMu.Unlock()
}

func (d *Dispatcher) process(job Job) error {
	batch, err := d.batches.GetByID(d.ctx, job.BatchID)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.AnchorStatus == models.AnchorAnchored {
		return nil
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	anchorID, sinkErr := d.sink.Anchor(ctx, job.Root, job.Count, job.MetadataHash)
	cancel()

	if sinkErr != nil {
		msg := sinkErr.Error()
		if errors.Is(sinkErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("anchor sink timed out after %v", d.timeout)
		}
		batch.AnchorStatus = models.AnchorFailed
		batch.AnchorError = &msg
		d.failed.Add(1)
	} else {
		now := models.Now()
		batch.AnchorStatus = models.AnchorAnchored
		batch.AnchorID = &anchorID
		batch.AnchorError = nil
		batch.AnchoredAt = &now
		d.anchored.Add(1)
	}

	if err := d.batches.UpdateAnchor(d.ctx, batch); err != nil {
		return fmt.Errorf("failed to record anchor outcome: %w", err)
	}
	if sinkErr != nil {
		return sinkErr
	}

	d.logger.Info("batch anchored",
		zap.String("batch_id", batch.ID.String()),
		zap.String("anchor_id", anchorID),
		zap.Int("leaf_count", batch.LeafCount))
	return nil
}

// Stats returns statistics about the dispatcher
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Stats{
		BufferSize:  d.bufferSize,
		PendingJobs: len(d.jobs),
		WorkerCount: d.workerCount,
		Started:     d.started && !d.stopped,
		Submitted:   d.submitted.Load(),
		Duplicates:  d.duplicates.Load(),
		Dropped:     d.dropped.Load(),
		Anchored:    d.anchored.Load(),
		Failed:      d.failed.Load(),
	}
}

// Stats represents dispatcher statistics
type Stats struct {
	BufferSize  int   `json:"buffer_size"`
	PendingJobs int   `json:"pending_jobs"`
	WorkerCount int   `json:"worker_count"`
	Started     bool  `json:"started"`
	Submitted   int64 `json:"submitted"`
	Duplicates  int64 `json:"duplicates"`
	Dropped     int64 `json:"dropped"`
	Anchored    int64 `json:"anchored"`
	Failed      int64 `json:"failed"`
}
