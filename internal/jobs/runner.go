package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/eteran/lightbox/internal/ingest"
	"github.com/eteran/lightbox/internal/metrics"

	"github.com/oklog/ulid/v2"
)

var ErrClosed = errors.New("job runner is closed")

// Ingester is the synchronous ingestion a job wraps.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request, progress ingest.Progress) (*ingest.Summary, error)
}

// Runner executes ingestion jobs in background goroutines, one per job.
type Runner struct {
	store    *Store
	ingester Ingester
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	entropy *ulid.MonotonicEntropy
}

func NewRunner(store *Store, ingester Ingester, timeout time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:    store,
		ingester: ingester,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (r *Runner) newID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String())
}

// Submit records a pending job and starts it. The returned job is the
// initial record; poll Get for updates.
func (r *Runner) Submit(ctx context.Context, req ingest.Request) (*Job, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	job := &Job{
		ID:       r.newID(),
		Owner:    req.Owner,
		Filename: req.Filename,
	}
	if err := r.store.Create(ctx, job); err != nil {
		r.wg.Done()
		return nil, err
	}

	go func() {
		defer r.wg.Done()
		r.run(job.ID, req)
	}()

	slog.Info("Submitted ingestion job", "job", job.ID, "owner", req.Owner, "archive", req.Filename)
	return job, nil
}

func (r *Runner) run(id string, req ingest.Request) {
	log := slog.With("job", id, "owner", req.Owner)

	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// Bookkeeping must land even after the run's context ends.
	bg := context.WithoutCancel(ctx)

	if err := r.store.MarkProcessing(bg, id); err != nil {
		log.Error("Failed to mark job processing", "err", err)
	}

	summary, err := r.ingester.Ingest(ctx, req, func(done int, total int) {
		if err := r.store.UpdateProgress(bg, id, done, total); err != nil {
			log.Warn("Failed to record job progress", "err", err)
		}
	})

	status := StatusCompleted
	errMsg := ""
	if err != nil {
		status = StatusFailed
		errMsg = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("timed out after %s", r.timeout)
		}
	}
	if summary != nil {
		if uerr := r.store.UpdateProgress(bg, id, summary.SuccessCount+summary.ErrorCount, summary.TotalFiles); uerr != nil {
			log.Warn("Failed to record job progress", "err", uerr)
		}
	}

	if ferr := r.store.Finish(bg, id, status, summary, errMsg); ferr != nil {
		log.Error("Failed to record job result", "err", ferr)
	}
	metrics.IngestJobsTotal.WithLabelValues(string(status)).Inc()

	if err != nil {
		log.Warn("Ingestion job failed", "err", err)
		return
	}
	log.Info("Ingestion job completed", "uploaded", summary.SuccessCount, "failed", summary.ErrorCount)
}

// Get returns the job if it belongs to owner.
func (r *Runner) Get(ctx context.Context, owner string, id string) (*Job, error) {
	return r.store.Get(ctx, owner, id)
}

// Close stops accepting jobs, cancels running ones and waits for them to
// record their final state.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
