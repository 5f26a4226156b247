// Package api provides HTTP handlers for the TF activity server.
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tfactivity/server/internal/jobstore"
)

// ErrQueueFull is returned when a job cannot be enqueued.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // Max concurrent activity jobs (default 1)
	QueueSize     int // Pending job capacity (default 64)
	RetentionDays int // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager runs persisted activity jobs on a fixed set of workers.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual activity computation.
	Executor func(ctx context.Context, store *jobstore.Store, jobID string) error
}

// NewJobManager creates a job manager on top of an open store. The manager
// closes the store on Stop.
func NewJobManager(cfg JobManagerConfig, store *jobstore.Store) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	return &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	ctx := context.Background()

	// Mark any running jobs as failed (server restart)
	if n, err := jm.store.MarkRunningAsFailed(ctx, "server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	} else if n > 0 {
		log.Printf("[JobManager] marked %d interrupted job(s) as failed", n)
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs(ctx)
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs, waits for workers and closes the store.
// Jobs still queued stay queued and are picked up on the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()

		close(jm.stopCh)
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bg := context.Background()

	// A job cancelled while queued is skipped.
	job, err := jm.store.GetJob(bg, jobID)
	if err != nil || job == nil || job.Status != jobstore.JobStatusQueued {
		return
	}

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(bg, jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}
	log.Printf("[JobManager] job %s started (dataset=%s)", jobID, job.DatasetID)
	start := time.Now()

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	status, msg := jobstore.JobStatusCompleted, ""
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = jobstore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = jobstore.JobStatusFailed, execErr.Error()
	}
	if err := jm.store.UpdateJobStatus(bg, jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to finish job %s: %v", jobID, err)
	}
	log.Printf("[JobManager] job %s %s in %s", jobID, status, time.Since(start).Round(time.Millisecond))
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	retention := time.Duration(jm.cfg.RetentionDays) * 24 * time.Hour
	deleted, err := jm.store.DeleteExpiredJobs(context.Background(), retention)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(ctx context.Context, params jobstore.JobParams) (*jobstore.Job, error) {
	job := jobstore.NewJob(params)
	if err := jm.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		jm.store.UpdateJobStatus(ctx, job.ID, jobstore.JobStatusFailed, "server is shutting down")
		return nil, errors.New("job manager is stopped")
	}
	select {
	case jm.queue <- job.ID:
	default:
		jm.store.UpdateJobStatus(ctx, job.ID, jobstore.JobStatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get returns a job by ID, or nil if it does not exist.
func (jm *JobManager) Get(ctx context.Context, id string) *jobstore.Job {
	job, err := jm.store.GetJob(ctx, id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(ctx context.Context, id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(ctx, id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(ctx, id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(ctx context.Context, id string) error {
	return jm.store.DeleteJob(ctx, id)
}
