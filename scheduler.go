/*
Copyright 2025 Clippost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clippost

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/internal/apierror"
	redlock "github.com/clippost/clippost/internal/lock"
	"github.com/clippost/clippost/internal/notification"
	"github.com/clippost/clippost/model"
)

// SchedulerProcessor discovers due jobs on a fixed tick and fans them out to
// a bounded worker pool. Several processes can run it concurrently against
// the same database: the Redis claim plus the status CAS guarantee a job is
// published at most once per attempt.
type SchedulerProcessor struct {
	clippost     *Clippost
	batchSize    int
	maxWorkers   int
	tickInterval time.Duration
	lockLease    time.Duration
	stuckAfter   time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewSchedulerProcessor(c *Clippost) *SchedulerProcessor {
	maxWorkers := 10
	tickInterval := 60 * time.Second
	lockLease := 10 * time.Minute
	stuckAfter := 30 * time.Minute
	batchSize := 0

	cfg, err := config.Fetch()
	if err == nil {
		if cfg.Scheduler.MaxWorkers > 0 {
			maxWorkers = cfg.Scheduler.MaxWorkers
		}
		if cfg.TickInterval() > 0 {
			tickInterval = cfg.TickInterval()
		}
		if cfg.LockLease() > 0 {
			lockLease = cfg.LockLease()
		}
		if cfg.Scheduler.StuckThresholdMin > 0 {
			stuckAfter = time.Duration(cfg.Scheduler.StuckThresholdMin) * time.Minute
		}
		batchSize = cfg.Scheduler.BatchSize
	}
	if batchSize == 0 {
		batchSize = maxWorkers * 10
	}

	return &SchedulerProcessor{
		clippost:     c,
		batchSize:    batchSize,
		maxWorkers:   maxWorkers,
		tickInterval: tickInterval,
		lockLease:    lockLease,
		stuckAfter:   stuckAfter,
		stopCh:       make(chan struct{}),
	}
}

func (p *SchedulerProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Scheduler processor started")
}

func (p *SchedulerProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Scheduler processor stopped")
}

func (p *SchedulerProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *SchedulerProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Scheduler processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Scheduler processor stop signal received")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: release matured retries, requeue jobs whose
// worker died mid-publish, then claim and publish everything due. Returns
// the number of due jobs dispatched.
func (p *SchedulerProcessor) Tick(ctx context.Context) int {
	now := time.Now()

	released, err := p.clippost.datasource.ReleaseRetryPendingJobs(ctx, now)
	if err != nil {
		logrus.Errorf("failed to release retry-pending jobs: %v", err)
	} else if released > 0 {
		logrus.Infof("Released %d retry-pending jobs back to the queue", released)
	}

	swept, err := p.clippost.datasource.SweepStuckJobs(ctx, now.Add(-p.stuckAfter))
	if err != nil {
		logrus.Errorf("failed to sweep stuck jobs: %v", err)
	} else if swept > 0 {
		logrus.Warnf("Requeued %d jobs stuck past %v", swept, p.stuckAfter)
	}

	dueJobs, err := p.clippost.datasource.GetDueJobs(ctx, now, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get due jobs: %v", err)
		return 0
	}
	if len(dueJobs) == 0 {
		return 0
	}

	logrus.Infof("Processing %d due jobs with %d workers", len(dueJobs), p.maxWorkers)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, job := range dueJobs {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(j *model.PostJob) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.processDueJob(ctx, j); err != nil {
				logrus.Errorf("failed to process due job %s: %v", j.JobID, err)
			}
		}(job)
	}

	batchWg.Wait()
	return len(dueJobs)
}

// processDueJob claims one due job and runs its publish attempt. Losing the
// claim to another worker at either fence (the Redis lock or the status CAS)
// is not an error: the other worker owns the job.
func (p *SchedulerProcessor) processDueJob(ctx context.Context, job *model.PostJob) error {
	holder := model.GenerateUUIDWithSuffix("worker")
	locker := redlock.NewJobLocker(p.clippost.redis, job.JobID, holder)

	if err := locker.Lock(ctx, p.lockLease); err != nil {
		var held redlock.ErrLockHeld
		if errors.As(err, &held) {
			return nil
		}
		return err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warnf("failed to release claim for job %s: %v", job.JobID, err)
		}
	}()

	// A publish can outlive the lease: a large payload with chunk backoffs
	// plus the poll budget takes longer than any sane lease. Renew the claim
	// until the attempt returns so the stuck-job sweep cannot hand a job
	// still being worked on to a second worker.
	stopHeartbeat := p.keepClaimAlive(ctx, locker, job.JobID)
	defer stopHeartbeat()

	// Re-check under the lock: the row may have been cancelled or already
	// claimed between discovery and acquisition.
	current, err := p.clippost.datasource.GetJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	if current.Status != model.JobStatusPending {
		return nil
	}

	claimed, err := p.clippost.datasource.MarkJobClaimed(ctx, current.JobID, time.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	return p.clippost.executeAttempt(ctx, current)
}

// keepClaimAlive renews the job claim on a fixed cadence until the returned
// stop function is called. A worker that crashes stops renewing, so the
// lease still expires and frees the job for the sweep.
func (p *SchedulerProcessor) keepClaimAlive(ctx context.Context, locker *redlock.Locker, jobID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.lockLease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := locker.ExtendLock(ctx, p.lockLease); err != nil {
					logrus.Warnf("failed to extend claim for job %s: %v", jobID, err)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// executeAttempt runs one publish attempt for a claimed job and writes the
// resulting state transition. Failures escalate through the retry backoff
// schedule until the attempt budget is spent.
func (c *Clippost) executeAttempt(ctx context.Context, job *model.PostJob) error {
	result, err := c.PublishJob(ctx, job)
	if err == nil {
		if dbErr := c.datasource.MarkJobPublished(ctx, job.JobID, result.ExternalID, result.ShareURL); dbErr != nil {
			return dbErr
		}
		logrus.WithFields(logrus.Fields{
			"job_id":      job.JobID,
			"external_id": result.ExternalID,
		}).Info("job published")
		return nil
	}

	cfg, cfgErr := config.Fetch()
	if cfgErr != nil {
		return cfgErr
	}

	// A quota denial is a deferral, not a publish attempt: the job waits out
	// the rate window with its budget untouched.
	if apierror.IsCode(err, apierror.ErrRateLimited) {
		eligibleAt := time.Now().Add(time.Duration(cfg.RateLimit.WindowSec) * time.Second)
		if dbErr := c.datasource.MarkJobRetryPending(ctx, job.JobID, err.Error(), job.AttemptCount, eligibleAt); dbErr != nil {
			return dbErr
		}
		logrus.WithField("job_id", job.JobID).Infof("publish deferred by rate limit, eligible again at %s",
			eligibleAt.Format(time.RFC3339))
		return nil
	}

	attempt := job.AttemptCount + 1
	reason := err.Error()

	if attempt >= job.MaxAttempts {
		if dbErr := c.datasource.MarkJobFailed(ctx, job.JobID, reason, attempt); dbErr != nil {
			return dbErr
		}
		notification.NotifyJobFailed(job.JobID, reason)
		logrus.WithField("job_id", job.JobID).Errorf("job failed permanently after %d attempt(s): %v", attempt, err)
		return nil
	}

	nextAttemptAt := time.Now().Add(cfg.RetryBackoff(attempt))
	if dbErr := c.datasource.MarkJobRetryPending(ctx, job.JobID, reason, attempt, nextAttemptAt); dbErr != nil {
		return dbErr
	}
	if c.queue != nil {
		if qErr := c.queue.ScheduleRetry(ctx, job.JobID, attempt, nextAttemptAt); qErr != nil {
			// The next tick's release sweep picks the job up anyway.
			logrus.Warnf("failed to enqueue retry for job %s: %v", job.JobID, qErr)
		}
	}
	logrus.WithField("job_id", job.JobID).Infof("attempt %d/%d failed, retrying at %s: %v",
		attempt, job.MaxAttempts, nextAttemptAt.Format(time.RFC3339), err)
	return nil
}

// ProcessRetryJob handles a queued retry task: it re-verifies the job is
// actually due and pending, then runs the same claim path as the tick.
func (p *SchedulerProcessor) ProcessRetryJob(ctx context.Context, jobID string) error {
	if _, err := p.clippost.datasource.ReleaseRetryPendingJobs(ctx, time.Now()); err != nil {
		return err
	}
	job, err := p.clippost.datasource.GetJob(ctx, jobID)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Status != model.JobStatusPending {
		return nil
	}
	return p.processDueJob(ctx, job)
}
