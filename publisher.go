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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/model"
	"github.com/clippost/clippost/platform"
)

// PublishResult carries the terminal identifiers of a successful publish.
type PublishResult struct {
	ExternalID string
	ShareURL   string
}

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// PublishJob drives one claimed job through initiate -> upload -> poll and
// records the attempt in the audit trail before returning. The caller (the
// scheduler) owns the job-state write that follows; writing history first
// means a crash between the two can lose state but never history.
func (c *Clippost) PublishJob(ctx context.Context, job *model.PostJob) (*PublishResult, error) {
	ctx, span := otel.Tracer("clippost.publisher").Start(ctx, "Publish job")
	defer span.End()

	started := time.Now()
	attemptNo := job.AttemptCount + 1

	result, err := c.runPublish(ctx, job)
	if err != nil {
		// A quota denial defers the whole attempt before any request is
		// made; it is not an attempt and gets no audit row.
		if apierror.IsCode(err, apierror.ErrRateLimited) {
			logrus.WithField("job_id", job.JobID).Info("publish deferred by rate limit")
			return nil, err
		}
		err = logAndRecordError(span, "publish attempt failed: ", err)
	}

	attempt := &model.PublishAttempt{
		JobID:      job.JobID,
		AttemptNo:  attemptNo,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	switch {
	case err == nil:
		attempt.Outcome = model.OutcomeSuccess
		attempt.ExternalID = result.ExternalID
	case apierror.IsCode(err, apierror.ErrProcessingTimeout):
		// Flagged distinctly: the remote side may have finished after we
		// stopped looking, so operators review these by hand.
		attempt.Outcome = model.OutcomeTimeout
		attempt.ErrorText = err.Error()
	default:
		attempt.Outcome = model.OutcomeFailure
		attempt.ErrorText = err.Error()
	}
	if auditErr := c.datasource.RecordAttempt(ctx, attempt); auditErr != nil {
		logrus.WithField("job_id", job.JobID).Errorf("failed to record publish attempt: %v", auditErr)
	}

	return result, err
}

func (c *Clippost) runPublish(ctx context.Context, job *model.PostJob) (*PublishResult, error) {
	token, err := c.GetValidCredential(ctx, job.AccountID)
	if err != nil {
		return nil, err
	}

	// Credential in hand: the job is genuinely being worked on now.
	moved, err := c.datasource.TransitionJob(ctx, job.JobID, model.JobStatusClaimed, model.JobStatusPublishing)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Job is no longer claimed by this worker", nil)
	}

	// A prior attempt got the payload fully uploaded before the worker
	// stopped watching. Resume polling that session; uploading again could
	// publish the same video twice.
	if job.PublishID != "" {
		logrus.WithField("job_id", job.JobID).Infof("resuming status polling for publish session %s", job.PublishID)
		status, err := c.awaitCompletion(ctx, token, job.PublishID)
		if err != nil {
			return nil, err
		}
		return &PublishResult{ExternalID: status.PostID, ShareURL: status.ShareURL}, nil
	}

	payload, totalSize, err := c.media.FetchPayload(ctx, job.ObjectKey)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInitiationFailed, "Payload is not available in the media store", err)
	}
	defer func() {
		_ = payload.Close()
	}()

	session, err := c.initiateUpload(ctx, token, job, totalSize)
	if err != nil {
		return nil, err
	}

	if err := c.uploader.Upload(ctx, session, payload, job.AccountID); err != nil {
		return nil, err
	}

	// Best effort: losing this write only costs crash recovery a re-upload.
	if err := c.datasource.SetJobPublishID(ctx, job.JobID, session.SessionID); err != nil {
		logrus.WithField("job_id", job.JobID).Warnf("failed to record publish session: %v", err)
	}

	status, err := c.awaitCompletion(ctx, token, session.SessionID)
	if err != nil {
		return nil, err
	}
	return &PublishResult{ExternalID: status.PostID, ShareURL: status.ShareURL}, nil
}

// initiateUpload opens the platform session for the job's payload and
// returns the chunked session plan.
func (c *Clippost) initiateUpload(ctx context.Context, token string, job *model.PostJob, totalSize int64) (*model.UploadSession, error) {
	chunkSize := c.uploader.ChunkSize()
	plan, err := model.NewUploadSession("", "", totalSize, chunkSize)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInitiationFailed, "Invalid payload size for upload", err)
	}

	init, err := c.platform.InitiateUpload(ctx, token, platform.InitSpec{
		Caption:        job.Caption,
		PrivacyLevel:   job.PrivacyLevel,
		DisableStitch:  job.DisableStitch,
		DisableDuet:    job.DisableDuet,
		DisableComment: !job.AllowComments,
		VideoSize:      totalSize,
		ChunkSize:      chunkSize,
		TotalChunks:    plan.ChunkCount,
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInitiationFailed, "Platform rejected upload initiation", err)
	}

	plan.SessionID = init.PublishID
	plan.UploadURL = init.UploadURL
	return plan, nil
}

// awaitCompletion polls the platform until the publish reaches a terminal
// state or the poll budget runs out. On exhaustion one reconciliation
// re-check runs after an extra interval before ProcessingTimeout is
// declared, since the remote side may have finished just after the last
// poll.
func (c *Clippost) awaitCompletion(ctx context.Context, token, publishID string) (*platform.StatusResult, error) {
	interval, maxPolls := c.pollInterval, c.maxPolls

	for i := 1; i <= maxPolls; i++ {
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrProcessingTimeout, "Polling cancelled", err)
		}

		status, err := c.platform.FetchStatus(ctx, token, publishID)
		if err != nil {
			// One flaky status fetch should not sink a publish that is
			// still progressing remotely.
			logrus.WithField("publish_id", publishID).Warnf("status poll %d failed: %v", i, err)
			continue
		}

		switch status.Status {
		case platform.StatusPublishComplete:
			return status, nil
		case platform.StatusFailed:
			return nil, apierror.NewAPIError(apierror.ErrProcessingFailed,
				fmt.Sprintf("Platform reported publish failure: %s", status.FailReason), nil)
		}
	}

	if err := sleepCtx(ctx, interval); err == nil {
		if status, err := c.platform.FetchStatus(ctx, token, publishID); err == nil && status.Status == platform.StatusPublishComplete {
			logrus.WithField("publish_id", publishID).Info("publish completed during reconciliation re-check")
			return status, nil
		}
	}

	return nil, apierror.NewAPIError(apierror.ErrProcessingTimeout,
		fmt.Sprintf("Publish still processing after %d polls, outcome unknown", maxPolls), nil)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreatePostJob validates and persists a new scheduled post.
func (c *Clippost) CreatePostJob(ctx context.Context, job *model.PostJob) (*model.PostJob, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if job.AccountID == "" || job.ObjectKey == "" {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Job requires an account and a payload object key", nil)
	}
	if job.PublishAt.IsZero() {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Job requires a publish time", nil)
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = cfg.Scheduler.MaxAttempts
	}
	if job.PrivacyLevel == "" {
		job.PrivacyLevel = "PUBLIC_TO_EVERYONE"
	}
	return c.datasource.CreateJob(ctx, job)
}

// CancelPostJob cancels a job that has not started publishing. The claim
// re-check in the scheduler honors the cancellation; an upload already in
// flight runs to completion.
func (c *Clippost) CancelPostJob(ctx context.Context, jobID string) error {
	for _, from := range []string{model.JobStatusDraft, model.JobStatusPending, model.JobStatusRetryPending} {
		cancelled, err := c.datasource.TransitionJob(ctx, jobID, from, model.JobStatusCancelled)
		if err != nil {
			return err
		}
		if cancelled {
			return nil
		}
	}
	return apierror.NewAPIError(apierror.ErrConflict, "Job is already being published or finished", nil)
}

// GetPostJob returns a job with its attempt history attached.
func (c *Clippost) GetPostJob(ctx context.Context, jobID string) (*model.PostJob, []model.PublishAttempt, error) {
	job, err := c.datasource.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := c.datasource.GetAttempts(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, attempts, nil
}
