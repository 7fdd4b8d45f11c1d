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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/model"
)

const jobColumns = `job_id, account_id, object_key, COALESCE(caption, ''), privacy_level,
	disable_stitch, disable_duet, allow_comments, publish_at, status, attempt_count,
	max_attempts, next_attempt_at, COALESCE(last_error, ''), COALESCE(external_id, ''),
	COALESCE(share_url, ''), COALESCE(publish_session_id, ''), claimed_at, created_at, updated_at`

func (d Datasource) CreateJob(ctx context.Context, j *model.PostJob) (*model.PostJob, error) {
	if j.JobID == "" {
		j.JobID = model.GenerateUUIDWithSuffix("job")
	}
	if j.Status == "" {
		j.Status = model.JobStatusPending
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO post_jobs (job_id, account_id, object_key, caption, privacy_level, disable_stitch, disable_duet, allow_comments, publish_at, status, attempt_count, max_attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		j.JobID, j.AccountID, j.ObjectKey, j.Caption, j.PrivacyLevel, j.DisableStitch, j.DisableDuet, j.AllowComments, j.PublishAt, j.Status, j.AttemptCount, j.MaxAttempts, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create post job", err)
	}
	return j, nil
}

func (d Datasource) GetJob(ctx context.Context, jobID string) (*model.PostJob, error) {
	row := d.Conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM post_jobs WHERE job_id = $1`, jobColumns), jobID)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Job with ID '%s' not found", jobID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve job", err)
	}
	return j, nil
}

// GetDueJobs returns pending jobs whose publish time has passed, oldest
// first, capped at limit. Claiming is a separate step.
func (d Datasource) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.PostJob, error) {
	ctx, span := otel.Tracer("clippost.scheduler").Start(ctx, "Query due jobs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM post_jobs WHERE status = $1 AND publish_at <= $2 ORDER BY publish_at ASC LIMIT $3`, jobColumns),
		model.JobStatusPending, now, limit,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query due jobs", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []*model.PostJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan due job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate due jobs", err)
	}
	return jobs, nil
}

// TransitionJob moves a job from one state to another only if it is still in
// the expected state. The conditional UPDATE is the compare-and-swap that
// keeps two workers from both acting on a job after lock loss.
func (d Datasource) TransitionJob(ctx context.Context, jobID, fromStatus, toStatus string) (bool, error) {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET status = $3, updated_at = $4 WHERE job_id = $1 AND status = $2`,
		jobID, fromStatus, toStatus, time.Now(),
	)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition job", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read transition result", err)
	}
	return rows == 1, nil
}

// MarkJobClaimed is the claim CAS: PENDING -> CLAIMED with the claim time.
func (d Datasource) MarkJobClaimed(ctx context.Context, jobID string, claimedAt time.Time) (bool, error) {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET status = $2, claimed_at = $3, updated_at = $3 WHERE job_id = $1 AND status = $4`,
		jobID, model.JobStatusClaimed, claimedAt, model.JobStatusPending,
	)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim job", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read claim result", err)
	}
	return rows == 1, nil
}

// SetJobPublishID records the platform session once the payload is fully
// uploaded. A later attempt that finds it set resumes status polling
// instead of uploading the payload a second time.
func (d Datasource) SetJobPublishID(ctx context.Context, jobID, publishID string) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET publish_session_id = $2, updated_at = $3 WHERE job_id = $1`,
		jobID, publishID, time.Now(),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record publish session", err)
	}
	return nil
}

func (d Datasource) MarkJobPublished(ctx context.Context, jobID, externalID, shareURL string) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET status = $2, external_id = $3, share_url = $4, last_error = NULL, publish_session_id = NULL, claimed_at = NULL, updated_at = $5 WHERE job_id = $1`,
		jobID, model.JobStatusPublished, externalID, shareURL, time.Now(),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark job published", err)
	}
	return nil
}

func (d Datasource) MarkJobRetryPending(ctx context.Context, jobID, lastError string, attemptCount int, nextAttemptAt time.Time) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET status = $2, last_error = $3, attempt_count = $4, next_attempt_at = $5, claimed_at = NULL, updated_at = $6 WHERE job_id = $1`,
		jobID, model.JobStatusRetryPending, lastError, attemptCount, nextAttemptAt, time.Now(),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark job retry-pending", err)
	}
	return nil
}

func (d Datasource) MarkJobFailed(ctx context.Context, jobID, lastError string, attemptCount int) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET status = $2, last_error = $3, attempt_count = $4, next_attempt_at = NULL, publish_session_id = NULL, claimed_at = NULL, updated_at = $5 WHERE job_id = $1`,
		jobID, model.JobStatusFailed, lastError, attemptCount, time.Now(),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark job failed", err)
	}
	return nil
}

// ReleaseRetryPendingJobs flips retry-pending jobs whose backoff has elapsed
// back to pending so the next tick can claim them.
func (d Datasource) ReleaseRetryPendingJobs(ctx context.Context, now time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET status = $1, updated_at = $2 WHERE status = $3 AND next_attempt_at <= $2`,
		model.JobStatusPending, now, model.JobStatusRetryPending,
	)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release retry-pending jobs", err)
	}
	return result.RowsAffected()
}

// SweepStuckJobs rescues jobs abandoned mid-publish by a crashed worker.
// Anything still claimed or publishing past the threshold has lost its
// lease, so it is safe to hand back to the queue.
func (d Datasource) SweepStuckJobs(ctx context.Context, stuckBefore time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE post_jobs SET status = $1, claimed_at = NULL, updated_at = $2 WHERE status IN ($3, $4) AND claimed_at < $5`,
		model.JobStatusPending, time.Now(), model.JobStatusClaimed, model.JobStatusPublishing, stuckBefore,
	)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sweep stuck jobs", err)
	}
	return result.RowsAffected()
}

func scanJob(row rowScanner) (*model.PostJob, error) {
	j := model.PostJob{}
	var nextAttemptAt, claimedAt sql.NullTime
	err := row.Scan(&j.JobID, &j.AccountID, &j.ObjectKey, &j.Caption, &j.PrivacyLevel,
		&j.DisableStitch, &j.DisableDuet, &j.AllowComments, &j.PublishAt, &j.Status, &j.AttemptCount,
		&j.MaxAttempts, &nextAttemptAt, &j.LastError, &j.ExternalID,
		&j.ShareURL, &j.PublishID, &claimedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if nextAttemptAt.Valid {
		j.NextAttemptAt = &nextAttemptAt.Time
	}
	if claimedAt.Valid {
		j.ClaimedAt = &claimedAt.Time
	}
	return &j, nil
}
