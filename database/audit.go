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

	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/model"
)

// RecordAttempt appends one row of publish history. Attempts are written
// before the job row is updated so a crash between the two never loses the
// record of what happened.
func (d Datasource) RecordAttempt(ctx context.Context, attempt *model.PublishAttempt) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = model.GenerateUUIDWithSuffix("attempt")
	}
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO publish_attempts (attempt_id, job_id, attempt_no, outcome, error_text, external_id, started_at, finished_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		attempt.AttemptID, attempt.JobID, attempt.AttemptNo, attempt.Outcome, attempt.ErrorText, attempt.ExternalID, attempt.StartedAt, attempt.FinishedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record publish attempt", err)
	}
	return nil
}

func (d Datasource) GetAttempts(ctx context.Context, jobID string) ([]model.PublishAttempt, error) {
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT attempt_id, job_id, attempt_no, outcome, COALESCE(error_text, ''), COALESCE(external_id, ''), started_at, finished_at
		 FROM publish_attempts WHERE job_id = $1 ORDER BY attempt_no ASC`,
		jobID,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query publish attempts", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var attempts []model.PublishAttempt
	for rows.Next() {
		a := model.PublishAttempt{}
		err := rows.Scan(&a.AttemptID, &a.JobID, &a.AttemptNo, &a.Outcome, &a.ErrorText, &a.ExternalID, &a.StartedAt, &a.FinishedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan publish attempt", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate publish attempts", err)
	}
	return attempts, nil
}
