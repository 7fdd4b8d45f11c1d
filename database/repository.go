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
	"time"

	"github.com/clippost/clippost/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	account    // Connected creator accounts
	credential // Delegated credentials
	job        // Scheduled post jobs
	audit      // Append-only publish attempt history
}

// account defines methods for connected creator accounts.
type account interface {
	CreateAccount(ctx context.Context, acc *model.Account) (*model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
}

// credential defines methods for delegated credentials. Material passed in
// and out of these methods is always in its encrypted form.
type credential interface {
	SaveCredential(ctx context.Context, cred *model.Credential) error
	GetCredential(ctx context.Context, accountID string) (*model.Credential, error)
	UpdateCredentialGrant(ctx context.Context, accountID, accessMaterial, renewalMaterial string, expiresAt time.Time) error
	MarkCredentialExpired(ctx context.Context, accountID, reason string) error
	ListExpiringAccountIDs(ctx context.Context, threshold time.Time) ([]string, error)
	// WithCredentialLock runs fn under the account's credential row lock and
	// persists the credential's fields before commit, whether fn succeeded
	// or not. fn's error is returned after the write.
	WithCredentialLock(ctx context.Context, accountID string, fn func(cred *model.Credential) error) error
}

// job defines methods for scheduled post jobs. State-changing updates are
// conditional on the current state so racing workers cannot both win.
type job interface {
	CreateJob(ctx context.Context, j *model.PostJob) (*model.PostJob, error)
	GetJob(ctx context.Context, jobID string) (*model.PostJob, error)
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.PostJob, error)
	TransitionJob(ctx context.Context, jobID, fromStatus, toStatus string) (bool, error)
	MarkJobClaimed(ctx context.Context, jobID string, claimedAt time.Time) (bool, error)
	SetJobPublishID(ctx context.Context, jobID, publishID string) error
	MarkJobPublished(ctx context.Context, jobID, externalID, shareURL string) error
	MarkJobRetryPending(ctx context.Context, jobID, lastError string, attemptCount int, nextAttemptAt time.Time) error
	MarkJobFailed(ctx context.Context, jobID, lastError string, attemptCount int) error
	ReleaseRetryPendingJobs(ctx context.Context, now time.Time) (int64, error)
	SweepStuckJobs(ctx context.Context, stuckBefore time.Time) (int64, error)
}

// audit defines methods for the append-only attempt history.
type audit interface {
	RecordAttempt(ctx context.Context, attempt *model.PublishAttempt) error
	GetAttempts(ctx context.Context, jobID string) ([]model.PublishAttempt, error)
}
