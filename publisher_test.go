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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/model"
	"github.com/clippost/clippost/platform"
)

func pollingClippost(client *mockPlatform, maxPolls int) *Clippost {
	return &Clippost{
		platform:     client,
		pollInterval: time.Millisecond,
		maxPolls:     maxPolls,
	}
}

func TestAwaitCompletionEventuallyPublishes(t *testing.T) {
	polls := 0
	client := &mockPlatform{
		fetchStatus: func(_ context.Context, _, _ string) (*platform.StatusResult, error) {
			polls++
			if polls < 60 {
				return &platform.StatusResult{Status: platform.StatusProcessing}, nil
			}
			return &platform.StatusResult{Status: platform.StatusPublishComplete, PostID: "post_99", ShareURL: "https://example/v/99"}, nil
		},
	}

	c := pollingClippost(client, 60)
	status, err := c.awaitCompletion(context.Background(), "token", "pub_1")
	assert.NoError(t, err)
	assert.Equal(t, "post_99", status.PostID)
	assert.Equal(t, 60, polls)
}

func TestAwaitCompletionTimesOut(t *testing.T) {
	polls := 0
	client := &mockPlatform{
		fetchStatus: func(_ context.Context, _, _ string) (*platform.StatusResult, error) {
			polls++
			return &platform.StatusResult{Status: platform.StatusProcessing}, nil
		},
	}

	c := pollingClippost(client, 5)
	_, err := c.awaitCompletion(context.Background(), "token", "pub_1")
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrProcessingTimeout))
	// The poll budget plus one reconciliation re-check.
	assert.Equal(t, 6, polls)
}

func TestAwaitCompletionReconciliationRescue(t *testing.T) {
	polls := 0
	client := &mockPlatform{
		fetchStatus: func(_ context.Context, _, _ string) (*platform.StatusResult, error) {
			polls++
			if polls <= 5 {
				return &platform.StatusResult{Status: platform.StatusProcessing}, nil
			}
			return &platform.StatusResult{Status: platform.StatusPublishComplete, PostID: "post_late"}, nil
		},
	}

	c := pollingClippost(client, 5)
	status, err := c.awaitCompletion(context.Background(), "token", "pub_1")
	assert.NoError(t, err)
	assert.Equal(t, "post_late", status.PostID)
}

func TestAwaitCompletionPlatformFailure(t *testing.T) {
	client := &mockPlatform{
		fetchStatus: func(_ context.Context, _, _ string) (*platform.StatusResult, error) {
			return &platform.StatusResult{Status: platform.StatusFailed, FailReason: "video_too_long"}, nil
		},
	}

	c := pollingClippost(client, 5)
	_, err := c.awaitCompletion(context.Background(), "token", "pub_1")
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrProcessingFailed))
	assert.Contains(t, err.Error(), "video_too_long")
}

func publishTestConfig() {
	config.MockConfig(&config.Configuration{
		Scheduler: config.SchedulerConfig{
			RefreshMarginMin: 60,
			MaxAttempts:      3,
			RetryBackoffMin:  []int{5, 15, 30},
		},
	})
}

func TestPublishJobHappyPath(t *testing.T) {
	publishTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	publishTestConfig()

	vault := newTestVault(t)
	sealedAccess, err := vault.Seal("access-token-123")
	assert.NoError(t, err)
	sealedRenewal, err := vault.Seal("renewal-token-123")
	assert.NoError(t, err)

	payload := bytes.Repeat([]byte("v"), 100)
	var putToken string
	client := &mockPlatform{
		initiate: func(_ context.Context, accessToken string, spec platform.InitSpec) (*platform.InitResult, error) {
			putToken = accessToken
			assert.Equal(t, int64(100), spec.VideoSize)
			assert.Equal(t, 2, spec.TotalChunks)
			return &platform.InitResult{PublishID: "pub_1", UploadURL: "https://upload.example/1"}, nil
		},
		putChunk: func(_ context.Context, _ string, _ []byte, _, _, _ int64) error {
			return nil
		},
		fetchStatus: func(_ context.Context, _, _ string) (*platform.StatusResult, error) {
			return &platform.StatusResult{Status: platform.StatusPublishComplete, PostID: "post_1", ShareURL: "https://example/v/1"}, nil
		},
	}

	c := &Clippost{
		datasource:   datasource,
		vault:        vault,
		platform:     client,
		media:        &mockMedia{payload: payload},
		pollInterval: time.Millisecond,
		maxPolls:     5,
	}
	c.uploader = NewUploadEngine(client, newTestLimiter(t, 10), 50, 3)

	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id =").
		WithArgs("acct_1").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "access_material", "renewal_material", "expires_at", "last_refreshed_at", "status", "last_error"}).
			AddRow("acct_1", sealedAccess, sealedRenewal, time.Now().Add(4*time.Hour), time.Now(), model.CredentialActive, ""))

	mock.ExpectExec("UPDATE post_jobs SET status =").
		WithArgs("job_1", model.JobStatusClaimed, model.JobStatusPublishing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The session survives the upload so a crashed worker can resume polling.
	mock.ExpectExec("UPDATE post_jobs SET publish_session_id =").
		WithArgs("job_1", "pub_1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO publish_attempts").
		WithArgs(sqlmock.AnyArg(), "job_1", 1, model.OutcomeSuccess, "", "post_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job := &model.PostJob{
		JobID:       "job_1",
		AccountID:   "acct_1",
		ObjectKey:   gofakeit.UUID(),
		Caption:     "first post",
		Status:      model.JobStatusClaimed,
		MaxAttempts: 3,
	}

	result, err := c.PublishJob(context.Background(), job)
	assert.NoError(t, err)
	assert.Equal(t, "post_1", result.ExternalID)
	assert.Equal(t, "https://example/v/1", result.ShareURL)
	assert.Equal(t, "access-token-123", putToken)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPublishJobResumesInterruptedPolling(t *testing.T) {
	publishTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	publishTestConfig()

	vault := newTestVault(t)
	sealedAccess, err := vault.Seal("access-token-123")
	assert.NoError(t, err)
	sealedRenewal, err := vault.Seal("renewal-token-123")
	assert.NoError(t, err)

	var polledID string
	client := &mockPlatform{
		initiate: func(_ context.Context, _ string, _ platform.InitSpec) (*platform.InitResult, error) {
			t.Fatal("a job with an uploaded payload must not re-initiate")
			return nil, nil
		},
		putChunk: func(_ context.Context, _ string, _ []byte, _, _, _ int64) error {
			t.Fatal("a job with an uploaded payload must not re-upload")
			return nil
		},
		fetchStatus: func(_ context.Context, _, publishID string) (*platform.StatusResult, error) {
			polledID = publishID
			return &platform.StatusResult{Status: platform.StatusPublishComplete, PostID: "post_1", ShareURL: "https://example/v/1"}, nil
		},
	}

	c := &Clippost{
		datasource:   datasource,
		vault:        vault,
		platform:     client,
		media:        &mockMedia{payload: []byte("v")},
		pollInterval: time.Millisecond,
		maxPolls:     5,
	}
	c.uploader = NewUploadEngine(client, newTestLimiter(t, 10), 50, 3)

	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id =").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "access_material", "renewal_material", "expires_at", "last_refreshed_at", "status", "last_error"}).
			AddRow("acct_1", sealedAccess, sealedRenewal, time.Now().Add(4*time.Hour), time.Now(), model.CredentialActive, ""))

	mock.ExpectExec("UPDATE post_jobs SET status =").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO publish_attempts").
		WithArgs(sqlmock.AnyArg(), "job_1", 2, model.OutcomeSuccess, "", "post_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// A prior attempt uploaded everything and timed out waiting; the sweep
	// handed the job back with the session still on it.
	job := &model.PostJob{
		JobID:        "job_1",
		AccountID:    "acct_1",
		ObjectKey:    "media/clip.mp4",
		Status:       model.JobStatusClaimed,
		AttemptCount: 1,
		MaxAttempts:  3,
		PublishID:    "pub_77",
	}

	result, err := c.PublishJob(context.Background(), job)
	assert.NoError(t, err)
	assert.Equal(t, "post_1", result.ExternalID)
	assert.Equal(t, "pub_77", polledID)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPublishJobRecordsFailedAttempt(t *testing.T) {
	publishTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	publishTestConfig()

	vault := newTestVault(t)
	sealedAccess, err := vault.Seal("access-token-123")
	assert.NoError(t, err)
	sealedRenewal, err := vault.Seal("renewal-token-123")
	assert.NoError(t, err)

	client := &mockPlatform{
		initiate: func(_ context.Context, _ string, _ platform.InitSpec) (*platform.InitResult, error) {
			return nil, &platform.RemoteError{StatusCode: 400, Body: "invalid caption"}
		},
	}

	c := &Clippost{
		datasource:   datasource,
		vault:        vault,
		platform:     client,
		media:        &mockMedia{payload: bytes.Repeat([]byte("v"), 10)},
		pollInterval: time.Millisecond,
		maxPolls:     5,
	}
	c.uploader = NewUploadEngine(client, newTestLimiter(t, 10), 50, 3)

	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id =").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "access_material", "renewal_material", "expires_at", "last_refreshed_at", "status", "last_error"}).
			AddRow("acct_1", sealedAccess, sealedRenewal, time.Now().Add(4*time.Hour), time.Now(), model.CredentialActive, ""))

	mock.ExpectExec("UPDATE post_jobs SET status =").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The attempt is written even though the publish failed, and before the
	// caller touches the job row.
	mock.ExpectExec("INSERT INTO publish_attempts").
		WithArgs(sqlmock.AnyArg(), "job_1", 1, model.OutcomeFailure, sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job := &model.PostJob{
		JobID:       "job_1",
		AccountID:   "acct_1",
		ObjectKey:   "media/clip.mp4",
		Status:      model.JobStatusClaimed,
		MaxAttempts: 3,
	}

	_, err = c.PublishJob(context.Background(), job)
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInitiationFailed))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPublishJobCredentialNeverLeaksIntoErrors(t *testing.T) {
	publishTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	publishTestConfig()

	vault := newTestVault(t)
	// A corrupted row: stored material that cannot be unsealed.
	mock.ExpectQuery("SELECT .* FROM credentials WHERE account_id =").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "access_material", "renewal_material", "expires_at", "last_refreshed_at", "status", "last_error"}).
			AddRow("acct_1", "not-a-sealed-token", "also-garbage", time.Now().Add(4*time.Hour), time.Now(), model.CredentialActive, ""))

	mock.ExpectExec("INSERT INTO publish_attempts").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c := &Clippost{
		datasource:   datasource,
		vault:        vault,
		platform:     &mockPlatform{},
		media:        &mockMedia{payload: []byte("v")},
		pollInterval: time.Millisecond,
		maxPolls:     5,
	}
	c.uploader = NewUploadEngine(c.platform, newTestLimiter(t, 10), 50, 3)

	job := &model.PostJob{JobID: "job_1", AccountID: "acct_1", ObjectKey: "media/clip.mp4", Status: model.JobStatusClaimed, MaxAttempts: 3}

	_, err = c.PublishJob(context.Background(), job)
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrCredentialUnavailable))
	assert.NotContains(t, err.Error(), "not-a-sealed-token")
	assert.NotContains(t, err.Error(), "also-garbage")
}

func TestCreatePostJobDefaults(t *testing.T) {
	publishTestConfig()
	datasource, mock, err := newTestDataSource()
	assert.NoError(t, err)
	publishTestConfig()

	mock.ExpectExec("INSERT INTO post_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c := &Clippost{datasource: datasource}
	job, err := c.CreatePostJob(context.Background(), &model.PostJob{
		AccountID: "acct_1",
		ObjectKey: "media/clip.mp4",
		PublishAt: time.Now().Add(time.Hour),
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, "PUBLIC_TO_EVERYONE", job.PrivacyLevel)
}

func TestCreatePostJobRejectsMissingFields(t *testing.T) {
	publishTestConfig()
	c := &Clippost{}

	_, err := c.CreatePostJob(context.Background(), &model.PostJob{ObjectKey: "media/clip.mp4", PublishAt: time.Now()})
	assert.True(t, apierror.IsCode(err, apierror.ErrBadRequest))

	_, err = c.CreatePostJob(context.Background(), &model.PostJob{AccountID: "acct_1", ObjectKey: "media/clip.mp4"})
	assert.True(t, apierror.IsCode(err, apierror.ErrBadRequest))
}
