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

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusDraft        = "DRAFT"
	JobStatusPending      = "PENDING"
	JobStatusClaimed      = "CLAIMED"
	JobStatusPublishing   = "PUBLISHING"
	JobStatusRetryPending = "RETRY_PENDING"
	JobStatusPublished    = "PUBLISHED"
	JobStatusFailed       = "FAILED"
	JobStatusCancelled    = "CANCELLED"
)

const (
	CredentialActive  = "ACTIVE"
	CredentialExpired = "EXPIRED"
	CredentialError   = "ERROR"
)

const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
	OutcomeTimeout = "TIMEOUT"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// Account represents a connected creator account on the external platform.
type Account struct {
	AccountID   string                 `json:"account_id"`
	Handle      string                 `json:"handle"`
	DisplayName string                 `json:"display_name"`
	Status      string                 `json:"status"`
	MetaData    map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Credential is the leased delegated secret bound to one connected account.
// AccessMaterial and RenewalMaterial are stored encrypted; they are only
// decrypted in memory by the credential manager and must never appear in
// logs or error text.
type Credential struct {
	AccountID       string    `json:"account_id"`
	AccessMaterial  string    `json:"-"`
	RenewalMaterial string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	Status          string    `json:"status"`
	LastError       string    `json:"last_error,omitempty"`
}

// PostJob is one unit of scheduled publish work.
type PostJob struct {
	JobID         string     `json:"job_id"`
	AccountID     string     `json:"account_id"`
	ObjectKey     string     `json:"object_key"`
	Caption       string     `json:"caption"`
	PrivacyLevel  string     `json:"privacy_level"`
	DisableStitch bool       `json:"disable_stitch"`
	DisableDuet   bool       `json:"disable_duet"`
	AllowComments bool       `json:"allow_comments"`
	PublishAt     time.Time  `json:"publish_at"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	ShareURL      string     `json:"share_url,omitempty"`
	PublishID     string     `json:"publish_id,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AttemptsExhausted reports whether the job has consumed its retry budget.
func (j *PostJob) AttemptsExhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// PublishAttempt is one append-only audit row for a publish attempt.
// History is written before job state so a crash never loses it.
type PublishAttempt struct {
	AttemptID  string    `json:"attempt_id"`
	JobID      string    `json:"job_id"`
	AttemptNo  int       `json:"attempt_no"`
	Outcome    string    `json:"outcome"`
	ErrorText  string    `json:"error_text,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RefreshSummary reports the outcome of a batch credential refresh sweep.
type RefreshSummary struct {
	Refreshed int               `json:"refreshed"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}
