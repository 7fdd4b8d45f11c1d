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
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clippost/clippost/internal/apierror"
	"github.com/clippost/clippost/internal/ratelimit"
	"github.com/clippost/clippost/model"
	"github.com/clippost/clippost/platform"
)

// UploadEngine streams a payload to the platform in fixed-size byte ranges.
// Memory use is bounded by one chunk regardless of payload size: each chunk
// is read from the stream into a single reusable buffer, sent, and the
// buffer reused for the next range.
type UploadEngine struct {
	platform   platform.Client
	limiter    *ratelimit.Limiter
	chunkSize  int64
	maxRetries int
}

func NewUploadEngine(client platform.Client, limiter *ratelimit.Limiter, chunkSize int64, maxRetries int) *UploadEngine {
	return &UploadEngine{
		platform:   client,
		limiter:    limiter,
		chunkSize:  chunkSize,
		maxRetries: maxRetries,
	}
}

// ChunkSize returns the configured chunk size in bytes.
func (e *UploadEngine) ChunkSize() int64 {
	return e.chunkSize
}

// Upload pushes the payload through the session's chunk plan in order.
// Before the first byte moves it asks the rate limiter for permission keyed
// by credential; a denial defers the whole attempt so no partial server-side
// state accumulates. Each chunk retries transient failures with exponential
// backoff up to the retry ceiling; client-side rejections abort immediately.
func (e *UploadEngine) Upload(ctx context.Context, session *model.UploadSession, payload io.Reader, credentialKey string) error {
	allowed, err := e.limiter.Allow(ctx, credentialKey)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrUploadFailed, "Rate limiter unavailable", err)
	}
	if !allowed {
		return apierror.NewAPIError(apierror.ErrRateLimited, "Upload quota exhausted for credential, deferring attempt", nil)
	}

	buf := make([]byte, session.ChunkSize)
	for _, chunk := range session.ChunkPlan() {
		if err := ctx.Err(); err != nil {
			return apierror.NewAPIError(apierror.ErrUploadFailed, "Upload cancelled", err)
		}

		data := buf[:chunk.Size()]
		if _, err := io.ReadFull(payload, data); err != nil {
			return apierror.NewAPIError(apierror.ErrUploadFailed,
				errors.Wrapf(err, "payload stream ended early at chunk %d/%d", chunk.Index+1, session.ChunkCount).Error(), err)
		}

		if err := e.sendChunkWithRetry(ctx, session, chunk, data); err != nil {
			return err
		}
	}
	return nil
}

func (e *UploadEngine) sendChunkWithRetry(ctx context.Context, session *model.UploadSession, chunk model.ChunkRange, data []byte) error {
	attempts := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	operation := func() error {
		attempts++
		err := e.platform.PutChunk(ctx, session.UploadURL, data, chunk.Start, chunk.End, session.TotalSize)
		if err == nil {
			return nil
		}
		if !platform.IsTransient(err) {
			// 4xx: retrying burns quota for the same rejection.
			return backoff.Permanent(err)
		}
		logrus.WithFields(logrus.Fields{
			"session": session.SessionID,
			"chunk":   chunk.Index,
			"attempt": attempts,
		}).Warnf("chunk transfer failed, backing off: %v", err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxRetries-1)), ctx))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrUploadFailed,
			errors.Wrapf(err, "chunk %d/%d failed after %d attempt(s)", chunk.Index+1, session.ChunkCount, attempts).Error(), err)
	}
	return nil
}
