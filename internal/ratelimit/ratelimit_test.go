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

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, requests int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(client, requests, window), mr
}

func TestLimiter_AllowWithinQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "cred_1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be admitted", i+1)
	}

	ok, err := limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)
	assert.False(t, ok, "request over quota should be denied")
}

func TestLimiter_IdentifiersAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "cred_2")
	require.NoError(t, err)
	assert.True(t, ok, "a different credential has its own window")
}

// Exactly N of N+1 concurrent callers may pass, regardless of interleaving.
func TestLimiter_ConcurrentCallersAdmitExactlyN(t *testing.T) {
	const quota = 8
	limiter, _ := newTestLimiter(t, quota, time.Minute)
	ctx := context.Background()

	var admitted, denied int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < quota+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := limiter.Allow(ctx, "cred_1")
			require.NoError(t, err)
			if ok {
				atomic.AddInt64(&admitted, 1)
			} else {
				atomic.AddInt64(&denied, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(quota), admitted)
	assert.Equal(t, int64(1), denied)
}

func TestLimiter_WindowElapses(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Minute + time.Second)

	ok, err = limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)
	assert.True(t, ok, "a fresh window admits again")
}

func TestLimiter_Remaining(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	left, err := limiter.Remaining(ctx, "cred_1")
	require.NoError(t, err)
	assert.Equal(t, 3, left)

	_, err = limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)

	left, err = limiter.Remaining(ctx, "cred_1")
	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestLimiter_Reset(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)
	require.NoError(t, limiter.Reset(ctx, "cred_1"))

	ok, err := limiter.Allow(ctx, "cred_1")
	require.NoError(t, err)
	assert.True(t, ok)
}
