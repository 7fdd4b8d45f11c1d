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

// Package ratelimit enforces the per-credential request quota against the
// publishing platform. Counters live in Redis so the quota holds across all
// worker processes, not just within one.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "clippost:ratelimit:"

// incrScript increments the window counter and stamps the window expiry on
// first use, in one atomic step. A plain INCR-then-EXPIRE pair leaves an
// immortal counter if the process dies between the two calls.
const incrScript = `local v = redis.call('INCR', KEYS[1])
if v == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return v`

// Limiter allows at most Requests successes per Window for each identifier.
type Limiter struct {
	client   redis.UniversalClient
	requests int
	window   time.Duration
}

func NewLimiter(client redis.UniversalClient, requests int, window time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		requests: requests,
		window:   window,
	}
}

// Allow reports whether the identifier may make one more request in the
// current window. The increment and the window initialization are a single
// atomic operation, so concurrent callers can never observe a stale count
// and over-admit: exactly N of N+k simultaneous calls succeed.
//
// A denied caller must defer and come back later, not spin on Allow.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	count, err := l.client.Eval(ctx, incrScript, []string{counterKeyPrefix + identifier}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return count <= int64(l.requests), nil
}

// Remaining returns how many requests are left in the identifier's current
// window without consuming one. Used by operator dashboards only.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	count, err := l.client.Get(ctx, counterKeyPrefix+identifier).Int64()
	if err == redis.Nil {
		return l.requests, nil
	}
	if err != nil {
		return 0, err
	}
	left := l.requests - int(count)
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Reset drops the identifier's counter. Counters normally expire on their
// own; this exists for test isolation.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.client.Del(ctx, counterKeyPrefix+identifier).Err()
}
