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

// Package redlock provides the lease-based mutual exclusion primitive the
// scheduler uses to claim jobs across worker processes. A claim is a Redis
// key set with NX and a TTL; only the holder (identified by a random token)
// can release or extend it, so a worker that lost its lease to expiry cannot
// stomp on the next holder.
package redlock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "clippost:claim:"

// ErrLockHeld is returned by Lock when another worker already owns the claim.
type ErrLockHeld struct {
	Key string
}

func (e ErrLockHeld) Error() string {
	return fmt.Sprintf("lock for key %s is already held", e.Key)
}

type Locker struct {
	client redis.UniversalClient
	key    string
	value  string // Only the lock holder can unlock or renew the lock
}

// NewLocker creates a locker for an arbitrary key with an explicit holder
// token. Most callers want NewJobLocker.
func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

// NewJobLocker creates a locker for a job claim, namespaced under the claim
// prefix with the given holder token.
func NewJobLocker(client redis.UniversalClient, jobID, holder string) *Locker {
	return NewLocker(client, claimKeyPrefix+jobID, holder)
}

// Lock attempts to acquire the claim for the lease duration. It does not
// block: contention returns ErrLockHeld so the caller can skip the job.
func (l *Locker) Lock(ctx context.Context, lease time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, lease).Result()
	if err != nil {
		return err
	}
	if !success {
		return ErrLockHeld{Key: l.key}
	}
	return nil
}

// Unlock releases the claim if this locker still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

// ExtendLock renews the lease if this locker still holds it. The scheduler
// heartbeats this for the whole publish attempt so a long upload or poll
// never outlives the claim.
func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// WaitLock retries acquisition with jittered backoff until waitTimeout
// elapses. Used by callers that must eventually proceed, not by the
// scheduler's claim path.
func (l *Locker) WaitLock(ctx context.Context, lease, waitTimeout time.Duration) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		err := l.Lock(ctx, lease)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
	return fmt.Errorf("failed to acquire lock for key %s within the wait timeout", l.key)
}
