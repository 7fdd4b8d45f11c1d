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
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clippost/clippost/config"
	redis_db "github.com/clippost/clippost/internal/redis-db"
)

// Queue wraps the asynq client used for deferred work: retry wake-ups for
// failed publish attempts and the periodic credential refresh sweep. It is
// an optimization over the scheduler tick, not a correctness dependency;
// every queued task is re-verified against the database before it runs.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// RetryTaskPayload is the body of a publish retry task.
type RetryTaskPayload struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// NewQueue initializes the queue from the loaded configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// ScheduleRetry enqueues a wake-up task for a retry-pending job, deduplicated
// per job and attempt so a re-run of the same attempt cannot double-enqueue.
func (q *Queue) ScheduleRetry(ctx context.Context, jobID string, attempt int, runAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(RetryTaskPayload{JobID: jobID, Attempt: attempt})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:retry:%d", jobID, attempt)),
		asynq.Queue(cfg.Scheduler.PublishQueue),
		asynq.ProcessIn(time.Until(runAt)),
	}
	task := asynq.NewTask(cfg.Scheduler.PublishQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued retry for job: %s (attempt %d)", jobID, attempt)
	return nil
}

// ScheduleRefreshSweep enqueues the next credential refresh sweep. The task
// ID pins one pending sweep at a time.
func (q *Queue) ScheduleRefreshSweep(ctx context.Context, runAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID("credential_refresh_sweep"),
		asynq.Queue(cfg.Scheduler.RefreshQueue),
		asynq.ProcessIn(time.Until(runAt)),
	}
	task := asynq.NewTask(cfg.Scheduler.RefreshQueue, nil, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if err == asynq.ErrTaskIDConflict {
			return nil
		}
		log.Println(err, info)
		return err
	}
	return nil
}

// GetRetryTaskFromQueue looks up a pending retry task for a job and attempt.
func (q *Queue) GetRetryTaskFromQueue(jobID string, attempt int) (*RetryTaskPayload, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	task, err := q.Inspector.GetTaskInfo(cfg.Scheduler.PublishQueue, fmt.Sprintf("%s:retry:%d", jobID, attempt))
	if err != nil || task == nil {
		return nil, nil
	}
	var payload RetryTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
