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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clippost/clippost"
	"github.com/clippost/clippost/config"
	redis_db "github.com/clippost/clippost/internal/redis-db"
)

// processPublishRetry handles a retry wake-up task from the queue. The
// scheduler re-verifies the job state before doing anything, so a stale or
// duplicate task is a no-op.
func (c *clippostInstance) processPublishRetry(ctx context.Context, t *asynq.Task) error {
	var payload clippost.RetryTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	processor := clippost.NewSchedulerProcessor(c.clippost)
	if err := processor.ProcessRetryJob(ctx, payload.JobID); err != nil {
		logrus.Infof("Retry for job %s pushed back due to error: %v", payload.JobID, err)
		return err
	}

	log.Println(" [*] Retry Processed", payload.JobID)
	return nil
}

// processRefreshSweep runs one proactive credential refresh pass.
func (c *clippostInstance) processRefreshSweep(ctx context.Context, _ *asynq.Task) error {
	summary, err := c.clippost.RunRefreshSweep(ctx)
	if err != nil {
		return err
	}
	log.Printf(" [*] Refresh sweep done: %d refreshed, %d failed", summary.Refreshed, summary.Failed)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Scheduler.PublishQueue] = 3
	queues[cfg.Scheduler.RefreshQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: conf.Scheduler.MaxWorkers,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(c *clippostInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Scheduler.PublishQueue, c.processPublishRetry)
	mux.HandleFunc(cfg.Scheduler.RefreshQueue, c.processRefreshSweep)
}

// workerCommands defines the "workers" command: it runs the scheduler tick
// loop and the asynq consumers in one process.
func workerCommands(c *clippostInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start clippost workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(c, mux)

			processor := clippost.NewSchedulerProcessor(c.clippost)
			processor.Start(ctx)
			defer processor.Stop()

			if err := c.clippost.KickstartRefreshSweep(ctx, time.Now()); err != nil {
				logrus.Warnf("failed to schedule initial refresh sweep: %v", err)
			}

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
