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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port string `json:"port" envconfig:"CLIPPOST_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"CLIPPOST_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"CLIPPOST_REDIS_DNS"`
}

// MediaStoreConfig points at the object store holding the raw payloads
// queued for publishing.
type MediaStoreConfig struct {
	Endpoint  string `json:"endpoint" envconfig:"CLIPPOST_MEDIA_ENDPOINT"`
	AccessKey string `json:"access_key" envconfig:"CLIPPOST_MEDIA_ACCESS_KEY"`
	SecretKey string `json:"secret_key" envconfig:"CLIPPOST_MEDIA_SECRET_KEY"`
	Bucket    string `json:"bucket" envconfig:"CLIPPOST_MEDIA_BUCKET"`
	UseSSL    bool   `json:"use_ssl" envconfig:"CLIPPOST_MEDIA_USE_SSL"`
}

// PlatformConfig describes the external publishing platform's API surface
// and the tunables of the upload/poll cycle against it.
type PlatformConfig struct {
	BaseURL          string `json:"base_url" envconfig:"CLIPPOST_PLATFORM_BASE_URL"`
	TokenURL         string `json:"token_url" envconfig:"CLIPPOST_PLATFORM_TOKEN_URL"`
	ClientKey        string `json:"client_key" envconfig:"CLIPPOST_PLATFORM_CLIENT_KEY"`
	ClientSecret     string `json:"client_secret" envconfig:"CLIPPOST_PLATFORM_CLIENT_SECRET"`
	ChunkSizeBytes   int64  `json:"chunk_size_bytes" envconfig:"CLIPPOST_PLATFORM_CHUNK_SIZE_BYTES"`
	ChunkMaxRetries  int    `json:"chunk_max_retries" envconfig:"CLIPPOST_PLATFORM_CHUNK_MAX_RETRIES"`
	StatusPollSec    int    `json:"status_poll_sec" envconfig:"CLIPPOST_PLATFORM_STATUS_POLL_SEC"`
	StatusPollMax    int    `json:"status_poll_max" envconfig:"CLIPPOST_PLATFORM_STATUS_POLL_MAX"`
	RequestTimeoutMs int    `json:"request_timeout_ms" envconfig:"CLIPPOST_PLATFORM_REQUEST_TIMEOUT_MS"`
}

// RateLimitConfig bounds requests per credential against the platform.
type RateLimitConfig struct {
	Requests  int `json:"requests" envconfig:"CLIPPOST_RATE_LIMIT_REQUESTS"`
	WindowSec int `json:"window_sec" envconfig:"CLIPPOST_RATE_LIMIT_WINDOW_SEC"`
}

// SchedulerConfig drives the due-job poller and the job-level retry tier.
type SchedulerConfig struct {
	TickIntervalSec   int    `json:"tick_interval_sec" envconfig:"CLIPPOST_SCHEDULER_TICK_INTERVAL_SEC"`
	LockLeaseSec      int    `json:"lock_lease_sec" envconfig:"CLIPPOST_SCHEDULER_LOCK_LEASE_SEC"`
	MaxAttempts       int    `json:"max_attempts" envconfig:"CLIPPOST_SCHEDULER_MAX_ATTEMPTS"`
	RetryBackoffMin   []int  `json:"retry_backoff_min" envconfig:"CLIPPOST_SCHEDULER_RETRY_BACKOFF_MIN"`
	MaxWorkers        int    `json:"max_workers" envconfig:"CLIPPOST_SCHEDULER_MAX_WORKERS"`
	BatchSize         int    `json:"batch_size" envconfig:"CLIPPOST_SCHEDULER_BATCH_SIZE"`
	StuckThresholdMin int    `json:"stuck_threshold_min" envconfig:"CLIPPOST_SCHEDULER_STUCK_THRESHOLD_MIN"`
	RefreshMarginMin  int    `json:"refresh_margin_min" envconfig:"CLIPPOST_SCHEDULER_REFRESH_MARGIN_MIN"`
	RefreshSweepMin   int    `json:"refresh_sweep_min" envconfig:"CLIPPOST_SCHEDULER_REFRESH_SWEEP_MIN"`
	PublishQueue      string `json:"publish_queue" envconfig:"CLIPPOST_SCHEDULER_PUBLISH_QUEUE"`
	RefreshQueue      string `json:"refresh_queue" envconfig:"CLIPPOST_SCHEDULER_REFRESH_QUEUE"`
}

// VaultConfig holds the key material protecting stored credentials.
type VaultConfig struct {
	EncryptionKey string `json:"encryption_key" envconfig:"CLIPPOST_VAULT_ENCRYPTION_KEY"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"CLIPPOST_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	MediaStore   MediaStoreConfig `json:"media_store"`
	Platform     PlatformConfig   `json:"platform"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Scheduler    SchedulerConfig  `json:"scheduler"`
	Vault        VaultConfig      `json:"vault"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("clippost", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called clippost.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Clippost"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Vault.EncryptionKey == "" {
		log.Println("Error: Vault encryption key is empty. It's a required field.")
		return errors.New("vault encryption key is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Platform.ChunkSizeBytes == 0 {
		cnf.Platform.ChunkSizeBytes = 5 * 1024 * 1024
	}
	if cnf.Platform.ChunkMaxRetries == 0 {
		cnf.Platform.ChunkMaxRetries = 3
	}
	if cnf.Platform.StatusPollSec == 0 {
		cnf.Platform.StatusPollSec = 5
	}
	if cnf.Platform.StatusPollMax == 0 {
		cnf.Platform.StatusPollMax = 60
	}
	if cnf.Platform.RequestTimeoutMs == 0 {
		cnf.Platform.RequestTimeoutMs = 30000
	}

	if cnf.RateLimit.Requests == 0 {
		cnf.RateLimit.Requests = 6
	}
	if cnf.RateLimit.WindowSec == 0 {
		cnf.RateLimit.WindowSec = 60
	}

	if cnf.Scheduler.TickIntervalSec == 0 {
		cnf.Scheduler.TickIntervalSec = 60
	}
	if cnf.Scheduler.LockLeaseSec == 0 {
		cnf.Scheduler.LockLeaseSec = 600
	}
	if cnf.Scheduler.MaxAttempts == 0 {
		cnf.Scheduler.MaxAttempts = 3
	}
	if len(cnf.Scheduler.RetryBackoffMin) == 0 {
		cnf.Scheduler.RetryBackoffMin = []int{5, 15, 30}
	}
	if cnf.Scheduler.MaxWorkers == 0 {
		cnf.Scheduler.MaxWorkers = 10
	}
	if cnf.Scheduler.BatchSize == 0 {
		cnf.Scheduler.BatchSize = cnf.Scheduler.MaxWorkers * 10
	}
	if cnf.Scheduler.StuckThresholdMin == 0 {
		cnf.Scheduler.StuckThresholdMin = 30
	}
	if cnf.Scheduler.RefreshMarginMin == 0 {
		cnf.Scheduler.RefreshMarginMin = 60
	}
	if cnf.Scheduler.RefreshSweepMin == 0 {
		cnf.Scheduler.RefreshSweepMin = 30
	}
	if cnf.Scheduler.PublishQueue == "" {
		cnf.Scheduler.PublishQueue = "publish"
	}
	if cnf.Scheduler.RefreshQueue == "" {
		cnf.Scheduler.RefreshQueue = "credential_refresh"
	}

	return nil
}

// StatusPollInterval returns the delay between status polls against the
// platform while a publish is processing remotely.
func (cnf *Configuration) StatusPollInterval() time.Duration {
	return time.Duration(cnf.Platform.StatusPollSec) * time.Second
}

// TickInterval returns the cadence of the scheduler's due-job sweep.
func (cnf *Configuration) TickInterval() time.Duration {
	return time.Duration(cnf.Scheduler.TickIntervalSec) * time.Second
}

// LockLease returns the lease applied to a job claim; it must exceed the
// worst-case publish duration so a live worker never loses its claim.
func (cnf *Configuration) LockLease() time.Duration {
	return time.Duration(cnf.Scheduler.LockLeaseSec) * time.Second
}

// RetryBackoff returns the escalating delay before the given attempt
// (1-based) is retried. Attempts beyond the schedule reuse the last entry.
func (cnf *Configuration) RetryBackoff(attempt int) time.Duration {
	schedule := cnf.Scheduler.RetryBackoffMin
	if len(schedule) == 0 {
		schedule = []int{5, 15, 30}
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(schedule) {
		attempt = len(schedule)
	}
	return time.Duration(schedule[attempt-1]) * time.Minute
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
