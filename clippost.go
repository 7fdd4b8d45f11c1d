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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/database"
	"github.com/clippost/clippost/internal/ratelimit"
	redis_db "github.com/clippost/clippost/internal/redis-db"
	"github.com/clippost/clippost/internal/vaulting"
	"github.com/clippost/clippost/platform"
)

// Clippost is the main struct for the publishing pipeline. It owns the
// collaborators every pipeline component needs: persistence, the Redis
// primitives, the platform client, the credential vault and the media store.
type Clippost struct {
	datasource database.IDataSource
	queue      *Queue
	redis      redis.UniversalClient
	limiter    *ratelimit.Limiter
	vault      *vaulting.Vault
	platform   platform.Client
	media      MediaStore
	uploader   *UploadEngine

	pollInterval time.Duration
	maxPolls     int
}

// NewClippost wires the pipeline from the loaded configuration.
func NewClippost(db database.IDataSource) (*Clippost, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns})
	if err != nil {
		return nil, err
	}
	vault, err := vaulting.NewVault(configuration.Vault.EncryptionKey)
	if err != nil {
		return nil, err
	}
	media, err := NewMinioMediaStore(configuration)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(redisClient.Client(), configuration.RateLimit.Requests,
		time.Duration(configuration.RateLimit.WindowSec)*time.Second)
	platformClient := platform.NewHTTPClient(configuration)

	c := &Clippost{
		datasource: db,
		queue:      NewQueue(configuration),
		redis:      redisClient.Client(),
		limiter:    limiter,
		vault:      vault,
		platform:   platformClient,
		media:      media,

		pollInterval: configuration.StatusPollInterval(),
		maxPolls:     configuration.Platform.StatusPollMax,
	}
	c.uploader = NewUploadEngine(platformClient, limiter, configuration.Platform.ChunkSizeBytes, configuration.Platform.ChunkMaxRetries)
	return c, nil
}
