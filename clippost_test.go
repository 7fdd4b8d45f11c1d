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
	"io"
	"log"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/database"
	"github.com/clippost/clippost/internal/ratelimit"
	"github.com/clippost/clippost/internal/vaulting"
	"github.com/clippost/clippost/platform"
)

func newTestDataSource() (database.IDataSource, sqlmock.Sqlmock, error) {
	config.MockConfig(&config.Configuration{})
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		log.Printf("an error '%s' was not expected when opening a stub database Connection", err)
	}
	return &database.Datasource{Conn: db, Cache: nil}, mock, nil
}

// mockPlatform is a scriptable platform client for pipeline tests.
type mockPlatform struct {
	initiate    func(ctx context.Context, accessToken string, spec platform.InitSpec) (*platform.InitResult, error)
	putChunk    func(ctx context.Context, uploadURL string, chunk []byte, start, end, totalSize int64) error
	fetchStatus func(ctx context.Context, accessToken, publishID string) (*platform.StatusResult, error)
	exchange    func(ctx context.Context, renewalMaterial string) (*platform.TokenGrant, error)
}

func (m *mockPlatform) InitiateUpload(ctx context.Context, accessToken string, spec platform.InitSpec) (*platform.InitResult, error) {
	return m.initiate(ctx, accessToken, spec)
}

func (m *mockPlatform) PutChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, totalSize int64) error {
	return m.putChunk(ctx, uploadURL, chunk, start, end, totalSize)
}

func (m *mockPlatform) FetchStatus(ctx context.Context, accessToken, publishID string) (*platform.StatusResult, error) {
	return m.fetchStatus(ctx, accessToken, publishID)
}

func (m *mockPlatform) ExchangeRenewal(ctx context.Context, renewalMaterial string) (*platform.TokenGrant, error) {
	return m.exchange(ctx, renewalMaterial)
}

// mockMedia serves a fixed payload for any object key.
type mockMedia struct {
	payload []byte
}

func (m *mockMedia) FetchPayload(_ context.Context, _ string) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(m.payload)), int64(len(m.payload)), nil
}

func newTestLimiter(t *testing.T, requests int) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return ratelimit.NewLimiter(client, requests, time.Minute)
}

func newTestVault(t *testing.T) *vaulting.Vault {
	t.Helper()
	vault, err := vaulting.NewVault("test-encryption-key")
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return vault
}
