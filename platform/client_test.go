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

package platform

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clippost/clippost/config"
)

func newTestClient() *HTTPClient {
	cfg := &config.Configuration{}
	cfg.Platform.BaseURL = "https://open.example.com/v2"
	cfg.Platform.TokenURL = "https://open.example.com/v2/oauth/token/"
	cfg.Platform.ClientKey = "test-key"
	cfg.Platform.ClientSecret = "test-secret"
	cfg.Platform.RequestTimeoutMs = 5000
	return NewHTTPClient(cfg)
}

func TestInitiateUpload_Success(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://open.example.com/v2/post/publish/video/init/",
		httpmock.NewStringResponder(200, `{"data":{"publish_id":"pub_123","upload_url":"https://upload.example.com/u/abc"},"error":{"code":"ok"}}`))

	res, err := client.InitiateUpload(context.Background(), "token", InitSpec{
		Caption:     "hello",
		VideoSize:   12 * 1024 * 1024,
		ChunkSize:   5 * 1024 * 1024,
		TotalChunks: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "pub_123", res.PublishID)
	assert.Equal(t, "https://upload.example.com/u/abc", res.UploadURL)
}

func TestInitiateUpload_PlatformRejection(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://open.example.com/v2/post/publish/video/init/",
		httpmock.NewStringResponder(200, `{"data":{},"error":{"code":"spam_risk","message":"posting too frequently"}}`))

	_, err := client.InitiateUpload(context.Background(), "token", InitSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "posting too frequently")
}

func TestPutChunk_SetsContentRange(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	var gotRange string
	httpmock.RegisterResponder(http.MethodPut, "https://upload.example.com/u/abc",
		func(req *http.Request) (*http.Response, error) {
			gotRange = req.Header.Get("Content-Range")
			return httpmock.NewStringResponse(201, ""), nil
		})

	err := client.PutChunk(context.Background(), "https://upload.example.com/u/abc", []byte("chunkdata"), 0, 9, 18)
	require.NoError(t, err)
	assert.Equal(t, "bytes 0-8/18", gotRange)
}

func TestPutChunk_ServerErrorIsTransient(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPut, "https://upload.example.com/u/abc",
		httpmock.NewStringResponder(503, "upstream unavailable"))

	err := client.PutChunk(context.Background(), "https://upload.example.com/u/abc", []byte("x"), 0, 1, 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestPutChunk_ClientErrorIsNotTransient(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPut, "https://upload.example.com/u/abc",
		httpmock.NewStringResponder(416, "range not satisfiable"))

	err := client.PutChunk(context.Background(), "https://upload.example.com/u/abc", []byte("x"), 0, 1, 1)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestFetchStatus_Processing(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://open.example.com/v2/post/publish/status/fetch/",
		httpmock.NewStringResponder(200, `{"data":{"status":"PROCESSING_UPLOAD"},"error":{"code":"ok"}}`))

	res, err := client.FetchStatus(context.Background(), "token", "pub_123")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
}

func TestFetchStatus_Complete(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://open.example.com/v2/post/publish/status/fetch/",
		httpmock.NewStringResponder(200, `{"data":{"status":"PUBLISH_COMPLETE","post_id":"post_9","share_url":"https://example.com/@u/video/post_9"},"error":{"code":"ok"}}`))

	res, err := client.FetchStatus(context.Background(), "token", "pub_123")
	require.NoError(t, err)
	assert.Equal(t, StatusPublishComplete, res.Status)
	assert.Equal(t, "post_9", res.PostID)
	assert.Equal(t, "https://example.com/@u/video/post_9", res.ShareURL)
}

func TestExchangeRenewal_Success(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://open.example.com/v2/oauth/token/",
		httpmock.NewStringResponder(200, `{"access_token":"new-access","refresh_token":"new-renewal","expires_in":86400}`))

	grant, err := client.ExchangeRenewal(context.Background(), "old-renewal")
	require.NoError(t, err)
	assert.Equal(t, "new-access", grant.AccessToken)
	assert.Equal(t, "new-renewal", grant.RefreshToken)
	assert.Equal(t, int64(86400), grant.ExpiresIn)
}

func TestExchangeRenewal_RejectionOmitsMaterial(t *testing.T) {
	client := newTestClient()
	httpmock.ActivateNonDefault(client.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://open.example.com/v2/oauth/token/",
		httpmock.NewStringResponder(400, `{"error":"invalid_grant"}`))

	_, err := client.ExchangeRenewal(context.Background(), "super-secret-renewal-material")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "super-secret-renewal-material")
}
