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

// Package platform is the HTTP client for the external publishing platform:
// upload initiation, chunk transfer, status polling and the token exchange
// that renews delegated credentials. It knows nothing about jobs or
// persistence; the orchestrator owns those.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/clippost/clippost/config"
	"github.com/clippost/clippost/internal/request"
)

// Remote processing statuses reported by the status endpoint.
const (
	StatusProcessing      = "PROCESSING_UPLOAD"
	StatusPublishComplete = "PUBLISH_COMPLETE"
	StatusFailed          = "FAILED"
)

// Client is the contract the pipeline depends on. The production
// implementation is HTTPClient; tests substitute their own.
type Client interface {
	InitiateUpload(ctx context.Context, accessToken string, spec InitSpec) (*InitResult, error)
	PutChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, totalSize int64) error
	FetchStatus(ctx context.Context, accessToken, publishID string) (*StatusResult, error)
	ExchangeRenewal(ctx context.Context, renewalMaterial string) (*TokenGrant, error)
}

// InitSpec carries everything the platform needs to open an upload session.
type InitSpec struct {
	Caption        string `json:"caption"`
	PrivacyLevel   string `json:"privacy_level"`
	DisableStitch  bool   `json:"disable_stitch"`
	DisableDuet    bool   `json:"disable_duet"`
	DisableComment bool   `json:"disable_comment"`
	VideoSize      int64  `json:"video_size"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunk_count"`
}

// InitResult identifies the opened session.
type InitResult struct {
	PublishID string `json:"publish_id"`
	UploadURL string `json:"upload_url"`
}

// StatusResult is one observation of the remote publish state.
type StatusResult struct {
	Status     string `json:"status"`
	FailReason string `json:"fail_reason,omitempty"`
	PostID     string `json:"post_id,omitempty"`
	ShareURL   string `json:"share_url,omitempty"`
}

// TokenGrant is the product of a successful renewal exchange.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RemoteError is a non-2xx platform response. Transient reports whether the
// failure class is worth retrying: server-side errors are, client-side
// rejections are not and retrying them only burns quota.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("platform returned status %d: %s", e.StatusCode, e.Body)
}

func (e *RemoteError) Transient() bool {
	return e.StatusCode >= 500
}

// IsTransient classifies an upload error. Network failures without an HTTP
// status are treated as transient.
func IsTransient(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Transient()
	}
	return err != nil
}

// HTTPClient talks to the real platform API.
type HTTPClient struct {
	baseURL      string
	tokenURL     string
	clientKey    string
	clientSecret string
	http         *http.Client
}

// NewHTTPClient builds the client from the loaded configuration.
func NewHTTPClient(cfg *config.Configuration) *HTTPClient {
	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.Platform.BaseURL, "/"),
		tokenURL:     cfg.Platform.TokenURL,
		clientKey:    cfg.Platform.ClientKey,
		clientSecret: cfg.Platform.ClientSecret,
		http: &http.Client{
			Timeout: time.Duration(cfg.Platform.RequestTimeoutMs) * time.Millisecond,
		},
	}
}

// InitiateUpload opens an upload session for one post.
func (c *HTTPClient) InitiateUpload(ctx context.Context, accessToken string, spec InitSpec) (*InitResult, error) {
	payload, err := request.ToJsonReq(map[string]interface{}{
		"post_info": map[string]interface{}{
			"caption":         spec.Caption,
			"privacy_level":   spec.PrivacyLevel,
			"disable_stitch":  spec.DisableStitch,
			"disable_duet":    spec.DisableDuet,
			"disable_comment": spec.DisableComment,
		},
		"source_info": map[string]interface{}{
			"source":            "FILE_UPLOAD",
			"video_size":        spec.VideoSize,
			"chunk_size":        spec.ChunkSize,
			"total_chunk_count": spec.TotalChunks,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/post/publish/video/init/", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", request.BearerAuth(accessToken))

	var envelope struct {
		Data  InitResult `json:"data"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	resp, err := request.Call(c.http, req, &envelope)
	if err != nil {
		return nil, errors.Wrap(err, "initiate upload request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: envelope.Error.Message}
	}
	if envelope.Error.Code != "" && envelope.Error.Code != "ok" {
		return nil, errors.Errorf("platform rejected init: %s (%s)", envelope.Error.Message, envelope.Error.Code)
	}
	if envelope.Data.PublishID == "" || envelope.Data.UploadURL == "" {
		return nil, errors.New("platform init response missing publish id or upload url")
	}
	return &envelope.Data, nil
}

// PutChunk transfers one byte range of the payload. The range header is
// inclusive: bytes start-(end-1)/total.
func (c *HTTPClient) PutChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, totalSize int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, totalSize))
	req.ContentLength = int64(len(chunk))

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "chunk transfer failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RemoteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// FetchStatus asks the platform where a publish session stands.
func (c *HTTPClient) FetchStatus(ctx context.Context, accessToken, publishID string) (*StatusResult, error) {
	payload, err := request.ToJsonReq(map[string]string{"publish_id": publishID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/post/publish/status/fetch/", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", request.BearerAuth(accessToken))

	var envelope struct {
		Data  StatusResult `json:"data"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	resp, err := request.Call(c.http, req, &envelope)
	if err != nil {
		return nil, errors.Wrap(err, "status fetch failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: envelope.Error.Message}
	}
	return &envelope.Data, nil
}

// ExchangeRenewal trades renewal material for a fresh token grant. The
// renewal material never appears in errors returned from here.
func (c *HTTPClient) ExchangeRenewal(ctx context.Context, renewalMaterial string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_key", c.clientKey)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", renewalMaterial)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "token exchange request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: "token exchange rejected"}
	}

	var grant TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, errors.Wrap(err, "token exchange response malformed")
	}
	if grant.AccessToken == "" {
		return nil, errors.New("token exchange response missing access token")
	}
	return &grant, nil
}
