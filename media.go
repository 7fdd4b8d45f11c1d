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
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/clippost/clippost/config"
)

// MediaStore hands the pipeline a payload stream by object key. The stream
// is consumed chunk by chunk; implementations must not buffer the whole
// object.
type MediaStore interface {
	FetchPayload(ctx context.Context, objectKey string) (io.ReadCloser, int64, error)
}

// MinioMediaStore reads payloads from the S3-compatible media bucket that
// the upstream CRUD layer writes uploads into.
type MinioMediaStore struct {
	client *minio.Client
	bucket string
}

func NewMinioMediaStore(cfg *config.Configuration) (*MinioMediaStore, error) {
	client, err := minio.New(cfg.MediaStore.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MediaStore.AccessKey, cfg.MediaStore.SecretKey, ""),
		Secure: cfg.MediaStore.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init media store client")
	}
	return &MinioMediaStore{client: client, bucket: cfg.MediaStore.Bucket}, nil
}

// FetchPayload opens the object for streaming and returns its exact size.
// The returned reader yields bytes on demand, so memory stays bounded by
// however much the caller reads at once.
func (s *MinioMediaStore) FetchPayload(ctx context.Context, objectKey string) (io.ReadCloser, int64, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return nil, 0, errors.Wrapf(err, "stat payload %s", objectKey)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open payload %s", objectKey)
	}
	return obj, stat.Size, nil
}
