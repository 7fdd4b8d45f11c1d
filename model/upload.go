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

package model

import "fmt"

// UploadSession is the transient state for one in-flight chunked transfer.
// It exists only between upload initiation and the final chunk ack (or
// abandonment); nothing about it is persisted.
type UploadSession struct {
	SessionID  string `json:"session_id"`
	UploadURL  string `json:"upload_url"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
}

// ChunkRange is one [Start, End) byte range of the payload.
type ChunkRange struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Size returns the number of bytes covered by the range.
func (c ChunkRange) Size() int64 {
	return c.End - c.Start
}

// NewUploadSession validates sizes and computes the chunk count for a
// payload of totalSize split into chunkSize pieces.
func NewUploadSession(sessionID, uploadURL string, totalSize, chunkSize int64) (*UploadSession, error) {
	if totalSize <= 0 {
		return nil, fmt.Errorf("upload session requires a positive payload size, got %d", totalSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("upload session requires a positive chunk size, got %d", chunkSize)
	}
	count := int((totalSize + chunkSize - 1) / chunkSize)
	return &UploadSession{
		SessionID:  sessionID,
		UploadURL:  uploadURL,
		TotalSize:  totalSize,
		ChunkSize:  chunkSize,
		ChunkCount: count,
	}, nil
}

// ChunkPlan returns the ordered chunk ranges of the session. The ranges are
// contiguous, non-overlapping and together cover exactly [0, TotalSize).
func (s *UploadSession) ChunkPlan() []ChunkRange {
	plan := make([]ChunkRange, 0, s.ChunkCount)
	for i := 0; i < s.ChunkCount; i++ {
		start := int64(i) * s.ChunkSize
		end := start + s.ChunkSize
		if end > s.TotalSize {
			end = s.TotalSize
		}
		plan = append(plan, ChunkRange{Index: i, Start: start, End: end})
	}
	return plan
}
