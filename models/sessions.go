package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
)

const (
	MetadataExtension    = "extension"
	MetadataOriginalPath = "original_path"
)

// UploadSession represents a chunked upload session
type UploadSession struct {
	UploadId         string            `dynamodbav:"upload_id"`         // Unique identifier for upload session
	OriginalFilename string            `dynamodbav:"original_filename"` // Client supplied file name
	MimeType         string            `dynamodbav:"mime_type"`         // Client declared MIME type
	TotalSize        int64             `dynamodbav:"total_size"`        // Declared total size in bytes
	ChunkSize        int64             `dynamodbav:"chunk_size"`        // Declared chunk size in bytes
	TotalChunks      int               `dynamodbav:"total_chunks"`      // Declared chunk count, authoritative
	CompletedChunks  []int             `dynamodbav:"completed_chunks"`  // Sorted 1-based chunk numbers received
	UploadedSize     int64             `dynamodbav:"uploaded_size"`     // Sum of stored chunk sizes
	Status           UploadStatus      `dynamodbav:"status"`            // Current upload status
	Checksum         string            `dynamodbav:"checksum"`          // Declared, then computed sha256 hex
	Metadata         map[string]string `dynamodbav:"metadata"`          // extension, original_path
	Version          int64             `dynamodbav:"version"`           // Optimistic concurrency counter
	CreatedAt        time.Time         `dynamodbav:"created_at"`
	UpdatedAt        time.Time         `dynamodbav:"updated_at"`
	CompletedAt      *time.Time        `dynamodbav:"completed_at,omitempty"`
}

// TransitionTo moves the session to next if the lifecycle allows it.
func (s *UploadSession) TransitionTo(next UploadStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", apperror.ErrInvalidState, s.Status, next)
	}
	s.Status = next
	return nil
}

// AddCompletedChunk records n, keeping the set sorted and free of duplicates.
func (s *UploadSession) AddCompletedChunk(n int) {
	s.CompletedChunks = NormalizeChunks(append(s.CompletedChunks, n))
}

func (s *UploadSession) IsFullyUploaded() bool {
	return len(s.CompletedChunks) == s.TotalChunks
}

// MissingChunks returns {1..TotalChunks} minus the completed set.
func (s *UploadSession) MissingChunks() []int {
	have := make(map[int]struct{}, len(s.CompletedChunks))
	for _, n := range s.CompletedChunks {
		have[n] = struct{}{}
	}
	missing := make([]int, 0, s.TotalChunks-len(have))
	for n := 1; n <= s.TotalChunks; n++ {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.CompletedChunks = append([]int(nil), s.CompletedChunks...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func NormalizeChunks(chunks []int) []int {
	seen := make(map[int]struct{}, len(chunks))
	out := make([]int, 0, len(chunks))
	for _, n := range chunks {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

type ResumeInfo struct {
	CompletedChunks []int        `json:"completed_chunks"`
	MissingChunks   []int        `json:"missing_chunks"`
	Status          UploadStatus `json:"status"`
	UploadedSize    int64        `json:"uploaded_size"`
	TotalSize       int64        `json:"total_size"`
}

type InitializeRequest struct {
	OriginalFilename string
	MimeType         string
	TotalSize        int64
	ChunkSize        int64
	TotalChunks      int
	Checksum         string
}
