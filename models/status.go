package models

import "fmt"

type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusUploading  UploadStatus = "uploading"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
)

var transitions = map[UploadStatus][]UploadStatus{
	StatusPending:    {StatusUploading, StatusProcessing, StatusFailed},
	StatusUploading:  {StatusUploading, StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch st := UploadStatus(s); st {
	case StatusPending, StatusUploading, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown upload status %q", s)
}

func (s UploadStatus) String() string {
	return string(s)
}

func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AcceptsChunks reports whether chunks may still be (re)written.
func (s UploadStatus) AcceptsChunks() bool {
	return s == StatusPending || s == StatusUploading
}

func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
