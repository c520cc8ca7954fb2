package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState tracks a conversion job through its lifecycle.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// ConversionJob describes one requested document conversion. The input is
// either a path on disk or an in-memory buffer; exactly one must be set.
type ConversionJob struct {
	ID           string
	InputPath    string
	Content      []byte
	SourceFormat string
	TargetFormat string
	OutputDir    string
	SubmittedAt  time.Time
	State        JobState
}

// NewJob creates a queued job for a file on disk.
func NewJob(inputPath, sourceFormat, targetFormat string) ConversionJob {
	return ConversionJob{
		ID:           uuid.NewString(),
		InputPath:    inputPath,
		SourceFormat: sourceFormat,
		TargetFormat: targetFormat,
		SubmittedAt:  time.Now().UTC(),
		State:        JobQueued,
	}
}

// NewBufferJob creates a queued job for in-memory content.
func NewBufferJob(content []byte, sourceFormat, targetFormat string) ConversionJob {
	j := NewJob("", sourceFormat, targetFormat)
	j.Content = content
	return j
}
