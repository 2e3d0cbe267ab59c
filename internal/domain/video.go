package domain

import "time"

// VideoJobStatus enumerates the lifecycle of an AI-video generation job.
type VideoJobStatus string

const (
	VideoQueued    VideoJobStatus = "queued"
	VideoRendering VideoJobStatus = "rendering"
	VideoCompleted VideoJobStatus = "completed"
	VideoFailed    VideoJobStatus = "failed"
)

// VideoGenerationJob tracks an asynchronous video render. Video steps are
// two-phase: the scheduler enqueues the job and parks the enrollment; the
// provider's completion webhook delivers the video and resumes the step.
type VideoGenerationJob struct {
	ID            string         `json:"id" db:"id"`
	EnrollmentID  string         `json:"enrollment_id" db:"enrollment_id"`
	InstanceID    string         `json:"instance_id" db:"instance_id"`
	StepNumber    int            `json:"step_number" db:"step_number"`
	Provider      string         `json:"provider" db:"provider"`
	ProviderJobID string         `json:"provider_job_id" db:"provider_job_id"`
	Status        VideoJobStatus `json:"status" db:"status"`
	VideoURL      string         `json:"video_url" db:"video_url"`
	FailureReason string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}
