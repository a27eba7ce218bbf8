// Package segjob defines the segmentation job's wire and in-memory types:
// the unit the Segmentation Scheduler dequeues and fans out over the
// Pipeline Runner.
package segjob

import "encoding/json"

// Step is one model's end-to-end processing of an input variant.
type Step struct {
	ModelName string `json:"model_name"`
	InputPath string `json:"input_path"`
}

// Job is the unit enqueued for segmentation: an ordered plan of Steps
// against one session's input.
type Job struct {
	SessionID string `json:"session_id"`
	InputPath string `json:"input_path"`
	Plan      []Step `json:"plan"`
}

// Marshal serializes a Job for storage in the shared-state job queue.
func (j Job) Marshal() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unmarshal parses a Job from its queued wire form.
func Unmarshal(data string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// ProgressTag is one of the closed set of per-(session,model) terminal
// tags.
type ProgressTag string

const (
	ProgressQueued     ProgressTag = "queued"
	ProgressWaitingGPU ProgressTag = "waiting_gpu"
	ProgressRunning    ProgressTag = "running"
	ProgressComplete   ProgressTag = "complete"
	ProgressError      ProgressTag = "error"
)

// Progress is the per-(session_id, model_name) progress record.
type Progress struct {
	Percent int         `json:"percent"`
	Tag     ProgressTag `json:"tag"`
}

// StepResult is one step's settled outcome, used to build a JobSummary.
type StepResult struct {
	ModelName string
	Err       error
	Kind      string // e.g. "missing_model", "oom"; empty on success
}

// JobSummary aggregates a job's per-step terminal states into the
// concatenated detail string the job_failed event carries, e.g.
// "models m1, m3 failed: missing_model, oom".
type JobSummary struct {
	Total   int
	Failed  []StepResult
	Succeed []string
}

// HasFailures reports whether any step in the job failed.
func (s JobSummary) HasFailures() bool {
	return len(s.Failed) > 0
}

// Detail renders the job_failed detail string.
func (s JobSummary) Detail() string {
	if !s.HasFailures() {
		return ""
	}
	var names, kinds string
	for i, f := range s.Failed {
		if i > 0 {
			names += ", "
			kinds += ", "
		}
		names += f.ModelName
		kinds += f.Kind
	}
	return "models " + names + " failed: " + kinds
}
