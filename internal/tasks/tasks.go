// Package tasks stores detection tasks run against cameras and the execution
// records they produce, and derives per-camera accuracy summaries from those
// records.
package tasks

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrTaskNotFound = errors.New("tasks: task not found")

// Task is one detection job against a camera, created manually or by auto
// mode.
type Task struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CameraID     string    `json:"cameraId"`
	TargetObject string    `json:"targetObject,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Status       Status    `json:"status"`
	IsManual     bool      `json:"isManual"`
}

// Record is the immutable log entry written when a task finishes.
type Record struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	CameraID  string    `json:"cameraId"`
	TaskName  string    `json:"taskName"`
	Details   string    `json:"details,omitempty"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Accuracy aggregates one camera's completed/failed record counts.
type Accuracy struct {
	CameraID  string  `json:"cameraId"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Accuracy  float64 `json:"accuracy"`
}
