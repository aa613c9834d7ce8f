package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the task workflow layer: creating tasks, finishing them with a
// record, and deriving accuracy summaries. Auto mode marks tasks the backend
// schedules itself rather than an operator.
type Service struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	autoMode bool
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: store,
		log:   logger,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SetAutoMode toggles automatic task creation labeling.
func (s *Service) SetAutoMode(on bool) {
	s.mu.Lock()
	s.autoMode = on
	s.mu.Unlock()
	s.log.Info("auto mode changed", "enabled", on)
}

func (s *Service) AutoMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoMode
}

// Create registers a new pending task. manual=false tasks are tagged as auto
// mode output.
func (s *Service) Create(ctx context.Context, name, description, cameraID, targetObject string, manual bool) (Task, error) {
	if name == "" {
		return Task{}, fmt.Errorf("tasks: name is required")
	}
	if cameraID == "" {
		return Task{}, fmt.Errorf("tasks: cameraId is required")
	}
	t := Task{
		ID:           s.newID(),
		Name:         name,
		Description:  description,
		CameraID:     cameraID,
		TargetObject: targetObject,
		CreatedAt:    s.now(),
		Status:       StatusPending,
		IsManual:     manual,
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return Task{}, err
	}
	s.log.Info("task created", "task_id", t.ID, "camera_id", cameraID, "manual", manual)
	return t, nil
}

// Start moves a pending task to in-progress.
func (s *Service) Start(ctx context.Context, taskID string) error {
	return s.store.UpdateTaskStatus(ctx, taskID, StatusInProgress)
}

// Complete finishes a task successfully and appends its record.
func (s *Service) Complete(ctx context.Context, taskID, details string) error {
	return s.finish(ctx, taskID, StatusCompleted, details, "")
}

// Fail finishes a task unsuccessfully and appends its record.
func (s *Service) Fail(ctx context.Context, taskID, errText string) error {
	return s.finish(ctx, taskID, StatusFailed, "", errText)
}

func (s *Service) finish(ctx context.Context, taskID string, status Status, details, errText string) error {
	t, err := s.store.Task(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return err
	}
	r := Record{
		ID:        s.newID(),
		TaskID:    t.ID,
		Timestamp: s.now(),
		CameraID:  t.CameraID,
		TaskName:  t.Name,
		Details:   details,
		Status:    status,
		Error:     errText,
	}
	if err := s.store.AppendRecord(ctx, r); err != nil {
		return err
	}
	s.log.Info("task finished", "task_id", t.ID, "status", status)
	return nil
}

func (s *Service) Tasks(ctx context.Context) ([]Task, error) {
	return s.store.Tasks(ctx)
}

func (s *Service) Records(ctx context.Context, from, to time.Time) ([]Record, error) {
	return s.store.Records(ctx, from, to)
}

// AccuracyByCamera aggregates all records into per-camera success ratios.
// Accuracy is completed / (completed + failed); a camera with no finished
// records reports zero.
func (s *Service) AccuracyByCamera(ctx context.Context) ([]Accuracy, error) {
	records, err := s.store.Records(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	byCamera := make(map[string]*Accuracy)
	for _, r := range records {
		acc := byCamera[r.CameraID]
		if acc == nil {
			acc = &Accuracy{CameraID: r.CameraID}
			byCamera[r.CameraID] = acc
		}
		acc.Total++
		switch r.Status {
		case StatusCompleted:
			acc.Completed++
		case StatusFailed:
			acc.Failed++
		}
	}
	out := make([]Accuracy, 0, len(byCamera))
	for _, acc := range byCamera {
		if done := acc.Completed + acc.Failed; done > 0 {
			acc.Accuracy = float64(acc.Completed) / float64(done)
		}
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out, nil
}
