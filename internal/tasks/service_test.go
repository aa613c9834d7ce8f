package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestService() (*Service, *MemoryStore, *time.Time) {
	store := NewMemoryStore()
	svc := NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Unix(1700000000, 0)
	n := 0
	svc.now = func() time.Time { return now }
	svc.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return svc, store, &now
}

func TestServiceCreateAndComplete(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	task, err := svc.Create(ctx, "detect person", "front gate", "cam-1", "person", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != StatusPending || !task.IsManual || task.ID != "id-1" {
		t.Fatalf("task = %+v", task)
	}

	if err := svc.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Complete(ctx, task.ID, "1 person found"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	tasks, _ := svc.Tasks(ctx)
	if len(tasks) != 1 || tasks[0].Status != StatusCompleted {
		t.Fatalf("tasks = %+v", tasks)
	}

	records, _ := svc.Records(ctx, time.Time{}, time.Time{})
	if len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}
	r := records[0]
	if r.TaskID != task.ID || r.CameraID != "cam-1" || r.TaskName != "detect person" || r.Status != StatusCompleted {
		t.Fatalf("record = %+v", r)
	}
}

func TestServiceCreateValidation(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Create(context.Background(), "", "", "cam-1", "", true); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := svc.Create(context.Background(), "x", "", "", "", true); err == nil {
		t.Fatal("expected error for empty camera id")
	}
}

func TestServiceFinishUnknownTask(t *testing.T) {
	svc, _, _ := newTestService()
	if err := svc.Complete(context.Background(), "ghost", ""); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestServiceRecordsTimeRange(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	base := *now
	for i := 0; i < 3; i++ {
		*now = base.Add(time.Duration(i) * time.Hour)
		task, err := svc.Create(ctx, "sweep", "", "cam-1", "", false)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := svc.Complete(ctx, task.ID, ""); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	records, err := svc.Records(ctx, base.Add(30*time.Minute), base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || !records[0].Timestamp.Equal(base.Add(time.Hour)) {
		t.Fatalf("filtered records = %+v", records)
	}

	all, _ := svc.Records(ctx, time.Time{}, time.Time{})
	if len(all) != 3 {
		t.Fatalf("all records = %d, want 3", len(all))
	}
}

func TestServiceAccuracyByCamera(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	finish := func(cameraID string, ok bool) {
		t.Helper()
		task, err := svc.Create(ctx, "detect", "", cameraID, "", false)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if ok {
			err = svc.Complete(ctx, task.ID, "")
		} else {
			err = svc.Fail(ctx, task.ID, "timeout")
		}
		if err != nil {
			t.Fatalf("finish: %v", err)
		}
	}

	finish("cam-1", true)
	finish("cam-1", true)
	finish("cam-1", false)
	finish("cam-2", false)

	acc, err := svc.AccuracyByCamera(ctx)
	if err != nil {
		t.Fatalf("AccuracyByCamera: %v", err)
	}
	if len(acc) != 2 {
		t.Fatalf("accuracy = %+v", acc)
	}
	cam1 := acc[0]
	if cam1.CameraID != "cam-1" || cam1.Total != 3 || cam1.Completed != 2 || cam1.Failed != 1 {
		t.Fatalf("cam-1 accuracy = %+v", cam1)
	}
	if cam1.Accuracy < 0.66 || cam1.Accuracy > 0.67 {
		t.Fatalf("cam-1 ratio = %v, want 2/3", cam1.Accuracy)
	}
	if acc[1].Accuracy != 0 {
		t.Fatalf("cam-2 ratio = %v, want 0", acc[1].Accuracy)
	}
}

func TestServiceAutoMode(t *testing.T) {
	svc, _, _ := newTestService()
	if svc.AutoMode() {
		t.Fatal("auto mode must default off")
	}
	svc.SetAutoMode(true)
	if !svc.AutoMode() {
		t.Fatal("auto mode not enabled")
	}
}
