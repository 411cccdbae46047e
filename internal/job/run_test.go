package job_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/daleheenan/startup-sub012/internal/id"
	"github.com/daleheenan/startup-sub012/internal/job"
)

type recordingCheckpointWriter struct {
	jobID id.JobID
	data  json.RawMessage
}

func (w *recordingCheckpointWriter) WriteCheckpoint(_ context.Context, jobID id.JobID, cp json.RawMessage) error {
	w.jobID = jobID
	w.data = cp
	return nil
}

func TestRunSaveCheckpoint(t *testing.T) {
	t.Parallel()

	j := job.New(job.TypeGenerateChapter, "ch-1", nil, 3)
	w := &recordingCheckpointWriter{}
	run := job.NewRun(j, w, nil)

	type draft struct {
		Words int `json:"words"`
	}
	if err := run.SaveCheckpoint(context.Background(), draft{Words: 3400}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if w.jobID.String() != j.ID.String() {
		t.Errorf("checkpoint written for job %s, want %s", w.jobID, j.ID)
	}

	var got draft
	if err := json.Unmarshal(w.data, &got); err != nil {
		t.Fatalf("unmarshal persisted checkpoint: %v", err)
	}
	if got.Words != 3400 {
		t.Errorf("persisted Words = %d, want 3400", got.Words)
	}
}

func TestRunRestoreCheckpoint(t *testing.T) {
	t.Parallel()

	j := job.New(job.TypeGenerateChapter, "ch-1", nil, 3)

	// Fresh job: nothing to restore.
	run := job.NewRun(j, nil, nil)
	var cp map[string]int
	ok, err := run.RestoreCheckpoint(&cp)
	if err != nil {
		t.Fatalf("restore on fresh job: %v", err)
	}
	if ok {
		t.Error("restore reported a checkpoint on a fresh job")
	}

	// Resumed job: checkpoint comes back unchanged.
	j.Checkpoint = json.RawMessage(`{"words":3400}`)
	run = job.NewRun(j, nil, nil)
	ok, err = run.RestoreCheckpoint(&cp)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !ok || cp["words"] != 3400 {
		t.Errorf("restored checkpoint = %v, want words=3400", cp)
	}
}

func TestRunProgress(t *testing.T) {
	t.Parallel()

	j := job.New(job.TypeGenerateChapter, "ch-1", nil, 3)

	var forwarded json.RawMessage
	run := job.NewRun(j, nil, func(_ context.Context, data json.RawMessage) {
		forwarded = data
	})

	if err := run.Progress(context.Background(), map[string]any{"words": 1200}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(forwarded) == 0 {
		t.Fatal("progress payload was not forwarded")
	}

	// Nil progress func is a no-op, not a panic.
	run = job.NewRun(j, nil, nil)
	if err := run.Progress(context.Background(), "ignored"); err != nil {
		t.Fatalf("progress with nil sink: %v", err)
	}
}
