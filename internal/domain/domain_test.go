package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestJobStatus_Terminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusPending, false},
		{JobStatusProcessing, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTranscodeJob_CanRetry(t *testing.T) {
	job := NewTranscodeJob("j1", "v1", 3)

	// One initial attempt plus three retries are allowed.
	for attempt := 1; attempt <= 3; attempt++ {
		job.Attempts = attempt
		if !job.CanRetry() {
			t.Errorf("attempts=%d: CanRetry() = false, want true", attempt)
		}
	}

	job.Attempts = 4
	if job.CanRetry() {
		t.Error("attempts=4: CanRetry() = true, want false")
	}
}

func TestNewTranscodeJob(t *testing.T) {
	job := NewTranscodeJob("j1", "v1", 3)

	if job.Status != JobStatusPending {
		t.Errorf("Status = %s, want pending", job.Status)
	}
	if job.Progress != 0 {
		t.Errorf("Progress = %d, want 0", job.Progress)
	}
	if !job.Active() {
		t.Error("new job should be active")
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

func TestJobError_Unwrap(t *testing.T) {
	cause := errors.New("engine exploded")
	err := Transient("run", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var je *JobError
	if !errors.As(err, &je) {
		t.Fatal("errors.As should find *JobError")
	}
	if je.Kind != ErrTransient {
		t.Errorf("Kind = %s, want transient", je.Kind)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"transient", Transient("run", errors.New("timeout")), ErrTransient},
		{"permanent", Permanent("run", errors.New("corrupt")), ErrPermanent},
		{"cancelled", Cancelled("run", errors.New("stop")), ErrCancelled},
		{"store", StoreFailure("update", errors.New("locked")), ErrStore},
		{"wrapped", fmt.Errorf("outer: %w", Permanent("run", errors.New("bad codec"))), ErrPermanent},
		{"context cancel", context.Canceled, ErrCancelled},
		{"context deadline", context.DeadlineExceeded, ErrCancelled},
		{"unclassified", errors.New("mystery"), ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAssetSet_Empty(t *testing.T) {
	var a AssetSet
	if !a.Empty() {
		t.Error("zero AssetSet should be empty")
	}

	a.HLSPath = "v1/master.m3u8"
	if a.Empty() {
		t.Error("AssetSet with a path should not be empty")
	}
}
