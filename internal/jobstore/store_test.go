package jobstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"queryflow/config"
	"queryflow/internal/core"
)

func TestSerializeRecordValidatesID(t *testing.T) {
	t.Run("nil record", func(t *testing.T) {
		_, err := serializeRecord(nil)
		if err == nil {
			t.Fatal("expected error for nil record")
		}
	})

	t.Run("empty job id", func(t *testing.T) {
		_, err := serializeRecord(&Record{})
		if err == nil {
			t.Fatal("expected error for empty job ID")
		}
		if !strings.Contains(err.Error(), "job id is empty") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil config")
	}
	if !strings.Contains(err.Error(), "config is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewMemoryByDefault(t *testing.T) {
	res, err := New(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer res.Close()

	if _, ok := res.Store.(*MemoryStore); !ok {
		t.Fatalf("store = %T, want *MemoryStore", res.Store)
	}
	if res.Storage != nil {
		t.Fatal("memory store should not own storage")
	}
}

func TestRecordApply(t *testing.T) {
	r := NewRecord("job-1", []string{"a.pdf", "b.txt"}, "queued")
	if r.Status != core.JobStatusPending || r.TotalFiles != 2 {
		t.Fatalf("unexpected new record: %+v", r)
	}

	r.Apply(core.Job{JobID: "job-1", Status: core.JobStatusProcessing, ProcessedFiles: 5}, nil)
	if r.Status != core.JobStatusProcessing {
		t.Fatalf("status = %q, want processing", r.Status)
	}
	if r.ProcessedFiles != 0 {
		t.Fatalf("processed_files = %d, want clamped to total reported by server (0)", r.ProcessedFiles)
	}
	if r.TotalFiles != 2 {
		t.Fatalf("total_files = %d, want kept at 2", r.TotalFiles)
	}

	r.Apply(core.Job{JobID: "job-1", Status: core.JobStatusFailed, TotalFiles: 2}, errors.New("polling abandoned"))
	if r.Status != core.JobStatusFailed || r.PollError != "polling abandoned" {
		t.Fatalf("unexpected record after abandon: %+v", r)
	}
	if r.Errors == nil {
		t.Fatal("errors should never be nil")
	}
}
