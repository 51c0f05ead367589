package run

import (
	"context"
	"testing"
	"time"

	"Redfish/internal/pipeline"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	runs := []*Run{
		{ID: "r1", Attestation: []byte(`{}`), Status: StatusPending, MaxRetries: 3},
		{ID: "r2", Attestation: []byte(`{}`), Status: StatusFailed, MaxRetries: 3},
		{ID: "r3", Attestation: []byte(`{}`), Status: StatusSucceeded, MaxRetries: 3},
	}

	for _, r := range runs {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create run %s: %v", r.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "r2", CodeRunProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	report := &pipeline.Report{State: pipeline.StateSucceeded, Verified: true, ProofRef: "fp"}
	if err := store.MarkSucceeded(ctx, "r3", report); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.runs["r1"].UpdatedAt = base.Unix()
	store.runs["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "r3" {
		t.Fatalf("expected newest run first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "r2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withReport, err := store.List(ctx, buildListOptions([]ListOption{WithReportPresence(true)}))
	if err != nil {
		t.Fatalf("list with report: %v", err)
	}
	if len(withReport) != 1 || withReport[0].ID != "r3" {
		t.Fatalf("unexpected report list: %+v", withReport)
	}
	if withReport[0].Report == nil || !withReport[0].Report.Verified {
		t.Fatalf("report not preserved: %+v", withReport[0].Report)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs to match since filter, got %d", len(recent))
	}

	byError, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("boom")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byError) != 1 || byError[0].ID != "r2" {
		t.Fatalf("unexpected query list: %+v", byError)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Run{ID: "r1", Attestation: []byte(`{}`), Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim state: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "r1"); err != ErrRunConflict {
		t.Fatalf("expected conflict on running run, got %v", err)
	}

	if err := store.MarkFailed(ctx, "r1", CodeRunProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("reclaim after failure: %v", err)
	}

	if err := store.MarkFailed(ctx, "r1", CodeRunProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != ErrRunExhausted {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if err := store.MarkSucceeded(ctx, "r1", &pipeline.Report{State: pipeline.StateSucceeded}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != ErrRunCompleted {
		t.Fatalf("expected completed, got %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	runs := []*Run{
		{ID: "a", Attestation: []byte(`{}`), Status: StatusPending, MaxRetries: 3},
		{ID: "b", Attestation: []byte(`{}`), Status: StatusPending, MaxRetries: 3},
		{ID: "c", Attestation: []byte(`{}`), Status: StatusPending, MaxRetries: 3},
	}

	for _, r := range runs {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create run %s: %v", r.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", CodeRunProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", &pipeline.Report{State: pipeline.StateSucceeded, Verified: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.runs["a"].UpdatedAt = base.Unix()
	store.runs["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withReports, err := store.Stats(ctx, buildListOptions([]ListOption{WithReportPresence(true)}))
	if err != nil {
		t.Fatalf("stats with report: %v", err)
	}
	if withReports.Total != 1 || withReports.Succeeded != 1 {
		t.Fatalf("unexpected stats with report: %+v", withReports)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}
