package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/penguin-orz/datamax2/pkg/models"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history_test.db")
	l, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func record(job string, src, tgt string, status models.JobState, hit bool, ms, bytesOut int64) models.ConversionRecord {
	return models.ConversionRecord{
		JobID:        job,
		Fingerprint:  "fp-" + job,
		SourceFormat: src,
		TargetFormat: tgt,
		Status:       status,
		CacheHit:     hit,
		DurationMs:   ms,
		BytesOut:     bytesOut,
	}
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i, job := range []string{"a", "b", "c"} {
		rec := record(job, "docx", "pdf", models.JobSucceeded, false, 100, 2048)
		rec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := l.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].JobID != "c" || recent[1].JobID != "b" {
		t.Errorf("expected newest first, got %s then %s", recent[0].JobID, recent[1].JobID)
	}
	if recent[0].Fingerprint != "fp-c" || recent[0].Status != models.JobSucceeded {
		t.Errorf("unexpected record: %+v", recent[0])
	}
}

func TestRecordFailure(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	rec := record("a", "docx", "pdf", models.JobFailed, false, 50, 0)
	rec.Error = "connection_lost: session closed mid-call"
	if err := l.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	recent, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Error == "" {
		t.Fatalf("failure record missing or lost its error: %+v", recent)
	}
}

func TestSummaryGroupsByFormatPair(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.Record(ctx, record("a", "docx", "pdf", models.JobSucceeded, false, 100, 1000))
	_ = l.Record(ctx, record("b", "docx", "pdf", models.JobSucceeded, true, 2, 1000))
	_ = l.Record(ctx, record("c", "docx", "pdf", models.JobFailed, false, 60, 0))
	_ = l.Record(ctx, record("d", "pptx", "pdf", models.JobSucceeded, false, 300, 5000))

	summaries, err := l.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 format pairs, got %d", len(summaries))
	}

	docx := summaries[0]
	if docx.SourceFormat != "docx" || docx.TargetFormat != "pdf" {
		t.Fatalf("unexpected ordering: %+v", summaries)
	}
	if docx.Count != 3 || docx.Failures != 1 || docx.CacheHits != 1 {
		t.Errorf("unexpected docx aggregates: %+v", docx)
	}
	if docx.AvgMs != 54 {
		t.Errorf("expected avg 54ms, got %v", docx.AvgMs)
	}
	if docx.TotalBytes != 2000 {
		t.Errorf("expected 2000 bytes, got %d", docx.TotalBytes)
	}
}

func TestSummaryFilterBySource(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.Record(ctx, record("a", "docx", "pdf", models.JobSucceeded, false, 100, 1000))
	_ = l.Record(ctx, record("b", "pptx", "pdf", models.JobSucceeded, false, 300, 5000))

	summaries, err := l.Summary(ctx, "pptx")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].SourceFormat != "pptx" {
		t.Errorf("unexpected summaries: %+v", summaries)
	}
}
