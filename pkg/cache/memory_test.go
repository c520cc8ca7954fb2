package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/penguin-orz/datamax2/pkg/models"
)

func resultFor(fp string) models.ConversionResult {
	return models.ConversionResult{
		OutputPath:    "/tmp/out-" + fp + ".pdf",
		BytesProduced: 128,
		Fingerprint:   fp,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint([]byte("content"), "doc", "pdf")
	b := Fingerprint([]byte("content"), "doc", "pdf")
	if a != b {
		t.Error("same input should produce the same fingerprint")
	}
	if Fingerprint([]byte("content"), "doc", "txt") == a {
		t.Error("different target format should change the fingerprint")
	}
	if Fingerprint([]byte("other"), "doc", "pdf") == a {
		t.Error("different content should change the fingerprint")
	}
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory(time.Hour, 10, 0)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	if err := m.Put(ctx, "fp1", resultFor("fp1")); err != nil {
		t.Fatal(err)
	}
	res, ok, err := m.Get(ctx, "fp1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if res.OutputPath != "/tmp/out-fp1.pdf" {
		t.Errorf("unexpected result %+v", res)
	}

	if _, ok, _ := m.Get(ctx, "fp2"); ok {
		t.Error("expected miss for unknown fingerprint")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(10*time.Millisecond, 10, 0)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	_ = m.Put(ctx, "fp1", resultFor("fp1"))
	time.Sleep(25 * time.Millisecond)

	if _, ok, _ := m.Get(ctx, "fp1"); ok {
		t.Error("expired entry returned as a hit")
	}
	stats, _ := m.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expired entry not evicted lazily: %+v", stats)
	}
}

func TestMemoryBoundedEvictsOldestInsert(t *testing.T) {
	m := NewMemory(time.Hour, 3, 0)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		fp := fmt.Sprintf("fp%d", i)
		_ = m.Put(ctx, fp, resultFor(fp))
	}

	if _, ok, _ := m.Get(ctx, "fp0"); ok {
		t.Error("oldest-inserted entry should have been evicted")
	}
	for _, fp := range []string{"fp1", "fp2", "fp3"} {
		if _, ok, _ := m.Get(ctx, fp); !ok {
			t.Errorf("entry %s unexpectedly evicted", fp)
		}
	}
}

func TestMemoryZeroTTLDisablesCaching(t *testing.T) {
	m := NewMemory(0, 10, 0)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	_ = m.Put(ctx, "fp1", resultFor("fp1"))
	if _, ok, _ := m.Get(ctx, "fp1"); ok {
		t.Error("zero TTL must disable caching")
	}
	stats, _ := m.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("put with zero TTL stored an entry: %+v", stats)
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory(10*time.Millisecond, 10, 0)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	_ = m.Put(ctx, "fp1", resultFor("fp1"))
	_ = m.Put(ctx, "fp2", resultFor("fp2"))
	time.Sleep(25 * time.Millisecond)
	_ = m.Put(ctx, "fp3", resultFor("fp3"))

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 evictions, got %d", n)
	}
	if _, ok, _ := m.Get(ctx, "fp3"); !ok {
		t.Error("live entry removed by sweep")
	}
}

func TestMemoryStats(t *testing.T) {
	m := NewMemory(time.Hour, 10, 0)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	_ = m.Put(ctx, "fp1", resultFor("fp1"))
	m.Get(ctx, "fp1")
	m.Get(ctx, "missing")

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
