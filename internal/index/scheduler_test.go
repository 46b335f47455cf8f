package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kinetic-kb/kbsync/internal/blob"
	"github.com/kinetic-kb/kbsync/internal/catalog"
	"github.com/kinetic-kb/kbsync/internal/fingerprint"
	"github.com/kinetic-kb/kbsync/pkg/config"
)

type fakeSources struct {
	mu      sync.Mutex
	entries []catalog.Entry
	urls    []string
}

func (f *fakeSources) List(ctx context.Context) ([]catalog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.Entry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func (f *fakeSources) ListURLs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.urls))
	copy(out, f.urls)
	return out, nil
}

func (f *fakeSources) add(e catalog.Entry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

type countingBuilder struct {
	inner Builder
	calls atomic.Int64
}

func (b *countingBuilder) Build(ctx context.Context, docs []Document) ([]Chunk, error) {
	b.calls.Add(1)
	return b.inner.Build(ctx, docs)
}

func testIndexConfig() config.IndexConfig {
	return config.IndexConfig{
		ChunkSize:       512,
		ChunkOverlap:    50,
		RebuildInterval: time.Minute,
		BuildTimeout:    10 * time.Second,
	}
}

// newTestScheduler seeds the blob store with one document and returns the
// wired scheduler plus its collaborators.
func newTestScheduler(t *testing.T) (*Scheduler, *fakeSources, *blob.Memory, *countingBuilder, *Manager) {
	t.Helper()
	blobs := blob.NewMemory(1 << 20)
	sources := &fakeSources{}

	handle, err := blobs.Put(context.Background(), []byte("alpha document text"), "alpha")
	if err != nil {
		t.Fatalf("seeding blob store: %v", err)
	}
	sources.add(catalog.Entry{
		DisplayName:   "alpha.txt",
		StorageHandle: handle,
		LastModified:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	builder := &countingBuilder{inner: NewChunkingBuilder(512, 50)}
	manager := NewManager(blobs, &memMeta{}, nil)
	sched := NewScheduler(sources, blobs, TextExtractor{}, builder, manager, nil, testIndexConfig())
	return sched, sources, blobs, builder, manager
}

func TestEnsureCurrentBuildsAndHolds(t *testing.T) {
	sched, sources, _, builder, _ := newTestScheduler(t)

	art, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}
	if len(art.Chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(art.Chunks))
	}
	if art.SourceCounts.Documents != 1 || art.SourceCounts.URLs != 0 {
		t.Errorf("source counts = %+v", art.SourceCounts)
	}

	entries, _ := sources.List(context.Background())
	want := fingerprint.SourceSet([]fingerprint.SourceEntry{
		{DisplayName: entries[0].DisplayName, LastModified: entries[0].LastModified},
	}, nil)
	if art.Fingerprint != want {
		t.Errorf("fingerprint = %q, want %q", art.Fingerprint, want)
	}
	if sched.Current() != art {
		t.Error("scheduler does not hold the built artifact")
	}
	if got := builder.calls.Load(); got != 1 {
		t.Errorf("builder ran %d times, want 1", got)
	}
}

func TestEnsureCurrentSkipsRebuildWhenFresh(t *testing.T) {
	sched, _, _, builder, _ := newTestScheduler(t)

	first, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("first EnsureCurrent failed: %v", err)
	}
	second, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("second EnsureCurrent failed: %v", err)
	}
	if first != second {
		t.Error("fresh artifact was rebuilt")
	}
	if got := builder.calls.Load(); got != 1 {
		t.Errorf("builder ran %d times, want 1", got)
	}
}

func TestEnsureCurrentRebuildsAfterSourceChange(t *testing.T) {
	sched, sources, blobs, _, _ := newTestScheduler(t)

	first, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}

	handle, err := blobs.Put(context.Background(), []byte("beta document text"), "beta")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	sources.add(catalog.Entry{
		DisplayName:   "beta.txt",
		StorageHandle: handle,
		LastModified:  time.Now().UTC(),
	})

	stale, err := sched.NeedsRebuild(context.Background())
	if err != nil {
		t.Fatalf("NeedsRebuild failed: %v", err)
	}
	if !stale {
		t.Fatal("expected staleness after source change")
	}

	second, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}
	if second.Fingerprint == first.Fingerprint {
		t.Error("fingerprint unchanged after source change")
	}
	if len(second.Chunks) != 2 {
		t.Errorf("got %d chunks, want 2", len(second.Chunks))
	}
}

func TestSchedulerAdoptsPersistedArtifact(t *testing.T) {
	sched, sources, blobs, _, manager := newTestScheduler(t)

	if _, err := sched.EnsureCurrent(context.Background()); err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}

	// A fresh scheduler sharing the same persistence adopts the stored
	// artifact instead of rebuilding.
	builder := &countingBuilder{inner: NewChunkingBuilder(512, 50)}
	restarted := NewScheduler(sources, blobs, TextExtractor{}, builder, manager, nil, testIndexConfig())

	art, err := restarted.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("EnsureCurrent after restart failed: %v", err)
	}
	if len(art.Chunks) != 1 {
		t.Errorf("adopted artifact has %d chunks, want 1", len(art.Chunks))
	}
	if got := builder.calls.Load(); got != 0 {
		t.Errorf("builder ran %d times, want 0 after adoption", got)
	}
}

func TestRebuildSkipsUnreadableDocuments(t *testing.T) {
	sched, sources, _, _, _ := newTestScheduler(t)

	// The second entry points at a handle nothing ever stored.
	sources.add(catalog.Entry{
		DisplayName:   "ghost.txt",
		StorageHandle: "ghost-missing",
		LastModified:  time.Now().UTC(),
	})

	art, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}
	if art.SourceCounts.Documents != 1 {
		t.Errorf("documents = %d, want 1 after skipping unreadable entry", art.SourceCounts.Documents)
	}
	if len(art.Chunks) != 1 {
		t.Errorf("got %d chunks, want 1", len(art.Chunks))
	}
}

func TestRebuildSkipsUnextractableDocuments(t *testing.T) {
	sched, sources, blobs, _, _ := newTestScheduler(t)

	handle, err := blobs.Put(context.Background(), []byte{0xff, 0xfe, 0xfd}, "binary")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	sources.add(catalog.Entry{
		DisplayName:   "binary.bin",
		StorageHandle: handle,
		LastModified:  time.Now().UTC(),
	})

	art, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}
	if art.SourceCounts.Documents != 1 {
		t.Errorf("documents = %d, want 1 after skipping binary entry", art.SourceCounts.Documents)
	}
}

func TestEnsureCurrentWithEmptySourceSet(t *testing.T) {
	blobs := blob.NewMemory(1 << 20)
	manager := NewManager(blobs, &memMeta{}, nil)
	sched := NewScheduler(&fakeSources{}, blobs, TextExtractor{}, NewChunkingBuilder(512, 50), manager, nil, testIndexConfig())

	art, err := sched.EnsureCurrent(context.Background())
	if err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}
	if art.Fingerprint != fingerprint.NoSources {
		t.Errorf("fingerprint = %q, want the empty-set sentinel", art.Fingerprint)
	}
	if len(art.Chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(art.Chunks))
	}
}

func TestStatusReportsStaleness(t *testing.T) {
	sched, sources, blobs, _, _ := newTestScheduler(t)

	if _, err := sched.EnsureCurrent(context.Background()); err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}
	st, err := sched.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Stale {
		t.Error("freshly built index reported stale")
	}
	if st.Chunks != 1 || st.Documents != 1 {
		t.Errorf("status = %+v", st)
	}

	handle, err := blobs.Put(context.Background(), []byte("new doc"), "new")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	sources.add(catalog.Entry{DisplayName: "new.txt", StorageHandle: handle, LastModified: time.Now().UTC()})

	st, err = sched.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Stale {
		t.Error("index not reported stale after source change")
	}
}

func TestConcurrentEnsureCollapsesToOneBuild(t *testing.T) {
	sched, _, _, builder, _ := newTestScheduler(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sched.EnsureCurrent(context.Background()); err != nil {
				t.Errorf("EnsureCurrent failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := builder.calls.Load(); got != 1 {
		t.Errorf("builder ran %d times, want 1", got)
	}
}
