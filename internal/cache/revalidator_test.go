package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/substancecache/internal/cacheerr"
)

// fakeBackend is an in-memory BackendClient/RecordParser double for tests.
type fakeBackend struct {
	mu        sync.Mutex
	documents map[string]string
	redirects map[string][]string
	notFound  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		documents: make(map[string]string),
		redirects: make(map[string][]string),
		notFound:  make(map[string]bool),
	}
}

func (f *fakeBackend) ListNames(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.documents))
	for name := range f.documents {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeBackend) FetchRecord(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[name] {
		return nil, fmt.Errorf("missing: %w", cacheerr.ErrNotFound)
	}
	doc, ok := f.documents[name]
	if !ok {
		return nil, fmt.Errorf("no such fixture: %w", cacheerr.ErrTransient)
	}
	return []byte(doc), nil
}

func (f *fakeBackend) FetchRedirects(ctx context.Context) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redirects, nil
}

type fakeParser struct{}

func (fakeParser) Parse(raw []byte, name string) (Record, error) {
	var doc struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Record{}, fmt.Errorf("%w: %v", cacheerr.ErrParse, err)
	}
	return Record{Name: doc.Name, Tags: doc.Tags}, nil
}

func TestRevalidatorColdStartBuildsSnapshot(t *testing.T) {
	backend := newFakeBackend()
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("Substance-%d", i)
		backend.documents[name] = fmt.Sprintf(`{"name":%q,"tags":["seed"]}`, name)
	}

	holder := NewHolder(Build(nil))
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.bin")
	cfg.ColdStartMinRecords = 10

	reval := New(cfg, holder, backend, fakeParser{}, AliasTable{Aliases: map[string][]string{}}, zap.NewNop())

	require.NoError(t, reval.ColdStart(context.Background()))
	assert.Equal(t, 12, holder.Current().Len())
	assert.True(t, CacheExistsAndValid(cfg.CachePath))
}

func TestRevalidatorColdStartFailsBelowMinRecords(t *testing.T) {
	backend := newFakeBackend()
	backend.documents["Only One"] = `{"name":"Only One","tags":[]}`

	holder := NewHolder(Build(nil))
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.bin")
	cfg.ColdStartMinRecords = 10
	cfg.ColdStartMaxRetries = 0

	reval := New(cfg, holder, backend, fakeParser{}, AliasTable{Aliases: map[string][]string{}}, zap.NewNop())

	err := reval.ColdStart(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cacheerr.ErrFatalStartup)
}

func TestRevalidatorWarmStartLoadsFromDisk(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.bin")
	require.NoError(t, PersistToDisk(Build(sampleRecords()), cachePath))

	backend := newFakeBackend()
	holder := NewHolder(Build(nil))
	cfg := DefaultConfig()
	cfg.CachePath = cachePath

	reval := New(cfg, holder, backend, fakeParser{}, AliasTable{Aliases: map[string][]string{}}, zap.NewNop())
	require.NoError(t, reval.WarmStart(context.Background()))

	assert.Equal(t, 3, holder.Current().Len())
}

func TestRevalidatorReconcileAddsNewAndExpeditesMissing(t *testing.T) {
	backend := newFakeBackend()
	backend.documents["Psilocybin"] = `{"name":"Psilocybin","tags":[]}`
	backend.documents["New Substance"] = `{"name":"New Substance","tags":[]}`

	holder := NewHolder(Build([]Record{{Name: "Psilocybin"}, {Name: "Departed Substance"}}))
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.bin")

	reval := New(cfg, holder, backend, fakeParser{}, AliasTable{Aliases: map[string][]string{}}, zap.NewNop())
	reval.queue.AddMany([]string{"Psilocybin", "Departed Substance"})

	reval.Reconcile(context.Background())

	// Departed Substance (missing from backend) and New Substance (unseen
	// before) are both expedited; Psilocybin keeps its original jittered delay.
	assert.Equal(t, 2, reval.queue.DueCount())
	_, newItemTracked := reval.queue.GetItem("New Substance")
	assert.True(t, newItemTracked)
}

func TestRevalidatorRevalidateOneAppliesNotFoundAfterThreeStrikes(t *testing.T) {
	backend := newFakeBackend()
	backend.notFound["Ghost"] = true

	holder := NewHolder(Build([]Record{{Name: "Ghost"}}))
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.bin")

	reval := New(cfg, holder, backend, fakeParser{}, AliasTable{Aliases: map[string][]string{}}, zap.NewNop())
	reval.queue.Add("Ghost")

	ctx := context.Background()
	reval.revalidateOne(ctx, "Ghost")
	reval.revalidateOne(ctx, "Ghost")
	reval.revalidateOne(ctx, "Ghost")

	_, ok := holder.Current().GetByName("Ghost")
	assert.False(t, ok)
}

func TestRevalidatorMaybePersistRespectsEveryN(t *testing.T) {
	backend := newFakeBackend()
	backend.documents["Psilocybin"] = `{"name":"Psilocybin","tags":["updated"]}`

	holder := NewHolder(Build([]Record{{Name: "Psilocybin"}}))
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.bin")
	cfg.UpdatePersistEveryN = 3

	reval := New(cfg, holder, backend, fakeParser{}, AliasTable{Aliases: map[string][]string{}}, zap.NewNop())
	reval.queue.Add("Psilocybin")

	ctx := context.Background()
	reval.revalidateOne(ctx, "Psilocybin")
	reval.revalidateOne(ctx, "Psilocybin")
	assert.False(t, CacheExistsAndValid(cfg.CachePath))

	reval.revalidateOne(ctx, "Psilocybin")
	assert.True(t, CacheExistsAndValid(cfg.CachePath))
}

func TestRevalidatorRunStopsOnContextCancel(t *testing.T) {
	backend := newFakeBackend()
	backend.documents["Psilocybin"] = `{"name":"Psilocybin","tags":[]}`

	holder := NewHolder(Build([]Record{{Name: "Psilocybin"}}))
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.bin")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReconciliationInterval = time.Hour

	reval := New(cfg, holder, backend, fakeParser{}, AliasTable{Aliases: map[string][]string{}}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := reval.Run(ctx)
	assert.NoError(t, err)
}
