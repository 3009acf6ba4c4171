package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/colcon-tools/distrocache"
)

// fakeStore is an in-memory Store double used to test engine orchestration
// without a real sqlite-backed store.Store, grounded on how
// indexer/controller_test.go fakes its own dependencies.
type fakeStore struct {
	mu            sync.Mutex
	sets          map[string][]*distrocache.Repository
	repoStates    map[string]*distrocache.Repository
	nextID        int64
	insertCalls   atomic.Int64
	insertSetCall atomic.Int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sets:       make(map[string][]*distrocache.Repository),
		repoStates: make(map[string]*distrocache.Repository),
	}
}

func (s *fakeStore) FetchSet(ctx context.Context, dist, ref string) ([]*distrocache.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dist + "\x1f" + ref
	repos, ok := s.sets[key]
	if !ok {
		return nil, &distrocache.Error{Kind: distrocache.ErrNotFound}
	}
	return repos, nil
}

func (s *fakeStore) InsertSet(ctx context.Context, dist, ref string, repoStateIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertSetCall.Add(1)
	key := dist + "\x1f" + ref
	if _, ok := s.sets[key]; ok {
		return &distrocache.Error{Kind: distrocache.ErrConflict}
	}
	var repos []*distrocache.Repository
	for _, st := range s.repoStates {
		repos = append(repos, st)
	}
	s.sets[key] = repos
	return nil
}

func (s *fakeStore) FetchRepoState(ctx context.Context, desc *distrocache.Repository) error {
	id, err := desc.Identity()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	got, ok := s.repoStates[id.String()]
	if !ok {
		return &distrocache.Error{Kind: distrocache.ErrNotFound}
	}
	desc.SetPackages(got.Packages())
	for k, v := range got.MetadataKeys() {
		desc.SetMetadata(k, v)
	}
	return nil
}

func (s *fakeStore) InsertRepoState(ctx context.Context, desc *distrocache.Repository) error {
	id, err := desc.Identity()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls.Add(1)
	if _, ok := s.repoStates[id.String()]; ok {
		return &distrocache.Error{Kind: distrocache.ErrConflict}
	}
	s.nextID++
	desc.SetMetadata("repo_state_id", s.nextID)
	s.repoStates[id.String()] = desc
	return nil
}

// fakeFetcher counts DownloadAll invocations, used to assert single-flight
// coalescing de-duplicates concurrent GetRepoState calls onto the same
// identity.
type fakeFetcher struct {
	downloads *atomic.Int64
}

func (f *fakeFetcher) GetFile(ctx context.Context, path string) ([]byte, error) {
	return []byte("unused"), nil
}

func (f *fakeFetcher) DownloadAll(ctx context.Context, dest string, limitPaths []string) ([]string, error) {
	f.downloads.Add(1)
	return nil, nil
}

func (f *fakeFetcher) ResolveVersion(ctx context.Context, symbolic string) (string, error) {
	return symbolic, nil
}

type fakeDiscoverer struct {
	pkgs []*distrocache.Package
}

func (d *fakeDiscoverer) Discover(ctx context.Context, dir string) ([]*distrocache.Package, error) {
	return d.pkgs, nil
}

func TestGetRepoStateCoalescesConcurrentCallers(t *testing.T) {
	store := newFakeStore()
	var downloads atomic.Int64
	desc := distrocache.NewRepository("roscpp_core", "git", "https://github.com/ros/roscpp_core", "deadbeef")

	newFetcher := func(d *distrocache.Repository) (Fetcher, error) {
		return &fakeFetcher{downloads: &downloads}, nil
	}
	disc := &fakeDiscoverer{pkgs: []*distrocache.Package{distrocache.NewPackage("roscpp", "", "ament_cmake")}}

	e := New(store, newFetcher, disc, func(ctx context.Context, f Fetcher, d *distrocache.Repository, fn func(context.Context, string) error) error {
		if _, err := f.DownloadAll(ctx, "", nil); err != nil {
			return err
		}
		return fn(ctx, "/tmp/fake")
	}, nil, Config{Parallelism: 4})

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := distrocache.NewRepository(desc.Name, desc.Type, desc.URL, desc.Version)
			_, err := e.GetRepoState(context.Background(), d)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := downloads.Load(); got != 1 {
		t.Fatalf("DownloadAll called %d times, want 1", got)
	}
	if got := store.insertCalls.Load(); got != 1 {
		t.Fatalf("InsertRepoState called %d times, want 1", got)
	}
}

func TestGetRepoStateCacheHitSkipsDownload(t *testing.T) {
	store := newFakeStore()
	cached := distrocache.NewRepository("roscpp_core", "git", "https://github.com/ros/roscpp_core", "deadbeef")
	cached.SetPackages([]*distrocache.Package{distrocache.NewPackage("roscpp", "", "ament_cmake")})
	id, _ := cached.Identity()
	store.repoStates[id.String()] = cached

	var downloads atomic.Int64
	newFetcher := func(d *distrocache.Repository) (Fetcher, error) {
		return &fakeFetcher{downloads: &downloads}, nil
	}
	e := New(store, newFetcher, &fakeDiscoverer{}, nil, nil, Config{})

	desc := distrocache.NewRepository("roscpp_core", "git", "https://github.com/ros/roscpp_core", "deadbeef")
	got, err := e.GetRepoState(context.Background(), desc)
	if err != nil {
		t.Fatalf("GetRepoState: %v", err)
	}
	if len(got.Packages()) != 1 {
		t.Fatalf("got packages %+v", got.Packages())
	}
	if downloads.Load() != 0 {
		t.Fatalf("expected no download on cache hit, got %d", downloads.Load())
	}
}

func TestGetRepoStateDownloadFailurePersistsEmptyPackages(t *testing.T) {
	store := newFakeStore()
	newFetcher := func(d *distrocache.Repository) (Fetcher, error) {
		return &fakeFetcher{downloads: new(atomic.Int64)}, nil
	}
	failingScoper := func(ctx context.Context, f Fetcher, desc *distrocache.Repository, fn func(context.Context, string) error) error {
		return &distrocache.Error{Kind: distrocache.ErrDownload, Message: "boom"}
	}
	e := New(store, newFetcher, &fakeDiscoverer{}, failingScoper, nil, Config{})

	desc := distrocache.NewRepository("flaky", "git", "https://github.com/ros/flaky", "deadbeef")
	got, err := e.GetRepoState(context.Background(), desc)
	if err != nil {
		t.Fatalf("GetRepoState should not fail the whole snapshot: %v", err)
	}
	if len(got.Packages()) != 0 {
		t.Fatalf("expected empty package list after download failure, got %+v", got.Packages())
	}
	if store.insertCalls.Load() != 1 {
		t.Fatalf("expected repo state to still be persisted")
	}
}
