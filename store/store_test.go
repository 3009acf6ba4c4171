package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/colcon-tools/distrocache"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "distro.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchSetMiss(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FetchSet(context.Background(), "banana", "v1")
	if !errors.Is(err, distrocache.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestInsertAndFetchRepoState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	desc := distrocache.NewRepository("roscpp_core", "git", "https://github.com/ros/roscpp_core", "deadbeef")
	pkg := distrocache.NewPackage("roscpp_core", "", "unknown")
	desc.SetPackages([]*distrocache.Package{pkg})

	if err := s.InsertRepoState(ctx, desc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if desc.Metadata("repo_state_id") == nil {
		t.Fatal("expected repo_state_id to be populated after insert")
	}

	got := distrocache.NewRepository("roscpp_core", "git", "https://github.com/ros/roscpp_core", "deadbeef")
	if err := s.FetchRepoState(ctx, got); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got.Packages()) != 1 || got.Packages()[0].Name != "roscpp_core" {
		t.Fatalf("got packages %+v", got.Packages())
	}
}

func TestInsertRepoStateDuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	desc := distrocache.NewRepository("r", "git", "https://example/o/r", "v")

	if err := s.InsertRepoState(ctx, desc); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := distrocache.NewRepository("r", "git", "https://example/o/r", "v")
	err := s.InsertRepoState(ctx, dup)
	if !errors.Is(err, distrocache.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestInsertSetAndFetchSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"b_repo", "a_repo"} {
		desc := distrocache.NewRepository(name, "git", "https://example/o/"+name, "v")
		if err := s.InsertRepoState(ctx, desc); err != nil {
			t.Fatalf("insert repo state: %v", err)
		}
		ids = append(ids, desc.Metadata("repo_state_id").(int64))
	}

	if err := s.InsertSet(ctx, "banana", "v1", ids); err != nil {
		t.Fatalf("insert set: %v", err)
	}

	repos, err := s.FetchSet(ctx, "banana", "v1")
	if err != nil {
		t.Fatalf("fetch set: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("got %d repos, want 2", len(repos))
	}
	if repos[0].Name != "a_repo" || repos[1].Name != "b_repo" {
		t.Fatalf("repos not ordered by name: %s, %s", repos[0].Name, repos[1].Name)
	}
}

func TestInsertSetDuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	desc := distrocache.NewRepository("r", "git", "https://example/o/r", "v")
	if err := s.InsertRepoState(ctx, desc); err != nil {
		t.Fatalf("insert repo state: %v", err)
	}
	id := desc.Metadata("repo_state_id").(int64)

	if err := s.InsertSet(ctx, "banana", "v1", []int64{id}); err != nil {
		t.Fatalf("first insert set: %v", err)
	}
	err := s.InsertSet(ctx, "banana", "v1", []int64{id})
	if !errors.Is(err, distrocache.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}
