package distrocache

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRepositoryIdentityIncomplete(t *testing.T) {
	r := &Repository{Name: "demo", Type: "git"} // URL, Version missing
	_, err := r.Identity()
	if err == nil {
		t.Fatal("expected error for incomplete identity")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestRepositoryIdentityComplete(t *testing.T) {
	r := NewRepository("demo", "git", "https://github.com/o/r", "deadbeef")
	id, err := r.Identity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Identity{Name: "demo", Type: "git", URL: "https://github.com/o/r", Version: "deadbeef"}
	if id != want {
		t.Fatalf("got %+v, want %+v", id, want)
	}
}

func TestRepositoryMetadataLifecycle(t *testing.T) {
	r := NewRepository("demo", "git", "u", "v")
	r.SetMetadata("repo_state_id", int64(42))
	if got := r.Metadata("repo_state_id"); got != int64(42) {
		t.Fatalf("got %v, want 42", got)
	}
	if got := r.Metadata("missing"); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestRepositoryPackagesSortedOnSet(t *testing.T) {
	r := NewRepository("demo", "git", "u", "v")
	r.SetPackages([]*Package{
		NewPackage("B", "b", "cmake"),
		NewPackage("A", "a", "cmake"),
	})
	got := r.Packages()
	if got[0].Name != "A" || got[1].Name != "B" {
		t.Fatalf("packages not sorted: %v", cmp.Diff([]string{"A", "B"}, []string{got[0].Name, got[1].Name}))
	}
}

func TestRepositoryMarshalAllowlist(t *testing.T) {
	r := NewRepository("demo", "git", "https://example/o/r", "deadbeef")
	r.SetPackages([]*Package{NewPackage("A", "a", "cmake")})
	r.SetMetadata("repo_state_id", int64(7))
	r.SetMetadata("secret", "nope")

	b, err := r.MarshalAllowlisted([]string{"repo_state_id"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	md, ok := doc["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected metadata in output: %#v", doc)
	}
	if _, ok := md["secret"]; ok {
		t.Fatalf("unlisted metadata leaked: %#v", md)
	}
}
