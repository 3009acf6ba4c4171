package distrocache

import (
	"encoding/json"
	"testing"
)

// TestPackageCanonicalOutput covers spec §8 scenario 6: given depends
// {z, a}, the emitted JSON lists ["a", "z"].
func TestPackageCanonicalOutput(t *testing.T) {
	p := NewPackage("a", "pkg/a", "cmake")
	p.AddDependency(DependBuild, "z")
	p.AddDependency(DependBuild, "a")

	b, err := p.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got struct {
		Depends map[string][]string `json:"depends"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"a", "z"}
	if len(got.Depends["build"]) != len(want) || got.Depends["build"][0] != want[0] || got.Depends["build"][1] != want[1] {
		t.Fatalf("got depends.build = %v, want %v", got.Depends["build"], want)
	}
}

// TestAddDependencyDeduplicates covers a package.xml listing the same name
// under more than one element that expands into the same kind (e.g. both
// "depend" and "build_depend" naming "cmake"): depends[kind] is a set.
func TestAddDependencyDeduplicates(t *testing.T) {
	p := NewPackage("a", "pkg/a", "cmake")
	p.AddDependency(DependBuild, "cmake")
	p.AddDependency(DependBuild, "cmake")
	p.AddDependency(DependBuild, "eigen")

	got := p.Depends[DependBuild]
	if len(got) != 2 {
		t.Fatalf("got depends.build = %v, want 2 unique entries", got)
	}
}

func TestPackageMetadataAllowlist(t *testing.T) {
	p := NewPackage("a", "pkg/a", "cmake")
	p.Metadata = map[string]any{"keep": "yes", "drop": "no"}

	b, err := p.MarshalAllowlisted([]string{"keep"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	md, ok := got["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected metadata key, got %#v", got)
	}
	if _, ok := md["drop"]; ok {
		t.Fatalf("unlisted metadata key leaked into output: %#v", md)
	}
	if md["keep"] != "yes" {
		t.Fatalf("allowlisted key missing or wrong: %#v", md)
	}

	b, err = p.MarshalAllowlisted(nil)
	if err != nil {
		t.Fatalf("marshal with empty allowlist: %v", err)
	}
	got = nil
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["metadata"]; ok {
		t.Fatalf("metadata should be absent with empty allowlist, got %#v", got)
	}
}

func TestSortPackages(t *testing.T) {
	pkgs := []*Package{
		NewPackage("B", "b", "cmake"),
		NewPackage("A", "a", "cmake"),
		NewPackage("C", "c", "cmake"),
	}
	SortPackages(pkgs)
	want := []string{"A", "B", "C"}
	for i, p := range pkgs {
		if p.Name != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, p.Name, want[i])
		}
	}
}

func TestPackageRoundTrip(t *testing.T) {
	p := NewPackage("a", "pkg/a", "cmake")
	p.AddDependency(DependRun, "b")
	p.AddDependency(DependTest, "c")

	b, err := p.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Package
	if err := got.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b2, err := got.MarshalJSON()
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	if string(b) != string(b2) {
		t.Fatalf("round trip not byte-identical:\n%s\n%s", b, b2)
	}
}
