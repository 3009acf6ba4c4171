package distrocache

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DependencyKind is one of the typed dependency buckets a [Package] sorts
// its dependencies into.
type DependencyKind string

// Declared dependency kinds. See spec §3.
const (
	DependBuild DependencyKind = "build"
	DependRun   DependencyKind = "run"
	DependTest  DependencyKind = "test"
)

// dependencyKindOrder fixes the iteration order used when serializing a
// Package's Depends map, independent of Go's randomized map order.
var dependencyKindOrder = [...]DependencyKind{DependBuild, DependRun, DependTest}

// Package is the normalized record for one source package: its name, its
// path within the containing repository, its build-system type tag, and its
// typed dependency sets.
//
// The zero value is not useful; construct with [NewPackage].
type Package struct {
	// Name is the package's identifier. It must be unique within its
	// containing Repository.
	Name string
	// Path is repository-relative. The engine narrows discoverer-reported
	// paths to be relative to the repository root before persisting.
	Path string
	// Type is a build-system tag, e.g. "cmake", "python", "unknown".
	Type string
	// Depends maps a DependencyKind to the set of package names depended on
	// at that kind. Each slice value is sorted ascending in canonical form,
	// but callers may populate it unsorted; MarshalJSON sorts a copy.
	Depends map[DependencyKind][]string
	// Metadata holds arbitrary small scalar/structured values. Only keys
	// present in the allowlist passed to MarshalAllowlisted are serialized.
	Metadata map[string]any
}

// NewPackage constructs a Package with its Depends map initialized.
func NewPackage(name, path, typ string) *Package {
	return &Package{
		Name:    name,
		Path:    path,
		Type:    typ,
		Depends: make(map[DependencyKind][]string),
	}
}

// AddDependency records that p depends on name at the given kind. Order of
// calls does not matter: canonical output is always sorted. depends[kind] is
// a set, not a list, so adding a name already present at kind is a no-op;
// this also absorbs package.xml listing the same dependency under more than
// one element (e.g. both "depend" and "build_depend").
func (p *Package) AddDependency(kind DependencyKind, name string) {
	if p.Depends == nil {
		p.Depends = make(map[DependencyKind][]string)
	}
	for _, existing := range p.Depends[kind] {
		if existing == name {
			return
		}
	}
	p.Depends[kind] = append(p.Depends[kind], name)
}

// packageWire is the canonical JSON shape for a Package: keys always
// present are "name", "path", "type", "depends"; "metadata" appears only
// when non-empty.
type packageWire struct {
	Name     string                      `json:"name"`
	Path     string                      `json:"path"`
	Type     string                      `json:"type"`
	Depends  map[DependencyKind][]string `json:"depends"`
	Metadata map[string]any              `json:"metadata,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
//
// depends[k] lists are sorted ascending and metadata is dropped, so two
// Packages with equal logical content always marshal byte-identically. Use
// [Package.MarshalAllowlisted] to include an allowlisted metadata subset.
func (p *Package) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.wire(nil))
}

// MarshalAllowlisted renders p with only the metadata keys present in
// allowlist. A nil or empty allowlist omits metadata entirely, per spec
// §4.1 ("metadata appears only when a non-empty allowlist ... is
// supplied").
func (p *Package) MarshalAllowlisted(allowlist []string) ([]byte, error) {
	return json.Marshal(p.wire(allowlist))
}

func (p *Package) wire(allowlist []string) packageWire {
	w := packageWire{
		Name: p.Name,
		Path: p.Path,
		Type: p.Type,
	}
	if len(p.Depends) > 0 {
		w.Depends = make(map[DependencyKind][]string, len(p.Depends))
		for _, k := range dependencyKindOrder {
			v, ok := p.Depends[k]
			if !ok || len(v) == 0 {
				continue
			}
			sorted := append([]string(nil), v...)
			sort.Strings(sorted)
			w.Depends[k] = sorted
		}
		// Pick up any non-standard kind too, rather than silently dropping it.
		for k, v := range p.Depends {
			if _, ok := w.Depends[k]; ok || len(v) == 0 {
				continue
			}
			sorted := append([]string(nil), v...)
			sort.Strings(sorted)
			w.Depends[k] = sorted
		}
	} else {
		w.Depends = map[DependencyKind][]string{}
	}
	if len(allowlist) > 0 && len(p.Metadata) > 0 {
		m := make(map[string]any, len(allowlist))
		for _, k := range allowlist {
			if v, ok := p.Metadata[k]; ok {
				m[k] = v
			}
		}
		if len(m) > 0 {
			w.Metadata = m
		}
	}
	return w
}

// UnmarshalJSON implements [json.Unmarshaler].
func (p *Package) UnmarshalJSON(b []byte) error {
	var w packageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("distrocache: decoding package: %w", err)
	}
	p.Name = w.Name
	p.Path = w.Path
	p.Type = w.Type
	p.Depends = w.Depends
	p.Metadata = w.Metadata
	return nil
}

// SortPackages sorts pkgs by Name ascending, in place, and returns it for
// chaining. This is the "packages list within a repository is sorted by
// name" invariant from spec §8.
func SortPackages(pkgs []*Package) []*Package {
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs
}
