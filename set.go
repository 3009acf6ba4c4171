package distrocache

import (
	"sort"
	"strings"
	"time"
)

// Set is the materialized, immutable result of resolving a (distribution,
// ref) pair: a snapshot over a fixed collection of repository identities.
//
// Sets are write-once: a (Dist, Ref) key maps to at most one stored Set.
type Set struct {
	Dist string
	// Ref has had a leading "refs/" prefix stripped; see StripRefPrefix.
	Ref          string
	LastUpdated  time.Time
	Repositories []*Repository
}

// StripRefPrefix removes a leading "refs/" from ref, if present, per spec
// §4.6 step 1. "refs/tags/X" and "tags/X" both become "tags/X".
func StripRefPrefix(ref string) string {
	return strings.TrimPrefix(ref, "refs/")
}

// setWire is the shape returned to transport clients (spec §6). Field order
// is fixed by this declaration, and matters: spec.md:366 requires
// `sort_keys=false` serialization, so Document builds setWire (and its
// nested repoDoc/packageDoc) rather than a map[string]any, which both
// encoding/json and gopkg.in/yaml.v3 would otherwise alphabetize.
type setWire struct {
	Rosdistro    setWireHeader      `json:"rosdistro" yaml:"rosdistro"`
	Repositories map[string]repoDoc `json:"repositories" yaml:"repositories"`
}

type setWireHeader struct {
	Repository   string `json:"repository" yaml:"repository"`
	Distribution string `json:"distribution" yaml:"distribution"`
	Ref          string `json:"ref" yaml:"ref"`
}

// repoDoc is the per-repository document shape: type, url, version, packages
// always present, in that order; metadata only when a non-empty allowlisted
// subset exists (spec §4.1).
type repoDoc struct {
	Type     string         `json:"type" yaml:"type"`
	URL      string         `json:"url" yaml:"url"`
	Version  string         `json:"version" yaml:"version"`
	Packages []packageDoc   `json:"packages" yaml:"packages"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// packageDoc is the per-package document shape: name, path, type, depends
// always present, in that order (spec.md:130).
type packageDoc struct {
	Name    string              `json:"name" yaml:"name"`
	Path    string              `json:"path" yaml:"path"`
	Type    string              `json:"type" yaml:"type"`
	Depends map[string][]string `json:"depends" yaml:"depends"`
}

// Document builds the transport-level JSON/YAML document for s, keyed by
// repository name, given the URL of the distribution index repository and
// a metadata allowlist to apply to every repository's Metadata.
//
// The returned value is intended to be passed to an encoding/json or
// gopkg.in/yaml.v3 encoder by the transport package; Document itself does
// not serialize.
func (s *Set) Document(distroRepoURL string, metaAllowlist []string) setWire {
	repos := make(map[string]repoDoc, len(s.Repositories))
	for _, r := range s.Repositories {
		repos[r.Name] = repositoryDocument(r, metaAllowlist)
	}
	return setWire{
		Rosdistro: setWireHeader{
			Repository:   distroRepoURL,
			Distribution: s.Dist,
			Ref:          s.Ref,
		},
		Repositories: repos,
	}
}

func repositoryDocument(r *Repository, metaAllowlist []string) repoDoc {
	pkgs := SortPackages(append([]*Package(nil), r.Packages()...))
	pl := make([]packageDoc, 0, len(pkgs))
	for _, p := range pkgs {
		pl = append(pl, packageDocument(p))
	}
	doc := repoDoc{
		Type:     r.Type,
		URL:      r.URL,
		Version:  r.Version,
		Packages: pl,
	}
	if len(metaAllowlist) > 0 {
		md := r.MetadataKeys()
		m := make(map[string]any, len(metaAllowlist))
		for _, k := range metaAllowlist {
			if v, ok := md[k]; ok {
				m[k] = v
			}
		}
		if len(m) > 0 {
			doc.Metadata = m
		}
	}
	return doc
}

func packageDocument(p *Package) packageDoc {
	depends := map[string][]string{}
	for _, k := range dependencyKindOrder {
		v := p.Depends[k]
		if len(v) == 0 {
			continue
		}
		sorted := append([]string(nil), v...)
		sort.Strings(sorted)
		depends[string(k)] = sorted
	}
	return packageDoc{
		Name:    p.Name,
		Path:    p.Path,
		Type:    p.Type,
		Depends: depends,
	}
}
