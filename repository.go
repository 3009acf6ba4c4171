package distrocache

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Identity is the tuple that uniquely names a [Repository]: (name, type,
// url, version). Equality, hashing, and Store lookups use Identity alone.
type Identity struct {
	Name    string
	Type    string
	URL     string
	Version string
}

// String renders the identity for use as a map/cache key or log field.
func (id Identity) String() string {
	return id.Type + "\x1f" + id.Name + "\x1f" + id.URL + "\x1f" + id.Version
}

func (id Identity) complete() bool {
	return id.Name != "" && id.Type != "" && id.URL != "" && id.Version != ""
}

// Repository is a package repository pinned at a specific, eventually
// immutable, version.
//
// Repository is mutated in place during its active materialization (Path is
// set for the lifetime of a scoped checkout, Packages and Metadata are
// populated by the engine) and becomes immutable once persisted. Construct
// with [NewRepository].
type Repository struct {
	Name string
	// Type is a VCS tag; currently only "git" is implemented.
	Type string
	URL  string
	// Version is a symbolic ref at discovery time, resolved to an immutable
	// commit hash before storage.
	Version string
	// Path is valid only within a scoped working-directory acquisition and
	// must be cleared on release. It is never persisted.
	Path string

	mu       sync.Mutex
	packages []*Package
	metadata map[string]any
}

// NewRepository constructs a Repository from its identity fields.
func NewRepository(name, typ, url, version string) *Repository {
	return &Repository{Name: name, Type: typ, URL: url, Version: version}
}

// Identity returns r's identity tuple.
//
// It is a programming error to call Identity (or rely on equality/hashing)
// on a Repository whose identity fields are incomplete; per spec §3 this
// must fail loudly rather than silently substituting zero values.
func (r *Repository) Identity() (Identity, error) {
	id := Identity{Name: r.Name, Type: r.Type, URL: r.URL, Version: r.Version}
	if !id.complete() {
		return Identity{}, &Error{
			Kind:    ErrInvalid,
			Op:      "Repository.Identity",
			Message: fmt.Sprintf("incomplete identity: %+v", id),
		}
	}
	return id, nil
}

// SetVersion replaces r's Version in place, e.g. after resolving a symbolic
// ref to an immutable commit hash. The identity tuple must not be read as
// stable across this call by anyone holding a reference to the old value.
func (r *Repository) SetVersion(v string) { r.Version = v }

// Packages returns the repository's discovered packages, sorted by name.
func (r *Repository) Packages() []*Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packages
}

// SetPackages replaces r's package list. The engine calls this once, after
// discovery (possibly with an empty slice; see spec §4.4).
func (r *Repository) SetPackages(pkgs []*Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages = SortPackages(pkgs)
}

// Metadata returns a key from r's metadata map, or nil if absent or unset.
func (r *Repository) Metadata(key string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metadata == nil {
		return nil
	}
	return r.metadata[key]
}

// SetMetadata sets a single metadata key, e.g. the store-assigned row id
// under "repo_state_id" after InsertRepoState, or a key set by the
// augmentation hook.
func (r *Repository) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metadata == nil {
		r.metadata = make(map[string]any)
	}
	r.metadata[key] = value
}

// MetadataKeys returns a snapshot of the metadata map. Mutating the
// returned map has no effect on r.
func (r *Repository) MetadataKeys() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		m[k] = v
	}
	return m
}

// repositoryWire is the canonical JSON shape for a Repository: "type",
// "url", "version", "packages" always present; "metadata" only when a
// non-empty allowlisted subset exists.
type repositoryWire struct {
	Type     string           `json:"type"`
	URL      string           `json:"url"`
	Version  string           `json:"version"`
	Packages []*Package       `json:"packages"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// MarshalAllowlisted renders r with its package list (sorted by name,
// itself canonically marshaled) and, if metaAllowlist is non-empty, the
// allowlisted metadata subset.
func (r *Repository) MarshalAllowlisted(metaAllowlist []string) ([]byte, error) {
	r.mu.Lock()
	pkgs := append([]*Package(nil), r.packages...)
	md := r.metadata
	r.mu.Unlock()

	w := repositoryWire{
		Type:     r.Type,
		URL:      r.URL,
		Version:  r.Version,
		Packages: SortPackages(pkgs),
	}
	if len(metaAllowlist) > 0 && len(md) > 0 {
		m := make(map[string]any, len(metaAllowlist))
		for _, k := range metaAllowlist {
			if v, ok := md[k]; ok {
				m[k] = v
			}
		}
		if len(m) > 0 {
			w.Metadata = m
		}
	}
	if w.Packages == nil {
		w.Packages = []*Package{}
	}
	return json.Marshal(w)
}

// MarshalJSON implements [json.Marshaler] with no metadata allowlist.
func (r *Repository) MarshalJSON() ([]byte, error) {
	return r.MarshalAllowlisted(nil)
}

// UnmarshalJSON implements [json.Unmarshaler]. The Name field is left
// untouched since it isn't part of the wire object's own keys (it's carried
// by the enclosing map in transport/store forms); callers that need Name
// populated should set it after unmarshaling.
func (r *Repository) UnmarshalJSON(b []byte) error {
	var w repositoryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("distrocache: decoding repository: %w", err)
	}
	r.Type = w.Type
	r.URL = w.URL
	r.Version = w.Version
	r.packages = SortPackages(w.Packages)
	if len(w.Metadata) > 0 {
		r.metadata = w.Metadata
	}
	return nil
}
