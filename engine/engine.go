// Package engine implements the top-level orchestration that turns a
// (distribution, ref) request into a persisted, fully discovered snapshot
// (spec §4.6): coalesced cache lookup, distribution-index fetch,
// bounded-parallel per-repository fan-out, and store commit. It borrows the
// indexer/controller FSM's state names (each step's name is attached to the
// logging context as a "state" field) without
// adopting controller.go's generic driver, since the Engine's state
// transitions are data-dependent on cache hits rather than purely
// sequential.
package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
	"github.com/colcon-tools/distrocache/coalesce"
)

// State names the per-repository state machine steps (spec §4.6). On each
// transition the new step's name is attached to the logging context as the
// "state" field, so later log lines carry it; a transition does not emit a
// log line of its own. StateResolving is declared but never attached.
type State string

const (
	StateNew         State = "new"
	StateResolving   State = "resolving"
	StateDownloading State = "downloading"
	StateDiscovering State = "discovering"
	StateAugmenting  State = "augmenting"
	StatePersisting  State = "persisting"
	StateDone        State = "done"
)

// Store is the persistence contract the Engine depends on; [store.Store]
// implements it.
type Store interface {
	FetchSet(ctx context.Context, dist, ref string) ([]*distrocache.Repository, error)
	InsertSet(ctx context.Context, dist, ref string, repoStateIDs []int64) error
	FetchRepoState(ctx context.Context, desc *distrocache.Repository) error
	InsertRepoState(ctx context.Context, desc *distrocache.Repository) error
}

// Fetcher is the method set of [fetch.Fetcher] that the engine drives
// directly; it declares the same three methods.
type Fetcher interface {
	GetFile(ctx context.Context, path string) ([]byte, error)
	DownloadAll(ctx context.Context, dest string, limitPaths []string) ([]string, error)
	ResolveVersion(ctx context.Context, symbolic string) (string, error)
}

// FetcherFactory constructs a Fetcher bound to desc. [fetch.New] satisfies
// this once its *http.Client parameter is curried away.
type FetcherFactory func(desc *distrocache.Repository) (Fetcher, error)

// Discoverer identifies packages within a scoped download directory.
// [discover.Discoverer] satisfies this.
type Discoverer interface {
	Discover(ctx context.Context, repoDir string) ([]*distrocache.Package, error)
}

// Scoper acquires a working directory for desc at its bound version,
// invokes fn with it, and guarantees cleanup. [fetch.Scoped] partially
// applied to a Fetcher satisfies this shape; see [DefaultScoper].
type Scoper func(ctx context.Context, f Fetcher, desc *distrocache.Repository, fn func(ctx context.Context, dir string) error) error

// AugmentFunc augments a freshly discovered repository's metadata. It runs
// after discovery and before persistence. A nil AugmentFunc is a no-op.
type AugmentFunc func(ctx context.Context, desc *distrocache.Repository) error

// Config is the subset of configuration the Engine consults. Metadata
// allowlisting is a serialization-time concern applied by the transport
// package against a Set's repositories, not something the Engine itself
// needs to know about.
type Config struct {
	DistroRepository string
	DistroIndexFile  string
	Parallelism      int
}

// Engine orchestrates GetSet/GetRepoState per spec §4.6.
type Engine struct {
	store      Store
	newFetcher FetcherFactory
	discoverer Discoverer
	scoped     Scoper
	augment    AugmentFunc
	cfg        Config

	coalesce *coalesce.Group

	semOnce sync.Once
	sem     *semaphore.Weighted
}

// New constructs an Engine. scoped may be nil to use [DefaultScoper] bound
// to newFetcher; augment may be nil for no augmentation hook.
func New(st Store, newFetcher FetcherFactory, discoverer Discoverer, scoped Scoper, augment AugmentFunc, cfg Config) *Engine {
	if cfg.DistroIndexFile == "" {
		cfg.DistroIndexFile = "index.yaml"
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Engine{
		store:      st,
		newFetcher: newFetcher,
		discoverer: discoverer,
		scoped:     scoped,
		augment:    augment,
		cfg:        cfg,
		coalesce:   &coalesce.Group{},
	}
}

func (e *Engine) semaphore() *semaphore.Weighted {
	e.semOnce.Do(func() {
		e.sem = semaphore.NewWeighted(int64(e.cfg.Parallelism))
	})
	return e.sem
}

// distroIndex mirrors the subset of index.yaml this engine consults.
type distroIndex struct {
	Distributions map[string]struct {
		Distribution []string `yaml:"distribution"`
	} `yaml:"distributions"`
}

// distributionFile mirrors the subset of a REP 143 distribution.yaml this
// engine consults.
type distributionFile struct {
	Repositories map[string]struct {
		Source *struct {
			Type    string `yaml:"type"`
			URL     string `yaml:"url"`
			Version string `yaml:"version"`
		} `yaml:"source"`
	} `yaml:"repositories"`
}

// GetSet resolves (dist, ref) to its full repository set, from the store if
// already cached, otherwise by fetching and discovering it fresh (spec
// §4.6, "GetSet").
func (e *Engine) GetSet(ctx context.Context, dist, ref string) ([]*distrocache.Repository, error) {
	ref = distrocache.StripRefPrefix(ref)
	key := coalesce.Key("set", dist, ref)

	result, err, _ := e.coalesce.Do(key, func() (any, error) {
		return e.getSetOnce(ctx, dist, ref)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*distrocache.Repository), nil
}

func (e *Engine) getSetOnce(ctx context.Context, dist, ref string) ([]*distrocache.Repository, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine.Engine.GetSet", "dist", dist, "ref", ref)

	repos, err := e.store.FetchSet(ctx, dist, ref)
	if err == nil {
		zlog.Debug(ctx).Msg("set cache hit")
		return repos, nil
	}
	if !distrocache.IsNotFound(err) {
		return nil, err
	}

	zlog.Info(ctx).Msg("set cache miss, materializing")

	distroDesc := distrocache.NewRepository(dist, "git", e.cfg.DistroRepository, ref)
	distroFetcher, err := e.newFetcher(distroDesc)
	if err != nil {
		return nil, err
	}
	resolved, err := distroFetcher.ResolveVersion(ctx, ref)
	if err != nil {
		return nil, err
	}
	distroDesc.SetVersion(resolved)
	// The fetcher bound to the symbolic version is stale; rebuild against
	// the resolved immutable commit.
	distroFetcher, err = e.newFetcher(distroDesc)
	if err != nil {
		return nil, err
	}

	indexBytes, err := distroFetcher.GetFile(ctx, e.cfg.DistroIndexFile)
	if err != nil {
		return nil, err
	}
	var index distroIndex
	if err := yaml.Unmarshal(indexBytes, &index); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrModel, Op: "engine.Engine.GetSet", Message: "parsing " + e.cfg.DistroIndexFile, Inner: err}
	}
	entry, ok := index.Distributions[dist]
	if !ok || len(entry.Distribution) == 0 {
		return nil, &distrocache.Error{Kind: distrocache.ErrModel, Op: "engine.Engine.GetSet", Message: fmt.Sprintf("unknown distro %q", dist)}
	}

	distFileBytes, err := distroFetcher.GetFile(ctx, entry.Distribution[0])
	if err != nil {
		return nil, err
	}
	var distFile distributionFile
	if err := yaml.Unmarshal(distFileBytes, &distFile); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrModel, Op: "engine.Engine.GetSet", Message: "parsing " + entry.Distribution[0], Inner: err}
	}

	names := make([]string, 0, len(distFile.Repositories))
	for name, r := range distFile.Repositories {
		if r.Source == nil {
			continue
		}
		names = append(names, name)
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]*distrocache.Repository, len(names))
	for i, name := range names {
		i, name := i, name
		src := *distFile.Repositories[name].Source
		g.Go(func() error {
			desc := distrocache.NewRepository(name, src.Type, src.URL, src.Version)
			got, err := e.GetRepoState(gctx, desc)
			if err != nil {
				return err
			}
			results[i] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		id, _ := r.Metadata("repo_state_id").(int64)
		ids = append(ids, id)
	}
	if err := e.store.InsertSet(ctx, dist, ref, ids); err != nil {
		return nil, err
	}

	zlog.Info(ctx).Int("repositories", len(results)).Msg("set materialized and persisted")
	return results, nil
}

// GetRepoState resolves a single repository's state, from the store if
// cached, otherwise by scoped download, discovery, augmentation, and
// persistence (spec §4.6, "GetRepoState"). It returns the descriptor that
// was actually populated, which may belong to a concurrent caller that
// coalesced onto the same identity.
func (e *Engine) GetRepoState(ctx context.Context, desc *distrocache.Repository) (*distrocache.Repository, error) {
	id, err := desc.Identity()
	if err != nil {
		return nil, err
	}
	key := coalesce.Key("repo", id.Name, id.Type, id.URL, id.Version)

	result, err, _ := e.coalesce.Do(key, func() (any, error) {
		return e.getRepoStateOnce(ctx, desc)
	})
	if err != nil {
		return nil, err
	}
	return result.(*distrocache.Repository), nil
}

func (e *Engine) getRepoStateOnce(ctx context.Context, desc *distrocache.Repository) (*distrocache.Repository, error) {
	id, _ := desc.Identity()
	ctx = zlog.ContextWithValues(ctx, "component", "engine.Engine.GetRepoState", "identity", id.String())
	ctx = zlog.ContextWithValues(ctx, "state", string(StateNew))

	if err := e.store.FetchRepoState(ctx, desc); err == nil {
		zlog.Debug(ctx).Msg("repo state cache hit")
		return desc, nil
	} else if !distrocache.IsNotFound(err) {
		return nil, err
	}

	if err := e.semaphore().Acquire(ctx, 1); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "engine.Engine.GetRepoState", Inner: err}
	}
	defer e.semaphore().Release(1)

	f, err := e.newFetcher(desc)
	if err != nil {
		return nil, err
	}

	ctx = zlog.ContextWithValues(ctx, "state", string(StateDownloading))
	scoped := e.scoped
	if scoped == nil {
		scoped = DefaultScoper
	}
	discoverErr := scoped(ctx, f, desc, func(ctx context.Context, dir string) error {
		ctx = zlog.ContextWithValues(ctx, "state", string(StateDiscovering))
		pkgs, err := e.discoverer.Discover(ctx, dir)
		if err != nil {
			return err
		}
		desc.SetPackages(pkgs)

		ctx = zlog.ContextWithValues(ctx, "state", string(StateAugmenting))
		if e.augment != nil {
			if err := e.augment(ctx, desc); err != nil {
				zlog.Warn(ctx).Err(err).Msg("augmentation hook failed, continuing without it")
			}
		}
		return nil
	})
	if discoverErr != nil {
		// A download failure still produces a row, with an empty package
		// list, so a future retry remains possible while the rest of the
		// snapshot proceeds (spec §4.4).
		zlog.Error(ctx).Err(discoverErr).Msg("scoped download failed; persisting empty package list")
		desc.SetPackages(nil)
	} else if len(desc.Packages()) == 0 {
		zlog.Info(ctx).Msg("discoverer found no packages")
	}

	ctx = zlog.ContextWithValues(ctx, "state", string(StatePersisting))
	if err := e.store.InsertRepoState(ctx, desc); err != nil {
		return nil, err
	}
	zlog.Debug(ctx).Msg(string(StateDone))
	return desc, nil
}
