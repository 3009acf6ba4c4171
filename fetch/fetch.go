// Package fetch implements backend-polymorphic retrieval of a single file or
// a full tree at a given revision from a heterogeneous set of Git hosting
// backends (spec §4.3).
//
// A Fetcher is selected by pattern-matching a [distrocache.Repository]'s URL
// at construction time; the four backends (GitHub tarball, Bitbucket
// tarball, GitLab tarball+LFS, local Git) share no mutable state and
// implement the same three-method contract, the tagged-variant style spec
// §9 recommends and the one quay/claircore's internal/indexer/fetcher
// package follows for its own single Fetcher implementation.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

// Fetcher retrieves content for the single repository it was constructed
// for, at the version bound into that repository's descriptor.
type Fetcher interface {
	// GetFile retrieves a single file at the bound version.
	GetFile(ctx context.Context, path string) ([]byte, error)
	// DownloadAll materializes the tree at the bound version into dest. If
	// limitPaths is non-empty and does not contain ".", only those
	// subpaths are extracted. It returns the list of files the extraction
	// step reported having written.
	DownloadAll(ctx context.Context, dest string, limitPaths []string) ([]string, error)
	// ResolveVersion resolves a symbolic ref (branch, tag) to an immutable
	// commit hash.
	ResolveVersion(ctx context.Context, symbolic string) (string, error)
}

var (
	githubPattern    = regexp.MustCompile(`^(?:https?://github\.com/|git@github\.com:)([^/]+)/([^/.]+)(?:\.git)?/?$`)
	bitbucketPattern = regexp.MustCompile(`^https?://bitbucket\.org/([^/]+)/([^/.]+)(?:\.git)?/?$`)
	gitlabPattern    = regexp.MustCompile(`^https?://(gitlab\.[^/]+)/(.+?)(?:\.git)?/?$`)
	localPattern     = regexp.MustCompile(`^file://(/.+)$`)
)

// New constructs a Fetcher for repo by pattern-matching its URL against the
// backend table in spec §4.3. An unmatched URL fails with an
// [distrocache.ErrDownload] error.
func New(client *http.Client, repo *distrocache.Repository) (Fetcher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := repo.URL
	switch {
	case githubPattern.MatchString(url):
		m := githubPattern.FindStringSubmatch(url)
		return &tarballFetcher{
			client:   client,
			repo:     repo,
			name:     "github",
			owner:    m[1],
			project:  m[2],
			tarballURL: func(version string) string {
				return fmt.Sprintf("https://github.com/%s/%s/archive/%s.tar.gz", m[1], m[2], version)
			},
			rawFileURL: func(version, path string) string {
				return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", m[1], m[2], version, path)
			},
		}, nil
	case bitbucketPattern.MatchString(url):
		m := bitbucketPattern.FindStringSubmatch(url)
		return &tarballFetcher{
			client:   client,
			repo:     repo,
			name:     "bitbucket",
			owner:    m[1],
			project:  m[2],
			tarballURL: func(version string) string {
				return fmt.Sprintf("https://bitbucket.org/%s/%s/get/%s.tar.gz", m[1], m[2], version)
			},
			rawFileURL: func(version, path string) string {
				return fmt.Sprintf("https://bitbucket.org/%s/%s/raw/%s/%s", m[1], m[2], version, path)
			},
		}, nil
	case gitlabPattern.MatchString(url):
		m := gitlabPattern.FindStringSubmatch(url)
		host, project := m[1], m[2]
		return &gitlabFetcher{
			tarballFetcher: tarballFetcher{
				client:  client,
				repo:    repo,
				name:    "gitlab",
				owner:   host,
				project: project,
				tarballURL: func(version string) string {
					return fmt.Sprintf("https://%s/%s/-/archive/%s/%s-%s.tar.gz", host, project, version, projectBase(project), version)
				},
				rawFileURL: func(version, path string) string {
					return fmt.Sprintf("https://%s/%s/-/raw/%s/%s", host, project, version, path)
				},
			},
			host:    host,
			project: project,
		}, nil
	case localPattern.MatchString(url):
		m := localPattern.FindStringSubmatch(url)
		return &localFetcher{repo: repo, dir: m[1]}, nil
	default:
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.New", Message: "unmatched repository url: " + url}
	}
}

func projectBase(project string) string {
	for i := len(project) - 1; i >= 0; i-- {
		if project[i] == '/' {
			return project[i+1:]
		}
	}
	return project
}

// Scoped allocates a uniquely named temporary directory, downloads the full
// tree at desc's bound version into it via f, sets desc.Path for the
// duration of fn, and guarantees both the directory's removal and
// desc.Path's clearing on every exit path, per spec §4.3.
func Scoped(ctx context.Context, f Fetcher, desc *distrocache.Repository, fn func(ctx context.Context, dir string) error) error {
	prefix := "distrocache-" + sanitizeName(desc.Name) + "-" + uuid.NewString()[:8] + "-"
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.Scoped", Inner: err}
	}
	defer func() {
		desc.Path = ""
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			zlog.Warn(ctx).Err(rmErr).Str("dir", dir).Msg("failed to remove scoped download directory")
		}
	}()

	if _, err := f.DownloadAll(ctx, dir, nil); err != nil {
		return err
	}
	desc.Path = dir
	return fn(ctx, dir)
}

func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
