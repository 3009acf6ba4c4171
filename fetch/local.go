package fetch

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

// localFetcher reads from a bare or working `file://` git repository on the
// local filesystem, exercised in integration tests and when colcon_distro
// mirrors a remote the daemon has already cloned once (spec §4.3, "local").
type localFetcher struct {
	repo *distrocache.Repository
	dir  string
}

func (f *localFetcher) version() (string, error) {
	id, err := f.repo.Identity()
	if err != nil {
		return "", err
	}
	return id.Version, nil
}

func (f *localFetcher) GetFile(ctx context.Context, path string) ([]byte, error) {
	version, err := f.version()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "git", "-C", f.dir, "show", version+":"+path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "does not exist") || strings.Contains(stderr.String(), "exists on disk, but not in") {
			return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.local.GetFile", Message: path}
		}
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.local.GetFile", Message: stderr.String(), Inner: err}
	}
	return stdout.Bytes(), nil
}

func (f *localFetcher) DownloadAll(ctx context.Context, dest string, limitPaths []string) ([]string, error) {
	version, err := f.version()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.local.DownloadAll", Inner: err}
	}

	archive := exec.CommandContext(ctx, "git", "-C", f.dir, "archive", "--format=tar.gz", "--prefix=repo/", version)
	archive.Args = append(archive.Args, "--")
	if len(limitPaths) > 0 {
		archive.Args = append(archive.Args, limitPaths...)
	} else {
		archive.Args = append(archive.Args, ".")
	}

	tarArgs := []string{"--extract", "--gzip", "--strip-components=1", "--verbose", "-C", dest}
	tarCmd := exec.CommandContext(ctx, "tar", tarArgs...)

	pipe, err := archive.StdoutPipe()
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.local.DownloadAll", Inner: err}
	}
	tarCmd.Stdin = pipe
	var archiveStderr, tarStdout, tarStderr bytes.Buffer
	archive.Stderr = &archiveStderr
	tarCmd.Stdout = &tarStdout
	tarCmd.Stderr = &tarStderr

	start := time.Now()
	if err := tarCmd.Start(); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.local.DownloadAll", Inner: err}
	}
	if err := archive.Start(); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.local.DownloadAll", Inner: err}
	}

	archiveErr := archive.Wait()
	tarErr := tarCmd.Wait()
	if archiveErr != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.local.DownloadAll", Message: archiveStderr.String(), Inner: archiveErr}
	}
	if tarErr != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.local.DownloadAll", Message: tarStderr.String(), Inner: tarErr}
	}

	zlog.Debug(ctx).Str("dest", dest).Dur("elapsed", time.Since(start)).Msg("extracted local archive")
	return parseTarVerboseOutput(tarStdout.String()), nil
}

func (f *localFetcher) ResolveVersion(ctx context.Context, symbolic string) (string, error) {
	return resolveViaLsRemote(ctx, "local", f.dir, symbolic)
}
