package fetch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

// tarballFetcher retrieves a repository tree by streaming a host-provided
// gzip tarball into `tar --extract --gzip --strip-components=1`, the
// approach spec §4.3 mandates in preference to an in-process archive
// reader: it avoids buffering the whole tarball and reuses a tar
// implementation battle-tested against every archive quirk a hosting
// provider emits.
type tarballFetcher struct {
	client     *http.Client
	repo       *distrocache.Repository
	name       string
	owner      string
	project    string
	tarballURL func(version string) string
	rawFileURL func(version, path string) string
}

func (f *tarballFetcher) version() (string, error) {
	id, err := f.repo.Identity()
	if err != nil {
		return "", err
	}
	return id.Version, nil
}

func (f *tarballFetcher) GetFile(ctx context.Context, path string) ([]byte, error) {
	version, err := f.version()
	if err != nil {
		return nil, err
	}
	url := f.rawFileURL(version, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + f.name + ".GetFile", Inner: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + f.name + ".GetFile", Message: "requesting " + url, Inner: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + f.name + ".GetFile", Message: path}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + f.name + ".GetFile", Message: fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, url)}
	}

	r, err := maybeDecompress(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + f.name + ".GetFile", Inner: err}
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + f.name + ".GetFile", Inner: err}
	}
	return b, nil
}

// maybeDecompress wraps r in a gzip reader when the server declared gzip
// content, or when the body's magic bytes say so regardless of header (some
// hosting providers serve gzip'd raw-file responses without a matching
// Content-Encoding header). An unrecognized or absent encoding is passed
// through unchanged, which is the correct behavior for plain-text raw file
// responses, the overwhelmingly common case.
func maybeDecompress(contentEncoding string, r io.Reader) (io.Reader, error) {
	if contentEncoding == "gzip" {
		return gzip.NewReader(r)
	}
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

func (f *tarballFetcher) ResolveVersion(ctx context.Context, symbolic string) (string, error) {
	return resolveViaLsRemote(ctx, f.name, f.repo.URL, symbolic)
}

func (f *tarballFetcher) DownloadAll(ctx context.Context, dest string, limitPaths []string) ([]string, error) {
	version, err := f.version()
	if err != nil {
		return nil, err
	}
	url := f.tarballURL(version)
	return extractTarballViaCurl(ctx, f.name, url, dest, limitPaths)
}

// extractTarballViaCurl runs a single `curl` process writing the tarball at
// url to stdout, piped directly into `tar --extract --gzip
// --strip-components=1 --verbose`, per spec §4.3: streaming through OS
// pipes rather than buffering the archive in the engine's own process
// measurably reduces scheduler pressure and doesn't depend on any
// in-process archive reader keeping up with every hosting provider's tar
// quirks. tar's verbose extraction list, captured from its stdout, is the
// authoritative post-extraction file list.
func extractTarballViaCurl(ctx context.Context, backend, url, dest string, limitPaths []string) ([]string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch." + backend + ".DownloadAll", Inner: err}
	}

	curlCmd := exec.CommandContext(ctx, "curl", "--fail", "--silent", "--show-error", "--location", url)
	tarArgs := []string{"--extract", "--gzip", "--strip-components=1", "--verbose", "-C", dest}
	extractAll := false
	for _, p := range limitPaths {
		if p == "." {
			extractAll = true
		}
	}
	if !extractAll {
		for _, p := range limitPaths {
			tarArgs = append(tarArgs, "*/"+p)
		}
	}
	tarCmd := exec.CommandContext(ctx, "tar", tarArgs...)

	pipe, err := curlCmd.StdoutPipe()
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch." + backend + ".DownloadAll", Inner: err}
	}
	tarCmd.Stdin = pipe

	var curlStderr, tarStdout, tarStderr bytes.Buffer
	curlCmd.Stderr = &curlStderr
	tarCmd.Stdout = &tarStdout
	tarCmd.Stderr = &tarStderr

	start := time.Now()
	if err := tarCmd.Start(); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch." + backend + ".DownloadAll", Inner: err}
	}
	if err := curlCmd.Start(); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch." + backend + ".DownloadAll", Inner: err}
	}

	curlErr := curlCmd.Wait()
	tarErr := tarCmd.Wait()
	if curlErr != nil {
		tarballExtractDuration.WithLabelValues(backend, "error").Observe(time.Since(start).Seconds())
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + backend + ".DownloadAll", Message: "curl " + url + ": " + curlStderr.String(), Inner: curlErr}
	}
	if tarErr != nil {
		tarballExtractDuration.WithLabelValues(backend, "error").Observe(time.Since(start).Seconds())
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + backend + ".DownloadAll", Message: "tar extract: " + tarStderr.String(), Inner: tarErr}
	}
	tarballExtractDuration.WithLabelValues(backend, "ok").Observe(time.Since(start).Seconds())

	zlog.Debug(ctx).Str("backend", backend).Str("dest", dest).Msg("extracted tarball")
	return parseTarVerboseOutput(tarStdout.String()), nil
}

// parseTarVerboseOutput splits GNU tar's --verbose extraction listing (one
// relative path per line) into a file list, dropping directory entries
// (lines ending in "/"). tar prints member names as stored in the archive,
// before --strip-components=1 is applied, so the leading path component is
// dropped to make each entry relative to the extraction directory.
func parseTarVerboseOutput(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		i := strings.Index(line, "/")
		if i < 0 {
			continue
		}
		line = line[i+1:]
		if line == "" || strings.HasSuffix(line, "/") {
			continue
		}
		files = append(files, line)
	}
	return files
}

// resolveViaLsRemote shells out to `git ls-remote <url> <symbolic>` to
// resolve a branch or tag name to a commit hash without cloning, the
// lightest-weight way to turn a symbolic ref into the immutable version
// distrocache.Repository identities require (spec §3, "Identity").
func resolveViaLsRemote(ctx context.Context, backend, repoURL, symbolic string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", repoURL, symbolic)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + backend + ".ResolveVersion", Message: stderr.String(), Inner: err}
	}
	if stderr.Len() > 0 {
		// git can print warnings (e.g. deprecated protocol notices) to
		// stderr while still exiting 0; spec treats any stderr output as a
		// DownloadError regardless of exit status.
		return "", &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + backend + ".ResolveVersion", Message: stderr.String()}
	}
	line := stdout.String()
	tab := -1
	for i := 0; i < len(line); i++ {
		if line[i] == '\t' || line[i] == ' ' {
			tab = i
			break
		}
	}
	if tab <= 0 {
		return "", &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch." + backend + ".ResolveVersion", Message: "ref not found: " + symbolic}
	}
	return line[:tab], nil
}
