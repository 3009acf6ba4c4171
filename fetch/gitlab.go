package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

// gitlabFetcher adds Git LFS object resolution on top of the shared tarball
// pipeline: GitLab's archive endpoint embeds LFS pointer files verbatim
// rather than resolving them (spec §4.3), so after extraction the fetcher
// scans for pointer files and replaces them with their real content via
// GitLab's LFS batch API.
type gitlabFetcher struct {
	tarballFetcher
	host    string
	project string
}

const (
	lfsPointerPrefix  = "version https://git-lfs.github.com/spec/v1"
	gitlabTokenEnvVar = "GITLAB_PRIVATE_TOKEN"
)

func (f *gitlabFetcher) DownloadAll(ctx context.Context, dest string, limitPaths []string) ([]string, error) {
	files, err := f.tarballFetcher.DownloadAll(ctx, dest, limitPaths)
	if err != nil {
		return nil, err
	}

	pointers, err := findLFSPointers(dest, files)
	if err != nil {
		return nil, err
	}
	if len(pointers) == 0 {
		return files, nil
	}

	zlog.Debug(ctx).Int("count", len(pointers)).Msg("resolving gitlab lfs pointers")
	batch, err := f.lfsBatch(ctx, pointers)
	if err != nil {
		return nil, err
	}
	for _, p := range pointers {
		obj, ok := batch[p.oid]
		if !ok {
			return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.DownloadAll", Message: "lfs batch response missing object " + p.oid}
		}
		if err := f.downloadLFSObject(ctx, obj, filepath.Join(dest, p.relPath)); err != nil {
			return nil, err
		}
	}
	return files, nil
}

type lfsPointer struct {
	relPath string
	oid     string
	size    int64
}

// findLFSPointers scans files for the Git LFS pointer-file signature. Real
// pointer files are always small (well under 1KiB), so any file exceeding
// that is skipped without being read in full.
func findLFSPointers(dest string, files []string) ([]lfsPointer, error) {
	var pointers []lfsPointer
	for _, rel := range files {
		full := filepath.Join(dest, rel)
		fi, err := os.Stat(full)
		if err != nil {
			return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.findLFSPointers", Inner: err}
		}
		if fi.Size() > 1024 {
			continue
		}
		b, err := os.ReadFile(full)
		if err != nil {
			return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.findLFSPointers", Inner: err}
		}
		if !bytes.HasPrefix(b, []byte(lfsPointerPrefix)) {
			continue
		}
		oid, size, err := parseLFSPointer(b)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, lfsPointer{relPath: rel, oid: oid, size: size})
	}
	return pointers, nil
}

func parseLFSPointer(b []byte) (oid string, size int64, err error) {
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "oid sha256:"):
			oid = strings.TrimPrefix(line, "oid sha256:")
		case strings.HasPrefix(line, "size "):
			size, err = strconv.ParseInt(strings.TrimPrefix(line, "size "), 10, 64)
			if err != nil {
				return "", 0, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.parseLFSPointer", Inner: err}
			}
		}
	}
	if oid == "" {
		return "", 0, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.parseLFSPointer", Message: "pointer file missing oid"}
	}
	return oid, size, nil
}

type lfsBatchRequest struct {
	Operation string           `json:"operation"`
	Transfers []string         `json:"transfers"`
	Objects   []lfsBatchObject `json:"objects"`
}

type lfsBatchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchResponse struct {
	Objects []struct {
		OID     string `json:"oid"`
		Size    int64  `json:"size"`
		Actions struct {
			Download struct {
				HRef   string            `json:"href"`
				Header map[string]string `json:"header"`
			} `json:"download"`
		} `json:"actions"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

type resolvedLFSObject struct {
	href   string
	header map[string]string
	size   int64
}

func (f *gitlabFetcher) lfsBatch(ctx context.Context, pointers []lfsPointer) (map[string]resolvedLFSObject, error) {
	reqBody := lfsBatchRequest{Operation: "download", Transfers: []string{"basic"}}
	for _, p := range pointers {
		reqBody.Objects = append(reqBody.Objects, lfsBatchObject{OID: p.oid, Size: p.size})
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.gitlab.lfsBatch", Inner: err}
	}

	url := fmt.Sprintf("https://%s/%s.git/info/lfs/objects/batch", f.host, f.project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.lfsBatch", Inner: err}
	}
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	req.Header.Set("Accept", "application/vnd.git-lfs+json")
	if tok := os.Getenv(gitlabTokenEnvVar); tok != "" {
		req.Header.Set("Private-Token", tok)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.lfsBatch", Inner: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.lfsBatch", Message: fmt.Sprintf("unexpected status %d from lfs batch api", resp.StatusCode)}
	}

	var parsed lfsBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.lfsBatch", Inner: err}
	}

	out := make(map[string]resolvedLFSObject, len(parsed.Objects))
	for _, o := range parsed.Objects {
		if o.Error != nil {
			return nil, &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.lfsBatch", Message: fmt.Sprintf("lfs object %s: %s", o.OID, o.Error.Message)}
		}
		out[o.OID] = resolvedLFSObject{href: o.Actions.Download.HRef, header: o.Actions.Download.Header, size: o.Size}
	}
	return out, nil
}

func (f *gitlabFetcher) downloadLFSObject(ctx context.Context, obj resolvedLFSObject, dest string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, obj.href, nil)
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.downloadLFSObject", Inner: err}
	}
	for k, v := range obj.header {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		lfsDownloadDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.downloadLFSObject", Inner: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		lfsDownloadDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.downloadLFSObject", Message: fmt.Sprintf("unexpected status %d fetching lfs object", resp.StatusCode)}
	}

	tmp := dest + ".lfs-download"
	out, err := os.Create(tmp)
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.gitlab.downloadLFSObject", Inner: err}
	}
	n, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmp)
		lfsDownloadDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.downloadLFSObject", Inner: err}
	}
	if closeErr != nil {
		os.Remove(tmp)
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.gitlab.downloadLFSObject", Inner: closeErr}
	}
	if obj.size != 0 && n != obj.size {
		os.Remove(tmp)
		lfsDownloadDuration.WithLabelValues("size_mismatch").Observe(time.Since(start).Seconds())
		return &distrocache.Error{Kind: distrocache.ErrDownload, Op: "fetch.gitlab.downloadLFSObject", Message: fmt.Sprintf("size mismatch: got %d bytes, want %d", n, obj.size)}
	}
	if err := os.Rename(tmp, dest); err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "fetch.gitlab.downloadLFSObject", Inner: err}
	}
	lfsDownloadDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return nil
}
