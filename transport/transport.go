// Package transport implements the HTTP front-end collaborator (spec §6):
// a single GET route that resolves a (distribution, ref) pair through the
// engine and serializes the result as JSON or YAML, built the same way
// libindex/handler.go builds its *http.ServeMux-backed HTTP type.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/quay/zlog"
	"gopkg.in/yaml.v3"

	"github.com/colcon-tools/distrocache"
)

// Getter is the subset of [engine.Engine] the handler depends on.
type Getter interface {
	GetSet(ctx context.Context, dist, ref string) ([]*distrocache.Repository, error)
}

var _ http.Handler = (*HTTP)(nil)

// HTTP serves GET /get/<dist>/<ref…>.{json,yaml} (spec §6).
type HTTP struct {
	*http.ServeMux
	engine        Getter
	distroRepoURL string
	metaAllowlist []string
}

// NewHandler builds the transport handler. distroRepoURL is echoed into every
// response document; metaAllowlist (cache.metadata_inclusions) selects which
// repository metadata keys each document includes.
func NewHandler(engine Getter, distroRepoURL string, metaAllowlist []string) *HTTP {
	h := &HTTP{
		engine:        engine,
		distroRepoURL: distroRepoURL,
		metaAllowlist: metaAllowlist,
	}
	m := http.NewServeMux()
	m.HandleFunc("/get/", h.Get)
	h.ServeMux = m
	return h
}

// Get implements GET /get/<dist>/<ref…>.json and GET /get/<dist>/<ref…>.yaml.
func (h *HTTP) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		writeError(w, &errorResponse{Code: "method-not-allowed", Message: "endpoint only allows GET"}, http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/get/")
	dist, ref, format, ok := splitDistRef(path)
	if !ok {
		writeError(w, &errorResponse{Code: "bad-request", Message: "path must be /get/<dist>/<ref>.json or .yaml"}, http.StatusBadRequest)
		return
	}

	ctx = zlog.ContextWithValues(ctx, "component", "transport.HTTP.Get", "dist", dist, "ref", ref, "format", format)

	repos, err := h.engine.GetSet(ctx, dist, ref)
	if err != nil {
		h.writeEngineError(ctx, w, err)
		return
	}

	set := &distrocache.Set{Dist: dist, Ref: distrocache.StripRefPrefix(ref), Repositories: repos}
	doc := set.Document(h.distroRepoURL, h.metaAllowlist)

	switch format {
	case "json":
		w.Header().Set("content-type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			zlog.Error(ctx).Err(err).Msg("failed to serialize json response")
		}
	case "yaml":
		filename := strings.ReplaceAll(ref, "/", "-") + ".yaml"
		w.Header().Set("content-type", "application/yaml")
		w.Header().Set("content-disposition", `attachment; filename=`+filename)
		if err := yaml.NewEncoder(w).Encode(doc); err != nil {
			zlog.Error(ctx).Err(err).Msg("failed to serialize yaml response")
		}
	}
}

func (h *HTTP) writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	if distrocache.IsNotFound(err) {
		zlog.Debug(ctx).Err(err).Msg("unknown distribution or ref")
		writeError(w, &errorResponse{Code: "not-found", Message: err.Error()}, http.StatusNotFound)
		return
	}
	var dErr *distrocache.Error
	if errors.As(err, &dErr) && dErr.Kind == distrocache.ErrModel {
		zlog.Debug(ctx).Err(err).Msg("unknown distribution")
		writeError(w, &errorResponse{Code: "not-found", Message: err.Error()}, http.StatusNotFound)
		return
	}
	zlog.Error(ctx).Err(err).Msg("failed to materialize set")
	writeError(w, &errorResponse{Code: "internal-server-error", Message: err.Error()}, http.StatusInternalServerError)
}

// splitDistRef parses "<dist>/<ref…>.<format>" into its three parts. The
// ref may itself contain slashes (branch/tag names with path separators),
// so only the first segment is taken as dist and only the trailing
// extension is stripped from the remainder.
func splitDistRef(path string) (dist, ref, format string, ok bool) {
	i := strings.Index(path, "/")
	if i < 0 {
		return "", "", "", false
	}
	dist, rest := path[:i], path[i+1:]
	if dist == "" || rest == "" {
		return "", "", "", false
	}
	switch {
	case strings.HasSuffix(rest, ".json"):
		format = "json"
		rest = strings.TrimSuffix(rest, ".json")
	case strings.HasSuffix(rest, ".yaml"):
		format = "yaml"
		rest = strings.TrimSuffix(rest, ".yaml")
	default:
		return "", "", "", false
	}
	if rest == "" {
		return "", "", "", false
	}
	return dist, rest, format, true
}
