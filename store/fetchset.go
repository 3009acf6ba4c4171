package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

const fetchSetQuery = `
SELECT rs.name, rs.type, rs.url, rs.version, rs.packages_json, rs.metadata_json, rs.id
FROM sets s
JOIN set_repo_states srs ON srs.set_id = s.id
JOIN repo_states rs ON rs.id = srs.repo_state_id
WHERE s.dist = ? AND s.ref = ?
ORDER BY rs.name ASC
`

// FetchSet returns the repositories composing the stored (dist, ref) set,
// ordered by name, or a [distrocache.ErrNotFound] error if no such set has
// been persisted yet (spec §4.2).
func (s *Store) FetchSet(ctx context.Context, dist, ref string) ([]*distrocache.Repository, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "store.Store.FetchSet", "dist", dist, "ref", ref)
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	// Confirm the set row itself exists, so that a distribution with zero
	// repositories is distinguishable from "never resolved".
	var setID int64
	err = db.QueryRowContext(ctx, `SELECT id FROM sets WHERE dist = ? AND ref = ?`, dist, ref).Scan(&setID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		storeOps.WithLabelValues("fetch_set", "miss").Inc()
		return nil, &distrocache.Error{Kind: distrocache.ErrNotFound, Op: "Store.FetchSet", Message: fmt.Sprintf("no set for (%s, %s)", dist, ref)}
	case err != nil:
		storeOps.WithLabelValues("fetch_set", "error").Inc()
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchSet", Inner: err}
	}

	rows, err := db.QueryContext(ctx, fetchSetQuery, dist, ref)
	if err != nil {
		storeOps.WithLabelValues("fetch_set", "error").Inc()
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchSet", Inner: err}
	}
	defer rows.Close()

	var out []*distrocache.Repository
	for rows.Next() {
		var (
			name, typ, url, version, packagesJSON, metadataJSON string
			id                                                  int64
		)
		if err := rows.Scan(&name, &typ, &url, &version, &packagesJSON, &metadataJSON, &id); err != nil {
			return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchSet", Inner: err}
		}
		r := distrocache.NewRepository(name, typ, url, version)
		var pkgs []*distrocache.Package
		if err := json.Unmarshal([]byte(packagesJSON), &pkgs); err != nil {
			return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchSet", Inner: err}
		}
		r.SetPackages(pkgs)
		var md map[string]any
		if err := json.Unmarshal([]byte(metadataJSON), &md); err != nil {
			return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchSet", Inner: err}
		}
		for k, v := range md {
			r.SetMetadata(k, v)
		}
		r.SetMetadata("repo_state_id", id)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchSet", Inner: err}
	}
	storeOps.WithLabelValues("fetch_set", "hit").Inc()
	return out, nil
}
