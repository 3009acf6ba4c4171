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

// FetchRepoState populates desc's Packages and Metadata from the stored row
// matching desc's identity, or returns [distrocache.ErrNotFound]. desc's
// identity fields (Name, Type, URL, Version) must already be set; it is a
// programming error otherwise (spec §3, "Identity").
func (s *Store) FetchRepoState(ctx context.Context, desc *distrocache.Repository) error {
	id, err := desc.Identity()
	if err != nil {
		return err
	}
	ctx = zlog.ContextWithValues(ctx, "component", "store.Store.FetchRepoState", "identity", id.String())
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	var (
		rowID                      int64
		packagesJSON, metadataJSON string
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, packages_json, metadata_json FROM repo_states
		WHERE name = ? AND type = ? AND url = ? AND version = ?
	`, id.Name, id.Type, id.URL, id.Version).Scan(&rowID, &packagesJSON, &metadataJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		storeOps.WithLabelValues("fetch_repo_state", "miss").Inc()
		return &distrocache.Error{Kind: distrocache.ErrNotFound, Op: "Store.FetchRepoState", Message: fmt.Sprintf("no repo state for %s", id)}
	case err != nil:
		storeOps.WithLabelValues("fetch_repo_state", "error").Inc()
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchRepoState", Inner: err}
	}

	var pkgs []*distrocache.Package
	if err := json.Unmarshal([]byte(packagesJSON), &pkgs); err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchRepoState", Inner: err}
	}
	desc.SetPackages(pkgs)

	var md map[string]any
	if err := json.Unmarshal([]byte(metadataJSON), &md); err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.FetchRepoState", Inner: err}
	}
	for k, v := range md {
		desc.SetMetadata(k, v)
	}
	desc.SetMetadata("repo_state_id", rowID)

	storeOps.WithLabelValues("fetch_repo_state", "hit").Inc()
	return nil
}
