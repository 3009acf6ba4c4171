package store

import (
	"context"
	"strings"

	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

// InsertRepoState inserts a new repo_states row for desc's identity and
// current Packages/Metadata. On success, the newly assigned row id is
// written into desc's metadata under "repo_state_id".
//
// If the identity already exists this returns a [distrocache.ErrConflict]
// error (spec's UniqueViolation): that should never happen once the
// Coalescer is correctly interposed in front of every caller, so treat it as
// a programming/coordination error rather than a recoverable signal.
func (s *Store) InsertRepoState(ctx context.Context, desc *distrocache.Repository) error {
	id, err := desc.Identity()
	if err != nil {
		return err
	}
	ctx = zlog.ContextWithValues(ctx, "component", "store.Store.InsertRepoState", "identity", id.String())
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	packagesJSON, err := marshalPackages(desc.Packages())
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertRepoState", Inner: err}
	}
	metadataJSON, err := marshalMetadata(desc.MetadataKeys())
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertRepoState", Inner: err}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO repo_states (name, type, url, version, packages_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.Name, id.Type, id.URL, id.Version, packagesJSON, metadataJSON)
	if err != nil {
		if isUniqueViolation(err) {
			storeOps.WithLabelValues("insert_repo_state", "conflict").Inc()
			return &distrocache.Error{Kind: distrocache.ErrConflict, Op: "Store.InsertRepoState", Message: "repo state already exists for " + id.String(), Inner: err}
		}
		storeOps.WithLabelValues("insert_repo_state", "error").Inc()
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertRepoState", Inner: err}
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertRepoState", Inner: err}
	}
	desc.SetMetadata("repo_state_id", rowID)
	storeOps.WithLabelValues("insert_repo_state", "ok").Inc()
	return nil
}

// isUniqueViolation reports whether err looks like a SQLite UNIQUE
// constraint failure. modernc.org/sqlite surfaces these as plain errors
// whose message names the constraint, so string matching is the only
// portable signal short of a type assertion on the driver's internal error
// type.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
