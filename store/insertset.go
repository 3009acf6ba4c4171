package store

import (
	"context"

	"github.com/quay/zlog"

	"github.com/colcon-tools/distrocache"
)

// InsertSet inserts the set row (dist, ref) and its many-to-many children
// in a single transaction (spec §4.2, §3.2). repoStateIDs must already
// exist as repo_states rows (the engine obtains them from a prior
// InsertRepoState or FetchRepoState call).
func (s *Store) InsertSet(ctx context.Context, dist, ref string, repoStateIDs []int64) error {
	ctx = zlog.ContextWithValues(ctx, "component", "store.Store.InsertSet", "dist", dist, "ref", ref)
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertSet", Inner: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sets (dist, ref, last_updated) VALUES (?, ?, CURRENT_TIMESTAMP)
	`, dist, ref)
	if err != nil {
		if isUniqueViolation(err) {
			storeOps.WithLabelValues("insert_set", "conflict").Inc()
			return &distrocache.Error{Kind: distrocache.ErrConflict, Op: "Store.InsertSet", Message: "set already exists for (" + dist + ", " + ref + ")", Inner: err}
		}
		storeOps.WithLabelValues("insert_set", "error").Inc()
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertSet", Inner: err}
	}
	setID, err := res.LastInsertId()
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertSet", Inner: err}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO set_repo_states (set_id, repo_state_id) VALUES (?, ?)`)
	if err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertSet", Inner: err}
	}
	defer stmt.Close()
	for _, rid := range repoStateIDs {
		if _, err := stmt.ExecContext(ctx, setID, rid); err != nil {
			storeOps.WithLabelValues("insert_set", "error").Inc()
			return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertSet", Inner: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "Store.InsertSet", Inner: err}
	}
	storeOps.WithLabelValues("insert_set", "ok").Inc()
	return nil
}
