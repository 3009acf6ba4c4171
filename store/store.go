// Package store implements distrocache's durable mapping from repository
// identity to descriptor list, and from snapshot identity to the set of
// repository identities that compose it (spec §3, §4.2).
//
// It is backed by a single SQLite file, opened through the pure-Go
// modernc.org/sqlite driver the way quay/claircore's rpm/sqlite package
// opens its RPM databases. SQLite has no notion of concurrent writer
// transactions, so every operation here is serialized through one
// *sql.DB handle guarded by a mutex; an idle timer closes the handle after
// a sustained idle period and reopens it lazily on next use, per spec §4.2.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"
	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/colcon-tools/distrocache"
)

//go:embed migrations/*.sql
var migrations embed.FS

// IdleTimeout is the duration of inactivity after which a Store closes its
// underlying connection. It reopens lazily on next use. Spec §4.2 names 60s.
const IdleTimeout = 60 * time.Second

// Store is a durable, mutex-serialized mapping from repository identity to
// descriptor list and from (dist, ref) to a set of repository identities.
//
// A Store must be constructed with [Open]; the zero Store is not usable.
type Store struct {
	dsn string

	mu     sync.Mutex
	db     *sql.DB
	timer  *time.Timer
	closed bool // explicitly Close()d; do not reopen

	idleTimeout time.Duration
}

// Open opens (creating if necessary) the SQLite database at path and runs
// every embedded schema migration not yet recorded in the database
// synchronously before returning, so a freshly created file gets the full
// schema before it accepts operations. The handle opened here becomes the
// Store's live connection.
func Open(ctx context.Context, path string) (*Store, error) {
	u := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {"foreign_keys(1)", "busy_timeout(5000)"},
		}.Encode(),
	}
	s := &Store{dsn: u.String(), idleTimeout: IdleTimeout}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("distrocache/store: running migrations: %w", err)
	}
	s.mu.Lock()
	s.db = db
	s.resetTimerLocked()
	s.mu.Unlock()
	return s, nil
}

// Close releases the Store's held connection, if any. After Close, the
// Store must not be used again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the live *sql.DB, opening a fresh connection if the previous
// one was closed by the idle timer. It takes s.mu itself; callers must not
// hold it.
func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("distrocache/store: use of closed Store")
	}
	if s.db != nil {
		s.resetTimerLocked()
		return s.db, nil
	}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.resetTimerLocked()
	return db, nil
}

// open creates a fresh connection to the configured DSN. It does not touch
// s's fields; callers assign the result.
func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("distrocache/store: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite has no concurrent writer transactions
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("distrocache/store: opening sqlite: %w", err)
	}
	return db, nil
}

// resetTimerLocked (re)arms the idle-close timer. Callers must hold s.mu.
func (s *Store) resetTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.idleTimeout, s.closeIdle)
}

func (s *Store) closeIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || s.closed {
		return
	}
	zlog.Debug(context.Background()).
		Str("component", "store.Store.closeIdle").
		Msg("closing idle sqlite connection")
	s.db.Close()
	s.db = nil
	storeIdleCloses.Inc()
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if ok, _ := path.Match("*.sql", e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY)`); err != nil {
		return err
	}
	for _, n := range names {
		var seen int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, n).Scan(&seen); err != nil {
			return err
		}
		if seen > 0 {
			continue
		}
		b, err := migrations.ReadFile(path.Join("migrations", n))
		if err != nil {
			return err
		}
		zlog.Debug(ctx).Str("migration", n).Msg("applying migration")
		if _, err := tx.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// repoStateRow is the persisted shape of a repository's metadata/packages,
// mirroring the JSON columns described in spec §3.2.
type repoStateRow struct {
	id       int64
	metadata map[string]any
	packages []*distrocache.Package
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalPackages(pkgs []*distrocache.Package) (string, error) {
	b, err := json.Marshal(distrocache.SortPackages(append([]*distrocache.Package(nil), pkgs...)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var (
	storeIdleCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "distrocache",
		Subsystem: "store",
		Name:      "idle_closes_total",
		Help:      "Number of times the store closed its connection after the idle timeout.",
	})
	storeOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrocache",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Store operations, by name and result.",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(storeIdleCloses, storeOps)
}
