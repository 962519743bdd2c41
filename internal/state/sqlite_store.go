package state

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opencadc/librarian/internal/errors"
)

// Store persists BuildState rows in SQLite.
// Use ":memory:" for an in-memory database, or a file path for persistence.
type Store struct {
	db *sql.DB
}

// NewStore opens (and initializes) the build state database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection sidesteps SQLite write contention; throughput
	// here is one row per publication.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_state (
		name TEXT PRIMARY KEY,
		last_ref TEXT NOT NULL,
		last_commit TEXT NOT NULL,
		built_at INTEGER NOT NULL,
		digests TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the current build state for a manifest, or nil when the
// manifest has never been built.
func (s *Store) Get(ctx context.Context, name string) (*BuildState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, last_ref, last_commit, built_at, digests, version FROM build_state WHERE name = ?",
		name,
	)

	var st BuildState
	var builtAt int64
	var digestsJSON []byte
	err := row.Scan(&st.Name, &st.LastRef, &st.LastCommit, &builtAt, &digestsJSON, &st.Version)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query build state: %w", err)
	}
	st.BuiltAt = time.Unix(builtAt, 0).UTC()
	if err := json.Unmarshal(digestsJSON, &st.Digests); err != nil {
		return nil, fmt.Errorf("unmarshal digests: %w", err)
	}
	return &st, nil
}

// CompareAndSwap advances the build state for next.Name. prior is the state
// the caller read before building (nil for a first build). A losing writer
// gets a conflict error and must re-run rather than overwrite.
func (s *Store) CompareAndSwap(ctx context.Context, prior *BuildState, next BuildState) error {
	digestsJSON, err := json.Marshal(next.Digests)
	if err != nil {
		return fmt.Errorf("marshal digests: %w", err)
	}
	builtAt := next.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now().UTC()
	}

	var res sql.Result
	if prior == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO build_state (name, last_ref, last_commit, built_at, digests, version)
			 VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT(name) DO NOTHING`,
			next.Name, next.LastRef, next.LastCommit, builtAt.Unix(), digestsJSON,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE build_state
			 SET last_ref = ?, last_commit = ?, built_at = ?, digests = ?, version = version + 1
			 WHERE name = ? AND version = ?`,
			next.LastRef, next.LastCommit, builtAt.Unix(), digestsJSON, next.Name, prior.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("write build state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return errors.ConcurrentUpdateConflict(next.Name)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
