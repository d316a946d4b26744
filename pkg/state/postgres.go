package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/openfleet/maestro/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists sessions, plans, and events in Postgres via a
// pgx connection pool. Schema is managed by embedded migrations applied at
// startup.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PostgresOptions configures the store.
type PostgresOptions struct {
	URL      string
	MaxConns int32
	MinConns int32
	Logger   *slog.Logger
}

// NewPostgresStore connects, pings, and migrates.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(opts.URL); err != nil {
		pool.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "state")}, nil
}

// runMigrations applies embedded migrations over a dedicated database/sql
// connection. The migrate instance is not closed: closing it would tear
// down the source driver shared state, and the sql.DB close suffices.
func runMigrations(url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool for components that need raw access,
// such as the event publisher and notify listener.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// LoadState implements Store.
func (s *PostgresStore) LoadState(ctx context.Context, sessionID string) (*models.SessionState, error) {
	var (
		st         models.SessionState
		answersRaw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, todolist_id, mission, answers, pending_question, version, updated_at
		FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&st.SessionID, &st.TodoListID, &st.Mission, &answersRaw,
			&st.PendingQuestion, &st.Version, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %q: %w", sessionID, err)
	}
	if err := json.Unmarshal(answersRaw, &st.Answers); err != nil {
		return nil, fmt.Errorf("decoding answers for session %q: %w", sessionID, err)
	}
	return &st, nil
}

// SaveState implements Store. Version 0 inserts; otherwise the update only
// lands when the stored version matches, which rejects lost updates.
func (s *PostgresStore) SaveState(ctx context.Context, state *models.SessionState) error {
	answers, err := json.Marshal(state.Answers)
	if err != nil {
		return fmt.Errorf("encoding answers: %w", err)
	}
	if state.Answers == nil {
		answers = []byte("{}")
	}

	now := time.Now()
	if state.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO sessions (session_id, todolist_id, mission, answers, pending_question, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6)
			ON CONFLICT (session_id) DO NOTHING`,
			state.SessionID, state.TodoListID, state.Mission, answers, state.PendingQuestion, now)
		if err != nil {
			return fmt.Errorf("inserting session %q: %w", state.SessionID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	} else {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions
			SET todolist_id = $2, mission = $3, answers = $4, pending_question = $5,
			    version = version + 1, updated_at = $6
			WHERE session_id = $1 AND version = $7`,
			state.SessionID, state.TodoListID, state.Mission, answers,
			state.PendingQuestion, now, state.Version)
		if err != nil {
			return fmt.Errorf("updating session %q: %w", state.SessionID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	}

	state.Version++
	state.UpdatedAt = now
	return nil
}

// ListStates implements Store.
func (s *PostgresStore) ListStates(ctx context.Context) ([]*models.SessionState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, todolist_id, mission, answers, pending_question, version, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionState
	for rows.Next() {
		var (
			st         models.SessionState
			answersRaw []byte
		)
		if err := rows.Scan(&st.SessionID, &st.TodoListID, &st.Mission, &answersRaw,
			&st.PendingQuestion, &st.Version, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if err := json.Unmarshal(answersRaw, &st.Answers); err != nil {
			return nil, fmt.Errorf("decoding answers: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// DeleteState implements Store. Plans and events go with the session.
func (s *PostgresStore) DeleteState(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting delete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session %q: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM todolists WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting plans for %q: %w", sessionID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting events for %q: %w", sessionID, err)
	}
	return tx.Commit(ctx)
}

// Cleanup implements Store.
func (s *PostgresStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting cleanup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM todolists WHERE session_id IN
		  (SELECT session_id FROM sessions WHERE updated_at < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleaning up plans: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM events WHERE session_id IN
		  (SELECT session_id FROM sessions WHERE updated_at < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleaning up events: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	if tag.RowsAffected() > 0 {
		s.logger.Info("session cleanup completed", "removed", tag.RowsAffected(), "cutoff", cutoff)
	}
	return tag.RowsAffected(), nil
}

// SavePlan implements Store. The plan document is stored whole as JSONB.
func (s *PostgresStore) SavePlan(ctx context.Context, plan *models.TodoList) error {
	plan.UpdatedAt = time.Now()
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding plan %q: %w", plan.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO todolists (id, session_id, doc, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.SessionID, doc, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving plan %q: %w", plan.ID, err)
	}
	return nil
}

// LoadPlan implements Store.
func (s *PostgresStore) LoadPlan(ctx context.Context, planID string) (*models.TodoList, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM todolists WHERE id = $1`, planID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading plan %q: %w", planID, err)
	}
	var plan models.TodoList
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, fmt.Errorf("decoding plan %q: %w", planID, err)
	}
	return &plan, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
