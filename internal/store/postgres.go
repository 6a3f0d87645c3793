// Package store provides storage backends for MindPipe.
//
// This file implements a PostgreSQL-backed store for session contexts
// and interaction records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"
	"github.com/mindshift-labs/mindpipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions and interactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// CreateSession inserts a new session row, rejecting duplicates.
func (s *PostgresStore) CreateSession(ctx context.Context, sc models.SessionContext) error {
	responsesJSON, err := marshalResponses(sc.UserResponses)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(sc.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO treatment_sessions
		(session_id, user_id, tenant_id, status, current_phase, current_step, user_responses,
		 start_time, last_activity, scripted_responses, ai_responses, avg_response_time, ai_tokens, ai_cost, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sc.SessionID, sc.UserID, nilIfEmpty(sc.TenantID), sc.Status, sc.CurrentPhase, sc.CurrentStep,
		nilIfEmpty(responsesJSON), sc.StartTime, sc.LastActivity,
		sc.ScriptedResponses, sc.AIResponses, sc.AvgResponseMs, sc.AITokens, sc.AICost, nilIfEmpty(metadataJSON))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			slog.Debug("PostgresStore CreateSession duplicate", "sessionID", sc.SessionID)
			return models.ErrDuplicateSession
		}
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sc.SessionID)
		return fmt.Errorf("failed to insert session %s: %w", sc.SessionID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", sc.SessionID)
	return nil
}

// GetSession loads a session row, returning (nil, nil) when absent.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, tenant_id, status, current_phase, current_step,
		user_responses, start_time, last_activity, scripted_responses, ai_responses, avg_response_time,
		ai_tokens, ai_cost, metadata
		FROM treatment_sessions WHERE session_id = $1`, sessionID)
	sc, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return sc, nil
}

// SaveSession overwrites the session row, last writer wins.
func (s *PostgresStore) SaveSession(ctx context.Context, sc models.SessionContext) error {
	responsesJSON, err := marshalResponses(sc.UserResponses)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(sc.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO treatment_sessions
		(session_id, user_id, tenant_id, status, current_phase, current_step, user_responses,
		 start_time, last_activity, scripted_responses, ai_responses, avg_response_time, ai_tokens, ai_cost, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id, tenant_id = EXCLUDED.tenant_id, status = EXCLUDED.status,
			current_phase = EXCLUDED.current_phase, current_step = EXCLUDED.current_step,
			user_responses = EXCLUDED.user_responses, last_activity = EXCLUDED.last_activity,
			scripted_responses = EXCLUDED.scripted_responses, ai_responses = EXCLUDED.ai_responses,
			avg_response_time = EXCLUDED.avg_response_time, ai_tokens = EXCLUDED.ai_tokens,
			ai_cost = EXCLUDED.ai_cost, metadata = EXCLUDED.metadata`,
		sc.SessionID, sc.UserID, nilIfEmpty(sc.TenantID), sc.Status, sc.CurrentPhase, sc.CurrentStep,
		nilIfEmpty(responsesJSON), sc.StartTime, sc.LastActivity,
		sc.ScriptedResponses, sc.AIResponses, sc.AvgResponseMs, sc.AITokens, sc.AICost, nilIfEmpty(metadataJSON))
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", sc.SessionID)
		return fmt.Errorf("failed to save session %s: %w", sc.SessionID, err)
	}
	return nil
}

// ExpireSessions marks active sessions idle since before the cutoff as expired.
func (s *PostgresStore) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE treatment_sessions SET status = $1
		WHERE status = $2 AND last_activity < $3`,
		models.SessionStatusExpired, models.SessionStatusActive, cutoff)
	if err != nil {
		slog.Error("PostgresStore ExpireSessions failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired sessions: %w", err)
	}
	return int(n), nil
}

// AddInteraction appends an interaction record.
func (s *PostgresStore) AddInteraction(ctx context.Context, in models.Interaction) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO treatment_interactions
		(id, session_id, step_id, user_input, response, used_ai, response_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, in.SessionID, in.StepID, in.UserInput, in.Response, in.UsedAI, in.ResponseMs, in.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddInteraction failed", "error", err, "sessionID", in.SessionID)
		return fmt.Errorf("failed to insert interaction for %s: %w", in.SessionID, err)
	}
	return nil
}

// ListInteractions returns a session's interactions ordered by creation time.
func (s *PostgresStore) ListInteractions(ctx context.Context, sessionID string) ([]models.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, step_id, user_input, response, used_ai, response_ms, created_at
		FROM treatment_interactions WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		slog.Error("PostgresStore ListInteractions query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var interactions []models.Interaction
	for rows.Next() {
		var in models.Interaction
		if err := rows.Scan(&in.ID, &in.SessionID, &in.StepID, &in.UserInput, &in.Response, &in.UsedAI, &in.ResponseMs, &in.CreatedAt); err != nil {
			slog.Error("PostgresStore ListInteractions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan interaction row: %w", err)
		}
		interactions = append(interactions, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interaction rows: %w", err)
	}
	return interactions, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
