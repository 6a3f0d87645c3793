// Package store provides storage backends for MindPipe.
//
// This file implements an SQLite-backed store for session contexts and
// interaction records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/mattn/go-sqlite3"
	"github.com/mindshift-labs/mindpipe/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions and interactions in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateSession inserts a new session row, rejecting duplicates.
func (s *SQLiteStore) CreateSession(ctx context.Context, sc models.SessionContext) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.SessionID, sc.UserID, nilIfEmpty(sc.TenantID), sc.Status, sc.CurrentPhase, sc.CurrentStep,
		nilIfEmpty(responsesJSON), sc.StartTime, sc.LastActivity,
		sc.ScriptedResponses, sc.AIResponses, sc.AvgResponseMs, sc.AITokens, sc.AICost, nilIfEmpty(metadataJSON))
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Debug("SQLiteStore CreateSession duplicate", "sessionID", sc.SessionID)
			return models.ErrDuplicateSession
		}
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sc.SessionID)
		return fmt.Errorf("failed to insert session %s: %w", sc.SessionID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sc.SessionID)
	return nil
}

// GetSession loads a session row, returning (nil, nil) when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, tenant_id, status, current_phase, current_step,
		user_responses, start_time, last_activity, scripted_responses, ai_responses, avg_response_time,
		ai_tokens, ai_cost, metadata
		FROM treatment_sessions WHERE session_id = ?`, sessionID)
	sc, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return sc, nil
}

// SaveSession overwrites the session row, last writer wins.
func (s *SQLiteStore) SaveSession(ctx context.Context, sc models.SessionContext) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id, tenant_id = excluded.tenant_id, status = excluded.status,
			current_phase = excluded.current_phase, current_step = excluded.current_step,
			user_responses = excluded.user_responses, last_activity = excluded.last_activity,
			scripted_responses = excluded.scripted_responses, ai_responses = excluded.ai_responses,
			avg_response_time = excluded.avg_response_time, ai_tokens = excluded.ai_tokens,
			ai_cost = excluded.ai_cost, metadata = excluded.metadata`,
		sc.SessionID, sc.UserID, nilIfEmpty(sc.TenantID), sc.Status, sc.CurrentPhase, sc.CurrentStep,
		nilIfEmpty(responsesJSON), sc.StartTime, sc.LastActivity,
		sc.ScriptedResponses, sc.AIResponses, sc.AvgResponseMs, sc.AITokens, sc.AICost, nilIfEmpty(metadataJSON))
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", sc.SessionID)
		return fmt.Errorf("failed to save session %s: %w", sc.SessionID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", sc.SessionID)
	return nil
}

// ExpireSessions marks active sessions idle since before the cutoff as expired.
func (s *SQLiteStore) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE treatment_sessions SET status = ?
		WHERE status = ? AND last_activity < ?`,
		models.SessionStatusExpired, models.SessionStatusActive, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ExpireSessions failed", "error", err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired sessions: %w", err)
	}
	return int(n), nil
}

// AddInteraction appends an interaction record.
func (s *SQLiteStore) AddInteraction(ctx context.Context, in models.Interaction) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO treatment_interactions
		(id, session_id, step_id, user_input, response, used_ai, response_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.StepID, in.UserInput, in.Response, in.UsedAI, in.ResponseMs, in.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddInteraction failed", "error", err, "sessionID", in.SessionID)
		return fmt.Errorf("failed to insert interaction for %s: %w", in.SessionID, err)
	}
	return nil
}

// ListInteractions returns a session's interactions ordered by creation time.
func (s *SQLiteStore) ListInteractions(ctx context.Context, sessionID string) ([]models.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, step_id, user_input, response, used_ai, response_ms, created_at
		FROM treatment_interactions WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ListInteractions query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var interactions []models.Interaction
	for rows.Next() {
		var in models.Interaction
		if err := rows.Scan(&in.ID, &in.SessionID, &in.StepID, &in.UserInput, &in.Response, &in.UsedAI, &in.ResponseMs, &in.CreatedAt); err != nil {
			slog.Error("SQLiteStore ListInteractions scan failed", "error", err)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
