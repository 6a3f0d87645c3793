package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mindshift-labs/mindpipe/internal/models"
)

// DetectDSNType classifies a DSN as "postgres", "redis", or "sqlite".
// File paths without a scheme are assumed to be SQLite databases.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	default:
		return "sqlite"
	}
}

// marshalResponses serializes the append-only response history for a
// JSON/TEXT column.
func marshalResponses(rs []models.StepResponse) (string, error) {
	if len(rs) == 0 {
		return "", nil
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("marshal user responses: %w", err)
	}
	return string(b), nil
}

// marshalMetadata serializes the free-form metadata map for a JSON/TEXT column.
func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// scanSession scans a SessionContext from a row produced by the shared
// session column list.
func scanSession(row interface{ Scan(...interface{}) error }) (*models.SessionContext, error) {
	var sc models.SessionContext
	var tenantID, responsesJSON, metadataJSON sql.NullString
	err := row.Scan(
		&sc.SessionID, &sc.UserID, &tenantID, &sc.Status, &sc.CurrentPhase, &sc.CurrentStep,
		&responsesJSON, &sc.StartTime, &sc.LastActivity,
		&sc.ScriptedResponses, &sc.AIResponses, &sc.AvgResponseMs, &sc.AITokens, &sc.AICost,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	sc.TenantID = tenantID.String
	if responsesJSON.String != "" {
		if err := json.Unmarshal([]byte(responsesJSON.String), &sc.UserResponses); err != nil {
			return nil, fmt.Errorf("unmarshal user responses: %w", err)
		}
	}
	if metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sc, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
