package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Queue entry lifecycle. Entries are deleted once synced; failed entries are
// retained (capped) for operator inspection.
const (
	EntryPending = "pending"
	EntrySyncing = "syncing"
	EntrySynced  = "synced"
	EntryFailed  = "failed"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

type QueueEntry struct {
	ID         string          `db:"id"`
	CreatedAt  time.Time       `db:"created_at"`
	EntityType string          `db:"entity_type"`
	EntityID   string          `db:"entity_id"`
	Operation  string          `db:"operation"`
	TargetURL  string          `db:"target_url"`
	HTTPMethod string          `db:"http_method"`
	Headers    json.RawMessage `db:"headers"`
	Payload    json.RawMessage `db:"payload"`
	Status     string          `db:"status"`
	RetryCount int             `db:"retry_count"`
	LastError  sql.NullString  `db:"last_error"`
}

// Conflict resolution outcomes.
const (
	ResolutionUnresolved = "unresolved"
	ResolutionAWins      = "a_wins"
	ResolutionBWins      = "b_wins"
	ResolutionManual     = "manual"
)

// Conflict records a divergence between the two backing systems for one
// logical entity during the dual-write migration.
type Conflict struct {
	ID           string          `db:"id"`
	EntityType   string          `db:"entity_type"`
	EntityID     string          `db:"entity_id"`
	ConflictType string          `db:"conflict_type"`
	DetectedAt   time.Time       `db:"detected_at"`
	CandidateA   json.RawMessage `db:"candidate_a"`
	CandidateB   json.RawMessage `db:"candidate_b"`
	Resolution   string          `db:"resolution"`
}

type QueueCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// MigrationProgress summarizes the dual-write migration for the admin surface.
type MigrationProgress struct {
	TotalConflicts int `json:"totalConflicts"`
	Unresolved     int `json:"unresolved"`
	Resolved       int `json:"resolved"`
	QueuePending   int `json:"queuePending"`
	QueueFailed    int `json:"queueFailed"`
}
