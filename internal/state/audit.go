// ./internal/state/audit.go
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/commitlabs/clm/internal/types"
)

// AuditRecorder writes engine events to the audit_events journal. It is the
// Recorder implementation wired into all three engines when a database is
// configured; with no database it drops events silently so the engines run
// unchanged in memory-only deployments.
type AuditRecorder struct{}

// NewAuditRecorder returns a recorder backed by the global DB pool.
func NewAuditRecorder() *AuditRecorder {
	return &AuditRecorder{}
}

// RecordEvent appends one event row to the journal.
func (r *AuditRecorder) RecordEvent(event types.Event) error {
	if DB == nil {
		return nil
	}

	attributesJSON, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal event attributes: %w", err)
	}

	var commitmentID sql.NullInt64
	if event.CommitmentID != 0 {
		commitmentID = sql.NullInt64{Int64: int64(event.CommitmentID), Valid: true}
	}

	query := `
		INSERT INTO audit_events (event_timestamp, kind, commitment_id, actor, attributes)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err = DB.Exec(query, event.Timestamp, string(event.Kind), commitmentID, string(event.Actor), attributesJSON)
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// ListRecentEvents returns the newest events, most recent first. A zero
// commitmentID returns events across all commitments.
func ListRecentEvents(commitmentID types.CommitmentID, limit int) ([]types.Event, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT event_timestamp, kind, COALESCE(commitment_id, 0), COALESCE(actor, ''), attributes
		FROM audit_events
		WHERE ($1 = 0 OR commitment_id = $1)
		ORDER BY event_timestamp DESC
		LIMIT $2;
	`
	rows, err := DB.Query(query, int64(commitmentID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			ts         time.Time
			kind       string
			cid        int64
			actor      string
			attributes []byte
		)
		if err := rows.Scan(&ts, &kind, &cid, &actor, &attributes); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event := types.Event{
			Kind:         types.EventKind(kind),
			CommitmentID: types.CommitmentID(cid),
			Actor:        types.Address(actor),
			Timestamp:    ts,
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &event.Attributes); err != nil {
				log.Warn().Err(err).Msg("Failed to decode audit event attributes")
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
