package main

import (
	"context"
	"database/sql"
	"time"
)

func (a *App) addEventTx(ctx context.Context, tx *sql.Tx, complaintID, eventType, actor string, metadata map[string]any) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO complaint_events (complaint_id, type, actor, metadata)
		VALUES ($1, $2, $3, $4)
	`, complaintID, eventType, actor, anyMapToJSON(metadata))
	return err
}

func (a *App) listEvents(ctx context.Context, complaintID string) ([]ComplaintEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, complaint_id::text, type, actor, metadata, created_at
		FROM complaint_events
		WHERE complaint_id = $1
		ORDER BY created_at ASC, id ASC
	`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]ComplaintEvent, 0)
	for rows.Next() {
		var event ComplaintEvent
		var metadataRaw []byte
		var createdAt time.Time
		if err := rows.Scan(&event.ID, &event.ComplaintID, &event.Type, &event.Actor, &metadataRaw, &createdAt); err != nil {
			return nil, err
		}
		event.Metadata = jsonToAnyMap(metadataRaw)
		event.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		events = append(events, event)
	}
	return events, rows.Err()
}
