package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const complaintColumns = `
		id::text,
		user_id::text,
		title,
		description,
		category,
		location,
		latitude,
		longitude,
		status,
		priority,
		media_url,
		assigned_to::text,
		zone_id::text,
		is_merged,
		merged_into_id::text,
		version,
		created_at,
		updated_at,
		resolved_at
`

const complaintSelect = `SELECT` + complaintColumns + `FROM complaints`

type rowScanner interface {
	Scan(dest ...any) error
}

// CandidateComplaint is a complaint paired with its distance to a reference point.
type CandidateComplaint struct {
	Complaint      Complaint
	DistanceMeters float64
}

func scanComplaint(scanner rowScanner) (Complaint, error) {
	var complaint Complaint
	var userID, location, mediaURL, assignedTo, zoneID, mergedInto sql.NullString
	var lat, lng sql.NullFloat64
	var createdAt, updatedAt time.Time
	var resolvedAt sql.NullTime
	if err := scanner.Scan(
		&complaint.ID,
		&userID,
		&complaint.Title,
		&complaint.Description,
		&complaint.Category,
		&location,
		&lat,
		&lng,
		&complaint.Status,
		&complaint.Priority,
		&mediaURL,
		&assignedTo,
		&zoneID,
		&complaint.IsMerged,
		&mergedInto,
		&complaint.Version,
		&createdAt,
		&updatedAt,
		&resolvedAt,
	); err != nil {
		return Complaint{}, err
	}
	complaint.UserID = nullStringPtr(userID)
	complaint.Location = nullStringPtr(location)
	complaint.MediaURL = nullStringPtr(mediaURL)
	complaint.AssignedTo = nullStringPtr(assignedTo)
	complaint.ZoneID = nullStringPtr(zoneID)
	complaint.MergedIntoID = nullStringPtr(mergedInto)
	if lat.Valid && lng.Valid {
		latVal, lngVal := lat.Float64, lng.Float64
		complaint.Latitude = &latVal
		complaint.Longitude = &lngVal
	}
	complaint.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	complaint.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	if resolvedAt.Valid {
		val := resolvedAt.Time.UTC().Format(time.RFC3339)
		complaint.ResolvedAt = &val
	}
	return complaint, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	val := value.String
	return &val
}

func scanComplaintRows(rows *sql.Rows) ([]Complaint, error) {
	defer rows.Close()
	complaints := make([]Complaint, 0)
	for rows.Next() {
		complaint, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		complaints = append(complaints, complaint)
	}
	return complaints, rows.Err()
}

// isValidID reports whether raw is a well-formed complaint/user/zone id.
func isValidID(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}

func (a *App) getComplaintByID(ctx context.Context, id string) (*Complaint, error) {
	if !isValidID(id) {
		return nil, errNotFound("Complaint not found: %s", id)
	}
	complaint, err := scanComplaint(a.db.QueryRowContext(ctx, complaintSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Complaint not found: %s", id)
		}
		return nil, err
	}
	return &complaint, nil
}

func (a *App) loadComplaint(ctx context.Context, id string) (*Complaint, error) {
	if a.adminGetComplaint != nil {
		return a.adminGetComplaint(ctx, id)
	}
	return a.getComplaintByID(ctx, id)
}

// findActiveComplaints lists merge-parent candidates: unmerged and not resolved, newest first.
func (a *App) findActiveComplaints(ctx context.Context) ([]Complaint, error) {
	rows, err := a.db.QueryContext(ctx, complaintSelect+`
		WHERE is_merged = FALSE AND status <> 'resolved'
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	return scanComplaintRows(rows)
}

// findWithinRadius returns every complaint with coordinates whose great-circle
// distance to (lat, lng) is at most radiusMeters. Status and merge flags are
// not filtered here.
func (a *App) findWithinRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]CandidateComplaint, error) {
	if radiusMeters <= 0 {
		return nil, errInvalidArgument("radius must be greater than 0, got %g", radiusMeters)
	}
	if !validCoordinates(lat, lng) {
		return nil, errInvalidArgument("coordinates out of range: %g, %g", lat, lng)
	}

	minLat, maxLat, minLng, maxLng := radiusBounds(lat, lng, radiusMeters)
	rows, err := a.db.QueryContext(ctx, complaintSelect+`
		WHERE latitude IS NOT NULL
			AND longitude IS NOT NULL
			AND latitude BETWEEN $1 AND $2
			AND `+longitudeFilter(minLng, maxLng)+`
	`, minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, err
	}
	complaints, err := scanComplaintRows(rows)
	if err != nil {
		return nil, err
	}

	matches := make([]CandidateComplaint, 0, len(complaints))
	for _, complaint := range complaints {
		if !complaint.HasLocation() {
			continue
		}
		distance := haversineMeters(lat, lng, *complaint.Latitude, *complaint.Longitude)
		if distance > radiusMeters {
			continue
		}
		matches = append(matches, CandidateComplaint{Complaint: complaint, DistanceMeters: distance})
	}
	return matches, nil
}

// listAbsorbingParents returns the subset of ids that other complaints were
// merged into.
func (a *App) listAbsorbingParents(ctx context.Context, ids []string) (map[string]struct{}, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT DISTINCT merged_into_id::text
		FROM complaints
		WHERE merged_into_id = ANY($1::text[]::uuid[])
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parents := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		parents[id] = struct{}{}
	}
	return parents, rows.Err()
}

func (a *App) listComplaintsByUser(ctx context.Context, userID string) ([]Complaint, error) {
	rows, err := a.db.QueryContext(ctx, complaintSelect+`
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanComplaintRows(rows)
}

// listStaffTasks returns the caller's open tasks followed by unclaimed assigned ones.
func (a *App) listStaffTasks(ctx context.Context, staffID string) ([]Complaint, []Complaint, error) {
	rows, err := a.db.QueryContext(ctx, complaintSelect+`
		WHERE assigned_to = $1 AND is_merged = FALSE AND status NOT IN ('resolved', 'rejected')
		ORDER BY created_at DESC
	`, staffID)
	if err != nil {
		return nil, nil, err
	}
	mine, err := scanComplaintRows(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = a.db.QueryContext(ctx, complaintSelect+`
		WHERE assigned_to IS NULL AND is_merged = FALSE AND status = 'assigned'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, nil, err
	}
	available, err := scanComplaintRows(rows)
	if err != nil {
		return nil, nil, err
	}
	return mine, available, nil
}

func validateComplaintCreatePayload(payload ComplaintCreatePayload) error {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		return errInvalidArgument("title is required")
	}
	if len([]rune(title)) > maxTitleLength {
		return errInvalidArgument("title must be at most %d characters", maxTitleLength)
	}
	if len([]rune(payload.Description)) > maxDescriptionLength {
		return errInvalidArgument("description must be at most %d characters", maxDescriptionLength)
	}
	if !containsString(complaintCategories, payload.Category) {
		return errInvalidArgument("unknown category: %s", payload.Category)
	}
	if !containsString(complaintPriorities, payload.Priority) {
		return errInvalidArgument("unknown priority: %s", payload.Priority)
	}
	if (payload.Latitude == nil) != (payload.Longitude == nil) {
		return errInvalidArgument("latitude and longitude must be provided together")
	}
	if payload.Latitude != nil && !validCoordinates(*payload.Latitude, *payload.Longitude) {
		return errInvalidArgument("coordinates out of range")
	}
	if payload.Latitude == nil && (payload.Location == nil || strings.TrimSpace(*payload.Location) == "") {
		return errInvalidArgument("either coordinates or a location description is required")
	}
	return nil
}

func (a *App) createComplaint(ctx context.Context, payload ComplaintCreatePayload) (*Complaint, error) {
	payload.Title = strings.TrimSpace(payload.Title)
	if payload.Category == "" {
		payload.Category = "other"
	}
	if payload.Priority == "" {
		payload.Priority = "medium"
	}
	if err := validateComplaintCreatePayload(payload); err != nil {
		return nil, err
	}

	var zoneID *string
	if payload.Latitude != nil {
		zone, err := a.resolveZoneForPoint(ctx, *payload.Latitude, *payload.Longitude)
		if err != nil {
			a.log.Warn("zone resolution failed", "err", err)
		} else if zone != nil {
			zoneID = &zone.ID
		}
		if payload.Location == nil && a.geocoder != nil {
			if result, err := a.geocoder.Geocode(ctx, *payload.Latitude, *payload.Longitude); err != nil {
				a.log.Warn("reverse geocoding failed", "err", err)
			} else if result != nil {
				label := result.Label()
				payload.Location = &label
			}
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	complaint, err := scanComplaint(tx.QueryRowContext(ctx, `
		INSERT INTO complaints (user_id, title, description, category, location, latitude, longitude, priority, media_url, zone_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING`+complaintColumns,
		payload.UserID, payload.Title, payload.Description, payload.Category, payload.Location,
		payload.Latitude, payload.Longitude, payload.Priority, payload.MediaURL, zoneID,
	))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := a.addEventTx(ctx, tx, complaint.ID, "created", payload.UserID, map[string]any{"category": complaint.Category}); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := a.creditPointsTx(ctx, tx, payload.UserID, complaintRewardPoints, "complaint_reported", &complaint.ID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &complaint, nil
}

func isAllowedTransition(from, to string) bool {
	return containsString(statusTransitions[from], to)
}

// updateComplaintStatus applies a regular lifecycle transition. Merges never go through here.
func (a *App) updateComplaintStatus(ctx context.Context, id, nextStatus string, actor User) (*Complaint, error) {
	if !containsString(complaintStatuses, nextStatus) {
		return nil, errInvalidArgument("invalid status: %s", nextStatus)
	}
	current, err := a.getComplaintByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsMerged {
		return nil, errAlreadyMerged("Complaint %s is merged and cannot change status", id)
	}
	if !isAllowedTransition(current.Status, nextStatus) {
		return nil, errInvalidArgument("Cannot transition from %s to %s", current.Status, nextStatus)
	}
	if actor.Role == roleStaff && (current.AssignedTo == nil || *current.AssignedTo != actor.ID) {
		return nil, errForbidden("Task is not assigned to you")
	}

	query := `
		UPDATE complaints
		SET status = $1,
			resolved_at = CASE WHEN $1 = 'resolved' THEN NOW() ELSE resolved_at END,
			assigned_to = CASE WHEN $1 = 'pending' THEN NULL ELSE assigned_to END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $2 AND version = $3 AND is_merged = FALSE
		RETURNING` + complaintColumns
	return a.applyComplaintUpdate(ctx, id, current.Version, "status_changed", actor.ID, map[string]any{"from": current.Status, "status": nextStatus}, query, nextStatus, id, current.Version)
}

func (a *App) assignComplaint(ctx context.Context, id, staffID string, actor User) (*Complaint, error) {
	staff, err := a.getUserByID(ctx, staffID)
	if err != nil {
		return nil, err
	}
	if staff == nil || staff.Role != roleStaff {
		return nil, errInvalidArgument("%s is not a staff member", staffID)
	}
	current, err := a.getComplaintByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsMerged {
		return nil, errAlreadyMerged("Complaint %s is merged and cannot be assigned", id)
	}
	if current.Status == statusResolved || current.Status == statusRejected {
		return nil, errInvalidArgument("Cannot assign a %s complaint", current.Status)
	}

	query := `
		UPDATE complaints
		SET assigned_to = $1,
			status = CASE WHEN status = 'pending' THEN 'assigned' ELSE status END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $2 AND version = $3 AND is_merged = FALSE
		RETURNING` + complaintColumns
	return a.applyComplaintUpdate(ctx, id, current.Version, "assigned", actor.ID, map[string]any{"staffId": staffID}, query, staffID, id, current.Version)
}

// claimComplaint lets a staff member take an unclaimed assigned task.
func (a *App) claimComplaint(ctx context.Context, id string, actor User) (*Complaint, error) {
	current, err := a.getComplaintByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsMerged {
		return nil, errAlreadyMerged("Complaint %s is merged", id)
	}
	if current.Status != statusAssigned {
		return nil, errConflict("Only assigned complaints can be claimed, this one is %s", current.Status)
	}
	if current.AssignedTo != nil {
		if *current.AssignedTo == actor.ID {
			return current, nil
		}
		return nil, errConflict("Complaint %s is already claimed", id)
	}

	query := `
		UPDATE complaints
		SET assigned_to = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3 AND assigned_to IS NULL AND is_merged = FALSE
		RETURNING` + complaintColumns
	return a.applyComplaintUpdate(ctx, id, current.Version, "claimed", actor.ID, map[string]any{}, query, actor.ID, id, current.Version)
}

// applyComplaintUpdate runs a version-guarded UPDATE ... RETURNING together with its audit event.
func (a *App) applyComplaintUpdate(ctx context.Context, id string, version int, eventType, actor string, metadata map[string]any, query string, args ...any) (*Complaint, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	updated, err := scanComplaint(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errConflict("Complaint %s changed since version %d, reload and retry", id, version)
		}
		return nil, err
	}
	if err := a.addEventTx(ctx, tx, id, eventType, actor, metadata); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

type ComplaintStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"inProgress"`
	Resolved   int `json:"resolved"`
	Rejected   int `json:"rejected"`
	Merged     int `json:"merged"`
}

func (a *App) complaintStats(ctx context.Context) (ComplaintStats, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT status, is_merged, COUNT(*)
		FROM complaints
		GROUP BY status, is_merged
	`)
	if err != nil {
		return ComplaintStats{}, err
	}
	defer rows.Close()

	var stats ComplaintStats
	for rows.Next() {
		var status string
		var merged bool
		var count int
		if err := rows.Scan(&status, &merged, &count); err != nil {
			return ComplaintStats{}, err
		}
		stats.Total += count
		if merged {
			stats.Merged += count
		}
		switch status {
		case statusPending:
			stats.Pending += count
		case statusAssigned:
			stats.Assigned += count
		case statusInProgress:
			stats.InProgress += count
		case statusResolved:
			stats.Resolved += count
		case statusRejected:
			stats.Rejected += count
		default:
			return ComplaintStats{}, fmt.Errorf("unexpected complaint status %q", status)
		}
	}
	return stats, rows.Err()
}
