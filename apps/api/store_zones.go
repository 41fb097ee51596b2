package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

const maxZoneNameLength = 100

type Zone struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   *string         `json:"description"`
	Boundaries    json.RawMessage `json:"boundaries"`
	AssignedStaff []string        `json:"assignedStaff"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
}

type ZonePayload struct {
	Name          string          `json:"name"`
	Description   *string         `json:"description"`
	Boundaries    json.RawMessage `json:"boundaries"`
	AssignedStaff []string        `json:"assignedStaff"`
}

type indexedZone struct {
	zone     Zone
	boundary orb.Geometry
}

// zoneIndex caches parsed zone boundaries in name order. Any zone write
// invalidates it.
// zoneIndex caches parsed zone boundaries. generation changes on every
// invalidate so a load that started before a zone write cannot store its
// stale result afterwards.
type zoneIndex struct {
	mu         sync.RWMutex
	loaded     bool
	generation uint64
	zones      []indexedZone
}

func (z *zoneIndex) invalidate() {
	z.mu.Lock()
	z.loaded = false
	z.zones = nil
	z.generation++
	z.mu.Unlock()
}

func (z *zoneIndex) snapshot() ([]indexedZone, uint64, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.zones, z.generation, z.loaded
}

// store keeps zones only if no invalidate happened since the snapshot that
// returned generation.
func (z *zoneIndex) store(zones []indexedZone, generation uint64) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.generation != generation {
		return false
	}
	z.zones = zones
	z.loaded = true
	return true
}

const zoneColumns = `id::text, name, description, boundaries, assigned_staff, created_at, updated_at`

func scanZone(scanner rowScanner) (Zone, error) {
	var zone Zone
	var description sql.NullString
	var boundaries, staff []byte
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&zone.ID, &zone.Name, &description, &boundaries, &staff, &createdAt, &updatedAt); err != nil {
		return Zone{}, err
	}
	zone.Description = nullStringPtr(description)
	if len(boundaries) > 0 {
		zone.Boundaries = json.RawMessage(boundaries)
	}
	zone.AssignedStaff = []string{}
	if len(staff) > 0 {
		if err := json.Unmarshal(staff, &zone.AssignedStaff); err != nil {
			return Zone{}, err
		}
	}
	zone.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	zone.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return zone, nil
}

func validateZonePayload(payload ZonePayload) (ZonePayload, error) {
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		return payload, errInvalidArgument("name is required")
	}
	if len([]rune(payload.Name)) > maxZoneNameLength {
		return payload, errInvalidArgument("name must be at most %d characters", maxZoneNameLength)
	}
	if _, err := parseZoneBoundary(payload.Boundaries); err != nil {
		return payload, errInvalidArgument("%s", err.Error())
	}
	seen := map[string]struct{}{}
	staff := make([]string, 0, len(payload.AssignedStaff))
	for _, id := range payload.AssignedStaff {
		id = strings.TrimSpace(id)
		if !isValidID(id) {
			return payload, errInvalidArgument("assignedStaff contains an invalid id: %q", id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		staff = append(staff, id)
	}
	payload.AssignedStaff = staff
	return payload, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

func (a *App) listZones(ctx context.Context) ([]Zone, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+zoneColumns+` FROM zones ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	zones := []Zone{}
	for rows.Next() {
		zone, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, zone)
	}
	return zones, rows.Err()
}

func (a *App) adminListZones(ctx context.Context) ([]Zone, error) {
	if a.adminListZonesFn != nil {
		return a.adminListZonesFn(ctx)
	}
	return a.listZones(ctx)
}

func (a *App) createZone(ctx context.Context, payload ZonePayload) (*Zone, error) {
	payload, err := validateZonePayload(payload)
	if err != nil {
		return nil, err
	}
	staff, _ := json.Marshal(payload.AssignedStaff)
	zone, err := scanZone(a.db.QueryRowContext(ctx, `
		INSERT INTO zones (name, description, boundaries, assigned_staff)
		VALUES ($1, $2, $3, $4)
		RETURNING `+zoneColumns,
		payload.Name, payload.Description, nullableJSON(payload.Boundaries), staff,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errConflict("A zone named %q already exists", payload.Name)
		}
		return nil, err
	}
	a.zoneIndex.invalidate()
	return &zone, nil
}

func (a *App) updateZone(ctx context.Context, id string, payload ZonePayload) (*Zone, error) {
	if !isValidID(id) {
		return nil, errNotFound("Zone not found: %s", id)
	}
	payload, err := validateZonePayload(payload)
	if err != nil {
		return nil, err
	}
	staff, _ := json.Marshal(payload.AssignedStaff)
	zone, err := scanZone(a.db.QueryRowContext(ctx, `
		UPDATE zones
		SET name = $1, description = $2, boundaries = $3, assigned_staff = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING `+zoneColumns,
		payload.Name, payload.Description, nullableJSON(payload.Boundaries), staff, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Zone not found: %s", id)
		}
		if isUniqueViolation(err) {
			return nil, errConflict("A zone named %q already exists", payload.Name)
		}
		return nil, err
	}
	a.zoneIndex.invalidate()
	return &zone, nil
}

func (a *App) deleteZone(ctx context.Context, id string) error {
	if !isValidID(id) {
		return errNotFound("Zone not found: %s", id)
	}
	res, err := a.db.ExecContext(ctx, `DELETE FROM zones WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errNotFound("Zone not found: %s", id)
	}
	a.zoneIndex.invalidate()
	return nil
}

func (a *App) loadZoneIndex(ctx context.Context) ([]indexedZone, error) {
	zones, generation, ok := a.zoneIndex.snapshot()
	if ok {
		return zones, nil
	}
	rows, err := a.listZones(ctx)
	if err != nil {
		return nil, err
	}
	indexed := make([]indexedZone, 0, len(rows))
	for _, zone := range rows {
		boundary, err := parseZoneBoundary(zone.Boundaries)
		if err != nil {
			a.log.Warn("skipping zone with unreadable boundaries", "zone_id", zone.ID, "err", err)
			continue
		}
		if boundary == nil {
			continue
		}
		indexed = append(indexed, indexedZone{zone: zone, boundary: boundary})
	}
	if !a.zoneIndex.store(indexed, generation) {
		a.log.Debug("zone index changed during load, result not cached")
	}
	return indexed, nil
}

// resolveZoneForPoint returns the first zone by name whose boundary contains
// the point, or nil.
func (a *App) resolveZoneForPoint(ctx context.Context, lat, lng float64) (*Zone, error) {
	zones, err := a.loadZoneIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range zones {
		if boundaryContains(candidate.boundary, lat, lng) {
			zone := candidate.zone
			return &zone, nil
		}
	}
	return nil, nil
}
