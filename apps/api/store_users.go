package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id::text, email, full_name, role, zone_id::text, total_points, created_at, updated_at`

func scanUser(scanner rowScanner) (User, error) {
	var u User
	var fullName, zoneID sql.NullString
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&u.ID, &u.Email, &fullName, &u.Role, &zoneID, &u.TotalPoints, &createdAt, &updatedAt); err != nil {
		return User{}, err
	}
	u.FullName = nullStringPtr(fullName)
	u.ZoneID = nullStringPtr(zoneID)
	u.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	u.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return u, nil
}

// getUserByID returns nil, nil when no row matches.
func (a *App) getUserByID(ctx context.Context, id string) (*User, error) {
	if !isValidID(id) {
		return nil, nil
	}
	u, err := scanUser(a.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func buildStaffWhereClause(filters map[string]any) (string, []any) {
	where := []string{"role = 'staff'"}
	args := []any{}

	if q, ok := filters["q"].(string); ok && q != "" {
		where = append(where, fmt.Sprintf("(email ILIKE $%d OR full_name ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+q+"%")
	}
	if zoneID, ok := filters["zone_id"].(string); ok && zoneID != "" {
		where = append(where, fmt.Sprintf("zone_id = $%d", len(args)+1))
		args = append(args, zoneID)
	}

	return strings.Join(where, " AND "), args
}

func (a *App) listStaff(ctx context.Context, filters map[string]any) ([]User, error) {
	whereClause, args := buildStaffWhereClause(filters)
	rows, err := a.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+whereClause+` ORDER BY full_name NULLS LAST, email`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (a *App) adminListStaff(ctx context.Context, filters map[string]any) ([]User, error) {
	if a.adminListStaffFn != nil {
		return a.adminListStaffFn(ctx, filters)
	}
	return a.listStaff(ctx, filters)
}

// countUsersByRole returns a count for every known role, zero included.
func (a *App) countUsersByRole(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(userRoles))
	for _, role := range userRoles {
		counts[role] = 0
	}
	rows, err := a.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, err
		}
		counts[role] = count
	}
	return counts, rows.Err()
}

const (
	maxProfileNameLength    = 200
	maxProfilePhoneLength   = 32
	maxProfileAddressLength = 500
)

// UserProfile is the caller's own view of their account.
type UserProfile struct {
	User
	Phone   *string `json:"phone"`
	Address *string `json:"address"`
}

// ProfileUpdate holds the self-editable fields. A nil field is left as is and
// an empty string clears it. Role is not self-editable.
type ProfileUpdate struct {
	FullName *string `json:"full_name"`
	Phone    *string `json:"phone"`
	Address  *string `json:"address"`
	ZoneID   *string `json:"zone_id"`
}

const profileColumns = userColumns + `, phone, address`

func scanUserProfile(scanner rowScanner) (UserProfile, error) {
	var p UserProfile
	var fullName, zoneID, phone, address sql.NullString
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&p.ID, &p.Email, &fullName, &p.Role, &zoneID, &p.TotalPoints, &createdAt, &updatedAt, &phone, &address); err != nil {
		return UserProfile{}, err
	}
	p.FullName = nullStringPtr(fullName)
	p.ZoneID = nullStringPtr(zoneID)
	p.Phone = nullStringPtr(phone)
	p.Address = nullStringPtr(address)
	p.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	p.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return p, nil
}

// getUserProfile returns nil, nil when no row matches.
func (a *App) getUserProfile(ctx context.Context, id string) (*UserProfile, error) {
	if !isValidID(id) {
		return nil, nil
	}
	p, err := scanUserProfile(a.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func trimProfileField(value *string, field string, maxLen int) (*string, error) {
	if value == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*value)
	if len([]rune(trimmed)) > maxLen {
		return nil, errInvalidArgument("%s must be at most %d characters", field, maxLen)
	}
	return &trimmed, nil
}

func validateProfileUpdate(update ProfileUpdate) (ProfileUpdate, error) {
	var err error
	if update.FullName, err = trimProfileField(update.FullName, "full_name", maxProfileNameLength); err != nil {
		return update, err
	}
	if update.Phone, err = trimProfileField(update.Phone, "phone", maxProfilePhoneLength); err != nil {
		return update, err
	}
	if update.Address, err = trimProfileField(update.Address, "address", maxProfileAddressLength); err != nil {
		return update, err
	}
	if update.ZoneID, err = trimProfileField(update.ZoneID, "zone_id", 36); err != nil {
		return update, err
	}
	if update.ZoneID != nil && *update.ZoneID != "" && !isValidID(*update.ZoneID) {
		return update, errInvalidArgument("zone_id must be a zone id, got %q", *update.ZoneID)
	}
	return update, nil
}

// buildProfileSetClause lists only the fields present in update. Empty
// strings become NULL.
func buildProfileSetClause(update ProfileUpdate) (string, []any) {
	set := []string{}
	args := []any{}
	add := func(column string, value *string) {
		if value == nil {
			return
		}
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)+1))
		if *value == "" {
			args = append(args, nil)
			return
		}
		args = append(args, *value)
	}
	add("full_name", update.FullName)
	add("phone", update.Phone)
	add("address", update.Address)
	add("zone_id", update.ZoneID)
	return strings.Join(set, ", "), args
}

func (a *App) updateUserProfile(ctx context.Context, id string, update ProfileUpdate) (*UserProfile, error) {
	update, err := validateProfileUpdate(update)
	if err != nil {
		return nil, err
	}
	setClause, args := buildProfileSetClause(update)
	if setClause == "" {
		profile, err := a.getUserProfile(ctx, id)
		if err == nil && profile == nil {
			return nil, errNotFound("User not found: %s", id)
		}
		return profile, err
	}
	if !isValidID(id) {
		return nil, errNotFound("User not found: %s", id)
	}

	args = append(args, id)
	p, err := scanUserProfile(a.db.QueryRowContext(ctx, `
		UPDATE users
		SET `+setClause+`, updated_at = NOW()
		WHERE id = $`+fmt.Sprint(len(args))+`
		RETURNING `+profileColumns,
		args...,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("User not found: %s", id)
		}
		if isForeignKeyViolation(err) {
			return nil, errInvalidArgument("zone_id does not match a zone")
		}
		return nil, err
	}
	return &p, nil
}

func (a *App) userProfile(ctx context.Context, id string) (*UserProfile, error) {
	if a.profileGetFn != nil {
		return a.profileGetFn(ctx, id)
	}
	return a.getUserProfile(ctx, id)
}

func (a *App) saveUserProfile(ctx context.Context, id string, update ProfileUpdate) (*UserProfile, error) {
	if a.profileUpdateFn != nil {
		return a.profileUpdateFn(ctx, id, update)
	}
	return a.updateUserProfile(ctx, id, update)
}
