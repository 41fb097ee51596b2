package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	adminDefaultPage    = 1
	adminDefaultPerPage = 50
	adminMaxPerPage     = 200
)

type PaginatedComplaints struct {
	Complaints  []Complaint `json:"complaints"`
	TotalCount  int         `json:"totalCount"`
	TotalPages  int         `json:"totalPages"`
	CurrentPage int         `json:"currentPage"`
	PageSize    int         `json:"pageSize"`
}

func parseAdminPage(rawPage string) int {
	page, err := strconv.Atoi(strings.TrimSpace(rawPage))
	if err != nil || page < adminDefaultPage {
		return adminDefaultPage
	}
	return page
}

func parseAdminPageSize(rawSize string) int {
	size, err := strconv.Atoi(strings.TrimSpace(rawSize))
	if err != nil || size < 1 {
		return adminDefaultPerPage
	}
	if size > adminMaxPerPage {
		return adminMaxPerPage
	}
	return size
}

func buildComplaintFilters(filters map[string]any) (string, []any) {
	whereClause := ""
	args := make([]any, 0)
	argIndex := 1

	if status, ok := filters["status"].(string); ok && status != "" {
		whereClause += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}
	if category, ok := filters["category"].(string); ok && category != "" {
		whereClause += fmt.Sprintf(" AND category = $%d", argIndex)
		args = append(args, category)
		argIndex++
	}
	if zoneID, ok := filters["zone_id"].(string); ok && zoneID != "" {
		whereClause += fmt.Sprintf(" AND zone_id = $%d", argIndex)
		args = append(args, zoneID)
		argIndex++
	}
	if assignedTo, ok := filters["assigned_to"].(string); ok && assignedTo != "" {
		whereClause += fmt.Sprintf(" AND assigned_to = $%d", argIndex)
		args = append(args, assignedTo)
		argIndex++
	}
	if merged, ok := filters["merged"].(bool); ok {
		whereClause += fmt.Sprintf(" AND is_merged = $%d", argIndex)
		args = append(args, merged)
		argIndex++
	}
	if q, ok := filters["q"].(string); ok && q != "" {
		whereClause += fmt.Sprintf(" AND (title ILIKE $%d OR description ILIKE $%d OR location ILIKE $%d)", argIndex, argIndex, argIndex)
		args = append(args, "%"+q+"%")
		argIndex++
	}
	if from, ok := filters["from"].(string); ok && from != "" {
		whereClause += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, from)
		argIndex++
	}
	if to, ok := filters["to"].(string); ok && to != "" {
		whereClause += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, to)
		argIndex++
	}

	return whereClause, args
}

func buildComplaintsPageQuery(filters map[string]any, page, pageSize int) (string, []any) {
	whereClause, args := buildComplaintFilters(filters)
	query := `SELECT` + complaintColumns + `, COUNT(*) OVER() AS total_count
		FROM complaints
		WHERE 1=1` + whereClause + `
		ORDER BY created_at DESC`
	offset := (page - 1) * pageSize
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)
	return query, args
}

func (a *App) listComplaintsPaginated(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedComplaints, error) {
	if page < adminDefaultPage {
		page = adminDefaultPage
	}
	if pageSize < 1 {
		pageSize = adminDefaultPerPage
	}

	query, args := buildComplaintsPageQuery(filters, page, pageSize)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	complaints := []Complaint{}
	totalCount := 0
	for rows.Next() {
		complaint, err := scanComplaint(countingScanner{rows: rows, total: &totalCount})
		if err != nil {
			return nil, err
		}
		complaints = append(complaints, complaint)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := 0
	if totalCount > 0 {
		totalPages = (totalCount + pageSize - 1) / pageSize
	}
	return &PaginatedComplaints{
		Complaints:  complaints,
		TotalCount:  totalCount,
		TotalPages:  totalPages,
		CurrentPage: page,
		PageSize:    pageSize,
	}, nil
}

// countingScanner appends the COUNT(*) OVER() column to the complaint scan.
type countingScanner struct {
	rows  rowScanner
	total *int
}

func (s countingScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.total)...)
}

func (a *App) adminComplaintsPage(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedComplaints, error) {
	if a.adminListPaginated != nil {
		return a.adminListPaginated(ctx, filters, page, pageSize)
	}
	return a.listComplaintsPaginated(ctx, filters, page, pageSize)
}
