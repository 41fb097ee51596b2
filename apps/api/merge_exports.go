package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-pdf/fpdf"
	"github.com/paulmach/orb/geojson"
)

// MergeRecord is one row of the merge audit trail.
type MergeRecord struct {
	RequestID      string   `json:"requestId"`
	ParentID       string   `json:"parentId"`
	ParentTitle    string   `json:"parentTitle"`
	ChildID        string   `json:"childId"`
	ChildTitle     string   `json:"childTitle"`
	ActorID        string   `json:"actorId"`
	ActorEmail     string   `json:"actorEmail"`
	Reason         string   `json:"reason"`
	PreviousStatus string   `json:"previousStatus"`
	MergedAt       string   `json:"mergedAt"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
}

var mergeExportFormats = []string{"csv", "pdf", "geojson"}

func (a *App) listMergeRecords(ctx context.Context, from, to *time.Time) ([]MergeRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT
			m.request_id::text, m.parent_id::text, p.title, m.child_id::text, c.title,
			m.actor_id::text, COALESCE(u.email, ''), m.reason, m.previous_status, m.merged_at,
			c.latitude, c.longitude
		FROM complaint_merges m
		JOIN complaints p ON p.id = m.parent_id
		JOIN complaints c ON c.id = m.child_id
		LEFT JOIN users u ON u.id = m.actor_id
		WHERE ($1::timestamptz IS NULL OR m.merged_at >= $1)
			AND ($2::timestamptz IS NULL OR m.merged_at <= $2)
		ORDER BY m.merged_at ASC, m.id ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []MergeRecord{}
	for rows.Next() {
		var r MergeRecord
		var mergedAt time.Time
		var lat, lng sql.NullFloat64
		if err := rows.Scan(
			&r.RequestID, &r.ParentID, &r.ParentTitle, &r.ChildID, &r.ChildTitle,
			&r.ActorID, &r.ActorEmail, &r.Reason, &r.PreviousStatus, &mergedAt,
			&lat, &lng,
		); err != nil {
			return nil, err
		}
		r.MergedAt = mergedAt.UTC().Format(time.RFC3339)
		if lat.Valid && lng.Valid {
			latVal, lngVal := lat.Float64, lng.Float64
			r.Latitude = &latVal
			r.Longitude = &lngVal
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (a *App) adminMergeRecords(ctx context.Context, from, to *time.Time) ([]MergeRecord, error) {
	if a.adminListMergeRecordsFn != nil {
		return a.adminListMergeRecordsFn(ctx, from, to)
	}
	return a.listMergeRecords(ctx, from, to)
}

// parseExportBound accepts RFC3339 or a plain date. A plain upper bound covers
// the whole day.
func parseExportBound(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, errInvalidArgument("invalid date %q, use YYYY-MM-DD or RFC3339", raw)
	}
	if upper {
		parsed = parsed.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &parsed, nil
}

func parseExportWindow(fromRaw, toRaw string) (*time.Time, *time.Time, error) {
	from, err := parseExportBound(fromRaw, false)
	if err != nil {
		return nil, nil, err
	}
	to, err := parseExportBound(toRaw, true)
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && from.After(*to) {
		return nil, nil, errInvalidArgument("from must not be after to")
	}
	return from, to, nil
}

func buildMergeCSV(records []MergeRecord) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buffer)
	headers := []string{"merged_at", "request_id", "parent_id", "parent_title", "child_id", "child_title", "previous_status", "actor_id", "actor_email", "reason"}
	if err := writer.Write(headers); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := []string{
			r.MergedAt, r.RequestID, r.ParentID, r.ParentTitle, r.ChildID, r.ChildTitle,
			r.PreviousStatus, r.ActorID, r.ActorEmail, r.Reason,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func buildMergeGeoJSON(records []MergeRecord) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, r := range records {
		if r.Latitude == nil || r.Longitude == nil {
			continue
		}
		feature := geojson.NewFeature(pointOf(*r.Latitude, *r.Longitude))
		feature.Properties["child_id"] = r.ChildID
		feature.Properties["parent_id"] = r.ParentID
		feature.Properties["request_id"] = r.RequestID
		feature.Properties["reason"] = r.Reason
		feature.Properties["merged_at"] = r.MergedAt
		fc.Append(feature)
	}
	return fc.MarshalJSON()
}

func buildMergePDF(records []MergeRecord, from, to *time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 16)
	pdf.Cell(0, 10, "Duplicate merge audit")
	pdf.Ln(12)

	period := "all time"
	if from != nil || to != nil {
		start, end := "-", "-"
		if from != nil {
			start = from.Format("2006-01-02")
		}
		if to != nil {
			end = to.Format("2006-01-02")
		}
		period = start + " to " + end
	}

	requests := map[string]struct{}{}
	perActor := map[string]int{}
	for _, r := range records {
		requests[r.RequestID] = struct{}{}
		actor := r.ActorEmail
		if actor == "" {
			actor = r.ActorID
		}
		perActor[actor]++
	}

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, "Period: "+period)
	pdf.Ln(7)
	pdf.Cell(0, 8, fmt.Sprintf("Merge operations: %d, complaints merged: %d", len(requests), len(records)))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Merged by")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	actors := make([]string, 0, len(perActor))
	for actor := range perActor {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool {
		if perActor[actors[i]] != perActor[actors[j]] {
			return perActor[actors[i]] > perActor[actors[j]]
		}
		return actors[i] < actors[j]
	})
	for _, actor := range actors {
		pdf.Cell(0, 6, tr(fmt.Sprintf("- %s: %d", actor, perActor[actor])))
		pdf.Ln(6)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Merges")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 9)
	for _, r := range records {
		line := fmt.Sprintf("%s  %s -> %s (%s): %s", r.MergedAt, r.ChildTitle, r.ParentTitle, r.PreviousStatus, r.Reason)
		pdf.MultiCell(0, 5, tr(line), "", "L", false)
	}

	buffer := bytes.NewBuffer(nil)
	if err := pdf.Output(buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func renderMergeExport(records []MergeRecord, format string, from, to *time.Time) (contentType string, body []byte, err error) {
	switch format {
	case "csv":
		body, err = buildMergeCSV(records)
		return "text/csv; charset=utf-8", body, err
	case "pdf":
		body, err = buildMergePDF(records, from, to)
		return "application/pdf", body, err
	case "geojson":
		body, err = buildMergeGeoJSON(records)
		return "application/geo+json", body, err
	}
	return "", nil, errInvalidArgument("format must be one of %s", strings.Join(mergeExportFormats, ", "))
}

func (a *App) mergeExportHandler(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv")))
	if !containsString(mergeExportFormats, format) {
		writeAPIError(c, errInvalidArgument("format must be one of %s", strings.Join(mergeExportFormats, ", ")))
		return
	}
	from, to, err := parseExportWindow(c.Query("from"), c.Query("to"))
	if err != nil {
		writeAPIError(c, err)
		return
	}

	records, err := a.adminMergeRecords(c.Request.Context(), from, to)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "merge export"))
		return
	}
	contentType, body, err := renderMergeExport(records, format, from, to)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	fileName := "merges-" + time.Now().UTC().Format("20060102") + "." + format
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", fileName))
	c.Header("X-Record-Count", strconv.Itoa(len(records)))
	c.Data(http.StatusOK, contentType, body)
}

// runMergeExportCommand backs the export-merges subcommand.
func (a *App) runMergeExportCommand(ctx context.Context, format string, w io.Writer) error {
	format = strings.ToLower(strings.TrimSpace(format))
	records, err := a.adminMergeRecords(ctx, nil, nil)
	if err != nil {
		return err
	}
	_, body, err := renderMergeExport(records, format, nil, nil)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	a.log.Info("merge export written", "format", format, "records", len(records))
	return nil
}
