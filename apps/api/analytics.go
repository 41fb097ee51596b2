package main

import (
	"context"
	"database/sql"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultTrendDays = 30
	maxTrendDays     = 365
)

type AnalyticsOverview struct {
	TotalComplaints    int     `json:"totalComplaints"`
	PendingComplaints  int     `json:"pendingComplaints"`
	ResolvedComplaints int     `json:"resolvedComplaints"`
	MergedComplaints   int     `json:"mergedComplaints"`
	TotalCitizens      int     `json:"totalCitizens"`
	TotalStaff         int     `json:"totalStaff"`
	ResolutionRate     float64 `json:"resolutionRate"`
}

// StaffPerformance counts resolved, unmerged complaints per assignee.
type StaffPerformance struct {
	StaffID            string   `json:"staffId"`
	Email              string   `json:"email"`
	FullName           *string  `json:"fullName"`
	ResolvedCount      int      `json:"resolvedCount"`
	AvgResolutionHours *float64 `json:"avgResolutionHours"`
}

type TrendPoint struct {
	Date     string `json:"date"`
	Created  int    `json:"created"`
	Resolved int    `json:"resolved"`
	Merged   int    `json:"merged"`
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}

// resolutionRate is the resolved share of all complaints as a percentage,
// rounded to two decimals.
func resolutionRate(resolved, total int) float64 {
	if total <= 0 {
		return 0
	}
	return roundTo2(float64(resolved) / float64(total) * 100)
}

func buildAnalyticsOverview(stats ComplaintStats, roles map[string]int) AnalyticsOverview {
	return AnalyticsOverview{
		TotalComplaints:    stats.Total,
		PendingComplaints:  stats.Pending,
		ResolvedComplaints: stats.Resolved,
		MergedComplaints:   stats.Merged,
		TotalCitizens:      roles[roleCitizen],
		TotalStaff:         roles[roleStaff],
		ResolutionRate:     resolutionRate(stats.Resolved, stats.Total),
	}
}

func (a *App) analyticsOverview(ctx context.Context) (*AnalyticsOverview, error) {
	if a.adminAnalyticsFn != nil {
		return a.adminAnalyticsFn(ctx)
	}
	stats, err := a.complaintStats(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := a.countUsersByRole(ctx)
	if err != nil {
		return nil, err
	}
	overview := buildAnalyticsOverview(stats, roles)
	return &overview, nil
}

func (a *App) analyticsOverviewHandler(c *gin.Context) {
	overview, err := a.analyticsOverview(c.Request.Context())
	if err != nil {
		writeAPIError(c, classifyTransient(err, "analytics"))
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (a *App) listStaffPerformance(ctx context.Context) ([]StaffPerformance, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT u.id::text, u.email, u.full_name,
			COUNT(c.id),
			AVG(EXTRACT(EPOCH FROM (c.resolved_at - c.created_at))) / 3600
		FROM users u
		LEFT JOIN complaints c
			ON c.assigned_to = u.id
			AND c.status = 'resolved'
			AND c.is_merged = FALSE
		WHERE u.role = 'staff'
		GROUP BY u.id, u.email, u.full_name
		ORDER BY COUNT(c.id) DESC, u.email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []StaffPerformance{}
	for rows.Next() {
		var p StaffPerformance
		var fullName sql.NullString
		var avgHours sql.NullFloat64
		if err := rows.Scan(&p.StaffID, &p.Email, &fullName, &p.ResolvedCount, &avgHours); err != nil {
			return nil, err
		}
		p.FullName = nullStringPtr(fullName)
		if avgHours.Valid {
			hours := roundTo2(avgHours.Float64)
			p.AvgResolutionHours = &hours
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (a *App) staffPerformance(ctx context.Context) ([]StaffPerformance, error) {
	if a.adminPerformanceFn != nil {
		return a.adminPerformanceFn(ctx)
	}
	return a.listStaffPerformance(ctx)
}

func (a *App) staffPerformanceHandler(c *gin.Context) {
	performance, err := a.staffPerformance(c.Request.Context())
	if err != nil {
		writeAPIError(c, classifyTransient(err, "analytics"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"staff": performance})
}

// trendWindowStart is midnight UTC of the first day in a window of days
// ending today.
func trendWindowStart(now time.Time, days int) time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -(days - 1))
}

// dailyCounts runs a query returning (YYYY-MM-DD, count) rows.
func (a *App) dailyCounts(ctx context.Context, query string, since time.Time) (map[string]int, error) {
	rows, err := a.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var day string
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, err
		}
		counts[day] = count
	}
	return counts, rows.Err()
}

// buildTrendSeries returns one point per day from since, zero-filled.
func buildTrendSeries(since time.Time, days int, created, resolved, merged map[string]int) []TrendPoint {
	series := make([]TrendPoint, 0, days)
	for i := 0; i < days; i++ {
		day := since.AddDate(0, 0, i).Format("2006-01-02")
		series = append(series, TrendPoint{
			Date:     day,
			Created:  created[day],
			Resolved: resolved[day],
			Merged:   merged[day],
		})
	}
	return series
}

func (a *App) complaintTrends(ctx context.Context, days int) ([]TrendPoint, error) {
	if a.adminTrendsFn != nil {
		return a.adminTrendsFn(ctx, days)
	}
	since := trendWindowStart(time.Now(), days)
	created, err := a.dailyCounts(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD'), COUNT(*)
		FROM complaints
		WHERE created_at >= $1
		GROUP BY 1
	`, since)
	if err != nil {
		return nil, err
	}
	resolved, err := a.dailyCounts(ctx, `
		SELECT to_char(resolved_at AT TIME ZONE 'UTC', 'YYYY-MM-DD'), COUNT(*)
		FROM complaints
		WHERE resolved_at >= $1 AND is_merged = FALSE
		GROUP BY 1
	`, since)
	if err != nil {
		return nil, err
	}
	merged, err := a.dailyCounts(ctx, `
		SELECT to_char(merged_at AT TIME ZONE 'UTC', 'YYYY-MM-DD'), COUNT(*)
		FROM complaint_merges
		WHERE merged_at >= $1
		GROUP BY 1
	`, since)
	if err != nil {
		return nil, err
	}
	return buildTrendSeries(since, days, created, resolved, merged), nil
}

func parseTrendDays(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultTrendDays, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > maxTrendDays {
		return 0, errInvalidArgument("days must be between 1 and %d, got %q", maxTrendDays, raw)
	}
	return days, nil
}

func (a *App) complaintTrendsHandler(c *gin.Context) {
	days, err := parseTrendDays(c.Query("days"))
	if err != nil {
		writeAPIError(c, err)
		return
	}
	series, err := a.complaintTrends(c.Request.Context(), days)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "analytics"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "series": series})
}
