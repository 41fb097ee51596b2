package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

var staffSettableStatuses = []string{statusInProgress, statusResolved}

func (a *App) citizenCreate(ctx context.Context, payload ComplaintCreatePayload) (*Complaint, error) {
	if a.citizenCreateComplaint != nil {
		return a.citizenCreateComplaint(ctx, payload)
	}
	return a.createComplaint(ctx, payload)
}

func (a *App) staffClaim(ctx context.Context, id string, actor User) (*Complaint, error) {
	if a.staffClaimFn != nil {
		return a.staffClaimFn(ctx, id, actor)
	}
	return a.claimComplaint(ctx, id, actor)
}

func (a *App) staffUpdateStatus(ctx context.Context, id, status string, actor User) (*Complaint, error) {
	if a.staffUpdateStatusFn != nil {
		return a.staffUpdateStatusFn(ctx, id, status, actor)
	}
	return a.updateComplaintStatus(ctx, id, status, actor)
}

func (a *App) adminUpdateStatus(ctx context.Context, id, status string, actor User) (*Complaint, error) {
	if a.adminUpdateStatusFn != nil {
		return a.adminUpdateStatusFn(ctx, id, status, actor)
	}
	return a.updateComplaintStatus(ctx, id, status, actor)
}

func (a *App) adminAssign(ctx context.Context, id, staffID string, actor User) (*Complaint, error) {
	if a.adminAssignFn != nil {
		return a.adminAssignFn(ctx, id, staffID, actor)
	}
	return a.assignComplaint(ctx, id, staffID, actor)
}

func optionalTrimmed(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (a *App) createComplaintHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Category    string   `json:"category"`
		Location    *string  `json:"location"`
		Latitude    *float64 `json:"latitude"`
		Longitude   *float64 `json:"longitude"`
		Priority    string   `json:"priority"`
		MediaURL    *string  `json:"media_url"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, errInvalidArgument("Invalid complaint payload"))
		return
	}

	complaint, err := a.citizenCreate(c.Request.Context(), ComplaintCreatePayload{
		UserID:      actor.ID,
		Title:       payload.Title,
		Description: strings.TrimSpace(payload.Description),
		Category:    strings.TrimSpace(payload.Category),
		Location:    optionalTrimmed(payload.Location),
		Latitude:    payload.Latitude,
		Longitude:   payload.Longitude,
		Priority:    strings.TrimSpace(payload.Priority),
		MediaURL:    optionalTrimmed(payload.MediaURL),
	})
	if err != nil {
		writeAPIError(c, classifyTransient(err, "complaint creation"))
		return
	}
	a.log.Info("complaint created", "complaint_id", complaint.ID, "user_id", actor.ID, "zone_id", complaint.ZoneID)
	c.JSON(http.StatusCreated, complaint)
}

func (a *App) myComplaintsHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	complaints, err := a.listComplaintsByUser(c.Request.Context(), actor.ID)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "complaint lookup"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaints": complaints})
}

// canViewComplaint allows the reporter plus any staff member or admin.
func canViewComplaint(actor User, complaint Complaint) bool {
	if actor.Role == roleAdmin || actor.Role == roleStaff {
		return true
	}
	return complaint.UserID != nil && *complaint.UserID == actor.ID
}

func (a *App) complaintDetailsHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	complaint, err := a.loadComplaint(c.Request.Context(), id)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "complaint lookup"))
		return
	}
	if !canViewComplaint(actor, *complaint) {
		// Same answer as a missing id so ids cannot be probed.
		writeAPIError(c, errNotFound("Complaint not found: %s", id))
		return
	}
	c.JSON(http.StatusOK, complaint)
}

func (a *App) staffTasksHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	mine, available, err := a.listStaffTasks(c.Request.Context(), actor.ID)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "task lookup"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": mine, "available": available})
}

func (a *App) staffClaimHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	complaint, err := a.staffClaim(c.Request.Context(), strings.TrimSpace(c.Param("id")), actor)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "claim"))
		return
	}
	c.JSON(http.StatusOK, complaint)
}

func bindStatusPayload(c *gin.Context) (string, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		return "", errInvalidArgument("Invalid status payload")
	}
	status := strings.TrimSpace(payload.Status)
	if status == "" {
		return "", errInvalidArgument("status is required")
	}
	return status, nil
}

func (a *App) staffUpdateStatusHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	status, err := bindStatusPayload(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if !containsString(staffSettableStatuses, status) {
		writeAPIError(c, errInvalidArgument("staff can only set status to %s", strings.Join(staffSettableStatuses, " or ")))
		return
	}
	complaint, err := a.staffUpdateStatus(c.Request.Context(), strings.TrimSpace(c.Param("id")), status, actor)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "status update"))
		return
	}
	c.JSON(http.StatusOK, complaint)
}

func (a *App) adminComplaintsHandler(c *gin.Context) {
	filters := map[string]any{}
	for _, key := range []string{"status", "category", "zone_id", "assigned_to", "q", "from", "to"} {
		if value := strings.TrimSpace(c.Query(key)); value != "" {
			filters[key] = value
		}
	}
	if status, ok := filters["status"].(string); ok && !containsString(complaintStatuses, status) {
		writeAPIError(c, errInvalidArgument("invalid status: %s", status))
		return
	}
	if raw := strings.TrimSpace(c.Query("merged")); raw != "" {
		merged, err := strconv.ParseBool(raw)
		if err != nil {
			writeAPIError(c, errInvalidArgument("merged must be true or false"))
			return
		}
		filters["merged"] = merged
	}

	page := parseAdminPage(c.Query("page"))
	pageSize := parseAdminPageSize(c.Query("per_page"))
	result, err := a.adminComplaintsPage(c.Request.Context(), filters, page, pageSize)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "complaint listing"))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *App) adminAssignHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload struct {
		StaffID string `json:"staff_id"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.StaffID) == "" {
		writeAPIError(c, errInvalidArgument("staff_id is required"))
		return
	}
	complaint, err := a.adminAssign(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(payload.StaffID), actor)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "assignment"))
		return
	}
	c.JSON(http.StatusOK, complaint)
}

func (a *App) adminUpdateStatusHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	status, err := bindStatusPayload(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	complaint, err := a.adminUpdateStatus(c.Request.Context(), strings.TrimSpace(c.Param("id")), status, actor)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "status update"))
		return
	}
	c.JSON(http.StatusOK, complaint)
}

func (a *App) myRewardsHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	summary, err := a.userRewards(c.Request.Context(), actor.ID)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "rewards lookup"))
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *App) leaderboardHandler(c *gin.Context) {
	entries, err := a.leaderboard(c.Request.Context())
	if err != nil {
		writeAPIError(c, classifyTransient(err, "leaderboard"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

func (a *App) badgesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"badges": badgeCatalogue})
}
