package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (a *App) activeComplaintsHandler(c *gin.Context) {
	complaints, err := a.adminActiveComplaints(c.Request.Context())
	if err != nil {
		writeAPIError(c, classifyTransient(err, "active complaint lookup"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaints": complaints})
}

// parseRadiusParam reads radius_m, falling back to the configured default when
// it is absent. Range checks happen in the finder.
func (a *App) parseRadiusParam(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return a.cfg.DuplicateRadiusDefaultM, nil
	}
	radius, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errInvalidArgument("radius_m must be a number, got %q", raw)
	}
	return radius, nil
}

func (a *App) findDuplicatesHandler(c *gin.Context) {
	parentID := strings.TrimSpace(c.Param("id"))
	radius, err := a.parseRadiusParam(c.Query("radius_m"))
	if err != nil {
		writeAPIError(c, err)
		return
	}

	candidates, err := a.adminDuplicates(c.Request.Context(), parentID, radius)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "duplicate search"))
		return
	}

	response := gin.H{
		"parent_id":  parentID,
		"radius_m":   radius,
		"candidates": candidates,
		"count":      len(candidates),
	}
	if len(candidates) == 0 {
		response["message"] = fmt.Sprintf("No duplicates found within %g m", radius)
	}
	c.JSON(http.StatusOK, response)
}

func (a *App) mergeComplaintsHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, errInvalidArgument("Invalid merge payload"))
		return
	}
	req.ActorID = actor.ID

	result, err := a.adminMerge(c.Request.Context(), req)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "merge"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"merged_count": result.MergedCount,
		"message":      mergeSuccessMessage(result.MergedCount),
		"request_id":   result.RequestID,
		"parent_id":    result.ParentID,
		"child_ids":    result.ChildIDs,
	})
}

func (a *App) complaintEventsHandler(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := a.loadComplaint(c.Request.Context(), id); err != nil {
		writeAPIError(c, classifyTransient(err, "complaint lookup"))
		return
	}
	events, err := a.listEvents(c.Request.Context(), id)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "event lookup"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// writeSessionResult replies with the session snapshot, attaching the typed
// error when the event was rejected.
func writeSessionResult(c *gin.Context, snap MergeSessionSnapshot, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"session": snap})
		return
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{
			"error":     apiErr.Code,
			"message":   apiErr.Message,
			"retryable": apiErr.Retryable(),
			"session":   snap,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error(), "session": snap})
}

func (a *App) mergeSessionStateHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	writeSessionResult(c, a.mergeSessions.snapshot(actor.ID), nil)
}

func (a *App) mergeSessionChooseParentHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload struct {
		ParentID string `json:"parent_id"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.ParentID) == "" {
		writeSessionResult(c, a.mergeSessions.snapshot(actor.ID), errInvalidArgument("parent_id is required"))
		return
	}
	snap, err := a.mergeSessionChooseParent(c.Request.Context(), actor, strings.TrimSpace(payload.ParentID))
	writeSessionResult(c, snap, classifyTransient(err, "complaint lookup"))
}

func (a *App) mergeSessionSearchHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload struct {
		RadiusMeters *float64 `json:"radius_m"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			writeSessionResult(c, a.mergeSessions.snapshot(actor.ID), errInvalidArgument("Invalid search payload"))
			return
		}
	}
	radius := a.cfg.DuplicateRadiusDefaultM
	if payload.RadiusMeters != nil {
		radius = *payload.RadiusMeters
	}
	snap, err := a.mergeSessionSearch(c.Request.Context(), actor, radius)
	writeSessionResult(c, snap, classifyTransient(err, "duplicate search"))
}

func (a *App) mergeSessionToggleHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload struct {
		ComplaintID string `json:"complaint_id"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.ComplaintID) == "" {
		writeSessionResult(c, a.mergeSessions.snapshot(actor.ID), errInvalidArgument("complaint_id is required"))
		return
	}
	snap, err := a.mergeSessionToggle(actor, strings.TrimSpace(payload.ComplaintID))
	writeSessionResult(c, snap, err)
}

func (a *App) mergeSessionReasonHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeSessionResult(c, a.mergeSessions.snapshot(actor.ID), errInvalidArgument("Invalid reason payload"))
		return
	}
	snap, err := a.mergeSessionSetReason(actor, payload.Reason)
	writeSessionResult(c, snap, err)
}

func (a *App) mergeSessionCommitHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	snap, result, err := a.mergeSessionCommit(c.Request.Context(), actor)
	if err != nil {
		writeSessionResult(c, snap, classifyTransient(err, "merge"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":      snap,
		"merged_count": result.MergedCount,
		"message":      mergeSuccessMessage(result.MergedCount),
		"request_id":   result.RequestID,
	})
}

func (a *App) mergeSessionCancelHandler(c *gin.Context) {
	actor, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	snap, err := a.mergeSessionCancel(actor)
	writeSessionResult(c, snap, err)
}
