package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (a *App) listZonesHandler(c *gin.Context) {
	zones, err := a.adminListZones(c.Request.Context())
	if err != nil {
		writeAPIError(c, classifyTransient(err, "zone listing"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"zones": zones})
}

func (a *App) createZoneHandler(c *gin.Context) {
	var payload ZonePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, errInvalidArgument("Invalid zone payload"))
		return
	}
	zone, err := a.createZone(c.Request.Context(), payload)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "zone creation"))
		return
	}
	a.log.Info("zone created", "zone_id", zone.ID, "name", zone.Name)
	c.JSON(http.StatusCreated, zone)
}

func (a *App) updateZoneHandler(c *gin.Context) {
	var payload ZonePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, errInvalidArgument("Invalid zone payload"))
		return
	}
	zone, err := a.updateZone(c.Request.Context(), strings.TrimSpace(c.Param("id")), payload)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "zone update"))
		return
	}
	c.JSON(http.StatusOK, zone)
}

func (a *App) deleteZoneHandler(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := a.deleteZone(c.Request.Context(), id); err != nil {
		writeAPIError(c, classifyTransient(err, "zone deletion"))
		return
	}
	a.log.Info("zone deleted", "zone_id", id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) listStaffHandler(c *gin.Context) {
	filters := map[string]any{}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		filters["q"] = q
	}
	if zoneID := strings.TrimSpace(c.Query("zone_id")); zoneID != "" {
		filters["zone_id"] = zoneID
	}
	staff, err := a.adminListStaff(c.Request.Context(), filters)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "staff listing"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"staff": staff})
}
