package main

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *App) myProfileHandler(c *gin.Context) {
	user, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	profile, err := a.userProfile(c.Request.Context(), user.ID)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "profile lookup"))
		return
	}
	if profile == nil {
		writeAPIError(c, errNotFound("User not found: %s", user.ID))
		return
	}
	c.JSON(http.StatusOK, profile)
}

// updateMyProfileHandler rejects unknown keys so a payload carrying role or
// total_points fails instead of being silently dropped.
func (a *App) updateMyProfileHandler(c *gin.Context) {
	user, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	var update ProfileUpdate
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&update); err != nil {
		writeAPIError(c, errInvalidArgument("Invalid profile payload: only full_name, phone, address and zone_id can be changed"))
		return
	}
	profile, err := a.saveUserProfile(c.Request.Context(), user.ID, update)
	if err != nil {
		writeAPIError(c, classifyTransient(err, "profile update"))
		return
	}
	a.log.Info("profile updated", "user_id", user.ID)
	c.JSON(http.StatusOK, profile)
}
