package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/larkspur-sec/warden/pkg/lifecycle"
)

// whitelistRule is one per-user allow entry of a whitelist document.
type whitelistRule struct {
	User string   `json:"user" binding:"required"`
	Apps []string `json:"apps"`
	URLs []string `json:"urls"`
}

func (s *Server) registerWhitelistRoutes(r *gin.Engine) {
	r.GET("/desktopmdm/getwhitelist", s.handleGetWhitelist)

	admin := r.Group("/admin/whitelist", s.requireAdmin)
	admin.POST("/:fulluuid", s.handleReplaceWhitelist)
	admin.GET("/:fulluuid", s.handleAdminGetWhitelist)
}

// handleGetWhitelist serves the device's current whitelist document, falling
// back to the system-wide default when no device-specific one exists. The
// document is latest-wins: there is no delivery state to track.
func (s *Server) handleGetWhitelist(c *gin.Context) {
	pushToken := c.GetHeader(pushTokenHeader)
	if pushToken == "" {
		respondError(c, http.StatusUnauthorized, pushTokenHeader+" header is required", s.log)
		return
	}

	device, err := s.devices.Authenticate(pushToken)
	if err != nil {
		s.respondTokenError(c, err)
		return
	}

	ip := clientIP(c)
	if err := s.devices.TouchCheckIn(device.ID, ip); err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}

	rules, err := s.currentWhitelist(device.Fulluuid)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}

	s.audit.Record(lifecycle.EventWhitelistFetched, &device.ID, device.Fulluuid, nil,
		ip, lifecycle.ActorDevice, device.Fulluuid)

	c.JSON(http.StatusOK, gin.H{"success": true, "commands": rules})
}

func (s *Server) currentWhitelist(fulluuid string) ([]whitelistRule, error) {
	var entry WhitelistEntry
	err := s.db.Where("fulluuid = ?", fulluuid).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// System-wide fallback row has an empty fulluuid.
		err = s.db.Where("fulluuid = ?", "").First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []whitelistRule{}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	var rules []whitelistRule
	if err := json.Unmarshal([]byte(entry.Entries), &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

type whitelistRequest struct {
	Commands []whitelistRule `json:"commands" binding:"required,min=1,dive"`
}

// handleReplaceWhitelist creates or replaces the whitelist document for a
// device. The fulluuid path segment "global" addresses the system-wide
// fallback.
func (s *Server) handleReplaceWhitelist(c *gin.Context) {
	fulluuid := c.Param("fulluuid")
	deviceRef := ""
	var deviceID *uint

	if fulluuid != "global" {
		device, err := s.devices.Get(fulluuid)
		if err != nil {
			respondError(c, http.StatusNotFound, "Device not found", s.log)
			return
		}
		deviceRef = device.Fulluuid
		deviceID = &device.ID
	}

	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	encoded, err := json.Marshal(req.Commands)
	if err != nil {
		respondError(c, http.StatusBadRequest, "whitelist not serializable", s.log)
		return
	}

	entry := WhitelistEntry{
		Fulluuid:  deviceRef,
		Entries:   string(encoded),
		CreatedBy: adminActor(c),
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fulluuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"entries", "created_by", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist whitelist", s.log)
		return
	}

	s.audit.Record(lifecycle.EventWhitelistUpdated, deviceID, deviceRef, map[string]any{
		"rules": len(req.Commands),
	}, clientIP(c), lifecycle.ActorAdmin, adminActor(c))

	c.JSON(http.StatusCreated, gin.H{
		"success":         true,
		"message":         "Whitelist created successfully",
		"device_fulluuid": fulluuid,
		"rules":           len(req.Commands),
	})
}

func (s *Server) handleAdminGetWhitelist(c *gin.Context) {
	fulluuid := c.Param("fulluuid")
	if fulluuid == "global" {
		fulluuid = ""
	}

	var entry WhitelistEntry
	if err := s.db.Where("fulluuid = ?", fulluuid).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "Whitelist not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}

	var rules []whitelistRule
	if err := json.Unmarshal([]byte(entry.Entries), &rules); err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"device_fulluuid": c.Param("fulluuid"),
		"commands":        rules,
		"updated_at":      entry.UpdatedAt,
	})
}
