package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/larkspur-sec/warden/pkg/lifecycle"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	devices := r.Group("/admin/devices", s.requireAdmin)
	devices.POST("", s.handleCreateDevice)
	devices.GET("", s.handleListDevices)
	devices.GET("/:fulluuid", s.handleGetDevice)
	devices.DELETE("/:fulluuid", s.handleDeleteDevice)
	devices.POST("/:fulluuid/suspend", s.deviceTransitionHandler(s.devices.Suspend))
	devices.POST("/:fulluuid/reactivate", s.deviceTransitionHandler(s.devices.Reactivate))
	devices.POST("/:fulluuid/block", s.deviceTransitionHandler(s.devices.Block))
	devices.POST("/:fulluuid/wipe", s.deviceTransitionHandler(s.devices.Wipe))

	commands := r.Group("/admin/commands", s.requireAdmin)
	commands.POST("", s.handleCreateCommand)
	commands.GET("", s.handleListCommands)
	commands.GET("/:id", s.handleGetCommand)
	commands.DELETE("/:id", s.handleCancelCommand)
}

// requireAdmin gates the admin surface on the configured API key. Admin
// identity (JWT) is a known gap; the key names the actor for audit only.
func (s *Server) requireAdmin(c *gin.Context) {
	key := c.GetHeader(apiKeyHeader)
	if key == "" || !secureCompare(key, s.cfg.AdminAPIKey) {
		respondError(c, http.StatusUnauthorized, "Invalid or missing "+apiKeyHeader, s.log)
		return
	}
	c.Next()
}

func adminActor(*gin.Context) string {
	// Placeholder until admin JWT auth exists at this boundary.
	return "admin"
}

type createDeviceRequest struct {
	Fulluuid string `json:"fulluuid" binding:"required"`
	UUID15   string `json:"uuid15" binding:"required"`
	Notes    string `json:"notes"`
}

func (s *Server) handleCreateDevice(c *gin.Context) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	device, err := s.devices.Create(req.Fulluuid, req.UUID15, adminActor(c), req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, errDeviceExists):
			respondError(c, http.StatusConflict, "Device already exists", s.log)
		case errors.Is(err, lifecycle.ErrValidation):
			respondError(c, http.StatusBadRequest, err.Error(), s.log)
		default:
			respondError(c, http.StatusInternalServerError, "internal error", s.log)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"message":    "Device created successfully",
		"device_id":  device.ID,
		"fulluuid":   device.Fulluuid,
		"status":     device.Status,
		"created_at": device.CreatedAt,
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices, err := s.devices.List()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}

	stale := map[uint]bool{}
	staleFiltered := false
	if threshold := c.Query("stale_since"); threshold != "" {
		if ts, err := time.Parse(time.RFC3339, threshold); err == nil {
			staleDevices, err := s.devices.StaleDevices(ts)
			if err == nil {
				staleFiltered = true
				for _, d := range staleDevices {
					stale[d.ID] = true
				}
			}
		}
	}

	expiring := map[uint]bool{}
	expiringFiltered := false
	if threshold := c.Query("expiring_before"); threshold != "" {
		if ts, err := time.Parse(time.RFC3339, threshold); err == nil {
			expiringDevices, err := s.devices.TokensExpiringBefore(ts)
			if err == nil {
				expiringFiltered = true
				for _, d := range expiringDevices {
					expiring[d.ID] = true
				}
			}
		}
	}

	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		item := gin.H{
			"fulluuid":      d.Fulluuid,
			"uuid15":        d.UUID15,
			"computer_name": d.ComputerName,
			"os_name":       d.OSName,
			"os_version":    d.OSVersion,
			"status":        d.Status,
			"is_active":     d.IsActive,
			"last_check_in": d.LastCheckIn,
			"created_at":    d.CreatedAt,
		}
		if staleFiltered {
			item["stale"] = stale[d.ID]
		}
		if expiringFiltered {
			item["token_expiring"] = expiring[d.ID]
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	device, err := s.devices.Get(c.Param("fulluuid"))
	if err != nil {
		respondError(c, http.StatusNotFound, "Device not found", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "device": device})
}

func (s *Server) handleDeleteDevice(c *gin.Context) {
	err := s.devices.Delete(c.Param("fulluuid"), adminActor(c))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			respondError(c, http.StatusNotFound, "Device not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deviceTransitionHandler(op func(fulluuid, actor string) (*Device, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		device, err := op(c.Param("fulluuid"), adminActor(c))
		if err != nil {
			switch {
			case errors.Is(err, lifecycle.ErrNotFound):
				respondError(c, http.StatusNotFound, "Device not found", s.log)
			case errors.Is(err, lifecycle.ErrInvalidTransition):
				respondError(c, http.StatusConflict, err.Error(), s.log)
			default:
				respondError(c, http.StatusInternalServerError, "internal error", s.log)
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"fulluuid": device.Fulluuid,
			"status":   device.Status,
		})
	}
}

type createCommandRequest struct {
	DeviceFulluuid string         `json:"device_fulluuid" binding:"required"`
	CommandType    string         `json:"command_type" binding:"required"`
	Payload        map[string]any `json:"payload" binding:"required"`
	Priority       int            `json:"priority"`
	ExpiresAt      string         `json:"expires_at"`
}

func (s *Server) handleCreateCommand(c *gin.Context) {
	var req createCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			respondError(c, http.StatusBadRequest, "expires_at must be RFC 3339", s.log)
			return
		}
		expiresAt = &ts
	}

	command, err := s.queue.Create(req.DeviceFulluuid, lifecycle.CommandType(req.CommandType),
		req.Payload, req.Priority, expiresAt, adminActor(c))
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			respondError(c, http.StatusNotFound, "Device not found", s.log)
		case errors.Is(err, lifecycle.ErrDeviceNotOperational):
			respondError(c, http.StatusConflict, err.Error(), s.log)
		case errors.Is(err, lifecycle.ErrValidation):
			respondError(c, http.StatusBadRequest, err.Error(), s.log)
		default:
			respondError(c, http.StatusInternalServerError, "internal error", s.log)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":      true,
		"message":      "Command created successfully",
		"command_id":   command.ID,
		"command_type": command.CommandType,
		"status":       command.Status,
		"created_at":   command.CreatedAt,
	})
}

func (s *Server) handleListCommands(c *gin.Context) {
	fulluuid := c.Query("device_fulluuid")
	if fulluuid == "" {
		respondError(c, http.StatusBadRequest, "device_fulluuid is required", s.log)
		return
	}

	commands, err := s.queue.ListForDevice(fulluuid)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			respondError(c, http.StatusNotFound, "Device not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "commands": commands, "count": len(commands)})
}

func (s *Server) handleGetCommand(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid command id", s.log)
		return
	}

	command, err := s.queue.Get(id)
	if err != nil {
		respondError(c, http.StatusNotFound, "Command not found", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "command": command})
}

func (s *Server) handleCancelCommand(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid command id", s.log)
		return
	}

	if err := s.queue.Cancel(id, adminActor(c)); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			respondError(c, http.StatusNotFound, "Command not found", s.log)
		case errors.Is(err, lifecycle.ErrInvalidCommandState):
			respondError(c, http.StatusConflict, err.Error(), s.log)
		default:
			respondError(c, http.StatusInternalServerError, "internal error", s.log)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Command cancelled"})
}
