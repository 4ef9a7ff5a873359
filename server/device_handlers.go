package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/larkspur-sec/warden/pkg/lifecycle"
)

func (s *Server) registerDeviceRoutes(r *gin.Engine) {
	device := r.Group("/desktopmdm")
	device.POST("/register", s.handleRegister)
	device.GET("/status", s.handleStatus)
	device.POST("/acknowledge", s.handleAcknowledge)
}

type registrationRequest struct {
	Fulluuid     string `json:"fulluuid" binding:"required"`
	UUID15       string `json:"uuid15" binding:"required"`
	ComputerName string `json:"computer_name" binding:"required,max=255"`
	OSName       string `json:"os_name" binding:"required,max=100"`
	OSVersion    string `json:"os_version" binding:"required,max=50"`
}

// commandDTO is the wire shape of a command handed to a device.
type commandDTO struct {
	ID        uint            `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  int             `json:"priority"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func toCommandDTO(cmd *Command) commandDTO {
	dto := commandDTO{
		ID:        cmd.ID,
		Type:      string(cmd.CommandType),
		Priority:  cmd.Priority,
		ExpiresAt: cmd.ExpiresAt,
	}
	if cmd.Payload != "" {
		dto.Payload = json.RawMessage(cmd.Payload)
	}
	return dto
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	if !s.rateLimiter.Allow("register:"+req.Fulluuid, s.cfg.RateLimit.RegisterPerMinute, time.Minute) {
		respondError(c, http.StatusTooManyRequests, "too many registration attempts", s.log)
		return
	}

	ip := clientIP(c)
	result, err := s.devices.Register(RegistrationInput{
		Fulluuid:     req.Fulluuid,
		UUID15:       req.UUID15,
		ComputerName: req.ComputerName,
		OSName:       req.OSName,
		OSVersion:    req.OSVersion,
	}, ip)
	if err != nil {
		metricRegistrations.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, lifecycle.ErrNotProvisioned):
			respondError(c, http.StatusNotFound, "Device not registered", s.log)
		case errors.Is(err, lifecycle.ErrBlocked):
			respondError(c, http.StatusForbidden, "Device blocked by administrator", s.log)
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			respondError(c, http.StatusConflict, "Device cannot be enrolled in its current status", s.log)
		case errors.Is(err, lifecycle.ErrValidation):
			respondError(c, http.StatusBadRequest, err.Error(), s.log)
		default:
			respondError(c, http.StatusInternalServerError, "internal error", s.log)
		}
		return
	}

	resp := gin.H{"success": true}
	if result.AlreadyEnrolled {
		metricRegistrations.WithLabelValues("idempotent").Inc()
		resp["message"] = "Device already registered"
	} else {
		metricRegistrations.WithLabelValues("enrolled").Inc()
		resp["message"] = "Device registered successfully"
		resp["pushToken"] = result.Token
	}
	if result.ExpiresAt != nil {
		resp["expires_at"] = result.ExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	pushToken := c.GetHeader(pushTokenHeader)
	if pushToken == "" {
		respondError(c, http.StatusUnauthorized, pushTokenHeader+" header is required", s.log)
		return
	}

	ip := clientIP(c)
	device, err := s.devices.CheckIn(pushToken, CheckInInput{
		ComputerName: c.Query("computer_name"),
		OSName:       c.Query("os_name"),
		OSVersion:    c.Query("os_version"),
	}, ip)
	if err != nil {
		metricCheckIns.WithLabelValues("rejected").Inc()
		s.respondTokenError(c, err)
		return
	}
	metricCheckIns.WithLabelValues("ok").Inc()

	commands, err := s.queue.PendingFor(device.ID, time.Now().UTC())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
		return
	}
	metricCommandsDelivered.Add(float64(len(commands)))

	dtos := make([]commandDTO, 0, len(commands))
	for i := range commands {
		dtos = append(dtos, toCommandDTO(&commands[i]))
	}

	resp := gin.H{
		"success":  true,
		"status":   string(device.Status),
		"isActive": device.IsActive,
		"commands": dtos,
	}
	if device.LastCheckIn != nil {
		resp["last_check_in"] = device.LastCheckIn.UTC().Format(time.RFC3339)
	}
	if device.TokenExpiresAt != nil {
		resp["token_expires_at"] = device.TokenExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

type acknowledgeRequest struct {
	CommandID    uint           `json:"command_id" binding:"required"`
	Status       string         `json:"status" binding:"required"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
}

func (s *Server) handleAcknowledge(c *gin.Context) {
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

	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	// Commands are exclusively owned by their device; a token for another
	// device cannot acknowledge them.
	command, err := s.queue.Get(req.CommandID)
	if err != nil || command.DeviceID != device.ID {
		respondError(c, http.StatusNotFound, "Command not found", s.log)
		return
	}

	_, err = s.queue.Acknowledge(req.CommandID, lifecycle.CommandStatus(req.Status), req.Result, req.ErrorMessage)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidCommandState):
			respondError(c, http.StatusConflict, err.Error(), s.log)
		case errors.Is(err, lifecycle.ErrValidation):
			respondError(c, http.StatusBadRequest, err.Error(), s.log)
		case errors.Is(err, lifecycle.ErrNotFound):
			respondError(c, http.StatusNotFound, "Command not found", s.log)
		default:
			respondError(c, http.StatusInternalServerError, "internal error", s.log)
		}
		return
	}
	metricCommandsAcked.WithLabelValues(req.Status).Inc()

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Command acknowledged"})
}

// respondTokenError keeps device auth failures uniform enough to avoid
// leaking more than the protocol requires.
func (s *Server) respondTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrTokenExpired):
		respondError(c, http.StatusUnauthorized, "pushToken expired", s.log)
	case errors.Is(err, lifecycle.ErrInvalidToken):
		respondError(c, http.StatusUnauthorized, "Invalid or expired pushToken", s.log)
	case errors.Is(err, lifecycle.ErrBlocked):
		respondError(c, http.StatusForbidden, "Device blocked by administrator", s.log)
	case errors.Is(err, lifecycle.ErrNotOperational):
		respondError(c, http.StatusForbidden, "Device is not operational", s.log)
	default:
		respondError(c, http.StatusInternalServerError, "internal error", s.log)
	}
}
