package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-trader/internal/auth"
	"fleet-trader/internal/health"
)

// handleHealth runs a fresh health check. A critical fleet answers 503
// so load balancer probes see it.
func (s *Server) handleHealth(c *gin.Context) {
	report := s.monitor.Check(c.Request.Context())

	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// handleStatus returns the engine's aggregate view: risk state, breaker
// states, batch statistics and cycle counters.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

// handleAccounts returns the cached snapshot of every account.
func (s *Server) handleAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"accounts": s.registry.ListAccounts(),
	})
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// handleLogin exchanges the operator password for a short-lived token.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}

	if s.authCfg.OperatorPasswordHash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator login not configured"})
		return
	}
	if !auth.VerifyPassword(req.Password, s.authCfg.OperatorPasswordHash) {
		s.logger.Warn().Str("remote", c.ClientIP()).Msg("failed operator login")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.jwt.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": s.jwt.TokenDuration(),
	})
}

type emergencyStopRequest struct {
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

// handleEmergencyStop trips the risk governor manually.
func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	c.ShouldBindJSON(&req)

	if req.Reason == "" {
		req.Reason = "MANUAL_STOP"
	}
	if req.Details == "" {
		req.Details = "manual emergency stop via API"
	}

	if err := s.engine.EmergencyStop(c.Request.Context(), req.Reason, req.Details); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "emergency stop activated", "reason": req.Reason})
}

// handleEmergencyReset re-enables trading after an emergency stop.
func (s *Server) handleEmergencyReset(c *gin.Context) {
	if err := s.engine.EmergencyReset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "trading resumed"})
}
