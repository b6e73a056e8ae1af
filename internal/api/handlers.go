package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/perpflow/scanner/internal/exchange"
	"github.com/perpflow/scanner/internal/rules"
	"github.com/perpflow/scanner/internal/scanner"
)

// controlRequest is the shared body for pause/resume/force-scan.
type controlRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// breakerRequest sets the manual breaker.
type breakerRequest struct {
	State  string `json:"state" binding:"required"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// ruleRequest registers one rule.
type ruleRequest struct {
	Name       string `json:"name" binding:"required"`
	Expression string `json:"expression" binding:"required"`
	Scope      string `json:"scope"`
}

// handleHealth always answers 200; degradation is reported in the body so
// load balancers never flap on a slow cycle.
func (s *Server) handleHealth(c *gin.Context) {
	health, control := s.scan.GetHealth()
	status := "ok"
	if health.Status != scanner.SLAOk || health.FailureStreak > 0 ||
		control.Breaker.ManualState == scanner.BreakerOpen ||
		health.Adapter.State == exchange.StateOpen {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"health":  health,
		"control": gin.H{"paused": control.Paused, "breaker": control.Breaker},
	})
}

func (s *Server) handleLatestRankings(c *gin.Context) {
	if frame := s.bus.LastFrame(); frame != nil {
		c.JSON(http.StatusOK, frame)
		return
	}
	// Nothing broadcast yet; fall back to the cache if one is wired.
	if s.cache != nil {
		profile := c.Query("profile")
		if profile == "" {
			profile = "scalp"
		}
		if frame, err := s.cache.LatestRankings(c.Request.Context(), profile); err == nil && frame != nil {
			c.JSON(http.StatusOK, frame)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no rankings yet"})
}

func (s *Server) handlePause(c *gin.Context) {
	var req controlRequest
	_ = c.ShouldBindJSON(&req)
	resp := s.scan.Control().Pause(req.Actor, req.Reason)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleResume(c *gin.Context) {
	var req controlRequest
	_ = c.ShouldBindJSON(&req)
	resp := s.scan.Control().Resume(req.Actor, req.Reason)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleForceScan(c *gin.Context) {
	var req controlRequest
	_ = c.ShouldBindJSON(&req)
	resp := s.scan.Control().ForceScan(req.Actor, req.Reason)
	if !resp.Queued {
		c.JSON(http.StatusConflict, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBreaker(c *gin.Context) {
	var req breakerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, ok := s.scan.Control().SetManualBreaker(req.State, req.Actor, req.Reason)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be open or closed"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleControlState(c *gin.Context) {
	c.JSON(http.StatusOK, s.scan.Control().Snapshot(20))
}

func (s *Server) handleListRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rules":    s.rules.Rules(),
		"disabled": s.rules.Disabled(),
	})
}

// handleRegisterRule registers a rule. A compile failure is reported in
// the body but does not reject the request; the rule simply stays disabled.
func (s *Server) handleRegisterRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.rules.Register(rules.Rule{Name: req.Name, Expression: req.Expression, Scope: req.Scope})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"registered": false, "disabled_reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}
