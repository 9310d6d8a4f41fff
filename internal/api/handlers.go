package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/nghyane/qwen-proxy/internal/logging"
	"github.com/nghyane/qwen-proxy/internal/oauth"
	"github.com/nghyane/qwen-proxy/internal/pool"
	"github.com/nghyane/qwen-proxy/internal/store"
	"github.com/nghyane/qwen-proxy/internal/util"
)

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Password != s.cfg.APIPassword {
		fail(c, http.StatusUnauthorized, "invalid password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUploadToken(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
		ExpiryDate   int64  `json:"expiry_date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		fail(c, http.StatusBadRequest, "access_token and refresh_token are required")
		return
	}

	now := util.NowMillis()
	expiresAt := req.ExpiresAt
	if expiresAt == 0 {
		expiresAt = req.ExpiryDate
	}
	if expiresAt == 0 {
		// Unknown expiry: assume the usual access-token hour.
		expiresAt = now + 3600*1000
	}

	token := store.Token{
		ID:           util.TokenID(req.RefreshToken),
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    expiresAt,
		UploadedAt:   now,
	}
	if err := s.pool.Upsert(c.Request.Context(), token); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	log.Infof("token %s uploaded", token.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "tokenId": token.ID})
}

func (s *Server) handleTokenStatus(c *gin.Context) {
	if err := s.pool.Reload(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.pool.Status())
}

func (s *Server) handleRefreshSingle(c *gin.Context) {
	var req struct {
		TokenID string `json:"tokenId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TokenID == "" {
		fail(c, http.StatusBadRequest, "tokenId is required")
		return
	}

	if err := s.pool.RefreshSingle(c.Request.Context(), req.TokenID); err != nil {
		if errors.Is(err, pool.ErrTokenNotFound) {
			fail(c, http.StatusNotFound, "token not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tokenId": req.TokenID,
		"message": "token refreshed",
	})
}

func (s *Server) handleDeleteToken(c *gin.Context) {
	var req struct {
		TokenID string `json:"tokenId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TokenID == "" {
		fail(c, http.StatusBadRequest, "tokenId is required")
		return
	}
	if _, ok := s.pool.Get(req.TokenID); !ok {
		fail(c, http.StatusNotFound, "token not found")
		return
	}
	if err := s.pool.Delete(c.Request.Context(), req.TokenID); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tokenId": req.TokenID})
}

func (s *Server) handleDeleteAllTokens(c *gin.Context) {
	deleted, err := s.pool.DeleteAll(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deletedCount": deleted})
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	if s.pool.Len() == 0 {
		fail(c, http.StatusInternalServerError, "no tokens to refresh")
		return
	}
	summary := s.pool.RefreshAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"refreshResults":  summary.Results,
		"remainingTokens": summary.Remaining,
	})
}

func (s *Server) handleOAuthInit(c *gin.Context) {
	res, err := s.coord.Init(c.Request.Context())
	if err != nil {
		if errors.Is(err, oauth.ErrInitTimeout) {
			// Structured failure, not an HTTP error: the UI retries.
			c.JSON(http.StatusOK, gin.H{"success": false, "error": oauth.ErrInitTimeout.Error()})
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":                 true,
		"stateId":                 res.StateID,
		"userCode":                res.UserCode,
		"verificationUri":         res.VerificationURI,
		"verificationUriComplete": res.VerificationURIComplete,
		"expiresAt":               res.ExpiresAt,
		"expiresIn":               res.ExpiresIn,
	})
}

func (s *Server) handleOAuthPoll(c *gin.Context) {
	var req struct {
		StateID string `json:"stateId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.StateID == "" {
		fail(c, http.StatusBadRequest, "stateId is required")
		return
	}

	res, err := s.coord.Poll(c.Request.Context(), req.StateID)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	if res.Success && res.Token != nil {
		if err := s.pool.Upsert(c.Request.Context(), *res.Token); err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		log.Infof("oauth flow completed, token %s stored", res.Token.ID)
		c.JSON(http.StatusOK, gin.H{"success": true, "tokenId": res.Token.ID})
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) handleOAuthCancel(c *gin.Context) {
	var req struct {
		StateID string `json:"stateId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.StateID == "" {
		fail(c, http.StatusBadRequest, "stateId is required")
		return
	}
	s.coord.Cancel(req.StateID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUsage(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		date = util.LocalTodayISO(s.loc)
	}

	stats, err := s.store.ReadUsage(c.Request.Context(), date)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	models := gin.H{}
	var totalTokens, totalCalls int64
	for _, u := range stats {
		models[u.Model] = gin.H{
			"total_tokens": u.TotalTokens,
			"call_count":   u.CallCount,
		}
		totalTokens += u.TotalTokens
		totalCalls += u.CallCount
	}

	c.JSON(http.StatusOK, gin.H{
		"date":               date,
		"total_tokens_today": totalTokens,
		"total_calls_today":  totalCalls,
		"models":             models,
	})
}

func (s *Server) handleAvailableDates(c *gin.Context) {
	dates, err := s.store.ListAvailableDates(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if dates == nil {
		dates = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"dates": dates})
}

func (s *Server) handleDeleteUsage(c *gin.Context) {
	var req struct {
		Date string `json:"date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Date == "" {
		fail(c, http.StatusBadRequest, "date is required")
		return
	}
	deleted, err := s.store.DeleteUsage(c.Request.Context(), req.Date)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deletedCount": deleted})
}

func (s *Server) schedulerOr503(c *gin.Context) bool {
	if s.sched == nil {
		fail(c, http.StatusServiceUnavailable, "scheduler is disabled")
		return false
	}
	return true
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	if !s.schedulerOr503(c) {
		return
	}
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

func (s *Server) handleSchedulerStart(c *gin.Context) {
	if !s.schedulerOr503(c) {
		return
	}
	s.sched.Start()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	if !s.schedulerOr503(c) {
		return
	}
	s.sched.Stop()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSchedulerForceRefresh(c *gin.Context) {
	if !s.schedulerOr503(c) {
		return
	}
	if err := s.sched.ForceRefreshNow(c.Request.Context()); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSchedulerSetInterval(c *gin.Context) {
	if !s.schedulerOr503(c) {
		return
	}
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.sched.SetInterval(req.Minutes); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "minutes": req.Minutes})
}
