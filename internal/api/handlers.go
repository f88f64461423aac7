package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/livecheck/livecheck/internal/app"
	"github.com/livecheck/livecheck/internal/auth/google"
	"github.com/livecheck/livecheck/internal/credential"
	"github.com/livecheck/livecheck/internal/live"
	"github.com/livecheck/livecheck/internal/logging"
)

type credentialRequest struct {
	Mode string   `json:"mode"`
	Keys []string `json:"keys"`
}

type callbackRequest struct {
	RedirectURL string `json:"redirect_url"`
}

type audioRequest struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

type verifyRequest struct {
	Text string `json:"text"`
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"status": "error", "error": msg})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) postLogin(c *gin.Context) {
	attempt, err := s.svc.BeginLogin(c.Request.Context())
	if err != nil {
		errorJSON(c, statusForAuthError(err), google.GetUserFriendlyMessage(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "pending",
		"url":       attempt.URL,
		"presented": attempt.Presented.String(),
	})
}

func (s *Server) postCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.RedirectURL) == "" {
		errorJSON(c, http.StatusBadRequest, "redirect_url is required")
		return
	}
	if err := s.svc.SubmitCallbackURL(req.RedirectURL); err != nil {
		errorJSON(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) postLogout(c *gin.Context) {
	s.svc.Logout()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) putCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid body")
		return
	}
	var err error
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(req.Mode)), "-", "_") {
	case string(credential.KindOAuth):
		err = s.svc.UseOAuth()
	case string(credential.KindAPIKey):
		err = s.svc.UseAPIKeys(req.Keys)
	default:
		errorJSON(c, http.StatusBadRequest, `mode must be "oauth" or "api_key"`)
		return
	}
	switch {
	case errors.Is(err, credential.ErrNoKeys):
		errorJSON(c, http.StatusBadRequest, "no api keys configured")
		return
	case errors.Is(err, credential.ErrSessionOpen):
		errorJSON(c, http.StatusConflict, "a live session is still open")
		return
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, "failed to switch credential")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "credential": s.svc.Status().Credential})
}

func (s *Server) postSessionStart(c *gin.Context) {
	_, err := s.svc.StartSession(c.Request.Context())
	if err != nil {
		status, msg := sessionError(err)
		errorJSON(c, status, msg)
		return
	}
	st := s.svc.Status()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": st.SessionID, "state": st.SessionState})
}

func sessionError(err error) (int, string) {
	switch {
	case google.IsAuthenticationError(err):
		return statusForAuthError(err), google.GetUserFriendlyMessage(err)
	case errors.Is(err, credential.ErrNoKeys):
		return http.StatusBadRequest, "no api keys configured"
	case errors.Is(err, app.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	}
	if tErr, ok := errors.AsType[*live.TransportError](err); ok {
		if tErr.StatusCode != 0 {
			return http.StatusBadGateway, fmt.Sprintf("live service refused the connection (HTTP %d)", tErr.StatusCode)
		}
		return http.StatusBadGateway, "could not connect to the live service"
	}
	return http.StatusInternalServerError, "failed to start session"
}

func statusForAuthError(err error) int {
	switch {
	case errors.Is(err, app.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, google.ErrNotAuthenticated), errors.Is(err, google.ErrAuthRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, google.ErrAuthTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) postSessionStop(c *gin.Context) {
	s.svc.StopSession()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) postSessionAudio(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	var req audioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Data) == "" {
		errorJSON(c, http.StatusBadRequest, "data is required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": s.svc.SendAudio(req.Data, req.MIMEType)})
}

func (s *Server) getClaims(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"claims": s.svc.Claims()})
}

func (s *Server) getClaim(c *gin.Context) {
	rec, ok := s.svc.Claim(c.Param("id"))
	if !ok {
		errorJSON(c, http.StatusNotFound, "claim not found")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) postVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		errorJSON(c, http.StatusBadRequest, "text is required")
		return
	}
	c.JSON(http.StatusOK, s.svc.VerifyText(c.Request.Context(), text))
}
