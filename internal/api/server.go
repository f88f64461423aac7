// Package api exposes the local control API the external UI talks to. It binds
// to loopback by default and forwards every request to the application context.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/livecheck/livecheck/internal/app"
	"github.com/livecheck/livecheck/internal/authflow"
	"github.com/livecheck/livecheck/internal/claims"
	"github.com/livecheck/livecheck/internal/config"
	"github.com/livecheck/livecheck/internal/live"
	"github.com/livecheck/livecheck/internal/logging"
	"github.com/livecheck/livecheck/internal/verify"
	log "github.com/sirupsen/logrus"
)

const (
	readHeaderTimeout = 10 * time.Second
	eventBuffer       = 64
	keepAliveInterval = 15 * time.Second
)

// Service is the application surface the API drives. *app.App implements it.
type Service interface {
	Status() app.Status
	BeginLogin(ctx context.Context) (*authflow.Attempt, error)
	SubmitCallbackURL(raw string) error
	Logout()
	UseOAuth() error
	UseAPIKeys(keys []string) error
	StartSession(ctx context.Context) (*live.Session, error)
	StopSession()
	SendAudio(b64, mime string) bool
	Claims() []claims.Record
	Claim(id string) (claims.Record, bool)
	VerifyText(ctx context.Context, text string) verify.Result
	Events(buffer int) (<-chan app.StatusEvent, func())
}

// Server owns the gin engine and its http.Server.
type Server struct {
	engine     *gin.Engine
	server     *http.Server
	svc        Service
	controlKey atomic.Pointer[string]
	keepAlive  time.Duration
}

// NewServer builds the engine and registers the /v0 routes.
func NewServer(cfg *config.Config, svc Service) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	s := &Server{engine: engine, svc: svc, keepAlive: keepAliveInterval}
	s.UpdateConfig(cfg)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	v0 := s.engine.Group("/v0", s.loopbackOnly(), s.requireControlKey())
	{
		v0.GET("/status", s.getStatus)

		v0.POST("/auth/login", s.postLogin)
		v0.POST("/auth/callback", s.postCallback)
		v0.POST("/auth/logout", s.postLogout)

		v0.PUT("/credential", s.putCredential)

		v0.POST("/session/start", s.postSessionStart)
		v0.POST("/session/stop", s.postSessionStop)
		v0.POST("/session/audio", s.postSessionAudio)

		v0.GET("/claims", s.getClaims)
		v0.GET("/claims/:id", s.getClaim)
		v0.POST("/verify", s.postVerify)

		v0.GET("/events", s.getEvents)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// UpdateConfig applies hot-reloadable settings. The listen address is fixed at construction.
func (s *Server) UpdateConfig(cfg *config.Config) {
	key := cfg.ControlKey
	s.controlKey.Store(&key)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	log.Infof("control API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control API: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully. Open event streams end when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping control API")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	return nil
}
