package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ControlKeyHeader carries the optional shared secret.
const ControlKeyHeader = "X-LiveCheck-Key"

// loopbackOnly rejects remote clients unless a control key is configured.
func (s *Server) loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.currentControlKey() != "" {
			c.Next()
			return
		}
		ip := net.ParseIP(c.RemoteIP())
		if ip == nil || !ip.IsLoopback() {
			log.Warnf("rejected control API request from non-loopback address %s", c.RemoteIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": "error", "error": "control API is restricted to localhost"})
			return
		}
		c.Next()
	}
}

func (s *Server) requireControlKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.currentControlKey()
		if want == "" {
			c.Next()
			return
		}
		got := strings.TrimSpace(c.GetHeader(ControlKeyHeader))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "missing or invalid " + ControlKeyHeader})
			return
		}
		c.Next()
	}
}

func (s *Server) currentControlKey() string {
	if key := s.controlKey.Load(); key != nil {
		return *key
	}
	return ""
}
