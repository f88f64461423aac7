// Package logging configures the process-wide logrus logger and provides Gin
// middleware for request logging and panic recovery on the control API.
package logging

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/livecheck/livecheck/internal/util"
	log "github.com/sirupsen/logrus"
)

const skipGinLogKey = "__gin_skip_request_logging__"

// GinLogrusLogger logs every control API request through logrus and tags the
// request context with a fresh request ID so downstream log lines can be correlated.
//
// Output: [2026-03-02 10:04:11] [3f9c21ab] [info ] 200 |          4ms |       127.0.0.1 | POST    "/v0/verify"
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := util.MaskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := GenerateRequestID()
		SetGinRequestID(c, requestID)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))
		c.Header("X-Request-Id", requestID)

		c.Next()

		if shouldSkipGinRequestLogging(c) {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		logLine := fmt.Sprintf("%3d | %12v | %15s | %-7s \"%s\"", statusCode, latency, c.ClientIP(), c.Request.Method, path)
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		entry := log.WithField("request_id", requestID)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

// GinLogrusRecovery recovers from handler panics, logs them with the stack and
// answers 500. http.ErrAbortHandler is re-raised so net/http aborts the connection quietly.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"request_id": GetGinRequestID(c),
			"error":      fmt.Sprint(recovered),
		}).Errorf("recovered from panic on %s\n%s", c.Request.URL.Path, debug.Stack())

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// SkipGinRequestLogging suppresses the access log line for this request.
// Used for high-frequency endpoints such as audio frame ingestion.
func SkipGinRequestLogging(c *gin.Context) {
	if c == nil {
		return
	}
	c.Set(skipGinLogKey, true)
}

func shouldSkipGinRequestLogging(c *gin.Context) bool {
	if c == nil {
		return false
	}
	flag, ok := c.Get(skipGinLogKey)
	if !ok {
		return false
	}
	skip, _ := flag.(bool)
	return skip
}
