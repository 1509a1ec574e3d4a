package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	sessionCookieName = "wh_session"
	csrfCookieName    = "wh_csrf"
	csrfHeaderName    = "X-CSRF-Token"

	// defaultMaxBodyBytes bounds request bodies; larger requests get 413.
	defaultMaxBodyBytes = 1 << 20
)

// requestLogger logs one line per request in the service's slog format.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

// bodyLimit rejects oversized request bodies with 413 instead of letting
// handlers fail mid-read.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			respondError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// authRequired accepts a bearer token or API key from the configured set,
// an agent-scoped stream token, or a browser session cookie. The
// authenticated principal lands in the context under "principal";
// cookie-based requests are flagged for CSRF, scoped tokens carry their
// agent id under "streamScope".
func authRequired(tokens []string, scopes map[string]string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			allowed[t] = struct{}{}
		}
	}
	accept := func(c *gin.Context, token string) bool {
		if _, ok := allowed[token]; ok {
			c.Set("principal", "api-client")
			return true
		}
		if agentID, ok := scopes[token]; ok && agentID != "" {
			c.Set("principal", "stream:"+agentID)
			c.Set("streamScope", agentID)
			return true
		}
		return false
	}
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if accept(c, token) {
				c.Next()
				return
			}
			respondError(c, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		if key := c.GetHeader("X-API-Key"); key != "" {
			if accept(c, key) {
				c.Next()
				return
			}
			respondError(c, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}
		if cookie, err := c.Cookie(sessionCookieName); err == nil && cookie != "" {
			c.Set("principal", "session:"+cookie)
			c.Set("cookieAuth", true)
			c.Next()
			return
		}
		respondError(c, http.StatusUnauthorized, "unauthorized", "authentication required")
	}
}

// streamScopeGuard confines agent-scoped tokens to their agent's stream
// endpoints; everything else is forbidden for them.
func streamScopeGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.GetString("streamScope")
		if scope == "" {
			c.Next()
			return
		}
		path := c.FullPath()
		streaming := path == "/api/v1/agents/:agentId/stream" || path == "/api/v1/agents/:agentId/ws"
		if !streaming || c.Param("agentId") != scope {
			respondError(c, http.StatusForbidden, "forbidden", "token is scoped to another agent's stream")
			return
		}
		c.Next()
	}
}

// csrfGuard enforces the double-submit cookie pattern for mutating
// requests authenticated by session cookie. Token-authenticated clients
// are exempt: they cannot be driven by a browser cross-site.
func csrfGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("cookieAuth") || isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		cookie, err := c.Cookie(csrfCookieName)
		header := c.GetHeader(csrfHeaderName)
		if err != nil || cookie == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			respondError(c, http.StatusForbidden, "csrf", "missing or mismatched CSRF token")
			return
		}
		c.Next()
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// principal returns the authenticated caller identity for audit fields.
func principal(c *gin.Context) string {
	if p := c.GetString("principal"); p != "" {
		return p
	}
	return "anonymous"
}
