package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// SessionCookieName is the cookie carrying the browser session.
const SessionCookieName = "threatgate_session"

// SessionStartKey is the session value holding the unix timestamp of the
// session's creation, stamped by the session tracking middleware.
const SessionStartKey = "session_start"

// RequestView is an immutable snapshot of the request attributes the threat
// engine inspects. Built once per request so every factor sees the same data.
type RequestView struct {
	ClientID        string
	Path            string
	Method          string
	UserAgent       string
	Query           map[string]string
	Headers         map[string]string
	IsAuthenticated bool
	HasSession      bool
	SessionAge      int // seconds since session creation, 0 when unknown
	CookieCount     int
}

// FromGin captures the request view. clientID is the already-resolved client
// identity (proxy-aware remote address).
func FromGin(c *gin.Context, clientID string) *RequestView {
	query := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	headers := make(map[string]string, len(c.Request.Header))
	for k, v := range c.Request.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	hasSession := false
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
		hasSession = true
	}

	_, authenticated := c.Get("authenticated_user")

	sessionAge := 0
	if v, exists := c.Get(sessions.DefaultKey); exists {
		if sess, ok := v.(sessions.Session); ok {
			if start, ok := sess.Get(SessionStartKey).(int64); ok && start > 0 {
				sessionAge = int(time.Now().Unix() - start)
			}
		}
	}

	return &RequestView{
		ClientID:        clientID,
		Path:            c.Request.URL.Path,
		Method:          c.Request.Method,
		UserAgent:       c.Request.UserAgent(),
		Query:           query,
		Headers:         headers,
		IsAuthenticated: authenticated,
		HasSession:      hasSession,
		SessionAge:      sessionAge,
		CookieCount:     len(c.Request.Cookies()),
	}
}

// Header returns the named header value, case-insensitively.
func (v *RequestView) Header(name string) string {
	for k, val := range v.Headers {
		if strings.EqualFold(k, name) {
			return val
		}
	}
	return ""
}

// HasAuthHeader reports whether any recognized API credential header is set.
func (v *RequestView) HasAuthHeader() bool {
	return v.Header("Authorization") != "" ||
		v.Header("X-Api-Key") != "" ||
		v.Header("X-Auth-Token") != ""
}

// Endpoint is the request path without the leading slash, the form used for
// pattern tracking and signatures.
func (v *RequestView) Endpoint() string {
	return strings.TrimPrefix(v.Path, "/")
}

// UserAgentHash is a short stable digest of the user agent, used inside
// pattern signatures so raw agent strings never reach the shared ledger.
func (v *RequestView) UserAgentHash() string {
	sum := sha256.Sum256([]byte(v.UserAgent))
	return hex.EncodeToString(sum[:])[:16]
}

// PatternSignature derives the deterministic cross-client signature for this
// request shape. Identical endpoint+method+agent always hash identically,
// regardless of which node computes it.
func (v *RequestView) PatternSignature() string {
	payload, _ := json.Marshal(struct {
		Endpoint  string `json:"endpoint"`
		Method    string `json:"method"`
		UserAgent string `json:"user_agent"`
	}{
		Endpoint:  v.Endpoint(),
		Method:    v.Method,
		UserAgent: v.UserAgentHash(),
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
