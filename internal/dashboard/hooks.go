package dashboard

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
	"github.com/jiunbae/aily/internal/router"
)

// hookEventReq is the webhook body hook scripts post on agent events.
type hookEventReq struct {
	Type        string `json:"type"`
	SessionName string `json:"session_name"`
	Agent       string `json:"agent"`
	Platform    string `json:"platform"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	ExternalID  string `json:"external_id"`
	SourceID    string `json:"source_id"` // legacy alias for external_id
	Timestamp   string `json:"timestamp"`
}

// handleHookEvent is the webhook entry for local hook scripts, protected
// by a loopback source check instead of a token. The check trusts only the
// TCP peer address — never forwarding headers, which any client can forge.
// Non-loopback callers may still authenticate with the bearer token.
func (s *Server) handleHookEvent(c *gin.Context) {
	if !isLoopback(c.Request.RemoteAddr) {
		if !s.authorized(c.GetHeader("Authorization")) {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "FORBIDDEN", "message": "hook endpoint is loopback-only"},
			})
			return
		}
	}

	var req hookEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, relay.Wrap(relay.KindInvalidArg, err, "dashboard: bad hook body"))
		return
	}

	// Typing indicators pass straight through to the bus.
	if req.Type == "typing.start" || req.Type == "typing.stop" {
		t := bus.EventTypingStart
		if req.Type == "typing.stop" {
			t = bus.EventTypingStop
		}
		s.bus.Publish(bus.Event{Type: t, SessionName: req.SessionName})
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}

	externalID := req.ExternalID
	if externalID == "" {
		externalID = req.SourceID
	}
	var ts time.Time
	if req.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, req.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}

	ev := router.AgentEvent{
		SessionName: req.SessionName,
		Agent:       req.Agent,
		Role:        req.Role,
		Content:     req.Content,
		ExternalID:  externalID,
		Source:      models.SourceHook,
		Timestamp:   ts,
	}
	if err := s.router.HandleAgentEvent(c.Request.Context(), ev); err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleSyncSession forces a transcript rescrape for one session.
func (s *Server) handleSyncSession(c *gin.Context) {
	if s.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"code": "UNAVAILABLE", "message": "transcript scraping is not enabled"},
		})
		return
	}
	sess, err := s.registry.Get(c.Param("name"))
	if err != nil {
		errJSON(c, err)
		return
	}
	n, err := s.syncer.Scrape(c.Request.Context(), sess)
	if err != nil {
		errJSON(c, err)
		return
	}
	s.bus.Publish(bus.Event{
		Type:        bus.EventSyncComplete,
		SessionName: sess.Name,
		Payload:     map[string]interface{}{"ingested": n},
	})
	c.JSON(http.StatusOK, gin.H{"ingested": n})
}

// handleStats returns the aggregates behind the home dashboard.
func (s *Server) handleStats(c *gin.Context) {
	sessions, err := s.registry.List(registry.Filter{})
	if err != nil {
		errJSON(c, err)
		return
	}
	byStatus := map[string]int{}
	byHost := map[string]int{}
	var totalMessages int64
	for _, sess := range sessions {
		byStatus[sess.Status]++
		byHost[sess.Host]++
		if n, err := s.store.CountBySession(sess.Name); err == nil {
			totalMessages += n
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":       len(sessions),
		"by_status":      byStatus,
		"by_host":        byHost,
		"total_messages": totalMessages,
		"stream_clients": s.ws.clientCount(),
	})
}

// handleGetPreferences returns all user preferences.
func (s *Server) handleGetPreferences(c *gin.Context) {
	prefs, err := s.store.Preferences()
	if err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": prefs})
}

// handleSetPreferences merges the posted key/value pairs.
func (s *Server) handleSetPreferences(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, relay.Wrap(relay.KindInvalidArg, err, "dashboard: bad preferences body"))
		return
	}
	for k, v := range req {
		if err := s.store.SetPreference(k, v); err != nil {
			errJSON(c, err)
			return
		}
	}
	prefs, _ := s.store.Preferences()
	c.JSON(http.StatusOK, gin.H{"preferences": prefs})
}
