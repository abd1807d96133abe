package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
)

// errJSON renders a kinded error as the standard error envelope.
func errJSON(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch relay.KindOf(err) {
	case relay.KindNotFound:
		status, code = http.StatusNotFound, "NOT_FOUND"
	case relay.KindInvalidArg:
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case relay.KindDuplicate:
		status, code = http.StatusConflict, "DUPLICATE"
	case relay.KindUnreachable:
		status, code = http.StatusBadGateway, "UNREACHABLE"
	case relay.KindRateLimited:
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
	case relay.KindCancelled:
		status, code = http.StatusRequestTimeout, "CANCELLED"
	}
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}

func (s *Server) handleListSessions(c *gin.Context) {
	f := registry.Filter{
		Status: c.Query("status"),
		Host:   c.Query("host"),
	}
	if limit := c.Query("limit"); limit != "" {
		f.Limit, _ = strconv.Atoi(limit)
	}
	if c.Query("live") == "true" {
		f.Live = true
	}
	sessions, err := s.registry.List(f)
	if err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.registry.Get(c.Param("name"))
	if err != nil {
		errJSON(c, err)
		return
	}
	count, _ := s.store.CountBySession(sess.Name)
	bindings, _ := s.store.BindingsFor(sess.Name)
	c.JSON(http.StatusOK, gin.H{
		"session":       sess,
		"message_count": count,
		"bindings":      bindings,
	})
}

type createSessionReq struct {
	Name      string `json:"name" binding:"required"`
	Host      string `json:"host"`
	AgentType string `json:"agent_type"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, relay.Wrap(relay.KindInvalidArg, err, "dashboard: bad create body"))
		return
	}
	if err := s.router.CreateSession(c.Request.Context(), req.Name, req.Host, req.AgentType); err != nil {
		errJSON(c, err)
		return
	}
	sess, err := s.registry.Get(req.Name)
	if err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.registry.Get(name); err != nil {
		errJSON(c, err)
		return
	}
	if err := s.router.KillSession(c.Request.Context(), name); err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": name})
}

type updateSessionReq struct {
	AgentType string `json:"agent_type"`
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	name := c.Param("name")
	var req updateSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, relay.Wrap(relay.KindInvalidArg, err, "dashboard: bad update body"))
		return
	}
	if _, err := s.registry.Get(name); err != nil {
		errJSON(c, err)
		return
	}
	if req.AgentType != "" {
		if _, err := s.registry.Upsert(registry.Observation{
			Name:      name,
			AgentType: models.NormalizeAgentType(req.AgentType),
			Source:    registry.SourceUser,
		}); err != nil {
			errJSON(c, err)
			return
		}
	}
	sess, _ := s.registry.Get(name)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type bulkDeleteReq struct {
	Names []string `json:"names" binding:"required"`
}

func (s *Server) handleBulkDelete(c *gin.Context) {
	var req bulkDeleteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, relay.Wrap(relay.KindInvalidArg, err, "dashboard: bad bulk-delete body"))
		return
	}
	killed := make([]string, 0, len(req.Names))
	failed := map[string]string{}
	for _, name := range req.Names {
		if err := s.router.KillSession(c.Request.Context(), name); err != nil {
			failed[name] = err.Error()
			continue
		}
		killed = append(killed, name)
	}
	c.JSON(http.StatusOK, gin.H{"killed": killed, "failed": failed})
}

func (s *Server) handleSessionMessages(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.registry.Get(name); err != nil {
		errJSON(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	msgs, total, err := s.store.Page(name, limit, offset)
	if err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

type sendMessageReq struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	name := c.Param("name")
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, relay.Wrap(relay.KindInvalidArg, err, "dashboard: bad send body"))
		return
	}
	if err := s.router.InjectText(c.Request.Context(), name, req.Text); err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": name})
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	results, err := s.store.Search(c.Query("session"), query, limit)
	if err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "total": len(results)})
}
