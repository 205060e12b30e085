// Package console exposes the operator console API: explicit session
// lifecycle, live SSE streams of the two derived views, and the send
// commands. These handlers are thin wrappers; all ordering and consistency
// logic lives in the sync engine and the composition pipeline.
package console

import (
	"errors"
	"net/http"

	"github.com/chirino/chat-console/internal/compose"
	registryattach "github.com/chirino/chat-console/internal/registry/attach"
	registryroute "github.com/chirino/chat-console/internal/registry/route"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/chirino/chat-console/internal/security"
	"github.com/chirino/chat-console/internal/session"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the console routes. Called after store initialization
// so the session manager is available.
func MountRoutes(r *gin.Engine, mgr *session.Manager) {
	g := r.Group("/v1")

	g.POST("/sessions", func(c *gin.Context) {
		createSession(c, mgr)
	})
	g.DELETE("/sessions/:sessionId", func(c *gin.Context) {
		deleteSession(c, mgr)
	})
	g.GET("/sessions/:sessionId/conversations/stream", func(c *gin.Context) {
		streamConversations(c, mgr)
	})
	g.PUT("/sessions/:sessionId/active-conversation", func(c *gin.Context) {
		setActiveConversation(c, mgr)
	})
	g.GET("/sessions/:sessionId/messages/stream", func(c *gin.Context) {
		streamMessages(c, mgr)
	})
	g.POST("/sessions/:sessionId/messages", func(c *gin.Context) {
		sendText(c, mgr)
	})
	g.POST("/sessions/:sessionId/attachments", func(c *gin.Context) {
		sendAttachment(c, mgr)
	})
}

// createSession opens a console session for the identity the auth layer put
// in the request headers. A missing tenant header is not an error: the
// session starts in the "no tenant selected" state and subscribes to
// nothing.
func createSession(c *gin.Context, mgr *session.Manager) {
	tenantID := c.GetHeader(security.TenantHeader)
	operatorID := c.GetHeader(security.OperatorHeader)
	if operatorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": security.OperatorHeader + " header is required"})
		return
	}
	s := mgr.Create(c.Request.Context(), tenantID, operatorID)
	c.JSON(http.StatusCreated, gin.H{
		"sessionId":  s.ID,
		"tenantId":   s.TenantID,
		"operatorId": s.OperatorID,
	})
}

func deleteSession(c *gin.Context, mgr *session.Manager) {
	if !mgr.Destroy(c.Param("sessionId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func lookupSession(c *gin.Context, mgr *session.Manager) *session.Session {
	s := mgr.Get(c.Param("sessionId"))
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil
	}
	s.Touch()
	return s
}

func streamConversations(c *gin.Context, mgr *session.Manager) {
	s := lookupSession(c, mgr)
	if s == nil {
		return
	}
	streamView(c, s, "conversations", func() any { return s.Engine.Conversations() })
}

func streamMessages(c *gin.Context, mgr *session.Manager) {
	s := lookupSession(c, mgr)
	if s == nil {
		return
	}
	streamView(c, s, "messages", func() any { return s.Engine.Messages() })
}

// streamView pushes the current view immediately and again on every engine
// publish until the client disconnects. Each event restates the complete
// view; clients replace, never merge.
func streamView(c *gin.Context, s *session.Session, name string, view func() any) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	for {
		// Arm the update channel before reading the view so a publish
		// between read and wait is not missed.
		updates := s.Engine.Updates()
		c.SSEvent(name, gin.H{
			name:        view(),
			"connected": s.Engine.Connected(),
		})
		c.Writer.Flush()
		select {
		case <-ctx.Done():
			return
		case <-updates:
			s.Touch()
		}
	}
}

type activeConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

func setActiveConversation(c *gin.Context, mgr *session.Manager) {
	s := lookupSession(c, mgr)
	if s == nil {
		return
	}
	var req activeConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.Engine.SetActiveConversation(c.Request.Context(), req.ConversationID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type sendTextRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

func sendText(c *gin.Context, mgr *session.Manager) {
	s := lookupSession(c, mgr)
	if s == nil {
		return
	}
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.Pipeline.SendText(c.Request.Context(), req.ConversationID, req.Text); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func sendAttachment(c *gin.Context, mgr *session.Manager) {
	s := lookupSession(c, mgr)
	if s == nil {
		return
	}
	conversationID := c.PostForm("conversationId")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	err = s.Pipeline.SendAttachment(c.Request.Context(),
		conversationID, fileHeader.Filename, file, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

// sendError maps composition failures onto HTTP statuses. Write-path
// failures are surfaced, never retried here; the operator may resubmit.
func sendError(c *gin.Context, err error) {
	var uploadErr *registryattach.UploadFailedError
	var writeErr *registrystore.WriteError
	switch {
	case errors.Is(err, compose.ErrEmptyMessage),
		errors.Is(err, compose.ErrNoActiveConversation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &uploadErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.As(err, &writeErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
