package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Protocol-Lattice/chatproxy/pkg/attachment"
	"github.com/Protocol-Lattice/chatproxy/pkg/conversation"
	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

const (
	// DefaultMaxBodyBytes caps the JSON request body.
	DefaultMaxBodyBytes = 1 << 20

	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"

	homePage            = "<h1>Your Gemini API is running...</h1>"
	internalServerError = "Internal Server Error"
)

// Conversations is the orchestrator surface the HTTP layer drives.
type Conversations interface {
	HandleTurn(ctx context.Context, req conversation.Request) (*conversation.Reply, error)
	History(sessionID string) []models.Turn
}

// Sessions is the store surface used by the admin routes.
type Sessions interface {
	Len() int
	Delete(id string) bool
}

type Server struct {
	conversations Conversations
	sessions      Sessions
	logger        *slog.Logger
	maxBodyBytes  int64
}

// New builds a Server. A nil logger uses slog.Default.
func New(conversations Conversations, sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		conversations: conversations,
		sessions:      sessions,
		logger:        logger,
		maxBodyBytes:  DefaultMaxBodyBytes,
	}
}

// WithMaxBodyBytes overrides the request body cap.
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	if n > 0 {
		s.maxBodyBytes = n
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(s.requestID(), s.accessLog(), gin.CustomRecovery(s.recovered))

	engine.GET("/", s.handleHome)
	engine.POST("/", s.handleChat)
	engine.POST("/api/gemini", s.handleChat)
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/sessions/:id", s.handleSessionHistory)
	engine.DELETE("/api/sessions/:id", s.handleSessionDelete)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
	})
	return engine
}

func (s *Server) handleHome(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(homePage))
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.sessions.Len()})
}

// chatRequest accepts both request shapes: a single "link" and a "links"
// list. Either may be a string or an array.
type chatRequest struct {
	Prompt   string     `json:"prompt"`
	CustomID string     `json:"customId"`
	Link     StringList `json:"link"`
	Links    StringList `json:"links"`
}

func (r chatRequest) links() []string {
	out := make([]string, 0, len(r.Links)+len(r.Link))
	out = append(out, r.Links...)
	return append(out, r.Link...)
}

func (s *Server) handleChat(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid JSON body"})
		return
	}

	reply, err := s.conversations.HandleTurn(c.Request.Context(), conversation.Request{
		SessionID: req.CustomID,
		Prompt:    req.Prompt,
		Links:     req.links(),
	})
	if err != nil {
		status, msg := s.errorResponse(c, err)
		c.JSON(status, gin.H{"message": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": reply.Text})
}

// errorResponse maps orchestrator errors onto a status and a caller-safe
// message.
func (s *Server) errorResponse(c *gin.Context, err error) (int, string) {
	if errors.Is(err, conversation.ErrMissingPrompt) {
		return http.StatusBadRequest, "prompt is required"
	}
	var ae *conversation.AttachmentError
	if errors.As(err, &ae) {
		return http.StatusBadRequest, fmt.Sprintf("attachment %s: %s", ae.URL, attachmentReason(ae.Err))
	}
	s.logger.Error("request failed", requestIDKey, c.GetString(requestIDKey), "err", err)
	return http.StatusInternalServerError, internalServerError
}

func attachmentReason(err error) string {
	switch {
	case errors.Is(err, attachment.ErrTooLarge):
		return "too large"
	case errors.Is(err, attachment.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, attachment.ErrExtractionFailed):
		return "text extraction failed"
	case errors.Is(err, attachment.ErrUploadFailed):
		return "upload failed"
	default:
		return "could not be processed"
	}
}

func (s *Server) handleSessionHistory(c *gin.Context) {
	id := c.Param("id")
	turns := s.conversations.History(id)
	if turns == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customId": id, "turns": turns})
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	s.sessions.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			requestIDKey, c.GetString(requestIDKey),
		)
	}
}

func (s *Server) recovered(c *gin.Context, rec any) {
	s.logger.Error("panic recovered", requestIDKey, c.GetString(requestIDKey), "panic", rec)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": internalServerError})
}
