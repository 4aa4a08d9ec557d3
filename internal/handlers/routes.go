// Package handlers is the HTTP and WebSocket surface of the lesson daemon.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-classroom/internal/call"
	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/mossy-p/webrtc-classroom/internal/middleware"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/mossy-p/webrtc-classroom/internal/signaling"
	"github.com/mossy-p/webrtc-classroom/internal/whiteboard"
)

// LessonStore is the lesson repository the handlers read and write.
type LessonStore interface {
	Create(ctx context.Context, teacherID string, req models.CreateLessonRequest) (*models.Lesson, error)
	Get(ctx context.Context, identifier string) (*models.Lesson, error)
	Delete(ctx context.Context, identifier, userID string) error
}

// Deps are the services behind the routes.
type Deps struct {
	JWTSecret      string
	AllowedOrigins []string
	Lessons        LessonStore
	Calls          *call.Registry
	Boards         *whiteboard.Boards
	Relay          signaling.Transport
	Constraints    media.Constraints
}

// Register mounts every route on r.
func Register(r *gin.Engine, d Deps) {
	// Global CORS middleware (runs before routing)
	r.Use(OriginFilter(d.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(d.JWTSecret)

	api := r.Group("/api")
	{
		api.POST("/auth/login", Login(d.JWTSecret))

		api.POST("/lessons", auth, CreateLesson(d.Lessons))
		api.GET("/lessons/:lessonId", GetLesson(d.Lessons))
		api.DELETE("/lessons/:lessonId", auth, DeleteLesson(d.Lessons))
		api.POST("/lessons/:lessonId/call", auth, JoinLessonCall(d.Lessons, d.Calls, d.Constraints))
	}

	calls := api.Group("/call", auth)
	{
		calls.GET("", CallState(d.Calls))
		calls.DELETE("", EndCall(d.Calls))
		calls.POST("/media/retry", RetryMedia(d.Calls))
		calls.POST("/media/:kind", ToggleMedia(d.Calls))
		calls.POST("/screen", StartShare(d.Calls))
		calls.DELETE("/screen", StopShare(d.Calls))
	}

	board := api.Group("/whiteboard", auth)
	{
		board.GET("", BoardState(d.Boards))
		board.POST("/tool", SetTool(d.Boards))
		board.POST("/color", SetColor(d.Boards))
		board.POST("/strokes", DrawStroke(d.Boards))
		board.POST("/text", PlaceText(d.Boards))
		board.POST("/clear", ClearBoard(d.Boards))
		board.POST("/undo", Undo(d.Boards))
		board.POST("/redo", Redo(d.Boards))
		board.GET("/export.png", ExportBoard(d.Boards))
	}

	ws := r.Group("/ws", auth)
	{
		ws.GET("/signal/:classId", Relay(d.Lessons, d.Relay))
		ws.GET("/events", Events(d.Calls))
	}
}

func currentUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
	}
	return userID, ok
}
