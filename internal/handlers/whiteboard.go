package handlers

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-classroom/internal/whiteboard"
)

// BoardStatus is what the toolbar renders.
type BoardStatus struct {
	Tool    whiteboard.Tool `json:"tool"`
	Color   string          `json:"color"`
	CanUndo bool            `json:"canUndo"`
	CanRedo bool            `json:"canRedo"`
	Width   int             `json:"width"`
	Height  int             `json:"height"`
}

// StrokeRequest carries one stroke either as viewport events with the
// canvas bounds, or as canvas-local points.
type StrokeRequest struct {
	Events []whiteboard.InputEvent `json:"events"`
	Bounds *whiteboard.Bounds      `json:"bounds"`
	Points []whiteboard.Point      `json:"points"`
}

// TextRequest places text at a canvas-local point.
type TextRequest struct {
	At   whiteboard.Point `json:"at"`
	Text string           `json:"text" binding:"required"`
}

func boardStatus(b *whiteboard.Board) BoardStatus {
	w, h := b.Size()
	col := b.Color()
	return BoardStatus{
		Tool:    b.Tool(),
		Color:   fmt.Sprintf("#%02x%02x%02x", col.R, col.G, col.B),
		CanUndo: b.CanUndo(),
		CanRedo: b.CanRedo(),
		Width:   w,
		Height:  h,
	}
}

func withBoard(boards *whiteboard.Boards, fn func(c *gin.Context, b *whiteboard.Board) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		b := boards.Get(userID)
		if fn(c, b) {
			c.JSON(http.StatusOK, boardStatus(b))
		}
	}
}

// BoardState returns the toolbar state
func BoardState(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(*gin.Context, *whiteboard.Board) bool { return true })
}

// SetTool selects pen, eraser or text
func SetTool(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(c *gin.Context, b *whiteboard.Board) bool {
		var req struct {
			Tool whiteboard.Tool `json:"tool" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
		if err := b.SetTool(req.Tool); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
		return true
	})
}

// SetColor sets the pen color from #rgb or #rrggbb
func SetColor(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(c *gin.Context, b *whiteboard.Board) bool {
		var req struct {
			Color string `json:"color" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
		col, err := whiteboard.ParseColor(req.Color)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
		b.SetColor(col)
		return true
	})
}

// DrawStroke draws one stroke with the active tool
func DrawStroke(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(c *gin.Context, b *whiteboard.Board) bool {
		var req StrokeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
		points := req.Points
		if len(req.Events) > 0 {
			if req.Bounds == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bounds are required with events"})
				return false
			}
			points = whiteboard.NormalizeAll(req.Events, *req.Bounds)
		}
		if len(points) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stroke has no points"})
			return false
		}
		if b.Tool() == whiteboard.ToolText {
			c.JSON(http.StatusConflict, gin.H{"error": "text tool does not draw strokes"})
			return false
		}
		b.Stroke(points)
		return true
	})
}

// PlaceText draws text in the current color
func PlaceText(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(c *gin.Context, b *whiteboard.Board) bool {
		var req TextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
		if err := b.PlaceText(req.At, req.Text); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
		return true
	})
}

// ClearBoard erases everything as one undoable step
func ClearBoard(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(_ *gin.Context, b *whiteboard.Board) bool {
		b.Clear()
		return true
	})
}

// Undo steps back. At the start of history it is a no-op.
func Undo(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(_ *gin.Context, b *whiteboard.Board) bool {
		b.Undo()
		return true
	})
}

// Redo steps forward. At the end of history it is a no-op.
func Redo(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(_ *gin.Context, b *whiteboard.Board) bool {
		b.Redo()
		return true
	})
}

// ExportBoard downloads the canvas as PNG
func ExportBoard(boards *whiteboard.Boards) gin.HandlerFunc {
	return withBoard(boards, func(c *gin.Context, b *whiteboard.Board) bool {
		var buf bytes.Buffer
		if err := b.Export(&buf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return false
		}
		c.Header("Content-Disposition", `attachment; filename="whiteboard.png"`)
		c.Data(http.StatusOK, "image/png", buf.Bytes())
		return false
	})
}
