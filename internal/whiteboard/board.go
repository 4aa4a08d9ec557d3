// Package whiteboard is a raster drawing surface with linear snapshot
// history.
package whiteboard

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// Tool selects what pointer input does.
type Tool string

const (
	ToolPen    Tool = "pen"
	ToolEraser Tool = "eraser"
	ToolText   Tool = "text"
)

const (
	PenWidth    = 3.0
	EraserWidth = 20.0

	circleSegments = 24
)

var (
	// ErrUnknownTool indicates a tool name outside pen, eraser and text.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrBadColor indicates a color that is not #rgb or #rrggbb.
	ErrBadColor = errors.New("invalid color")

	// ErrEmptyText indicates a text insertion with no text.
	ErrEmptyText = errors.New("empty text")
)

// DefaultColor is black.
var DefaultColor = color.RGBA{A: 0xff}

// Point is a canvas-local coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Board is one participant's whiteboard. Every completed operation
// commits a full snapshot; history is linear.
type Board struct {
	mu      sync.Mutex
	canvas  *image.RGBA
	tool    Tool
	color   color.RGBA
	history []*image.RGBA
	index   int
	stroke  []Point
	drawing bool

	// reused across shapes, sized to each shape's box
	raster vector.Rasterizer
}

// New returns a blank transparent board of the given size.
func New(width, height int) *Board {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	return &Board{
		canvas:  canvas,
		tool:    ToolPen,
		color:   DefaultColor,
		history: []*image.RGBA{clone(canvas)},
	}
}

// Size returns the canvas dimensions.
func (b *Board) Size() (int, int) {
	r := b.canvas.Bounds()
	return r.Dx(), r.Dy()
}

// SetTool switches the active tool. An unfinished stroke is committed.
func (b *Board) SetTool(t Tool) error {
	switch t {
	case ToolPen, ToolEraser, ToolText:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTool, t)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
	b.tool = t
	return nil
}

// Tool returns the active tool.
func (b *Board) Tool() Tool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tool
}

// SetColor sets the pen and text color.
func (b *Board) SetColor(c color.RGBA) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.A = 0xff
	b.color = c
}

// Color returns the pen and text color.
func (b *Board) Color() color.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.color
}

// ParseColor parses #rgb or #rrggbb.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrBadColor, s)
	}
	var r, g, bl uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &bl); err != nil {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrBadColor, s)
	}
	return color.RGBA{R: r, G: g, B: bl, A: 0xff}, nil
}

// PointerDown starts a stroke with the pen or eraser. The text tool
// ignores it; see PlaceText.
func (b *Board) PointerDown(p Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tool == ToolText {
		return
	}
	b.finishLocked()
	b.drawing = true
	b.stroke = []Point{p}
	b.dotLocked(p)
}

// PointerMove extends the current stroke.
func (b *Board) PointerMove(p Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.drawing {
		return
	}
	last := b.stroke[len(b.stroke)-1]
	b.segmentLocked(last, p)
	b.stroke = append(b.stroke, p)
}

// PointerUp completes the stroke and commits a snapshot.
func (b *Board) PointerUp() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
}

// Stroke draws a whole stroke with the active tool.
func (b *Board) Stroke(points []Point) {
	if len(points) == 0 {
		return
	}
	b.PointerDown(points[0])
	for _, p := range points[1:] {
		b.PointerMove(p)
	}
	b.PointerUp()
}

// PlaceText draws text with its top-left corner at p in the current
// color and commits a snapshot.
func (b *Board) PlaceText(p Point, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  b.canvas,
		Src:  image.NewUniform(b.color),
		Face: face,
		Dot:  fixed.P(int(math.Round(p.X)), int(math.Round(p.Y))+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
	b.commitLocked("text")
	return nil
}

// Clear erases the whole canvas as one undoable operation.
func (b *Board) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
	draw.Draw(b.canvas, b.canvas.Bounds(), image.Transparent, image.Point{}, draw.Src)
	b.commitLocked("clear")
}

// Undo restores the previous snapshot. It reports whether it moved.
func (b *Board) Undo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
	if b.index == 0 {
		return false
	}
	b.index--
	copy(b.canvas.Pix, b.history[b.index].Pix)
	return true
}

// Redo re-applies the next snapshot. It reports whether it moved.
func (b *Board) Redo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawing || b.index >= len(b.history)-1 {
		return false
	}
	b.index++
	copy(b.canvas.Pix, b.history[b.index].Pix)
	return true
}

// CanUndo reports whether Undo would move.
func (b *Board) CanUndo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index > 0
}

// CanRedo reports whether Redo would move.
func (b *Board) CanRedo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index < len(b.history)-1
}

// HistoryLen returns the number of snapshots, the blank one included.
func (b *Board) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// Snapshot returns a copy of the canvas.
func (b *Board) Snapshot() *image.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.canvas)
}

// Export writes the canvas as PNG.
func (b *Board) Export(w io.Writer) error {
	if err := png.Encode(w, b.Snapshot()); err != nil {
		return fmt.Errorf("failed to encode whiteboard: %w", err)
	}
	return nil
}

// ExportFile writes the canvas as a PNG file at path.
func (b *Board) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := b.Export(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ExportFile",
		"path":     path,
	}).Info("Whiteboard exported")
	return nil
}

func (b *Board) finishLocked() {
	if !b.drawing {
		return
	}
	b.drawing = false
	op := "stroke"
	if b.tool == ToolEraser {
		op = "erase"
	}
	b.commitLocked(op)
	b.stroke = nil
}

// commitLocked drops any redo branch and appends the canvas.
func (b *Board) commitLocked(op string) {
	b.history = append(b.history[:b.index+1], clone(b.canvas))
	b.index = len(b.history) - 1

	logrus.WithFields(logrus.Fields{
		"function": "commit",
		"op":       op,
		"index":    b.index,
	}).Debug("Whiteboard snapshot committed")
}

func (b *Board) brush() (float64, image.Image, draw.Op) {
	if b.tool == ToolEraser {
		return EraserWidth, image.Transparent, draw.Src
	}
	return PenWidth, image.NewUniform(b.color), draw.Over
}

func (b *Board) dotLocked(p Point) {
	width, src, op := b.brush()
	b.fill(src, op, circle(p, width/2))
}

func (b *Board) segmentLocked(from, to Point) {
	width, src, op := b.brush()
	dx, dy := to.X-from.X, to.Y-from.Y
	length := math.Hypot(dx, dy)
	if length > 0 {
		nx, ny := -dy/length*width/2, dx/length*width/2
		b.fill(src, op, []Point{
			{from.X + nx, from.Y + ny},
			{to.X + nx, to.Y + ny},
			{to.X - nx, to.Y - ny},
			{from.X - nx, from.Y - ny},
		})
	}
	b.fill(src, op, circle(to, width/2))
}

// fill rasterizes one closed polygon within its bounding box, clipped
// to the canvas. Each shape gets its own pass so subpath windings never
// cancel.
func (b *Board) fill(src image.Image, op draw.Op, poly []Point) {
	if len(poly) == 0 {
		return
	}
	minX, minY := poly[0].X, poly[0].Y
	maxX, maxY := minX, minY
	for _, p := range poly[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	box := image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1,
	).Intersect(b.canvas.Bounds())
	if box.Empty() {
		return
	}

	w, h := float64(box.Dx()), float64(box.Dy())
	clamp := func(v, hi float64) float32 {
		return float32(math.Min(math.Max(v, 0), hi))
	}

	r := &b.raster
	r.Reset(box.Dx(), box.Dy())
	r.DrawOp = op
	for i, p := range poly {
		x := clamp(p.X-float64(box.Min.X), w)
		y := clamp(p.Y-float64(box.Min.Y), h)
		if i == 0 {
			r.MoveTo(x, y)
		} else {
			r.LineTo(x, y)
		}
	}
	r.ClosePath()
	r.Draw(b.canvas, box, src, box.Min)
}

func circle(c Point, radius float64) []Point {
	pts := make([]Point, circleSegments)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / circleSegments
		pts[i] = Point{c.X + radius*math.Cos(a), c.Y + radius*math.Sin(a)}
	}
	return pts
}

func clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}
