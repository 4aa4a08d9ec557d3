package whiteboard

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	red  = color.RGBA{R: 0xff, A: 0xff}
	blue = color.RGBA{B: 0xff, A: 0xff}
)

func line(y float64) []Point {
	return []Point{{10, y}, {55, y}, {100, y}}
}

func blank(b *Board) []byte {
	w, h := b.Size()
	return image.NewRGBA(image.Rect(0, 0, w, h)).Pix
}

func TestUndoRemovesLastStroke(t *testing.T) {
	b := New(200, 100)

	b.SetColor(red)
	b.Stroke(line(10))
	b.SetColor(blue)
	b.Stroke(line(50))

	snap := b.Snapshot()
	assert.Equal(t, blue, snap.RGBAAt(50, 50))

	require.True(t, b.Undo())
	snap = b.Snapshot()
	assert.Equal(t, red, snap.RGBAAt(50, 10))
	assert.Equal(t, color.RGBA{}, snap.RGBAAt(50, 50))
}

func TestUndoRedoRoundTrip(t *testing.T) {
	b := New(160, 120)
	ops := []func(){
		func() { b.SetColor(red); b.Stroke(line(10)) },
		func() { b.SetColor(blue); b.Stroke([]Point{{20, 20}, {140, 100}}) },
		func() { require.NoError(t, b.PlaceText(Point{30, 60}, "x=2")) },
		func() { require.NoError(t, b.SetTool(ToolEraser)); b.Stroke([]Point{{0, 10}, {160, 10}}) },
		func() { require.NoError(t, b.SetTool(ToolPen)); b.Stroke([]Point{{80, 0}, {80, 120}}) },
	}
	for _, op := range ops {
		op()
	}
	final := b.Snapshot().Pix

	for range ops {
		require.True(t, b.Undo())
	}
	assert.False(t, b.Undo())
	assert.Equal(t, blank(b), b.Snapshot().Pix)

	for range ops {
		require.True(t, b.Redo())
	}
	assert.False(t, b.Redo())
	assert.True(t, bytes.Equal(final, b.Snapshot().Pix), "redo restores the final canvas bit for bit")
}

func TestCommitAfterUndoTruncatesHistory(t *testing.T) {
	b := New(120, 120)
	b.Stroke(line(10))
	b.Stroke(line(40))
	b.Stroke(line(70))
	require.Equal(t, 4, b.HistoryLen())

	require.True(t, b.Undo())
	require.True(t, b.Undo())
	assert.True(t, b.CanRedo())

	b.Stroke(line(100))
	assert.Equal(t, 3, b.HistoryLen())
	assert.False(t, b.CanRedo())
	before := b.Snapshot().Pix
	assert.False(t, b.Redo())
	assert.Equal(t, before, b.Snapshot().Pix)

	snap := b.Snapshot()
	assert.Equal(t, DefaultColor, snap.RGBAAt(50, 10))
	assert.Equal(t, color.RGBA{}, snap.RGBAAt(50, 40))
	assert.Equal(t, DefaultColor, snap.RGBAAt(50, 100))
}

func TestEraserClearsToTransparent(t *testing.T) {
	b := New(120, 60)
	b.SetColor(red)
	b.Stroke(line(30))
	require.Equal(t, red, b.Snapshot().RGBAAt(50, 30))

	require.NoError(t, b.SetTool(ToolEraser))
	b.Stroke([]Point{{40, 30}, {60, 30}})

	snap := b.Snapshot()
	assert.Equal(t, color.RGBA{}, snap.RGBAAt(50, 30))
	assert.Equal(t, red, snap.RGBAAt(90, 30), "outside the eraser path")
}

func TestPlaceTextUsesCurrentColor(t *testing.T) {
	b := New(100, 40)
	b.SetColor(blue)
	require.NoError(t, b.SetTool(ToolText))

	b.PointerDown(Point{5, 5})
	b.PointerUp()
	assert.Equal(t, 1, b.HistoryLen(), "text tool ignores strokes")

	require.NoError(t, b.PlaceText(Point{5, 5}, "Hi"))
	assert.ErrorIs(t, b.PlaceText(Point{5, 5}, "  "), ErrEmptyText)
	assert.Equal(t, 2, b.HistoryLen())

	snap := b.Snapshot()
	found := false
	for y := 5; y < 5+13 && !found; y++ {
		for x := 5; x < 5+14; x++ {
			if snap.RGBAAt(x, y) == blue {
				found = true
				break
			}
		}
	}
	assert.True(t, found, "text pixels drawn in the current color")
}

func TestClearIsUndoable(t *testing.T) {
	b := New(80, 80)
	b.Stroke(line(20))
	drawn := b.Snapshot().Pix

	b.Clear()
	assert.Equal(t, blank(b), b.Snapshot().Pix)

	require.True(t, b.Undo())
	assert.Equal(t, drawn, b.Snapshot().Pix)
}

func TestSetToolAndColorValidation(t *testing.T) {
	b := New(10, 10)
	assert.ErrorIs(t, b.SetTool("laser"), ErrUnknownTool)
	assert.Equal(t, ToolPen, b.Tool())

	c, err := ParseColor("#ff0000")
	require.NoError(t, err)
	assert.Equal(t, red, c)

	c, err = ParseColor("#00f")
	require.NoError(t, err)
	assert.Equal(t, blue, c)

	_, err = ParseColor("red")
	assert.ErrorIs(t, err, ErrBadColor)
	_, err = ParseColor("#zzzzzz")
	assert.ErrorIs(t, err, ErrBadColor)
}

func TestNormalizeTreatsPointerAndTouchAlike(t *testing.T) {
	bounds := Bounds{Left: 120, Top: 64, Width: 800, Height: 600}

	pointer := Normalize(InputEvent{Source: SourcePointer, ClientX: 220, ClientY: 114}, bounds)
	touch := Normalize(InputEvent{Source: SourceTouch, ClientX: 220, ClientY: 114}, bounds)

	assert.Equal(t, Point{100, 50}, pointer)
	assert.Equal(t, pointer, touch)

	pts := NormalizeAll([]InputEvent{{ClientX: 130, ClientY: 74}, {ClientX: 140, ClientY: 84}}, bounds)
	assert.Equal(t, []Point{{10, 10}, {20, 20}}, pts)
}

func TestExportWritesPNG(t *testing.T) {
	b := New(64, 32)
	b.SetColor(red)
	b.Stroke([]Point{{5, 16}, {60, 16}})

	var buf bytes.Buffer
	require.NoError(t, b.Export(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), img.Bounds())

	path := filepath.Join(t.TempDir(), "board.png")
	require.NoError(t, b.ExportFile(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestBoardsArePerUser(t *testing.T) {
	bs := NewBoards(40, 30)
	a := bs.Get("u1")
	assert.Same(t, a, bs.Get("u1"))
	assert.NotSame(t, a, bs.Get("u2"))

	w, h := a.Size()
	assert.Equal(t, 40, w)
	assert.Equal(t, 30, h)

	a.Stroke(line(10))
	bs.Drop("u1")
	assert.Equal(t, 1, bs.Get("u1").HistoryLen())
}

func TestLongStrokeOnFullSizeCanvas(t *testing.T) {
	b := New(1920, 1080)
	b.SetColor(red)

	start := time.Now()
	b.PointerDown(Point{10, 540})
	for i := 1; i <= 2000; i++ {
		b.PointerMove(Point{10 + float64(i)*0.9, 540})
	}
	b.PointerUp()
	assert.Less(t, time.Since(start), 2*time.Second, "each move costs its own area, not the canvas")

	snap := b.Snapshot()
	assert.Equal(t, red, snap.RGBAAt(900, 540))
	assert.Equal(t, color.RGBA{}, snap.RGBAAt(900, 560))
	assert.Equal(t, 2, b.HistoryLen())
}

func TestStrokeClipsAtCanvasEdge(t *testing.T) {
	b := New(50, 40)
	b.SetColor(blue)
	b.Stroke([]Point{{-20, 20}, {70, 20}})

	snap := b.Snapshot()
	assert.Equal(t, blue, snap.RGBAAt(0, 20))
	assert.Equal(t, blue, snap.RGBAAt(49, 20))
	assert.Equal(t, color.RGBA{}, snap.RGBAAt(25, 30))

	before := b.Snapshot().Pix
	b.Stroke([]Point{{-30, -30}, {-10, -10}})
	assert.Equal(t, before, b.Snapshot().Pix, "strokes off the canvas draw nothing")
}

func BenchmarkPointerMove(b *testing.B) {
	board := New(1920, 1080)
	board.SetColor(red)
	board.PointerDown(Point{0, 540})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		board.PointerMove(Point{float64(i % 1920), 540 + float64(i%7)})
	}
}
