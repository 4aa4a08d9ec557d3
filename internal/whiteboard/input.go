package whiteboard

// InputSource is the device that produced an event.
type InputSource string

const (
	SourcePointer InputSource = "pointer"
	SourceTouch   InputSource = "touch"
)

// InputEvent carries viewport coordinates of a pointer or touch event.
type InputEvent struct {
	Source  InputSource `json:"source"`
	ClientX float64     `json:"clientX"`
	ClientY float64     `json:"clientY"`
}

// Bounds is the canvas bounding box in viewport coordinates.
type Bounds struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Normalize maps an event to canvas-local coordinates. Pointer and touch
// events take the same path.
func Normalize(ev InputEvent, b Bounds) Point {
	return Point{X: ev.ClientX - b.Left, Y: ev.ClientY - b.Top}
}

// NormalizeAll maps a sequence of events.
func NormalizeAll(evs []InputEvent, b Bounds) []Point {
	pts := make([]Point, len(evs))
	for i, ev := range evs {
		pts[i] = Normalize(ev, b)
	}
	return pts
}
