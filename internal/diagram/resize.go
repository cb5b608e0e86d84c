package diagram

import (
	"errors"
	"fmt"
)

// Resize limits. The maximum width is the container width less
// ContainerInset.
const (
	MinWidth       = 200
	MinHeight      = 150
	ContainerInset = 64
)

var ErrNotDragging = errors.New("diagram: no resize in progress")

type ResizeState int

const (
	ResizeIdle ResizeState = iota
	ResizeDragging
	ResizeCommitted
)

func (s ResizeState) String() string {
	switch s {
	case ResizeIdle:
		return "idle"
	case ResizeDragging:
		return "dragging"
	case ResizeCommitted:
		return "committed"
	default:
		return fmt.Sprintf("ResizeState(%d)", int(s))
	}
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Clamp applies the size limits. containerWidth <= 0 means unknown, which
// leaves the width unbounded above.
func Clamp(s Size, containerWidth int) Size {
	w := max(s.Width, MinWidth)
	if containerWidth > 0 {
		w = min(w, containerWidth-ContainerInset)
	}
	return Size{Width: w, Height: max(s.Height, MinHeight)}
}

// Resizer tracks one drag gesture on a diagram block. Move only produces a
// preview; nothing is persisted until Release.
type Resizer struct {
	state     ResizeState
	startX    int
	startY    int
	start     Size
	preview   Size
	committed Size
	container int
}

func (r *Resizer) State() ResizeState { return r.state }

// Begin starts a drag from pointer position (x, y) on a block that currently
// measures current.
func (r *Resizer) Begin(x, y int, current Size, containerWidth int) {
	r.state = ResizeDragging
	r.startX, r.startY = x, y
	r.start = current
	r.preview = current
	r.container = containerWidth
}

// Move returns the clamped size for the pointer at (x, y).
func (r *Resizer) Move(x, y int) (Size, error) {
	if r.state != ResizeDragging {
		return Size{}, ErrNotDragging
	}
	r.preview = Clamp(Size{
		Width:  r.start.Width + x - r.startX,
		Height: r.start.Height + y - r.startY,
	}, r.container)
	return r.preview, nil
}

// Preview is the size shown while dragging.
func (r *Resizer) Preview() Size { return r.preview }

// Release ends the drag and yields the size to persist.
func (r *Resizer) Release() (Size, error) {
	if r.state != ResizeDragging {
		return Size{}, ErrNotDragging
	}
	r.committed = Clamp(r.preview, r.container)
	r.state = ResizeCommitted
	return r.committed, nil
}

// Cancel abandons the drag. A previously committed size stays in effect.
func (r *Resizer) Cancel() {
	if r.state != ResizeDragging {
		return
	}
	r.preview = r.start
	if r.committed != (Size{}) {
		r.state = ResizeCommitted
		return
	}
	r.state = ResizeIdle
}

// Committed reports the last released size.
func (r *Resizer) Committed() (Size, bool) {
	return r.committed, r.state == ResizeCommitted
}

// Reset returns to automatic sizing, as when the block enters edit mode.
func (r *Resizer) Reset() {
	*r = Resizer{}
}

// WithSize stores a committed size in the block props.
func (p MermaidProps) WithSize(s Size) MermaidProps {
	p.Width, p.Height = s.Width, s.Height
	return p
}

// AutoSize drops any committed size.
func (p MermaidProps) AutoSize() MermaidProps {
	p.Width, p.Height = 0, 0
	return p
}

func (p MermaidProps) Size() (Size, bool) {
	return Size{Width: p.Width, Height: p.Height}, p.Width > 0 && p.Height > 0
}
