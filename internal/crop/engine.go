package crop

import (
	"fmt"
	"math"
)

const (
	// DefaultInitialPercent is the share of the controlling axis covered by
	// a freshly initialized crop.
	DefaultInitialPercent = 0.9
	// DefaultMinSize is the smallest crop edge, in display pixels.
	DefaultMinSize = 4.0
)

// Handle identifies the edge or corner being dragged during a resize.
type Handle string

const (
	HandleN  Handle = "n"
	HandleS  Handle = "s"
	HandleE  Handle = "e"
	HandleW  Handle = "w"
	HandleNE Handle = "ne"
	HandleNW Handle = "nw"
	HandleSE Handle = "se"
	HandleSW Handle = "sw"
)

func (h Handle) Valid() bool {
	switch h {
	case HandleN, HandleS, HandleE, HandleW, HandleNE, HandleNW, HandleSE, HandleSW:
		return true
	}
	return false
}

func (h *Handle) UnmarshalText(text []byte) error {
	v := Handle(text)
	if !v.Valid() {
		return fmt.Errorf("unknown resize handle %q", string(text))
	}
	*h = v
	return nil
}

func (h Handle) north() bool { return h == HandleN || h == HandleNE || h == HandleNW }
func (h Handle) south() bool { return h == HandleS || h == HandleSE || h == HandleSW }
func (h Handle) east() bool  { return h == HandleE || h == HandleNE || h == HandleSE }
func (h Handle) west() bool  { return h == HandleW || h == HandleNW || h == HandleSW }

// Engine normalizes crop rectangles against the current display bounds. It
// holds no rectangle itself and is rebuilt from the latest SourceImage for
// every mutation, so stale bounds are never reused. Engine never fails: all
// input is clamped to the closest valid rectangle.
type Engine struct {
	Bounds  Size
	Aspect  Aspect
	MinSize float64
}

// NewEngine returns an engine for the given display bounds. A non-positive
// minSize falls back to DefaultMinSize.
func NewEngine(bounds Size, aspect Aspect, minSize float64) Engine {
	if !(minSize > 0) {
		minSize = DefaultMinSize
	}
	return Engine{Bounds: bounds, Aspect: aspect, MinSize: minSize}
}

// minDims returns the minimum width and height. Under a fixed aspect the
// shorter side gets MinSize and the other follows the ratio.
func (e Engine) minDims() (float64, float64) {
	m := e.MinSize
	if !(m > 0) {
		m = DefaultMinSize
	}
	w, h := m, m
	if e.Aspect.IsFixed() {
		if r := e.Aspect.Ratio(); r >= 1 {
			w = m * r
		} else {
			h = m / r
		}
	}
	return math.Min(w, e.Bounds.Width), math.Min(h, e.Bounds.Height)
}

// Init returns a centered rectangle covering percent of the controlling axis.
func (e Engine) Init(percent float64) Rect {
	if !(percent > 0) || percent > 1 {
		percent = DefaultInitialPercent
	}
	W, H := e.Bounds.Width, e.Bounds.Height
	w, h := W*percent, H*percent
	if e.Aspect.IsFixed() {
		r := e.Aspect.Ratio()
		maxH := h
		h = w / r
		if h > maxH {
			h = maxH
			w = h * r
		}
	}
	return e.Normalize(Rect{X: (W - w) / 2, Y: (H - h) / 2, Width: w, Height: h})
}

// Normalize returns the closest rectangle that lies within the bounds,
// respects the minimum size and, when fixed, the aspect ratio.
func (e Engine) Normalize(r Rect) Rect {
	W, H := e.Bounds.Width, e.Bounds.Height
	if !e.Bounds.Valid() {
		return Rect{}
	}
	minW, minH := e.minDims()
	w, h := finiteOr(r.Width, minW), finiteOr(r.Height, minH)

	if e.Aspect.IsFixed() {
		ratio := e.Aspect.Ratio()
		if w <= 0 || h <= 0 {
			w, h = minW, minH
		}
		// shrink the longer axis to match the ratio
		if w/h > ratio {
			w = h * ratio
		} else {
			h = w / ratio
		}
		if w > W {
			w = W
			h = w / ratio
		}
		if h > H {
			h = H
			w = h * ratio
		}
		if w < minW {
			w = minW
			h = w / ratio
		}
		if h < minH {
			h = minH
			w = h * ratio
		}
		w, h = math.Min(w, W), math.Min(h, H)
	} else {
		w = clamp(w, minW, W)
		h = clamp(h, minH, H)
	}

	return Rect{
		X:      clamp(finiteOr(r.X, 0), 0, W-w),
		Y:      clamp(finiteOr(r.Y, 0), 0, H-h),
		Width:  w,
		Height: h,
	}
}

// Move translates r by (dx, dy) and clamps its position per axis, keeping
// its size.
func (e Engine) Move(r Rect, dx, dy float64) Rect {
	r.X += finiteOr(dx, 0)
	r.Y += finiteOr(dy, 0)
	return e.Normalize(r)
}

// Resize drags handle h by (dx, dy). Out-of-bounds gestures are clamped per
// axis instead of being rejected.
func (e Engine) Resize(r Rect, h Handle, dx, dy float64) Rect {
	if !h.Valid() {
		return e.Normalize(r)
	}
	dx, dy = finiteOr(dx, 0), finiteOr(dy, 0)
	left, top, right, bottom := r.X, r.Y, r.Right(), r.Bottom()
	switch {
	case h.west():
		left += dx
	case h.east():
		right += dx
	}
	switch {
	case h.north():
		top += dy
	case h.south():
		bottom += dy
	}

	W, H := e.Bounds.Width, e.Bounds.Height
	minW, minH := e.minDims()

	if !e.Aspect.IsFixed() {
		if h.west() {
			left = clamp(left, 0, right-minW)
		} else if h.east() {
			right = clamp(right, left+minW, W)
		}
		if h.north() {
			top = clamp(top, 0, bottom-minH)
		} else if h.south() {
			bottom = clamp(bottom, top+minH, H)
		}
		return e.Normalize(Rect{X: left, Y: top, Width: right - left, Height: bottom - top})
	}

	ratio := e.Aspect.Ratio()
	w, ht := right-left, bottom-top
	horizontal := h.east() || h.west()
	vertical := h.north() || h.south()
	switch {
	case horizontal && !vertical:
		ht = w / ratio
	case vertical && !horizontal:
		w = ht * ratio
	default:
		if math.Abs(w-r.Width)/ratio >= math.Abs(ht-r.Height) {
			ht = w / ratio
		} else {
			w = ht * ratio
		}
	}

	// the opposite edge stays put; edge handles anchor the other axis at
	// its leading edge
	maxW := W - r.X
	if h.west() {
		maxW = r.Right()
	}
	maxH := H - r.Y
	if h.north() {
		maxH = r.Bottom()
	}
	if w > maxW {
		w = maxW
		ht = w / ratio
	}
	if ht > maxH {
		ht = maxH
		w = ht * ratio
	}
	if w < minW {
		w = minW
		ht = w / ratio
	}
	if ht < minH {
		ht = minH
		w = ht * ratio
	}

	x := r.X
	if h.west() {
		x = r.Right() - w
	}
	y := r.Y
	if h.north() {
		y = r.Bottom() - ht
	}
	return e.Normalize(Rect{X: x, Y: y, Width: w, Height: ht})
}

// WithAspect re-derives r under a new aspect, keeping its center and
// shrinking the longer axis.
func (e Engine) WithAspect(r Rect, a Aspect) Rect {
	e.Aspect = a
	if !a.IsFixed() {
		return e.Normalize(r)
	}
	cx, cy := r.X+r.Width/2, r.Y+r.Height/2
	w, h := r.Width, r.Height
	if w <= 0 || h <= 0 {
		return e.Init(DefaultInitialPercent)
	}
	if w/h > a.Ratio() {
		w = h * a.Ratio()
	} else {
		h = w / a.Ratio()
	}
	return e.Normalize(Rect{X: cx - w/2, Y: cy - h/2, Width: w, Height: h})
}

// Rescale maps r from the previous display size onto the current bounds.
func (e Engine) Rescale(r Rect, from Size) Rect {
	if !from.Valid() {
		return e.Normalize(r)
	}
	fx, fy := e.Bounds.Width/from.Width, e.Bounds.Height/from.Height
	return e.Normalize(Rect{X: r.X * fx, Y: r.Y * fy, Width: r.Width * fx, Height: r.Height * fy})
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
