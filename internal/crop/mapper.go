package crop

import (
	"fmt"
	"image"
	"math"
)

// MaxDevicePixelRatio caps the pixel ratio used to size output surfaces.
const MaxDevicePixelRatio = 4.0

// Mapping is a display-space crop converted to the natural pixel grid.
type Mapping struct {
	// Source is the region of the natural image to draw, clamped to its bounds.
	Source image.Rectangle `json:"source"`
	// Output is the size of the surface the region is drawn into.
	Output image.Point `json:"output"`
	ScaleX float64     `json:"scale_x"`
	ScaleY float64     `json:"scale_y"`
	DPR    float64     `json:"dpr"`
}

// NormalizeDPR coerces a reported device pixel ratio into [1, MaxDevicePixelRatio].
func NormalizeDPR(dpr float64) float64 {
	if math.IsNaN(dpr) || dpr < 1 {
		return 1
	}
	return math.Min(dpr, MaxDevicePixelRatio)
}

// Map converts r (display pixels) into natural pixels:
//
//	source = (floor(x*sx), floor(y*sy), floor(w*sx), floor(h*sy))
//	output = (floor(w*sx*dpr), floor(h*sy*dpr))
//
// Floors keep the source inside the natural bounds; the result may lose up
// to one natural pixel per edge. Source is additionally clamped to the
// natural image, and an axis that was clamped sizes its output from the
// clamped source.
func Map(r Rect, src SourceImage, dpr float64) (Mapping, error) {
	sx, sy, err := src.ScaleFactors()
	if err != nil {
		return Mapping{}, err
	}
	if !(r.Width > 0) || !(r.Height > 0) || math.IsInf(r.Width, 0) || math.IsInf(r.Height, 0) {
		return Mapping{}, fmt.Errorf("%w: %s", ErrDegenerateCrop, r)
	}
	dpr = NormalizeDPR(dpr)

	x := int(math.Floor(r.X * sx))
	y := int(math.Floor(r.Y * sy))
	w := int(math.Floor(r.Width * sx))
	h := int(math.Floor(r.Height * sy))
	outW := int(math.Floor(r.Width * sx * dpr))
	outH := int(math.Floor(r.Height * sy * dpr))

	natural := image.Rect(0, 0, src.NaturalWidth, src.NaturalHeight)
	want := image.Rect(x, y, x+w, y+h)
	source := want.Intersect(natural)
	if source.Empty() {
		return Mapping{}, fmt.Errorf("%w: %s maps to %v outside %v", ErrDegenerateCrop, r, want, natural)
	}
	if source.Dx() != want.Dx() {
		outW = int(math.Floor(float64(source.Dx()) * dpr))
	}
	if source.Dy() != want.Dy() {
		outH = int(math.Floor(float64(source.Dy()) * dpr))
	}
	if outW <= 0 || outH <= 0 {
		return Mapping{}, fmt.Errorf("%w: output surface %dx%d", ErrDegenerateCrop, outW, outH)
	}

	return Mapping{
		Source: source,
		Output: image.Pt(outW, outH),
		ScaleX: sx,
		ScaleY: sy,
		DPR:    dpr,
	}, nil
}

// DisplayRect maps the source region back into display pixels.
func (m Mapping) DisplayRect() Rect {
	if m.ScaleX <= 0 || m.ScaleY <= 0 {
		return Rect{}
	}
	return Rect{
		X:      float64(m.Source.Min.X) / m.ScaleX,
		Y:      float64(m.Source.Min.Y) / m.ScaleY,
		Width:  float64(m.Source.Dx()) / m.ScaleX,
		Height: float64(m.Source.Dy()) / m.ScaleY,
	}
}
