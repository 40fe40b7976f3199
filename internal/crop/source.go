package crop

import (
	"fmt"
	"image"
)

// SourceImage describes the loaded image: its natural pixel grid and the
// size at which it is currently laid out on screen. The two axes may scale
// independently.
type SourceImage struct {
	NaturalWidth  int     `json:"natural_width"`
	NaturalHeight int     `json:"natural_height"`
	DisplayWidth  float64 `json:"display_width"`
	DisplayHeight float64 `json:"display_height"`
}

func (s SourceImage) Ready() bool {
	return s.NaturalWidth > 0 && s.NaturalHeight > 0 && s.Display().Valid()
}

func (s SourceImage) Display() Size {
	return Size{Width: s.DisplayWidth, Height: s.DisplayHeight}
}

func (s SourceImage) Natural() image.Point {
	return image.Pt(s.NaturalWidth, s.NaturalHeight)
}

// ScaleFactors returns natural/display for each axis.
func (s SourceImage) ScaleFactors() (sx, sy float64, err error) {
	if !s.Ready() {
		return 0, 0, fmt.Errorf("%w: natural %dx%d, display %.2fx%.2f",
			ErrImageNotReady, s.NaturalWidth, s.NaturalHeight, s.DisplayWidth, s.DisplayHeight)
	}
	return float64(s.NaturalWidth) / s.DisplayWidth, float64(s.NaturalHeight) / s.DisplayHeight, nil
}
