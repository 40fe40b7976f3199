package crop

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Size is a width/height pair in display pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether both sides are positive and finite.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0 && !math.IsInf(s.Width, 0) && !math.IsInf(s.Height, 0)
}

// Rect is a crop rectangle in display pixels. Percent values never reach
// this type; convert them with PercentRect.ToPixels first.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Right() float64  { return r.X + r.Width }
func (r Rect) Bottom() float64 { return r.Y + r.Height }

func (r Rect) String() string {
	return fmt.Sprintf("rect(x=%.2f,y=%.2f,w=%.2f,h=%.2f)", r.X, r.Y, r.Width, r.Height)
}

// Percent converts r into percentages of the display size.
func (r Rect) Percent(display Size) PercentRect {
	if !display.Valid() {
		return PercentRect{}
	}
	return PercentRect{
		X:      r.X / display.Width * 100,
		Y:      r.Y / display.Height * 100,
		Width:  r.Width / display.Width * 100,
		Height: r.Height / display.Height * 100,
	}
}

// PercentRect is a crop rectangle expressed in percent (0-100) of the display size.
type PercentRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ToPixels converts percentages of display into display pixels.
func (p PercentRect) ToPixels(display Size) Rect {
	return Rect{
		X:      p.X * display.Width / 100,
		Y:      p.Y * display.Height / 100,
		Width:  p.Width * display.Width / 100,
		Height: p.Height * display.Height / 100,
	}
}

// Aspect constrains the width/height ratio of a crop rectangle. The zero
// value is a free aspect.
type Aspect struct {
	ratio float64
}

// Free returns the unconstrained aspect.
func Free() Aspect { return Aspect{} }

// Fixed returns an aspect locked to ratio (width/height). Non-positive
// ratios yield a free aspect.
func Fixed(ratio float64) Aspect {
	if !(ratio > 0) || math.IsInf(ratio, 0) {
		return Aspect{}
	}
	return Aspect{ratio: ratio}
}

func (a Aspect) IsFixed() bool  { return a.ratio > 0 }
func (a Aspect) Ratio() float64 { return a.ratio }

func (a Aspect) String() string {
	if !a.IsFixed() {
		return "free"
	}
	for _, p := range AspectPresets() {
		if p.Aspect.IsFixed() && math.Abs(p.Aspect.ratio-a.ratio) < 1e-9 {
			return p.Name
		}
	}
	return strconv.FormatFloat(a.ratio, 'f', -1, 64)
}

func (a Aspect) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Aspect) UnmarshalText(text []byte) error {
	parsed, err := ParseAspect(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AspectPreset is a named aspect offered by the aspect selector.
type AspectPreset struct {
	Name   string  `json:"name"`
	Aspect Aspect  `json:"-"`
	Ratio  float64 `json:"ratio"`
}

// AspectPresets lists the selector choices in display order, free first.
func AspectPresets() []AspectPreset {
	return []AspectPreset{
		{Name: "free", Aspect: Free()},
		{Name: "16:9", Aspect: Fixed(16.0 / 9.0), Ratio: 16.0 / 9.0},
		{Name: "4:3", Aspect: Fixed(4.0 / 3.0), Ratio: 4.0 / 3.0},
		{Name: "1:1", Aspect: Fixed(1), Ratio: 1},
		{Name: "3:4", Aspect: Fixed(3.0 / 4.0), Ratio: 3.0 / 4.0},
	}
}

// ParseAspect accepts "free", "" , "W:H" or a plain decimal ratio.
func ParseAspect(s string) (Aspect, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "free", "libre":
		return Free(), nil
	}
	if w, h, ok := strings.Cut(s, ":"); ok {
		wf, err := strconv.ParseFloat(w, 64)
		if err != nil {
			return Aspect{}, fmt.Errorf("invalid aspect %q: %w", s, err)
		}
		hf, err := strconv.ParseFloat(h, 64)
		if err != nil {
			return Aspect{}, fmt.Errorf("invalid aspect %q: %w", s, err)
		}
		if wf <= 0 || hf <= 0 {
			return Aspect{}, fmt.Errorf("invalid aspect %q: sides must be positive", s)
		}
		return Fixed(wf / hf), nil
	}
	ratio, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Aspect{}, fmt.Errorf("invalid aspect %q: %w", s, err)
	}
	if ratio <= 0 {
		return Aspect{}, fmt.Errorf("invalid aspect %q: ratio must be positive", s)
	}
	return Fixed(ratio), nil
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
