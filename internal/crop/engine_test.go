package crop

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-9

func assertInBounds(t *testing.T, e Engine, r Rect) {
	t.Helper()
	minW, minH := e.minDims()
	assert.GreaterOrEqual(t, r.X, -tol, "x %s", r)
	assert.GreaterOrEqual(t, r.Y, -tol, "y %s", r)
	assert.LessOrEqual(t, r.Right(), e.Bounds.Width+tol, "right %s", r)
	assert.LessOrEqual(t, r.Bottom(), e.Bounds.Height+tol, "bottom %s", r)
	assert.GreaterOrEqual(t, r.Width, minW-tol, "width %s", r)
	assert.GreaterOrEqual(t, r.Height, minH-tol, "height %s", r)
}

func assertRatio(t *testing.T, a Aspect, r Rect) {
	t.Helper()
	if !a.IsFixed() {
		return
	}
	got := r.Width / r.Height
	assert.InDelta(t, 0, math.Abs(got-a.Ratio())/a.Ratio(), 1e-6, "ratio of %s", r)
}

func TestEngineInit(t *testing.T) {
	t.Run("16:9 on 800x450 covers 90%", func(t *testing.T) {
		e := NewEngine(Size{800, 450}, Fixed(16.0/9.0), 0)
		r := e.Init(0.9)
		assert.InDelta(t, 40, r.X, 1e-6)
		assert.InDelta(t, 22.5, r.Y, 1e-6)
		assert.InDelta(t, 720, r.Width, 1e-6)
		assert.InDelta(t, 405, r.Height, 1e-6)
	})

	t.Run("portrait image is controlled by height", func(t *testing.T) {
		e := NewEngine(Size{300, 600}, Fixed(16.0/9.0), 0)
		r := e.Init(0.9)
		assert.InDelta(t, 270, r.Width, 1e-6)
		assert.InDelta(t, 270*9.0/16.0, r.Height, 1e-6)
		assert.InDelta(t, (600-r.Height)/2, r.Y, 1e-6)
	})

	t.Run("free aspect covers both axes", func(t *testing.T) {
		e := NewEngine(Size{1000, 500}, Free(), 0)
		r := e.Init(0.9)
		assert.Equal(t, Rect{X: 50, Y: 25, Width: 900, Height: 450}, r)
	})

	t.Run("out of range percent falls back to default", func(t *testing.T) {
		e := NewEngine(Size{100, 100}, Free(), 0)
		assert.Equal(t, e.Init(DefaultInitialPercent), e.Init(7))
		assert.Equal(t, e.Init(DefaultInitialPercent), e.Init(-1))
	})

	t.Run("any bounds and preset", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 500; i++ {
			bounds := Size{Width: 20 + rng.Float64()*2000, Height: 20 + rng.Float64()*2000}
			for _, p := range AspectPresets() {
				e := NewEngine(bounds, p.Aspect, DefaultMinSize)
				r := e.Init(DefaultInitialPercent)
				assertInBounds(t, e, r)
				assertRatio(t, p.Aspect, r)
			}
		}
	})
}

func TestEngineMove(t *testing.T) {
	e := NewEngine(Size{800, 450}, Free(), 0)

	t.Run("dragged past the left edge is clamped", func(t *testing.T) {
		assert.Equal(t, Rect{X: 0, Y: 20, Width: 50, Height: 50}, e.Normalize(Rect{X: -10, Y: 20, Width: 50, Height: 50}))
		assert.Equal(t, Rect{X: 0, Y: 20, Width: 50, Height: 50}, e.Move(Rect{X: 40, Y: 20, Width: 50, Height: 50}, -50, 0))
	})

	t.Run("each axis clamps independently", func(t *testing.T) {
		got := e.Move(Rect{X: 700, Y: 10, Width: 50, Height: 50}, 200, 30)
		assert.Equal(t, Rect{X: 750, Y: 40, Width: 50, Height: 50}, got)
	})

	t.Run("non-finite deltas are ignored", func(t *testing.T) {
		r := Rect{X: 10, Y: 10, Width: 50, Height: 50}
		assert.Equal(t, r, e.Move(r, math.NaN(), math.Inf(1)))
	})
}

func TestEngineResize(t *testing.T) {
	t.Run("fixed 1:1 right edge drives height", func(t *testing.T) {
		e := NewEngine(Size{800, 450}, Fixed(1), 0)
		got := e.Resize(Rect{X: 0, Y: 0, Width: 200, Height: 100}, HandleE, 100, 0)
		assert.InDelta(t, 0, got.X, tol)
		assert.InDelta(t, 0, got.Y, tol)
		assert.InDelta(t, 300, got.Width, tol)
		assert.InDelta(t, 300, got.Height, tol)
	})

	t.Run("fixed aspect keeps the opposite corner", func(t *testing.T) {
		e := NewEngine(Size{800, 450}, Fixed(2), 0)
		got := e.Resize(Rect{X: 200, Y: 200, Width: 200, Height: 100}, HandleNW, -100, 0)
		assert.InDelta(t, 400, got.Right(), 1e-6)
		assert.InDelta(t, 300, got.Bottom(), 1e-6)
		assert.InDelta(t, 300, got.Width, 1e-6)
		assert.InDelta(t, 150, got.Height, 1e-6)
	})

	t.Run("fixed aspect stops at the bounds", func(t *testing.T) {
		e := NewEngine(Size{800, 450}, Fixed(1), 0)
		got := e.Resize(Rect{X: 100, Y: 100, Width: 100, Height: 100}, HandleSE, 1000, 1000)
		assert.InDelta(t, 350, got.Width, 1e-6)
		assert.InDelta(t, 350, got.Height, 1e-6)
		assert.InDelta(t, 100, got.X, 1e-6)
		assert.InDelta(t, 100, got.Y, 1e-6)
	})

	t.Run("free resize clamps per axis", func(t *testing.T) {
		e := NewEngine(Size{800, 450}, Free(), 0)
		got := e.Resize(Rect{X: 700, Y: 100, Width: 80, Height: 80}, HandleNE, 100, -500)
		assert.Equal(t, Rect{X: 700, Y: 0, Width: 100, Height: 180}, got)
	})

	t.Run("free resize never collapses below the floor", func(t *testing.T) {
		e := NewEngine(Size{800, 450}, Free(), 4)
		got := e.Resize(Rect{X: 100, Y: 100, Width: 50, Height: 50}, HandleW, 100, 0)
		assert.Equal(t, Rect{X: 146, Y: 100, Width: 4, Height: 50}, got)

		got = e.Resize(Rect{X: 100, Y: 100, Width: 50, Height: 50}, HandleS, 0, -400)
		assert.Equal(t, Rect{X: 100, Y: 100, Width: 50, Height: 4}, got)
	})

	t.Run("unknown handle only normalizes", func(t *testing.T) {
		e := NewEngine(Size{800, 450}, Free(), 0)
		r := Rect{X: 10, Y: 10, Width: 50, Height: 50}
		assert.Equal(t, r, e.Resize(r, Handle("x"), 100, 100))
	})

	t.Run("gesture sequences stay valid", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		handles := []Handle{HandleN, HandleS, HandleE, HandleW, HandleNE, HandleNW, HandleSE, HandleSW}
		for _, p := range AspectPresets() {
			for run := 0; run < 40; run++ {
				bounds := Size{Width: 100 + rng.Float64()*1500, Height: 100 + rng.Float64()*1500}
				e := NewEngine(bounds, p.Aspect, DefaultMinSize)
				r := e.Init(DefaultInitialPercent)
				for step := 0; step < 60; step++ {
					dx, dy := (rng.Float64()-0.5)*600, (rng.Float64()-0.5)*600
					if rng.Intn(4) == 0 {
						r = e.Move(r, dx, dy)
					} else {
						r = e.Resize(r, handles[rng.Intn(len(handles))], dx, dy)
					}
					assertInBounds(t, e, r)
					assertRatio(t, p.Aspect, r)
				}
			}
		}
	})
}

func TestEngineWithAspect(t *testing.T) {
	e := NewEngine(Size{800, 450}, Free(), 0)

	t.Run("shrinks the longer axis around the center", func(t *testing.T) {
		got := e.WithAspect(Rect{X: 0, Y: 0, Width: 400, Height: 200}, Fixed(1))
		assert.InDelta(t, 100, got.X, 1e-6)
		assert.InDelta(t, 0, got.Y, 1e-6)
		assert.InDelta(t, 200, got.Width, 1e-6)
		assert.InDelta(t, 200, got.Height, 1e-6)
	})

	t.Run("portrait ratio on a wide rect", func(t *testing.T) {
		got := e.WithAspect(Rect{X: 100, Y: 50, Width: 600, Height: 300}, Fixed(3.0/4.0))
		assert.InDelta(t, 225, got.Width, 1e-6)
		assert.InDelta(t, 300, got.Height, 1e-6)
		assertInBounds(t, e, got)
	})

	t.Run("free keeps the rect", func(t *testing.T) {
		r := Rect{X: 10, Y: 10, Width: 100, Height: 30}
		assert.Equal(t, r, e.WithAspect(r, Free()))
	})
}

func TestEngineRescale(t *testing.T) {
	e := NewEngine(Size{400, 225}, Free(), 0)
	got := e.Rescale(Rect{X: 100, Y: 50, Width: 200, Height: 150}, Size{800, 450})
	assert.Equal(t, Rect{X: 50, Y: 25, Width: 100, Height: 75}, got)
}

func TestParseAspect(t *testing.T) {
	for _, tc := range []struct {
		in    string
		fixed bool
		ratio float64
	}{
		{"", false, 0},
		{"free", false, 0},
		{"16:9", true, 16.0 / 9.0},
		{"3:4", true, 0.75},
		{"1.5", true, 1.5},
	} {
		a, err := ParseAspect(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.fixed, a.IsFixed(), tc.in)
		assert.InDelta(t, tc.ratio, a.Ratio(), 1e-12, tc.in)
	}

	for _, bad := range []string{"0:1", "a:b", "-2", "wide"} {
		_, err := ParseAspect(bad)
		assert.Error(t, err, bad)
	}

	assert.Equal(t, "16:9", Fixed(16.0/9.0).String())
	assert.Equal(t, "free", Fixed(-1).String())
}

func TestPercentRect(t *testing.T) {
	display := Size{800, 450}
	r := Rect{X: 100, Y: 45, Width: 200, Height: 90}
	p := r.Percent(display)
	assert.InDelta(t, 12.5, p.X, 1e-9)
	assert.InDelta(t, 10, p.Y, 1e-9)
	assert.InDelta(t, 25, p.Width, 1e-9)
	assert.InDelta(t, 20, p.Height, 1e-9)

	back := p.ToPixels(display)
	assert.InDelta(t, r.X, back.X, 1e-9)
	assert.InDelta(t, r.Y, back.Y, 1e-9)
	assert.InDelta(t, r.Width, back.Width, 1e-9)
	assert.InDelta(t, r.Height, back.Height, 1e-9)

	assert.Equal(t, PercentRect{}, r.Percent(Size{}))
}
