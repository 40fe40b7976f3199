package crop

import "math"

const (
	MinScale    = 0.5
	MaxScale    = 2.0
	MinRotation = -180.0
	MaxRotation = 180.0
)

// Transform is the preview zoom and rotation. It never changes the natural
// dimensions; the rasterizer composes it explicitly.
type Transform struct {
	Scale           float64 `json:"scale"`
	RotationDegrees float64 `json:"rotation_degrees"`
}

// Identity is the untransformed preview: scale 1, no rotation.
func Identity() Transform {
	return Transform{Scale: 1}
}

// Normalize clamps the transform into the interactive range. A zero scale
// is read as "unset" and becomes 1.
func (t Transform) Normalize() Transform {
	switch {
	case t.Scale == 0 || math.IsNaN(t.Scale):
		t.Scale = 1
	default:
		t.Scale = clamp(t.Scale, MinScale, MaxScale)
	}
	if math.IsNaN(t.RotationDegrees) {
		t.RotationDegrees = 0
	}
	t.RotationDegrees = clamp(t.RotationDegrees, MinRotation, MaxRotation)
	return t
}

// WithScale sets the zoom, clamped to [MinScale, MaxScale]. Zero and
// negative values clamp to MinScale; callers reading user input should
// reject them first.
func (t Transform) WithScale(scale float64) Transform {
	if scale == 0 {
		scale = MinScale
	}
	t.Scale = scale
	return t.Normalize()
}

// WithRotation sets the rotation, clamped to [MinRotation, MaxRotation].
func (t Transform) WithRotation(degrees float64) Transform {
	t.RotationDegrees = degrees
	return t.Normalize()
}

func (t Transform) IsIdentity() bool {
	t = t.Normalize()
	return t.Scale == 1 && math.Mod(t.RotationDegrees, 360) == 0
}
