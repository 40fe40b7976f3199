package raster

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"shadecrop/internal/crop"
)

const (
	// DefaultMaxSurfaceArea bounds the output surface, in pixels.
	DefaultMaxSurfaceArea = 1 << 28
	// MaxSurfaceSide bounds each output dimension.
	MaxSurfaceSide = 32767
)

// Options configures an ImageRasterizer.
type Options struct {
	Format         Format
	Quality        int
	MaxSurfaceArea int
	// Background fills output pixels not covered by a rotated or zoomed-out image.
	Background color.Color
}

// DefaultOptions encodes JPEG at quality 90 on a black background.
func DefaultOptions() Options {
	return Options{
		Format:         JPEG,
		Quality:        DefaultQuality,
		MaxSurfaceArea: DefaultMaxSurfaceArea,
		Background:     color.Black,
	}
}

// ImageRasterizer draws crops from one decoded original. It never reads the
// preview; the preview transform is composed from the request instead.
type ImageRasterizer struct {
	src  image.Image
	opts Options
}

// New returns a rasterizer over src with DefaultOptions.
func New(src image.Image) *ImageRasterizer {
	return NewWithOptions(src, DefaultOptions())
}

func NewWithOptions(src image.Image, opts Options) *ImageRasterizer {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.MaxSurfaceArea <= 0 {
		opts.MaxSurfaceArea = DefaultMaxSurfaceArea
	}
	if opts.Background == nil {
		opts.Background = color.Black
	}
	return &ImageRasterizer{src: src, opts: opts}
}

// NaturalSize returns the pixel dimensions of the original.
func (r *ImageRasterizer) NaturalSize() image.Point {
	if r == nil || r.src == nil {
		return image.Point{}
	}
	return r.src.Bounds().Size()
}

// Rasterize implements crop.Rasterizer. Identical requests produce
// identical bytes.
func (r *ImageRasterizer) Rasterize(ctx context.Context, req crop.RasterRequest) (crop.Artifact, error) {
	img, err := r.Draw(ctx, req)
	if err != nil {
		return crop.Artifact{}, err
	}
	data, err := encodeBytes(img, r.opts.Format, r.opts.Quality)
	if err != nil {
		return crop.Artifact{}, err
	}
	return crop.Artifact{
		Data:        data,
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
		ContentType: r.opts.Format.ContentType(),
	}, nil
}

// Draw renders the request onto a new surface without encoding it.
func (r *ImageRasterizer) Draw(ctx context.Context, req crop.RasterRequest) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil || r.src == nil {
		return nil, fmt.Errorf("%w: no source image", crop.ErrSurfaceUnavailable)
	}
	m := req.Mapping
	if m.Source.Empty() {
		return nil, fmt.Errorf("%w: empty source rect %v", crop.ErrDegenerateCrop, m.Source)
	}
	out := m.Output
	if out.X <= 0 || out.Y <= 0 {
		return nil, fmt.Errorf("%w: output surface %v", crop.ErrDegenerateCrop, out)
	}
	if out.X > MaxSurfaceSide || out.Y > MaxSurfaceSide || out.X*out.Y > r.opts.MaxSurfaceArea {
		return nil, fmt.Errorf("%w: output surface %dx%d exceeds limits", crop.ErrSurfaceUnavailable, out.X, out.Y)
	}

	if req.Transform.IsIdentity() {
		return r.drawIdentity(m), nil
	}
	return r.drawTransformed(req), nil
}

func (r *ImageRasterizer) drawIdentity(m crop.Mapping) *image.NRGBA {
	rect := m.Source.Add(r.src.Bounds().Min)
	cropped := imaging.Crop(r.src, rect)
	if cropped.Bounds().Size() == m.Output {
		return cropped
	}
	return imaging.Resize(cropped, m.Output.X, m.Output.Y, imaging.Lanczos)
}

// drawTransformed resamples the original through
// natural -> display -> preview transform -> output surface.
func (r *ImageRasterizer) drawTransformed(req crop.RasterRequest) *image.NRGBA {
	m := req.Mapping
	t := req.Transform.Normalize()
	dst := image.NewNRGBA(image.Rect(0, 0, m.Output.X, m.Output.Y))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(r.opts.Background), image.Point{}, draw.Src)

	bounds := r.src.Bounds()
	cx, cy := req.Display.Width/2, req.Display.Height/2
	theta := t.RotationDegrees * math.Pi / 180
	cos, sin := math.Cos(theta)*t.Scale, math.Sin(theta)*t.Scale
	// output pixels per display pixel
	kx, ky := m.ScaleX*m.DPR, m.ScaleY*m.DPR
	ox, oy := float64(m.Source.Min.X)/m.ScaleX, float64(m.Source.Min.Y)/m.ScaleY

	toDisplay := f64.Aff3{
		1 / m.ScaleX, 0, -float64(bounds.Min.X) / m.ScaleX,
		0, 1 / m.ScaleY, -float64(bounds.Min.Y) / m.ScaleY,
	}
	preview := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	toOutput := f64.Aff3{
		kx, 0, -ox * kx,
		0, ky, -oy * ky,
	}
	s2d := mul(toOutput, mul(preview, toDisplay))

	draw.CatmullRom.Transform(dst, s2d, r.src, bounds, draw.Over, nil)
	return dst
}

// mul returns a·b, the transform applying b first.
func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}
