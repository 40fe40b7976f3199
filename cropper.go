package main

import (
	"context"
	"fmt"
	"image"
	"io"

	"shadecrop/internal/crop"
	"shadecrop/internal/raster"
)

// cropPlan is a crop operation resolved against a concrete natural size.
type cropPlan struct {
	Filename string           `json:"filename"`
	Source   crop.SourceImage `json:"image"`
	Rect     crop.Rect        `json:"display_rect"`
	Mapping  crop.Mapping     `json:"mapping"`
}

// planCrop converts op into natural pixels. A missing display size means
// the crop was drawn on the natural grid.
func planCrop(op CropOperation, natural image.Point, opts crop.Options) (cropPlan, error) {
	display := op.Display
	if !display.Valid() {
		display = crop.Size{Width: float64(natural.X), Height: float64(natural.Y)}
	}
	src := crop.SourceImage{
		NaturalWidth:  natural.X,
		NaturalHeight: natural.Y,
		DisplayWidth:  display.Width,
		DisplayHeight: display.Height,
	}
	if !src.Ready() {
		return cropPlan{}, fmt.Errorf("%w: %s has size %v", crop.ErrImageNotReady, op.Filename, natural)
	}
	rect, err := op.Crop.Rect(display)
	if err != nil {
		return cropPlan{}, err
	}
	if !(rect.Width > 0) || !(rect.Height > 0) {
		return cropPlan{}, fmt.Errorf("%w: %s", crop.ErrDegenerateCrop, op.Crop)
	}
	rect = crop.NewEngine(display, op.Aspect, opts.MinSize).Normalize(rect)

	m, err := crop.Map(rect, src, op.DPR)
	if err != nil {
		return cropPlan{}, err
	}
	return cropPlan{Filename: op.Filename, Source: src, Rect: rect, Mapping: m}, nil
}

// ImagingCropper crops files without an interactive session: decode,
// map, rasterize, encode.
type ImagingCropper struct {
	Options crop.Options
	Raster  raster.Options
}

// Crop implements the Cropper interface. It reads an image from r, crops it
// according to op, and writes the encoded result to w.
func (c *ImagingCropper) Crop(ctx context.Context, r io.Reader, w io.Writer, op CropOperation) (crop.Mapping, error) {
	src, err := raster.Decode(r)
	if err != nil {
		return crop.Mapping{}, err
	}

	plan, err := planCrop(op, src.Bounds().Size(), c.Options)
	if err != nil {
		return crop.Mapping{}, err
	}

	art, err := raster.NewWithOptions(src, c.Raster).Rasterize(ctx, crop.RasterRequest{
		Mapping:   plan.Mapping,
		Transform: op.Transform.Normalize(),
		Display:   plan.Source.Display(),
	})
	if err != nil {
		return crop.Mapping{}, err
	}
	if _, err := w.Write(art.Data); err != nil {
		return crop.Mapping{}, fmt.Errorf("failed to write cropped image: %w", err)
	}
	return plan.Mapping, nil
}

func NewImagingCropper(opts crop.Options, rasterOpts raster.Options) *ImagingCropper {
	return &ImagingCropper{Options: opts, Raster: rasterOpts}
}
