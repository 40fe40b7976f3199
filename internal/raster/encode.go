package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrImageTooLarge is returned by DecodeBounded for images whose header
// declares more pixels than allowed.
var ErrImageTooLarge = errors.New("image too large")

// Format is an output encoding.
type Format int

const (
	JPEG Format = iota
	PNG
	WebP
)

// DefaultQuality matches a 0.9 lossy encoder quality.
const DefaultQuality = 90

// ParseFormat accepts a format name or file extension, with or without the
// dot. The empty string means JPEG.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "jpg", "jpeg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "webp":
		return WebP, nil
	}
	return JPEG, fmt.Errorf("unsupported output format %q", s)
}

func (f Format) String() string {
	switch f {
	case PNG:
		return "png"
	case WebP:
		return "webp"
	default:
		return "jpeg"
	}
}

// Ext is the file extension including the dot.
func (f Format) Ext() string {
	switch f {
	case PNG:
		return ".png"
	case WebP:
		return ".webp"
	default:
		return ".jpg"
	}
}

func (f Format) ContentType() string {
	return "image/" + f.String()
}

// Decode reads an image, applying its EXIF orientation so the natural grid
// matches what a browser displays.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// DecodeBounded decodes data like Decode after checking the dimensions in
// its header, so an oversized image is rejected before any pixel buffer is
// allocated. maxPixels <= 0 means no limit.
func DecodeBounded(data []byte, maxPixels int) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	return Decode(bytes.NewReader(data))
}

// Encode writes img in the given format. Quality applies to JPEG and WebP.
func Encode(w io.Writer, img image.Image, format Format, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var err error
	switch format {
	case PNG:
		err = imaging.Encode(w, img, imaging.PNG)
	case WebP:
		err = webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	default:
		err = imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return nil
}

func encodeBytes(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
