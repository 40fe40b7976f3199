package exifmeta

import (
	"io"

	"github.com/rwcarlsen/goexif/exif"
)

// Orientation returns the EXIF orientation (1-8) of the image, or 1 when
// the tag is missing or invalid.
func Orientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// SwapsAxes reports whether displaying an image with orientation o swaps
// its width and height.
func SwapsAxes(o int) bool {
	return o >= 5 && o <= 8
}
