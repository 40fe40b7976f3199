package exifmeta

import (
	"io"
	"math"

	"github.com/rwcarlsen/goexif/exif"
)

type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DetectGPS reports the GPS position stored in the image's EXIF block.
// Missing or unreadable EXIF yields false.
func DetectGPS(r io.Reader) (GPS, bool) {
	x, err := exif.Decode(r)
	if err != nil {
		return GPS{}, false
	}
	lat, lon, err := x.LatLong()
	if err != nil || math.IsNaN(lat) || math.IsNaN(lon) {
		return GPS{}, false
	}
	return GPS{Latitude: lat, Longitude: lon}, true
}
