package main

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"shadecrop/internal/raster"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encodeImage(t *testing.T, w, h int, format raster.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, raster.Encode(&buf, testImage(w, h), format, 0))
	return buf.Bytes()
}

func writeImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	format, err := raster.ParseFormat(filepath.Ext(name))
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, encodeImage(t, w, h, format), 0644))
	return path
}

// inflatedPNG is a valid 2x2 PNG whose IHDR claims w×h.
func inflatedPNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := encodeImage(t, 2, 2, raster.PNG)
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}
