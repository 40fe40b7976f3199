package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"

	"shadecrop/internal/exifmeta"
)

// outputDirName is where batch results go; listings skip it.
const outputDirName = "output"

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

type ImageInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type FileInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
	URL        string    `json:"url"`
	Image      ImageInfo `json:"image"`
}

type Directory struct {
	Name  string     `json:"name"`
	Files []FileInfo `json:"files"`
}

func isImage(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}

// walkImages lists the images below rootPath with their oriented
// dimensions. Files whose header cannot be read are listed without a size.
func walkImages(ctx context.Context, rootPath string) (Directory, error) {
	dir := Directory{Name: filepath.Base(rootPath)}

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir() && path != rootPath && d.Name() == outputDirName:
			return filepath.SkipDir
		case d.IsDir() || !isImage(path):
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}

		file := FileInfo{Name: rel, SizeBytes: info.Size(), ModifiedAt: info.ModTime()}
		if w, h, err := probeDimensions(path); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("filename", rel).Msg("cannot read image dimensions")
		} else {
			file.Image = ImageInfo{Width: w, Height: h}
		}
		dir.Files = append(dir.Files, file)
		return nil
	})
	if err != nil {
		return Directory{}, err
	}
	return dir, nil
}

// probeDimensions reads the size from the file header without decoding the
// pixels. EXIF orientations that rotate by 90° swap the axes, so the result
// matches the natural size raster.Decode produces.
func probeDimensions(filePath string) (width, height int, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("failed to rewind %s: %w", filePath, err)
	}
	if exifmeta.SwapsAxes(exifmeta.Orientation(f)) {
		return cfg.Height, cfg.Width, nil
	}
	return cfg.Width, cfg.Height, nil
}
