package main

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"shadecrop/internal/crop"
)

type Operations = []Operation

type Operation struct {
	Crop *CropOperation
	Pick *PickOperation
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to read operation type: %w", err)
	}

	var err error
	switch head.Type {
	case "crop":
		o.Crop, err = decodeAs[CropOperation](data)
	case "pick":
		o.Pick, err = decodeAs[PickOperation](data)
	default:
		return fmt.Errorf("unknown operation %q", head.Type)
	}
	if err != nil {
		return fmt.Errorf("invalid %s operation: %w", head.Type, err)
	}
	return nil
}

func decodeAs[T any](data []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalJSON writes the operation back with its type tag so plans and
// recorded sessions can be replayed through readOperations.
func (o Operation) MarshalJSON() ([]byte, error) {
	switch {
	case o.Crop != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			CropOperation
		}{"crop", *o.Crop})
	case o.Pick != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			PickOperation
		}{"pick", *o.Pick})
	}
	return []byte("null"), nil
}

var errUnsafePath = errors.New("filename must be a relative path inside the base directory")

// Validate rejects operations without a payload and filenames that are
// empty, absolute or climb out of the base directory.
func (o Operation) Validate() error {
	if o.Crop == nil && o.Pick == nil {
		return errors.New("empty operation")
	}
	_, err := resolveIn("", o.Filename())
	return err
}

// resolveIn joins name onto dir after checking it stays inside dir.
func resolveIn(dir, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, name)
	}
	return filepath.Join(dir, name), nil
}

// Filename is the source file the operation reads.
func (o Operation) Filename() string {
	switch {
	case o.Crop != nil:
		return o.Crop.Filename
	case o.Pick != nil:
		return o.Pick.Filename
	}
	return ""
}

const (
	UnitPixel   = "px"
	UnitPercent = "%"
)

// CropBox is a crop rectangle as the browser reports it, in pixels or
// percent of the displayed image.
type CropBox struct {
	Unit   string  `json:"unit,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect converts the box into display pixels. This is the only place
// percent values are accepted.
func (c CropBox) Rect(display crop.Size) (crop.Rect, error) {
	switch c.Unit {
	case "", UnitPixel:
		return crop.Rect{X: c.X, Y: c.Y, Width: c.Width, Height: c.Height}, nil
	case UnitPercent:
		if !display.Valid() {
			return crop.Rect{}, fmt.Errorf("%w: percent crop without display size", crop.ErrImageNotReady)
		}
		return crop.PercentRect{X: c.X, Y: c.Y, Width: c.Width, Height: c.Height}.ToPixels(display), nil
	}
	return crop.Rect{}, fmt.Errorf("unknown crop unit %q", c.Unit)
}

func (c CropBox) String() string {
	unit := c.Unit
	if unit == "" {
		unit = UnitPixel
	}
	return fmt.Sprintf("crop(unit=%s,x=%.2f,y=%.2f,w=%.2f,h=%.2f)", unit, c.X, c.Y, c.Width, c.Height)
}

type CropOperation struct {
	Filename string `json:"filename"`
	// Display is the size the image was shown at when the crop was drawn.
	// Zero means the crop is already in natural pixels.
	Display   crop.Size      `json:"display"`
	Crop      CropBox        `json:"crop"`
	Transform crop.Transform `json:"transform"`
	Aspect    crop.Aspect    `json:"aspect"`
	DPR       float64        `json:"dpr,omitempty"`
}

func (c CropOperation) String() string {
	return fmt.Sprintf("%s display=%.2fx%.2f scale=%.2f rot=%.2f aspect=%s dpr=%.2f",
		c.Crop, c.Display.Width, c.Display.Height, c.Transform.Scale, c.Transform.RotationDegrees, c.Aspect, c.DPR)
}

// ID identifies the crop by everything that affects its pixels, so
// repeating an operation overwrites its earlier output.
func (c CropOperation) ID() string {
	sum := md5.Sum([]byte(c.String()))
	return hex.EncodeToString(sum[:])
}

type PickOperation struct {
	Filename string `json:"filename"`
}

// readOperations accepts a JSON array or JSON lines.
func readOperations(r io.Reader) (Operations, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read operations: %w", err)
		}
		if b[0] == ' ' || b[0] == '\n' || b[0] == '\r' || b[0] == '\t' {
			_, _ = br.ReadByte()
			continue
		}
		break
	}

	dec := json.NewDecoder(br)
	if b, _ := br.Peek(1); len(b) == 1 && b[0] == '[' {
		var ops Operations
		if err := dec.Decode(&ops); err != nil {
			return nil, fmt.Errorf("failed to decode operations: %w", err)
		}
		return ops, nil
	}

	var ops Operations
	for line := 1; ; line++ {
		var op Operation
		if err := dec.Decode(&op); err != nil {
			if errors.Is(err, io.EOF) {
				return ops, nil
			}
			return nil, fmt.Errorf("failed to decode operation %d: %w", line, err)
		}
		ops = append(ops, op)
	}
}

type Cropper interface {
	Crop(ctx context.Context, r io.Reader, w io.Writer, op CropOperation) (crop.Mapping, error)
}

// OperationExecutor applies crop and pick operations from BaseDir into
// OutputDir, one worker per CPU.
type OperationExecutor struct {
	BaseDir   string
	OutputDir string
	Cropper   Cropper
	// Ext is the extension of written crops, including the dot.
	Ext string
}

func (r OperationExecutor) Exec(ctx context.Context, ops []Operation) error {
	logger := log.Ctx(ctx)
	if len(ops) == 0 {
		logger.Warn().Msg("nothing to do")
		return nil
	}
	if err := os.MkdirAll(r.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", r.OutputDir, err)
	}

	workers := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(runtime.NumCPU())
	for i, op := range ops {
		workers.Go(func(ctx context.Context) error {
			var err error
			switch {
			case op.Crop != nil:
				err = r.executeCrop(ctx, *op.Crop)
			case op.Pick != nil:
				err = r.executePick(ctx, *op.Pick)
			}
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Int("index", i).Str("filename", op.Filename()).Msg("operation failed")
			}
			return err
		})
	}

	err := workers.Wait()
	if err != nil {
		logger.Error().Err(err).Int("operations", len(ops)).Msg("batch finished with errors")
		return err
	}
	logger.Info().Int("operations", len(ops)).Str("output", r.OutputDir).Msg("batch finished")
	return nil
}

func (r OperationExecutor) outputName(op CropOperation) string {
	ext := r.Ext
	if ext == "" {
		ext = ".jpg"
	}
	return filepath.Base(op.Filename) + "-" + op.ID() + ext
}

// executeCrop renders into a temporary file next to the destination and
// renames it into place, so a failed crop never leaves a truncated image.
func (r OperationExecutor) executeCrop(ctx context.Context, op CropOperation) error {
	log.Ctx(ctx).Info().Str("filename", op.Filename).Msg("cropping")

	srcPath, err := resolveIn(r.BaseDir, op.Filename)
	if err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", op.Filename, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(r.OutputDir, ".crop-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	m, err := r.Cropper.Crop(ctx, src, tmp, op)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to crop %s: %w", op.Filename, err)
	}

	name := r.outputName(op)
	if err := os.Rename(tmp.Name(), filepath.Join(r.OutputDir, name)); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	log.Ctx(ctx).Debug().
		Str("filename", op.Filename).
		Str("output", name).
		Stringer("source", m.Source).
		Stringer("size", m.Output).
		Msg("cropped")
	return nil
}

// executePick copies the original unchanged, keeping its relative path and
// modification time.
func (r OperationExecutor) executePick(ctx context.Context, op PickOperation) error {
	log.Ctx(ctx).Info().Str("filename", op.Filename).Msg("picking")
	srcPath, err := resolveIn(r.BaseDir, op.Filename)
	if err != nil {
		return err
	}
	dst, err := resolveIn(r.OutputDir, op.Filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", op.Filename, err)
	}
	if err := copyPreservingTime(srcPath, dst); err != nil {
		return fmt.Errorf("failed to pick %s: %w", op.Filename, err)
	}
	return nil
}

func copyPreservingTime(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
