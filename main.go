package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shadecrop/internal/analysis"
	"shadecrop/internal/crop"
	"shadecrop/internal/raster"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("shadecrop"),
		kong.Description("Crop photographs for light/shadow analysis."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.config/shadecrop/config.json", "shadecrop.json"),
	)
	if err := cliCtx.Run(); err != nil {
		return err
	}

	return nil
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.NewConsoleWriter()).Level(level)
	zerolog.DefaultContextLogger = &log.Logger
}

// CropFlags are the crop and encoding defaults shared by all commands.
type CropFlags struct {
	Aspect   string  `help:"Default aspect ratio (free, 16:9, 4:3, 1:1, 3:4 or W:H)" default:"16:9"`
	Coverage float64 `help:"Share of the controlling axis covered by the initial crop" default:"0.9"`
	MinSize  float64 `help:"Minimum crop edge in display pixels" default:"4"`
	Format   string  `help:"Output format (jpeg, png, webp)" default:"jpeg" enum:"jpeg,jpg,png,webp"`
	Quality  int     `help:"JPEG/WebP quality (1-100)" default:"90"`
}

func (f CropFlags) options() (crop.Options, raster.Options, error) {
	aspect, err := crop.ParseAspect(f.Aspect)
	if err != nil {
		return crop.Options{}, raster.Options{}, err
	}
	if f.Coverage <= 0 || f.Coverage > 1 {
		return crop.Options{}, raster.Options{}, fmt.Errorf("coverage must be in (0, 1], got %v", f.Coverage)
	}
	if f.MinSize <= 0 {
		return crop.Options{}, raster.Options{}, fmt.Errorf("min-size must be positive, got %v", f.MinSize)
	}
	if f.Quality < 1 || f.Quality > 100 {
		return crop.Options{}, raster.Options{}, fmt.Errorf("quality must be between 1 and 100, got %d", f.Quality)
	}
	format, err := raster.ParseFormat(f.Format)
	if err != nil {
		return crop.Options{}, raster.Options{}, err
	}

	rasterOpts := raster.DefaultOptions()
	rasterOpts.Format = format
	rasterOpts.Quality = f.Quality
	return crop.Options{
		DefaultAspect:  aspect,
		InitialPercent: f.Coverage,
		MinSize:        f.MinSize,
	}, rasterOpts, nil
}

func rasterDefaults() raster.Options {
	return raster.DefaultOptions()
}

// commandContext is cancelled on SIGINT or SIGTERM and carries the global
// logger for log.Ctx.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return log.Logger.WithContext(ctx), cancel
}

type serveCmd struct {
	RootDir     string        `arg:"" optional:"" help:"Directory to browse images from"`
	Addr        string        `help:"Listen address" default:"localhost:0"`
	Open        bool          `help:"Open the browser automatically when the server starts" default:"true" negatable:""`
	JSON        bool          `help:"Output saved operations in JSON format without executing"`
	Once        bool          `help:"Run the server once and exit after save" default:"false"`
	AnalysisURL string        `help:"Base URL of the light/shadow analysis service" env:"SHADECROP_ANALYSIS_URL"`
	SessionIdle time.Duration `help:"Close crop sessions left untouched for this long (0 keeps them)" default:"30m"`
	Verbose     bool          `help:"Enable verbose logging" default:"false"`

	CropFlags `embed:""`
}

func (cmd *serveCmd) Run() error {
	setupLogging(cmd.Verbose)

	cropOpts, rasterOpts, err := cmd.options()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	var client *analysis.Client
	if cmd.AnalysisURL != "" {
		client = analysis.NewClient(cmd.AnalysisURL)
	}

	executor := &OperationExecutor{
		BaseDir:   cmd.RootDir,
		OutputDir: filepath.Join(cmd.RootDir, outputDirName),
		Cropper:   NewImagingCropper(cropOpts, rasterOpts),
		Ext:       rasterOpts.Format.Ext(),
	}

	sessions := NewSessionStore(cropOpts, rasterOpts)
	sessions.IdleTimeout = cmd.SessionIdle

	app := NewWebApp(Config{
		RootDir:  cmd.RootDir,
		Addr:     cmd.Addr,
		Sessions: sessions,
		Analysis: client,
		OnBeforeShutdown: func() {
			log.Ctx(ctx).Info().Msg("Shutting down web application...")
		},
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Msgf("Server started at %s", addr)
			if cmd.Open {
				if err := openBrowser(addr); err != nil {
					log.Error().Err(err).Msg("Failed to open browser")
				}
			}
		},
		OnSave: func(ops Operations) {
			if cmd.JSON {
				printJSONL(os.Stdout, ops)
			} else if cmd.RootDir == "" {
				log.Ctx(ctx).Warn().Msg("no root directory, ignoring saved operations")
			} else if err := executor.Exec(ctx, ops); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("Failed to execute operations")
			}

			if cmd.Once {
				cancel()
			}
		},
	})

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}

type cropCmd struct {
	RootDir    string `arg:"" help:"Directory the operation filenames are relative to" type:"existingdir"`
	Operations string `short:"f" help:"Operations file (JSON array or JSON lines), - for stdin" default:"-"`
	Output     string `short:"o" help:"Output directory (default: <root>/output)"`
	DryRun     bool   `help:"Print the mapped source rectangles as JSON lines without decoding images"`
	Verbose    bool   `help:"Enable verbose logging" default:"false"`

	CropFlags `embed:""`
}

func (cmd *cropCmd) Run() error {
	setupLogging(cmd.Verbose)

	cropOpts, rasterOpts, err := cmd.options()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	var in io.Reader = os.Stdin
	if cmd.Operations != "-" {
		f, err := os.Open(cmd.Operations)
		if err != nil {
			return fmt.Errorf("failed to open operations file: %w", err)
		}
		defer f.Close()
		in = f
	}
	ops, err := readOperations(in)
	if err != nil {
		return err
	}

	if cmd.DryRun {
		plans, err := planOperations(cmd.RootDir, ops, cropOpts)
		printJSONL(os.Stdout, plans)
		return err
	}

	output := cmd.Output
	if output == "" {
		output = filepath.Join(cmd.RootDir, outputDirName)
	}
	executor := &OperationExecutor{
		BaseDir:   cmd.RootDir,
		OutputDir: output,
		Cropper:   NewImagingCropper(cropOpts, rasterOpts),
		Ext:       rasterOpts.Format.Ext(),
	}
	return executor.Exec(ctx, ops)
}

// planOperations maps every crop against its file's header dimensions.
func planOperations(rootDir string, ops Operations, opts crop.Options) ([]cropPlan, error) {
	var (
		plans []cropPlan
		errs  []error
	)
	for _, op := range ops {
		if op.Crop == nil {
			continue
		}
		path, err := resolveIn(rootDir, op.Crop.Filename)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w, h, err := probeDimensions(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op.Crop.Filename, err))
			continue
		}
		plan, err := planCrop(*op.Crop, image.Pt(w, h), opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op.Crop.Filename, err))
			continue
		}
		plans = append(plans, plan)
	}
	return plans, errors.Join(errs...)
}

type cliArgs struct {
	Serve serveCmd `cmd:"" default:"withargs" help:"Serve the interactive cropper"`
	Crop  cropCmd  `cmd:"" help:"Apply saved crop operations to files"`
}

func printJSONL[T any](w io.Writer, data []T) {
	enc := json.NewEncoder(w)
	for _, item := range data {
		if err := enc.Encode(item); err != nil {
			log.Error().Err(err).Msg("Failed to encode item to JSON")
			continue
		}
	}
}
