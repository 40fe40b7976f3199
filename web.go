package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/rs/zerolog/log"

	"shadecrop/internal/analysis"
	"shadecrop/internal/crop"
	"shadecrop/internal/raster"
)

//go:embed static
var staticFS embed.FS
var isDebug = os.Getenv("DEBUG") == "1"

const maxUploadBytes = 64 << 20

type Config struct {
	RootDir  string
	Addr     string
	Sessions *SessionStore
	// Analysis is nil when no analysis service is configured.
	Analysis         *analysis.Client
	OnBeforeShutdown func()
	OnReady          func(addr string)
	OnSave           func(ops Operations)
}

type WebApp struct {
	config       Config
	listing      *listingCache
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewWebApp(config Config) *WebApp {
	if config.Sessions == nil {
		config.Sessions = NewSessionStore(crop.DefaultOptions(), rasterDefaults())
	}
	return &WebApp{
		config:     config,
		shutdownCh: make(chan struct{}),
	}
}

func (a *WebApp) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, errSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, crop.ErrImageNotReady), errors.Is(err, crop.ErrSourceChanged):
		return http.StatusConflict
	case errors.Is(err, raster.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, crop.ErrDegenerateCrop):
		return http.StatusUnprocessableEntity
	case errors.Is(err, crop.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, crop.ErrSurfaceUnavailable):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (a *WebApp) errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	log.Ctx(c.UserContext()).Error().
		Err(err).
		Int("status", code).
		Str("path", c.Path()).
		Str("method", c.Method()).
		Msg("Request failed")
	if code == http.StatusNotFound && c.Path() == "/favicon.ico" {
		return nil
	}
	msg := err.Error()
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		msg = fiberErr.Message
	} else if code == http.StatusInternalServerError && !errors.Is(err, crop.ErrSurfaceUnavailable) {
		msg = "Internal Server Error"
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (a *WebApp) newApp(ctx context.Context) *fiber.App {
	webapp := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		BodyLimit:             maxUploadBytes,
		ErrorHandler:          a.errorHandler,
	})

	webapp.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(log.Ctx(ctx).WithContext(c.UserContext()))
		return c.Next()
	})

	if a.config.RootDir != "" && a.listing == nil {
		listing, err := newListingCache(a.config.RootDir)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("cannot watch root directory, listing will not be cached")
		} else {
			listing.Start(ctx)
			a.listing = listing
		}
	}

	go a.config.Sessions.RunSweeper(ctx)

	webapp.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := a.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	a.routes(webapp)

	if isDebug {
		log.Debug().Msg("Debug mode enabled, serving static files from './static' directory")
		webapp.Static("/", "static")
	} else {
		log.Debug().Msg("Serving static files from embedded filesystem")
		webapp.Use("/", filesystem.New(filesystem.Config{
			Root:       http.FS(staticFS),
			PathPrefix: "/static",
		}))
	}
	return webapp
}

func (a *WebApp) Run(ctx context.Context) error {
	webapp := a.newApp(ctx)

	go func() {
		select {
		case <-ctx.Done():
		case <-a.shutdownCh:
		}
		if fn := a.config.OnBeforeShutdown; fn != nil {
			fn()
		}
		if err := webapp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	addr := a.config.Addr
	if addr == "" {
		// Let the OS assign a random available port
		addr = "localhost:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := webapp.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (a *WebApp) routes(webapp *fiber.App) {
	api := webapp.Group("/api")

	if a.config.RootDir != "" {
		filesRoot := http.Dir(a.config.RootDir)
		api.Get("/view", func(c *fiber.Ctx) error {
			filePath := c.Query("file")
			return filesystem.SendFile(c, filesRoot, filePath)
		})

		api.Get("/ls", func(c *fiber.Ctx) error {
			var (
				dir Directory
				err error
			)
			if a.listing != nil {
				dir, err = a.listing.Get(c.UserContext())
			} else {
				dir, err = listImages(c.UserContext(), a.config.RootDir)
			}
			if err != nil {
				return fmt.Errorf("failed to walk dir: %w", err)
			}
			return c.JSON(dir)
		})
	}

	api.Get("/aspects", func(c *fiber.Ctx) error {
		return c.JSON(crop.AspectPresets())
	})

	api.Post("/sessions", a.openSession)

	api.Get("/sessions/:id", func(c *fiber.Ctx) error {
		cs, err := a.config.Sessions.Get(c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(cs.View())
	})

	api.Post("/sessions/:id/events", func(c *fiber.Ctx) error {
		cs, err := a.config.Sessions.Get(c.Params("id"))
		if err != nil {
			return err
		}
		var req eventRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		ev, err := req.toEvent(cs.Natural, cs.State())
		if err != nil {
			if errors.Is(err, crop.ErrImageNotReady) {
				return err
			}
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if _, err := cs.Dispatch(ev); err != nil {
			return err
		}
		return c.JSON(cs.View())
	})

	api.Post("/sessions/:id/apply", func(c *fiber.Ctx) error {
		cs, err := a.config.Sessions.Get(c.Params("id"))
		if err != nil {
			return err
		}
		var req struct {
			DPR float64 `json:"dpr"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(http.StatusBadRequest, err.Error())
			}
		}
		art, err := cs.Apply(c.UserContext(), req.DPR)
		if err != nil {
			return err
		}
		cs.setArtifact(art)
		log.Ctx(c.UserContext()).Info().
			Str("session", cs.ID).
			Int("width", art.Width).
			Int("height", art.Height).
			Int("bytes", len(art.Data)).
			Msg("crop applied")

		c.Set(fiber.HeaderContentType, art.ContentType)
		c.Set("X-Image-Width", strconv.Itoa(art.Width))
		c.Set("X-Image-Height", strconv.Itoa(art.Height))
		return c.Send(art.Data)
	})

	api.Post("/sessions/:id/analyze", a.analyzeSession)
	api.Post("/sessions/:id/visualize", a.visualizeSession)
	api.Get("/history", a.history)
	api.Get("/field-data", a.fieldData)

	api.Delete("/sessions/:id", func(c *fiber.Ctx) error {
		if err := a.config.Sessions.Remove(c.Params("id")); err != nil {
			return err
		}
		return c.SendStatus(http.StatusNoContent)
	})

	api.Post("/save", func(c *fiber.Ctx) error {
		var request struct {
			Operations []Operation `json:"operations"`
		}

		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		for i, op := range request.Operations {
			if err := op.Validate(); err != nil {
				return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("operation %d: %v", i+1, err))
			}
		}

		if fn := a.config.OnSave; fn != nil {
			fn(request.Operations)
		}

		return c.SendStatus(http.StatusNoContent)
	})

	api.Post("/shutdown", func(c *fiber.Ctx) error {
		a.Shutdown()
		return nil
	})
}

// openSession starts a cropper from an uploaded image (multipart field
// "image") or from a file under the root directory ({"file": name}).
func (a *WebApp) openSession(c *fiber.Ctx) error {
	var (
		data     []byte
		filename string
	)
	if fh, err := c.FormFile("image"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("failed to open upload: %w", err)
		}
		defer f.Close()
		if data, err = io.ReadAll(f); err != nil {
			return fmt.Errorf("failed to read upload: %w", err)
		}
		filename = fh.Filename
	} else {
		var req struct {
			File string `json:"file"`
		}
		if err := c.BodyParser(&req); err != nil || req.File == "" {
			return fiber.NewError(http.StatusBadRequest, "expected multipart field \"image\" or JSON {\"file\": ...}")
		}
		path, err := a.resolveFile(req.File)
		if err != nil {
			return err
		}
		if data, err = os.ReadFile(path); err != nil {
			return fiber.NewError(http.StatusNotFound, fmt.Sprintf("cannot read %s", req.File))
		}
		filename = req.File
	}

	cs, err := a.config.Sessions.Open(c.UserContext(), data, filename)
	if err != nil {
		if errors.Is(err, raster.ErrImageTooLarge) {
			return err
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(cs.View())
}

func (a *WebApp) resolveFile(name string) (string, error) {
	if a.config.RootDir == "" {
		return "", fiber.NewError(http.StatusBadRequest, "no root directory configured")
	}
	clean := filepath.Clean("/" + name)
	if !isImage(clean) {
		return "", fiber.NewError(http.StatusBadRequest, fmt.Sprintf("%s is not a supported image", name))
	}
	return filepath.Join(a.config.RootDir, clean), nil
}

type analyzeRequest struct {
	Company     string   `json:"company"`
	Farm        string   `json:"farm"`
	Sector      string   `json:"sector"`
	Lot         string   `json:"lot"`
	Row         string   `json:"row"`
	PlantNumber string   `json:"plant_number"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	DPR         float64  `json:"dpr"`
}

// analyzeSession sends the applied crop to the analysis service, applying
// it first when needed. GPS read from the original fills in missing
// coordinates since re-encoded crops carry no EXIF.
func (a *WebApp) analyzeSession(c *fiber.Ctx) error {
	client, err := a.analysisClient()
	if err != nil {
		return err
	}
	cs, err := a.config.Sessions.Get(c.Params("id"))
	if err != nil {
		return err
	}
	var req analyzeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	art, err := sessionArtifact(c.UserContext(), cs, req.DPR)
	if err != nil {
		return err
	}

	if (req.Latitude == nil || req.Longitude == nil) && cs.GPS != nil {
		lat, lon := cs.GPS.Latitude, cs.GPS.Longitude
		req.Latitude, req.Longitude = &lat, &lon
	}

	res, err := client.Analyze(c.UserContext(), analysis.Request{
		Image:       art.Data,
		Filename:    artifactName(cs, art),
		Company:     req.Company,
		Farm:        req.Farm,
		Sector:      req.Sector,
		Lot:         req.Lot,
		Row:         req.Row,
		PlantNumber: req.PlantNumber,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	})
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(res)
}

// visualizeSession asks the analysis service to paint the light and shadow
// regions of the applied crop.
func (a *WebApp) visualizeSession(c *fiber.Ctx) error {
	client, err := a.analysisClient()
	if err != nil {
		return err
	}
	cs, err := a.config.Sessions.Get(c.Params("id"))
	if err != nil {
		return err
	}
	var req analyzeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	art, err := sessionArtifact(c.UserContext(), cs, req.DPR)
	if err != nil {
		return err
	}

	res, err := client.Visualize(c.UserContext(), analysis.VisualRequest{
		Image:    art.Data,
		Filename: artifactName(cs, art),
		Company:  req.Company,
		Farm:     req.Farm,
		Sector:   req.Sector,
		Lot:      req.Lot,
	})
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(res)
}

func (a *WebApp) history(c *fiber.Ctx) error {
	client, err := a.analysisClient()
	if err != nil {
		return err
	}
	h, err := client.History(c.UserContext())
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(h)
}

func (a *WebApp) fieldData(c *fiber.Ctx) error {
	client, err := a.analysisClient()
	if err != nil {
		return err
	}
	fd, err := client.FieldData(c.UserContext())
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(fd)
}

func (a *WebApp) analysisClient() (*analysis.Client, error) {
	if a.config.Analysis == nil {
		return nil, fiber.NewError(http.StatusServiceUnavailable, "no analysis service configured")
	}
	return a.config.Analysis, nil
}

// sessionArtifact returns the applied crop, applying the session first if
// that has not happened yet.
func sessionArtifact(ctx context.Context, cs *cropSession, dpr float64) (crop.Artifact, error) {
	if art, ok := cs.Artifact(); ok {
		return art, nil
	}
	art, err := cs.Apply(ctx, dpr)
	if err != nil {
		return crop.Artifact{}, err
	}
	cs.setArtifact(art)
	return art, nil
}

func artifactName(cs *cropSession, art crop.Artifact) string {
	if cs.Filename == "" {
		return "crop" + extFor(art.ContentType)
	}
	base := filepath.Base(cs.Filename)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-crop" + extFor(art.ContentType)
}

func upstreamError(err error) error {
	if errors.Is(err, analysis.ErrInvalidRequest) {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return fiber.NewError(http.StatusBadGateway, err.Error())
}

func extFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	return ".jpg"
}
