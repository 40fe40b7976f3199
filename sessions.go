package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shadecrop/internal/crop"
	"shadecrop/internal/exifmeta"
	"shadecrop/internal/raster"
)

var errSessionNotFound = errors.New("crop session not found")

// DefaultSessionIdle is how long an untouched session keeps its decoded
// image before the sweeper closes it.
const DefaultSessionIdle = 30 * time.Minute

// cropSession is one open cropper bound to a decoded original.
type cropSession struct {
	ID       string
	Filename string
	Natural  image.Point
	GPS      *exifmeta.GPS
	*crop.Session

	mu       sync.Mutex
	artifact *crop.Artifact

	// lastUsed is guarded by the store's mutex.
	lastUsed time.Time
}

func (s *cropSession) setArtifact(a crop.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = &a
}

func (s *cropSession) Artifact() (crop.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact == nil {
		return crop.Artifact{}, false
	}
	return *s.artifact, true
}

type sessionView struct {
	ID          string           `json:"id"`
	Filename    string           `json:"filename,omitempty"`
	State       crop.State       `json:"state"`
	CropPercent crop.PercentRect `json:"crop_percent"`
	HasGPS      bool             `json:"has_gps"`
	GPS         *exifmeta.GPS    `json:"gps,omitempty"`
}

func (s *cropSession) View() sessionView {
	st := s.State()
	return sessionView{
		ID:          s.ID,
		Filename:    s.Filename,
		State:       st,
		CropPercent: st.Crop.Percent(st.Source.Display()),
		HasGPS:      s.GPS != nil,
		GPS:         s.GPS,
	}
}

// SessionStore holds the open croppers. Closing a session drops its
// decoded image; sessions idle for longer than IdleTimeout are closed by
// RunSweeper.
type SessionStore struct {
	CropOptions   crop.Options
	RasterOptions raster.Options
	// MaxPixels bounds the natural size of opened images.
	MaxPixels   int
	IdleTimeout time.Duration

	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*cropSession
}

func NewSessionStore(cropOpts crop.Options, rasterOpts raster.Options) *SessionStore {
	maxPixels := rasterOpts.MaxSurfaceArea
	if maxPixels <= 0 {
		maxPixels = raster.DefaultMaxSurfaceArea
	}
	return &SessionStore{
		CropOptions:   cropOpts,
		RasterOptions: rasterOpts,
		MaxPixels:     maxPixels,
		IdleTimeout:   DefaultSessionIdle,
		now:           time.Now,
		sessions:      make(map[string]*cropSession),
	}
}

// Open decodes data and starts a session in the loading phase; the first
// layout event makes it editable. Images larger than MaxPixels are refused
// from their header alone.
func (s *SessionStore) Open(ctx context.Context, data []byte, filename string) (*cropSession, error) {
	img, err := raster.DecodeBounded(data, s.MaxPixels)
	if err != nil {
		return nil, err
	}

	cs := &cropSession{
		ID:       uuid.NewString(),
		Filename: filename,
		Natural:  img.Bounds().Size(),
		Session:  crop.NewSession(raster.NewWithOptions(img, s.RasterOptions), s.CropOptions),
	}
	if gps, ok := exifmeta.DetectGPS(bytes.NewReader(data)); ok {
		cs.GPS = &gps
	}

	logger := log.Ctx(ctx).With().Str("session", cs.ID).Logger()
	cs.Subscribe(func(st crop.State) {
		logger.Debug().
			Stringer("phase", st.Phase).
			Stringer("crop", st.Crop).
			Float64("scale", st.Transform.Scale).
			Float64("rotation", st.Transform.RotationDegrees).
			Msg("crop state changed")
	})

	s.mu.Lock()
	cs.lastUsed = s.now()
	s.sessions[cs.ID] = cs
	s.mu.Unlock()

	logger.Info().
		Str("filename", filename).
		Int("width", cs.Natural.X).
		Int("height", cs.Natural.Y).
		Bool("gps", cs.GPS != nil).
		Msg("crop session opened")
	return cs, nil
}

// Get returns the session and marks it as used.
func (s *SessionStore) Get(id string) (*cropSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSessionNotFound, id)
	}
	cs.lastUsed = s.now()
	return cs, nil
}

// Remove cancels and forgets a session.
func (s *SessionStore) Remove(id string) error {
	s.mu.Lock()
	cs, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errSessionNotFound, id)
	}
	cs.Close()
	return nil
}

// Sweep closes and forgets the sessions idle for longer than IdleTimeout
// and returns how many it dropped.
func (s *SessionStore) Sweep(ctx context.Context) int {
	if s.IdleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.IdleTimeout)

	var idle []*cropSession
	s.mu.Lock()
	for id, cs := range s.sessions {
		if cs.lastUsed.Before(cutoff) {
			idle = append(idle, cs)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, cs := range idle {
		cs.Close()
		log.Ctx(ctx).Info().Str("session", cs.ID).Str("filename", cs.Filename).Msg("idle crop session closed")
	}
	return len(idle)
}

// RunSweeper calls Sweep periodically until ctx is done.
func (s *SessionStore) RunSweeper(ctx context.Context) {
	if s.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(max(s.IdleTimeout/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// eventRequest is the wire form of a cropper event.
type eventRequest struct {
	Type     string      `json:"type"`
	Display  crop.Size   `json:"display"`
	Crop     CropBox     `json:"crop"`
	DX       float64     `json:"dx"`
	DY       float64     `json:"dy"`
	Handle   crop.Handle `json:"handle"`
	Aspect   string      `json:"aspect"`
	Scale    *float64    `json:"scale"`
	Rotation *float64    `json:"rotation"`
}

// toEvent resolves the request against the session's current state. Every
// layout is sent as crop.Loaded; the reducer treats all but the first as a
// relayout.
func (r eventRequest) toEvent(natural image.Point, st crop.State) (crop.Event, error) {
	switch r.Type {
	case "layout":
		return crop.Loaded{Natural: natural, Display: r.Display}, nil
	case "crop":
		rect, err := r.Crop.Rect(st.Source.Display())
		if err != nil {
			return nil, err
		}
		return crop.CropChanged{Rect: rect}, nil
	case "move":
		return crop.Moved{DX: r.DX, DY: r.DY}, nil
	case "resize":
		if !r.Handle.Valid() {
			return nil, fmt.Errorf("unknown resize handle %q", r.Handle)
		}
		return crop.Resized{Handle: r.Handle, DX: r.DX, DY: r.DY}, nil
	case "aspect":
		a, err := crop.ParseAspect(r.Aspect)
		if err != nil {
			return nil, err
		}
		return crop.AspectChanged{Aspect: a}, nil
	case "scale":
		if r.Scale == nil || *r.Scale <= 0 {
			return nil, errors.New("scale must be a positive number")
		}
		return crop.ScaleChanged{Scale: *r.Scale}, nil
	case "rotate":
		if r.Rotation == nil {
			return nil, errors.New("rotation is required")
		}
		return crop.RotationChanged{Degrees: *r.Rotation}, nil
	case "reset":
		return crop.Reset{}, nil
	}
	return nil, fmt.Errorf("unknown event %q", r.Type)
}
