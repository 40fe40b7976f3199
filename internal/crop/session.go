package crop

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Artifact is an encoded crop.
type Artifact struct {
	Data        []byte `json:"-"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"content_type"`
}

// RasterRequest is everything a Rasterizer needs to draw one crop.
type RasterRequest struct {
	Mapping   Mapping
	Transform Transform
	// Display is the layout size the crop and transform were expressed in.
	Display Size
}

// Rasterizer draws a mapped region of the original pixels and encodes it.
type Rasterizer interface {
	Rasterize(ctx context.Context, req RasterRequest) (Artifact, error)
}

// Session is a live cropper: one writer dispatches events, renderers
// subscribe, and Apply consumes the crop exactly once.
type Session struct {
	mu     sync.Mutex
	state  State
	opts   Options
	raster Rasterizer

	subsMu  sync.Mutex
	subs    map[int]func(State)
	nextSub int

	apply singleflight.Group
}

// NewSession starts in the loading phase. A nil rasterizer makes Apply
// fail with ErrSurfaceUnavailable.
func NewSession(r Rasterizer, opts Options) *Session {
	if !(opts.MinSize > 0) {
		opts.MinSize = DefaultMinSize
	}
	if !(opts.InitialPercent > 0) || opts.InitialPercent > 1 {
		opts.InitialPercent = DefaultInitialPercent
	}
	return &Session{
		state:  NewState(opts),
		opts:   opts,
		raster: r,
		subs:   make(map[int]func(State)),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch reduces ev into the session state and notifies subscribers.
func (s *Session) Dispatch(ev Event) (State, error) {
	s.mu.Lock()
	next, err := Reduce(s.state, ev, s.opts)
	if err != nil {
		s.mu.Unlock()
		return next, err
	}
	s.state = next
	s.mu.Unlock()

	s.notify(next)
	return next, nil
}

// Subscribe registers fn to receive every new state. The returned func
// removes the subscription.
func (s *Session) Subscribe(fn func(State)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Session) notify(st State) {
	s.subsMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Apply maps the current crop to natural pixels and rasterizes it. Calls
// that overlap an in-flight apply share its result; calls after a
// successful apply fail with ErrSessionClosed. A failed apply leaves the
// session editable.
func (s *Session) Apply(ctx context.Context, dpr float64) (Artifact, error) {
	v, err, _ := s.apply.Do("apply", func() (any, error) {
		st := s.State()
		switch st.Phase {
		case PhaseApplied, PhaseClosed:
			return Artifact{}, ErrSessionClosed
		case PhaseLoading:
			return Artifact{}, ErrImageNotReady
		}

		m, err := Map(st.Crop, st.Source, dpr)
		if err != nil {
			return Artifact{}, err
		}
		if s.raster == nil {
			return Artifact{}, fmt.Errorf("%w: no rasterizer", ErrSurfaceUnavailable)
		}
		art, err := s.raster.Rasterize(ctx, RasterRequest{
			Mapping:   m,
			Transform: st.Transform,
			Display:   st.Source.Display(),
		})
		if err != nil {
			return Artifact{}, err
		}

		s.mu.Lock()
		if s.state.Phase != PhaseEditing {
			// closed while rasterizing
			s.mu.Unlock()
			return Artifact{}, ErrSessionClosed
		}
		s.state.Phase = PhaseApplied
		next := s.state
		s.mu.Unlock()

		s.notify(next)
		return art, nil
	})
	if err != nil {
		return Artifact{}, err
	}
	return v.(Artifact), nil
}

// Close cancels the session. It is safe to call more than once.
func (s *Session) Close() {
	_, _ = s.Dispatch(Closed{})
}
