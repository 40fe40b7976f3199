package crop

import (
	"fmt"
	"image"
)

// Phase is the lifecycle stage of a cropper.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseEditing
	PhaseApplied
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseEditing:
		return "editing"
	case PhaseApplied:
		return "applied"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Options are the per-session defaults.
type Options struct {
	DefaultAspect  Aspect
	InitialPercent float64
	MinSize        float64
}

// DefaultOptions starts at 16:9 covering 90% of the controlling axis.
func DefaultOptions() Options {
	return Options{
		DefaultAspect:  Fixed(16.0 / 9.0),
		InitialPercent: DefaultInitialPercent,
		MinSize:        DefaultMinSize,
	}
}

// State is everything a cropper renders. It is a value; transitions go
// through Reduce.
type State struct {
	Phase     Phase       `json:"phase"`
	Source    SourceImage `json:"source"`
	Transform Transform   `json:"transform"`
	Aspect    Aspect      `json:"aspect"`
	Crop      Rect        `json:"crop"`
}

// NewState returns the loading state for a session.
func NewState(opts Options) State {
	return State{
		Phase:     PhaseLoading,
		Transform: Identity(),
		Aspect:    opts.DefaultAspect,
	}
}

func (s State) engine(opts Options) Engine {
	return NewEngine(s.Source.Display(), s.Aspect, opts.MinSize)
}

// Event is a user or layout input to the cropper.
type Event interface {
	reduce(s State, opts Options) (State, error)
}

// Reduce applies ev to s. On error the returned state equals s.
func Reduce(s State, ev Event, opts Options) (State, error) {
	switch s.Phase {
	case PhaseApplied, PhaseClosed:
		if _, ok := ev.(Closed); ok {
			s.Phase = PhaseClosed
			return s, nil
		}
		return s, ErrSessionClosed
	}
	next, err := ev.reduce(s, opts)
	if err != nil {
		return s, err
	}
	return next, nil
}

func requireReady(s State) error {
	if s.Phase != PhaseEditing || !s.Source.Ready() {
		return ErrImageNotReady
	}
	return nil
}

// Loaded reports a decoded image and its first layout. Once editing, a
// repeated Loaded for the same image is only a relayout; the natural size
// never changes.
type Loaded struct {
	Natural image.Point
	Display Size
}

func (e Loaded) reduce(s State, opts Options) (State, error) {
	if s.Phase != PhaseLoading {
		if e.Natural != s.Source.Natural() {
			return s, fmt.Errorf("%w: loaded %v, editing %v", ErrSourceChanged, e.Natural, s.Source.Natural())
		}
		return Relayout{Display: e.Display}.reduce(s, opts)
	}
	src := SourceImage{
		NaturalWidth:  e.Natural.X,
		NaturalHeight: e.Natural.Y,
		DisplayWidth:  e.Display.Width,
		DisplayHeight: e.Display.Height,
	}
	if !src.Ready() {
		return s, fmt.Errorf("%w: natural %v, display %.2fx%.2f", ErrImageNotReady, e.Natural, e.Display.Width, e.Display.Height)
	}
	s.Source = src
	s.Phase = PhaseEditing
	s.Crop = s.engine(opts).Init(opts.InitialPercent)
	return s, nil
}

// Relayout reports a new on-screen size for the image element.
type Relayout struct {
	Display Size
}

func (e Relayout) reduce(s State, opts Options) (State, error) {
	if err := requireReady(s); err != nil {
		return s, err
	}
	if !e.Display.Valid() {
		return s, fmt.Errorf("%w: display %.2fx%.2f", ErrImageNotReady, e.Display.Width, e.Display.Height)
	}
	prev := s.Source.Display()
	s.Source.DisplayWidth, s.Source.DisplayHeight = e.Display.Width, e.Display.Height
	s.Crop = s.engine(opts).Rescale(s.Crop, prev)
	return s, nil
}

// CropChanged replaces the rectangle, e.g. when a drag reports its absolute
// position.
type CropChanged struct {
	Rect Rect
}

func (e CropChanged) reduce(s State, opts Options) (State, error) {
	if err := requireReady(s); err != nil {
		return s, err
	}
	s.Crop = s.engine(opts).Normalize(e.Rect)
	return s, nil
}

// Moved drags the whole rectangle by a display-pixel delta.
type Moved struct {
	DX, DY float64
}

func (e Moved) reduce(s State, opts Options) (State, error) {
	if err := requireReady(s); err != nil {
		return s, err
	}
	s.Crop = s.engine(opts).Move(s.Crop, e.DX, e.DY)
	return s, nil
}

// Resized drags one handle by a display-pixel delta.
type Resized struct {
	Handle Handle
	DX, DY float64
}

func (e Resized) reduce(s State, opts Options) (State, error) {
	if err := requireReady(s); err != nil {
		return s, err
	}
	s.Crop = s.engine(opts).Resize(s.Crop, e.Handle, e.DX, e.DY)
	return s, nil
}

// AspectChanged switches the constraint and refits the current crop.
type AspectChanged struct {
	Aspect Aspect
}

func (e AspectChanged) reduce(s State, opts Options) (State, error) {
	if err := requireReady(s); err != nil {
		return s, err
	}
	s.Crop = s.engine(opts).WithAspect(s.Crop, e.Aspect)
	s.Aspect = e.Aspect
	return s, nil
}

// ScaleChanged and RotationChanged only touch the preview transform, so
// they are accepted while the image is still loading.
type ScaleChanged struct {
	Scale float64
}

func (e ScaleChanged) reduce(s State, _ Options) (State, error) {
	s.Transform = s.Transform.WithScale(e.Scale)
	return s, nil
}

type RotationChanged struct {
	Degrees float64
}

func (e RotationChanged) reduce(s State, _ Options) (State, error) {
	s.Transform = s.Transform.WithRotation(e.Degrees)
	return s, nil
}

// Reset restores the identity transform and re-centers the crop.
type Reset struct{}

func (Reset) reduce(s State, opts Options) (State, error) {
	s.Transform = Identity()
	if s.Phase == PhaseEditing && s.Source.Ready() {
		s.Crop = s.engine(opts).Init(opts.InitialPercent)
	}
	return s, nil
}

// Closed cancels the session; no artifact is produced.
type Closed struct{}

func (Closed) reduce(s State, _ Options) (State, error) {
	s.Phase = PhaseClosed
	return s, nil
}
