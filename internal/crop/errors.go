package crop

import "errors"

var (
	// ErrImageNotReady is returned when geometry is requested before the
	// source image has valid natural and display dimensions.
	ErrImageNotReady = errors.New("image not ready")
	// ErrDegenerateCrop is returned when a crop rectangle has no area.
	ErrDegenerateCrop = errors.New("degenerate crop")
	// ErrSurfaceUnavailable is returned when no drawing surface can be obtained.
	ErrSurfaceUnavailable = errors.New("drawing surface unavailable")
	// ErrSourceChanged is returned when a second load reports a different
	// natural size for an image that is already being edited.
	ErrSourceChanged = errors.New("natural size changed after load")
	// ErrSessionClosed is returned for events sent to an applied or cancelled session.
	ErrSessionClosed = errors.New("crop session closed")
)
