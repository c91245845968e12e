// Package geo acquires a single location fix from a position source and
// classifies failures into the four kinds callers present to users.
package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/golang/geo/s2"
)

// DefaultTimeout bounds a single acquisition.
const DefaultTimeout = 10 * time.Second

// Kind classifies an acquisition failure.
type Kind int

const (
	PermissionDenied Kind = iota + 1
	PositionUnavailable
	Timeout
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}

// Message is the user-facing text for the kind.
func (k Kind) Message() string {
	switch k {
	case PermissionDenied:
		return "Location access was denied. Allow location access in your browser settings and try again."
	case PositionUnavailable:
		return "Your location could not be determined. Check that location services are on and try again."
	case Timeout:
		return "Getting your location took too long. Tap Try Again to retry."
	case Unsupported:
		return "This device or browser does not support location sharing."
	}
	return "Your location could not be determined."
}

// Error is returned by Acquire for every failure.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("geolocation %s: %v", e.Kind, e.cause)
	}
	return "geolocation " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Message is the user-facing text for the failure.
func (e *Error) Message() string { return e.Kind.Message() }

// KindOf returns the failure kind of err, or 0 when err is not an acquisition error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// Platform position error codes.
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// PositionError is the raw failure a platform source reports.
type PositionError struct {
	Code    int
	Message string
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position error %d: %s", e.Code, e.Message)
}

// ErrUnsupported is returned by sources on platforms without geolocation.
var ErrUnsupported = errors.New("geolocation unsupported")

// Options is a single fix request.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration // Zero forbids cached fixes
}

// PositionSource produces a location fix.
type PositionSource interface {
	CurrentPosition(ctx context.Context, opts Options) (model.Coordinates, error)
}

// SourceFunc adapts a function to PositionSource.
type SourceFunc func(ctx context.Context, opts Options) (model.Coordinates, error)

func (f SourceFunc) CurrentPosition(ctx context.Context, opts Options) (model.Coordinates, error) {
	return f(ctx, opts)
}

// StaticSource reports a fix that was already taken, such as one submitted by a client.
type StaticSource struct {
	Coordinates model.Coordinates
	Err         error
}

func (s StaticSource) CurrentPosition(ctx context.Context, opts Options) (model.Coordinates, error) {
	if s.Err != nil {
		return model.Coordinates{}, s.Err
	}
	return s.Coordinates, nil
}

// ValidCoordinates reports whether lat/lon is a point on the globe.
func ValidCoordinates(lat, lon float64) bool {
	return s2.LatLngFromDegrees(lat, lon).IsValid()
}

type fix struct {
	coords model.Coordinates
	err    error
}

// Acquire requests one fresh fix from source within DefaultTimeout.
// Every failure is a *Error. A timed out request is terminal; callers retry only on user action.
func Acquire(ctx context.Context, source PositionSource, highAccuracy bool) (model.Coordinates, error) {
	if source == nil {
		return model.Coordinates{}, &Error{Kind: Unsupported}
	}

	opts := Options{HighAccuracy: highAccuracy, Timeout: DefaultTimeout, MaximumAge: 0}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	done := make(chan fix, 1)
	go func() {
		coords, err := source.CurrentPosition(ctx, opts)
		done <- fix{coords: coords, err: err}
	}()

	select {
	case <-ctx.Done():
		return model.Coordinates{}, &Error{Kind: Timeout, cause: ctx.Err()}
	case f := <-done:
		if f.err != nil {
			return model.Coordinates{}, classify(f.err)
		}
		if !ValidCoordinates(f.coords.Latitude, f.coords.Longitude) {
			return model.Coordinates{}, &Error{Kind: PositionUnavailable, cause: fmt.Errorf("invalid fix %f,%f", f.coords.Latitude, f.coords.Longitude)}
		}
		return f.coords, nil
	}
}

func classify(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	var pe *PositionError
	switch {
	case errors.As(err, &pe):
		switch pe.Code {
		case CodePermissionDenied:
			return &Error{Kind: PermissionDenied, cause: err}
		case CodeTimeout:
			return &Error{Kind: Timeout, cause: err}
		default:
			return &Error{Kind: PositionUnavailable, cause: err}
		}
	case errors.Is(err, ErrUnsupported):
		return &Error{Kind: Unsupported, cause: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: Timeout, cause: err}
	}
	return &Error{Kind: PositionUnavailable, cause: err}
}

// Located is a fix with its best-effort address.
type Located struct {
	model.Coordinates
	Address *string `json:"address,omitempty"`
}

// LocateWithAddress acquires a fix and decorates it with an address.
// Acquisition errors propagate; a geocoding failure leaves Address nil.
func LocateWithAddress(ctx context.Context, source PositionSource, geocoder Geocoder, highAccuracy bool) (Located, error) {
	coords, err := Acquire(ctx, source, highAccuracy)
	if err != nil {
		return Located{}, err
	}
	located := Located{Coordinates: coords}
	if geocoder != nil {
		located.Address = geocoder.ReverseGeocode(ctx, coords.Latitude, coords.Longitude)
	}
	return located, nil
}
