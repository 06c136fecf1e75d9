// Package render defines the rendering boundary driven by the reconciliation
// engine: point markers and text labels addressed by opaque handles, a pick
// callback and a camera recenter operation.
package render

import (
	"fmt"
	"time"
)

// Handle addresses one primitive on a Surface. The zero Handle is never
// issued.
type Handle uint64

// Color is an 8-bit RGBA color.
type Color struct {
	R, G, B, A uint8
}

// RGB returns an opaque color.
func RGB(r, g, b uint8) Color { return Color{R: r, G: g, B: b, A: 0xff} }

// Hex renders the color as #rrggbbaa.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// Position is a geodetic point: degrees of longitude and latitude and metres
// above the surface.
type Position struct {
	Longitude float64
	Latitude  float64
	Altitude  float64
}

// MarkerSpec describes a point marker.
type MarkerSpec struct {
	Position  Position
	Color     Color
	PixelSize float64
}

// LabelSpec describes a text label.
type LabelSpec struct {
	Position Position
	Text     string
	Visible  bool
}

// Surface is the primitive collection the reconciliation engine mutates.
// Handles passed back must have been returned by the same Surface and not yet
// removed.
type Surface interface {
	AddMarker(spec MarkerSpec) Handle
	UpdateMarker(h Handle, spec MarkerSpec)
	RemoveMarker(h Handle)

	AddLabel(spec LabelSpec) Handle
	UpdateLabel(h Handle, spec LabelSpec)
	SetLabelVisible(h Handle, visible bool)
	RemoveLabel(h Handle)

	// FlyTo recentres the camera on target over d.
	FlyTo(target Position, d time.Duration)
}

// Picker reports primitives picked by the user. The returned func
// unsubscribes fn.
type Picker interface {
	OnPick(fn func(Handle)) (cancel func())
}
