package proctor

import "time"

// PageEventType names a raw page event a sensor can subscribe to.
type PageEventType string

// Page event types.
const (
	PageVisibilityChange PageEventType = "visibilitychange"
	PageBlur             PageEventType = "blur"
	PageKeyDown          PageEventType = "keydown"
	PageContextMenu      PageEventType = "contextmenu"
)

// PageEvent is one raw event observed on the exam page.
type PageEvent struct {
	Type PageEventType
	// Hidden is set for visibility changes when the document became hidden.
	Hidden bool
	// Key is set for keydown events.
	Key KeyPress
}

// PageHandler handles one page event. Returning true asks the provider to
// suppress the platform's default action for it.
type PageHandler func(PageEvent) (suppress bool)

// PageEvents delivers raw page events. Implementations must not invoke
// handlers synchronously from AddListener or from the returned remove func.
type PageEvents interface {
	AddListener(t PageEventType, h PageHandler) (remove func(), err error)
}

// Geometry is a window geometry sample in CSS pixels.
type Geometry struct {
	OuterWidth  int `json:"outerWidth"`
	OuterHeight int `json:"outerHeight"`
	InnerWidth  int `json:"innerWidth"`
	InnerHeight int `json:"innerHeight"`
}

// Exceeds reports whether the gap between the outer and inner window is
// larger than threshold on either axis, the usual sign of a docked
// developer console.
func (g Geometry) Exceeds(threshold int) bool {
	return g.OuterHeight-g.InnerHeight > threshold || g.OuterWidth-g.InnerWidth > threshold
}

// GeometrySource samples the current window geometry.
type GeometrySource interface {
	WindowGeometry() (Geometry, error)
}

// ConsoleProbe gives access to the page console.
type ConsoleProbe interface {
	// MeasureClear returns how long clearing the console took.
	MeasureClear() (time.Duration, error)

	// Intercept wraps the console logging methods so fn is called with the
	// method name on every call. restore puts the original methods back.
	Intercept(fn func(method string)) (restore func(), err error)
}

// ClientInfo describes the client the page runs in.
type ClientInfo interface {
	UserAgent() string
	URL() string
}

// Capabilities are the platform facilities a detector's sensors attach to.
// Any of them may be nil; the sensors needing a missing one are skipped.
type Capabilities struct {
	Page     PageEvents
	Geometry GeometrySource
	Console  ConsoleProbe
	Client   ClientInfo
}
