// Package protocol defines the JSON messages exchanged between the exam page
// and proctord over the WebSocket gateway.
package protocol

// Client message types.
const (
	TypeSessionStart    = "session.start"
	TypePageVisibility  = "page.visibility"
	TypePageBlur        = "page.blur"
	TypePageKeyDown     = "page.keydown"
	TypePageContextMenu = "page.contextmenu"
	TypePageGeometry    = "page.geometry"
	TypeConsoleTiming   = "console.timing"
	TypeConsoleCall     = "console.call"
)

// Server message types.
const (
	TypeSessionReady     = "session.ready"
	TypeSessionArmed     = "session.armed"
	TypeSessionState     = "session.state"
	TypeViolationWarning = "violation.warning"
	TypeViolationCleared = "violation.cleared"
	TypeExamBlocked      = "exam.blocked"
	TypeExamUnblocked    = "exam.unblocked"
	TypeInputSuppressed  = "input.suppressed"
	TypeError            = "error"
)

// Envelope is used for initial JSON decode to determine message type
type Envelope struct {
	Type string `json:"type"`
}

type SessionStartMessage struct {
	Type         string `json:"type"`
	UserID       string `json:"userId"`
	ExamID       string `json:"examId"`
	ShowWarnings *bool  `json:"showWarnings,omitempty"`
	UserAgent    string `json:"userAgent,omitempty"`
	URL          string `json:"url,omitempty"`
}

type PageVisibilityMessage struct {
	Type   string `json:"type"`
	Hidden bool   `json:"hidden"`
}

type PageBlurMessage struct {
	Type string `json:"type"`
}

type PageKeyDownMessage struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

type PageContextMenuMessage struct {
	Type string `json:"type"`
}

type PageGeometryMessage struct {
	Type        string `json:"type"`
	OuterWidth  int    `json:"outerWidth"`
	OuterHeight int    `json:"outerHeight"`
	InnerWidth  int    `json:"innerWidth"`
	InnerHeight int    `json:"innerHeight"`
}

// ConsoleTimingMessage carries one console clear measurement taken by the page.
type ConsoleTimingMessage struct {
	Type    string  `json:"type"`
	ClearMs float64 `json:"clearMs"`
}

type ConsoleCallMessage struct {
	Type   string `json:"type"`
	Method string `json:"method"`
}

type SessionReadyMessage struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	MaxViolations   int    `json:"maxViolations"`
	ArmingDelayMs   int64  `json:"armingDelayMs"`
	ProbeIntervalMs int64  `json:"probeIntervalMs"`
	ShowWarnings    bool   `json:"showWarnings"`
}

type SessionArmedMessage struct {
	Type string `json:"type"`
}

// SessionStateMessage mirrors the host-visible snapshot.
type SessionStateMessage struct {
	Type       string `json:"type"`
	Violations int    `json:"violations"`
	IsBlocked  bool   `json:"isBlocked"`
	IsActive   bool   `json:"isActive"`
}

type ViolationWarningMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Count   int    `json:"count"`
	Max     int    `json:"max"`
	HideAt  string `json:"hideAt,omitempty"`
}

type ViolationClearedMessage struct {
	Type string `json:"type"`
}

type ExamBlockedMessage struct {
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Forced bool   `json:"forced,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

type ExamUnblockedMessage struct {
	Type string `json:"type"`
}

// InputSuppressedMessage tells the page an input's default action was denied.
type InputSuppressedMessage struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Key   string `json:"key,omitempty"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
