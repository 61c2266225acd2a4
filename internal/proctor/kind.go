package proctor

import (
	"fmt"
	"strings"
)

// Kind identifies the class of a detected violation.
type Kind string

// Violation kinds.
const (
	KindTabSwitch        Kind = "TAB_SWITCH"
	KindWindowBlur       Kind = "WINDOW_BLUR"
	KindAltTab           Kind = "ALT_TAB"
	KindDevTools         Kind = "DEV_TOOLS"
	KindCopyPaste        Kind = "COPY_PASTE"
	KindContextMenu      Kind = "CONTEXT_MENU"
	KindKeyboardShortcut Kind = "KEYBOARD_SHORTCUT"
)

// Severity grades a kind for alert listings.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so the worst of a set can be picked.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

type kindInfo struct {
	label    string
	severity Severity
}

var kinds = map[Kind]kindInfo{
	KindTabSwitch:        {"Tab switch detected", SeverityMedium},
	KindWindowBlur:       {"Exam window lost focus", SeverityLow},
	KindAltTab:           {"Alt+Tab detected", SeverityMedium},
	KindDevTools:         {"Developer console opened", SeverityHigh},
	KindCopyPaste:        {"Copy/paste attempt", SeverityHigh},
	KindContextMenu:      {"Context menu used", SeverityLow},
	KindKeyboardShortcut: {"Keyboard shortcut blocked", SeverityLow},
}

// Kinds returns every violation kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindTabSwitch,
		KindWindowBlur,
		KindAltTab,
		KindDevTools,
		KindCopyPaste,
		KindContextMenu,
		KindKeyboardShortcut,
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Label returns the human-readable text shown in warnings.
func (k Kind) Label() string {
	if info, ok := kinds[k]; ok {
		return info.label
	}
	return string(k)
}

// Severity returns how serious a violation of this kind is considered.
func (k Kind) Severity() Severity {
	if info, ok := kinds[k]; ok {
		return info.severity
	}
	return SeverityLow
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// ParseKind parses a wire name such as "TAB_SWITCH". Matching ignores case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("proctor: unknown violation kind %q", s)
	}
	return k, nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown kinds.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
