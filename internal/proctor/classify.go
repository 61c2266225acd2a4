package proctor

import "strings"

// KeyPress is a key-down with its modifier state.
type KeyPress struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// Signal is a candidate violation produced by a sensor.
type Signal struct {
	Kind   Kind
	Detail Detail
}

// ClassifyKey maps a key press to a violation signal. The rules are checked
// in order and the first match wins:
//
//  1. Alt or Meta with Tab is ALT_TAB.
//  2. F12, Ctrl+Shift+I/J/C or Ctrl+U is DEV_TOOLS.
//  3. Ctrl with c, v, a or x (any case) is COPY_PASTE.
//  4. Any other Ctrl+Shift combination is KEYBOARD_SHORTCUT.
//
// ok is false for keys that should pass through untouched.
func ClassifyKey(k KeyPress) (sig Signal, ok bool) {
	switch {
	case (k.Alt || k.Meta) && k.Key == "Tab":
		return Signal{Kind: KindAltTab}, true

	case k.Key == "F12",
		k.Ctrl && k.Shift && (k.Key == "I" || k.Key == "J" || k.Key == "C"),
		k.Ctrl && k.Key == "U":
		return Signal{Kind: KindDevTools}, true
	}

	if k.Ctrl {
		switch strings.ToLower(k.Key) {
		case "c", "v", "a", "x":
			return Signal{Kind: KindCopyPaste, Detail: Detail{"key": k.Key}}, true
		}
	}

	if k.Ctrl && k.Shift {
		return Signal{
			Kind:   KindKeyboardShortcut,
			Detail: Detail{"ctrl": k.Ctrl, "shift": k.Shift, "key": k.Key},
		}, true
	}

	return Signal{}, false
}
