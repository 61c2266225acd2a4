// Package replay drives a detector offline from a script of timed page
// events. Time is simulated, so a script covering an hour-long exam runs in
// milliseconds and always produces the same result.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"proctord/internal/protocol"
)

// Host operations a script may interleave with page events.
const (
	TypeHostReset      = "host.reset"
	TypeHostBlock      = "host.block"
	TypeHostActivate   = "host.activate"
	TypeHostDeactivate = "host.deactivate"
)

var (
	// ErrBadScript wraps every script parse error.
	ErrBadScript = errors.New("replay: bad script")

	stepTypes = map[string]bool{
		protocol.TypePageVisibility:  true,
		protocol.TypePageBlur:        true,
		protocol.TypePageKeyDown:     true,
		protocol.TypePageContextMenu: true,
		protocol.TypePageGeometry:    true,
		protocol.TypeConsoleTiming:   true,
		protocol.TypeConsoleCall:     true,
		TypeHostReset:                true,
		TypeHostBlock:                true,
		TypeHostActivate:             true,
		TypeHostDeactivate:           true,
	}
)

// Offset is a step's time since activation. In a script it is written as a
// Go duration string ("1.5s") or a number of milliseconds.
type Offset time.Duration

func (o *Offset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*o = Offset(d)
		return nil
	}

	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("offset must be a duration string or milliseconds: %s", data)
	}
	*o = Offset(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

func (o Offset) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(o).String())
}

// Step is one line of a script. Type uses the gateway's client message
// names or one of the host operations; the remaining fields are read
// according to it.
type Step struct {
	At   Offset `json:"at"`
	Type string `json:"type"`

	Hidden bool `json:"hidden,omitempty"`

	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`

	OuterWidth  int `json:"outerWidth,omitempty"`
	OuterHeight int `json:"outerHeight,omitempty"`
	InnerWidth  int `json:"innerWidth,omitempty"`
	InnerHeight int `json:"innerHeight,omitempty"`

	ClearMs float64 `json:"clearMs,omitempty"`
	Method  string  `json:"method,omitempty"`
}

// Parse reads a JSON-lines script. Blank lines and lines starting with '#'
// are skipped. Offsets must not decrease.
func Parse(r io.Reader) ([]Step, error) {
	var (
		steps []Step
		last  Offset
		line  int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}

		var s Step
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadScript, line, err)
		}
		if !stepTypes[s.Type] {
			return nil, fmt.Errorf("%w: line %d: unknown type %q", ErrBadScript, line, s.Type)
		}
		if s.At < 0 {
			return nil, fmt.Errorf("%w: line %d: negative offset", ErrBadScript, line)
		}
		if s.At < last {
			return nil, fmt.Errorf("%w: line %d: offset %s before %s", ErrBadScript, line,
				time.Duration(s.At), time.Duration(last))
		}
		if s.Type == protocol.TypePageKeyDown && strings.TrimSpace(s.Key) == "" {
			return nil, fmt.Errorf("%w: line %d: keydown without key", ErrBadScript, line)
		}
		last = s.At
		steps = append(steps, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return steps, nil
}

// ParseFile reads the script at path.
func ParseFile(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}
