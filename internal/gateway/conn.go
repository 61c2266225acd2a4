package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proctord/internal/proctor"
	"proctord/internal/protocol"
	"proctord/internal/session"
)

var (
	errNoSample    = errors.New("gateway: no sample reported yet")
	errRateLimited = errors.New("gateway: message rate exceeded, message dropped")
)

// conn is one page connection. It implements the detector capabilities,
// its Presenter and a Listener.
type conn struct {
	ws     *websocket.Conn
	h      *Handler
	remote string
	logger *slog.Logger

	send       chan any
	quit       chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	quitOnce   sync.Once
	closeOnce  sync.Once

	mu          sync.Mutex
	listeners   map[proctor.PageEventType]map[int]proctor.PageHandler
	nextID      int
	geometry    *proctor.Geometry
	clear       *time.Duration
	interceptor func(method string)
	userAgent   string
	url         string
	ready       bool
	backlog     []any
	detector    *proctor.Detector
}

func newConn(ws *websocket.Conn, h *Handler, remote string) *conn {
	return &conn{
		ws:         ws,
		h:          h,
		remote:     remote,
		logger:     h.logger.With("remote", remote),
		send:       make(chan any, sendQueue),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		listeners:  make(map[proctor.PageEventType]map[int]proctor.PageHandler),
	}
}

func (c *conn) serve() {
	go c.writeLoop()
	defer c.shutdown()

	pongWait := 2 * c.h.cfg.PingInterval
	c.ws.SetReadLimit(c.h.cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	s, err := c.start()
	if err != nil {
		c.logger.Info("session not started", "error", err)
		c.write(protocol.ErrorMessage{Type: protocol.TypeError, Error: err.Error()})
		return
	}
	defer func() {
		if err := c.h.manager.Close(s.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			c.logger.Warn("failed to close session", "session", s.ID, "error", err)
		}
	}()

	limiter := newRateLimiter(c.h.cfg.MessageRate, c.h.cfg.MessageBurst, time.Now())
	limited := false
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("connection lost", "session", s.ID, "error", err)
			}
			return
		}
		now := time.Now()
		c.ws.SetReadDeadline(now.Add(pongWait))

		// Excess messages are dropped; the page hears about it once per run.
		if !limiter.allow(now) {
			if !limited {
				limited = true
				c.logger.Warn("message rate exceeded", "session", s.ID)
				c.write(protocol.ErrorMessage{Type: protocol.TypeError, Error: errRateLimited.Error()})
			}
			continue
		}
		limited = false

		msg, err := c.h.validator.Decode(data)
		if err != nil {
			c.write(protocol.ErrorMessage{Type: protocol.TypeError, Error: err.Error()})
			continue
		}
		c.dispatch(msg)
	}
}

// start waits for session.start and opens the session.
func (c *conn) start() (*session.Session, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read start: %w", err)
	}
	msg, err := c.h.validator.Decode(data)
	if err != nil {
		return nil, err
	}
	start, ok := msg.(*protocol.SessionStartMessage)
	if !ok {
		return nil, fmt.Errorf("expected %s first", protocol.TypeSessionStart)
	}

	c.mu.Lock()
	c.userAgent = start.UserAgent
	c.url = start.URL
	c.mu.Unlock()

	s, err := c.h.manager.Open(session.OpenRequest{
		UserID:       start.UserID,
		ExamID:       start.ExamID,
		Remote:       c.remote,
		ShowWarnings: start.ShowWarnings,
		Capabilities: proctor.Capabilities{
			Page:     c,
			Geometry: c,
			Console:  c,
			Client:   c,
		},
		Presenter: c,
		Listeners: []proctor.Listener{c},
	})
	if err != nil {
		return nil, err
	}

	act := s.Detector().Activation()

	c.mu.Lock()
	c.detector = s.Detector()
	backlog := c.backlog
	c.backlog = nil
	c.ready = true
	c.mu.Unlock()

	c.write(protocol.SessionReadyMessage{
		Type:            protocol.TypeSessionReady,
		SessionID:       s.ID,
		MaxViolations:   act.MaxViolations,
		ArmingDelayMs:   act.ArmingDelay.Milliseconds(),
		ProbeIntervalMs: act.ProbeInterval.Milliseconds(),
		ShowWarnings:    act.ShowWarnings,
	})
	for _, m := range backlog {
		c.write(m)
	}
	return s, nil
}

func (c *conn) dispatch(msg any) {
	switch m := msg.(type) {
	case *protocol.PageVisibilityMessage:
		c.emit(proctor.PageEvent{Type: proctor.PageVisibilityChange, Hidden: m.Hidden})
	case *protocol.PageBlurMessage:
		c.emit(proctor.PageEvent{Type: proctor.PageBlur})
	case *protocol.PageKeyDownMessage:
		ev := proctor.PageEvent{
			Type: proctor.PageKeyDown,
			Key:  proctor.KeyPress{Key: m.Key, Ctrl: m.Ctrl, Shift: m.Shift, Alt: m.Alt, Meta: m.Meta},
		}
		if c.emit(ev) {
			c.write(protocol.InputSuppressedMessage{Type: protocol.TypeInputSuppressed, Event: string(ev.Type), Key: m.Key})
		}
	case *protocol.PageContextMenuMessage:
		if c.emit(proctor.PageEvent{Type: proctor.PageContextMenu}) {
			c.write(protocol.InputSuppressedMessage{Type: protocol.TypeInputSuppressed, Event: string(proctor.PageContextMenu)})
		}
	case *protocol.PageGeometryMessage:
		g := proctor.Geometry{
			OuterWidth:  m.OuterWidth,
			OuterHeight: m.OuterHeight,
			InnerWidth:  m.InnerWidth,
			InnerHeight: m.InnerHeight,
		}
		c.mu.Lock()
		c.geometry = &g
		c.mu.Unlock()
	case *protocol.ConsoleTimingMessage:
		d := time.Duration(m.ClearMs * float64(time.Millisecond))
		c.mu.Lock()
		c.clear = &d
		c.mu.Unlock()
	case *protocol.ConsoleCallMessage:
		c.mu.Lock()
		fn := c.interceptor
		c.mu.Unlock()
		if fn != nil {
			fn(m.Method)
		}
	case *protocol.SessionStartMessage:
		c.write(protocol.ErrorMessage{Type: protocol.TypeError, Error: "session already started"})
	}
}

// emit runs the handlers for ev and reports whether any asked to suppress it.
func (c *conn) emit(ev proctor.PageEvent) bool {
	c.mu.Lock()
	handlers := make([]proctor.PageHandler, 0, len(c.listeners[ev.Type]))
	for _, h := range c.listeners[ev.Type] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	suppress := false
	for _, h := range handlers {
		if h(ev) {
			suppress = true
		}
	}
	return suppress
}

// write queues msg for the writer. Messages produced before the session is
// ready are held back so session.ready goes out first.
func (c *conn) write(msg any) {
	c.mu.Lock()
	if !c.ready {
		if _, isErr := msg.(protocol.ErrorMessage); !isErr {
			c.backlog = append(c.backlog, msg)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// writeLoop is the only writer of data frames on the socket.
func (c *conn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.quit:
			c.flush()
			return
		case <-c.done:
			return
		}
	}
}

// flush writes what is still queued, then closes the socket.
func (c *conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				c.close()
				return
			}
		default:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.close()
			return
		}
	}
}

func (c *conn) writeJSON(msg any) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// shutdown asks the writer to flush and waits for it.
func (c *conn) shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
	<-c.writerDone
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// PageEvents

func (c *conn) AddListener(t proctor.PageEventType, h proctor.PageHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.listeners[t] == nil {
		c.listeners[t] = make(map[int]proctor.PageHandler)
	}
	c.listeners[t][id] = h

	return func() {
		c.mu.Lock()
		delete(c.listeners[t], id)
		c.mu.Unlock()
	}, nil
}

// GeometrySource

func (c *conn) WindowGeometry() (proctor.Geometry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.geometry == nil {
		return proctor.Geometry{}, errNoSample
	}
	return *c.geometry, nil
}

// ConsoleProbe

// MeasureClear returns the latest console clear timing the page reported.
// Each measurement is returned once.
func (c *conn) MeasureClear() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clear == nil {
		return 0, errNoSample
	}
	d := *c.clear
	c.clear = nil
	return d, nil
}

func (c *conn) Intercept(fn func(method string)) (func(), error) {
	c.mu.Lock()
	c.interceptor = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.interceptor = nil
		c.mu.Unlock()
	}, nil
}

// ClientInfo

func (c *conn) UserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userAgent
}

func (c *conn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Presenter

func (c *conn) ShowWarning(w proctor.Warning) {
	msg := protocol.ViolationWarningMessage{
		Type:    protocol.TypeViolationWarning,
		Kind:    string(w.Kind),
		Message: w.Message,
		Count:   w.Count,
		Max:     w.Max,
	}
	if !w.HideAt.IsZero() {
		msg.HideAt = w.HideAt.UTC().Format(proctor.TimestampLayout)
	}
	c.write(msg)
}

func (c *conn) HideWarning() {
	c.write(protocol.ViolationClearedMessage{Type: protocol.TypeViolationCleared})
}

func (c *conn) ShowBlocked(count int, cause proctor.BlockCause) {
	msg := protocol.ExamBlockedMessage{Type: protocol.TypeExamBlocked, Count: count, Forced: cause.Forced}
	if cause.Event != nil {
		msg.Kind = string(cause.Event.Kind)
	}
	c.write(msg)
}

func (c *conn) ClearBlocked() {
	c.write(protocol.ExamUnblockedMessage{Type: protocol.TypeExamUnblocked})
	c.pushState()
}

// Listener

func (c *conn) OnViolation(proctor.Event) {
	c.pushState()
}

func (c *conn) OnExamBlocked(int, proctor.BlockCause) {
	c.pushState()
}

func (c *conn) OnPhaseChange(from, to proctor.Phase) {
	if to == proctor.PhaseArmed && from != proctor.PhaseBlocked {
		c.write(protocol.SessionArmedMessage{Type: protocol.TypeSessionArmed})
	}
	c.pushState()
}

func (c *conn) pushState() {
	c.mu.Lock()
	d := c.detector
	c.mu.Unlock()
	if d == nil {
		return
	}

	snap := d.Snapshot()
	c.write(protocol.SessionStateMessage{
		Type:       protocol.TypeSessionState,
		Violations: snap.Violations,
		IsBlocked:  snap.IsBlocked,
		IsActive:   snap.IsActive,
	})
}
