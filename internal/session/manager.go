// Package session keeps the live exam sessions of a proctord instance.
//
// A session pairs one detector with the page connection that feeds it.
// The Manager owns the detectors: it builds them from the current detector
// defaults, records block transitions in the violation store and closes them
// when the page goes away.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"proctord/internal/config"
	"proctord/internal/metrics"
	"proctord/internal/proctor"
	"proctord/internal/store"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session: not found")

// ErrManagerClosed is returned by Open after CloseAll.
var ErrManagerClosed = errors.New("session: manager closed")

// storeTimeout bounds one block insert.
const storeTimeout = 5 * time.Second

// Session is one live exam session.
type Session struct {
	ID       string
	UserID   string
	ExamID   string
	Remote   string
	OpenedAt time.Time

	detector *proctor.Detector
}

// Detector returns the session's detector.
func (s *Session) Detector() *proctor.Detector {
	return s.detector
}

// Info is the host-facing view of a session.
type Info struct {
	ID       string           `json:"id"`
	UserID   string           `json:"userId"`
	ExamID   string           `json:"examId"`
	Remote   string           `json:"remote,omitempty"`
	OpenedAt time.Time        `json:"openedAt"`
	Phase    string           `json:"phase"`
	Snapshot proctor.Snapshot `json:"snapshot"`
	State    proctor.State    `json:"state"`
	Warning  proctor.Warning  `json:"warning"`
}

// Info returns the session's current view.
func (s *Session) Info() Info {
	return Info{
		ID:       s.ID,
		UserID:   s.UserID,
		ExamID:   s.ExamID,
		Remote:   s.Remote,
		OpenedAt: s.OpenedAt,
		Phase:    s.detector.Phase().String(),
		Snapshot: s.detector.Snapshot(),
		State:    s.detector.State(),
		Warning:  s.detector.Warning(),
	}
}

// OpenRequest describes a session to open.
type OpenRequest struct {
	UserID string
	ExamID string
	Remote string

	// ShowWarnings overrides the configured default when the configuration
	// allows the client to hide warnings. Turning warnings on is always allowed.
	ShowWarnings *bool

	Capabilities proctor.Capabilities
	Presenter    proctor.Presenter
	Listeners    []proctor.Listener
}

// Manager tracks live sessions keyed by ID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	cfg      *config.Config
	closed   bool

	sink    proctor.Sink
	store   *store.Store
	metrics *metrics.ProctorMetrics
	clock   clockwork.Clock
	logger  *slog.Logger
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink sets the sink every detector reports to.
func WithSink(s proctor.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithStore records block transitions in db.
func WithStore(db *store.Store) Option {
	return func(m *Manager) { m.store = db }
}

// WithMetrics sets the metrics shared by all sessions.
func WithMetrics(pm *metrics.ProctorMetrics) Option {
	return func(m *Manager) { m.metrics = pm }
}

// WithClock sets the clock handed to every detector.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager that builds detectors from cfg.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg.Clone(),
		clock:    clockwork.NewRealClock(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// UpdateConfig swaps the defaults used for new sessions. Live sessions keep
// the activation they were opened with. Its signature matches
// config.Loader.OnChange.
func (m *Manager) UpdateConfig(_, next *config.Config) {
	m.mu.Lock()
	m.cfg = next.Clone()
	m.mu.Unlock()
	m.logger.Info("detector defaults updated", "max_violations", next.Detector.MaxViolations)
}

// Activation returns the contract a new session for userID and examID
// would get.
func (m *Manager) Activation(userID, examID string, showWarnings *bool) proctor.Activation {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	act := cfg.Activation(userID, examID)
	if showWarnings != nil && (*showWarnings || cfg.Detector.ClientMayHideWarnings) {
		act.ShowWarnings = *showWarnings
	}
	return act
}

// Open creates a detector for req and registers the session.
func (m *Manager) Open(req OpenRequest) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	act := m.Activation(req.UserID, req.ExamID, req.ShowWarnings)
	s := &Session{
		ID:       m.newID(),
		UserID:   req.UserID,
		ExamID:   req.ExamID,
		Remote:   req.Remote,
		OpenedAt: m.clock.Now(),
	}

	opts := []proctor.Option{
		proctor.WithClock(m.clock),
		proctor.WithLogger(m.logger),
		proctor.WithSessionID(s.ID),
		proctor.WithMetrics(m.metrics),
		proctor.WithListener(&blockRecorder{m: m, s: s}),
	}
	if m.sink != nil {
		opts = append(opts, proctor.WithSink(m.sink))
	}
	if req.Presenter != nil {
		opts = append(opts, proctor.WithPresenter(req.Presenter))
	}
	for _, l := range req.Listeners {
		opts = append(opts, proctor.WithListener(l))
	}

	d, err := proctor.New(act, req.Capabilities, opts...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.detector = d

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		d.Close()
		return nil, ErrManagerClosed
	}
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.logger.Info("session opened",
		"session", s.ID,
		"user", s.UserID,
		"exam", s.ExamID,
		"remote", s.Remote,
	)
	return s, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns every live session in the order it was opened.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// ListExam returns the live sessions of one exam.
func (m *Manager) ListExam(examID string) []Info {
	var out []Info
	for _, info := range m.List() {
		if info.ExamID == examID {
			out = append(out, info)
		}
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reset clears the session's violations and lifts a block.
func (m *Manager) Reset(id string) (Info, error) {
	s, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	s.detector.ResetViolations()
	m.logger.Info("session reset", "session", id)
	return s.Info(), nil
}

// ForceBlock blocks the session immediately.
func (m *Manager) ForceBlock(id string) (Info, error) {
	s, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	s.detector.ForceBlock()
	return s.Info(), nil
}

// Close stops the session's detector and forgets the session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.removeOrderLocked(id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.detector.Close()
	m.metrics.SessionClosed()
	m.logger.Info("session closed", "session", id, "violations", s.detector.State().Count)
	return nil
}

func (m *Manager) removeOrderLocked(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// CloseAll closes every session, refuses new ones and waits until the
// reports already handed to the sink are delivered or ctx ends.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].OpenedAt.Before(sessions[j].OpenedAt) })

	for _, s := range sessions {
		s.detector.Close()
		m.metrics.SessionClosed()
	}

	var errs []error
	for _, s := range sessions {
		if err := s.detector.WaitReports(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// blockRecorder persists block transitions of one session.
type blockRecorder struct {
	m *Manager
	s *Session
}

func (b *blockRecorder) OnViolation(proctor.Event) {}

func (b *blockRecorder) OnExamBlocked(count int, cause proctor.BlockCause) {
	b.m.logger.Warn("exam blocked",
		"session", b.s.ID,
		"user", b.s.UserID,
		"exam", b.s.ExamID,
		"count", count,
		"forced", cause.Forced,
	)
	if b.m.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	_, err := b.m.store.InsertBlock(ctx, &store.Block{
		SessionID: b.s.ID,
		UserID:    b.s.UserID,
		ExamID:    b.s.ExamID,
		Count:     count,
		Forced:    cause.Forced,
		BlockedAt: b.m.clock.Now(),
	})
	if err != nil {
		b.m.logger.Error("failed to record block", "session", b.s.ID, "error", err)
	}
}
