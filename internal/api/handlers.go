package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"proctord/internal/health"
	"proctord/internal/proctor"
	"proctord/internal/session"
	"proctord/internal/store"
)

func (s *Server) healthz(c echo.Context) error {
	if s.opts.Health == nil {
		return c.JSON(http.StatusOK, echo.Map{"status": health.StatusHealthy})
	}
	report := s.opts.Health.Report(c.Request().Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (s *Server) livez(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "alive", "timestamp": time.Now().UTC()})
}

func (s *Server) readyz(c echo.Context) error {
	if s.opts.Health != nil && !s.opts.Health.Ready() {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
}

func (s *Server) metrics(c echo.Context) error {
	if s.opts.Metrics == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metrics disabled")
	}
	s.opts.Metrics.HTTPHandler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) ws(c echo.Context) error {
	if s.opts.Gateway == nil {
		return errNoGateway
	}
	s.opts.Gateway.ServeHTTP(c.Response(), c.Request())
	return nil
}

// Sessions

type sessionAPI struct {
	manager *session.Manager
}

func registerSessionAPI(g *echo.Group, m *session.Manager) {
	api := sessionAPI{manager: m}

	sg := g.Group("/sessions")
	sg.GET("", api.list)
	sg.GET("/:id", api.retrieve)
	sg.POST("/:id/reset", api.reset)
	sg.POST("/:id/block", api.block)
	sg.DELETE("/:id", api.close)
}

func (api *sessionAPI) list(c echo.Context) error {
	if exam := c.QueryParam("exam"); exam != "" {
		return c.JSON(http.StatusOK, orEmpty(api.manager.ListExam(exam)))
	}
	return c.JSON(http.StatusOK, orEmpty(api.manager.List()))
}

func (api *sessionAPI) retrieve(c echo.Context) error {
	s, err := api.manager.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Info())
}

func (api *sessionAPI) reset(c echo.Context) error {
	info, err := api.manager.Reset(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (api *sessionAPI) block(c echo.Context) error {
	info, err := api.manager.ForceBlock(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (api *sessionAPI) close(c echo.Context) error {
	if err := api.manager.Close(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Violations

type violationAPI struct {
	store   *store.Store
	manager *session.Manager
}

func registerViolationAPI(g *echo.Group, db *store.Store, m *session.Manager) {
	api := violationAPI{store: db, manager: m}

	g.POST("/log-violation", api.ingest)

	eg := g.Group("/exams/:examId")
	eg.GET("/violations", api.list)
	eg.GET("/summary", api.summary)
	eg.GET("/blocks", api.blocks)
	eg.GET("/sessions", api.sessions)
}

// logViolationRequest is the body of POST /api/log-violation; it matches
// the report the HTTP sink sends.
type logViolationRequest struct {
	UserID        string         `json:"userId" validate:"required,max=256"`
	ExamID        string         `json:"examId" validate:"required,max=256"`
	ViolationType proctor.Kind   `json:"violationType" validate:"required"`
	Timestamp     string         `json:"timestamp" validate:"required"`
	ClientContext string         `json:"clientContext" validate:"max=1024"`
	CurrentURL    string         `json:"currentUrl" validate:"max=2048"`
	Details       map[string]any `json:"details"`
	SessionID     string         `json:"sessionId" validate:"max=64"`
	Sequence      uint64         `json:"sequenceNumber"`
}

func (req *logViolationRequest) report() proctor.Report {
	return proctor.Report{
		UserID:        req.UserID,
		ExamID:        req.ExamID,
		ViolationType: req.ViolationType,
		Timestamp:     req.Timestamp,
		ClientContext: req.ClientContext,
		CurrentURL:    req.CurrentURL,
		Details:       req.Details,
		SessionID:     req.SessionID,
		Sequence:      req.Sequence,
	}
}

func (api *violationAPI) ingest(c echo.Context) error {
	if api.store == nil {
		return errStoreDisabled
	}

	req := new(logViolationRequest)
	if err := c.Bind(req); err != nil {
		return err
	}
	if err := c.Validate(req); err != nil {
		return err
	}

	v, err := store.ViolationFromReport(req.report())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "timestamp must be ISO-8601")
	}
	id, err := api.store.InsertViolation(c.Request().Context(), v)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": id})
}

func (api *violationAPI) list(c echo.Context) error {
	if api.store == nil {
		return errStoreDisabled
	}

	f := store.ViolationFilter{
		ExamID: c.Param("examId"),
		UserID: c.QueryParam("user"),
	}
	if k := c.QueryParam("kind"); k != "" {
		kind, err := proctor.ParseKind(k)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Kind = kind
	}
	var err error
	if f.Since, err = timeParam(c, "since"); err != nil {
		return err
	}
	if f.Until, err = timeParam(c, "until"); err != nil {
		return err
	}
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}

	vs, err := api.store.ListViolations(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orEmpty(vs))
}

func (api *violationAPI) summary(c echo.Context) error {
	if api.store == nil {
		return errStoreDisabled
	}
	sum, err := api.store.ExamSummary(c.Request().Context(), c.Param("examId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (api *violationAPI) blocks(c echo.Context) error {
	if api.store == nil {
		return errStoreDisabled
	}
	bs, err := api.store.ListBlocks(c.Request().Context(), c.Param("examId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orEmpty(bs))
}

func (api *violationAPI) sessions(c echo.Context) error {
	return c.JSON(http.StatusOK, orEmpty(api.manager.ListExam(c.Param("examId"))))
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
	}
	return t, nil
}

// orEmpty keeps empty lists encoding as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
