// Package health aggregates component checks for proctord's health endpoints.
package health

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is the outcome of one check.
type Result struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
	Checked  time.Time      `json:"checked"`
	Duration time.Duration  `json:"durationNs"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) Result

type component struct {
	name     string
	critical bool
	check    Check
	timeout  time.Duration
}

// Checker runs registered checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*component
	last       map[string]Result
	started    time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*component),
		last:       make(map[string]Result),
		started:    time.Now(),
	}
}

// Register adds a check. A failing critical check makes the overall status
// unhealthy; a failing non-critical one only degrades it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = &component{name: name, critical: critical, check: check, timeout: 5 * time.Second}
	c.last[name] = Result{Status: StatusUnknown}
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready returns the readiness state.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes every check concurrently and records the results.
func (c *Checker) Run(ctx context.Context) map[string]Result {
	c.mu.RLock()
	comps := make([]*component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]Result, len(comps))
	)
	for _, comp := range comps {
		wg.Add(1)
		go func(comp *component) {
			defer wg.Done()
			r := runOne(ctx, comp)
			mu.Lock()
			results[comp.name] = r
			mu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.last[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

func runOne(ctx context.Context, comp *component) Result {
	ctx, cancel := context.WithTimeout(ctx, comp.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.check(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	r.Checked = start
	r.Duration = time.Since(start)
	return r
}

// Overall folds the last results into one status.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, r := range c.last {
		comp := c.components[name]
		switch {
		case r.Status == StatusUnhealthy && comp.critical:
			return StatusUnhealthy
		case r.Status == StatusUnhealthy, r.Status == StatusDegraded:
			status = StatusDegraded
		case r.Status == StatusUnknown && comp.critical && status == StatusHealthy:
			status = StatusUnknown
		}
	}
	return status
}

// Report is the body of the health endpoint.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs the checks and returns the aggregated report.
func (c *Checker) Report(ctx context.Context) Report {
	results := c.Run(ctx)

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.started).Round(time.Second)
	c.mu.RUnlock()

	return Report{
		Status:     c.Overall(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: results,
		Timestamp:  time.Now().UTC(),
	}
}

// Names returns the registered component names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for n := range c.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StoreCheck reports the violation store's connectivity.
func StoreCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "violation store unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "violation store ok"}
	}
}

// SessionsCheck reports the number of live sessions.
func SessionsCheck(count func() int) Check {
	return func(context.Context) Result {
		return Result{
			Status:  StatusHealthy,
			Details: map[string]any{"active": count()},
		}
	}
}

// SinkCheck degrades when more than maxFailureRatio of the reports handed to
// the sink failed. counts returns totals since start.
func SinkCheck(counts func() (reports, failures uint64), maxFailureRatio float64) Check {
	return func(context.Context) Result {
		reports, failures := counts()
		details := map[string]any{"reports": reports, "failures": failures}
		if reports == 0 {
			return Result{Status: StatusHealthy, Message: "no reports yet", Details: details}
		}
		ratio := float64(failures) / float64(reports)
		details["failureRatio"] = ratio
		if ratio > maxFailureRatio {
			return Result{Status: StatusDegraded, Message: "sink failing", Details: details}
		}
		return Result{Status: StatusHealthy, Details: details}
	}
}

// FileCheck reports whether path exists and is writable.
func FileCheck(path string) Check {
	return func(context.Context) Result {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return Result{Status: StatusUnhealthy, Message: "file not writable", Error: err.Error(),
				Details: map[string]any{"path": path}}
		}
		f.Close()
		return Result{Status: StatusHealthy, Details: map[string]any{"path": path}}
	}
}
