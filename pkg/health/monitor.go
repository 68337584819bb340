// Package health tracks the status of the components the daemon depends on.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

// DefaultFailureThreshold is the number of consecutive failures after which a
// degraded component is reported unhealthy.
const DefaultFailureThreshold = 3

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	// Critical components decide the overall status on their own.
	Critical bool

	mu               sync.RWMutex
	lastCheck        time.Time
	lastError        error
	status           ComponentStatus
	checkCount       int
	consecutiveFails int
}

// Report is a point-in-time view of one component.
type Report struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	Error     string          `json:"error,omitempty"`
}

type Monitor struct {
	mu               sync.RWMutex
	checks           map[string]*HealthCheck
	overall          ComponentStatus
	failureThreshold int
	callbacks        []func(name string, status ComponentStatus)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks:           make(map[string]*HealthCheck),
		overall:          StatusHealthy,
		failureThreshold: DefaultFailureThreshold,
	}
}

// Register adds check. Checks registered after Start are not scheduled.
func (m *Monitor) Register(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	m.mu.Lock()
	m.checks[check.Name] = check
	m.mu.Unlock()
}

// OnStatusChange registers fn to run whenever a component changes status.
func (m *Monitor) OnStatusChange(fn func(name string, status ComponentStatus)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Start runs every check once, then each on its own interval until ctx ends
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	checks := make([]*HealthCheck, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.Unlock()

	for _, c := range checks {
		m.wg.Add(1)
		go m.run(ctx, c)
	}
}

func (m *Monitor) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, check *HealthCheck) {
	defer m.wg.Done()
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health: monitoring component", "component", check.Name, "interval", check.Interval)
	m.perform(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.perform(ctx, check)
		}
	}
}

// CheckNow runs every check synchronously and returns the overall status.
func (m *Monitor) CheckNow(ctx context.Context) ComponentStatus {
	m.mu.RLock()
	checks := make([]*HealthCheck, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	for _, c := range checks {
		m.perform(ctx, c)
	}
	return m.Overall()
}

func (m *Monitor) perform(ctx context.Context, check *HealthCheck) {
	if ctx.Err() != nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := m.safeCheck(checkCtx, check)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() != nil {
		// Shutting down; keep the last real result.
		return
	}

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	first := check.checkCount == 1
	if err != nil {
		check.consecutiveFails++
		check.lastError = err
		if check.consecutiveFails >= m.failureThreshold {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.consecutiveFails = 0
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	fails := check.consecutiveFails
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))

	if err != nil {
		logger.Warn("Health: check failed", "component", check.Name, "status", current,
			"consecutive_failures", fails, "error", err)
	}
	if previous != current || first {
		if !first {
			logger.Info("Health: component status changed", "component", check.Name, "from", previous, "to", current)
		}
		m.notify(check.Name, current)
	}
	m.updateOverall()
}

func (m *Monitor) safeCheck(ctx context.Context, check *HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("Health: PANIC during check", "component", check.Name, "error", err)
		}
	}()
	return check.Check(ctx)
}

func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

func (m *Monitor) notify(name string, status ComponentStatus) {
	m.mu.RLock()
	callbacks := append([]func(string, ComponentStatus){}, m.callbacks...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(name, status)
	}
}

func (m *Monitor) updateOverall() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var criticalDown, anyDegraded bool
	for _, c := range m.checks {
		c.mu.RLock()
		status, critical := c.status, c.Critical
		c.mu.RUnlock()
		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			criticalDown = true
		case status != StatusHealthy:
			anyDegraded = true
		}
	}

	previous := m.overall
	switch {
	case criticalDown:
		m.overall = StatusUnhealthy
	case anyDegraded:
		m.overall = StatusDegraded
	default:
		m.overall = StatusHealthy
	}
	if previous != m.overall {
		logger.Info("Health: overall status changed", "from", previous, "to", m.overall)
	}
}

func (m *Monitor) Overall() ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Reports returns every component ordered by name.
func (m *Monitor) Reports() []Report {
	m.mu.RLock()
	out := make([]Report, 0, len(m.checks))
	for _, c := range m.checks {
		c.mu.RLock()
		r := Report{Name: c.Name, Status: c.status, Critical: c.Critical, LastCheck: c.lastCheck}
		if c.lastError != nil {
			r.Error = c.lastError.Error()
		}
		c.mu.RUnlock()
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) Status(name string) (ComponentStatus, bool) {
	m.mu.RLock()
	c, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return StatusUnreachable, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, true
}
