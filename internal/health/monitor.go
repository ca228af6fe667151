package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode is the connectivity-derived operating mode of an edge node.
type Mode string

const (
	// ModeEdge means the cloud is reachable and changes are pushed promptly.
	ModeEdge Mode = "EDGE"
	// ModeStandalone means the cloud is unreachable and changes go to the durable queue.
	ModeStandalone Mode = "STANDALONE"
)

// Overall summarises all probe results.
type Overall string

const (
	OverallHealthy   Overall = "healthy"
	OverallDegraded  Overall = "degraded"
	OverallUnhealthy Overall = "unhealthy"
)

// DefaultProbeTimeout bounds every individual probe.
const DefaultProbeTimeout = 5 * time.Second

var (
	ErrMissingCloudProbe = errors.New("health: cloud probe required")
	ErrInvalidInterval   = errors.New("health: monitoring interval must be positive")
)

// Probe reports reachability of one dependency; any error counts as down.
type Probe func(ctx context.Context) error

// ModeChangeFunc receives the new and the previous operating mode.
type ModeChangeFunc func(newMode, previousMode Mode)

// CheckResult is the outcome of one health evaluation.
type CheckResult struct {
	Cloud         bool      `json:"cloud"`
	Database      bool      `json:"database"`
	Redis         bool      `json:"redis"`
	Overall       Overall   `json:"overall"`
	OperatingMode Mode      `json:"operatingMode"`
	Timestamp     time.Time `json:"timestamp"`
}

// Config wires probes into a Monitor. Database and Redis probes are optional;
// an unconfigured dependency is reported as up.
type Config struct {
	CloudProbe    Probe
	DatabaseProbe Probe
	RedisProbe    Probe
	ProbeTimeout  time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Monitor evaluates dependency reachability and owns the operating mode.
type Monitor struct {
	cloudProbe    Probe
	databaseProbe Probe
	redisProbe    Probe
	probeTimeout  time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	// checkMu serialises evaluations so transitions are observed in order.
	checkMu sync.Mutex

	mu        sync.RWMutex
	mode      Mode
	last      *CheckResult
	callbacks []ModeChangeFunc

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewMonitor constructs a Monitor in STANDALONE mode. The first successful
// cloud probe therefore reports a STANDALONE to EDGE transition.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.CloudProbe == nil {
		return nil, ErrMissingCloudProbe
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cloudProbe:    cfg.CloudProbe,
		databaseProbe: cfg.DatabaseProbe,
		redisProbe:    cfg.RedisProbe,
		probeTimeout:  timeout,
		clock:         clock,
		logger:        logger,
		mode:          ModeStandalone,
	}, nil
}

// CheckCloudConnectivity reports whether the cloud probe succeeds.
func (m *Monitor) CheckCloudConnectivity(ctx context.Context) bool {
	return m.runProbe(ctx, "cloud", m.cloudProbe)
}

// CheckDatabase reports whether the local database probe succeeds.
func (m *Monitor) CheckDatabase(ctx context.Context) bool {
	return m.runProbe(ctx, "database", m.databaseProbe)
}

// CheckRedis reports whether the cache probe succeeds.
func (m *Monitor) CheckRedis(ctx context.Context) bool {
	return m.runProbe(ctx, "redis", m.redisProbe)
}

func (m *Monitor) runProbe(ctx context.Context, name string, probe Probe) bool {
	if probe == nil {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	// The probe result is abandoned on timeout; the probe itself may keep running.
	result := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				m.logger.Error("health probe panicked", zap.String("probe", name), zap.Any("panic", recovered))
				result <- fmt.Errorf("probe panic: %v", recovered)
			}
		}()
		result <- probe(probeCtx)
	}()

	select {
	case err := <-result:
		if err != nil {
			m.logger.Debug("health probe failed", zap.String("probe", name), zap.Error(err))
			return false
		}
		return true
	case <-probeCtx.Done():
		m.logger.Debug("health probe timed out", zap.String("probe", name), zap.Duration("timeout", m.probeTimeout))
		return false
	}
}

// PerformHealthCheck runs every probe concurrently, records the result and
// notifies mode-change subscribers when the operating mode flips.
func (m *Monitor) PerformHealthCheck(ctx context.Context) CheckResult {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	var cloud, database, redis bool
	var group errgroup.Group
	group.Go(func() error {
		cloud = m.CheckCloudConnectivity(ctx)
		return nil
	})
	group.Go(func() error {
		database = m.CheckDatabase(ctx)
		return nil
	})
	group.Go(func() error {
		redis = m.CheckRedis(ctx)
		return nil
	})
	_ = group.Wait()

	result := CheckResult{
		Cloud:         cloud,
		Database:      database,
		Redis:         redis,
		Overall:       deriveOverall(cloud, database, redis),
		OperatingMode: deriveMode(cloud),
		Timestamp:     m.clock().UTC(),
	}

	m.mu.Lock()
	previous := m.mode
	m.mode = result.OperatingMode
	stored := result
	m.last = &stored
	callbacks := append([]ModeChangeFunc(nil), m.callbacks...)
	m.mu.Unlock()

	if previous != result.OperatingMode {
		m.logger.Info("operating mode changed",
			zap.String("mode", string(result.OperatingMode)),
			zap.String("previous_mode", string(previous)),
			zap.String("overall", string(result.Overall)))
		for _, callback := range callbacks {
			m.invokeCallback(callback, result.OperatingMode, previous)
		}
	}
	return result
}

func (m *Monitor) invokeCallback(callback ModeChangeFunc, newMode, previousMode Mode) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("mode change callback panicked", zap.Any("panic", recovered))
		}
	}()
	callback(newMode, previousMode)
}

func deriveMode(cloud bool) Mode {
	if cloud {
		return ModeEdge
	}
	return ModeStandalone
}

func deriveOverall(cloud, database, redis bool) Overall {
	switch {
	case !cloud && !database:
		return OverallUnhealthy
	case !cloud || !database || !redis:
		return OverallDegraded
	default:
		return OverallHealthy
	}
}

// OnModeChange registers a callback run synchronously on every transition.
// Callbacks must not call PerformHealthCheck.
func (m *Monitor) OnModeChange(callback ModeChangeFunc) {
	if callback == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// CurrentMode returns the mode recorded by the latest check.
func (m *Monitor) CurrentMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// LastHealthCheck returns the latest result, if any.
func (m *Monitor) LastHealthCheck() (CheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return CheckResult{}, false
	}
	return *m.last, true
}

// StartMonitoring checks immediately and then every interval. Calling it again
// replaces the running loop.
func (m *Monitor) StartMonitoring(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	m.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel = cancel
	m.loopDone = done

	go func() {
		defer close(done)
		m.PerformHealthCheck(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A check that outlives the interval drops the ticks it missed.
				m.PerformHealthCheck(ctx)
			}
		}
	}()
	m.logger.Info("health monitoring started", zap.Duration("interval", interval))
	return nil
}

// StopMonitoring stops the loop and waits for it to exit. It is a no-op when idle.
func (m *Monitor) StopMonitoring() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	m.stopLocked()
}

// Monitoring reports whether a monitoring loop is active.
func (m *Monitor) Monitoring() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.loopCancel != nil
}

func (m *Monitor) stopLocked() {
	if m.loopCancel == nil {
		return
	}
	m.loopCancel()
	<-m.loopDone
	m.loopCancel = nil
	m.loopDone = nil
}
