package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncqueue"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"go.uber.org/zap"
)

const (
	DefaultSyncInterval   = 30 * time.Second
	DefaultHealthInterval = 15 * time.Second
	DefaultBatchSize      = 50
)

// Config wires an Engine to its collaborators.
type Config struct {
	SiteID  string
	Client  CloudClient
	Queue   *syncqueue.Queue
	Monitor *health.Monitor
	// EntityTypes are pulled from the cloud on every cycle.
	EntityTypes    []string
	ApplyHandlers  map[string]ApplyHandler
	SyncInterval   time.Duration
	HealthInterval time.Duration
	// BatchSize bounds each drain batch taken from the offline queue.
	BatchSize int
	Version   string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Engine routes local changes to the cloud or the offline queue and
// reconciles both sides when connectivity returns.
type Engine struct {
	siteID         string
	client         CloudClient
	queue          *syncqueue.Queue
	monitor        *health.Monitor
	entityTypes    []string
	applyHandlers  map[string]ApplyHandler
	syncInterval   time.Duration
	healthInterval time.Duration
	batchSize      int
	version        string
	clock          func() time.Time
	logger         *zap.Logger

	bufferMu sync.Mutex
	buffer   []Change

	// flushMu serialises pushes of the buffer with spills into the queue.
	flushMu sync.Mutex

	stateMu    sync.RWMutex
	status     Status
	lastSyncAt time.Time
	lastPullAt time.Time
	lastError  string

	callbackMu       sync.RWMutex
	statusCallbacks  []func(Status)
	upgradeCallbacks []func(syncwire.UpgradeDirective)

	draining atomic.Bool
	ticking  atomic.Bool

	lifecycleMu sync.RWMutex
	shutdown    bool
	inflight    sync.WaitGroup

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New validates configuration and builds an idle engine.
func New(cfg Config) (*Engine, error) {
	siteID := strings.TrimSpace(cfg.SiteID)
	if siteID == "" {
		return nil, ErrMissingSiteID
	}
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	if cfg.Queue == nil {
		return nil, ErrMissingQueue
	}
	if cfg.Monitor == nil {
		return nil, ErrMissingMonitor
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize < 0 || batchSize > syncwire.MaxPushBatch {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, batchSize)
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	healthInterval := cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers := make(map[string]ApplyHandler, len(cfg.ApplyHandlers))
	for entityType, handler := range cfg.ApplyHandlers {
		if handler != nil {
			handlers[entityType] = handler
		}
	}

	engine := &Engine{
		siteID:         siteID,
		client:         cfg.Client,
		queue:          cfg.Queue,
		monitor:        cfg.Monitor,
		entityTypes:    append([]string(nil), cfg.EntityTypes...),
		applyHandlers:  handlers,
		syncInterval:   syncInterval,
		healthInterval: healthInterval,
		batchSize:      batchSize,
		version:        cfg.Version,
		clock:          clock,
		logger:         logger.With(zap.String("site_id", siteID)),
		status:         StatusIdle,
	}
	cfg.Monitor.OnModeChange(engine.handleModeChange)
	return engine, nil
}

// TrackChange records a local mutation in the sink for the current mode.
func (e *Engine) TrackChange(ctx context.Context, change Change) error {
	change.Type = strings.TrimSpace(change.Type)
	if change.Type == "" {
		return ErrMissingEntityType
	}
	if !change.Action.Valid() {
		return ErrInvalidAction
	}
	if len(change.Data) == 0 {
		change.Data = json.RawMessage("null")
	}
	if !json.Valid(change.Data) {
		return ErrInvalidData
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = e.clock().UTC()
	}

	e.lifecycleMu.RLock()
	defer e.lifecycleMu.RUnlock()
	if e.shutdown {
		return ErrEngineShutdown
	}
	return e.sinkFor(e.monitor.CurrentMode()).write(ctx, change)
}

// SyncState reports the engine's view of connectivity and backlog.
func (e *Engine) SyncState(ctx context.Context) SyncState {
	e.stateMu.RLock()
	state := SyncState{
		SiteID:    e.siteID,
		Status:    e.status,
		LastError: e.lastError,
	}
	if !e.lastSyncAt.IsZero() {
		lastSyncAt := e.lastSyncAt
		state.LastSyncAt = &lastSyncAt
	}
	e.stateMu.RUnlock()

	state.OperatingMode = e.monitor.CurrentMode()
	if result, ok := e.monitor.LastHealthCheck(); ok {
		state.CloudReachable = result.Cloud
	}

	state.PendingChanges = int64(e.bufferedCount())
	if stats, err := e.queue.Stats(ctx); err == nil {
		state.PendingChanges += stats.Pending
		state.FailedChanges = stats.Failed
	}
	return state
}

// OnStatusChange subscribes to status transitions.
func (e *Engine) OnStatusChange(callback func(Status)) {
	if callback == nil {
		return
	}
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.statusCallbacks = append(e.statusCallbacks, callback)
}

// OnUpgrade subscribes to upgrade directives returned by heartbeats.
func (e *Engine) OnUpgrade(callback func(syncwire.UpgradeDirective)) {
	if callback == nil {
		return
	}
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.upgradeCallbacks = append(e.upgradeCallbacks, callback)
}

// OfflineQueue exposes queue statistics.
func (e *Engine) OfflineQueue() OfflineQueue {
	return e.queue
}

// HealthMonitor exposes the monitor that drives the operating mode.
func (e *Engine) HealthMonitor() *health.Monitor {
	return e.monitor
}

// Status returns the most recently emitted status.
func (e *Engine) Status() Status {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.status
}

// Start begins health monitoring and the periodic sync tick.
func (e *Engine) Start() error {
	if e.isShutdown() {
		return ErrEngineShutdown
	}
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopCancel != nil {
		return nil
	}
	if err := e.monitor.StartMonitoring(e.healthInterval); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.loopCancel = cancel
	e.loopDone = done
	go e.runLoop(ctx, done)

	e.logger.Info("sync engine started",
		zap.Duration("sync_interval", e.syncInterval),
		zap.Duration("health_interval", e.healthInterval))
	return nil
}

// Stop halts the periodic ticks. In-flight work is left to finish.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	e.monitor.StopMonitoring()
	if e.loopCancel == nil {
		return
	}
	e.loopCancel()
	<-e.loopDone
	e.loopCancel = nil
	e.loopDone = nil
	e.logger.Info("sync engine stopped")
}

// Shutdown stops the ticks, waits for in-flight drains and ticks, then closes
// the offline queue. Later calls fail with ErrEngineShutdown.
func (e *Engine) Shutdown() error {
	e.lifecycleMu.Lock()
	if e.shutdown {
		e.lifecycleMu.Unlock()
		return nil
	}
	e.shutdown = true
	e.lifecycleMu.Unlock()

	e.Stop()
	e.inflight.Wait()
	if count := e.bufferedCount(); count > 0 {
		e.logger.Warn("shutting down with unsynced buffered changes", zap.Int("changes", count))
	}
	return e.queue.Close()
}

func (e *Engine) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go e.tick(ctx)
		}
	}
}

func (e *Engine) isShutdown() bool {
	e.lifecycleMu.RLock()
	defer e.lifecycleMu.RUnlock()
	return e.shutdown
}

// beginWork registers in-flight work unless the engine is shut down.
func (e *Engine) beginWork() error {
	e.lifecycleMu.RLock()
	defer e.lifecycleMu.RUnlock()
	if e.shutdown {
		return ErrEngineShutdown
	}
	e.inflight.Add(1)
	return nil
}

func (e *Engine) handleModeChange(newMode, previousMode health.Mode) {
	switch newMode {
	case health.ModeStandalone:
		if err := e.beginWork(); err != nil {
			return
		}
		defer e.inflight.Done()
		e.spillBuffer(context.Background())
		e.emit(StatusStandalone)
	case health.ModeEdge:
		if previousMode != health.ModeStandalone {
			return
		}
		go func() {
			if _, err := e.DrainQueueAndSync(context.Background()); err != nil && !errors.Is(err, ErrEngineShutdown) {
				e.logger.Warn("reconnect drain failed", zap.Error(err))
			}
		}()
	}
}

func (e *Engine) emit(status Status) {
	e.stateMu.Lock()
	e.status = status
	e.stateMu.Unlock()

	e.callbackMu.RLock()
	callbacks := append(([]func(Status))(nil), e.statusCallbacks...)
	e.callbackMu.RUnlock()
	for _, callback := range callbacks {
		e.safeCall("status", func() { callback(status) })
	}
}

func (e *Engine) safeCall(kind string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("engine callback panicked", zap.String("callback", kind), zap.Any("panic", recovered))
		}
	}()
	fn()
}

func (e *Engine) recordError(err error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.lastError = err.Error()
}

func (e *Engine) recordSync(at time.Time) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.lastSyncAt = at
	e.lastError = ""
}

func (e *Engine) bufferedCount() int {
	e.bufferMu.Lock()
	defer e.bufferMu.Unlock()
	return len(e.buffer)
}
