package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncqueue"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"go.uber.org/zap"
)

// SyncToCloud pushes the in-memory buffer in batches. Only the pushed prefix
// is removed, so a failure leaves every unpushed change in place.
func (e *Engine) SyncToCloud(ctx context.Context) error {
	if err := e.beginWork(); err != nil {
		return err
	}
	defer e.inflight.Done()
	_, err := e.pushBuffer(ctx)
	return err
}

// SyncFromCloud pulls changes since the last successful pull and applies them
// through the registered handlers.
func (e *Engine) SyncFromCloud(ctx context.Context) (PullResult, error) {
	if err := e.beginWork(); err != nil {
		return PullResult{}, err
	}
	defer e.inflight.Done()
	return e.pullChanges(ctx)
}

// DrainQueueAndSync flushes the offline queue, then the buffer, then pulls.
// A call made while another drain is running returns Skipped.
func (e *Engine) DrainQueueAndSync(ctx context.Context) (DrainResult, error) {
	if err := e.beginWork(); err != nil {
		return DrainResult{}, err
	}
	defer e.inflight.Done()

	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain already in progress")
		return DrainResult{Skipped: true}, nil
	}
	defer e.draining.Store(false)

	e.emit(StatusSyncing)
	result, err := e.drainQueue(ctx)
	if err != nil {
		e.emit(StatusError)
		return result, err
	}
	if _, err := e.pushBuffer(ctx); err != nil {
		e.emit(StatusError)
		return result, err
	}
	pull, err := e.pullChanges(ctx)
	result.Pull = pull
	if err != nil {
		e.emit(StatusError)
		return result, err
	}
	e.emit(StatusSynced)

	e.logger.Info("offline queue drained",
		zap.Int("drained", result.Drained),
		zap.Int("rejected", result.Rejected),
		zap.Int("pulled", pull.Applied))
	return result, nil
}

// SendHeartbeat reports the engine state to the cloud and forwards any
// upgrade directive to OnUpgrade subscribers.
func (e *Engine) SendHeartbeat(ctx context.Context) (*syncwire.UpgradeDirective, error) {
	if err := e.beginWork(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()
	return e.heartbeat(ctx)
}

func (e *Engine) drainQueue(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	for {
		entries, err := e.queue.Dequeue(ctx, e.batchSize)
		if err != nil {
			return result, err
		}
		if len(entries) == 0 {
			return result, nil
		}

		ids := make([]int64, len(entries))
		entities := make([]syncwire.Entity, len(entries))
		for index, entry := range entries {
			ids[index] = entry.ID
			entities[index] = changeFromEntry(entry).entity()
		}

		response, err := e.client.Push(ctx, entities)
		if err != nil {
			e.recordError(err)
			if markErr := e.queue.MarkFailed(ctx, ids, err.Error()); markErr != nil {
				e.logger.Error("mark failed after push error", zap.Error(markErr))
			}
			result.Failed += len(ids)
			e.logger.Warn("drain push failed", zap.Int("entries", len(ids)), zap.Error(err))
			return result, fmt.Errorf("engine: drain push: %w", err)
		}

		rejected := make(map[int]string, len(response.Failures))
		for _, failure := range response.Failures {
			if failure.Index >= 0 && failure.Index < len(entries) {
				rejected[failure.Index] = failure.Reason
			}
		}
		completed := make([]int64, 0, len(entries))
		for index, entry := range entries {
			reason, isRejected := rejected[index]
			if !isRejected {
				completed = append(completed, entry.ID)
				continue
			}
			// Rejected entries run out their retries so operators see them as failed.
			if err := e.queue.MarkFailed(ctx, []int64{entry.ID}, "rejected by cloud: "+reason); err != nil {
				return result, err
			}
			result.Rejected++
		}
		if err := e.queue.MarkComplete(ctx, completed); err != nil {
			return result, err
		}
		result.Drained += len(completed)
		e.recordSync(e.clock().UTC())
	}
}

func (e *Engine) pushBuffer(ctx context.Context) (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	pushed := 0
	for {
		e.bufferMu.Lock()
		count := len(e.buffer)
		if count > syncwire.MaxPushBatch {
			count = syncwire.MaxPushBatch
		}
		entities := make([]syncwire.Entity, count)
		for index := 0; index < count; index++ {
			entities[index] = e.buffer[index].entity()
		}
		e.bufferMu.Unlock()

		if count == 0 {
			break
		}

		response, err := e.client.Push(ctx, entities)
		if err != nil {
			e.recordError(err)
			e.logger.Warn("buffer push failed", zap.Int("buffered", e.bufferedCount()), zap.Error(err))
			return pushed, fmt.Errorf("engine: push buffer: %w", err)
		}

		// Only memorySink appends, always at the tail, so the prefix is still ours.
		e.bufferMu.Lock()
		e.buffer = append([]Change(nil), e.buffer[count:]...)
		e.bufferMu.Unlock()
		pushed += count

		if response.Errors > 0 {
			e.logger.Warn("cloud rejected buffered changes",
				zap.Int("rejected", response.Errors),
				zap.Any("failures", response.Failures))
		}
	}
	if pushed > 0 {
		e.recordSync(e.clock().UTC())
	}
	return pushed, nil
}

// maxPullPages bounds one pull cycle; the next cycle resumes from the cursor.
const maxPullPages = 50

func (e *Engine) pullChanges(ctx context.Context) (PullResult, error) {
	var result PullResult
	if len(e.entityTypes) == 0 {
		return result, nil
	}

	e.stateMu.RLock()
	since := e.lastPullAt
	e.stateMu.RUnlock()
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}

	for page := 0; page < maxPullPages; page++ {
		started := e.clock().UTC()
		response, err := e.client.Pull(ctx, since, e.entityTypes)
		if err != nil {
			e.recordError(err)
			return result, fmt.Errorf("engine: pull: %w", err)
		}
		e.applyPulled(ctx, response, &result)

		cursor := response.Timestamp
		if cursor.IsZero() {
			if response.HasMore {
				e.logger.Warn("cloud returned a truncated pull page without a cursor")
				return result, nil
			}
			cursor = started
		}
		cursor = cursor.UTC()
		e.stateMu.Lock()
		e.lastPullAt = cursor
		e.stateMu.Unlock()

		if !response.HasMore {
			return result, nil
		}
		if !cursor.After(since) {
			e.logger.Warn("cloud pull cursor did not advance", zap.Time("cursor", cursor))
			return result, nil
		}
		since = cursor
	}
	e.logger.Info("pull page limit reached; resuming next cycle", zap.Int("pages", maxPullPages))
	return result, nil
}

func (e *Engine) applyPulled(ctx context.Context, response syncwire.PullResponse, result *PullResult) {
	entityTypes := make([]string, 0, len(response.Changes))
	for entityType := range response.Changes {
		entityTypes = append(entityTypes, entityType)
	}
	sort.Strings(entityTypes)

	for _, entityType := range entityTypes {
		records := response.Changes[entityType]
		handler, ok := e.applyHandlers[entityType]
		if !ok {
			result.Skipped += len(records)
			continue
		}
		for index, record := range records {
			if err := e.applyRecord(ctx, handler, record); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, ApplyError{Type: entityType, Index: index, Error: err.Error()})
				e.logger.Warn("apply pulled record failed",
					zap.String("entity_type", entityType),
					zap.Int("index", index),
					zap.Error(err))
				continue
			}
			result.Applied++
		}
	}
}

func (e *Engine) applyRecord(ctx context.Context, handler ApplyHandler, record json.RawMessage) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("apply handler panic: %v", recovered)
		}
	}()
	return handler(ctx, record)
}

func (e *Engine) heartbeat(ctx context.Context) (*syncwire.UpgradeDirective, error) {
	state := e.SyncState(ctx)
	response, err := e.client.Heartbeat(ctx, syncwire.HeartbeatRequest{
		SiteID:         e.siteID,
		Mode:           string(state.OperatingMode),
		PendingChanges: state.PendingChanges,
		FailedChanges:  state.FailedChanges,
		Version:        e.version,
		LastSyncAt:     state.LastSyncAt,
	})
	if err != nil {
		e.recordError(err)
		e.logger.Warn("heartbeat failed", zap.Error(err))
		return nil, fmt.Errorf("engine: heartbeat: %w", err)
	}
	if response.Upgrade == nil {
		return nil, nil
	}

	directive := *response.Upgrade
	e.logger.Info("upgrade scheduled by cloud", zap.String("target_version", directive.TargetVersion))
	e.callbackMu.RLock()
	callbacks := append(([]func(syncwire.UpgradeDirective))(nil), e.upgradeCallbacks...)
	e.callbackMu.RUnlock()
	for _, callback := range callbacks {
		e.safeCall("upgrade", func() { callback(directive) })
	}
	return &directive, nil
}

// tick runs one sync cycle. A tick that fires while the previous one is still
// running is skipped.
func (e *Engine) tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		e.logger.Debug("sync tick skipped; previous tick still running")
		return
	}
	defer e.ticking.Store(false)
	if err := e.beginWork(); err != nil {
		return
	}
	defer e.inflight.Done()

	if e.monitor.CurrentMode() != health.ModeEdge {
		e.spillBuffer(ctx)
		e.emit(StatusStandalone)
		return
	}

	stats, err := e.queue.Stats(ctx)
	if err == nil && stats.Pending > 0 {
		if _, err := e.DrainQueueAndSync(ctx); err != nil {
			e.logger.Warn("sync tick drain failed", zap.Error(err))
		}
	} else {
		e.emit(StatusSyncing)
		if _, err := e.pushBuffer(ctx); err != nil {
			e.emit(StatusError)
		} else if _, err := e.pullChanges(ctx); err != nil {
			e.emit(StatusError)
		} else {
			e.emit(StatusSynced)
		}
	}

	_, _ = e.heartbeat(ctx)
}

func actionFor(operation syncqueue.Operation) syncwire.Action {
	return syncwire.Action(operation)
}
