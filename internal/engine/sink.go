package engine

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncqueue"
	"go.uber.org/zap"
)

// changeSink is where a tracked change lands for the current operating mode.
type changeSink interface {
	write(ctx context.Context, change Change) error
}

// memorySink buffers changes for the next push while the cloud is reachable.
type memorySink struct {
	engine *Engine
}

func (s memorySink) write(_ context.Context, change Change) error {
	s.engine.bufferMu.Lock()
	defer s.engine.bufferMu.Unlock()
	s.engine.buffer = append(s.engine.buffer, change)
	return nil
}

// queueSink persists changes while the cloud is unreachable.
type queueSink struct {
	queue *syncqueue.Queue
}

func (s queueSink) write(ctx context.Context, change Change) error {
	_, err := s.queue.Enqueue(ctx, change.Type, syncqueue.Operation(change.Action), queuedChange{
		Data:      change.Data,
		Timestamp: change.Timestamp,
	})
	return err
}

// sinkFor is the single place that decides where writes go.
func (e *Engine) sinkFor(mode health.Mode) changeSink {
	if mode == health.ModeEdge {
		return memorySink{engine: e}
	}
	return queueSink{queue: e.queue}
}

// changeFromEntry rebuilds a change from a queue entry. Payloads written by
// other tools are forwarded verbatim as the entity data.
func changeFromEntry(entry syncqueue.Entry) Change {
	change := Change{
		Type:      entry.EntityType,
		Action:    actionFor(entry.Operation),
		Data:      json.RawMessage(entry.Payload),
		Timestamp: entry.CreatedAt(),
	}
	var queued queuedChange
	if err := json.Unmarshal(entry.Payload, &queued); err == nil && len(queued.Data) > 0 {
		change.Data = queued.Data
		if !queued.Timestamp.IsZero() {
			change.Timestamp = queued.Timestamp
		}
	}
	return change
}

// spillBuffer moves buffered changes into the durable queue so an outage
// followed by a crash loses nothing.
func (e *Engine) spillBuffer(ctx context.Context) int {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.bufferMu.Lock()
	pending := e.buffer
	e.buffer = nil
	e.bufferMu.Unlock()

	sink := queueSink{queue: e.queue}
	for index, change := range pending {
		if err := sink.write(ctx, change); err != nil {
			e.logger.Error("buffer spill failed", zap.Int("remaining", len(pending)-index), zap.Error(err))
			e.bufferMu.Lock()
			e.buffer = append(append([]Change(nil), pending[index:]...), e.buffer...)
			e.bufferMu.Unlock()
			return index
		}
	}
	if len(pending) > 0 {
		e.logger.Info("buffer spilled to offline queue", zap.Int("changes", len(pending)))
	}
	return len(pending)
}
