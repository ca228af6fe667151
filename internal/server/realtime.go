package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
)

const (
	StatusEventSync    = "sync-status"
	StatusEventMode    = "mode-change"
	StatusEventUpgrade = "upgrade"
	statusEventPing    = "heartbeat"
)

// StatusMessage is one event on the operator status stream.
type StatusMessage struct {
	EventType    string                     `json:"type"`
	Status       engine.Status              `json:"status,omitempty"`
	Mode         health.Mode                `json:"mode,omitempty"`
	PreviousMode health.Mode                `json:"previousMode,omitempty"`
	Upgrade      *syncwire.UpgradeDirective `json:"upgrade,omitempty"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// StatusDispatcher fans engine events out to stream subscribers. Slow
// subscribers miss messages rather than blocking publishers.
type StatusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type statusSubscriber struct {
	id     int64
	stream chan StatusMessage
}

func NewStatusDispatcher() *StatusDispatcher {
	return &StatusDispatcher{
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Attach subscribes the dispatcher to engine status, mode and upgrade events.
func (d *StatusDispatcher) Attach(syncEngine *engine.Engine) {
	syncEngine.OnStatusChange(func(status engine.Status) {
		d.Publish(StatusMessage{EventType: StatusEventSync, Status: status})
	})
	syncEngine.OnUpgrade(func(directive syncwire.UpgradeDirective) {
		d.Publish(StatusMessage{EventType: StatusEventUpgrade, Upgrade: &directive})
	})
	syncEngine.HealthMonitor().OnModeChange(func(newMode, previousMode health.Mode) {
		d.Publish(StatusMessage{EventType: StatusEventMode, Mode: newMode, PreviousMode: previousMode})
	})
}

func (d *StatusDispatcher) Subscribe(ctx context.Context) (<-chan StatusMessage, func()) {
	subscriber := &statusSubscriber{
		id:     d.nextSequence(),
		stream: make(chan StatusMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *StatusDispatcher) Publish(message StatusMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*statusSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (d *StatusDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *StatusDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *StatusDispatcher) registerSubscriber(subscriber *statusSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *StatusDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
