package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPushInterval      = 5 * time.Second
	DefaultPullInterval      = 10 * time.Second
	DefaultPushTimeout       = 5 * time.Second
	DefaultPullTimeout       = 10 * time.Second
	DefaultAnalyticsCapacity = 1000
	DefaultOutboxCapacity    = 500
	DefaultPendingCapacity   = 5000
	DefaultProduct           = "safeschool"

	firstPullLookback = time.Minute
	analyticsType     = "analytics"
)

var (
	// ErrManagerShutdown is returned by Start after Shutdown.
	ErrManagerShutdown = errors.New("federation: manager shut down")
	ErrMissingProduct  = errors.New("federation: local product required")
)

// Event is a connector event exchanged between appliances.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	FederatedFrom string          `json:"federatedFrom,omitempty"`
	FederatedAt   *time.Time      `json:"federatedAt,omitempty"`

	// excludePeer is the product whose event produced this one; it never
	// receives the output back.
	excludePeer string
}

// IsAnalytics reports whether the event belongs in the analytics buffer.
func (e Event) IsAnalytics() bool {
	return e.Type == analyticsType || strings.HasPrefix(e.Type, analyticsType+".")
}

func (e Event) observedAt() time.Time {
	if e.FederatedAt != nil {
		return *e.FederatedAt
	}
	return e.Timestamp
}

// EventHandler translates an inbound event into zero or more local events.
type EventHandler func(ctx context.Context, event Event) ([]Event, error)

// LocalSink receives non-analytics events pulled or pushed from peers.
type LocalSink func(ctx context.Context, events []Event)

// Config wires a Manager.
type Config struct {
	// Product names this appliance; it is sent as X-Sync-Key.
	Product            string
	SharedKey          string
	Peers              []Peer
	Routes             []Route
	SubscribedProducts []string
	PushInterval       time.Duration
	PullInterval       time.Duration
	PushTimeout        time.Duration
	PullTimeout        time.Duration
	AnalyticsCapacity  int
	OutboxCapacity     int
	PendingCapacity    int
	LocalSink          LocalSink
	HTTPClient         *http.Client
	Clock              func() time.Time
	Logger             *zap.Logger
}

// ConfigFromFile merges a YAML document with the subscribed product set.
// Products listed in the environment win over those in the file.
func ConfigFromFile(file FileConfig, subscribed []string) Config {
	products := subscribed
	if len(products) == 0 {
		products = file.Products
	}
	return Config{
		Product:            file.Product,
		SharedKey:          file.SharedKey,
		Peers:              file.Peers,
		Routes:             file.Routes,
		SubscribedProducts: products,
		PushInterval:       file.PushInterval,
		PullInterval:       file.PullInterval,
	}
}

type peerState struct {
	reachable  bool
	lastPushAt time.Time
	lastPullAt time.Time
	lastError  string
	outbox     []Event
	dropped    int64
}

// Manager forwards local events to subscribed LAN peers and pulls analytics back.
type Manager struct {
	product           string
	sharedKey         string
	peers             map[string]Peer
	peerOrder         []string
	routes            []Route
	subscribed        map[string]struct{}
	pushInterval      time.Duration
	pullInterval      time.Duration
	pushTimeout       time.Duration
	pullTimeout       time.Duration
	outboxCapacity    int
	pendingCapacity   int
	localSink         LocalSink
	httpClient        *http.Client
	signers           map[string]*auth.RequestSigner
	clock             func() time.Time
	logger            *zap.Logger
	analyticsCapacity int

	mu        sync.Mutex
	pending   []Event
	states    map[string]*peerState
	analytics *ring
	handlers  []EventHandler

	pushing atomic.Bool
	pulling atomic.Bool

	lifecycleMu sync.Mutex
	shutdown    bool
	loopCancel  context.CancelFunc
	loopWG      sync.WaitGroup
}

// NewManager validates configuration and builds an idle Manager.
func NewManager(cfg Config) (*Manager, error) {
	product := strings.TrimSpace(cfg.Product)
	if product == "" {
		return nil, ErrMissingProduct
	}
	if err := validatePeersAndRoutes(cfg.Peers, cfg.Routes); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	manager := &Manager{
		product:           product,
		sharedKey:         cfg.SharedKey,
		peers:             make(map[string]Peer, len(cfg.Peers)),
		routes:            append([]Route(nil), cfg.Routes...),
		subscribed:        make(map[string]struct{}, len(cfg.SubscribedProducts)),
		pushInterval:      durationOrDefault(cfg.PushInterval, DefaultPushInterval),
		pullInterval:      durationOrDefault(cfg.PullInterval, DefaultPullInterval),
		pushTimeout:       durationOrDefault(cfg.PushTimeout, DefaultPushTimeout),
		pullTimeout:       durationOrDefault(cfg.PullTimeout, DefaultPullTimeout),
		outboxCapacity:    intOrDefault(cfg.OutboxCapacity, DefaultOutboxCapacity),
		pendingCapacity:   intOrDefault(cfg.PendingCapacity, DefaultPendingCapacity),
		analyticsCapacity: intOrDefault(cfg.AnalyticsCapacity, DefaultAnalyticsCapacity),
		localSink:         cfg.LocalSink,
		httpClient:        httpClient,
		signers:           make(map[string]*auth.RequestSigner, len(cfg.Peers)),
		clock:             clock,
		logger:            logger.With(zap.String("product", product)),
		states:            make(map[string]*peerState, len(cfg.Peers)),
	}
	manager.analytics = newRing(manager.analyticsCapacity)

	for _, name := range cfg.SubscribedProducts {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			manager.subscribed[trimmed] = struct{}{}
		}
	}
	for _, peer := range cfg.Peers {
		peer.Product = strings.TrimSpace(peer.Product)
		manager.peers[peer.Product] = peer
		manager.peerOrder = append(manager.peerOrder, peer.Product)
		manager.states[peer.Product] = &peerState{}

		signer, err := auth.NewRequestSigner(auth.RequestSignerConfig{
			KeyID:  product,
			Secret: []byte(manager.keyFor(peer.Product)),
			Clock:  clock,
		})
		if err != nil {
			return nil, err
		}
		manager.signers[peer.Product] = signer
	}
	return manager, nil
}

// RegisterHandler adds a cross-product translation handler.
func (m *Manager) RegisterHandler(handler EventHandler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Product returns the local product name.
func (m *Manager) Product() string {
	return m.product
}

// Start launches the push and pull ticks.
func (m *Manager) Start() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.shutdown {
		return ErrManagerShutdown
	}
	if m.loopCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.loopWG.Add(2)
	go m.runTicker(ctx, m.pushInterval, &m.pushing, m.PushOnce)
	go m.runTicker(ctx, m.pullInterval, &m.pulling, m.PullOnce)
	m.logger.Info("federation started",
		zap.Int("peers", len(m.peers)),
		zap.Duration("push_interval", m.pushInterval),
		zap.Duration("pull_interval", m.pullInterval))
	return nil
}

// Shutdown cancels both ticks and waits for them. Repeated calls are no-ops.
func (m *Manager) Shutdown() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.shutdown {
		return
	}
	m.shutdown = true
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopWG.Wait()
		m.loopCancel = nil
	}
	m.logger.Info("federation stopped")
}

func (m *Manager) runTicker(ctx context.Context, interval time.Duration, busy *atomic.Bool, run func(context.Context)) {
	defer m.loopWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer busy.Store(false)
				run(ctx)
			}()
		}
	}
}

// OnConnectorEvents buffers locally generated events for the next push.
// Events that arrived through federation are dropped to prevent loops.
func (m *Manager) OnConnectorEvents(source string, events []Event) int {
	now := m.clock().UTC()
	accepted := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range events {
		if event.FederatedFrom != "" {
			continue
		}
		if event.Source == "" {
			event.Source = source
		}
		m.stampLocked(&event, now)
		event.excludePeer = ""
		m.pending = append(m.pending, event)
		accepted++
	}
	m.trimPendingLocked()
	return accepted
}

func (m *Manager) trimPendingLocked() {
	if overflow := len(m.pending) - m.pendingCapacity; overflow > 0 {
		m.pending = append([]Event(nil), m.pending[overflow:]...)
		m.logger.Warn("federation pending buffer full; dropped oldest events", zap.Int("dropped", overflow))
	}
}

func (m *Manager) stampLocked(event *Event, now time.Time) {
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
}

// HandleInboundEvents tags events from a peer, stores analytics, runs the
// registered handlers and returns the non-analytics events for local use.
func (m *Manager) HandleInboundEvents(ctx context.Context, fromProduct string, events []Event) []Event {
	now := m.clock().UTC()
	tagged := make([]Event, 0, len(events))
	local := make([]Event, 0, len(events))

	m.mu.Lock()
	handlers := append([]EventHandler(nil), m.handlers...)
	for _, event := range events {
		event.FederatedFrom = fromProduct
		arrivedAt := now
		event.FederatedAt = &arrivedAt
		m.stampLocked(&event, now)
		tagged = append(tagged, event)
		if event.IsAnalytics() {
			m.analytics.push(event)
		} else {
			local = append(local, event)
		}
	}
	m.mu.Unlock()

	var produced []Event
	for _, event := range tagged {
		for _, handler := range handlers {
			outputs, err := m.runHandler(ctx, handler, event)
			if err != nil {
				m.logger.Warn("federation handler failed",
					zap.String("peer", fromProduct),
					zap.String("event_type", event.Type),
					zap.Error(err))
				continue
			}
			produced = append(produced, outputs...)
		}
	}

	if len(produced) > 0 {
		m.mu.Lock()
		for _, output := range produced {
			if output.Source == "" {
				output.Source = m.product
			}
			output.FederatedFrom = ""
			output.FederatedAt = nil
			output.excludePeer = fromProduct
			m.stampLocked(&output, now)
			m.pending = append(m.pending, output)
			m.analytics.push(output)
		}
		m.trimPendingLocked()
		m.mu.Unlock()
	}
	return local
}

func (m *Manager) runHandler(ctx context.Context, handler EventHandler, event Event) (outputs []Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
			outputs = nil
		}
	}()
	return handler(ctx, event)
}

// Analytics returns buffered analytics events observed at or after since.
func (m *Manager) Analytics(since *time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.analytics.snapshot()
	if since == nil {
		return events
	}
	filtered := events[:0]
	for _, event := range events {
		if !event.observedAt().Before(*since) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// PeerStatus is the diagnostic view of a peer. It never carries keys.
type PeerStatus struct {
	Product             string     `json:"product"`
	Host                string     `json:"host"`
	Port                int        `json:"port"`
	Subscribed          bool       `json:"subscribed"`
	GatedBySubscription bool       `json:"gatedBySubscription"`
	Reachable           bool       `json:"reachable"`
	LastPushAt          *time.Time `json:"lastPushAt,omitempty"`
	LastPullAt          *time.Time `json:"lastPullAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	PushTypes           []string   `json:"pushTypes"`
	Pulls               bool       `json:"pulls"`
	Outbox              int        `json:"outbox"`
	Dropped             int64      `json:"dropped"`
}

// Status summarises the manager and every configured peer.
type Status struct {
	Product        string       `json:"product"`
	Running        bool         `json:"running"`
	PendingEvents  int          `json:"pendingEvents"`
	AnalyticsCount int          `json:"analyticsCount"`
	Peers          []PeerStatus `json:"peers"`
}

// Status reports per-peer reachability and subscription gating.
func (m *Manager) Status() Status {
	m.lifecycleMu.Lock()
	running := m.loopCancel != nil
	m.lifecycleMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		Product:        m.product,
		Running:        running,
		PendingEvents:  len(m.pending),
		AnalyticsCount: m.analytics.len(),
		Peers:          make([]PeerStatus, 0, len(m.peerOrder)),
	}
	for _, product := range m.peerOrder {
		peer := m.peers[product]
		state := m.states[product]
		subscribed := m.isSubscribed(product)
		peerStatus := PeerStatus{
			Product:             product,
			Host:                peer.Host,
			Port:                peer.Port,
			Subscribed:          subscribed,
			GatedBySubscription: !subscribed && m.hasRoutes(product),
			Reachable:           state.reachable,
			LastError:           state.lastError,
			PushTypes:           m.pushTypes(product),
			Pulls:               m.pullsFrom(product),
			Outbox:              len(state.outbox),
			Dropped:             state.dropped,
		}
		if !state.lastPushAt.IsZero() {
			lastPush := state.lastPushAt
			peerStatus.LastPushAt = &lastPush
		}
		if !state.lastPullAt.IsZero() {
			lastPull := state.lastPullAt
			peerStatus.LastPullAt = &lastPull
		}
		status.Peers = append(status.Peers, peerStatus)
	}
	return status
}

func (m *Manager) isSubscribed(product string) bool {
	_, ok := m.subscribed[product]
	return ok
}

func (m *Manager) hasRoutes(product string) bool {
	for _, route := range m.routes {
		if route.TargetProduct == product {
			return true
		}
	}
	return false
}

func (m *Manager) pushTypes(product string) []string {
	types := make([]string, 0)
	seen := make(map[string]struct{})
	for _, route := range m.routes {
		if route.TargetProduct != product || !route.Direction.pushes() {
			continue
		}
		for _, entityType := range route.EntityTypes {
			if _, ok := seen[entityType]; ok {
				continue
			}
			seen[entityType] = struct{}{}
			types = append(types, entityType)
		}
	}
	return types
}

func (m *Manager) pullsFrom(product string) bool {
	for _, route := range m.routes {
		if route.TargetProduct == product && route.Direction.pulls() {
			return true
		}
	}
	return false
}

// keyFor returns the HMAC key shared with a peer product.
func (m *Manager) keyFor(product string) string {
	if peer, ok := m.peers[product]; ok && strings.TrimSpace(peer.Key) != "" {
		return peer.Key
	}
	return m.sharedKey
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
