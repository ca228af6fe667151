package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/auth"
	"github.com/gin-gonic/gin"
)

const testPeerKey = "lan-peer-key"

type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectingSink) receive(_ context.Context, events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *collectingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	host, portText, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

// startPeer runs a receiving manager for product behind an httptest server.
func startPeer(t *testing.T, product string, sink *collectingSink) (*Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	manager, err := NewManager(Config{
		Product:            product,
		Peers:              []Peer{{Product: "safeschool", Host: "127.0.0.1", Port: 1, Key: testPeerKey}},
		SubscribedProducts: []string{"safeschool"},
		LocalSink:          sink.receive,
	})
	if err != nil {
		t.Fatalf("new peer manager: %v", err)
	}
	router := gin.New()
	manager.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return manager, server
}

func newLocalManager(t *testing.T, peers []Peer, routes []Route, subscribed []string) *Manager {
	t.Helper()
	manager, err := NewManager(Config{
		Product:            "safeschool",
		Peers:              peers,
		Routes:             routes,
		SubscribedProducts: subscribed,
		OutboxCapacity:     2,
		AnalyticsCapacity:  3,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Shutdown)
	return manager
}

func peerStatus(t *testing.T, manager *Manager, product string) PeerStatus {
	t.Helper()
	for _, status := range manager.Status().Peers {
		if status.Product == product {
			return status
		}
	}
	t.Fatalf("peer %s not found in status", product)
	return PeerStatus{}
}

func TestPushDeliversRoutedEventsToSubscribedPeer(t *testing.T) {
	sink := &collectingSink{}
	_, server := startPeer(t, "accessiq", sink)
	host, port := hostPort(t, server.URL)
	local := newLocalManager(t,
		[]Peer{{Product: "accessiq", Host: host, Port: port, Key: testPeerKey}},
		[]Route{{TargetProduct: "accessiq", EntityTypes: []string{"alert", "door"}, Direction: DirectionBoth}},
		[]string{"accessiq"})

	accepted := local.OnConnectorEvents("panic-button", []Event{
		{Type: "alert", Data: json.RawMessage(`{"level":"high"}`)},
		{Type: "visitor"},
		{Type: "door"},
		{Type: "alert", FederatedFrom: "visitorhub"},
	})
	if accepted != 3 {
		t.Fatalf("expected federated event to be filtered, accepted %d", accepted)
	}

	local.PushOnce(context.Background())

	received := sink.snapshot()
	if len(received) != 2 {
		t.Fatalf("expected 2 routed events, got %d", len(received))
	}
	for _, event := range received {
		if event.FederatedFrom != "safeschool" || event.FederatedAt == nil {
			t.Fatalf("expected inbound tagging, got %+v", event)
		}
		if event.Source != "panic-button" || event.ID == "" {
			t.Fatalf("expected source and id to be preserved, got %+v", event)
		}
	}
	status := peerStatus(t, local, "accessiq")
	if !status.Reachable || status.Outbox != 0 || status.LastPushAt == nil {
		t.Fatalf("unexpected peer status %+v", status)
	}
}

func TestPushSkipsGatedPeersAndEmptyBatches(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	host, port := hostPort(t, server.URL)
	peers := []Peer{{Product: "accessiq", Host: host, Port: port}}
	routes := []Route{{TargetProduct: "accessiq", EntityTypes: []string{"door"}, Direction: DirectionPush}}

	gated := newLocalManager(t, peers, routes, nil)
	gated.OnConnectorEvents("locks", []Event{{Type: "door"}})
	gated.PushOnce(context.Background())
	if requests.Load() != 0 {
		t.Fatalf("expected no request to an unsubscribed peer")
	}
	if status := peerStatus(t, gated, "accessiq"); !status.GatedBySubscription || status.Subscribed {
		t.Fatalf("expected peer to be gated, got %+v", status)
	}

	subscribed := newLocalManager(t, peers, routes, []string{"accessiq"})
	subscribed.OnConnectorEvents("cameras", []Event{{Type: "visitor"}})
	subscribed.PushOnce(context.Background())
	if requests.Load() != 0 {
		t.Fatalf("expected no request when no event matches the route")
	}
}

func TestPushFailureKeepsBoundedOutboxAndOtherPeersProceed(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	downHost, downPort := hostPort(t, down.URL)
	down.Close()

	sink := &collectingSink{}
	_, server := startPeer(t, "accessiq", sink)
	upHost, upPort := hostPort(t, server.URL)

	local := newLocalManager(t,
		[]Peer{
			{Product: "visitorhub", Host: downHost, Port: downPort, Key: testPeerKey},
			{Product: "accessiq", Host: upHost, Port: upPort, Key: testPeerKey},
		},
		[]Route{
			{TargetProduct: "visitorhub", EntityTypes: []string{"alert"}, Direction: DirectionPush},
			{TargetProduct: "accessiq", EntityTypes: []string{"alert"}, Direction: DirectionPush},
		},
		[]string{"visitorhub", "accessiq"})

	local.OnConnectorEvents("panic-button", []Event{{Type: "alert"}, {Type: "alert"}, {Type: "alert"}})
	local.PushOnce(context.Background())

	failed := peerStatus(t, local, "visitorhub")
	if failed.Reachable || failed.LastError == "" {
		t.Fatalf("expected unreachable peer, got %+v", failed)
	}
	if failed.Outbox != 2 || failed.Dropped != 1 {
		t.Fatalf("expected outbox bounded at 2 with 1 dropped, got %+v", failed)
	}
	if len(sink.snapshot()) != 2 {
		t.Fatalf("expected healthy peer to receive its events, got %d", len(sink.snapshot()))
	}
}

func TestHandleInboundEventsSeparatesAnalyticsAndRunsHandlers(t *testing.T) {
	local := newLocalManager(t, nil, nil, nil)
	local.RegisterHandler(func(_ context.Context, event Event) ([]Event, error) {
		if event.Type == "door" {
			return []Event{{Type: "analytics.door_usage"}}, nil
		}
		return nil, errors.New("unsupported")
	})
	local.RegisterHandler(func(context.Context, Event) ([]Event, error) { panic("translator bug") })

	returned := local.HandleInboundEvents(context.Background(), "accessiq", []Event{
		{Type: "analytics.occupancy"},
		{Type: "analytics"},
		{Type: "door"},
		{Type: "analyticsish"},
	})
	if len(returned) != 2 {
		t.Fatalf("expected 2 non-analytics events, got %d", len(returned))
	}
	for _, event := range returned {
		if event.FederatedFrom != "accessiq" {
			t.Fatalf("expected origin tag, got %+v", event)
		}
	}

	analytics := local.Analytics(nil)
	if len(analytics) != 3 {
		t.Fatalf("expected analytics including handler output, got %d", len(analytics))
	}
	last := analytics[len(analytics)-1]
	if last.Type != "analytics.door_usage" || last.Source != "safeschool" || last.FederatedFrom != "" {
		t.Fatalf("unexpected handler output %+v", last)
	}
	if status := local.Status(); status.PendingEvents != 1 {
		t.Fatalf("expected handler output queued for forwarding, got %d", status.PendingEvents)
	}

	local.HandleInboundEvents(context.Background(), "accessiq", []Event{{Type: "analytics.a"}, {Type: "analytics.b"}})
	analytics = local.Analytics(nil)
	if len(analytics) != 3 || analytics[2].Type != "analytics.b" {
		t.Fatalf("expected ring to evict oldest entries, got %+v", analytics)
	}

	future := time.Now().Add(time.Hour)
	if len(local.Analytics(&future)) != 0 {
		t.Fatalf("expected since filter to exclude older events")
	}
}

func TestHandlerOutputsSkipOriginatingPeer(t *testing.T) {
	originSink := &collectingSink{}
	_, originServer := startPeer(t, "accessiq", originSink)
	originHost, originPort := hostPort(t, originServer.URL)
	otherSink := &collectingSink{}
	_, otherServer := startPeer(t, "visitorhub", otherSink)
	otherHost, otherPort := hostPort(t, otherServer.URL)

	local := newLocalManager(t,
		[]Peer{
			{Product: "accessiq", Host: originHost, Port: originPort, Key: testPeerKey},
			{Product: "visitorhub", Host: otherHost, Port: otherPort, Key: testPeerKey},
		},
		[]Route{
			{TargetProduct: "accessiq", EntityTypes: []string{"derived"}, Direction: DirectionPush},
			{TargetProduct: "visitorhub", EntityTypes: []string{"derived"}, Direction: DirectionPush},
		},
		[]string{"accessiq", "visitorhub"})
	local.RegisterHandler(func(_ context.Context, event Event) ([]Event, error) {
		return []Event{{Type: "derived", Data: json.RawMessage(`{"from":"` + event.Type + `"}`)}}, nil
	})

	local.HandleInboundEvents(context.Background(), "accessiq", []Event{{Type: "door"}})
	local.PushOnce(context.Background())

	if received := originSink.snapshot(); len(received) != 0 {
		t.Fatalf("expected no echo to the originating peer, got %+v", received)
	}
	received := otherSink.snapshot()
	if len(received) != 1 || received[0].Type != "derived" {
		t.Fatalf("expected derived event forwarded to the other peer, got %+v", received)
	}
	if status := peerStatus(t, local, "accessiq"); status.Outbox != 0 {
		t.Fatalf("expected empty outbox for originating peer, got %+v", status)
	}

	local.OnConnectorEvents("locks", []Event{{Type: "derived"}})
	local.PushOnce(context.Background())
	if received := originSink.snapshot(); len(received) != 1 {
		t.Fatalf("expected local events to still reach the peer, got %d", len(received))
	}
}

func TestPullImportsPeerAnalytics(t *testing.T) {
	remote, server := startPeer(t, "accessiq", &collectingSink{})
	remote.HandleInboundEvents(context.Background(), "visitorhub", []Event{{Type: "analytics.occupancy"}})
	host, port := hostPort(t, server.URL)

	local := newLocalManager(t,
		[]Peer{{Product: "accessiq", Host: host, Port: port, Key: testPeerKey}},
		[]Route{{TargetProduct: "accessiq", EntityTypes: []string{"analytics"}, Direction: DirectionPull}},
		[]string{"accessiq"})

	local.PullOnce(context.Background())

	analytics := local.Analytics(nil)
	if len(analytics) != 1 || analytics[0].FederatedFrom != "accessiq" {
		t.Fatalf("expected pulled analytics tagged with origin, got %+v", analytics)
	}
	status := peerStatus(t, local, "accessiq")
	if !status.Reachable || status.LastPullAt == nil || !status.Pulls {
		t.Fatalf("unexpected peer status %+v", status)
	}
}

func TestPullCursorFollowsPeerClock(t *testing.T) {
	// The peer runs an hour behind the local appliance.
	peerTime := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	localTime := peerTime.Add(time.Hour)

	var mu sync.Mutex
	var sinceValues []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinceValues = append(sinceValues, r.URL.Query().Get("since"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AnalyticsResponse{Events: []Event{}, Timestamp: peerTime})
	}))
	defer server.Close()
	host, port := hostPort(t, server.URL)

	local, err := NewManager(Config{
		Product:            "safeschool",
		Peers:              []Peer{{Product: "accessiq", Host: host, Port: port, Key: testPeerKey}},
		Routes:             []Route{{TargetProduct: "accessiq", EntityTypes: []string{"analytics"}, Direction: DirectionPull}},
		SubscribedProducts: []string{"accessiq"},
		Clock:              func() time.Time { return localTime },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(local.Shutdown)

	local.PullOnce(context.Background())
	status := peerStatus(t, local, "accessiq")
	if status.LastPullAt == nil || !status.LastPullAt.Equal(peerTime) {
		t.Fatalf("expected cursor from peer clock, got %v", status.LastPullAt)
	}

	local.PullOnce(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(sinceValues) != 2 || sinceValues[1] != peerTime.Format(time.RFC3339Nano) {
		t.Fatalf("expected second pull since the peer timestamp, got %v", sinceValues)
	}
}

func TestFederationRoutesRejectBadSignatures(t *testing.T) {
	_, server := startPeer(t, "accessiq", &collectingSink{})
	body := []byte(`{"source":"safeschool","events":[]}`)

	send := func(product string, timestamp time.Time, key string) int {
		request, err := http.NewRequest(http.MethodPost, server.URL+PathPush, strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		request.Header.Set(auth.HeaderSyncKey, product)
		stamp := auth.FormatTimestamp(timestamp)
		request.Header.Set(auth.HeaderSyncTimestamp, stamp)
		request.Header.Set(auth.HeaderSyncSignature, auth.Sign([]byte(key), stamp, http.MethodPost, PathPush, body))
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		response.Body.Close()
		return response.StatusCode
	}

	if status := send("safeschool", time.Now(), testPeerKey); status != http.StatusOK {
		t.Fatalf("expected valid request to pass, got %d", status)
	}
	if status := send("safeschool", time.Now().Add(-10*time.Minute), testPeerKey); status != http.StatusUnauthorized {
		t.Fatalf("expected stale timestamp rejection, got %d", status)
	}
	if status := send("safeschool", time.Now(), "wrong-key"); status != http.StatusUnauthorized {
		t.Fatalf("expected bad signature rejection, got %d", status)
	}
	if status := send("intruder", time.Now(), testPeerKey); status != http.StatusUnauthorized {
		t.Fatalf("expected unknown product rejection, got %d", status)
	}
}

func TestFederationRoutesGateUnsubscribedSenders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager, err := NewManager(Config{
		Product:   "accessiq",
		SharedKey: testPeerKey,
		Peers:     []Peer{{Product: "safeschool", Host: "127.0.0.1", Port: 1}},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	router := gin.New()
	manager.RegisterRoutes(router)

	request := httptest.NewRequest(http.MethodGet, PathAnalytics, nil)
	stamp := auth.FormatTimestamp(time.Now())
	request.Header.Set(auth.HeaderSyncKey, "safeschool")
	request.Header.Set(auth.HeaderSyncTimestamp, stamp)
	request.Header.Set(auth.HeaderSyncSignature, auth.Sign([]byte(testPeerKey), stamp, http.MethodGet, PathAnalytics, nil))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unsubscribed sender, got %d", recorder.Code)
	}
}

func TestStartAndShutdownAreIdempotent(t *testing.T) {
	manager := newLocalManager(t, nil, nil, nil)
	if err := manager.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !manager.Status().Running {
		t.Fatalf("expected running status")
	}
	manager.Shutdown()
	manager.Shutdown()
	if manager.Status().Running {
		t.Fatalf("expected stopped status")
	}
	if err := manager.Start(); !errors.Is(err, ErrManagerShutdown) {
		t.Fatalf("expected start after shutdown to fail, got %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "federation.yaml")
	document := `
product: safeschool
shared_key: lan-secret
products: [accessiq]
push_interval: 3s
peers:
  - product: accessiq
    host: 10.0.0.5
    port: 7443
routes:
  - target_product: accessiq
    entity_types: [alert, door]
    direction: both
`
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PushInterval != 3*time.Second || len(cfg.Peers) != 1 || cfg.Routes[0].Direction != DirectionBoth {
		t.Fatalf("unexpected config %+v", cfg)
	}
	merged := ConfigFromFile(cfg, nil)
	if len(merged.SubscribedProducts) != 1 || merged.SubscribedProducts[0] != "accessiq" {
		t.Fatalf("expected file products as subscription fallback, got %v", merged.SubscribedProducts)
	}

	invalid := strings.Replace(document, "direction: both", "direction: sideways", 1)
	if err := os.WriteFile(path, []byte(invalid), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfigFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid direction error, got %v", err)
	}
}
