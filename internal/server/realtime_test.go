package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncqueue"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestStatusDispatcherPublishesToSubscribers(t *testing.T) {
	dispatcher := NewStatusDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.Publish(StatusMessage{EventType: StatusEventSync, Status: engine.StatusSyncing})

	for _, stream := range []<-chan StatusMessage{first, second} {
		select {
		case received := <-stream:
			if received.Status != engine.StatusSyncing || received.Timestamp.IsZero() {
				t.Fatalf("unexpected message %+v", received)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected status message within deadline")
		}
	}
}

func TestStatusDispatcherDropsForSlowSubscribers(t *testing.T) {
	dispatcher := NewStatusDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for index := 0; index < dispatcher.bufferSize*2; index++ {
		dispatcher.Publish(StatusMessage{EventType: StatusEventSync, Status: engine.StatusSynced})
	}
	if len(stream) != dispatcher.bufferSize {
		t.Fatalf("expected buffer to cap at %d, got %d", dispatcher.bufferSize, len(stream))
	}
}

func TestStatusDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewStatusDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type idleCloud struct{}

func (idleCloud) Push(context.Context, []syncwire.Entity) (syncwire.PushResponse, error) {
	return syncwire.PushResponse{}, nil
}

func (idleCloud) Pull(context.Context, time.Time, []string) (syncwire.PullResponse, error) {
	return syncwire.PullResponse{Timestamp: time.Now().UTC()}, nil
}

func (idleCloud) Heartbeat(context.Context, syncwire.HeartbeatRequest) (syncwire.HeartbeatResponse, error) {
	return syncwire.HeartbeatResponse{OK: true}, nil
}

func TestAttachForwardsModeAndStatusEvents(t *testing.T) {
	queue, err := syncqueue.Open(syncqueue.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	online := &atomic.Bool{}
	monitor, err := health.NewMonitor(health.Config{CloudProbe: func(context.Context) error {
		if online.Load() {
			return nil
		}
		return context.DeadlineExceeded
	}})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	syncEngine, err := engine.New(engine.Config{
		SiteID:  "site-001",
		Client:  idleCloud{},
		Queue:   queue,
		Monitor: monitor,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = syncEngine.Shutdown() })

	dispatcher := NewStatusDispatcher()
	dispatcher.Attach(syncEngine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	online.Store(true)
	monitor.PerformHealthCheck(context.Background())

	sawMode, sawSynced := false, false
	timeout := time.After(2 * time.Second)
	for !sawMode || !sawSynced {
		select {
		case message := <-stream:
			switch message.EventType {
			case StatusEventMode:
				if message.Mode != health.ModeEdge || message.PreviousMode != health.ModeStandalone {
					t.Fatalf("unexpected mode message %+v", message)
				}
				sawMode = true
			case StatusEventSync:
				if message.Status == engine.StatusSynced {
					sawSynced = true
				}
			}
		case <-timeout:
			t.Fatalf("missing events: mode=%v synced=%v", sawMode, sawSynced)
		}
	}
}

func TestStatusStreamSendsInitialStateAndEvents(t *testing.T) {
	fixture := newRouterFixture(t, zap.NewNop())
	dispatcher := NewStatusDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Engine:     fixture.engine,
		Health:     fixture.health,
		Sessions:   mustValidator(t),
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+fixture.token)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + apiPrefix + "/stream"
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial stream: %v (response %v)", err, response)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var initial StatusMessage
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if initial.Status != engine.StatusSynced || initial.Mode != health.ModeEdge {
		t.Fatalf("unexpected initial message %+v", initial)
	}

	// The subscription is registered before the initial write.
	dispatcher.Publish(StatusMessage{EventType: StatusEventUpgrade, Upgrade: &syncwire.UpgradeDirective{TargetVersion: "2.0.0"}})
	var upgrade StatusMessage
	if err := conn.ReadJSON(&upgrade); err != nil {
		t.Fatalf("read upgrade: %v", err)
	}
	if upgrade.EventType != StatusEventUpgrade || upgrade.Upgrade == nil || upgrade.Upgrade.TargetVersion != "2.0.0" {
		t.Fatalf("unexpected upgrade message %+v", upgrade)
	}
}

func TestStatusStreamRejectsAnonymousUpgrade(t *testing.T) {
	fixture := newRouterFixture(t, zap.NewNop())
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + apiPrefix + "/stream"
	_, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected anonymous dial to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", response)
	}
}

func mustValidator(t *testing.T) SessionValidator {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return validator
}
