package health

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/database"
)

var errProbeDown = errors.New("probe down")

type switchProbe struct {
	up atomic.Bool
}

func newSwitchProbe(up bool) *switchProbe {
	probe := &switchProbe{}
	probe.up.Store(up)
	return probe
}

func (p *switchProbe) Probe(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errProbeDown
}

func mustMonitor(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	monitor, err := NewMonitor(cfg)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	t.Cleanup(monitor.StopMonitoring)
	return monitor
}

func TestNewMonitorRequiresCloudProbe(t *testing.T) {
	if _, err := NewMonitor(Config{}); !errors.Is(err, ErrMissingCloudProbe) {
		t.Fatalf("expected missing cloud probe error, got %v", err)
	}
}

func TestInitialModeIsStandalone(t *testing.T) {
	monitor := mustMonitor(t, Config{CloudProbe: newSwitchProbe(true).Probe})
	if monitor.CurrentMode() != ModeStandalone {
		t.Fatalf("expected STANDALONE before first check, got %s", monitor.CurrentMode())
	}
	if _, ok := monitor.LastHealthCheck(); ok {
		t.Fatalf("expected no health check before the first evaluation")
	}
}

func TestModeFollowsCloudAndNotifiesOnTransition(t *testing.T) {
	cloud := newSwitchProbe(true)
	monitor := mustMonitor(t, Config{CloudProbe: cloud.Probe})

	type transition struct{ next, previous Mode }
	var transitions []transition
	monitor.OnModeChange(func(next, previous Mode) {
		transitions = append(transitions, transition{next: next, previous: previous})
	})

	result := monitor.PerformHealthCheck(context.Background())
	if result.OperatingMode != ModeEdge || monitor.CurrentMode() != ModeEdge {
		t.Fatalf("expected EDGE with reachable cloud, got %s", result.OperatingMode)
	}

	monitor.PerformHealthCheck(context.Background())
	if len(transitions) != 1 {
		t.Fatalf("expected a single transition for an unchanged mode, got %d", len(transitions))
	}

	cloud.up.Store(false)
	result = monitor.PerformHealthCheck(context.Background())
	if result.OperatingMode != ModeStandalone {
		t.Fatalf("expected STANDALONE after cloud loss, got %s", result.OperatingMode)
	}
	if len(transitions) != 2 {
		t.Fatalf("expected two transitions, got %d", len(transitions))
	}
	if transitions[1].next != ModeStandalone || transitions[1].previous != ModeEdge {
		t.Fatalf("unexpected transition %+v", transitions[1])
	}
}

func TestModeIgnoresDatabaseAndRedis(t *testing.T) {
	monitor := mustMonitor(t, Config{
		CloudProbe:    newSwitchProbe(true).Probe,
		DatabaseProbe: newSwitchProbe(false).Probe,
		RedisProbe:    newSwitchProbe(false).Probe,
	})
	result := monitor.PerformHealthCheck(context.Background())
	if result.OperatingMode != ModeEdge {
		t.Fatalf("expected EDGE regardless of local probes, got %s", result.OperatingMode)
	}
	if result.Overall != OverallDegraded {
		t.Fatalf("expected degraded overall, got %s", result.Overall)
	}
}

func TestOverallDerivation(t *testing.T) {
	testCases := []struct {
		cloud, database, redis bool
		want                   Overall
	}{
		{true, true, true, OverallHealthy},
		{true, true, false, OverallDegraded},
		{false, true, true, OverallDegraded},
		{true, false, true, OverallDegraded},
		{false, false, true, OverallUnhealthy},
		{false, false, false, OverallUnhealthy},
	}
	for _, testCase := range testCases {
		monitor := mustMonitor(t, Config{
			CloudProbe:    newSwitchProbe(testCase.cloud).Probe,
			DatabaseProbe: newSwitchProbe(testCase.database).Probe,
			RedisProbe:    newSwitchProbe(testCase.redis).Probe,
		})
		result := monitor.PerformHealthCheck(context.Background())
		if result.Overall != testCase.want {
			t.Fatalf("cloud=%v database=%v redis=%v: expected %s, got %s",
				testCase.cloud, testCase.database, testCase.redis, testCase.want, result.Overall)
		}
	}
}

func TestPanickingProbeCountsAsDown(t *testing.T) {
	monitor := mustMonitor(t, Config{
		CloudProbe: func(context.Context) error { panic("boom") },
	})
	if monitor.CheckCloudConnectivity(context.Background()) {
		t.Fatalf("expected panicking probe to report down")
	}
	result := monitor.PerformHealthCheck(context.Background())
	if result.Cloud || result.OperatingMode != ModeStandalone {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSlowProbeTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	monitor := mustMonitor(t, Config{
		CloudProbe: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		ProbeTimeout: 20 * time.Millisecond,
	})
	started := time.Now()
	if monitor.CheckCloudConnectivity(context.Background()) {
		t.Fatalf("expected timed out probe to report down")
	}
	if time.Since(started) > time.Second {
		t.Fatalf("probe timeout was not enforced")
	}
}

func TestPanickingCallbackDoesNotBlockOthers(t *testing.T) {
	monitor := mustMonitor(t, Config{CloudProbe: newSwitchProbe(true).Probe})
	var calls atomic.Int32
	monitor.OnModeChange(func(Mode, Mode) { panic("subscriber bug") })
	monitor.OnModeChange(func(Mode, Mode) { calls.Add(1) })

	monitor.PerformHealthCheck(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("expected second callback to run once, got %d", calls.Load())
	}
	if monitor.CurrentMode() != ModeEdge {
		t.Fatalf("expected state to survive a panicking callback")
	}
}

func TestStartMonitoringTwiceAndStopWhenIdle(t *testing.T) {
	var checks atomic.Int32
	monitor := mustMonitor(t, Config{CloudProbe: func(context.Context) error {
		checks.Add(1)
		return nil
	}})

	monitor.StopMonitoring()

	if err := monitor.StartMonitoring(0); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected invalid interval error, got %v", err)
	}
	if err := monitor.StartMonitoring(time.Hour); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := monitor.StartMonitoring(10 * time.Millisecond); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !monitor.Monitoring() {
		t.Fatalf("expected monitoring to be active")
	}

	deadline := time.Now().Add(2 * time.Second)
	for checks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if checks.Load() < 3 {
		t.Fatalf("expected repeated checks, got %d", checks.Load())
	}

	monitor.StopMonitoring()
	monitor.StopMonitoring()
	if monitor.Monitoring() {
		t.Fatalf("expected monitoring to be stopped")
	}
	settled := checks.Load()
	time.Sleep(30 * time.Millisecond)
	if checks.Load() != settled {
		t.Fatalf("expected no checks after stop")
	}
}

func TestConcurrentChecksSerialiseTransitions(t *testing.T) {
	monitor := mustMonitor(t, Config{CloudProbe: newSwitchProbe(true).Probe})
	var calls atomic.Int32
	monitor.OnModeChange(func(Mode, Mode) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.PerformHealthCheck(context.Background())
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one transition, got %d", calls.Load())
	}
}

func TestDatabaseProbePingsSQLite(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "probe.db"), database.Schema{}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	probe := DatabaseProbe(db)
	if err := probe(context.Background()); err != nil {
		t.Fatalf("expected ping to succeed: %v", err)
	}
	if err := database.Close(db); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := probe(context.Background()); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
	if err := DatabaseProbe(nil)(context.Background()); err == nil {
		t.Fatalf("expected nil handle to fail")
	}
}

func TestRedisProbeReportsUnreachableServer(t *testing.T) {
	client := NewRedisClient("127.0.0.1:1")
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := RedisProbe(client)(ctx); err == nil {
		t.Fatalf("expected unreachable redis to fail")
	}
}
