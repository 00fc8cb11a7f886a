package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshRegistry resets the registration gate so the test owns a clean registry.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	require.NoError(t, Register(reg))

	IncSpawn("backend")
	IncSpawn("backend")
	IncCrash("backend")
	IncKill("backend")
	SetRunning("backend", true)
	ObserveStartDuration("backend", 1.25)
	IncHealthAttempt("backend", false)
	ObserveHealthWait("backend", 0.5, true)
	IncProvision("pull", true)
	SetOrchestratorState("running", []string{"idle", "running"})
	IncEventPublished("backend_started")
	IncEventDropped()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"nodevisor_process_spawns_total":           false,
		"nodevisor_process_crashes_total":          false,
		"nodevisor_process_kills_total":            false,
		"nodevisor_process_running":                false,
		"nodevisor_process_start_duration_seconds": false,
		"nodevisor_health_attempts_total":          false,
		"nodevisor_health_wait_seconds":            false,
		"nodevisor_model_provisions_total":         false,
		"nodevisor_orchestrator_state":             false,
		"nodevisor_events_published_total":         false,
		"nodevisor_events_dropped_total":           false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected metric %s", n)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(processSpawns.WithLabelValues("backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(orchestratorState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(orchestratorState.WithLabelValues("idle")))
}

func TestHandlerServesMetrics(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncSpawn("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "nodevisor_process_spawns_total"))
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncSpawn("c")
			IncKill("c")
			IncEventDropped()
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 50.0, testutil.ToFloat64(processKills.WithLabelValues("c")))
}

func TestMetricsBeforeRegister(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	IncSpawn("test")
	IncCrash("test")
	IncKill("test")
	SetRunning("test", false)
	ObserveStartDuration("test", 1.0)
	IncHealthAttempt("test", true)
	ObserveHealthWait("test", 1, false)
	IncProvision("create", false)
	SetOrchestratorState("idle", []string{"idle"})
	IncEventPublished("x")
	IncEventDropped()
}

func TestRegisterError(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	err := Register(errorRegisterer{})
	require.EqualError(t, err, "test registration error")
	assert.False(t, regOK.Load())
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (errorRegisterer) MustRegister(...prometheus.Collector) {}
func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestResourceCollector_SamplesSelf(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.Collect(context.Background(), map[string]int{"self": os.Getpid(), "gone": 0})
	latest := c.Latest()
	require.Contains(t, latest, "self")
	assert.NotContains(t, latest, "gone")
	assert.Greater(t, latest["self"].RSSBytes, uint64(0))
	assert.Equal(t, 1, testutil.CollectAndCount(c.rss))

	c.Collect(context.Background(), map[string]int{"self": 0})
	assert.Empty(t, c.Latest())
	assert.Equal(t, 0, testutil.CollectAndCount(c.rss))
}

func TestResourceCollector_DisabledIsInert(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{})
	require.NoError(t, c.Register(prometheus.NewRegistry()))
	c.Start(context.Background(), func() map[string]int { return nil })
	c.Stop()
}
