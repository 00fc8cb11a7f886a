package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/nodevisor/internal/events"
	"github.com/loykin/nodevisor/internal/orchestrator"
	"github.com/loykin/nodevisor/internal/process"
	"github.com/loykin/nodevisor/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCtl struct {
	mu         sync.Mutex
	spawns     atomic.Int32
	kills      atomic.Int32
	spawnErr   error
	storageErr error
	preserve   *bool
	opts       service.Options
	logs       []process.LogEntry
	bus        *events.Bus
}

func newFakeCtl() *fakeCtl {
	return &fakeCtl{
		bus: events.NewBus(8),
		opts: service.Options{
			Backend:   service.DefaultBackendOptions(),
			AppServer: service.DefaultAppServerOptions("/tmp/storage"),
		},
	}
}

func (f *fakeCtl) Spawn(context.Context) error {
	f.spawns.Add(1)
	return f.spawnErr
}

func (f *fakeCtl) Kill() { f.kills.Add(1) }

func (f *fakeCtl) Status() orchestrator.Status {
	return orchestrator.Status{State: orchestrator.Running, Running: true, DefaultModel: "llama3.2:1b"}
}

func (f *fakeCtl) Options() service.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

func (f *fakeCtl) SetOptions(p service.Options) service.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = f.opts.Merge(p)
	return f.opts
}

func (f *fakeCtl) SetDefaultOptions() service.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = service.Options{Backend: service.DefaultBackendOptions(), AppServer: service.DefaultAppServerOptions("/tmp/storage")}
	return f.opts
}

func (f *fakeCtl) RemoveStorage(preserve bool) error {
	f.preserve = &preserve
	return f.storageErr
}

func (f *fakeCtl) LastNLogs(n int) []process.LogEntry {
	if n > 0 && len(f.logs) > n {
		return f.logs[len(f.logs)-n:]
	}
	return f.logs
}

func (f *fakeCtl) ServiceLogs(name string, n int) ([]process.LogEntry, error) {
	if name != service.BackendName && name != service.AppServerName {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	var out []process.LogEntry
	for _, e := range f.LastNLogs(0) {
		if e.Process == name {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCtl) DefaultModel() string            { return "llama3.2:1b" }
func (f *fakeCtl) BackendURL() string              { return "http://127.0.0.1:11435" }
func (f *fakeCtl) Subscribe() *events.Subscription { return f.bus.Subscribe() }

func setupRouter(t *testing.T, ctl Controller, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSpawnAsync(t *testing.T) {
	ctl := newFakeCtl()
	h := setupRouter(t, ctl, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/spawn", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool { return ctl.spawns.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSpawnWait(t *testing.T) {
	ctl := newFakeCtl()
	h := setupRouter(t, ctl, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/spawn?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[orchestrator.Status](t, rec)
	assert.Equal(t, orchestrator.Running, st.State)
	assert.EqualValues(t, 1, ctl.spawns.Load())
}

func TestSpawnWaitErrors(t *testing.T) {
	ctl := newFakeCtl()
	ctl.spawnErr = errors.New("backend failed")
	h := setupRouter(t, ctl, "")
	rec := doReq(t, h, http.MethodPost, "/spawn?wait=1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "backend failed")

	ctl.spawnErr = errors.Join(orchestrator.ErrAborted, errors.New("killed"))
	rec = doReq(t, h, http.MethodPost, "/spawn?wait=1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSpawnBadWait(t *testing.T) {
	h := setupRouter(t, newFakeCtl(), "")
	rec := doReq(t, h, http.MethodPost, "/spawn?wait=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKill(t *testing.T) {
	ctl := newFakeCtl()
	h := setupRouter(t, ctl, "")
	rec := doReq(t, h, http.MethodPost, "/kill", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[okResp](t, rec).OK)
	assert.EqualValues(t, 1, ctl.kills.Load())
}

func TestStatus(t *testing.T) {
	h := setupRouter(t, newFakeCtl(), "/base/")
	rec := doReq(t, h, http.MethodGet, "/base/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "running", m["state"])
	assert.Equal(t, true, m["running"])
}

func TestOptionsRoundTrip(t *testing.T) {
	ctl := newFakeCtl()
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodGet, "/options", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[service.Options](t, rec)
	assert.Equal(t, "127.0.0.1:11435", got.Backend.OllamaHost)

	patch := map[string]any{"backend": map[string]string{"ollama_num_parallel": "4"}}
	rec = doReq(t, h, http.MethodPatch, "/options", patch)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[service.Options](t, rec)
	assert.Equal(t, "4", got.Backend.OllamaNumParallel)
	assert.Equal(t, "127.0.0.1:11435", got.Backend.OllamaHost)

	rec = doReq(t, h, http.MethodPost, "/options/defaults", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", decode[service.Options](t, rec).Backend.OllamaNumParallel)
}

func TestPatchOptionsInvalidJSON(t *testing.T) {
	h := setupRouter(t, newFakeCtl(), "")
	req := httptest.NewRequest(http.MethodPatch, "/options", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveStorage(t *testing.T) {
	ctl := newFakeCtl()
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodDelete, "/storage?preserve_identity=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ctl.preserve)
	assert.True(t, *ctl.preserve)

	rec = doReq(t, h, http.MethodDelete, "/storage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *ctl.preserve)

	ctl.storageErr = service.ErrStillRunning
	rec = doReq(t, h, http.MethodDelete, "/storage", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/storage?preserve_identity=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogs(t *testing.T) {
	ctl := newFakeCtl()
	now := time.Now()
	for i := 0; i < 5; i++ {
		name := service.BackendName
		if i%2 == 1 {
			name = service.AppServerName
		}
		ctl.logs = append(ctl.logs, process.LogEntry{Timestamp: now.Add(time.Duration(i) * time.Millisecond), Process: name, Message: fmt.Sprintf("line %d", i)})
	}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodGet, "/logs?n=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]process.LogEntry](t, rec)
	require.Len(t, logs, 2)
	assert.Equal(t, "line 4", logs[1].Message)

	rec = doReq(t, h, http.MethodGet, "/logs", nil)
	assert.Len(t, decode[[]process.LogEntry](t, rec), 5)

	rec = doReq(t, h, http.MethodGet, "/logs?service=app-server", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]process.LogEntry](t, rec), 2)

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/logs?n=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/logs?service=../x", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/logs?service=db", nil).Code)
}

func TestModelAndBackendURL(t *testing.T) {
	h := setupRouter(t, newFakeCtl(), "/api")
	rec := doReq(t, h, http.MethodGet, "/api/model/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "llama3.2:1b", decode[modelResp](t, rec).Model)

	rec = doReq(t, h, http.MethodGet, "/api/backend/url", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://127.0.0.1:11435", decode[urlResp](t, rec).URL)
}

func TestMetricsMount(t *testing.T) {
	h := setupRouter(t, newFakeCtl(), "/api", WithMetrics(promhttp.Handler()))
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h = setupRouter(t, newFakeCtl(), "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics", nil).Code)
}

func TestEventsStream(t *testing.T) {
	ctl := newFakeCtl()
	srv := httptest.NewServer(setupRouter(t, ctl, "/api"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return ctl.bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	ctl.bus.Publish(events.Progress(events.PullingModelProgress, "llama3.2:1b", 42))

	sc := bufio.NewScanner(resp.Body)
	var kind, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if kind != "" && data != "" {
			break
		}
	}
	assert.Equal(t, string(events.PullingModelProgress), kind)
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "llama3.2:1b", e.Model)
	assert.InDelta(t, 42, e.Progress, 0.001)

	cancel()
	assert.Eventually(t, func() bool { return ctl.bus.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsEndsWhenBusCloses(t *testing.T) {
	ctl := newFakeCtl()
	srv := httptest.NewServer(setupRouter(t, ctl, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Eventually(t, func() bool { return ctl.bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	ctl.bus.Close()
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after bus close")
	}
}
