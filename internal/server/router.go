package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/nodevisor/internal/events"
	"github.com/loykin/nodevisor/internal/orchestrator"
	"github.com/loykin/nodevisor/internal/process"
	"github.com/loykin/nodevisor/internal/service"
)

// DefaultLogLines is returned by GET /logs when n is omitted.
const DefaultLogLines = 100

// Controller is the part of the orchestrator exposed over HTTP.
type Controller interface {
	Spawn(ctx context.Context) error
	Kill()
	Status() orchestrator.Status
	Options() service.Options
	SetOptions(partial service.Options) service.Options
	SetDefaultOptions() service.Options
	RemoveStorage(preserveIdentity bool) error
	LastNLogs(n int) []process.LogEntry
	ServiceLogs(name string, n int) ([]process.LogEntry, error)
	DefaultModel() string
	BackendURL() string
	Subscribe() *events.Subscription
}

// Router serves the control API.
// Endpoints, relative to basePath:
//
//	POST   /spawn             query: wait=true blocks until the stack is up
//	POST   /kill
//	GET    /status
//	GET    /options
//	PATCH  /options           body: partial Options JSON
//	POST   /options/defaults
//	DELETE /storage           query: preserve_identity=true|false
//	GET    /logs              query: n=100&service=backend|app-server
//	GET    /events            server-sent events
//	GET    /model/default
//	GET    /backend/url
type Router struct {
	ctl      Controller
	basePath string
	metrics  http.Handler
	log      *slog.Logger
}

type Option func(*Router)

// WithMetrics mounts h at /metrics outside the base path.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/spawn", r.handleSpawn)
	group.POST("/kill", r.handleKill)
	group.GET("/status", r.handleStatus)
	group.GET("/options", r.handleGetOptions)
	group.PATCH("/options", r.handlePatchOptions)
	group.POST("/options/defaults", r.handleDefaultOptions)
	group.DELETE("/storage", r.handleRemoveStorage)
	group.GET("/logs", r.handleLogs)
	group.GET("/events", r.handleEvents)
	group.GET("/model/default", r.handleDefaultModel)
	group.GET("/backend/url", r.handleBackendURL)
	return g
}

// NewServer listens on addr and serves the router in the background.
// WriteTimeout stays unset because /events streams indefinitely.
func NewServer(addr string, r *Router) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("api server stopped", "addr", ln.Addr().String(), "err", err)
		}
	}()
	return server, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type modelResp struct {
	Model string `json:"model"`
}

type urlResp struct {
	URL string `json:"url"`
}

func (r *Router) handleSpawn(c *gin.Context) {
	wait, err := boolQuery(c, "wait")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if !wait {
		// the request context ends with the response
		go func() {
			if err := r.ctl.Spawn(context.Background()); err != nil {
				r.log.Error("spawn failed", "err", err)
			}
		}()
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
		return
	}
	if err := r.ctl.Spawn(c.Request.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrAborted) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleKill(c *gin.Context) {
	r.ctl.Kill()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleGetOptions(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Options())
}

func (r *Router) handlePatchOptions(c *gin.Context) {
	var partial service.Options
	if err := c.ShouldBindJSON(&partial); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.ctl.SetOptions(partial))
}

func (r *Router) handleDefaultOptions(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.SetDefaultOptions())
}

func (r *Router) handleRemoveStorage(c *gin.Context) {
	preserve, err := boolQuery(c, "preserve_identity")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.ctl.RemoveStorage(preserve); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrStillRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	n := DefaultLogLines
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a non-negative integer"})
			return
		}
		n = v
	}
	name := c.Query("service")
	if name == "" {
		writeJSON(c, http.StatusOK, nonNil(r.ctl.LastNLogs(n)))
		return
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	logs, err := r.ctl.ServiceLogs(name, n)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, nonNil(logs))
}

func nonNil(logs []process.LogEntry) []process.LogEntry {
	if logs == nil {
		return []process.LogEntry{}
	}
	return logs
}

func (r *Router) handleEvents(c *gin.Context) {
	sub := r.ctl.Subscribe()
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(e.Kind), e)
			return true
		}
	})
}

func (r *Router) handleDefaultModel(c *gin.Context) {
	writeJSON(c, http.StatusOK, modelResp{Model: r.ctl.DefaultModel()})
}

func (r *Router) handleBackendURL(c *gin.Context) {
	writeJSON(c, http.StatusOK, urlResp{URL: r.ctl.BackendURL()})
}
