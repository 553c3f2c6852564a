package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gsward/internal/metrics"
	"github.com/loykin/gsward/internal/supervision"
)

// Supervised is the view of a supervision loop the HTTP surface needs.
type Supervised interface {
	Snapshot() supervision.Snapshot
	TriggerUpdate()
	TriggerBackup()
}

// Router provides embeddable HTTP handlers over the supervision loops.
// Endpoints:
//
//	GET  {basePath}/status        query: name=... (optional; all servers when empty)
//	POST {basePath}/update        query: name=... (queues a forced update cycle)
//	POST {basePath}/backup        query: name=... (queues a backup)
//	GET  /healthz
//	GET  /metrics
//
// Update and backup are accepted, not executed inline: the loop drains the
// request on its next tick under the usual single-flight rules.
type Router struct {
	loops    map[string]Supervised
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
// Example basePath: "/api" results in /api/status, /api/update, /api/backup.
func NewRouter(loops map[string]Supervised, basePath string) *Router {
	return &Router{loops: loops, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/update", r.handleUpdate)
	group.POST("/backup", r.handleBackup)
	g.GET("/healthz", r.handleHealthz)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down via http.Server's Shutdown or Close.
func NewServer(addr, basePath string, loops map[string]Supervised) *http.Server {
	r := NewRouter(loops, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type acceptedResp struct {
	Accepted bool   `json:"accepted"`
	Server   string `json:"server"`
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name != "" {
		l, ok := r.loops[name]
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server: " + name})
			return
		}
		writeJSON(c, http.StatusOK, l.Snapshot())
		return
	}
	names := make([]string, 0, len(r.loops))
	for n := range r.loops {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]supervision.Snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, r.loops[n].Snapshot())
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleUpdate(c *gin.Context) {
	l, name, ok := r.lookup(c)
	if !ok {
		return
	}
	l.TriggerUpdate()
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, Server: name})
}

func (r *Router) handleBackup(c *gin.Context) {
	l, name, ok := r.lookup(c)
	if !ok {
		return
	}
	l.TriggerBackup()
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, Server: name})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok", "servers": len(r.loops)})
}

func (r *Router) lookup(c *gin.Context) (Supervised, string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return nil, "", false
	}
	l, ok := r.loops[name]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server: " + name})
		return nil, "", false
	}
	return l, name, true
}
