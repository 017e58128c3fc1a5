package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/clustr/internal/database"
	"github.com/loykin/clustr/internal/directory"
	"github.com/loykin/clustr/internal/query"
)

// Directory is the read side of the cluster directory the API exposes.
type Directory interface {
	Cluster() string
	Processes(ctx context.Context) ([]directory.Process, error)
	ProcessesByType(ctx context.Context, typ string) ([]directory.Process, error)
	Process() (directory.Process, bool)
	IsAlive(p directory.Process) bool
}

// Engine reports query engine occupancy.
type Engine interface {
	Stats() query.Stats
}

// Pool reports connection pool occupancy per storage type.
type Pool interface {
	StorageTypes() []string
	Stats(name string) (database.Stats, bool)
}

// Router provides embeddable read-only HTTP handlers for a node.
// Endpoints:
//
//	GET {basePath}/health
//	GET {basePath}/processes          query: type=... (optional)
//	GET {basePath}/processes/self
//	GET {basePath}/engine
//	GET {basePath}/storages
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	dir      Directory
	engine   Engine
	pool     Pool
	basePath string
}

// NewRouter constructs a Router. engine and pool may be nil.
func NewRouter(dir Directory, engine Engine, pool Pool, basePath string) *Router {
	return &Router{dir: dir, engine: engine, pool: pool, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/self", r.handleSelf)
	group.GET("/engine", r.handleEngine)
	group.GET("/storages", r.handleStorages)
	return g
}

// NewServer returns an unstarted HTTP server for this router.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// ProcessView is a directory record with its liveness at request time.
type ProcessView struct {
	directory.Process
	Alive bool `json:"alive"`
}

type processesResp struct {
	Cluster   string        `json:"cluster"`
	Processes []ProcessView `json:"processes"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProcesses(c *gin.Context) {
	typ := c.Query("type")
	if typ != "" && !isSafeName(typ) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid type: allowed [A-Za-z0-9._-]"})
		return
	}
	var (
		ps  []directory.Process
		err error
	)
	if typ == "" {
		ps, err = r.dir.Processes(c.Request.Context())
	} else {
		ps, err = r.dir.ProcessesByType(c.Request.Context(), typ)
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := processesResp{Cluster: r.dir.Cluster(), Processes: make([]ProcessView, 0, len(ps))}
	for _, p := range ps {
		out.Processes = append(out.Processes, ProcessView{Process: p, Alive: r.dir.IsAlive(p)})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleSelf(c *gin.Context) {
	p, ok := r.dir.Process()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "process not registered"})
		return
	}
	writeJSON(c, http.StatusOK, ProcessView{Process: p, Alive: r.dir.IsAlive(p)})
}

func (r *Router) handleEngine(c *gin.Context) {
	if r.engine == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "query engine not running"})
		return
	}
	writeJSON(c, http.StatusOK, r.engine.Stats())
}

func (r *Router) handleStorages(c *gin.Context) {
	out := make(map[string]database.Stats)
	if r.pool != nil {
		for _, name := range r.pool.StorageTypes() {
			if st, ok := r.pool.Stats(name); ok {
				out[name] = st
			}
		}
	}
	writeJSON(c, http.StatusOK, out)
}
