// Package server exposes the HTTP and websocket surface: pipeline run
// submission and inspection, the duplex progress stream, and operational
// endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"atlas/internal/chat"
	"atlas/internal/config"
	"atlas/internal/logging"
	"atlas/internal/pipeline"
	"atlas/internal/store"
	"atlas/internal/tasks"
	"atlas/internal/transport"
	"atlas/internal/tree"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	OrgID  string
}

// AuthFunc resolves a request to an identity. Authorization policy lives
// behind this seam; the default trusts gateway-injected headers.
type AuthFunc func(r *http.Request) (Identity, error)

// HeaderAuth trusts X-User-Id and X-Org-Id set by the fronting gateway.
func HeaderAuth(r *http.Request) (Identity, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return Identity{}, fmt.Errorf("missing X-User-Id")
	}
	return Identity{UserID: userID, OrgID: r.Header.Get("X-Org-Id")}, nil
}

// Server wires the orchestrators behind gin routes.
type Server struct {
	cfg    config.Config
	store  *store.Store
	hub    *transport.Hub
	tasks  *tasks.Registry
	auth   AuthFunc
	logger logging.Logger

	sqlPipe    *pipeline.SQLPipeline
	configPipe *pipeline.ConfigPipeline
	treePipe   *pipeline.TreePipeline
	proposer   *tree.Proposer
	chatOrch   *chat.Orchestrator

	upgrader websocket.Upgrader
	engine   *gin.Engine
	httpSrv  *http.Server
}

// Options carries the constructed orchestrators into the server.
type Options struct {
	Config     config.Config
	Store      *store.Store
	Hub        *transport.Hub
	Tasks      *tasks.Registry
	Auth       AuthFunc
	SQLPipe    *pipeline.SQLPipeline
	ConfigPipe *pipeline.ConfigPipeline
	TreePipe   *pipeline.TreePipeline
	Proposer   *tree.Proposer
	Chat       *chat.Orchestrator
	Logger     logging.Logger
}

// New builds the server and its route table.
func New(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = HeaderAuth
	}
	s := &Server{
		cfg:        opts.Config,
		store:      opts.Store,
		hub:        opts.Hub,
		tasks:      opts.Tasks,
		auth:       opts.Auth,
		logger:     logging.OrNop(opts.Logger),
		sqlPipe:    opts.SQLPipe,
		configPipe: opts.ConfigPipe,
		treePipe:   opts.TreePipe,
		proposer:   opts.Proposer,
		chatOrch:   opts.Chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.hub.SetHandler(s)
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-User-Id", "X-Org-Id"},
		AllowCredentials: false,
	}))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.handleWebsocket)

	api := r.Group("/api", s.requireAuth)
	{
		api.GET("/tasks", s.handleListTasks)

		sql := api.Group("/sql")
		sql.POST("/extractions", s.handleStartSQLExtraction)
		sql.GET("/extractions", s.handleListSQLExtractions)
		sql.GET("/extractions/:id", s.handleGetSQLExtraction)
		sql.POST("/extractions/:id/cancel", s.cancelHandler(pipeline.PipelineSQLExtraction))
		sql.POST("/analyses", s.handleStartSQLAnalysis)
		sql.GET("/analyses/:id", s.handleGetSQLAnalysis)
		sql.DELETE("/analyses/:id", s.handleDeleteSQLAnalysis)
		sql.POST("/analyses/:id/cancel", s.cancelHandler(pipeline.PipelineSQLAnalysis))

		cfgGroup := api.Group("/config")
		cfgGroup.POST("/extractions", s.handleStartConfigExtraction)
		cfgGroup.GET("/extractions/:id", s.handleGetConfigExtraction)
		cfgGroup.POST("/extractions/:id/cancel", s.cancelHandler(pipeline.PipelineConfigExtraction))
		cfgGroup.POST("/analyses", s.handleStartConfigAnalysis)
		cfgGroup.GET("/analyses/:id", s.handleGetConfigAnalysis)
		cfgGroup.POST("/analyses/:id/cancel", s.cancelHandler(pipeline.PipelineConfigAnalysis))

		treeGroup := api.Group("/tree")
		treeGroup.POST("/runs", s.handleStartTreeRun)
		treeGroup.GET("/runs/:id", s.handleGetTreeRun)
		treeGroup.POST("/runs/:id/cancel", s.cancelHandler(pipeline.PipelineContextTree))
		treeGroup.POST("/restructure", s.handleRestructure)

		docsGroup := api.Group("/docs")
		docsGroup.GET("", s.handleListDocs)
		docsGroup.POST("/:id/promote", s.handlePromoteDoc)
	}
	return r
}

// requireAuth resolves the identity once and stashes it in the gin context.
func (s *Server) requireAuth(c *gin.Context) {
	identity, err := s.auth(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Set("identity", identity)
	c.Next()
}

func identityFrom(c *gin.Context) Identity {
	v, _ := c.Get("identity")
	identity, _ := v.(Identity)
	return identity
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.hub.Connections(),
		"tasks":       s.tasks.Active(),
	})
}

// Run serves until ctx is cancelled, then drains tasks and connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	s.logger.Info("listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.tasks.CancelAll(30 * time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
