// Package httpapi exposes ingestion and run control over HTTP.
//
//	POST /api/v1/mails    ingest one batch (202, 409 when suspended, 503 when busy)
//	GET  /api/v1/status   lifecycle state, totals, cache occupancy, tasks
//	GET  /api/v1/history  delivered notifications, newest first
//	PUT  /api/v1/watcher  {"watching": true|false}
//	GET  /healthz
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mailrelay/internal/credential"
	"mailrelay/internal/dispatch"
	"mailrelay/internal/feed"
	"mailrelay/internal/lifecycle"
	"mailrelay/internal/mail"
	rtsup "mailrelay/internal/runtime/supervisor"
	logx "mailrelay/pkg/logx"
)

type Config struct {
	Addr string
	// Token is a credential reference. Empty disables authentication.
	Token           string
	ShutdownTimeout time.Duration
}

// Controller is the lifecycle surface the API drives.
type Controller interface {
	State() lifecycle.State
	Accepting() bool
	Prepare(ctx context.Context) error
	Run() (*feed.Subscription, error)
	Suspend() bool
	LastLoadError() error
}

// Stats is the read side of the dispatch service.
type Stats interface {
	Totals() dispatch.Totals
	CacheStats() (size, capacity int)
	History() []dispatch.HistoryItem
}

type Server struct {
	cfg    Config
	engine *gin.Engine
	hub    feed.Publisher
	ctl    Controller
	stats  Stats
	tasks  func() []rtsup.TaskStats
	log    logx.Logger
}

// New builds the router. tasks may be nil.
func New(cfg Config, hub feed.Publisher, ctl Controller, stats Stats, tasks func() []rtsup.TaskStats, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	token := ""
	if cfg.Token != "" {
		t, err := credential.Resolve(cfg.Token)
		if err != nil {
			return nil, err
		}
		token = t
	} else {
		log.Warn("http api has no token; requests are not authenticated")
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, engine: gin.New(), hub: hub, ctl: ctl, stats: stats, tasks: tasks, log: log}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	api := s.engine.Group("/api/v1")
	api.Use(authMiddleware(token))
	api.POST("/mails", s.postMails)
	api.GET("/status", s.getStatus)
	api.GET("/history", s.getHistory)
	api.PUT("/watcher", s.putWatcher)
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func authMiddleware(token string) gin.HandlerFunc {
	want := "Bearer " + token
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) postMails(c *gin.Context) {
	var b mail.Batch
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Source == "" {
		b.Source = "http"
	}
	err := s.hub.Publish(c.Request.Context(), b)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"batch_id": b.ID, "records": len(b.Records)})
	case errors.Is(err, feed.ErrNoListener):
		c.JSON(http.StatusConflict, gin.H{"error": "relay is not running", "state": s.ctl.State().String()})
	case errors.Is(err, feed.ErrBusy):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) getStatus(c *gin.Context) {
	size, capacity := s.stats.CacheStats()
	resp := gin.H{
		"state":     s.ctl.State().String(),
		"accepting": s.ctl.Accepting(),
		"totals":    s.stats.Totals(),
		"cache":     gin.H{"size": size, "capacity": capacity},
	}
	if err := s.ctl.LastLoadError(); err != nil {
		resp["load_error"] = err.Error()
	}
	if s.tasks != nil {
		resp["tasks"] = s.tasks()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getHistory(c *gin.Context) {
	items := s.stats.History()
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if n < len(items) {
			items = items[:n]
		}
	}
	c.JSON(http.StatusOK, items)
}

type watcherRequest struct {
	Watching *bool `json:"watching" binding:"required"`
}

func (s *Server) putWatcher(c *gin.Context) {
	var req watcherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !*req.Watching {
		s.ctl.Suspend()
		c.JSON(http.StatusOK, gin.H{"watching": false, "state": s.ctl.State().String()})
		return
	}
	if s.ctl.State() < lifecycle.Prepared {
		if err := s.ctl.Prepare(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "state": s.ctl.State().String()})
			return
		}
	}
	if _, err := s.ctl.Run(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": s.ctl.State().String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watching": true, "state": s.ctl.State().String()})
}
