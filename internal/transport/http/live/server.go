package livehttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sniper/internal/engine"
	"sniper/internal/logger"
	"sniper/internal/regime"
	"sniper/internal/store/gormstore"
	"sniper/internal/store/verdictlog"
	"sniper/internal/watchlist"
)

// Server 提供只读状态接口：观察列表、仓位、交易档案、情景与判定日志。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述状态服务的依赖。
type ServerConfig struct {
	Addr       string
	Watchlist  *watchlist.Store
	Blacklist  *watchlist.Blacklist
	Registry   *engine.Registry
	Trades     *gormstore.Store
	Verdicts   *verdictlog.Store
	Classifier *regime.Classifier
}

// NewServer 构建状态 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Watchlist == nil || cfg.Registry == nil {
		return nil, errors.New("live http server requires watchlist and registry")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8087"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	NewRouter(cfg).Register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录接口调用，便于追踪人工查询。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
