package livehttp

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"sniper/internal/engine"
	"sniper/internal/regime"
	"sniper/internal/store/gormstore"
	"sniper/internal/store/verdictlog"
	"sniper/internal/watchlist"
)

// Router 暴露引擎运行状态的查询接口。
type Router struct {
	watchlist  *watchlist.Store
	blacklist  *watchlist.Blacklist
	registry   *engine.Registry
	trades     *gormstore.Store
	verdicts   *verdictlog.Store
	classifier *regime.Classifier
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		watchlist:  cfg.Watchlist,
		blacklist:  cfg.Blacklist,
		registry:   cfg.Registry,
		trades:     cfg.Trades,
		verdicts:   cfg.Verdicts,
		classifier: cfg.Classifier,
	}
}

// Register 将状态路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/watchlist", r.handleWatchlist)
	group.GET("/blacklist", r.handleBlacklist)
	group.GET("/positions", r.handlePositions)
	group.GET("/trades", r.handleTrades)
	group.GET("/gate", r.handleGateAudits)
	group.GET("/regime", r.handleRegime)
	group.GET("/verdicts", r.handleVerdicts)
}

func (r *Router) handleWatchlist(c *gin.Context) {
	entries := r.watchlist.Snapshot()
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}

func (r *Router) handleBlacklist(c *gin.Context) {
	if r.blacklist == nil {
		c.JSON(http.StatusOK, gin.H{"count": 0, "entries": []any{}})
		return
	}
	entries := r.blacklist.Snapshot()
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}

func (r *Router) handlePositions(c *gin.Context) {
	positions := r.registry.Positions()
	// 序列化只拿快照，监护循环还在并发改同一个实例。
	views := make([]engine.PositionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, pos.View())
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "positions": views})
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "交易档案未启用"})
		return
	}
	limit := parseLimit(c, 100)
	trades, err := r.trades.ListTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "trades": trades})
}

func (r *Router) handleGateAudits(c *gin.Context) {
	if r.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计档案未启用"})
		return
	}
	limit := parseLimit(c, 100)
	audits, err := r.trades.ListGateAudits(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(audits), "audits": audits})
}

func (r *Router) handleRegime(c *gin.Context) {
	if r.classifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "情景分析未启用"})
		return
	}
	c.JSON(http.StatusOK, r.classifier.Analyze(c.Request.Context()))
}

func (r *Router) handleVerdicts(c *gin.Context) {
	if r.verdicts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "判定日志未启用"})
		return
	}
	symbol := strings.TrimSpace(c.Query("symbol"))
	limit := parseLimit(c, 50)
	records, err := r.verdicts.Recent(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "verdicts": records})
}

func parseLimit(c *gin.Context, fallback int) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", ""))
	if limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
