package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/NewsHub/internal/hub"
	"github.com/LJTian/NewsHub/internal/orchestrator"
	"github.com/LJTian/NewsHub/internal/storage"
)

// ArticleReader 是只读接口依赖的存储能力，拆成接口便于在测试里替换
type ArticleReader interface {
	ListArticles(ctx context.Context, opt storage.ListOptions) (*storage.ArticleList, error)
	GetArticle(ctx context.Context, id uint) (*storage.Article, error)
	LatestArticles(ctx context.Context, limit int) ([]storage.ArticleView, error)
	Stats(ctx context.Context) (*storage.ArticleStats, error)
	Health(ctx context.Context) *storage.HealthStatus
}

// Trigger 触发一轮采集
type Trigger interface {
	Run(ctx context.Context, sources []string) (*orchestrator.RunResult, error)
}

type Server struct {
	store  ArticleReader
	runner Trigger
	hub    *hub.Hub

	// 基本认证凭据，留空表示接口全开放
	user string
	pass string
}

func NewServer(store ArticleReader, runner Trigger, h *hub.Hub, user, pass string) *Server {
	return &Server{store: store, runner: runner, hub: h, user: user, pass: pass}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	// 健康检查和 WebSocket 不走认证：探活器和浏览器握手都带不了凭据
	r.GET("/health", s.health)
	r.GET("/ws", s.serveWS)

	v1 := r.Group("/api/v1")
	if s.user != "" && s.pass != "" {
		v1.Use(basicAuth(s.user, s.pass))
	}
	{
		v1.GET("/articles", s.listArticles)
		v1.GET("/articles/latest", s.latestArticles)
		v1.GET("/articles/stats", s.articleStats)
		v1.GET("/articles/:id", s.getArticle)
		v1.POST("/articles/scrape", s.triggerScrape)
	}
}

func (s *Server) health(c *gin.Context) {
	h := s.store.Health(c.Request.Context())
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) serveWS(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "unavailable",
			"message": "realtime updates disabled",
		})
		return
	}
	s.hub.ServeWS(c.Writer, c.Request)
}

func (s *Server) listArticles(c *gin.Context) {
	opt := storage.ListOptions{
		Source:   c.Query("source"),
		Search:   c.Query("search"),
		Page:     intQuery(c, "page", 1),
		PageSize: intQuery(c, "page_size", 20),
	}
	if v := c.Query("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, "bad_request", "invalid date_from, want RFC3339")
			return
		}
		opt.DateFrom = t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, "bad_request", "invalid date_to, want RFC3339")
			return
		}
		opt.DateTo = t
	}

	list, err := s.store.ListArticles(c.Request.Context(), opt)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	ok(c, list)
}

func (s *Server) getArticle(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "article id must be a number")
		return
	}
	a, err := s.store.GetArticle(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(c, http.StatusNotFound, "not_found", "article not found")
			return
		}
		fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	ok(c, a)
}

func (s *Server) latestArticles(c *gin.Context) {
	limit := intQuery(c, "limit", 20)
	views, err := s.store.LatestArticles(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	ok(c, views)
}

func (s *Server) articleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	ok(c, stats)
}

// triggerScrape 同步执行一轮采集并把运行结果直接返回。
// 来源适配器自带占位兜底，一轮耗时有上限，同步返回比任务号好用
func (s *Server) triggerScrape(c *gin.Context) {
	var sources []string
	if src := c.Query("source"); src != "" {
		sources = []string{src}
	}

	res, err := s.runner.Run(c.Request.Context(), sources)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal_error", "scrape run failed")
		return
	}
	ok(c, res)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    data,
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

func intQuery(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// basicAuth 给接口组加一道简单的访问密码。
// 仅当配置了 APP_BASIC_USER / APP_BASIC_PASS 时启用。
func basicAuth(user, pass string) gin.HandlerFunc {
	const realm = "Restricted"
	uBytes := []byte(user)
	pBytes := []byte(pass)

	return func(c *gin.Context) {
		u, p, okAuth := c.Request.BasicAuth()
		if !okAuth ||
			subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="`+realm+`"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
