package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Article 是归一化后的文章记录，(url, source) 是唯一键：
// 同一条新闻可能被不同来源转载，分别算不同记录
type Article struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Title       string    `gorm:"size:512" json:"title"`
	Summary     string    `gorm:"type:text" json:"summary"`
	URL         string    `gorm:"size:1024;uniqueIndex:idx_articles_url_source" json:"url"`
	Source      string    `gorm:"size:100;uniqueIndex:idx_articles_url_source;index" json:"source"`
	PublishedAt time.Time `gorm:"index" json:"published_at"`
	// Synthetic 标记来源不可用时生成的占位数据
	Synthetic bool              `json:"synthetic"`
	Extra     datatypes.JSONMap `gorm:"type:jsonb" json:"extra,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArticleView 是列表场景的精简投影，也是 WebSocket 推送里的文章形态
type ArticleView struct {
	ID          uint      `json:"id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	URL         string    `json:"url"`
}

// ArticleList 是分页查询结果
type ArticleList struct {
	Count    int64         `json:"count"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Results  []ArticleView `json:"results"`
}

// ArticleStats 汇总文章统计
type ArticleStats struct {
	TotalArticles     int64            `json:"total_articles"`
	Sources           []string         `json:"sources"`
	LatestArticleDate *time.Time       `json:"latest_article_date"`
	ArticlesBySource  map[string]int64 `json:"articles_by_source"`
}

// HealthStatus 是健康检查的返回结构。缓存失联只降级标记，不影响整体 healthy
type HealthStatus struct {
	Status         string    `json:"status"`
	Database       string    `json:"database"`
	Cache          string    `json:"cache"`
	TotalArticles  int64     `json:"total_articles"`
	RecentArticles int64     `json:"recent_articles"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ListOptions 是文章列表的筛选与分页参数，零值字段表示不筛选
type ListOptions struct {
	Source   string
	Search   string
	DateFrom time.Time
	DateTo   time.Time
	Page     int
	PageSize int
}

var (
	// ErrDuplicate 表示并发写入撞上了 (url, source) 唯一键
	ErrDuplicate = errors.New("storage: duplicate article")
	// ErrNotFound 表示查询的文章不存在
	ErrNotFound = errors.New("storage: article not found")
)

// 读路径统一排序：发布时间倒序，同值再按入库时间倒序。
// 发布时间是小时级合成值，重复很常见，没有兜底列分页边界会抖动
const orderNewestFirst = "published_at DESC, created_at DESC"

// ArticleStore 是入库流水线依赖的写入口，拆成接口便于用内存实现做测试
type ArticleStore interface {
	// Transaction 在事务里执行 fn。已处于事务中时开 SAVEPOINT，
	// 单条失败只回滚自己，不拖垮整批
	Transaction(ctx context.Context, fn func(tx ArticleStore) error) error
	// FirstOrCreateArticle 按 (url, source) 查找或创建，a 带回数据库中的最终状态
	FirstOrCreateArticle(ctx context.Context, a *Article) (created bool, err error)
	// UpdateArticleFields 只更新给出的字段，空 map 不触库
	UpdateArticleFields(ctx context.Context, a *Article, fields map[string]any) error
}

type Store struct {
	DB    *gorm.DB
	Cache *Cache
}

func NewStore(dsn, redisAddr string) (*Store, error) {
	// TranslateError 让唯一键冲突以 gorm.ErrDuplicatedKey 暴露，去重逻辑依赖它
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&Article{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{DB: db, Cache: NewCache(redisAddr)}, nil
}

func (s *Store) Transaction(ctx context.Context, fn func(tx ArticleStore) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx, Cache: s.Cache})
	})
}

func (s *Store) FirstOrCreateArticle(ctx context.Context, a *Article) (bool, error) {
	SanitizeArticle(a)
	res := s.DB.WithContext(ctx).
		Where("url = ? AND source = ?", a.URL, a.Source).
		FirstOrCreate(a)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, fmt.Errorf("%w: %s (%s)", ErrDuplicate, a.URL, a.Source)
		}
		return false, fmt.Errorf("storage: first or create article: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) UpdateArticleFields(ctx context.Context, a *Article, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.DB.WithContext(ctx).Model(a).Updates(fields).Error; err != nil {
		return fmt.Errorf("storage: update article %d: %w", a.ID, err)
	}
	return nil
}

// ListArticles 分页查询文章，支持来源、关键词与发布时间区间筛选，结果带 Redis 缓存
func (s *Store) ListArticles(ctx context.Context, opt ListOptions) (*ArticleList, error) {
	if opt.PageSize <= 0 || opt.PageSize > 100 {
		opt.PageSize = 20
	}
	if opt.Page <= 0 {
		opt.Page = 1
	}

	filterKey := fmt.Sprintf("%s:%s:%s:%s", opt.Source, opt.Search, cacheTime(opt.DateFrom), cacheTime(opt.DateTo))
	listKey := fmt.Sprintf("%s%s:%d:%d", cachePrefixList, filterKey, opt.Page, opt.PageSize)

	var cached ArticleList
	if s.Cache.GetJSON(ctx, listKey, &cached) {
		return &cached, nil
	}

	q := s.DB.WithContext(ctx).Model(&Article{})
	if opt.Source != "" {
		q = q.Where("source = ?", opt.Source)
	}
	if opt.Search != "" {
		pattern := "%" + opt.Search + "%"
		q = q.Where("title ILIKE ? OR summary ILIKE ?", pattern, pattern)
	}
	if !opt.DateFrom.IsZero() {
		q = q.Where("published_at >= ?", opt.DateFrom)
	}
	if !opt.DateTo.IsZero() {
		q = q.Where("published_at <= ?", opt.DateTo)
	}

	// 计数单独缓存，翻页时不必每页都数一遍全表
	countKey := cachePrefixCount + filterKey
	var count int64
	if !s.Cache.GetJSON(ctx, countKey, &count) {
		if err := q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("storage: count articles: %w", err)
		}
		s.Cache.SetJSON(ctx, countKey, count, listCacheTTL)
	}

	var rows []Article
	if err := q.Order(orderNewestFirst).
		Offset((opt.Page - 1) * opt.PageSize).
		Limit(opt.PageSize).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: list articles: %w", err)
	}

	list := &ArticleList{Count: count, Page: opt.Page, PageSize: opt.PageSize, Results: toViews(rows)}
	s.Cache.SetJSON(ctx, listKey, list, listCacheTTL)
	return list, nil
}

func (s *Store) GetArticle(ctx context.Context, id uint) (*Article, error) {
	var a Article
	if err := s.DB.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get article %d: %w", id, err)
	}
	return &a, nil
}

// LatestArticles 返回最近 24 小时内发布的文章，时间倒序，结果带缓存
func (s *Store) LatestArticles(ctx context.Context, limit int) ([]ArticleView, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	key := fmt.Sprintf("%s%d", cachePrefixLatest, limit)
	var cached []ArticleView
	if s.Cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	since := time.Now().Add(-24 * time.Hour)
	var rows []Article
	if err := s.DB.WithContext(ctx).
		Where("published_at >= ?", since).
		Order(orderNewestFirst).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: latest articles: %w", err)
	}

	views := toViews(rows)
	s.Cache.SetJSON(ctx, key, views, latestCacheTTL)
	return views, nil
}

// RecentArticles 不限时间窗直接取最新 N 条，推送场景用它，总是读库拿最新状态
func (s *Store) RecentArticles(ctx context.Context, limit int) ([]ArticleView, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var rows []Article
	if err := s.DB.WithContext(ctx).
		Order(orderNewestFirst).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: recent articles: %w", err)
	}
	return toViews(rows), nil
}

// Stats 返回文章总量、来源清单、最新发布时间和按来源计数，结果缓存 10 分钟
func (s *Store) Stats(ctx context.Context) (*ArticleStats, error) {
	var cached ArticleStats
	if s.Cache.GetJSON(ctx, cacheKeyStats, &cached) {
		return &cached, nil
	}

	stats := &ArticleStats{ArticlesBySource: map[string]int64{}}
	db := s.DB.WithContext(ctx)

	if err := db.Model(&Article{}).Count(&stats.TotalArticles).Error; err != nil {
		return nil, fmt.Errorf("storage: count articles: %w", err)
	}
	if err := db.Model(&Article{}).Distinct().Order("source").Pluck("source", &stats.Sources).Error; err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}

	var latest Article
	switch err := db.Order(orderNewestFirst).First(&latest).Error; {
	case err == nil:
		t := latest.PublishedAt
		stats.LatestArticleDate = &t
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 空表时保持 null
	default:
		return nil, fmt.Errorf("storage: latest article date: %w", err)
	}

	var rows []struct {
		Source string
		Count  int64
	}
	if err := db.Model(&Article{}).
		Select("source, COUNT(id) AS count").
		Group("source").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: count by source: %w", err)
	}
	for _, r := range rows {
		stats.ArticlesBySource[r.Source] = r.Count
	}

	s.Cache.SetJSON(ctx, cacheKeyStats, stats, statsCacheTTL)
	return stats, nil
}

// DeleteOlderThan 清理入库时间早于 days 天的文章并让缓存失效，返回删除条数
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := s.DB.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Article{})
	if res.Error != nil {
		return 0, fmt.Errorf("storage: delete articles older than %d days: %w", days, res.Error)
	}
	s.Cache.InvalidateArticles(ctx)
	log.Printf("cleaned up %d articles older than %d days", res.RowsAffected, days)
	return res.RowsAffected, nil
}

// Health 汇总数据库与缓存状态。数据库失联判 unhealthy；缓存失联只标记 error
func (s *Store) Health(ctx context.Context) *HealthStatus {
	h := &HealthStatus{Status: "healthy", Database: "ok", Cache: "ok", Timestamp: time.Now().UTC()}

	if err := s.DB.WithContext(ctx).Model(&Article{}).Count(&h.TotalArticles).Error; err != nil {
		h.Status = "unhealthy"
		h.Database = "error"
		h.Error = err.Error()
		return h
	}
	since := time.Now().Add(-time.Hour)
	if err := s.DB.WithContext(ctx).Model(&Article{}).Where("created_at >= ?", since).Count(&h.RecentArticles).Error; err != nil {
		h.Status = "unhealthy"
		h.Database = "error"
		h.Error = err.Error()
		return h
	}
	if err := s.Cache.Roundtrip(ctx); err != nil {
		h.Cache = "error"
	}
	return h
}

// SanitizeArticle 把字段整理成入库安全的形式：合法 UTF-8、去首尾空白、按列宽截断。
// 比较新旧内容前也要先过它，避免截断差异造成的假变更
func SanitizeArticle(a *Article) {
	a.Title = truncateRunes(toValidUTF8(a.Title), 512)
	a.Summary = strings.TrimSpace(toValidUTF8(a.Summary))
	a.URL = truncateRunes(toValidUTF8(a.URL), 1024)
	a.Source = truncateRunes(toValidUTF8(a.Source), 100)
}

// toValidUTF8 规范非法字节序列，避免 PostgreSQL invalid byte sequence 报错
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// truncateRunes 按 rune 数截断，保证不超过 varchar 列宽
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}

func toViews(rows []Article) []ArticleView {
	views := make([]ArticleView, 0, len(rows))
	for _, a := range rows {
		views = append(views, ArticleView{
			ID:          a.ID,
			Title:       a.Title,
			Source:      a.Source,
			PublishedAt: a.PublishedAt,
			URL:         a.URL,
		})
	}
	return views
}

func cacheTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
