package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/NewsHub/internal/orchestrator"
	"github.com/LJTian/NewsHub/internal/storage"
)

func TestListArticlesPassesFilters(t *testing.T) {
	store := &fakeReader{list: &storage.ArticleList{Count: 1, Page: 2, PageSize: 5}}
	r := newTestRouter(store, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/api/v1/articles?source=bbc_news&search=market&page=2&page_size=5&date_from=2026-08-01T00:00:00Z", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	env := decodeEnvelope(t, w)
	if env.Code != "ok" {
		t.Fatalf("code = %q, want %q", env.Code, "ok")
	}

	got := store.lastOpt
	if got.Source != "bbc_news" || got.Search != "market" {
		t.Fatalf("filters = %q/%q, want bbc_news/market", got.Source, got.Search)
	}
	if got.Page != 2 || got.PageSize != 5 {
		t.Fatalf("paging = %d/%d, want 2/5", got.Page, got.PageSize)
	}
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !got.DateFrom.Equal(want) {
		t.Fatalf("date_from = %v, want %v", got.DateFrom, want)
	}
}

func TestListArticlesRejectsBadDate(t *testing.T) {
	r := newTestRouter(&fakeReader{list: &storage.ArticleList{}}, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/api/v1/articles?date_from=yesterday", "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if env := decodeEnvelope(t, w); env.Code != "bad_request" {
		t.Fatalf("code = %q, want %q", env.Code, "bad_request")
	}
}

func TestListArticlesIgnoresBadPaging(t *testing.T) {
	store := &fakeReader{list: &storage.ArticleList{}}
	r := newTestRouter(store, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/api/v1/articles?page=abc&page_size=-3", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if store.lastOpt.Page != 1 || store.lastOpt.PageSize != 20 {
		t.Fatalf("paging = %d/%d, want defaults 1/20", store.lastOpt.Page, store.lastOpt.PageSize)
	}
}

func TestGetArticleNotFound(t *testing.T) {
	store := &fakeReader{err: storage.ErrNotFound}
	r := newTestRouter(store, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/api/v1/articles/42", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if env := decodeEnvelope(t, w); env.Code != "not_found" {
		t.Fatalf("code = %q, want %q", env.Code, "not_found")
	}
	if store.lastID != 42 {
		t.Fatalf("lastID = %d, want 42", store.lastID)
	}
}

func TestGetArticleRejectsBadID(t *testing.T) {
	r := newTestRouter(&fakeReader{}, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/api/v1/articles/abc", "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestLatestAndStatsEndpoints(t *testing.T) {
	store := &fakeReader{
		views: []storage.ArticleView{{ID: 1, Title: "one"}},
		stats: &storage.ArticleStats{TotalArticles: 7},
	}
	r := newTestRouter(store, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/api/v1/articles/latest?limit=5", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("latest status = %d, want %d", w.Code, http.StatusOK)
	}
	if store.lastLimit != 5 {
		t.Fatalf("limit = %d, want 5", store.lastLimit)
	}

	w = doRequest(r, http.MethodGet, "/api/v1/articles/stats", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", w.Code, http.StatusOK)
	}
	env := decodeEnvelope(t, w)
	var stats storage.ArticleStats
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalArticles != 7 {
		t.Fatalf("total_articles = %d, want 7", stats.TotalArticles)
	}
}

func TestTriggerScrapeSingleSource(t *testing.T) {
	trig := &fakeTrigger{res: &orchestrator.RunResult{RunID: "run-1", State: orchestrator.StateDone}}
	r := newTestRouter(&fakeReader{}, trig, "", "")

	w := doRequest(r, http.MethodPost, "/api/v1/articles/scrape?source=cnn_news", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(trig.sources) != 1 || trig.sources[0] != "cnn_news" {
		t.Fatalf("sources = %v, want [cnn_news]", trig.sources)
	}

	env := decodeEnvelope(t, w)
	var res orchestrator.RunResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode run result: %v", err)
	}
	if res.RunID != "run-1" || res.State != orchestrator.StateDone {
		t.Fatalf("run = %q/%q, want run-1/done", res.RunID, res.State)
	}
}

func TestTriggerScrapeAllSourcesByDefault(t *testing.T) {
	trig := &fakeTrigger{res: &orchestrator.RunResult{RunID: "run-2"}}
	r := newTestRouter(&fakeReader{}, trig, "", "")

	w := doRequest(r, http.MethodPost, "/api/v1/articles/scrape", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if trig.sources != nil {
		t.Fatalf("sources = %v, want nil to mean every registered source", trig.sources)
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	store := &fakeReader{health: &storage.HealthStatus{Status: "unhealthy", Database: "error"}}
	r := newTestRouter(store, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var h storage.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Database != "error" {
		t.Fatalf("database = %q, want %q", h.Database, "error")
	}
}

func TestBasicAuthProtectsAPI(t *testing.T) {
	store := &fakeReader{
		list:   &storage.ArticleList{},
		health: &storage.HealthStatus{Status: "healthy"},
	}
	r := newTestRouter(store, &fakeTrigger{}, "ops", "secret")

	w := doRequest(r, http.MethodGet, "/api/v1/articles", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("without credentials status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doRequest(r, http.MethodGet, "/api/v1/articles", "ops", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("with credentials status = %d, want %d", w.Code, http.StatusOK)
	}

	// 探活不能被认证挡住
	w = doRequest(r, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestServeWSUnavailableWithoutHub(t *testing.T) {
	r := newTestRouter(&fakeReader{}, &fakeTrigger{}, "", "")

	w := doRequest(r, http.MethodGet, "/ws", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

type fakeReader struct {
	lastOpt   storage.ListOptions
	lastID    uint
	lastLimit int

	list    *storage.ArticleList
	article *storage.Article
	views   []storage.ArticleView
	stats   *storage.ArticleStats
	health  *storage.HealthStatus
	err     error
}

func (f *fakeReader) ListArticles(ctx context.Context, opt storage.ListOptions) (*storage.ArticleList, error) {
	f.lastOpt = opt
	return f.list, f.err
}

func (f *fakeReader) GetArticle(ctx context.Context, id uint) (*storage.Article, error) {
	f.lastID = id
	if f.err != nil {
		return nil, f.err
	}
	if f.article == nil {
		return &storage.Article{ID: id}, nil
	}
	return f.article, nil
}

func (f *fakeReader) LatestArticles(ctx context.Context, limit int) ([]storage.ArticleView, error) {
	f.lastLimit = limit
	return f.views, f.err
}

func (f *fakeReader) Stats(ctx context.Context) (*storage.ArticleStats, error) {
	return f.stats, f.err
}

func (f *fakeReader) Health(ctx context.Context) *storage.HealthStatus {
	if f.health == nil {
		return &storage.HealthStatus{Status: "healthy"}
	}
	return f.health
}

type fakeTrigger struct {
	sources []string
	res     *orchestrator.RunResult
	err     error
}

func (f *fakeTrigger) Run(ctx context.Context, sources []string) (*orchestrator.RunResult, error) {
	f.sources = sources
	if f.res == nil {
		return &orchestrator.RunResult{RunID: "run"}, f.err
	}
	return f.res, f.err
}

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(store ArticleReader, runner Trigger, user, pass string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewServer(store, runner, nil, user, pass).RegisterRoutes(r)
	return r
}

func doRequest(r *gin.Engine, method, target, user, pass string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}
