package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/NewsHub/internal/api"
	"github.com/LJTian/NewsHub/internal/config"
	"github.com/LJTian/NewsHub/internal/hub"
	"github.com/LJTian/NewsHub/internal/ingest"
	"github.com/LJTian/NewsHub/internal/orchestrator"
	"github.com/LJTian/NewsHub/internal/scheduler"
	"github.com/LJTian/NewsHub/internal/scraper"
	"github.com/LJTian/NewsHub/internal/storage"
)

func main() {
	cfg := config.Load()

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("init store failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// WebSocket 推送中心，随进程退出统一关闭所有连接
	h := hub.New(store)
	go h.Run(ctx)

	client := scraper.NewFetchClient(cfg.FetchTimeout)
	registry := scraper.NewBuiltinRegistry(client, cfg.Sources)

	// 入库成功后失效缓存并向订阅者推送最新文章
	pipeline := ingest.NewPipeline(store, store.Cache, func(ctx context.Context) {
		h.PublishLatest(ctx)
	})
	runner := orchestrator.NewRunner(registry, pipeline, cfg.NodeCount)

	sched, err := scheduler.New(cfg.CronSpec, cfg.CleanupCronSpec, runner, store, cfg.RetentionDays)
	if err != nil {
		log.Fatalf("init scheduler failed: %v", err)
	}
	sched.Start()

	// API
	r := gin.Default()
	apiServer := api.NewServer(store, runner, h, cfg.BasicAuthUser, cfg.BasicAuthPass)
	apiServer.RegisterRoutes(r)

	addr := ":" + cfg.AppPort
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Printf("starting api server at %s ...", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server exit: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down ...")

	// 先停调度器等当前任务跑完，再关 HTTP 服务
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("warn: server shutdown: %v", err)
	}
	log.Println("bye")
}
