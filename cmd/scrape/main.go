package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/LJTian/NewsHub/internal/config"
	"github.com/LJTian/NewsHub/internal/ingest"
	"github.com/LJTian/NewsHub/internal/orchestrator"
	"github.com/LJTian/NewsHub/internal/scraper"
	"github.com/LJTian/NewsHub/internal/storage"
)

// 一个仅执行一轮采集的命令行入口：适合手动触发和排查来源问题
func main() {
	source := flag.String("source", "", "only scrape this source (empty means every registered source)")
	cleanup := flag.Bool("cleanup", false, "delete articles older than the retention window and exit")
	flag.Parse()

	cfg := config.Load()

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("init store failed: %v", err)
	}

	ctx := context.Background()

	if *cleanup {
		n, err := store.DeleteOlderThan(ctx, cfg.RetentionDays)
		if err != nil {
			log.Fatalf("cleanup failed: %v", err)
		}
		log.Printf("cleanup done, %d articles removed", n)
		return
	}

	client := scraper.NewFetchClient(cfg.FetchTimeout)
	registry := scraper.NewBuiltinRegistry(client, cfg.Sources)

	// 没有 WebSocket 订阅者，notify 留空
	pipeline := ingest.NewPipeline(store, store.Cache, nil)
	runner := orchestrator.NewRunner(registry, pipeline, cfg.NodeCount)

	var sources []string
	if *source != "" {
		sources = []string{*source}
	}
	res, err := runner.Run(ctx, sources)
	if err != nil {
		log.Fatalf("scrape run failed: %v", err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatalf("encode run result: %v", err)
	}
	os.Stdout.Write(append(out, '\n'))
}
