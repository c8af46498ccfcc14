package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LJTian/NewsHub/internal/orchestrator"
)

// ScrapeRunner 由采集编排器实现
type ScrapeRunner interface {
	Run(ctx context.Context, sources []string) (*orchestrator.RunResult, error)
}

// Retainer 负责清理过期文章，由存储层实现
type Retainer interface {
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// Scheduler 挂两个定时任务：周期采集和每日清理
type Scheduler struct {
	cron          *cron.Cron
	runner        ScrapeRunner
	retainer      Retainer
	retentionDays int
}

func New(scrapeSpec, cleanupSpec string, runner ScrapeRunner, retainer Retainer, retentionDays int) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{
		cron:          c,
		runner:        runner,
		retainer:      retainer,
		retentionDays: retentionDays,
	}

	if _, err := c.AddFunc(scrapeSpec, s.runScrape); err != nil {
		return nil, fmt.Errorf("scheduler: bad scrape spec %q: %w", scrapeSpec, err)
	}
	if _, err := c.AddFunc(cleanupSpec, s.runCleanup); err != nil {
		return nil, fmt.Errorf("scheduler: bad cleanup spec %q: %w", cleanupSpec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	// 延迟执行首轮采集，避免与启动期的健康检查和首批页面请求争抢资源
	const startupDelay = 15 * time.Second
	time.AfterFunc(startupDelay, func() {
		go s.runScrape()
	})
}

// Stop 停掉定时器并等当前任务跑完
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce 对外暴露的单次执行入口，方便手动触发采集
func (s *Scheduler) RunOnce() {
	s.runScrape()
}

func (s *Scheduler) runScrape() {
	log.Println("start scheduled scrape run...")
	res, err := s.runner.Run(context.Background(), nil)
	if err != nil {
		log.Printf("scheduled scrape run error: %v", err)
		return
	}
	log.Printf("scheduled run %s done: total=%d new=%d failed=%d",
		res.RunID, res.TotalArticles, res.NewArticles, len(res.FailedSources))
}

func (s *Scheduler) runCleanup() {
	log.Println("start retention cleanup...")
	deleted, err := s.retainer.DeleteOlderThan(context.Background(), s.retentionDays)
	if err != nil {
		log.Printf("retention cleanup error: %v", err)
		return
	}
	log.Printf("retention cleanup done, removed %d articles", deleted)
}
