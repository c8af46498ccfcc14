// Package orchestrator 驱动一轮完整的采集：来源按稳定哈希分到节点，
// 节点之间并行、节点内部串行，单个来源失败重试后记录，不会中断整轮
package orchestrator

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LJTian/NewsHub/internal/scraper"
)

// 运行状态，按执行阶段依次推进
const (
	StatePending             = "pending"
	StatePerSourceProcessing = "per_source_processing"
	StateAggregating         = "aggregating"
	StateDone                = "done"
)

const maxSourceAttempts = 3

// Ingestor 由入库流水线实现
type Ingestor interface {
	Ingest(ctx context.Context, cands []scraper.Candidate) (int, error)
}

// SourceFailure 记录重试耗尽后仍失败的来源
type SourceFailure struct {
	Source   string `json:"source"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// RunResult 汇总一轮采集，可直接序列化返回给接口或命令行
type RunResult struct {
	RunID            string          `json:"run_id"`
	State            string          `json:"state"`
	TotalArticles    int             `json:"total_articles"`
	NewArticles      int             `json:"new_articles"`
	SourcesProcessed []string        `json:"sources_processed"`
	FailedSources    []SourceFailure `json:"failed_sources,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	Timestamp        time.Time       `json:"timestamp"`
}

type Runner struct {
	registry *scraper.Registry
	ingest   Ingestor
	nodes    int

	maxAttempts int
	backoff     func(attempt int) time.Duration
	sleep       func(time.Duration)
}

func NewRunner(reg *scraper.Registry, ing Ingestor, nodes int) *Runner {
	if nodes <= 0 {
		nodes = 1
	}
	return &Runner{
		registry:    reg,
		ingest:      ing,
		nodes:       nodes,
		maxAttempts: maxSourceAttempts,
		backoff:     defaultBackoff,
		sleep:       time.Sleep,
	}
}

// defaultBackoff 返回 2^attempt 秒加随机抖动
func defaultBackoff(attempt int) time.Duration {
	return time.Second<<attempt + time.Duration(rand.Float64()*float64(time.Second))
}

// Run 执行一轮采集。sources 为空时跑全部注册来源。
// 部分来源失败不算整轮失败，失败详情记录在 FailedSources 里
func (r *Runner) Run(ctx context.Context, sources []string) (*RunResult, error) {
	if len(sources) == 0 {
		sources = r.registry.Names()
	}
	if len(sources) == 0 {
		return nil, errors.New("orchestrator: no sources to scrape")
	}

	res := &RunResult{
		RunID:            uuid.NewString(),
		State:            StatePending,
		SourcesProcessed: sources,
		StartedAt:        time.Now().UTC(),
	}
	log.Printf("run %s starting for sources: %v", res.RunID, sources)

	// 同一来源永远落在同一节点，重启后分组也不变
	groups := make([][]string, r.nodes)
	for _, src := range sources {
		node := scraper.AssignNode(src, r.nodes)
		groups[node] = append(groups[node], src)
	}

	res.State = StatePerSourceProcessing
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for node, group := range groups {
		if len(group) == 0 {
			continue
		}
		wg.Add(1)
		go func(node int, group []string) {
			defer wg.Done()
			for _, src := range group {
				total, created, attempts, err := r.processSource(ctx, src, node)
				mu.Lock()
				res.TotalArticles += total
				res.NewArticles += created
				if err != nil {
					res.FailedSources = append(res.FailedSources, SourceFailure{
						Source:   src,
						Error:    err.Error(),
						Attempts: attempts,
					})
				}
				mu.Unlock()
			}
		}(node, group)
	}
	wg.Wait()

	res.State = StateAggregating
	res.Timestamp = time.Now().UTC()
	res.State = StateDone
	log.Printf("run %s completed: total=%d new=%d failed=%d",
		res.RunID, res.TotalArticles, res.NewArticles, len(res.FailedSources))
	return res, nil
}

// RunSource 只跑一个来源，手动触发和命令行用
func (r *Runner) RunSource(ctx context.Context, source string) (*RunResult, error) {
	return r.Run(ctx, []string{source})
}

// processSource 抓取并入库单个来源，真正的错误按 2^n 退避重试，
// 返回实际执行的尝试次数。注意站点不可用不会走到这里的重试：
// 适配器内部已经用占位数据兜底
func (r *Runner) processSource(ctx context.Context, source string, node int) (total, created, attempts int, err error) {
	sc, ok := r.registry.Get(source)
	if !ok {
		log.Printf("warn: no scraper registered for source %q, skipped", source)
		return 0, 0, 0, nil
	}
	log.Printf("processing source %q on node_%d", source, node)

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		// 上层取消后立即收手，剩余的重试机会不算已执行
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		attempts++

		cands, err := sc.Scrape()
		if err == nil {
			n, ierr := r.ingest.Ingest(ctx, cands)
			if ierr == nil {
				log.Printf("processed %d articles from %s, %d were new", len(cands), source, n)
				return len(cands), n, attempts, nil
			}
			err = ierr
		}

		lastErr = err
		if attempt < r.maxAttempts-1 {
			delay := r.backoff(attempt)
			log.Printf("warn: source %q attempt %d/%d failed: %v, retrying in %s",
				source, attempt+1, r.maxAttempts, err, delay)
			r.sleep(delay)
		}
	}
	log.Printf("warn: source %q failed after %d attempts: %v", source, attempts, lastErr)
	return 0, 0, attempts, lastErr
}
