package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/LJTian/NewsHub/internal/scraper"
	"github.com/LJTian/NewsHub/internal/storage"
	"gorm.io/datatypes"
)

// Invalidator 由缓存层实现，批次里出现新文章后调用一次
type Invalidator interface {
	InvalidateArticles(ctx context.Context)
}

// Pipeline 负责把采集候选写入存储：按 (url, source) 去重，已存在的只补字段变更。
// 一批里出现新文章时让缓存失效一次，并触发一次实时推送
type Pipeline struct {
	store storage.ArticleStore
	cache Invalidator
	// notify 在出现新文章后被调用，例如向 WebSocket 订阅者推送最新列表
	notify func(ctx context.Context)
}

func NewPipeline(store storage.ArticleStore, cache Invalidator, notify func(ctx context.Context)) *Pipeline {
	return &Pipeline{store: store, cache: cache, notify: notify}
}

// Ingest 入库一批候选，返回真正新建的条数。
// 整批在一个事务里，单条的唯一键冲突只跳过那一条；事务本身失败时整批报错，由上层重试
func (p *Pipeline) Ingest(ctx context.Context, cands []scraper.Candidate) (int, error) {
	if len(cands) == 0 {
		return 0, nil
	}

	var newCount, conflicts int
	err := p.store.Transaction(ctx, func(tx storage.ArticleStore) error {
		for i := range cands {
			created, err := upsertOne(ctx, tx, &cands[i])
			if err != nil {
				if errors.Is(err, storage.ErrDuplicate) {
					// 并发批次抢先插入了同一篇，跳过这一条继续
					conflicts++
					log.Printf("warn: ingest conflict on %s (%s), skipped", cands[i].URL, cands[i].Source)
					continue
				}
				return err
			}
			if created {
				newCount++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest: store batch: %w", err)
	}

	if conflicts > 0 {
		log.Printf("ingest skipped %d conflicting articles", conflicts)
	}
	if newCount > 0 {
		if p.cache != nil {
			p.cache.InvalidateArticles(ctx)
		}
		if p.notify != nil {
			p.notify(ctx)
		}
	}
	return newCount, nil
}

// upsertOne 处理单条候选，包一层 SAVEPOINT：坏一条回滚一条，不拖垮整批。
// 已存在的记录只在标题或摘要真的变了时更新，避免无意义的 updated_at 抖动
func upsertOne(ctx context.Context, tx storage.ArticleStore, c *scraper.Candidate) (bool, error) {
	want := storage.Article{
		Title:       c.Title,
		Summary:     c.Summary,
		URL:         c.URL,
		Source:      c.Source,
		PublishedAt: c.PublishedAt,
		Synthetic:   c.Synthetic,
	}
	if len(c.Extra) > 0 {
		want.Extra = datatypes.JSONMap(c.Extra)
	}
	storage.SanitizeArticle(&want)

	created := false
	err := tx.Transaction(ctx, func(item storage.ArticleStore) error {
		row := want
		ok, err := item.FirstOrCreateArticle(ctx, &row)
		if err != nil {
			return err
		}
		if ok {
			created = true
			log.Printf("created article %q (%s)", row.Title, row.Source)
			return nil
		}

		fields := map[string]any{}
		if row.Title != want.Title {
			fields["title"] = want.Title
		}
		if row.Summary != want.Summary {
			fields["summary"] = want.Summary
		}
		if len(fields) == 0 {
			return nil
		}
		if err := item.UpdateArticleFields(ctx, &row, fields); err != nil {
			return err
		}
		log.Printf("updated article %q (%s)", want.Title, row.Source)
		return nil
	})
	return created, err
}
