package scraper

import (
	"log"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Candidate 是采集阶段产出的待入库文章，尚未去重、未持久化
type Candidate struct {
	Title       string
	Summary     string
	URL         string // 绝对地址
	Source      string
	PublishedAt time.Time
	// Synthetic 标记兜底生成的占位数据，入库后也保留该标记，便于在日志与统计中区分真实数据
	Synthetic bool
	// Extra 记录提取过程的元信息（命中的选择器、兜底原因等）
	Extra map[string]any
}

// Scraper 抽象每一个新闻来源
type Scraper interface {
	Name() string
	Scrape() ([]Candidate, error)
}

// Registry 维护已启用的来源集合，注册需在启动阶段完成，运行期间只读
type Registry struct {
	order  []string
	byName map[string]Scraper
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Scraper)}
}

// Register 注册一个来源，同名覆盖
func (r *Registry) Register(s Scraper) {
	name := s.Name()
	if _, ok := r.byName[name]; !ok {
		r.order = append(r.order, name)
	}
	r.byName[name] = s
}

func (r *Registry) Get(name string) (Scraper, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Names 按注册顺序返回全部来源名
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AssignNode 用稳定哈希把来源映射到逻辑节点，同一来源在任何进程里都落在同一节点。
// 不能用 Go 内建 map 哈希之类带随机种子的实现，否则重启后节点归属会漂移，排查问题时对不上号。
func AssignNode(source string, nodes int) int {
	if nodes <= 0 {
		nodes = 1
	}
	node := int(xxhash.Sum64String(source) % uint64(nodes))
	log.Printf("source %q assigned to node_%d", source, node)
	return node
}
