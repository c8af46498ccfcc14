package scraper

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

const (
	maxFetchAttempts = 3
	backoffBase      = time.Second
	throttleMin      = 500 * time.Millisecond
	throttleMax      = 2 * time.Second
	// 单页响应体上限，新闻列表页远小于这个数
	maxBodyBytes = 10 * 1024 * 1024

	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// 模拟真实浏览器的请求头，部分站点会直接拒绝裸客户端。
// Accept-Encoding 和 Connection 交给标准库传输层管理，这里不能手动设置
var browserHeaders = map[string]string{
	"User-Agent":                browserUA,
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.5",
	"Upgrade-Insecure-Requests": "1",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Cache-Control":             "max-age=0",
}

// 这些状态码多为临时性故障或限流，值得重试；其余 4xx/5xx 直接交给上层
var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// FetchError 描述一次抓取的最终失败。Transient 为真说明是网络或限流类问题，
// 下个周期再试有机会成功；为假说明是页面权限或结构类问题，重试没有意义
type FetchError struct {
	URL       string
	Status    int // 0 表示还没拿到响应就失败了
	Attempts  int
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v (after %d attempts)", e.URL, e.Err, e.Attempts)
	}
	return fmt.Sprintf("fetch %s: status %d (after %d attempts)", e.URL, e.Status, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetchClient 是带节流与重试的抓取客户端。它实现 http.RoundTripper，
// 可以直接挂成 colly 的 Transport，让所有站点请求共享同一套退避策略；
// 不经过 colly 的调用方用 Fetch 拿整页内容
type FetchClient struct {
	base    http.RoundTripper
	timeout time.Duration // 单次尝试的超时，不含重试等待

	attempts int
	sleep    func(time.Duration) // 测试中替换成空实现
	rnd      func() float64      // [0,1) 抖动来源
}

func NewFetchClient(timeout time.Duration) *FetchClient {
	return &FetchClient{
		base:     http.DefaultTransport,
		timeout:  timeout,
		attempts: maxFetchAttempts,
		sleep:    time.Sleep,
		rnd:      rand.Float64,
	}
}

// RoundTrip 逐次尝试请求：每次请求前随机停 0.5~2 秒降低被封风险，
// 网络错误或可重试状态码按 1s*2^n 加抖动退避，最多三次。
// 拿到不可重试的状态码时原样返回响应，由调用方决定怎么处理
func (c *FetchClient) RoundTrip(req *http.Request) (*http.Response, error) {
	// 只为 GET 抓取设计；带不可重放 body 的请求退化为单次透传
	if req.Body != nil && req.GetBody == nil {
		return c.base.RoundTrip(req)
	}

	fe := &FetchError{URL: req.URL.String(), Attempts: c.attempts, Transient: true}
	for attempt := 0; attempt < c.attempts; attempt++ {
		if err := req.Context().Err(); err != nil {
			return nil, err
		}
		c.sleep(c.throttleDelay())

		resp, err := c.attempt(req)
		switch {
		case err != nil:
			fe.Err = err
			fe.Status = 0
			log.Printf("warn: fetch %s attempt %d/%d failed: %v", req.URL, attempt+1, c.attempts, err)
		case retryStatus[resp.StatusCode]:
			fe.Err = nil
			fe.Status = resp.StatusCode
			log.Printf("warn: fetch %s attempt %d/%d got status %d", req.URL, attempt+1, c.attempts, resp.StatusCode)
			drainClose(resp)
		default:
			return resp, nil
		}

		if attempt < c.attempts-1 {
			c.sleep(c.backoffDelay(attempt))
		}
	}
	log.Printf("warn: fetch %s gave up after %d attempts", req.URL, c.attempts)
	return nil, fe
}

// attempt 发出单次请求，超时只约束本次尝试；cancel 挂在响应体上，
// 调用方读完 Close 时一并释放
func (c *FetchClient) attempt(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	r := req.Clone(ctx)
	for k, v := range browserHeaders {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if req.Body != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, err
		}
		r.Body = body
	}

	resp, err := c.base.RoundTrip(r)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Fetch 拉取单个页面并整体读出
func (c *FetchClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	resp, err := c.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, Status: resp.StatusCode, Attempts: 1, Transient: false}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body of %s: %w", url, err)
	}
	return body, nil
}

// Budget 返回覆盖全部重试、节流与退避的总时长，colly 的请求超时需要不小于它，
// 否则外层超时会在重试结束前掐断整个回合
func (c *FetchClient) Budget() time.Duration {
	total := time.Duration(c.attempts) * (c.timeout + throttleMax)
	for i := 0; i < c.attempts-1; i++ {
		total += backoffBase<<i + time.Second
	}
	return total
}

func (c *FetchClient) throttleDelay() time.Duration {
	return throttleMin + time.Duration(c.rnd()*float64(throttleMax-throttleMin))
}

func (c *FetchClient) backoffDelay(attempt int) time.Duration {
	return backoffBase<<attempt + time.Duration(c.rnd()*float64(time.Second))
}

// drainClose 读掉残余响应体再关闭，让底层连接可以复用
func drainClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
