package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"mixdeck/cache"
	"mixdeck/logger"
)

var (
	// ErrUnsupportedScheme 源 URL 的协议不受支持
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
	// ErrSourceTooLarge 源超过允许的最大字节数
	ErrSourceTooLarge = errors.New("source exceeds size limit")
)

// DefaultMaxBytes 单个源的最大字节数
const DefaultMaxBytes = 512 << 20

// Fetcher 按 URL 读取媒体原始字节
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

// StatusError 远程源返回了非 2xx 状态
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
}

// Scheme 返回源的协议，裸路径视为 file
func Scheme(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// len==1 兼容 Windows 盘符
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// Normalize 返回源的缓存键：本地文件统一为绝对路径的 file:// 形式，其余原样返回
func Normalize(sourceURL string) string {
	if Scheme(sourceURL) != "file" {
		return sourceURL
	}
	return cache.FileKey(localPath(sourceURL))
}

func localPath(sourceURL string) string {
	if strings.HasPrefix(sourceURL, "file://") {
		if u, err := url.Parse(sourceURL); err == nil {
			return u.Path
		}
		return strings.TrimPrefix(sourceURL, "file://")
	}
	return sourceURL
}

// Router 按协议把请求分发给不同的 Fetcher
type Router struct {
	backends map[string]Fetcher
}

// NewRouter 创建只支持 http(s) 和本地文件的路由
func NewRouter(client *http.Client) *Router {
	httpFetcher := NewHTTPFetcher(client)
	return &Router{
		backends: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
			"file":  FileFetcher{},
		},
	}
}

// Register 为协议注册 Fetcher，例如 "s3"
func (r *Router) Register(scheme string, f Fetcher) {
	r.backends[strings.ToLower(scheme)] = f
}

// Fetch 实现 Fetcher
func (r *Router) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	scheme := Scheme(sourceURL)
	f, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return f.Fetch(ctx, sourceURL)
}

// HTTPFetcher 通过 HTTP GET 读取远程源
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher client 为空时使用带超时的默认客户端
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPFetcher{client: client, maxBytes: DefaultMaxBytes}
}

// Fetch 实现 Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: sourceURL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sourceURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrSourceTooLarge, sourceURL)
	}
	return data, nil
}

// FileFetcher 读取本地文件
type FileFetcher struct{}

// Fetch 实现 Fetcher
func (FileFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(localPath(sourceURL))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sourceURL, err)
	}
	return data, nil
}

// CachedFetcher 在远程源前加一层 Redis 字节缓存，本地文件直接透传
type CachedFetcher struct {
	next  Fetcher
	cache *cache.MediaCache
}

// NewCachedFetcher 创建带缓存的 Fetcher
func NewCachedFetcher(next Fetcher, mc *cache.MediaCache) *CachedFetcher {
	return &CachedFetcher{next: next, cache: mc}
}

// Fetch 实现 Fetcher
func (f *CachedFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	if f.cache == nil || Scheme(sourceURL) == "file" {
		return f.next.Fetch(ctx, sourceURL)
	}

	if data, _ := f.cache.Get(ctx, sourceURL); data != nil {
		return data, nil
	}

	data, err := f.next.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Set(ctx, sourceURL, data); err != nil {
		logger.Warn("media cache write skipped",
			logger.String("url", sourceURL),
			logger.ErrorField(err))
	}
	return data, nil
}
