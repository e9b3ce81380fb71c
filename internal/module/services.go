package module

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Response is a fetched HTTP resource.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher retrieves web resources for modules.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// Resolver performs DNS lookups for modules.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Cache is a small key/value cache shared by the modules of a process.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// Services are the narrow dependencies injected into every module at construction.
type Services struct {
	HTTP  Fetcher
	DNS   Resolver
	Cache Cache
}

// DefaultServices wires the network-backed implementations.
func DefaultServices(httpTimeout time.Duration, userAgent string, cacheSize int, cacheTTL time.Duration) Services {
	if userAgent == "" {
		userAgent = "osintflow/1.0"
	}
	return Services{
		HTTP:  NewHTTPFetcher(httpTimeout, 1<<20, userAgent),
		DNS:   NewNetResolver(),
		Cache: NewLRUCache(cacheSize, cacheTTL),
	}
}

// -----------------------------------------------------------------------
// HTTP
// -----------------------------------------------------------------------

// HTTPFetcher is a Fetcher over net/http with a response size cap.
type HTTPFetcher struct {
	client    *http.Client
	maxBody   int64
	userAgent string
}

func NewHTTPFetcher(timeout time.Duration, maxBody int64, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxBody:   maxBody,
		userAgent: userAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return &Response{URL: url, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// -----------------------------------------------------------------------
// DNS
// -----------------------------------------------------------------------

// NetResolver wraps net.Resolver.
type NetResolver struct {
	r *net.Resolver
}

func NewNetResolver() *NetResolver {
	return &NetResolver{r: &net.Resolver{PreferGo: true}}
}

func (n *NetResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return n.r.LookupHost(ctx, host)
}

// -----------------------------------------------------------------------
// Cache
// -----------------------------------------------------------------------

// LRUCache is a size- and TTL-bounded Cache.
type LRUCache struct {
	lru *expirable.LRU[string, []byte]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *LRUCache) Get(key string) ([]byte, bool) { return c.lru.Get(key) }

func (c *LRUCache) Set(key string, value []byte) { c.lru.Add(key, value) }
