// Package httpclient builds the HTTP clients used by the in-process probes.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/ratelimit"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// spoofedHeaders are set on every request unless the caller already set them.
var spoofedHeaders = map[string]string{
	"X-Forwarded-For":  "127.0.0.1",
	"X-Originating-IP": "127.0.0.1",
}

type Config struct {
	Timeout         time.Duration
	Proxy           string
	Cookie          string
	FollowRedirects bool
	MaxRedirects    int
	// Limiter paces requests; nil disables pacing.
	Limiter *ratelimit.Limiter
}

func DefaultConfig() Config {
	return Config{
		Timeout:         15 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    10,
	}
}

// New creates a client whose requests carry a random desktop User-Agent,
// loopback spoofing headers and the session cookie, each preceded by a
// politeness delay.
func New(config Config) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", config.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout: config.Timeout,
		Transport: &evasiveTransport{
			base:    transport,
			cookie:  config.Cookie,
			limiter: config.Limiter,
			rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		},
	}

	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if config.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			return nil
		}
	}

	return client, nil
}

type evasiveTransport struct {
	base    http.RoundTripper
	cookie  string
	limiter *ratelimit.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

func (t *evasiveTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.WaitForHost(req.Context(), req.URL.Hostname()); err != nil {
		return nil, err
	}

	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent())
	}
	for k, v := range spoofedHeaders {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if t.cookie != "" && req.Header.Get("Cookie") == "" {
		req.Header.Set("Cookie", t.cookie)
	}
	return t.base.RoundTrip(req)
}

func (t *evasiveTransport) userAgent() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return userAgents[t.rng.Intn(len(userAgents))]
}

// RandomUserAgent returns one of the desktop browser User-Agents.
func RandomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// Get issues a GET bound to ctx.
func Get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return DoWithContext(ctx, client, req)
}

// DoWithContext performs an HTTP request with context enforcement
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	return resp, nil
}

// ReadBody reads at most limit bytes of the body and closes it.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer CloseBody(resp)
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// CloseBody drains and closes a response body so the connection can be
// reused. Unclosed bodies leak pooled connections.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	if err := resp.Body.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close HTTP response body: %v\n", err)
	}
}
