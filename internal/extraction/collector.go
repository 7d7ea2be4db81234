package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrPageTimeout means the page never went network-idle in time. Callers
// treat it as a skip.
var ErrPageTimeout = errors.New("page did not reach network idle")

// ScriptCollector reports the script resources a page loads.
type ScriptCollector interface {
	Collect(ctx context.Context, pageURL string) ([]string, error)
}

type ChromeOptions struct {
	Headless   bool
	ChromePath string
	Proxy      string
	UserAgent  string
	Timeout    time.Duration
	// Cookies are installed before navigation.
	Cookies []*network.CookieParam
}

// ChromeCollector drives one isolated headless tab per page load.
type ChromeCollector struct {
	opts ChromeOptions
}

func NewChromeCollector(opts ChromeOptions) *ChromeCollector {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &ChromeCollector{opts: opts}
}

func (c *ChromeCollector) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if c.opts.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(c.opts.ChromePath))
	}
	if c.opts.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(c.opts.Proxy))
	}
	if c.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.opts.UserAgent))
	}
	return opts
}

// Collect loads pageURL and records every script request until the page
// reports network idle. Script URLs are returned in request order without
// duplicates.
func (c *ChromeCollector) Collect(ctx context.Context, pageURL string) ([]string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	timeoutCtx, cancel := context.WithTimeout(browserCtx, c.opts.Timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		scripts   []string
		seen      = make(map[string]bool)
		navLoader cdp.LoaderID
		idle      = make(chan struct{})
		once      sync.Once
	)

	// Lifecycle events replay for the initial blank document, so only the
	// idle signal of the navigated document's loader counts.
	chromedp.ListenTarget(timeoutCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			mu.Lock()
			defer mu.Unlock()
			if e.Type == network.ResourceTypeDocument && navLoader == "" {
				navLoader = e.LoaderID
			}
			if e.Type != network.ResourceTypeScript || e.Request == nil {
				return
			}
			if !seen[e.Request.URL] {
				seen[e.Request.URL] = true
				scripts = append(scripts, e.Request.URL)
			}
		case *page.EventLifecycleEvent:
			if e.Name != "networkIdle" {
				return
			}
			mu.Lock()
			ours := navLoader != "" && e.LoaderID == navLoader
			mu.Unlock()
			if ours {
				once.Do(func() { close(idle) })
			}
		}
	})

	err := chromedp.Run(timeoutCtx,
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(c.opts.Cookies) == 0 {
				return nil
			}
			return network.SetCookies(c.opts.Cookies).Do(ctx)
		}),
		chromedp.Navigate(pageURL),
	)
	if err == nil {
		select {
		case <-idle:
		case <-timeoutCtx.Done():
			err = timeoutCtx.Err()
		}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %s", ErrPageTimeout, c.opts.Timeout, pageURL)
		}
		return nil, fmt.Errorf("failed to load %s: %w", pageURL, err)
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), scripts...), nil
}
