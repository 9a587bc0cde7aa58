// Package render loads event pages in headless Chromium for platforms that
// only fill in venue data client-side.
package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	appLog "techcal/internal/log"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultSettle  = 500 * time.Millisecond
	defaultAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type Options struct {
	// ExecPath overrides Chromium discovery.
	ExecPath string
	// Timeout bounds one page load.
	Timeout time.Duration
	// Settle is an extra wait after the DOM is ready for late scripts.
	Settle    time.Duration
	UserAgent string
	// NoSandbox is needed when running as root inside containers.
	NoSandbox bool
}

// Browser is one headless Chromium process. Pages are loaded one at a time in
// fresh tabs.
type Browser struct {
	opts Options

	mu          sync.Mutex
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBrowser starts Chromium lazily on the first FetchPage.
func NewBrowser(opts Options) *Browser {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	} else if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultAgent
	}
	return &Browser{opts: opts}
}

func (b *Browser) start() {
	if b.ctx != nil {
		return
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(b.opts.UserAgent),
		chromedp.DisableGPU,
	)
	if b.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if b.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.opts.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	b.allocCancel, b.ctx, b.cancel = allocCancel, ctx, cancel
}

// FetchPage navigates to url and returns the rendered document HTML.
func (b *Browser) FetchPage(ctx context.Context, url string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start()

	tab, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()
	tab, cancelTimeout := context.WithTimeout(tab, b.opts.Timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.opts.Settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tab, tasks); err != nil {
		return "", fmt.Errorf("render: load %s: %w", url, err)
	}
	appLog.Debug("render: page loaded", "url", url, "bytes", len(html))
	return html, nil
}

// Close shuts Chromium down.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return
	}
	b.cancel()
	b.allocCancel()
	b.ctx = nil
}
