package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// SampleFunc receives one scroll-depth sample.
type SampleFunc func(fraction float64, at time.Time) error

// ErrStopped is returned by a SampleFunc to end a run early without error.
var ErrStopped = errors.New("probe stopped")

// Config controls the headless scroll probe.
type Config struct {
	Selector       string
	Step           float64
	Pause          time.Duration
	NavTimeout     time.Duration
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	MaxSteps       int
}

const (
	defaultSelector   = ".article-body"
	defaultStep       = 0.5
	defaultPause      = 250 * time.Millisecond
	defaultNavTimeout = 45 * time.Second
	defaultMaxSteps   = 500
)

func (c Config) withDefaults() Config {
	if c.Selector == "" {
		c.Selector = defaultSelector
	}
	if c.Step <= 0 {
		c.Step = defaultStep
	}
	if c.Pause < 0 {
		c.Pause = 0
	} else if c.Pause == 0 {
		c.Pause = defaultPause
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = defaultNavTimeout
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	return c
}

// Source scrolls pages in headless Chrome and reports how much of the content
// element has been visible. One browser process is started on the first Run
// and shared by later runs, each of which opens its own tab.
type Source struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browser       context.Context
	browserCancel context.CancelFunc
}

// NewSource creates a chromedp-backed Source.
func NewSource(cfg Config) (*Source, error) {
	cfg = cfg.withDefaults()
	if cfg.ViewportWidth < 0 || cfg.ViewportHeight < 0 {
		return nil, fmt.Errorf("viewport dimensions must be >= 0")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Source{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}, nil
}

// Close shuts the browser and its allocator down.
func (s *Source) Close() {
	s.mu.Lock()
	if s.browserCancel != nil {
		s.browserCancel()
		s.browser, s.browserCancel = nil, nil
	}
	s.mu.Unlock()
	s.allocCancel()
}

// browserContext starts the shared browser once. The start runs without a
// deadline so the process outlives any single page.
func (s *Source) browserContext() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	browserCtx, cancel := chromedp.NewContext(s.allocator)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	s.browser, s.browserCancel = browserCtx, cancel
	return browserCtx, nil
}

// geometry is what the page reports after each scroll step.
type geometry struct {
	Top      float64 `json:"top"`
	Viewport float64 `json:"viewport"`
	Height   float64 `json:"height"`
	AtBottom bool    `json:"atBottom"`
}

// fraction is the share of the element seen so far. A zero height is NaN.
func (g geometry) fraction() float64 {
	if g.Height == 0 {
		return math.NaN()
	}
	return (g.Top + g.Viewport) / g.Height
}

// Run navigates to url, waits for the content element and scrolls it in
// Step-viewport increments, calling fn with a sample after every step. It
// returns when the element is fully visible, the page can scroll no further,
// MaxSteps is hit, fn returns ErrStopped, or ctx ends.
func (s *Source) Run(ctx context.Context, url string, fn SampleFunc) error {
	browser, err := s.browserContext()
	if err != nil {
		return err
	}
	taskCtx, taskCancel := chromedp.NewContext(browser)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	// Open the tab before the navigation deadline applies; a deadline on the
	// first Run would close the tab when it fires.
	if err := chromedp.Run(taskCtx); err != nil {
		return fmt.Errorf("open tab: %w", err)
	}

	navCtx, navCancel := context.WithTimeout(taskCtx, s.cfg.NavTimeout)
	err = chromedp.Run(navCtx,
		s.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitVisible(s.cfg.Selector, chromedp.ByQuery),
	)
	navCancel()
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}

	measure := measureScript(s.cfg.Selector)
	scroll := fmt.Sprintf("window.scrollBy(0, window.innerHeight * %g)", s.cfg.Step)
	for step := 0; step < s.cfg.MaxSteps; step++ {
		var g geometry
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(measure, &g)); err != nil {
			return fmt.Errorf("measure scroll depth: %w", err)
		}
		f := g.fraction()
		if err := fn(f, time.Now()); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
		if f >= 1 || g.AtBottom || math.IsNaN(f) {
			return nil
		}
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(scroll, nil), chromedp.Sleep(s.cfg.Pause)); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
	}
	return nil
}

func (s *Source) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.cfg.ViewportWidth == 0 || s.cfg.ViewportHeight == 0 {
			return nil
		}
		err := emulation.SetDeviceMetricsOverride(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight), 1, false).Do(ctx)
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

// measureScript reports the window scroll offset, the viewport height and the
// content element height. A missing element falls back to the document.
func measureScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s) || document.documentElement;
  const doc = document.scrollingElement || document.documentElement;
  return {
    top: window.scrollY,
    viewport: window.innerHeight,
    height: el.scrollHeight,
    atBottom: Math.ceil(window.scrollY + window.innerHeight) >= doc.scrollHeight
  };
})()`, quoted)
}
