package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// DiscoverConfig controls link discovery.
type DiscoverConfig struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Discover fetches seed and returns up to limit distinct same-host links whose
// absolute URL matches pattern, in document order. An empty pattern matches
// every link.
func Discover(ctx context.Context, cfg DiscoverConfig, seed, pattern string, limit int) ([]string, error) {
	u, err := url.Parse(seed)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid seed url %q", seed)
	}
	var re *regexp.Regexp
	if pattern != "" {
		if re, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("compile pattern: %w", err)
		}
	}

	c := colly.NewCollector(
		colly.AllowedDomains(u.Hostname()),
		colly.MaxDepth(1),
	)
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)

	var (
		mu       sync.Mutex
		found    []string
		seen     = map[string]struct{}{}
		visitErr error
	)
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		lu, err := url.Parse(link)
		if err != nil || lu.Hostname() != u.Hostname() {
			return
		}
		lu.Fragment = ""
		link = lu.String()
		if re != nil && !re.MatchString(link) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[link]; ok || (limit > 0 && len(found) >= limit) {
			return
		}
		seen[link] = struct{}{}
		found = append(found, link)
	})
	c.OnError(func(_ *colly.Response, err error) {
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(seed)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("discover canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", seed, err)
		}
		if visitErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", seed, visitErr)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
