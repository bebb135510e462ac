package classifier

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// SamplerConfig controls the static page sampler.
type SamplerConfig struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Sampler fetches a static HTML sample of a posting for classification.
// It never executes scripts; the browser pool handles rendering.
type Sampler struct {
	cfg           SamplerConfig
	baseCollector *colly.Collector
}

// NewSampler builds a colly-backed Sampler.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 512 * 1024
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = cfg.MaxBodySize
	return &Sampler{cfg: cfg, baseCollector: c}
}

// Sample returns the response body for url. Callers must validate url first.
func (s *Sampler) Sample(ctx context.Context, url string) (string, error) {
	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.SetRequestTimeout(s.cfg.Timeout)

	var (
		body     string
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = fmt.Errorf("sample status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("sample canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return "", fmt.Errorf("sample response failed: %w", fetchErr)
		}
		if err != nil {
			return "", fmt.Errorf("sample visit failed: %w", err)
		}
		return body, nil
	}
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
