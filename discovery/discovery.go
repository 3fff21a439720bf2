// Package discovery renders the daily source URLs of a date range and probes which of them
// have been published.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultURLPattern is the MITMA district-level daily trips file
const DefaultURLPattern = "https://movilidad-opendata.mitma.es/estudios_basicos/por-distritos/viajes/" +
	"ficheros-diarios/{{.Month}}/{{.Day}}_Viajes_distritos.csv.gz"

const (
	DefaultWorkers = 10
	DefaultTimeout = 5 * time.Second
)

var dateInURL = regexp.MustCompile(`/(\d{8})_Viajes_distritos`)

// Config contains source discovery settings
type Config struct {
	// URLPattern is a text/template with {{.Month}} (2006-01) and {{.Day}} (20060102)
	URLPattern string        `yaml:"url_pattern" split_words:"true"`
	Workers    int           `yaml:"workers" split_words:"true"`
	Timeout    time.Duration `yaml:"timeout" split_words:"true"`
	// RatePerSecond paces probes; zero disables pacing
	RatePerSecond float64 `yaml:"rate_per_second" split_words:"true"`
	Retries       int     `yaml:"retries" split_words:"true"`
}

type urlFields struct {
	Month string
	Day   string
	Date  time.Time
}

// URLsForRange renders one URL per day from start to end inclusive
func URLsForRange(pattern string, start, end time.Time) ([]string, error) {
	if pattern == "" {
		pattern = DefaultURLPattern
	}
	start = truncateDay(start)
	end = truncateDay(end)
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	tmpl, err := template.New("url").Option("missingkey=error").Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid url pattern: %w", err)
	}

	var urls []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, urlFields{
			Month: d.Format("2006-01"),
			Day:   d.Format("20060102"),
			Date:  d,
		}); err != nil {
			return nil, fmt.Errorf("failed to render url for %s: %w", d.Format(time.DateOnly), err)
		}
		urls = append(urls, buf.String())
	}
	return urls, nil
}

// DateFromURL extracts the publication date encoded in a source file name
func DateFromURL(u string) (time.Time, bool) {
	m := dateInURL.FindStringSubmatch(u)
	if m == nil {
		return time.Time{}, false
	}
	d, err := time.Parse("20060102", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// Prober checks which source files exist
type Prober struct {
	client  *retryablehttp.Client
	workers int
	timeout time.Duration
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewProber creates a prober with bounded concurrency
func NewProber(config Config, logger zerolog.Logger) *Prober {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Retries < 0 {
		config.Retries = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = config.Retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil

	p := &Prober{
		client:  client,
		workers: config.Workers,
		timeout: config.Timeout,
		logger:  logger,
	}
	if config.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Workers)
	}
	return p
}

// Probe returns the URLs that exist, in input order. A failed probe counts as missing; only
// cancellation of ctx is an error.
func (p *Prober) Probe(ctx context.Context, urls []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("probing interrupted: %w", err)
	}
	found := make([]bool, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, u := range urls {
		g.Go(func() error {
			if p.limiter != nil {
				if err := p.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			ok, err := p.exists(gctx, u)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Debug().Err(err).Str("url", u).Msg("Probe failed, treating as missing")
				return nil
			}
			found[i] = ok
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("probing interrupted: %w", err)
	}

	var valid []string
	for i, ok := range found {
		if ok {
			valid = append(valid, urls[i])
		}
	}

	p.logger.Info().Int("candidates", len(urls)).Int("available", len(valid)).Msg("Source probe finished")
	return valid, nil
}

// exists checks one URL: HEAD for http(s), stat for local paths
func (p *Prober) exists(ctx context.Context, u string) (bool, error) {
	if !isRemote(u) {
		_, err := os.Stat(strings.TrimPrefix(u, "file://"))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

func isRemote(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
