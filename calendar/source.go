package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/es"
	"github.com/rickar/cal/v2/fr"
	"github.com/rickar/cal/v2/pt"
	"github.com/rs/zerolog"
)

// HolidaySource returns the national holidays of a country for one year
type HolidaySource interface {
	Holidays(ctx context.Context, country string, year int) ([]time.Time, error)
}

// Provider names accepted in configuration
const (
	ProviderBuiltin = "builtin"
	ProviderNager   = "nager"
)

// BuiltinSource computes holidays locally from rule tables
type BuiltinSource struct{}

var builtinCountries = map[string][]*cal.Holiday{
	"ES": es.Holidays,
	"PT": pt.Holidays,
	"FR": fr.Holidays,
}

// SupportedCountries lists the countries BuiltinSource knows
func SupportedCountries() []string {
	out := make([]string, 0, len(builtinCountries))
	for c := range builtinCountries {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (BuiltinSource) Holidays(ctx context.Context, country string, year int) ([]time.Time, error) {
	rules, ok := builtinCountries[strings.ToUpper(country)]
	if !ok {
		return nil, fmt.Errorf("no builtin holiday calendar for country %q", country)
	}

	seen := map[time.Time]bool{}
	var days []time.Time
	for _, h := range rules {
		actual, _ := h.Calc(year)
		if actual.IsZero() {
			continue
		}
		day := time.Date(actual.Year(), actual.Month(), actual.Day(), 0, 0, 0, 0, time.UTC)
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// DefaultNagerURL is the public Nager.Date API
const DefaultNagerURL = "https://date.nager.at"

// NagerSource fetches holidays from a Nager.Date compatible API. Only nationwide holidays are used.
type NagerSource struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewNagerSource creates a source with retries and a bounded timeout
func NewNagerSource(baseURL string, timeout time.Duration, logger zerolog.Logger) *NagerSource {
	if baseURL == "" {
		baseURL = DefaultNagerURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Warn().Str("url", req.URL.String()).Int("attempt", attempt).Msg("Retrying holiday fetch")
		}
	}

	return &NagerSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type nagerHoliday struct {
	Date      string `json:"date"`
	LocalName string `json:"localName"`
	Global    bool   `json:"global"`
}

func (s *NagerSource) Holidays(ctx context.Context, country string, year int) ([]time.Time, error) {
	url := fmt.Sprintf("%s/api/v3/PublicHolidays/%d/%s", s.baseURL, year, strings.ToUpper(country))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build holiday request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holidays for %s/%d: %w", country, year, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("holiday API returned %s for %s/%d", resp.Status, country, year)
	}

	var entries []nagerHoliday
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode holidays: %w", err)
	}

	seen := map[time.Time]bool{}
	var days []time.Time
	for _, e := range entries {
		if !e.Global {
			continue
		}
		day, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", e.Date, err)
		}
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	return days, nil
}

// NewSource builds the configured holiday source
func NewSource(provider, baseURL string, timeout time.Duration, logger zerolog.Logger) (HolidaySource, error) {
	switch provider {
	case "", ProviderBuiltin:
		return BuiltinSource{}, nil
	case ProviderNager:
		return NewNagerSource(baseURL, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown holiday provider %q", provider)
	}
}
