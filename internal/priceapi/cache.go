// Package priceapi implements the Price Cache: it holds
// the merged half-hourly forecast per channel, refreshes it from an
// external price API on a timer, persists it so a restart doesn't lose
// the forecast, and falls back to schedule/default pricing when the
// source is down.
package priceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nrgchamp/powercontroller/internal/breaker"
	"nrgchamp/powercontroller/internal/model"
)

// Fetcher is the external price API client contract. The real
// HTTPS/bearer-token client is wired in by the caller; this package
// only depends on the interface.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.PricePoint, []UsageRow, error)
}

// UsageRow is one hourly usage/cost observation the source may supply
// alongside price intervals.
type UsageRow struct {
	Hour     time.Time
	Channel  string
	UsageKWh float64
	CostC    float64
}

type slotKey struct {
	channel string
	unix    int64
}

// Cache is the Price Cache component. One Cache instance serves every
// channel the system cares about.
type Cache struct {
	log     *slog.Logger
	fetcher Fetcher
	brk     *breaker.Breaker

	staleTTL     time.Duration
	defaultPrice float64
	cacheFile    string
	historyDays  int

	mu                sync.RWMutex
	points            map[slotKey]model.PricePoint
	usageRing         []UsageRow
	lastSuccessfulFetch time.Time
	down              bool
}

// Fallback resolves schedule/default pricing when the cache is down or a
// channel is running in Schedule mode. It is satisfied by
// internal/schedule's Evaluator.
type Fallback interface {
	InWindow(scheduleName string, at time.Time) (bool, *float64, error)
}

type Config struct {
	StaleTTL      time.Duration
	DefaultPrice  float64
	CacheFile     string
	MaxConcurrentErrors int
	ResetTimeout  time.Duration
	HistoryDays   int
}

func New(fetcher Fetcher, cfg Config, log *slog.Logger) *Cache {
	c := &Cache{
		log:          log.With("component", "pricecache"),
		fetcher:      fetcher,
		staleTTL:     cfg.StaleTTL,
		defaultPrice: cfg.DefaultPrice,
		cacheFile:    cfg.CacheFile,
		historyDays:  cfg.HistoryDays,
		points:       map[slotKey]model.PricePoint{},
	}
	c.brk = breaker.New("price-api", breaker.Config{MaxFailures: cfg.MaxConcurrentErrors, ResetTimeout: cfg.ResetTimeout}, log, func() {
		c.mu.Lock()
		c.down = true
		c.mu.Unlock()
		c.log.Error("price_source_down")
	})
	return c
}

// IsDown reports whether the price source has been declared DOWN after
// MaxConcurrentErrors consecutive refresh failures.
func (c *Cache) IsDown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.down
}

// Refresh fetches from the external API, merges with the in-memory
// cache (actual > current > forecast; never overwrite actual with
// forecast), and persists atomically. It is idempotent and safe to
// call on demand (e.g. the HTTP /refresh endpoint).
func (c *Cache) Refresh(ctx context.Context) error {
	var points []model.PricePoint
	var usage []UsageRow
	err := c.brk.Execute(ctx, func(ctx context.Context) error {
		p, u, err := c.fetcher.Fetch(ctx)
		if err != nil {
			return err
		}
		points, usage = p, u
		return nil
	})
	if err != nil {
		c.log.Warn("refresh_failed", "error", err)
		return err
	}

	c.mu.Lock()
	for _, p := range points {
		c.merge(p)
	}
	c.appendUsage(usage)
	c.lastSuccessfulFetch = time.Now()
	c.down = false
	c.mu.Unlock()

	c.log.Info("refresh_ok", "points", len(points))
	return c.persist()
}

// merge applies last-writer-wins, except that a point never replaces one
// of higher quality (actual > current > forecast).
// Caller must hold c.mu.
func (c *Cache) merge(p model.PricePoint) {
	key := slotKey{channel: p.Channel, unix: p.Start.Unix()}
	existing, ok := c.points[key]
	if ok && p.Quality < existing.Quality {
		return
	}
	c.points[key] = p
}

func (c *Cache) appendUsage(rows []UsageRow) {
	c.usageRing = append(c.usageRing, rows...)
	if c.historyDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -c.historyDays)
	kept := c.usageRing[:0:0]
	for _, r := range c.usageRing {
		if r.Hour.After(cutoff) {
			kept = append(kept, r)
		}
	}
	c.usageRing = kept
}

// PriceAt returns the PricePoint for a channel/instant, downgrading
// quality to cached-stale if the last successful refresh is older than
// the configured TTL, and falling back to schedule/default pricing if
// the source is down or the point is simply missing.
func (c *Cache) PriceAt(channel string, at time.Time, fb Fallback, scheduleName string) model.PricePoint {
	slotStart := at.Truncate(model.SlotDuration)
	c.mu.RLock()
	p, ok := c.points[slotKey{channel: channel, unix: slotStart.Unix()}]
	stale := !c.lastSuccessfulFetch.IsZero() && time.Since(c.lastSuccessfulFetch) > c.staleTTL
	down := c.down
	c.mu.RUnlock()

	if ok && !down {
		if stale && p.Quality > model.QualityCachedStale {
			p.Quality = model.QualityCachedStale
		}
		return p
	}

	return c.fallback(channel, slotStart, fb, scheduleName)
}

// Forecast returns the ordered PricePoints for [from, to) on a channel,
// synthesising fallback points for any gaps.
func (c *Cache) Forecast(channel string, from, to time.Time, fb Fallback, scheduleName string) []model.PricePoint {
	var out []model.PricePoint
	for t := from.Truncate(model.SlotDuration); t.Before(to); t = t.Add(model.SlotDuration) {
		out = append(out, c.PriceAt(channel, t, fb, scheduleName))
	}
	return out
}

func (c *Cache) fallback(channel string, slotStart time.Time, fb Fallback, scheduleName string) model.PricePoint {
	if fb != nil && scheduleName != "" {
		hit, price, err := fb.InWindow(scheduleName, slotStart)
		if err == nil && hit {
			p := c.defaultPrice
			if price != nil {
				p = *price
			}
			return model.PricePoint{Start: slotStart, Duration: model.SlotDuration, Channel: channel, PriceC: p, Quality: model.QualityFallbackSchedule}
		}
	}
	return model.PricePoint{Start: slotStart, Duration: model.SlotDuration, Channel: channel, PriceC: c.defaultPrice, Quality: model.QualityDefault}
}

// --- persistence -----------------------------------------------------

type diskPoint struct {
	Channel string    `json:"channel"`
	Start   time.Time `json:"start"`
	PriceC  float64   `json:"priceC"`
	Quality int       `json:"quality"`
}

type diskFile struct {
	Points []diskPoint `json:"points"`
	Usage  []UsageRow  `json:"usage"`
}

// persist writes the cache to disk atomically: write a temp file in the
// same directory, then rename over the target, the same durable-write
// path internal/statestore uses.
func (c *Cache) persist() error {
	if c.cacheFile == "" {
		return nil
	}
	c.mu.RLock()
	df := diskFile{Points: make([]diskPoint, 0, len(c.points)), Usage: c.usageRing}
	for k, p := range c.points {
		df.Points = append(df.Points, diskPoint{Channel: k.channel, Start: p.Start, PriceC: p.PriceC, Quality: int(p.Quality)})
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		return fmt.Errorf("pricecache: marshal: %w", err)
	}

	dir := filepath.Dir(c.cacheFile)
	_ = os.MkdirAll(dir, 0o755)
	tmp, err := os.CreateTemp(dir, ".price_cache-*.tmp")
	if err != nil {
		return fmt.Errorf("pricecache: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("pricecache: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("pricecache: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pricecache: close temp: %w", err)
	}
	return os.Rename(tmp.Name(), c.cacheFile)
}

// --- HTTP fetcher ------------------------------------------------------

// HTTPFetcher is the default Fetcher: a bearer-token JSON price API
// client, standing in for the out-of-scope specific provider's SDK
//. It expects the same {start, channel, priceC, quality,
// usage[]} shape the Price Cache already models, so no provider-specific
// translation layer lives outside this file.
type HTTPFetcher struct {
	url     string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPFetcher(url, apiKey string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{url: url, apiKey: apiKey, timeout: timeout, client: &http.Client{Timeout: timeout}}
}

type fetchResponse struct {
	Points []struct {
		Start   time.Time `json:"start"`
		Channel string    `json:"channel"`
		PriceC  float64   `json:"priceC"`
		Quality string    `json:"quality"`
	} `json:"points"`
	Usage []UsageRow `json:"usage"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]model.PricePoint, []UsageRow, error) {
	if f.url == "" {
		return nil, nil, fmt.Errorf("pricefetcher: no PriceAPIURL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("pricefetcher: build request: %w", err)
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("pricefetcher: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("pricefetcher: unexpected status %s", resp.Status)
	}

	var fr fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, nil, fmt.Errorf("pricefetcher: decode: %w", err)
	}

	points := make([]model.PricePoint, 0, len(fr.Points))
	for _, p := range fr.Points {
		points = append(points, model.PricePoint{
			Start:    p.Start,
			Duration: model.SlotDuration,
			Channel:  p.Channel,
			PriceC:   p.PriceC,
			Quality:  parseQuality(p.Quality),
		})
	}
	return points, fr.Usage, nil
}

func parseQuality(s string) model.PriceQuality {
	switch s {
	case "actual":
		return model.QualityActual
	case "current":
		return model.QualityCurrent
	case "forecast":
		return model.QualityForecast
	default:
		return model.QualityForecast
	}
}

// LoadFromDisk restores a previously persisted cache at startup. A
// missing file is not an error.
func (c *Cache) LoadFromDisk() error {
	if c.cacheFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.cacheFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pricecache: read %s: %w", c.cacheFile, err)
	}
	var df diskFile
	if err := json.Unmarshal(data, &df); err != nil {
		c.log.Warn("cache_file_corrupt_ignoring", "error", err)
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dp := range df.Points {
		c.points[slotKey{channel: dp.Channel, unix: dp.Start.Unix()}] = model.PricePoint{
			Start: dp.Start, Duration: model.SlotDuration, Channel: dp.Channel, PriceC: dp.PriceC, Quality: model.PriceQuality(dp.Quality),
		}
	}
	c.usageRing = df.Usage
	return nil
}
