package priceapi

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"nrgchamp/powercontroller/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubFetcher struct {
	points []model.PricePoint
	err    error
}

func (f stubFetcher) Fetch(ctx context.Context) ([]model.PricePoint, []UsageRow, error) {
	return f.points, nil, f.err
}

type stubFallback struct{ hit bool; price *float64 }

func (s stubFallback) InWindow(string, time.Time) (bool, *float64, error) { return s.hit, s.price, nil }

func TestRefreshMergesPoints(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(stubFetcher{points: []model.PricePoint{
		{Start: now, Duration: model.SlotDuration, Channel: "general", PriceC: 12, Quality: model.QualityForecast},
	}}, Config{DefaultPrice: 30}, discardLogger())

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	p := c.PriceAt("general", now, nil, "")
	if p.PriceC != 12 || p.Quality != model.QualityForecast {
		t.Fatalf("expected merged forecast point, got %+v", p)
	}
}

func TestMergeNeverDowngradesActualWithForecast(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(stubFetcher{}, Config{DefaultPrice: 30}, discardLogger())

	c.mu.Lock()
	c.merge(model.PricePoint{Start: now, Channel: "general", PriceC: 20, Quality: model.QualityActual})
	c.merge(model.PricePoint{Start: now, Channel: "general", PriceC: 99, Quality: model.QualityForecast})
	c.mu.Unlock()

	p := c.PriceAt("general", now, nil, "")
	if p.PriceC != 20 || p.Quality != model.QualityActual {
		t.Fatalf("expected actual point to survive a forecast overwrite attempt, got %+v", p)
	}
}

func TestPriceAtFallsBackToScheduleWhenMissing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(stubFetcher{}, Config{DefaultPrice: 30}, discardLogger())

	price := 7.5
	p := c.PriceAt("general", now, stubFallback{hit: true, price: &price}, "night")
	if p.Quality != model.QualityFallbackSchedule || p.PriceC != price {
		t.Fatalf("expected schedule fallback point, got %+v", p)
	}
}

func TestPriceAtFallsBackToDefaultWhenNoScheduleHit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(stubFetcher{}, Config{DefaultPrice: 30}, discardLogger())

	p := c.PriceAt("general", now, stubFallback{hit: false}, "night")
	if p.Quality != model.QualityDefault || p.PriceC != 30 {
		t.Fatalf("expected default fallback point, got %+v", p)
	}
}
