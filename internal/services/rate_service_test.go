package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/karatworks/api/internal/domain"
)

func testRateService(t *testing.T, rates *fakeRateRepository, stones *fakeStoneRepository, logger func(context.Context, string, map[string]any)) *RateService {
	t.Helper()
	service, err := NewRateService(RateServiceDeps{Rates: rates, Stones: stones, Logger: logger})
	if err != nil {
		t.Fatalf("NewRateService error: %v", err)
	}
	return service
}

func TestRateService_GetRates(t *testing.T) {
	service := testRateService(t, &fakeRateRepository{rates: testRates()}, &fakeStoneRepository{}, nil)

	rates, err := service.GetRates(context.Background())
	if err != nil {
		t.Fatalf("GetRates error: %v", err)
	}
	if rates.Gold22kt != 6500 || rates.Silver != 90 {
		t.Fatalf("unexpected rates %+v", rates)
	}
}

func TestRateService_GetRatesNotConfigured(t *testing.T) {
	service := testRateService(t, &fakeRateRepository{err: repoError{notFound: true}}, &fakeStoneRepository{}, nil)

	if _, err := service.GetRates(context.Background()); !errors.Is(err, ErrRatesNotConfigured) {
		t.Fatalf("want ErrRatesNotConfigured, got %v", err)
	}
}

func TestRateService_ReplaceRates(t *testing.T) {
	repo := &fakeRateRepository{}
	recorder := &logRecorder{}
	service := testRateService(t, repo, &fakeStoneRepository{}, recorder.log)

	if err := service.ReplaceRates(context.Background(), testRates()); err != nil {
		t.Fatalf("ReplaceRates error: %v", err)
	}
	if repo.rates.Gold24kt != 7100 {
		t.Fatalf("expected snapshot to be stored, got %+v", repo.rates)
	}
	if !recorder.has("metal_rates_replaced") {
		t.Fatalf("expected replacement event, got %v", recorder.events)
	}
}

func TestRateService_ReplaceRatesRejectsInvalid(t *testing.T) {
	repo := &fakeRateRepository{}
	service := testRateService(t, repo, &fakeStoneRepository{}, nil)

	invalid := testRates()
	invalid.Platinum = 0
	if err := service.ReplaceRates(context.Background(), invalid); !errors.Is(err, ErrRatesInvalid) {
		t.Fatalf("want ErrRatesInvalid, got %v", err)
	}
	if repo.rates.Gold24kt != 0 {
		t.Fatalf("invalid snapshot must not be stored, got %+v", repo.rates)
	}
}

func TestRateService_ListStones(t *testing.T) {
	stones := &fakeStoneRepository{entries: []domain.StoneCatalogEntry{
		{StoneID: "dia_r1", StoneType: "Diamond"},
		{StoneID: "ruby_1", StoneType: "Ruby"},
	}}
	service := testRateService(t, &fakeRateRepository{}, stones, nil)

	entries, err := service.ListStones(context.Background())
	if err != nil {
		t.Fatalf("ListStones error: %v", err)
	}
	if len(entries) != 2 || entries[0].StoneID != "dia_r1" {
		t.Fatalf("unexpected catalog %+v", entries)
	}
}
