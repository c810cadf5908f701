package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karatworks/api/internal/domain"
	pfirestore "github.com/karatworks/api/internal/platform/firestore"
	"github.com/karatworks/api/internal/repositories"
)

const (
	settingsCollection = "settings"
	metalRatesDocID    = "metalRates"
)

// RateRepository persists the metal-rate snapshot as a singleton settings
// document. The snapshot is replaced wholesale on every write.
type RateRepository struct {
	base *pfirestore.Collection[domain.MetalRates]
	now  func() time.Time
}

// NewRateRepository constructs a Firestore-backed rate repository.
func NewRateRepository(provider *pfirestore.Provider) (*RateRepository, error) {
	if provider == nil {
		return nil, errors.New("rate repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.MetalRates) (any, error) {
		return encodeMetalRatesDocument(value, time.Now().UTC()), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.MetalRates, error) {
		var doc metalRatesDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.MetalRates{}, err
		}
		return decodeMetalRatesDocument(doc), nil
	}

	base := pfirestore.NewCollection[domain.MetalRates](provider, settingsCollection, encoder, decoder)
	return &RateRepository{base: base, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Get loads the current snapshot.
func (r *RateRepository) Get(ctx context.Context) (domain.MetalRates, error) {
	if r == nil || r.base == nil {
		return domain.MetalRates{}, errors.New("rate repository not initialised")
	}
	doc, err := r.base.Get(ctx, metalRatesDocID)
	if err != nil {
		return domain.MetalRates{}, err
	}
	return doc.Data, nil
}

// Replace overwrites the snapshot.
func (r *RateRepository) Replace(ctx context.Context, rates domain.MetalRates) error {
	if r == nil || r.base == nil {
		return errors.New("rate repository not initialised")
	}
	docRef, err := r.base.DocumentRef(ctx, metalRatesDocID)
	if err != nil {
		return err
	}
	if _, err := docRef.Set(ctx, encodeMetalRatesDocument(rates, r.now())); err != nil {
		return pfirestore.WrapError("metal_rates.replace", err)
	}
	return nil
}

type metalRatesDocument struct {
	Gold24kt  float64   `firestore:"gold24kt"`
	Gold22kt  float64   `firestore:"gold22kt"`
	Gold18kt  float64   `firestore:"gold18kt"`
	Gold14kt  float64   `firestore:"gold14kt"`
	Platinum  float64   `firestore:"platinum"`
	Silver    float64   `firestore:"silver"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func encodeMetalRatesDocument(rates domain.MetalRates, updatedAt time.Time) metalRatesDocument {
	return metalRatesDocument{
		Gold24kt:  rates.Gold24kt,
		Gold22kt:  rates.Gold22kt,
		Gold18kt:  rates.Gold18kt,
		Gold14kt:  rates.Gold14kt,
		Platinum:  rates.Platinum,
		Silver:    rates.Silver,
		UpdatedAt: updatedAt,
	}
}

func decodeMetalRatesDocument(doc metalRatesDocument) domain.MetalRates {
	return domain.MetalRates{
		Gold24kt: doc.Gold24kt,
		Gold22kt: doc.Gold22kt,
		Gold18kt: doc.Gold18kt,
		Gold14kt: doc.Gold14kt,
		Platinum: doc.Platinum,
		Silver:   doc.Silver,
	}
}

var _ repositories.RateRepository = (*RateRepository)(nil)
