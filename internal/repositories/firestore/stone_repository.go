package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	domain "github.com/karatworks/api/internal/domain"
	pfirestore "github.com/karatworks/api/internal/platform/firestore"
	"github.com/karatworks/api/internal/repositories"
)

const stonesCollection = "stones"

// StoneCatalogRepository reads the stone catalog used for slab pricing and
// commodity classification. The catalog is admin-curated and small; callers
// cache it.
type StoneCatalogRepository struct {
	base *pfirestore.Collection[domain.StoneCatalogEntry]
}

// NewStoneCatalogRepository constructs a Firestore-backed stone catalog.
func NewStoneCatalogRepository(provider *pfirestore.Provider) (*StoneCatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("stone catalog repository: firestore provider is required")
	}

	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.StoneCatalogEntry, error) {
		var doc stoneDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.StoneCatalogEntry{}, err
		}
		return decodeStoneDocument(snap.Ref.ID, doc), nil
	}

	base := pfirestore.NewCollection[domain.StoneCatalogEntry](provider, stonesCollection, nil, decoder)
	return &StoneCatalogRepository{base: base}, nil
}

// List returns every catalog entry ordered by document ID.
func (r *StoneCatalogRepository) List(ctx context.Context) ([]domain.StoneCatalogEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("stone catalog repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.StoneCatalogEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.Data)
	}
	return entries, nil
}

type stoneDocument struct {
	StoneType string              `firestore:"stoneType"`
	Slabs     []stoneSlabDocument `firestore:"slabs,omitempty"`
}

type stoneSlabDocument struct {
	FromWeight    float64 `firestore:"fromWeight"`
	ToWeight      float64 `firestore:"toWeight"`
	PricePerCarat float64 `firestore:"pricePerCarat"`
}

func decodeStoneDocument(id string, doc stoneDocument) domain.StoneCatalogEntry {
	slabs := make([]domain.StoneSlab, 0, len(doc.Slabs))
	for _, slab := range doc.Slabs {
		slabs = append(slabs, domain.StoneSlab{
			FromWeight:    slab.FromWeight,
			ToWeight:      slab.ToWeight,
			PricePerCarat: slab.PricePerCarat,
		})
	}
	return domain.StoneCatalogEntry{
		StoneID:   id,
		StoneType: doc.StoneType,
		Slabs:     slabs,
	}
}

var _ repositories.StoneCatalogRepository = (*StoneCatalogRepository)(nil)
