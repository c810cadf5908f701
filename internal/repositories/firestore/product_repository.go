package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karatworks/api/internal/domain"
	pfirestore "github.com/karatworks/api/internal/platform/firestore"
	"github.com/karatworks/api/internal/platform/pagination"
	"github.com/karatworks/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads product pricing configurations and writes the
// derived price and discount state back. Price and discount writes are
// field-level updates so concurrent catalog edits are not clobbered.
type ProductRepository struct {
	base *pfirestore.Collection[domain.Product]
	now  func() time.Time
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}

	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Product, error) {
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Product{}, err
		}
		return decodeProductDocument(snap.Ref.ID, doc), nil
	}

	base := pfirestore.NewCollection[domain.Product](provider, productsCollection, nil, decoder)
	return &ProductRepository{base: base, now: func() time.Time { return time.Now().UTC() }}, nil
}

// GetConfiguration loads one product with its pricing configuration.
func (r *ProductRepository) GetConfiguration(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data, nil
}

// ListConfigured pages through products that carry a pricing configuration,
// ordered by document ID. The returned cursor is an opaque page token; pass
// it back to continue.
func (r *ProductRepository) ListConfigured(ctx context.Context, cursor string, pageSize int) (repositories.ProductPage, error) {
	if r == nil || r.base == nil {
		return repositories.ProductPage{}, errors.New("product repository not initialised")
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	decoded, err := pagination.DecodeToken(cursor)
	if err != nil {
		return repositories.ProductPage{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("configured", "==", true).OrderBy(firestore.DocumentID, firestore.Asc)
		if len(decoded.StartAfter) > 0 {
			q = q.StartAfter(decoded.StartAfter...)
		}
		return q.Limit(pageSize)
	})
	if err != nil {
		return repositories.ProductPage{}, err
	}

	page := repositories.ProductPage{Products: make([]domain.Product, 0, len(docs))}
	for _, doc := range docs {
		page.Products = append(page.Products, doc.Data)
	}
	if len(docs) == pageSize {
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{docs[len(docs)-1].ID}})
		if err != nil {
			return repositories.ProductPage{}, err
		}
		page.NextCursor = token
	}
	return page, nil
}

// SetPrice writes the computed price for the product's storefront variant.
func (r *ProductRepository) SetPrice(ctx context.Context, productID, variantRef string, amount float64) error {
	if r == nil || r.base == nil {
		return errors.New("product repository not initialised")
	}
	return r.base.Update(ctx, strings.TrimSpace(productID), []firestore.Update{
		{Path: "price", Value: amount},
		{Path: "variantRef", Value: strings.TrimSpace(variantRef)},
		{Path: "priceUpdatedAt", Value: r.now()},
	})
}

// SetDiscountRecord overwrites the product's embedded discount state.
func (r *ProductRepository) SetDiscountRecord(ctx context.Context, productID string, record domain.ProductDiscountRecord) error {
	if r == nil || r.base == nil {
		return errors.New("product repository not initialised")
	}
	return r.base.Update(ctx, strings.TrimSpace(productID), []firestore.Update{
		{Path: "discount", Value: encodeDiscountRecordDocument(record)},
	})
}

// ListCollectionMembers returns products belonging to the collection.
func (r *ProductRepository) ListCollectionMembers(ctx context.Context, collectionID string, limit int) ([]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" {
		return nil, errors.New("product repository: collection id is required")
	}
	if limit <= 0 {
		limit = 250
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("collections", "array-contains", collectionID).
			OrderBy(firestore.DocumentID, firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	members := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		members = append(members, doc.Data)
	}
	return members, nil
}

type productDocument struct {
	VariantRef  string                  `firestore:"variantRef,omitempty"`
	Configured  bool                    `firestore:"configured"`
	Config      productConfigDocument   `firestore:"config"`
	Price       float64                 `firestore:"price,omitempty"`
	Discount    *discountRecordDocument `firestore:"discount,omitempty"`
	Collections []string                `firestore:"collections,omitempty"`
}

type productConfigDocument struct {
	MetalWeight         float64             `firestore:"metalWeight"`
	MetalType           string              `firestore:"metalType"`
	MakingChargePercent float64             `firestore:"makingChargePercent"`
	LabourType          string              `firestore:"labourType"`
	LabourValue         float64             `firestore:"labourValue"`
	WastageType         string              `firestore:"wastageType"`
	WastageValue        float64             `firestore:"wastageValue"`
	Stones              []stoneLineDocument `firestore:"stones,omitempty"`
	TaxPercent          float64             `firestore:"taxPercent"`
}

type stoneLineDocument struct {
	StoneID   string  `firestore:"stoneId,omitempty"`
	StoneType string  `firestore:"stoneType,omitempty"`
	Weight    float64 `firestore:"weight"`
	Count     int     `firestore:"count"`
	Cost      float64 `firestore:"cost"`
}

type discountRecordDocument struct {
	Enabled         bool      `firestore:"enabled"`
	DiscountID      string    `firestore:"discountId"`
	DiscountTitle   string    `firestore:"discountTitle,omitempty"`
	AppliedRuleType string    `firestore:"appliedRuleType,omitempty"`
	DiscountAmount  float64   `firestore:"discountAmount"`
	AppliedAt       time.Time `firestore:"appliedAt"`
}

func decodeProductDocument(id string, doc productDocument) domain.Product {
	stones := make([]domain.StoneLine, 0, len(doc.Config.Stones))
	for _, line := range doc.Config.Stones {
		stones = append(stones, domain.StoneLine{
			StoneID:   line.StoneID,
			StoneType: line.StoneType,
			Weight:    line.Weight,
			Count:     line.Count,
			Cost:      line.Cost,
		})
	}

	var record *domain.ProductDiscountRecord
	if doc.Discount != nil {
		decoded := domain.ProductDiscountRecord{
			Enabled:         doc.Discount.Enabled,
			DiscountID:      doc.Discount.DiscountID,
			DiscountTitle:   doc.Discount.DiscountTitle,
			AppliedRuleType: domain.CommodityType(doc.Discount.AppliedRuleType),
			DiscountAmount:  doc.Discount.DiscountAmount,
			AppliedAt:       doc.Discount.AppliedAt.UTC(),
		}
		record = &decoded
	}

	return domain.Product{
		ID:         id,
		VariantRef: doc.VariantRef,
		Configured: doc.Configured,
		Config: domain.ProductConfiguration{
			MetalWeight:         doc.Config.MetalWeight,
			MetalType:           doc.Config.MetalType,
			MakingChargePercent: doc.Config.MakingChargePercent,
			LabourType:          domain.LabourType(doc.Config.LabourType),
			LabourValue:         doc.Config.LabourValue,
			WastageType:         domain.WastageType(doc.Config.WastageType),
			WastageValue:        doc.Config.WastageValue,
			Stones:              stones,
			TaxPercent:          doc.Config.TaxPercent,
		},
		Price:       doc.Price,
		Discount:    record,
		Collections: append([]string(nil), doc.Collections...),
	}
}

func encodeDiscountRecordDocument(record domain.ProductDiscountRecord) discountRecordDocument {
	return discountRecordDocument{
		Enabled:         record.Enabled,
		DiscountID:      strings.TrimSpace(record.DiscountID),
		DiscountTitle:   strings.TrimSpace(record.DiscountTitle),
		AppliedRuleType: string(record.AppliedRuleType),
		DiscountAmount:  record.DiscountAmount,
		AppliedAt:       record.AppliedAt.UTC(),
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
