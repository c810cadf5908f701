package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karatworks/api/internal/domain"
	pfirestore "github.com/karatworks/api/internal/platform/firestore"
	"github.com/karatworks/api/internal/repositories"
)

const (
	discountRulesCollection = "discountRules"
	ruleTargetsCollection   = "targets"
	ruleTargetsDocID        = "latest"
)

// DiscountRuleRepository persists discount rules plus the last-applied
// target snapshot each rule carries in a subdocument. The snapshot drives
// collection resync diffs.
type DiscountRuleRepository struct {
	base *pfirestore.Collection[domain.DiscountRule]
	now  func() time.Time
}

// NewDiscountRuleRepository constructs a Firestore-backed rule repository.
func NewDiscountRuleRepository(provider *pfirestore.Provider) (*DiscountRuleRepository, error) {
	if provider == nil {
		return nil, errors.New("discount rule repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.DiscountRule) (any, error) {
		return encodeDiscountRuleDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.DiscountRule, error) {
		var doc discountRuleDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.DiscountRule{}, err
		}
		return decodeDiscountRuleDocument(snap.Ref.ID, doc), nil
	}

	base := pfirestore.NewCollection[domain.DiscountRule](provider, discountRulesCollection, encoder, decoder)
	return &DiscountRuleRepository{base: base, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Insert creates the rule document; an existing ID is a conflict.
func (r *DiscountRuleRepository) Insert(ctx context.Context, rule domain.DiscountRule) (domain.DiscountRule, error) {
	if r == nil || r.base == nil {
		return domain.DiscountRule{}, errors.New("discount rule repository not initialised")
	}
	rule.ID = strings.TrimSpace(rule.ID)
	if rule.ID == "" {
		return domain.DiscountRule{}, errors.New("discount rule repository: id is required")
	}

	docRef, err := r.base.DocumentRef(ctx, rule.ID)
	if err != nil {
		return domain.DiscountRule{}, err
	}
	if _, err := docRef.Create(ctx, encodeDiscountRuleDocument(rule)); err != nil {
		return domain.DiscountRule{}, pfirestore.WrapError("discount_rules.insert", err)
	}
	return rule, nil
}

// Update replaces the rule document state.
func (r *DiscountRuleRepository) Update(ctx context.Context, rule domain.DiscountRule) (domain.DiscountRule, error) {
	if r == nil || r.base == nil {
		return domain.DiscountRule{}, errors.New("discount rule repository not initialised")
	}
	rule.ID = strings.TrimSpace(rule.ID)
	if rule.ID == "" {
		return domain.DiscountRule{}, errors.New("discount rule repository: id is required")
	}
	if err := r.base.Set(ctx, rule.ID, rule); err != nil {
		return domain.DiscountRule{}, err
	}
	return rule, nil
}

// Delete removes the rule and its target snapshot.
func (r *DiscountRuleRepository) Delete(ctx context.Context, ruleID string) error {
	if r == nil || r.base == nil {
		return errors.New("discount rule repository not initialised")
	}
	docRef, err := r.base.DocumentRef(ctx, strings.TrimSpace(ruleID))
	if err != nil {
		return err
	}
	if _, err := docRef.Collection(ruleTargetsCollection).Doc(ruleTargetsDocID).Delete(ctx); err != nil {
		return pfirestore.WrapError("discount_rules.delete_targets", err)
	}
	if _, err := docRef.Delete(ctx); err != nil {
		return pfirestore.WrapError("discount_rules.delete", err)
	}
	return nil
}

// FindByID loads one rule.
func (r *DiscountRuleRepository) FindByID(ctx context.Context, ruleID string) (domain.DiscountRule, error) {
	if r == nil || r.base == nil {
		return domain.DiscountRule{}, errors.New("discount rule repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(ruleID))
	if err != nil {
		return domain.DiscountRule{}, err
	}
	return doc.Data, nil
}

// List returns every rule, newest first.
func (r *DiscountRuleRepository) List(ctx context.Context) ([]domain.DiscountRule, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("discount rule repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	rules := make([]domain.DiscountRule, 0, len(docs))
	for _, doc := range docs {
		rules = append(rules, doc.Data)
	}
	return rules, nil
}

// SetLastApplied stamps the rule's last successful application.
func (r *DiscountRuleRepository) SetLastApplied(ctx context.Context, ruleID string, appliedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("discount rule repository not initialised")
	}
	return r.base.Update(ctx, strings.TrimSpace(ruleID), []firestore.Update{
		{Path: "lastAppliedAt", Value: appliedAt.UTC()},
		{Path: "updatedAt", Value: r.now()},
	})
}

// SaveTargets overwrites the rule's applied-target snapshot.
func (r *DiscountRuleRepository) SaveTargets(ctx context.Context, ruleID string, productIDs []string) error {
	if r == nil || r.base == nil {
		return errors.New("discount rule repository not initialised")
	}
	docRef, err := r.base.DocumentRef(ctx, strings.TrimSpace(ruleID))
	if err != nil {
		return err
	}
	payload := ruleTargetsDocument{
		ProductIDs: append([]string(nil), productIDs...),
		UpdatedAt:  r.now(),
	}
	if _, err := docRef.Collection(ruleTargetsCollection).Doc(ruleTargetsDocID).Set(ctx, payload); err != nil {
		return pfirestore.WrapError("discount_rules.save_targets", err)
	}
	return nil
}

// Targets loads the applied-target snapshot. A rule that was never applied
// has no snapshot and yields an empty list.
func (r *DiscountRuleRepository) Targets(ctx context.Context, ruleID string) ([]string, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("discount rule repository not initialised")
	}
	docRef, err := r.base.DocumentRef(ctx, strings.TrimSpace(ruleID))
	if err != nil {
		return nil, err
	}
	snap, err := docRef.Collection(ruleTargetsCollection).Doc(ruleTargetsDocID).Get(ctx)
	if err != nil {
		wrapped := pfirestore.WrapError("discount_rules.targets", err)
		var repoErr repositories.RepositoryError
		if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
			return nil, nil
		}
		return nil, wrapped
	}
	var doc ruleTargetsDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return doc.ProductIDs, nil
}

type discountRuleDocument struct {
	Title           string              `firestore:"title"`
	ApplicationType string              `firestore:"applicationType"`
	Target          string              `firestore:"target,omitempty"`
	TargetProducts  []string            `firestore:"targetProducts,omitempty"`
	GoldRules       goldRuleDocument    `firestore:"goldRules"`
	DiamondRules    diamondRuleDocument `firestore:"diamondRules"`
	SilverRules     silverRuleDocument  `firestore:"silverRules"`
	IsActive        bool                `firestore:"isActive"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	LastAppliedAt   *time.Time          `firestore:"lastAppliedAt,omitempty"`
}

type goldRuleDocument struct {
	Enabled    bool    `firestore:"enabled"`
	Percentage float64 `firestore:"percentage"`
}

type diamondRuleDocument struct {
	Enabled bool    `firestore:"enabled"`
	Amount  float64 `firestore:"amount"`
}

type silverRuleDocument struct {
	Enabled bool                 `firestore:"enabled"`
	Slabs   []weightSlabDocument `firestore:"slabs,omitempty"`
}

type weightSlabDocument struct {
	FromWeight float64 `firestore:"fromWeight"`
	ToWeight   float64 `firestore:"toWeight"`
	Amount     float64 `firestore:"amount"`
}

type ruleTargetsDocument struct {
	ProductIDs []string  `firestore:"productIds"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func encodeDiscountRuleDocument(rule domain.DiscountRule) discountRuleDocument {
	slabs := make([]weightSlabDocument, 0, len(rule.SilverRules.Slabs))
	for _, slab := range rule.SilverRules.Slabs {
		slabs = append(slabs, weightSlabDocument{
			FromWeight: slab.FromWeight,
			ToWeight:   slab.ToWeight,
			Amount:     slab.Amount,
		})
	}

	var lastApplied *time.Time
	if rule.LastAppliedAt != nil {
		cloned := rule.LastAppliedAt.UTC()
		lastApplied = &cloned
	}

	return discountRuleDocument{
		Title:           strings.TrimSpace(rule.Title),
		ApplicationType: string(rule.ApplicationType),
		Target:          strings.TrimSpace(rule.Target),
		TargetProducts:  append([]string(nil), rule.TargetProducts...),
		GoldRules: goldRuleDocument{
			Enabled:    rule.GoldRules.Enabled,
			Percentage: rule.GoldRules.Percentage,
		},
		DiamondRules: diamondRuleDocument{
			Enabled: rule.DiamondRules.Enabled,
			Amount:  rule.DiamondRules.Amount,
		},
		SilverRules: silverRuleDocument{
			Enabled: rule.SilverRules.Enabled,
			Slabs:   slabs,
		},
		IsActive:      rule.IsActive,
		CreatedAt:     rule.CreatedAt.UTC(),
		UpdatedAt:     rule.UpdatedAt.UTC(),
		LastAppliedAt: lastApplied,
	}
}

func decodeDiscountRuleDocument(id string, doc discountRuleDocument) domain.DiscountRule {
	slabs := make([]domain.WeightSlab, 0, len(doc.SilverRules.Slabs))
	for _, slab := range doc.SilverRules.Slabs {
		slabs = append(slabs, domain.WeightSlab{
			FromWeight: slab.FromWeight,
			ToWeight:   slab.ToWeight,
			Amount:     slab.Amount,
		})
	}

	var lastApplied *time.Time
	if doc.LastAppliedAt != nil {
		cloned := doc.LastAppliedAt.UTC()
		lastApplied = &cloned
	}

	return domain.DiscountRule{
		ID:              id,
		Title:           doc.Title,
		ApplicationType: domain.ApplicationType(doc.ApplicationType),
		Target:          doc.Target,
		TargetProducts:  append([]string(nil), doc.TargetProducts...),
		GoldRules: domain.GoldRule{
			Enabled:    doc.GoldRules.Enabled,
			Percentage: doc.GoldRules.Percentage,
		},
		DiamondRules: domain.DiamondRule{
			Enabled: doc.DiamondRules.Enabled,
			Amount:  doc.DiamondRules.Amount,
		},
		SilverRules: domain.SilverRule{
			Enabled: doc.SilverRules.Enabled,
			Slabs:   slabs,
		},
		IsActive:      doc.IsActive,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
		LastAppliedAt: lastApplied,
	}
}

var _ repositories.DiscountRuleRepository = (*DiscountRuleRepository)(nil)
