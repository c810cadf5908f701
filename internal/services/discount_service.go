package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/repositories"
)

const discountRuleIDPrefix = "dr_"

var (
	// ErrDiscountRuleInvalid signals a rule that fails validation.
	ErrDiscountRuleInvalid = errors.New("discount rules: invalid rule")
	// ErrDiscountRuleNotFound indicates the rule does not exist.
	ErrDiscountRuleNotFound = errors.New("discount rules: rule not found")
	// ErrDiscountRuleInactive signals an operation that requires an active rule.
	ErrDiscountRuleInactive = errors.New("discount rules: rule is not active")
)

// DiscountServiceDeps enumerates collaborators for NewDiscountService.
type DiscountServiceDeps struct {
	Rules       repositories.DiscountRuleRepository
	Engine      *DiscountEngine
	IDGenerator func() string
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// DiscountService owns the discount-rule lifecycle: validation, persistence,
// application to targets, conflict resolution, and removal. The engine does
// the per-product work; this service sequences it.
type DiscountService struct {
	rules  repositories.DiscountRuleRepository
	engine *DiscountEngine
	newID  func() string
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewDiscountService wires dependencies into a DiscountService.
func NewDiscountService(deps DiscountServiceDeps) (*DiscountService, error) {
	if deps.Rules == nil {
		return nil, errors.New("discount service: rule repository is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("discount service: engine is required")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string {
			return discountRuleIDPrefix + strings.ToLower(ulid.Make().String())
		}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &DiscountService{
		rules:  deps.Rules,
		engine: deps.Engine,
		newID:  newID,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// CreateRule validates and persists a new rule, then applies it to its
// targets when active. A conflicted application performs zero product writes
// but the rule itself is still created; the conflicts come back for explicit
// resolution.
func (s *DiscountService) CreateRule(ctx context.Context, input domain.DiscountRule) (domain.DiscountRule, domain.BulkApplyResult, error) {
	if err := validateRule(input); err != nil {
		return domain.DiscountRule{}, domain.BulkApplyResult{}, err
	}

	now := s.clock()
	rule := input
	rule.ID = s.newID()
	rule.Title = strings.TrimSpace(rule.Title)
	rule.Target = strings.TrimSpace(rule.Target)
	rule.TargetProducts = uniqueTrimmed(rule.TargetProducts)
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.LastAppliedAt = nil

	created, err := s.rules.Insert(ctx, rule)
	if err != nil {
		return domain.DiscountRule{}, domain.BulkApplyResult{}, err
	}
	s.logger(ctx, "discount_rule_created", map[string]any{
		"ruleId":          created.ID,
		"applicationType": string(created.ApplicationType),
		"active":          created.IsActive,
	})

	if !created.IsActive {
		return created, domain.BulkApplyResult{}, nil
	}

	application, err := s.applyRule(ctx, created)
	if err != nil {
		// The rule exists either way; surface the application failure.
		return created, domain.BulkApplyResult{}, err
	}
	return created, application, nil
}

// UpdateRule validates and persists changes to a rule, removes the discount
// from targets the change no longer covers, and re-applies to the current
// target set when the rule is active.
func (s *DiscountService) UpdateRule(ctx context.Context, input domain.DiscountRule) (domain.DiscountRule, domain.BulkApplyResult, error) {
	if strings.TrimSpace(input.ID) == "" {
		return domain.DiscountRule{}, domain.BulkApplyResult{}, fmt.Errorf("%w: id is required", ErrDiscountRuleInvalid)
	}
	if err := validateRule(input); err != nil {
		return domain.DiscountRule{}, domain.BulkApplyResult{}, err
	}

	existing, err := s.rules.FindByID(ctx, input.ID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.DiscountRule{}, domain.BulkApplyResult{}, fmt.Errorf("%w: %s", ErrDiscountRuleNotFound, input.ID)
		}
		return domain.DiscountRule{}, domain.BulkApplyResult{}, err
	}

	rule := input
	rule.Title = strings.TrimSpace(rule.Title)
	rule.Target = strings.TrimSpace(rule.Target)
	rule.TargetProducts = uniqueTrimmed(rule.TargetProducts)
	rule.CreatedAt = existing.CreatedAt
	rule.LastAppliedAt = existing.LastAppliedAt
	rule.UpdatedAt = s.clock()

	updated, err := s.rules.Update(ctx, rule)
	if err != nil {
		return domain.DiscountRule{}, domain.BulkApplyResult{}, err
	}
	s.logger(ctx, "discount_rule_updated", map[string]any{
		"ruleId": updated.ID,
		"active": updated.IsActive,
	})

	previousTargets, err := s.rules.Targets(ctx, updated.ID)
	if err != nil && !isRepoNotFound(err) {
		return updated, domain.BulkApplyResult{}, err
	}

	if !updated.IsActive {
		// Deactivation strips the discount everywhere it was applied.
		if len(previousTargets) > 0 {
			if _, err := s.engine.Remove(ctx, updated.ID, previousTargets); err != nil {
				return updated, domain.BulkApplyResult{}, err
			}
			if err := s.rules.SaveTargets(ctx, updated.ID, nil); err != nil {
				return updated, domain.BulkApplyResult{}, err
			}
		}
		return updated, domain.BulkApplyResult{}, nil
	}

	currentTargets, err := s.engine.ResolveTargets(ctx, updated)
	if err != nil {
		return updated, domain.BulkApplyResult{}, err
	}
	departed := difference(previousTargets, currentTargets)
	if len(departed) > 0 {
		if _, err := s.engine.Remove(ctx, updated.ID, departed); err != nil {
			return updated, domain.BulkApplyResult{}, err
		}
	}

	application, err := s.applyResolved(ctx, updated, currentTargets)
	if err != nil {
		return updated, domain.BulkApplyResult{}, err
	}
	return updated, application, nil
}

// DeleteRule removes the rule's discount from every product it was applied
// to, then deletes the rule. Removal failures abort the deletion so no
// product is left pointing at a vanished rule.
func (s *DiscountService) DeleteRule(ctx context.Context, ruleID string) (domain.BulkApplyResult, error) {
	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return domain.BulkApplyResult{}, err
	}

	targets, err := s.rules.Targets(ctx, rule.ID)
	if err != nil && !isRepoNotFound(err) {
		return domain.BulkApplyResult{}, err
	}

	var removed domain.BulkApplyResult
	if len(targets) > 0 {
		removed, err = s.engine.Remove(ctx, rule.ID, targets)
		if err != nil {
			return domain.BulkApplyResult{}, err
		}
		if removed.FailCount > 0 {
			return removed, fmt.Errorf("discount rules: %d products failed discount removal, rule %s not deleted", removed.FailCount, rule.ID)
		}
	}

	if err := s.rules.Delete(ctx, rule.ID); err != nil {
		return removed, err
	}
	s.logger(ctx, "discount_rule_deleted", map[string]any{"ruleId": rule.ID})
	return removed, nil
}

// GetRule fetches one rule by ID.
func (s *DiscountService) GetRule(ctx context.Context, ruleID string) (domain.DiscountRule, error) {
	ruleID = strings.TrimSpace(ruleID)
	if ruleID == "" {
		return domain.DiscountRule{}, fmt.Errorf("%w: id is required", ErrDiscountRuleInvalid)
	}
	rule, err := s.rules.FindByID(ctx, ruleID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.DiscountRule{}, fmt.Errorf("%w: %s", ErrDiscountRuleNotFound, ruleID)
		}
		return domain.DiscountRule{}, err
	}
	return rule, nil
}

// ListRules returns every stored rule.
func (s *DiscountService) ListRules(ctx context.Context) ([]domain.DiscountRule, error) {
	return s.rules.List(ctx)
}

// ApplyRule applies an existing active rule to its resolved targets.
func (s *DiscountService) ApplyRule(ctx context.Context, ruleID string) (domain.BulkApplyResult, error) {
	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return domain.BulkApplyResult{}, err
	}
	if !rule.IsActive {
		return domain.BulkApplyResult{}, fmt.Errorf("%w: %s", ErrDiscountRuleInactive, rule.ID)
	}
	return s.applyRule(ctx, rule)
}

// ResolveConflict carries out the caller's decision for one conflicted
// product. Replace applies the new rule, overwriting the existing record in
// the same write; keep_existing and skip change nothing.
func (s *DiscountService) ResolveConflict(ctx context.Context, ruleID, productID string, action domain.ConflictAction) (domain.ProductApplyResult, error) {
	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return domain.ProductApplyResult{}, err
	}

	switch action {
	case domain.ConflictReplace:
		if !rule.IsActive {
			return domain.ProductApplyResult{}, fmt.Errorf("%w: %s", ErrDiscountRuleInactive, rule.ID)
		}
		result, err := s.engine.ApplyToProduct(ctx, rule, productID)
		if err != nil {
			return domain.ProductApplyResult{}, err
		}
		if result.Success {
			if err := s.rememberTarget(ctx, rule.ID, productID); err != nil {
				return result, err
			}
		}
		s.logger(ctx, "discount_conflict_resolved", map[string]any{
			"ruleId":    rule.ID,
			"productId": productID,
			"action":    string(action),
		})
		return result, nil
	case domain.ConflictKeepExisting, domain.ConflictSkip:
		s.logger(ctx, "discount_conflict_resolved", map[string]any{
			"ruleId":    rule.ID,
			"productId": productID,
			"action":    string(action),
		})
		return domain.ProductApplyResult{ProductID: strings.TrimSpace(productID), Success: true}, nil
	default:
		return domain.ProductApplyResult{}, fmt.Errorf("%w: unknown conflict action %q", ErrDiscountRuleInvalid, action)
	}
}

// ResyncCollection reconciles an active collection rule against the
// collection's current membership.
func (s *DiscountService) ResyncCollection(ctx context.Context, ruleID string) (ResyncResult, error) {
	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return ResyncResult{}, err
	}
	if rule.ApplicationType != domain.ApplicationCollection {
		return ResyncResult{}, fmt.Errorf("%w: rule %s does not target a collection", ErrDiscountRuleInvalid, rule.ID)
	}
	if !rule.IsActive {
		return ResyncResult{}, fmt.Errorf("%w: %s", ErrDiscountRuleInactive, rule.ID)
	}

	previousTargets, err := s.rules.Targets(ctx, rule.ID)
	if err != nil && !isRepoNotFound(err) {
		return ResyncResult{}, err
	}

	result, err := s.engine.ResyncCollection(ctx, rule, previousTargets)
	if err != nil {
		return ResyncResult{}, err
	}

	// Conflicted additions stay out of the snapshot so the next resync
	// retries them once the conflict is resolved.
	snapshot := difference(result.CurrentTargets, conflictProductIDs(result.Conflicts))
	if err := s.rules.SaveTargets(ctx, rule.ID, snapshot); err != nil {
		return result, err
	}
	if err := s.rules.SetLastApplied(ctx, rule.ID, s.clock()); err != nil {
		return result, err
	}
	return result, nil
}

// ResyncCollectionByID resyncs every active collection rule targeting the
// given collection. Storefront webhooks only know the collection, not the
// rule.
func (s *DiscountService) ResyncCollectionByID(ctx context.Context, collectionID string) ([]ResyncResult, error) {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" {
		return nil, fmt.Errorf("%w: collection id is required", ErrDiscountRuleInvalid)
	}

	rules, err := s.rules.List(ctx)
	if err != nil {
		return nil, err
	}

	var results []ResyncResult
	for _, rule := range rules {
		if rule.ApplicationType != domain.ApplicationCollection || !rule.IsActive {
			continue
		}
		if strings.TrimSpace(rule.Target) != collectionID {
			continue
		}
		result, err := s.ResyncCollection(ctx, rule.ID)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *DiscountService) applyRule(ctx context.Context, rule domain.DiscountRule) (domain.BulkApplyResult, error) {
	targets, err := s.engine.ResolveTargets(ctx, rule)
	if err != nil {
		return domain.BulkApplyResult{}, err
	}
	return s.applyResolved(ctx, rule, targets)
}

func (s *DiscountService) applyResolved(ctx context.Context, rule domain.DiscountRule, targets []string) (domain.BulkApplyResult, error) {
	if len(targets) == 0 {
		return domain.BulkApplyResult{}, nil
	}

	application, err := s.engine.Apply(ctx, rule, targets)
	if err != nil {
		return domain.BulkApplyResult{}, err
	}
	if len(application.Conflicts) > 0 {
		return application, nil
	}

	if err := s.rules.SaveTargets(ctx, rule.ID, targets); err != nil {
		return application, err
	}
	if err := s.rules.SetLastApplied(ctx, rule.ID, s.clock()); err != nil {
		return application, err
	}
	return application, nil
}

func (s *DiscountService) rememberTarget(ctx context.Context, ruleID, productID string) error {
	targets, err := s.rules.Targets(ctx, ruleID)
	if err != nil && !isRepoNotFound(err) {
		return err
	}
	productID = strings.TrimSpace(productID)
	for _, target := range targets {
		if target == productID {
			return nil
		}
	}
	return s.rules.SaveTargets(ctx, ruleID, append(targets, productID))
}

// validateRule enforces the all-types invariant: a rule is storable only when
// its gold, diamond, and silver blocks are all enabled and individually
// valid, so application never depends on what the targets turn out to be.
func validateRule(rule domain.DiscountRule) error {
	if strings.TrimSpace(rule.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrDiscountRuleInvalid)
	}

	switch rule.ApplicationType {
	case domain.ApplicationCollection:
		if strings.TrimSpace(rule.Target) == "" {
			return fmt.Errorf("%w: collection target is required", ErrDiscountRuleInvalid)
		}
	case domain.ApplicationProducts:
		if len(uniqueTrimmed(rule.TargetProducts)) == 0 {
			return fmt.Errorf("%w: at least one target product is required", ErrDiscountRuleInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown application type %q", ErrDiscountRuleInvalid, rule.ApplicationType)
	}

	if !rule.GoldRules.Enabled {
		return fmt.Errorf("%w: gold rules must be enabled", ErrDiscountRuleInvalid)
	}
	// Zero is a valid setting for both blocks: a 0% gold rule and a zero
	// diamond amount simply yield no discount for that commodity.
	if rule.GoldRules.Percentage < 0 || rule.GoldRules.Percentage > 100 {
		return fmt.Errorf("%w: gold percentage must be in [0, 100]", ErrDiscountRuleInvalid)
	}

	if !rule.DiamondRules.Enabled {
		return fmt.Errorf("%w: diamond rules must be enabled", ErrDiscountRuleInvalid)
	}
	if rule.DiamondRules.Amount < 0 {
		return fmt.Errorf("%w: diamond amount must not be negative", ErrDiscountRuleInvalid)
	}

	if !rule.SilverRules.Enabled {
		return fmt.Errorf("%w: silver rules must be enabled", ErrDiscountRuleInvalid)
	}
	if len(rule.SilverRules.Slabs) == 0 {
		return fmt.Errorf("%w: at least one silver weight slab is required", ErrDiscountRuleInvalid)
	}
	for i, slab := range rule.SilverRules.Slabs {
		if slab.FromWeight < 0 {
			return fmt.Errorf("%w: silver slab %d has a negative lower bound", ErrDiscountRuleInvalid, i)
		}
		if slab.ToWeight <= slab.FromWeight {
			return fmt.Errorf("%w: silver slab %d has an empty weight band", ErrDiscountRuleInvalid, i)
		}
		if slab.Amount <= 0 {
			return fmt.Errorf("%w: silver slab %d amount must be positive", ErrDiscountRuleInvalid, i)
		}
	}
	for i := 0; i < len(rule.SilverRules.Slabs); i++ {
		for j := i + 1; j < len(rule.SilverRules.Slabs); j++ {
			a, b := rule.SilverRules.Slabs[i], rule.SilverRules.Slabs[j]
			if a.FromWeight <= b.ToWeight && b.FromWeight <= a.ToWeight {
				return fmt.Errorf("%w: silver slabs %d and %d overlap", ErrDiscountRuleInvalid, i, j)
			}
		}
	}
	return nil
}
