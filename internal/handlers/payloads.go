package handlers

import (
	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/services"
)

type metalRatesPayload struct {
	Gold24kt float64 `json:"gold_24kt"`
	Gold22kt float64 `json:"gold_22kt"`
	Gold18kt float64 `json:"gold_18kt"`
	Gold14kt float64 `json:"gold_14kt"`
	Platinum float64 `json:"platinum"`
	Silver   float64 `json:"silver"`
}

func buildMetalRatesPayload(rates domain.MetalRates) metalRatesPayload {
	return metalRatesPayload{
		Gold24kt: rates.Gold24kt,
		Gold22kt: rates.Gold22kt,
		Gold18kt: rates.Gold18kt,
		Gold14kt: rates.Gold14kt,
		Platinum: rates.Platinum,
		Silver:   rates.Silver,
	}
}

func (p metalRatesPayload) toDomain() domain.MetalRates {
	return domain.MetalRates{
		Gold24kt: p.Gold24kt,
		Gold22kt: p.Gold22kt,
		Gold18kt: p.Gold18kt,
		Gold14kt: p.Gold14kt,
		Platinum: p.Platinum,
		Silver:   p.Silver,
	}
}

type stoneLinePayload struct {
	StoneID   string  `json:"stone_id,omitempty"`
	StoneType string  `json:"stone_type,omitempty"`
	Weight    float64 `json:"weight"`
	Count     int     `json:"count,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
}

type productConfigPayload struct {
	MetalWeight         float64            `json:"metal_weight"`
	MetalType           string             `json:"metal_type"`
	MakingChargePercent float64            `json:"making_charge_percent"`
	LabourType          string             `json:"labour_type,omitempty"`
	LabourValue         float64            `json:"labour_value,omitempty"`
	WastageType         string             `json:"wastage_type,omitempty"`
	WastageValue        float64            `json:"wastage_value,omitempty"`
	Stones              []stoneLinePayload `json:"stones,omitempty"`
	TaxPercent          float64            `json:"tax_percent,omitempty"`
}

func (p productConfigPayload) toDomain() domain.ProductConfiguration {
	stones := make([]domain.StoneLine, 0, len(p.Stones))
	for _, line := range p.Stones {
		stones = append(stones, domain.StoneLine{
			StoneID:   line.StoneID,
			StoneType: line.StoneType,
			Weight:    line.Weight,
			Count:     line.Count,
			Cost:      line.Cost,
		})
	}
	return domain.ProductConfiguration{
		MetalWeight:         p.MetalWeight,
		MetalType:           p.MetalType,
		MakingChargePercent: p.MakingChargePercent,
		LabourType:          domain.LabourType(p.LabourType),
		LabourValue:         p.LabourValue,
		WastageType:         domain.WastageType(p.WastageType),
		WastageValue:        p.WastageValue,
		Stones:              stones,
		TaxPercent:          p.TaxPercent,
	}
}

type appliedDiscountPayload struct {
	Amount    float64 `json:"amount"`
	Type      string  `json:"type"`
	AppliedOn string  `json:"applied_on,omitempty"`
}

type priceBreakdownPayload struct {
	MetalCost               float64                 `json:"metal_cost"`
	MakingCharge            float64                 `json:"making_charge"`
	LabourCharge            float64                 `json:"labour_charge"`
	WastageCharge           float64                 `json:"wastage_charge"`
	StoneCost               float64                 `json:"stone_cost"`
	Subtotal                float64                 `json:"subtotal"`
	Discount                *appliedDiscountPayload `json:"discount,omitempty"`
	DiscountedSubtotal      float64                 `json:"discounted_subtotal"`
	TaxAmount               float64                 `json:"tax_amount"`
	FinalPrice              float64                 `json:"final_price"`
	FinalPriceAfterDiscount float64                 `json:"final_price_after_discount"`
	PriceBeforeDiscount     float64                 `json:"price_before_discount"`
	Warnings                []string                `json:"warnings,omitempty"`
}

func buildPriceBreakdownPayload(breakdown domain.PriceBreakdown) priceBreakdownPayload {
	payload := priceBreakdownPayload{
		MetalCost:               breakdown.MetalCost,
		MakingCharge:            breakdown.MakingCharge,
		LabourCharge:            breakdown.LabourCharge,
		WastageCharge:           breakdown.WastageCharge,
		StoneCost:               breakdown.StoneCost,
		Subtotal:                breakdown.Subtotal,
		DiscountedSubtotal:      breakdown.DiscountedSubtotal,
		TaxAmount:               breakdown.TaxAmount,
		FinalPrice:              breakdown.FinalPrice,
		FinalPriceAfterDiscount: breakdown.FinalPriceAfterDiscount,
		PriceBeforeDiscount:     breakdown.PriceBeforeDiscount,
		Warnings:                breakdown.Warnings,
	}
	if breakdown.Discount != nil {
		payload.Discount = &appliedDiscountPayload{
			Amount:    breakdown.Discount.Amount,
			Type:      string(breakdown.Discount.Type),
			AppliedOn: breakdown.Discount.AppliedOn,
		}
	}
	return payload
}

type goldRulePayload struct {
	Enabled    bool    `json:"enabled"`
	Percentage float64 `json:"percentage"`
}

type diamondRulePayload struct {
	Enabled bool    `json:"enabled"`
	Amount  float64 `json:"amount"`
}

type weightSlabPayload struct {
	FromWeight float64 `json:"from_weight"`
	ToWeight   float64 `json:"to_weight"`
	Amount     float64 `json:"amount"`
}

type silverRulePayload struct {
	Enabled bool                `json:"enabled"`
	Slabs   []weightSlabPayload `json:"slabs,omitempty"`
}

type discountRulePayload struct {
	ID              string             `json:"id,omitempty"`
	Title           string             `json:"title"`
	ApplicationType string             `json:"application_type"`
	Target          string             `json:"target,omitempty"`
	TargetProducts  []string           `json:"target_products,omitempty"`
	GoldRules       goldRulePayload    `json:"gold_rules"`
	DiamondRules    diamondRulePayload `json:"diamond_rules"`
	SilverRules     silverRulePayload  `json:"silver_rules"`
	IsActive        bool               `json:"is_active"`
	CreatedAt       string             `json:"created_at,omitempty"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	LastAppliedAt   string             `json:"last_applied_at,omitempty"`
}

func buildDiscountRulePayload(rule domain.DiscountRule) discountRulePayload {
	slabs := make([]weightSlabPayload, 0, len(rule.SilverRules.Slabs))
	for _, slab := range rule.SilverRules.Slabs {
		slabs = append(slabs, weightSlabPayload{
			FromWeight: slab.FromWeight,
			ToWeight:   slab.ToWeight,
			Amount:     slab.Amount,
		})
	}
	return discountRulePayload{
		ID:              rule.ID,
		Title:           rule.Title,
		ApplicationType: string(rule.ApplicationType),
		Target:          rule.Target,
		TargetProducts:  rule.TargetProducts,
		GoldRules: goldRulePayload{
			Enabled:    rule.GoldRules.Enabled,
			Percentage: rule.GoldRules.Percentage,
		},
		DiamondRules: diamondRulePayload{
			Enabled: rule.DiamondRules.Enabled,
			Amount:  rule.DiamondRules.Amount,
		},
		SilverRules: silverRulePayload{
			Enabled: rule.SilverRules.Enabled,
			Slabs:   slabs,
		},
		IsActive:      rule.IsActive,
		CreatedAt:     formatTime(rule.CreatedAt),
		UpdatedAt:     formatTime(rule.UpdatedAt),
		LastAppliedAt: formatTimePointer(rule.LastAppliedAt),
	}
}

func (p discountRulePayload) toDomain() domain.DiscountRule {
	slabs := make([]domain.WeightSlab, 0, len(p.SilverRules.Slabs))
	for _, slab := range p.SilverRules.Slabs {
		slabs = append(slabs, domain.WeightSlab{
			FromWeight: slab.FromWeight,
			ToWeight:   slab.ToWeight,
			Amount:     slab.Amount,
		})
	}
	return domain.DiscountRule{
		ID:              p.ID,
		Title:           p.Title,
		ApplicationType: domain.ApplicationType(p.ApplicationType),
		Target:          p.Target,
		TargetProducts:  p.TargetProducts,
		GoldRules: domain.GoldRule{
			Enabled:    p.GoldRules.Enabled,
			Percentage: p.GoldRules.Percentage,
		},
		DiamondRules: domain.DiamondRule{
			Enabled: p.DiamondRules.Enabled,
			Amount:  p.DiamondRules.Amount,
		},
		SilverRules: domain.SilverRule{
			Enabled: p.SilverRules.Enabled,
			Slabs:   slabs,
		},
		IsActive: p.IsActive,
	}
}

type discountRecordPayload struct {
	Enabled         bool    `json:"enabled"`
	DiscountID      string  `json:"discount_id"`
	DiscountTitle   string  `json:"discount_title,omitempty"`
	AppliedRuleType string  `json:"applied_rule_type,omitempty"`
	DiscountAmount  float64 `json:"discount_amount"`
	AppliedAt       string  `json:"applied_at,omitempty"`
}

func buildDiscountRecordPayload(record domain.ProductDiscountRecord) discountRecordPayload {
	return discountRecordPayload{
		Enabled:         record.Enabled,
		DiscountID:      record.DiscountID,
		DiscountTitle:   record.DiscountTitle,
		AppliedRuleType: string(record.AppliedRuleType),
		DiscountAmount:  record.DiscountAmount,
		AppliedAt:       formatTime(record.AppliedAt),
	}
}

type conflictPayload struct {
	ProductID        string                `json:"product_id"`
	ExistingDiscount discountRecordPayload `json:"existing_discount"`
	NewDiscountID    string                `json:"new_discount_id"`
	NewDiscountTitle string                `json:"new_discount_title,omitempty"`
}

func buildConflictPayloads(conflicts []domain.Conflict) []conflictPayload {
	out := make([]conflictPayload, 0, len(conflicts))
	for _, conflict := range conflicts {
		out = append(out, conflictPayload{
			ProductID:        conflict.ProductID,
			ExistingDiscount: buildDiscountRecordPayload(conflict.ExistingDiscount),
			NewDiscountID:    conflict.NewDiscountID,
			NewDiscountTitle: conflict.NewDiscountTitle,
		})
	}
	return out
}

type productApplyResultPayload struct {
	ProductID string  `json:"product_id"`
	Success   bool    `json:"success"`
	Price     float64 `json:"price,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func buildProductApplyResultPayload(result domain.ProductApplyResult) productApplyResultPayload {
	return productApplyResultPayload{
		ProductID: result.ProductID,
		Success:   result.Success,
		Price:     result.Price,
		Error:     result.Error,
	}
}

type bulkApplyResultPayload struct {
	Total        int                         `json:"total"`
	SuccessCount int                         `json:"success_count"`
	FailCount    int                         `json:"fail_count"`
	Results      []productApplyResultPayload `json:"results,omitempty"`
	Conflicts    []conflictPayload           `json:"conflicts,omitempty"`
}

func buildBulkApplyResultPayload(result domain.BulkApplyResult) bulkApplyResultPayload {
	results := make([]productApplyResultPayload, 0, len(result.Results))
	for _, item := range result.Results {
		results = append(results, buildProductApplyResultPayload(item))
	}
	return bulkApplyResultPayload{
		Total:        result.Total,
		SuccessCount: result.SuccessCount,
		FailCount:    result.FailCount,
		Results:      results,
		Conflicts:    buildConflictPayloads(result.Conflicts),
	}
}

type resyncResultPayload struct {
	Added          []string               `json:"added"`
	Departed       []string               `json:"departed"`
	Applied        bulkApplyResultPayload `json:"applied"`
	Removed        bulkApplyResultPayload `json:"removed"`
	Conflicts      []conflictPayload      `json:"conflicts,omitempty"`
	CurrentTargets []string               `json:"current_targets"`
}

func buildResyncResultPayload(result services.ResyncResult) resyncResultPayload {
	return resyncResultPayload{
		Added:          result.Added,
		Departed:       result.Departed,
		Applied:        buildBulkApplyResultPayload(result.Applied),
		Removed:        buildBulkApplyResultPayload(result.Removed),
		Conflicts:      buildConflictPayloads(result.Conflicts),
		CurrentTargets: result.CurrentTargets,
	}
}

type refreshResultPayload struct {
	ProductID string  `json:"product_id"`
	Success   bool    `json:"success"`
	Price     float64 `json:"price,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type refreshJobPayload struct {
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	CreatedAt    string                 `json:"created_at"`
	StartedAt    string                 `json:"started_at,omitempty"`
	CompletedAt  string                 `json:"completed_at,omitempty"`
	Total        int                    `json:"total"`
	Processed    int                    `json:"processed"`
	SuccessCount int                    `json:"success_count"`
	FailCount    int                    `json:"fail_count"`
	Progress     float64                `json:"progress"`
	ETASeconds   int                    `json:"eta_seconds"`
	Results      []refreshResultPayload `json:"results,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

func buildRefreshJobPayload(job domain.RefreshJob) refreshJobPayload {
	results := make([]refreshResultPayload, 0, len(job.Results))
	for _, result := range job.Results {
		results = append(results, refreshResultPayload{
			ProductID: result.ProductID,
			Success:   result.Success,
			Price:     result.Price,
			Error:     result.Error,
		})
	}
	return refreshJobPayload{
		ID:           job.ID,
		Status:       string(job.Status),
		CreatedAt:    formatTime(job.CreatedAt),
		StartedAt:    formatTimePointer(job.StartedAt),
		CompletedAt:  formatTimePointer(job.CompletedAt),
		Total:        job.Total,
		Processed:    job.Processed,
		SuccessCount: job.SuccessCount,
		FailCount:    job.FailCount,
		Progress:     job.Progress,
		ETASeconds:   job.ETASeconds,
		Results:      results,
		Error:        job.Error,
	}
}
