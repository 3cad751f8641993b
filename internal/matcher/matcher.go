package matcher

import (
	"context"
	"errors"
	"strings"

	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/store"
)

// Inventory is the slice of the repository the matcher needs. All lookups
// only ever see active products with stock on hand.
type Inventory interface {
	GetActiveProductByName(ctx context.Context, name string) (*domain.Product, error)
	ListProductsContaining(ctx context.Context, needle string, limit int) ([]domain.Product, error)
	ListProductsContainedIn(ctx context.Context, phrase string, limit int) ([]domain.Product, error)
	ListAlternativeProducts(ctx context.Context, needle string, limit int) ([]domain.Product, error)
}

type Engine struct {
	inv             Inventory
	maxAlternatives int
}

func NewEngine(inv Inventory) *Engine {
	return &Engine{
		inv:             inv,
		maxAlternatives: 5,
	}
}

// Match resolves each prescribed medicine against the inventory. Lookups run
// in three tiers: exact name equality, product name containing the candidate,
// and candidate containing the product name. The first tier that produces a
// product wins; later tiers are not consulted. Alternatives are computed for
// every candidate regardless of the match outcome.
func (e *Engine) Match(ctx context.Context, candidates []domain.MedicineCandidate) ([]domain.MedicineMatch, error) {
	matches := make([]domain.MedicineMatch, 0, len(candidates))
	for _, candidate := range candidates {
		name := strings.TrimSpace(candidate.Name)
		if name == "" {
			continue
		}

		match, err := e.matchOne(ctx, name)
		if err != nil {
			return nil, err
		}
		match.Prescribed = candidate

		alternatives, err := e.inv.ListAlternativeProducts(ctx, name, e.maxAlternatives)
		if err != nil {
			return nil, err
		}
		// The list is independent of the match outcome: a matched product
		// appears in it too, so callers can always offer substitutes.
		match.Alternatives = make([]domain.ProductHit, 0, len(alternatives))
		for _, alt := range alternatives {
			match.Alternatives = append(match.Alternatives, toHit(alt))
		}

		matches = append(matches, match)
	}
	return matches, nil
}

func (e *Engine) matchOne(ctx context.Context, name string) (domain.MedicineMatch, error) {
	exact, err := e.inv.GetActiveProductByName(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.MedicineMatch{}, err
	}
	if exact != nil {
		hit := toHit(*exact)
		return domain.MedicineMatch{Match: &hit, Confidence: domain.ConfidenceHigh}, nil
	}

	// Ties within a tier resolve to the highest stock; the stores return
	// rows in stock-descending order.
	containing, err := e.inv.ListProductsContaining(ctx, name, 1)
	if err != nil {
		return domain.MedicineMatch{}, err
	}
	if len(containing) > 0 {
		hit := toHit(containing[0])
		return domain.MedicineMatch{Match: &hit, Confidence: domain.ConfidenceMedium}, nil
	}

	containedIn, err := e.inv.ListProductsContainedIn(ctx, name, 1)
	if err != nil {
		return domain.MedicineMatch{}, err
	}
	if len(containedIn) > 0 {
		hit := toHit(containedIn[0])
		return domain.MedicineMatch{Match: &hit, Confidence: domain.ConfidenceMedium}, nil
	}

	return domain.MedicineMatch{Confidence: domain.ConfidenceLow}, nil
}

func toHit(p domain.Product) domain.ProductHit {
	hit := domain.ProductHit{
		ProductID:   p.ID,
		Name:        p.Name,
		BatchNo:     p.BatchNo,
		Composition: p.Composition,
		MRP:         domain.FromCents(p.MRPCents),
		StockQty:    p.StockQty,
	}
	if p.ExpiryDate != nil {
		hit.ExpiryDate = p.ExpiryDate.Format("2006-01-02")
	}
	return hit
}
