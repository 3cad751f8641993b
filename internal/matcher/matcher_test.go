package matcher

import (
	"context"
	"testing"

	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/store/memory"
)

func newTestEngine() *Engine {
	return NewEngine(memory.NewSeeded())
}

func matchSingle(t *testing.T, name string) domain.MedicineMatch {
	t.Helper()
	engine := newTestEngine()
	matches, err := engine.Match(context.Background(), []domain.MedicineCandidate{{Name: name}})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match result, got %d", len(matches))
	}
	return matches[0]
}

func TestExactNameMatchIsHighConfidence(t *testing.T) {
	result := matchSingle(t, "paracetamol 500mg")

	if result.Match == nil {
		t.Fatalf("expected a match for exact name")
	}
	if result.Match.Name != "Paracetamol 500mg" {
		t.Fatalf("expected Paracetamol 500mg, got %s", result.Match.Name)
	}
	if result.Confidence != domain.ConfidenceHigh {
		t.Fatalf("expected high confidence, got %s", result.Confidence)
	}
}

func TestPartialNameMatchPrefersHighestStock(t *testing.T) {
	// "Paracetamol" appears in the name of one product and the composition
	// of two others; only the name-containing tier should match here.
	result := matchSingle(t, "Paracetamol")

	if result.Match == nil {
		t.Fatalf("expected a partial match")
	}
	if result.Match.Name != "Paracetamol 500mg" {
		t.Fatalf("expected highest-stock name match, got %s", result.Match.Name)
	}
	if result.Confidence != domain.ConfidenceMedium {
		t.Fatalf("expected medium confidence, got %s", result.Confidence)
	}
}

func TestCandidateContainingProductNameMatches(t *testing.T) {
	result := matchSingle(t, "Dolo 650 tablet strip")

	if result.Match == nil {
		t.Fatalf("expected a reverse-containment match")
	}
	if result.Match.Name != "Dolo 650" {
		t.Fatalf("expected Dolo 650, got %s", result.Match.Name)
	}
	if result.Confidence != domain.ConfidenceMedium {
		t.Fatalf("expected medium confidence, got %s", result.Confidence)
	}
}

func TestNoMatchIsLowConfidenceWithNilMatch(t *testing.T) {
	result := matchSingle(t, "Obscurol 999")

	if result.Match != nil {
		t.Fatalf("expected no match, got %s", result.Match.Name)
	}
	if result.Confidence != domain.ConfidenceLow {
		t.Fatalf("expected low confidence, got %s", result.Confidence)
	}
	if len(result.Alternatives) != 0 {
		t.Fatalf("expected no alternatives for unknown medicine, got %d", len(result.Alternatives))
	}
}

func TestAlternativesUseCompositionAndStockOrder(t *testing.T) {
	result := matchSingle(t, "Paracetamol")

	// Paracetamol 500mg matches by name, Dolo 650 and Crocin Advance carry
	// paracetamol in their composition. The list is stock-descending and
	// includes the matched product itself.
	want := []string{"Paracetamol 500mg", "Dolo 650", "Crocin Advance"}
	if len(result.Alternatives) != len(want) {
		t.Fatalf("expected %d alternatives, got %d", len(want), len(result.Alternatives))
	}
	for i, name := range want {
		if result.Alternatives[i].Name != name {
			t.Fatalf("expected %s at position %d, got %s", name, i, result.Alternatives[i].Name)
		}
	}
}

func TestAlternativesIncludeMatchedProduct(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	for _, p := range []domain.Product{
		{Name: "Paracetamol", MRPCents: 250, StockQty: 10, Active: true},
		{Name: "Paracetamol-DT", MRPCents: 280, StockQty: 5, Active: true},
	} {
		if _, err := repo.CreateProduct(ctx, p); err != nil {
			t.Fatalf("seed product: %v", err)
		}
	}

	engine := NewEngine(repo)
	matches, err := engine.Match(ctx, []domain.MedicineCandidate{{Name: "PARACETAMOL"}})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 result, got %d", len(matches))
	}

	result := matches[0]
	if result.Match == nil || result.Match.Name != "Paracetamol" {
		t.Fatalf("expected exact match on Paracetamol, got %+v", result.Match)
	}
	if result.Confidence != domain.ConfidenceHigh {
		t.Fatalf("expected high confidence, got %s", result.Confidence)
	}
	if len(result.Alternatives) != 2 {
		t.Fatalf("expected both products as alternatives, got %d", len(result.Alternatives))
	}
	if result.Alternatives[0].Name != "Paracetamol" || result.Alternatives[1].Name != "Paracetamol-DT" {
		t.Fatalf("expected stock-descending [Paracetamol, Paracetamol-DT], got [%s, %s]",
			result.Alternatives[0].Name, result.Alternatives[1].Name)
	}
}

func TestOutOfStockAndInactiveProductsNeverMatch(t *testing.T) {
	// Ibuprofen 400mg is seeded with zero stock, Ranitidine 150mg inactive.
	for _, name := range []string{"Ibuprofen 400mg", "Ranitidine 150mg"} {
		result := matchSingle(t, name)
		if result.Match != nil {
			t.Fatalf("expected no sellable match for %s, got %s", name, result.Match.Name)
		}
	}
}

func TestEmptyCandidateNamesAreSkipped(t *testing.T) {
	engine := newTestEngine()
	matches, err := engine.Match(context.Background(), []domain.MedicineCandidate{
		{Name: "   "},
		{Name: "Cetirizine 10mg"},
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected blank candidate to be dropped, got %d results", len(matches))
	}
	if matches[0].Prescribed.Name != "Cetirizine 10mg" {
		t.Fatalf("unexpected candidate kept: %s", matches[0].Prescribed.Name)
	}
}

func TestMatchIsReadOnly(t *testing.T) {
	repo := memory.NewSeeded()
	engine := NewEngine(repo)
	ctx := context.Background()

	before, err := repo.GetProductByID(ctx, "prod-paracetamol-500")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}

	if _, err := engine.Match(ctx, []domain.MedicineCandidate{{Name: "Paracetamol 500mg"}}); err != nil {
		t.Fatalf("match: %v", err)
	}

	after, err := repo.GetProductByID(ctx, "prod-paracetamol-500")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if before.StockQty != after.StockQty {
		t.Fatalf("matching changed stock: %d -> %d", before.StockQty, after.StockQty)
	}
}
