package prescription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"pharmaerp/backend/internal/ai"
	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/matcher"
	"pharmaerp/backend/internal/store/memory"
)

type stubNormalizer struct {
	dir      string
	fail     bool
	lastPath string
}

func (s *stubNormalizer) Normalize(srcPath string) (string, error) {
	if s.fail {
		return "", errors.New("decode failed")
	}
	f, err := os.CreateTemp(s.dir, "norm-*.jpg")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString("normalized-bytes"); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	s.lastPath = f.Name()
	return f.Name(), nil
}

type stubExtractor struct {
	text      string
	err       error
	lastImage []byte
}

func (s *stubExtractor) ExtractText(_ context.Context, image []byte, _ string) (string, error) {
	s.lastImage = image
	return s.text, s.err
}

type stubIdentifier struct {
	candidates []domain.MedicineCandidate
	err        error
}

func (s *stubIdentifier) IdentifyMedicines(_ context.Context, _ string) ([]domain.MedicineCandidate, error) {
	return s.candidates, s.err
}

type stubRanker struct {
	ranked []string
	err    error
	calls  int
}

func (s *stubRanker) RankAlternatives(_ context.Context, _ string, names []string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.ranked != nil {
		return s.ranked, nil
	}
	return names, nil
}

func writeUpload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.jpg")
	if err := os.WriteFile(path, []byte("original-bytes"), 0o600); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	return path
}

func stepFor(t *testing.T, analysis Analysis, stage string) StepResult {
	t.Helper()
	for _, step := range analysis.Steps {
		if step.Stage == stage {
			return step
		}
	}
	t.Fatalf("no step recorded for stage %s (steps: %+v)", stage, analysis.Steps)
	return StepResult{}
}

func TestAnalyzeAbortsOnShortText(t *testing.T) {
	norm := &stubNormalizer{dir: t.TempDir()}
	pipeline := New(norm, &stubExtractor{text: "  Rx 12  "}, &stubIdentifier{}, matcher.NewEngine(memory.NewSeeded()), &stubRanker{})

	_, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if !errors.Is(err, ErrInsufficientText) {
		t.Fatalf("expected ErrInsufficientText, got %v", err)
	}

	if _, statErr := os.Stat(norm.lastPath); !os.IsNotExist(statErr) {
		t.Fatalf("expected normalized temp file to be removed on abort")
	}
}

func TestAnalyzeNoMedicinesIsSuccessfulOutcome(t *testing.T) {
	pipeline := New(&stubNormalizer{dir: t.TempDir()},
		&stubExtractor{text: "Patient advised rest and plenty of fluids for three days"},
		&stubIdentifier{candidates: []domain.MedicineCandidate{}},
		matcher.NewEngine(memory.NewSeeded()), &stubRanker{})

	analysis, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if analysis.Outcome != OutcomeNoMedicines {
		t.Fatalf("expected outcome %s, got %s", OutcomeNoMedicines, analysis.Outcome)
	}
	if len(analysis.Medicines) != 0 {
		t.Fatalf("expected no medicines, got %d", len(analysis.Medicines))
	}
}

func TestAnalyzeMatchesAndRanksAlternatives(t *testing.T) {
	norm := &stubNormalizer{dir: t.TempDir()}
	ranker := &stubRanker{ranked: []string{"Crocin Advance", "Dolo 650", "Paracetamol 500mg"}}
	pipeline := New(norm,
		&stubExtractor{text: "Tab Paracetamol one morning one night for five days"},
		&stubIdentifier{candidates: []domain.MedicineCandidate{{Name: "Paracetamol", Dosage: "500mg"}}},
		matcher.NewEngine(memory.NewSeeded()), ranker)

	analysis, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if analysis.Outcome != OutcomeAnalyzed {
		t.Fatalf("expected outcome %s, got %s", OutcomeAnalyzed, analysis.Outcome)
	}
	if len(analysis.Medicines) != 1 {
		t.Fatalf("expected 1 medicine, got %d", len(analysis.Medicines))
	}
	med := analysis.Medicines[0]
	if med.Match == nil || med.Match.Name != "Paracetamol 500mg" {
		t.Fatalf("unexpected match: %+v", med.Match)
	}
	if len(med.Alternatives) != 3 || med.Alternatives[0].Name != "Crocin Advance" {
		t.Fatalf("expected ranker order applied, got %+v", med.Alternatives)
	}

	if step := stepFor(t, analysis, StageAlternativesRanked); step.Status != StepSuccess {
		t.Fatalf("expected ranking step success, got %+v", step)
	}
	if _, statErr := os.Stat(norm.lastPath); !os.IsNotExist(statErr) {
		t.Fatalf("expected normalized temp file to be removed on success")
	}
}

func TestRankerFailureDegradesButKeepsStockOrder(t *testing.T) {
	pipeline := New(&stubNormalizer{dir: t.TempDir()},
		&stubExtractor{text: "Tab Paracetamol one morning one night for five days"},
		&stubIdentifier{candidates: []domain.MedicineCandidate{{Name: "Paracetamol"}}},
		matcher.NewEngine(memory.NewSeeded()),
		&stubRanker{err: errors.New("model unavailable")})

	analysis, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if err != nil {
		t.Fatalf("ranking failure must not fail the run, got %v", err)
	}

	if step := stepFor(t, analysis, StageAlternativesRanked); step.Status != StepDegraded {
		t.Fatalf("expected degraded ranking step, got %+v", step)
	}
	alts := analysis.Medicines[0].Alternatives
	if len(alts) != 3 || alts[0].Name != "Paracetamol 500mg" {
		t.Fatalf("expected stock order preserved, got %+v", alts)
	}
}

func TestNormalizerFailureFallsBackToOriginalImage(t *testing.T) {
	extractor := &stubExtractor{text: "Tab Cetirizine 10mg once daily at night for a week"}
	pipeline := New(&stubNormalizer{fail: true}, extractor,
		&stubIdentifier{candidates: []domain.MedicineCandidate{{Name: "Cetirizine 10mg"}}},
		matcher.NewEngine(memory.NewSeeded()), &stubRanker{})

	analysis, err := pipeline.Analyze(context.Background(), writeUpload(t), "png")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if step := stepFor(t, analysis, StageNormalized); step.Status != StepDegraded {
		t.Fatalf("expected degraded normalization step, got %+v", step)
	}
	if string(extractor.lastImage) != "original-bytes" {
		t.Fatalf("expected extractor to receive the original upload bytes")
	}
}

func TestIdentifierFailureAbortsRun(t *testing.T) {
	wantErr := errors.New("upstream exploded")
	pipeline := New(&stubNormalizer{dir: t.TempDir()},
		&stubExtractor{text: "Tab Paracetamol one morning one night for five days"},
		&stubIdentifier{err: wantErr},
		matcher.NewEngine(memory.NewSeeded()), &stubRanker{})

	analysis, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected identifier error to propagate, got %v", err)
	}
	if step := stepFor(t, analysis, StageMedicinesIdentified); step.Status != StepAborted {
		t.Fatalf("expected aborted identification step, got %+v", step)
	}
}

func TestUnparsableIdentifierReplyMeansNoMedicines(t *testing.T) {
	pipeline := New(&stubNormalizer{dir: t.TempDir()},
		&stubExtractor{text: "Tab Paracetamol one morning one night for five days"},
		&stubIdentifier{err: fmt.Errorf("identify medicines: %w", ai.ErrUnparsableReply)},
		matcher.NewEngine(memory.NewSeeded()), &stubRanker{})

	analysis, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if err != nil {
		t.Fatalf("unparsable reply must not fail the run, got %v", err)
	}
	if analysis.Outcome != OutcomeNoMedicines {
		t.Fatalf("expected outcome %s, got %s", OutcomeNoMedicines, analysis.Outcome)
	}
	if step := stepFor(t, analysis, StageMedicinesIdentified); step.Status != StepDegraded {
		t.Fatalf("expected degraded identification step, got %+v", step)
	}
}

func TestSymbolNoiseFailsTextGate(t *testing.T) {
	pipeline := New(&stubNormalizer{dir: t.TempDir()},
		&stubExtractor{text: "@#$* ~~ |||| @#$* ~~ |||| @#$*"},
		&stubIdentifier{},
		matcher.NewEngine(memory.NewSeeded()), &stubRanker{})

	_, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if !errors.Is(err, ErrInsufficientText) {
		t.Fatalf("expected ErrInsufficientText for symbol-only text, got %v", err)
	}
}

func TestCleanTextStripsNoiseKeepsDosage(t *testing.T) {
	got := cleanText("Tab~~ Paracetamol* 500mg | 1-0-1 (after food), 5% syrup\n\nRx")
	want := "Tab Paracetamol 500mg 1-0-1 (after food), 5% syrup Rx"
	if got != want {
		t.Fatalf("cleanText = %q, want %q", got, want)
	}
}

func TestBlankCandidateNamesNeverReachMatcher(t *testing.T) {
	pipeline := New(&stubNormalizer{dir: t.TempDir()},
		&stubExtractor{text: "Tab Cetirizine 10mg once daily at night for a week"},
		&stubIdentifier{candidates: []domain.MedicineCandidate{{Name: "   "}, {Name: "Cetirizine 10mg"}}},
		matcher.NewEngine(memory.NewSeeded()), &stubRanker{})

	analysis, err := pipeline.Analyze(context.Background(), writeUpload(t), "jpeg")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(analysis.Medicines) != 1 {
		t.Fatalf("expected 1 medicine after dropping blank names, got %d", len(analysis.Medicines))
	}
}
