package prescription

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"
	"unicode"

	"pharmaerp/backend/internal/ai"
	"pharmaerp/backend/internal/domain"
)

// ErrInsufficientText means the image produced too little text to analyze,
// either because the scan is unreadable or it is not a prescription.
var ErrInsufficientText = errors.New("could not read enough text from the image")

// minTextLength is the minimum cleaned transcription length considered
// readable.
const minTextLength = 10

type StepStatus string

const (
	StepSuccess  StepStatus = "success"
	StepDegraded StepStatus = "degraded"
	StepAborted  StepStatus = "aborted"
)

const (
	StageNormalized          = "normalized"
	StageExtracted           = "extracted"
	StageTextValidated       = "text_validated"
	StageMedicinesIdentified = "medicines_identified"
	StageMatched             = "matched"
	StageAlternativesRanked  = "alternatives_ranked"
)

const (
	OutcomeAnalyzed    = "analyzed"
	OutcomeNoMedicines = "no_medicines_found"
)

type StepResult struct {
	Stage  string     `json:"stage"`
	Status StepStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

type Analysis struct {
	Outcome       string                 `json:"outcome"`
	ExtractedText string                 `json:"extractedText,omitempty"`
	Medicines     []domain.MedicineMatch `json:"medicines"`
	Steps         []StepResult           `json:"steps"`
}

type Normalizer interface {
	Normalize(srcPath string) (string, error)
}

type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte, format string) (string, error)
}

type MedicineIdentifier interface {
	IdentifyMedicines(ctx context.Context, text string) ([]domain.MedicineCandidate, error)
}

type Matcher interface {
	Match(ctx context.Context, candidates []domain.MedicineCandidate) ([]domain.MedicineMatch, error)
}

type AlternativeRanker interface {
	RankAlternatives(ctx context.Context, medicine string, alternatives []string) ([]string, error)
}

// Pipeline runs a prescription image through normalization, text extraction,
// medicine identification, inventory matching and alternative ranking.
// Normalization and ranking degrade without failing the whole run; the other
// stages abort it.
type Pipeline struct {
	normalizer   Normalizer
	extractor    TextExtractor
	identifier   MedicineIdentifier
	matcher      Matcher
	ranker       AlternativeRanker
	stageTimeout time.Duration
}

func New(normalizer Normalizer, extractor TextExtractor, identifier MedicineIdentifier, matcher Matcher, ranker AlternativeRanker) *Pipeline {
	return &Pipeline{
		normalizer:   normalizer,
		extractor:    extractor,
		identifier:   identifier,
		matcher:      matcher,
		ranker:       ranker,
		stageTimeout: 45 * time.Second,
	}
}

// Analyze processes the image at imagePath. The caller owns imagePath; any
// temp file the pipeline creates is removed before Analyze returns, on every
// path.
func (p *Pipeline) Analyze(ctx context.Context, imagePath string, format string) (Analysis, error) {
	analysis := Analysis{Medicines: []domain.MedicineMatch{}}

	readPath := imagePath
	normalizedPath, err := p.normalizer.Normalize(imagePath)
	if err != nil {
		log.Printf("[pipeline] WARN: normalization failed, using original image: %v", err)
		analysis.Steps = append(analysis.Steps, StepResult{Stage: StageNormalized, Status: StepDegraded, Reason: "normalization_failed"})
		format = originalFormat(format)
	} else {
		defer func() { _ = os.Remove(normalizedPath) }()
		readPath = normalizedPath
		format = "jpeg"
		analysis.Steps = append(analysis.Steps, StepResult{Stage: StageNormalized, Status: StepSuccess})
	}

	image, err := os.ReadFile(readPath)
	if err != nil {
		analysis.Steps = append(analysis.Steps, StepResult{Stage: StageExtracted, Status: StepAborted, Reason: "image_unreadable"})
		return analysis, err
	}

	extractCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	text, err := p.extractor.ExtractText(extractCtx, image, format)
	cancel()
	if err != nil {
		analysis.Steps = append(analysis.Steps, StepResult{Stage: StageExtracted, Status: StepAborted, Reason: "extraction_failed"})
		return analysis, err
	}
	analysis.Steps = append(analysis.Steps, StepResult{Stage: StageExtracted, Status: StepSuccess})

	cleaned := cleanText(text)
	if len(cleaned) < minTextLength {
		analysis.Steps = append(analysis.Steps, StepResult{Stage: StageTextValidated, Status: StepAborted, Reason: "insufficient_text"})
		return analysis, ErrInsufficientText
	}
	analysis.ExtractedText = cleaned
	analysis.Steps = append(analysis.Steps, StepResult{Stage: StageTextValidated, Status: StepSuccess})

	identifyCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	candidates, err := p.identifier.IdentifyMedicines(identifyCtx, cleaned)
	cancel()
	if err != nil {
		if errors.Is(err, ai.ErrUnparsableReply) {
			// A reply with no parseable medicine list means the model saw
			// nothing it could name, so treat it the same as an empty list.
			log.Printf("[pipeline] WARN: identification reply unparsable, treating as empty: %v", err)
			analysis.Steps = append(analysis.Steps, StepResult{Stage: StageMedicinesIdentified, Status: StepDegraded, Reason: "unparsable_reply"})
			analysis.Outcome = OutcomeNoMedicines
			return analysis, nil
		}
		analysis.Steps = append(analysis.Steps, StepResult{Stage: StageMedicinesIdentified, Status: StepAborted, Reason: "identification_failed"})
		return analysis, err
	}
	candidates = dropBlankCandidates(candidates)
	analysis.Steps = append(analysis.Steps, StepResult{Stage: StageMedicinesIdentified, Status: StepSuccess})

	// A readable prescription with no medicines on it is a successful run.
	if len(candidates) == 0 {
		analysis.Outcome = OutcomeNoMedicines
		return analysis, nil
	}

	matches, err := p.matcher.Match(ctx, candidates)
	if err != nil {
		analysis.Steps = append(analysis.Steps, StepResult{Stage: StageMatched, Status: StepAborted, Reason: "matching_failed"})
		return analysis, err
	}
	analysis.Steps = append(analysis.Steps, StepResult{Stage: StageMatched, Status: StepSuccess})

	rankStep := p.rankAlternatives(ctx, matches)
	analysis.Steps = append(analysis.Steps, rankStep)

	analysis.Medicines = matches
	analysis.Outcome = OutcomeAnalyzed
	return analysis, nil
}

// rankAlternatives reorders each match's alternatives via the ranker. Ranking
// is advisory: any failure keeps the stock-ordered list and degrades the step
// instead of failing the run.
func (p *Pipeline) rankAlternatives(ctx context.Context, matches []domain.MedicineMatch) StepResult {
	degraded := false
	for i := range matches {
		match := &matches[i]
		if len(match.Alternatives) < 2 {
			continue
		}

		names := make([]string, 0, len(match.Alternatives))
		byName := make(map[string]domain.ProductHit, len(match.Alternatives))
		for _, alt := range match.Alternatives {
			names = append(names, alt.Name)
			byName[alt.Name] = alt
		}

		rankCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
		ranked, err := p.ranker.RankAlternatives(rankCtx, match.Prescribed.Name, names)
		cancel()
		if err != nil {
			log.Printf("[pipeline] WARN: alternative ranking failed for %q, keeping stock order: %v", match.Prescribed.Name, err)
			degraded = true
			continue
		}

		reordered := make([]domain.ProductHit, 0, len(match.Alternatives))
		for _, name := range ranked {
			if hit, ok := byName[name]; ok {
				reordered = append(reordered, hit)
			}
		}
		if len(reordered) == len(match.Alternatives) {
			match.Alternatives = reordered
		}
	}

	if degraded {
		return StepResult{Stage: StageAlternativesRanked, Status: StepDegraded, Reason: "ranking_unavailable"}
	}
	return StepResult{Stage: StageAlternativesRanked, Status: StepSuccess}
}

// cleanText drops characters outside a conservative set of letters,
// digits, and common prescription punctuation, then collapses runs of
// whitespace. OCR noise that is all symbols ends up empty and fails the
// minimum-length gate.
func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
			b.WriteRune(r)
		case strings.ContainsRune(".,;:()/%+-'", r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func dropBlankCandidates(candidates []domain.MedicineCandidate) []domain.MedicineCandidate {
	kept := make([]domain.MedicineCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.Name) == "" {
			continue
		}
		kept = append(kept, candidate)
	}
	return kept
}

func originalFormat(format string) string {
	if format == "" {
		return "jpeg"
	}
	return format
}
