package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pharmaerp/backend/internal/domain"
)

// ErrUnparsableReply marks a model reply that contained no usable JSON array.
// Callers must treat it differently from a reply that parsed to zero items.
var ErrUnparsableReply = errors.New("unparsable model reply")

// firstJSONArray returns the substring spanning the first '[' through the
// last ']' of s. Models often wrap their JSON in prose or code fences; this
// strips all of it.
func firstJSONArray(s string) (string, bool) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func parseCandidates(reply string) ([]domain.MedicineCandidate, error) {
	raw, ok := firstJSONArray(reply)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON array in medicine reply", ErrUnparsableReply)
	}

	var candidates []domain.MedicineCandidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableReply, err)
	}

	kept := make([]domain.MedicineCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		candidate.Name = strings.TrimSpace(candidate.Name)
		if candidate.Name == "" {
			continue
		}
		kept = append(kept, candidate)
	}
	return kept, nil
}

// parseRankedNames maps the model's ranked name list back onto the known
// alternatives. Unrecognized names are dropped and omitted alternatives are
// appended in their original order, so the output is always a permutation of
// known.
func parseRankedNames(reply string, known []string) ([]string, error) {
	raw, ok := firstJSONArray(reply)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON array in ranking reply", ErrUnparsableReply)
	}

	var ranked []string
	if err := json.Unmarshal([]byte(raw), &ranked); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableReply, err)
	}

	byLower := make(map[string]string, len(known))
	for _, name := range known {
		byLower[strings.ToLower(strings.TrimSpace(name))] = name
	}

	result := make([]string, 0, len(known))
	seen := make(map[string]struct{}, len(known))
	for _, name := range ranked {
		key := strings.ToLower(strings.TrimSpace(name))
		original, ok := byLower[key]
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, original)
	}
	for _, name := range known {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, name)
	}
	return result, nil
}
