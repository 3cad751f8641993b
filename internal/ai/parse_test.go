package ai

import (
	"errors"
	"testing"
)

func TestParseCandidatesFromFencedReply(t *testing.T) {
	reply := "Here are the medicines:\n```json\n[\n  {\"medicineName\": \"Paracetamol 500mg\", \"dosage\": \"500mg\", \"frequency\": \"1-0-1\", \"duration\": \"5 days\"},\n  {\"medicineName\": \"Cetirizine 10mg\", \"dosage\": \"\", \"frequency\": \"0-0-1\", \"duration\": \"\"}\n]\n```"

	candidates, err := parseCandidates(reply)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Name != "Paracetamol 500mg" || candidates[0].Frequency != "1-0-1" {
		t.Fatalf("unexpected first candidate: %+v", candidates[0])
	}
}

func TestParseCandidatesEmptyArrayIsNotAnError(t *testing.T) {
	candidates, err := parseCandidates("No medicines found: []")
	if err != nil {
		t.Fatalf("expected empty array to parse, got %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected zero candidates, got %d", len(candidates))
	}
}

func TestParseCandidatesDropsBlankNames(t *testing.T) {
	candidates, err := parseCandidates(`[{"medicineName": "  "}, {"medicineName": "Dolo 650"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "Dolo 650" {
		t.Fatalf("expected only Dolo 650, got %+v", candidates)
	}
}

func TestParseCandidatesWithoutArrayIsUnparsable(t *testing.T) {
	_, err := parseCandidates("I could not read the prescription, sorry.")
	if !errors.Is(err, ErrUnparsableReply) {
		t.Fatalf("expected ErrUnparsableReply, got %v", err)
	}
}

func TestParseCandidatesWithBrokenJSONIsUnparsable(t *testing.T) {
	_, err := parseCandidates(`[{"medicineName": "Dolo 650"`)
	if !errors.Is(err, ErrUnparsableReply) {
		t.Fatalf("expected ErrUnparsableReply, got %v", err)
	}
}

func TestParseRankedNamesKeepsFullSet(t *testing.T) {
	known := []string{"Dolo 650", "Crocin Advance", "Calpol 500"}
	reply := `Ranked: ["crocin advance", "Imaginary Tablet", "Dolo 650"]`

	ranked, err := parseRankedNames(reply, known)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"Crocin Advance", "Dolo 650", "Calpol 500"}
	if len(ranked) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(ranked))
	}
	for i := range want {
		if ranked[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], ranked[i])
		}
	}
}

func TestParseRankedNamesWithoutArrayIsUnparsable(t *testing.T) {
	_, err := parseRankedNames("first Dolo, then Crocin", []string{"Dolo 650", "Crocin Advance"})
	if !errors.Is(err, ErrUnparsableReply) {
		t.Fatalf("expected ErrUnparsableReply, got %v", err)
	}
}
