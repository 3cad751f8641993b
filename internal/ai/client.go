package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"pharmaerp/backend/internal/domain"
)

const (
	maxConcurrentRequests = 3
	minRequestDelay       = 300 * time.Millisecond
)

// Client wraps a Gemini model behind a small throttle so prescription
// bursts cannot exhaust the upstream quota.
type Client struct {
	client *genai.Client
	model  *genai.GenerativeModel

	sem      chan struct{}
	mu       sync.Mutex
	lastCall time.Time
}

func NewClient(ctx context.Context, apiKey string, modelName string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.1)
	model.SetTopK(20)
	model.SetTopP(0.9)
	model.SetMaxOutputTokens(2048)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(
			"You are a pharmacy assistant. Answer with exactly the format requested " +
				"and never add commentary outside it.",
		)},
	}

	return &Client{
		client: client,
		model:  model,
		sem:    make(chan struct{}, maxConcurrentRequests),
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// ExtractText runs the vision model over a prescription image and returns the
// raw transcription. format is the bare image subtype ("jpeg", "png", "webp").
func (c *Client) ExtractText(ctx context.Context, image []byte, format string) (string, error) {
	prompt := "Transcribe every piece of text on this prescription image, including " +
		"medicine names, dosages, frequencies and durations. Return the plain text only."

	resp, err := c.generate(ctx, genai.ImageData(format, image), genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return extractText(resp), nil
}

// IdentifyMedicines asks the model to pull structured medicines out of
// transcribed prescription text. A reply with no parsable JSON array is
// reported as ErrUnparsableReply; a valid empty array is a legitimate
// zero-medicines answer.
func (c *Client) IdentifyMedicines(ctx context.Context, text string) ([]domain.MedicineCandidate, error) {
	prompt := fmt.Sprintf(`From the prescription text below, list each prescribed medicine.
Reply with a JSON array only. Each element must be an object with the keys
"medicineName", "dosage", "frequency" and "duration"; use an empty string for
anything not stated. Reply with [] if no medicines are present.

Prescription text:
%s`, text)

	resp, err := c.generate(ctx, genai.Text(prompt))
	if err != nil {
		return nil, err
	}
	return parseCandidates(extractText(resp))
}

// RankAlternatives reorders alternative product names by suitability as a
// substitute for the prescribed medicine. Names the model omits or invents
// are handled by the parser so the caller always gets back the same set.
func (c *Client) RankAlternatives(ctx context.Context, medicine string, alternatives []string) ([]string, error) {
	if len(alternatives) < 2 {
		return alternatives, nil
	}

	prompt := fmt.Sprintf(`A patient was prescribed %q. The pharmacy stocks these possible
substitutes: %s.
Order them from most to least suitable substitute and reply with a JSON array
of the product names only.`, medicine, strings.Join(alternatives, ", "))

	resp, err := c.generate(ctx, genai.Text(prompt))
	if err != nil {
		return nil, err
	}
	return parseRankedNames(extractText(resp), alternatives)
}

func (c *Client) generate(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-c.sem }()

	resp, err := c.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	return resp, nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	wait := minRequestDelay - time.Since(c.lastCall)
	c.lastCall = time.Now().Add(wait)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-c.sem
			return ctx.Err()
		}
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return strings.TrimSpace(sb.String())
}
