package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"google.golang.org/genai"
)

// GeminiGenerator implements Generator against the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator creates a Gemini-backed generator. The API key comes
// from configuration (typically the GEMINI_API_KEY environment variable);
// model defaults to a fast model suitable for small targeted fixes.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &GeminiGenerator{client: client, model: model}, nil
}

// fixPrompt shapes the request so the model returns the complete corrected
// file and nothing else. The fix loop diffs the answer against the current
// content, so prose or partial snippets would corrupt the resulting edit.
const fixPrompt = `You are a code repair tool. A %s file named %q fails with this diagnostic:

%s

The relevant part of the file:

%s

Full current file content between the FILE markers:
---FILE---
%s
---FILE---

Respond with the complete corrected file content and nothing else.
Do not add explanations, markdown fences, or commentary.`

// GenerateFix asks Gemini for the corrected file content.
func (g *GeminiGenerator) GenerateFix(ctx context.Context, req FixRequest) (string, error) {
	prompt := fmt.Sprintf(fixPrompt, req.Language, req.FileID, req.Diagnostic, req.ContextWindow, req.Content)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty candidate list: %w", ErrInvalid)
	}

	text := strings.TrimSpace(resp.Text())
	text = stripFences(text)
	if text == "" {
		return "", fmt.Errorf("empty fix text: %w", ErrInvalid)
	}

	log.Printf("backend: generated fix for %s (%d bytes)", req.FileID, len(text))
	return text, nil
}

// stripFences removes a surrounding markdown code fence if the model
// ignored the instruction not to add one.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	lines = lines[1:] // drop opening fence (possibly with a language tag)
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// classify maps provider and transport errors onto the package sentinels
// so the fix loop can make retry decisions without knowing the provider.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return fmt.Errorf("%v: %w", err, ErrRateLimited)
		case 500, 502, 503, 504:
			return fmt.Errorf("%v: %w", err, ErrTimeout)
		default:
			return fmt.Errorf("%v: %w", err, ErrInvalid)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}

	// String fallback only for untyped errors from the SDK.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") {
		return fmt.Errorf("%v: %w", err, ErrRateLimited)
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") || strings.Contains(msg, "unavailable") {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	return fmt.Errorf("%v: %w", err, ErrInvalid)
}
