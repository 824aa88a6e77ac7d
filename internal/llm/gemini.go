// Package llm adapts Gemini to the prompt-in, text-out interface used by the
// schema detector and the enhancement suggester.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash"

var ErrEmptyResponse = errors.New("empty response from model")

// Gemini generates text with a Gemini model.
type Gemini struct {
	models  *genai.Models
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGemini creates a client for the Gemini API. An empty model uses
// DefaultModel.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{models: client.Models, model: model, timeout: 60 * time.Second, logger: logger}, nil
}

// GenerateText sends prompt as a single user turn at temperature 0 and
// returns the concatenated text parts of the answer.
func (g *Gemini) GenerateText(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	g.logger.Debug("gemini answered",
		slog.String("model", g.model),
		slog.Int("prompt_chars", len(prompt)),
		slog.Int("answer_chars", len(text)),
		slog.Duration("took", time.Since(start)),
	)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
