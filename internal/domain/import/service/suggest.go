package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/enhancement"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/schema"
)

const maxSuggestionPatterns = 200

// RuleLister returns a user's rules.
type RuleLister interface {
	ListRules(ctx context.Context, userID uuid.UUID) ([]enhancement.Rule, error)
}

// ModelSuggester asks a language model which of the user's known rule
// patterns an unmatched description resembles, and proposes that rule's
// targets. Users without rules get no suggestions.
type ModelSuggester struct {
	generator schema.TextGenerator
	rules     RuleLister
	logger    *slog.Logger
}

func NewModelSuggester(generator schema.TextGenerator, rules RuleLister, logger *slog.Logger) *ModelSuggester {
	return &ModelSuggester{generator: generator, rules: rules, logger: logger}
}

type modelAnswer struct {
	Suggestions []struct {
		Description string  `json:"description"`
		Pattern     int     `json:"pattern"`
		Confidence  float64 `json:"confidence"`
	} `json:"suggestions"`
}

func (m *ModelSuggester) Suggest(ctx context.Context, userID uuid.UUID, descriptions []string) (map[string]Suggestion, error) {
	if len(descriptions) == 0 {
		return map[string]Suggestion{}, nil
	}
	rules, err := m.rules.ListRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	candidates := suggestionCandidates(rules)
	if len(candidates) == 0 {
		return map[string]Suggestion{}, nil
	}

	raw, err := m.generator.GenerateText(ctx, buildSuggestionPrompt(candidates, descriptions))
	if err != nil {
		return nil, fmt.Errorf("failed to generate suggestions: %w", err)
	}
	var answer modelAnswer
	if err := json.Unmarshal([]byte(schema.CleanModelJSON(raw)), &answer); err != nil {
		return nil, fmt.Errorf("failed to parse suggestions: %w", err)
	}

	asked := make(map[string]bool, len(descriptions))
	for _, d := range descriptions {
		asked[d] = true
	}

	out := make(map[string]Suggestion)
	for _, s := range answer.Suggestions {
		if !asked[s.Description] || s.Pattern < 0 || s.Pattern >= len(candidates) {
			continue
		}
		rule := candidates[s.Pattern]
		out[s.Description] = Suggestion{
			CategoryID:            rule.CategoryID,
			CounterpartyAccountID: rule.CounterpartyAccountID,
			Confidence:            min(max(s.Confidence, 0), 1),
		}
	}
	m.logger.Debug("suggestions received",
		slog.Int("asked", len(descriptions)),
		slog.Int("answered", len(out)),
	)
	return out, nil
}

// suggestionCandidates keeps one rule per pattern, unbounded rules only.
func suggestionCandidates(rules []enhancement.Rule) []enhancement.Rule {
	seen := make(map[string]bool)
	var out []enhancement.Rule
	for _, r := range rules {
		if r.Pattern == "" || r.HasAmountBounds() || r.HasDateBounds() || seen[r.Pattern] {
			continue
		}
		seen[r.Pattern] = true
		out = append(out, r)
		if len(out) == maxSuggestionPatterns {
			break
		}
	}
	return out
}

func buildSuggestionPrompt(candidates []enhancement.Rule, descriptions []string) string {
	var sb strings.Builder
	sb.WriteString(`Bank transaction descriptions must be matched to known merchant patterns.
For every description pick the index of the most similar pattern, or -1 when
none fits, and a confidence between 0 and 1.

Answer with JSON only, in this shape:
{"suggestions": [{"description": "", "pattern": -1, "confidence": 0.0}]}

Patterns:
`)
	for i, r := range candidates {
		fmt.Fprintf(&sb, "%d\t%s\n", i, r.Pattern)
	}
	sb.WriteString("\nDescriptions:\n")
	for _, d := range descriptions {
		sb.WriteString(d)
		sb.WriteByte('\n')
	}
	return sb.String()
}
