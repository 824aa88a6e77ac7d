package enhancement

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

const DefaultChunkSize = 100

// LookupService resolves batches of normalized descriptions against the
// persisted rules without loading them into an Engine.
type LookupService struct {
	store     RuleStore
	cache     *LookupCache
	chunkSize int
	logger    *slog.Logger
}

// NewLookupService builds a service. cache may be nil; chunkSize <= 0 uses
// DefaultChunkSize.
func NewLookupService(store RuleStore, cache *LookupCache, chunkSize int, logger *slog.Logger) *LookupService {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &LookupService{store: store, cache: cache, chunkSize: chunkSize, logger: logger}
}

// Cache returns the injected cache, or nil.
func (s *LookupService) Cache() *LookupCache {
	return s.cache
}

// CategorizeBatch maps each description that a rule matches to its category.
// Descriptions without a match are absent from the result.
func (s *LookupService) CategorizeBatch(ctx context.Context, userID uuid.UUID, descriptions []string) (map[string]uuid.UUID, error) {
	result := make(map[string]uuid.UUID)

	var pending []string
	seen := make(map[string]struct{})
	for _, desc := range descriptions {
		if _, dup := seen[desc]; dup {
			continue
		}
		seen[desc] = struct{}{}

		if s.cache != nil {
			if id, found, cached := s.cache.Get(categoryKey(userID, desc)); cached {
				if found {
					result[desc] = id
				}
				continue
			}
		}
		pending = append(pending, desc)
	}

	for start := 0; start < len(pending); start += s.chunkSize {
		chunk := pending[start:min(start+s.chunkSize, len(pending))]

		matches, err := s.store.MatchCategories(ctx, userID, chunk)
		if err != nil {
			return nil, err
		}
		for _, desc := range chunk {
			id, found := matches[desc]
			if found {
				result[desc] = id
			}
			if s.cache != nil {
				s.cache.Put(categoryKey(userID, desc), id, found)
			}
		}
	}

	s.logger.DebugContext(ctx, "Categorized batch",
		slog.String("user_id", userID.String()),
		slog.Int("descriptions", len(seen)),
		slog.Int("queried", len(pending)),
		slog.Int("matched", len(result)))
	return result, nil
}

// IdentifyCounterpartyBatch maps descriptions to counterparty accounts. When
// the same description appears with several amounts, the first pair that
// matches a rule decides.
func (s *LookupService) IdentifyCounterpartyBatch(ctx context.Context, userID uuid.UUID, items []DescriptionAmount) (map[string]uuid.UUID, error) {
	result := make(map[string]uuid.UUID)
	set := func(desc string, id uuid.UUID) {
		if _, ok := result[desc]; !ok {
			result[desc] = id
		}
	}

	var pending []DescriptionAmount
	seen := make(map[string]struct{})
	for _, item := range items {
		key := counterpartyKey(userID, item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if s.cache != nil {
			if id, found, cached := s.cache.Get(key); cached {
				if found {
					set(item.Description, id)
				}
				continue
			}
		}
		pending = append(pending, item)
	}

	for start := 0; start < len(pending); start += s.chunkSize {
		chunk := pending[start:min(start+s.chunkSize, len(pending))]

		// matches are keyed by description, so a pair is cached only when
		// its description is unique within the chunk
		matches, err := s.store.MatchCounterparties(ctx, userID, chunk)
		if err != nil {
			return nil, err
		}
		for _, item := range chunk {
			id, found := matches[item.Description]
			if found {
				set(item.Description, id)
			}
			if s.cache != nil && isUnique(chunk, item.Description) {
				s.cache.Put(counterpartyKey(userID, item), id, found)
			}
		}
	}

	s.logger.DebugContext(ctx, "Identified counterparty batch",
		slog.String("user_id", userID.String()),
		slog.Int("pairs", len(seen)),
		slog.Int("queried", len(pending)),
		slog.Int("matched", len(result)))
	return result, nil
}

func isUnique(chunk []DescriptionAmount, desc string) bool {
	n := 0
	for _, item := range chunk {
		if item.Description == desc {
			n++
		}
	}
	return n == 1
}

func categoryKey(userID uuid.UUID, desc string) string {
	return "c|" + userID.String() + "|" + desc
}

func counterpartyKey(userID uuid.UUID, item DescriptionAmount) string {
	return "p|" + userID.String() + "|" + item.Amount.String() + "|" + item.Description
}
