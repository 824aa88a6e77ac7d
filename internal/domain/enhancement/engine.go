package enhancement

import (
	"slices"
	"sort"

	"github.com/cloudflare/ahocorasick"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/transaction"
)

// Apply enhances txs with the first matching rule in precedence order
// (exact, then prefix, then infix, input order within a tier). It returns
// new records in the same order and never drops one; unmatched records are
// returned unchanged.
func Apply(txs []transaction.Record, rules []Rule) []transaction.Record {
	return NewEngine(rules).Apply(txs)
}

// Engine is a compiled rule set. Exact and prefix rules are looked up in maps
// and infix rules go through an Aho-Corasick automaton, so matching a
// description costs one pass over it rather than one pass per rule. Among
// the candidate rules the lowest precedence position whose bounds hold wins,
// which gives the same answer as scanning the sorted list.
type Engine struct {
	rules []Rule

	exact  map[string][]int
	prefix map[string][]int
	// always holds prefix and infix rules with an empty pattern
	always []int

	matcher       *ahocorasick.Matcher
	infixPatterns []string
	infixRules    [][]int
}

// NewEngine sorts rules by precedence and builds the lookup structures.
func NewEngine(rules []Rule) *Engine {
	sorted := slices.Clone(rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MatchType < sorted[j].MatchType
	})

	e := &Engine{
		rules:  sorted,
		exact:  make(map[string][]int),
		prefix: make(map[string][]int),
	}

	patternToIndex := make(map[string]int)
	for i, rule := range sorted {
		switch rule.MatchType {
		case MatchExact:
			e.exact[rule.Pattern] = append(e.exact[rule.Pattern], i)
		case MatchPrefix:
			if rule.Pattern == "" {
				e.always = append(e.always, i)
				continue
			}
			e.prefix[rule.Pattern] = append(e.prefix[rule.Pattern], i)
		case MatchInfix:
			if rule.Pattern == "" {
				e.always = append(e.always, i)
				continue
			}
			// the automaton needs unique patterns
			if idx, ok := patternToIndex[rule.Pattern]; ok {
				e.infixRules[idx] = append(e.infixRules[idx], i)
				continue
			}
			patternToIndex[rule.Pattern] = len(e.infixPatterns)
			e.infixPatterns = append(e.infixPatterns, rule.Pattern)
			e.infixRules = append(e.infixRules, []int{i})
		}
	}

	if len(e.infixPatterns) > 0 {
		e.matcher = ahocorasick.NewStringMatcher(e.infixPatterns)
	}
	return e
}

// Rules returns the rules in precedence order.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Match returns the winning rule for one record, or nil.
func (e *Engine) Match(tx *transaction.Record) *Rule {
	best := -1
	consider := func(candidates []int) {
		for _, i := range candidates {
			if best >= 0 && i >= best {
				// candidate lists are ascending
				return
			}
			if e.rules[i].InBounds(tx.Amount, tx.Date) {
				best = i
				return
			}
		}
	}

	desc := tx.NormalizedDescription
	consider(e.exact[desc])

	if len(e.prefix) > 0 {
		for end := 1; end <= len(desc); end++ {
			if ids, ok := e.prefix[desc[:end]]; ok {
				consider(ids)
			}
		}
	}

	if e.matcher != nil {
		for _, p := range e.matcher.MatchThreadSafe([]byte(desc)) {
			consider(e.infixRules[p])
		}
	}
	consider(e.always)

	if best < 0 {
		return nil
	}
	return &e.rules[best]
}

// Apply runs Match over txs and returns enhanced copies.
func (e *Engine) Apply(txs []transaction.Record) []transaction.Record {
	out := make([]transaction.Record, len(txs))
	for i := range txs {
		out[i] = txs[i]
		if rule := e.Match(&out[i]); rule != nil {
			assign(&out[i], rule)
		}
	}
	return out
}

func assign(tx *transaction.Record, rule *Rule) {
	if rule.CategoryID != nil {
		id := *rule.CategoryID
		tx.CategoryID = &id
		tx.CategorizationStatus = transaction.StatusRuleBased
	}
	if rule.CounterpartyAccountID != nil {
		id := *rule.CounterpartyAccountID
		tx.CounterpartyAccountID = &id
		tx.CounterpartyStatus = transaction.StatusRuleBased
	}
}
