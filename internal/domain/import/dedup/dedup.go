// Package dedup separates statement rows already seen for an account from
// new ones. Matching is exact: a cent or a day apart is a different row.
package dedup

import (
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/transaction"
)

// Key identifies a transaction for duplicate detection. Amount holds the
// canonical decimal string, so 10.5 and 10.50 compare equal.
type Key struct {
	AccountID   uuid.UUID
	Date        time.Time
	Description string
	Amount      string
}

// KeyOf builds the key of a record. The date is reduced to its UTC day.
func KeyOf(r *transaction.Record) Key {
	return Key{
		AccountID:   r.AccountID,
		Date:        transaction.Day(r.Date),
		Description: r.Description,
		Amount:      r.Amount.String(),
	}
}

// ExistingLookup answers whether a key is already persisted.
type ExistingLookup interface {
	Contains(Key) bool
}

// KeySet is an in-memory ExistingLookup.
type KeySet map[Key]struct{}

func NewKeySet(keys ...Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

func (s KeySet) Add(k Key) {
	s[k] = struct{}{}
}

func (s KeySet) Contains(k Key) bool {
	_, ok := s[k]
	return ok
}

// Partition splits candidates into fresh records and duplicates, keeping
// input order in both. A candidate is a duplicate when existing contains its
// key or an earlier candidate had the same key. existing may be nil.
func Partition(candidates []transaction.Record, existing ExistingLookup) (fresh, duplicates []transaction.Record) {
	batch := make(KeySet, len(candidates))
	for _, c := range candidates {
		k := KeyOf(&c)
		if (existing != nil && existing.Contains(k)) || batch.Contains(k) {
			duplicates = append(duplicates, c)
			continue
		}
		batch.Add(k)
		fresh = append(fresh, c)
	}
	return fresh, duplicates
}

// DateRange returns the first and last day covered by records, for bounding
// the query that loads existing keys. ok is false for an empty slice.
func DateRange(records []transaction.Record) (from, to time.Time, ok bool) {
	for i, r := range records {
		d := transaction.Day(r.Date)
		if i == 0 || d.Before(from) {
			from = d
		}
		if i == 0 || d.After(to) {
			to = d
		}
	}
	return from, to, len(records) > 0
}
