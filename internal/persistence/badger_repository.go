package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"ensemble-trading-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
)

const (
	decisionPrefix = "decision:"
	outcomePrefix  = "outcome:"
)

// badgerRepository is the BadgerDB implementation of the Repository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected
// to a BadgerDB database.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still surface from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func decisionKey(cycleID, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", decisionPrefix, cycleID, symbol))
}

// SaveDecision atomically saves the whole decision record. A single Set in
// one transaction means the record is never partially visible: a crash
// mid-cycle leaves either the full record or nothing.
func (r *badgerRepository) SaveDecision(rec *models.DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(decisionKey(rec.CycleID, rec.Symbol), data)
	})
}

// LoadDecision loads one decision record, or (nil, nil) when absent.
func (r *badgerRepository) LoadDecision(cycleID, symbol string) (*models.DecisionRecord, error) {
	var rec models.DecisionRecord

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(decisionKey(cycleID, symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// HasExecution reports whether this (cycle, symbol) already carries an
// execution result. The learning step checks this before recording, so
// replaying a cycle cannot double-count an execution.
func (r *badgerRepository) HasExecution(cycleID, symbol string) (bool, error) {
	rec, err := r.LoadDecision(cycleID, symbol)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Execution != nil, nil
}

// RecentDecisions returns up to limit decision records, newest first.
func (r *badgerRepository) RecentDecisions(limit int) ([]models.DecisionRecord, error) {
	var records []models.DecisionRecord

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(decisionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec models.DecisionRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// AppendOutcome appends a closed trade outcome under a unique time-ordered key.
func (r *badgerRepository) AppendOutcome(out *models.TradeOutcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}

	ts := out.ClosedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	key := []byte(fmt.Sprintf("%s%020d:%s", outcomePrefix, ts.UnixNano(), uuid.NewString()))

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Outcomes returns all recorded trade outcomes, oldest first. The
// zero-padded nano timestamp in the key makes lexicographic iteration
// chronological.
func (r *badgerRepository) Outcomes() ([]models.TradeOutcome, error) {
	var outcomes []models.TradeOutcome

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(outcomePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var out models.TradeOutcome
				if err := json.Unmarshal(val, &out); err != nil {
					return err
				}
				outcomes = append(outcomes, out)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
