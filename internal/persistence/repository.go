package persistence

import "ensemble-trading-bot-go/internal/models"

// Repository defines the interface for decision and outcome persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type Repository interface {
	// SaveDecision atomically saves the whole decision record. The record
	// is keyed by (cycle id, symbol), so re-saving for the same cycle
	// overwrites instead of producing a duplicate.
	SaveDecision(rec *models.DecisionRecord) error

	// LoadDecision loads one decision record.
	// If no record is found, it returns (nil, nil).
	LoadDecision(cycleID, symbol string) (*models.DecisionRecord, error)

	// HasExecution reports whether an execution result has already been
	// recorded for this (cycle id, symbol).
	HasExecution(cycleID, symbol string) (bool, error)

	// RecentDecisions returns up to limit decision records, newest first.
	RecentDecisions(limit int) ([]models.DecisionRecord, error)

	// AppendOutcome appends a closed trade outcome. Outcomes are
	// append-only and never mutated after the write.
	AppendOutcome(out *models.TradeOutcome) error

	// Outcomes returns all recorded trade outcomes, oldest first.
	Outcomes() ([]models.TradeOutcome, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
