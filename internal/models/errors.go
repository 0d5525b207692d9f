package models

import "errors"

var (
	// ErrOrderNotFound is returned when no order exists for the given ID
	ErrOrderNotFound = errors.New("order not found")

	// ErrAlreadyProcessed signals that a conditioned transition matched zero
	// rows because the order already left the pending state. Callers treat it
	// as a benign idempotent outcome, not a failure.
	ErrAlreadyProcessed = errors.New("order already processed")

	// ErrTxAlreadyClaimed signals the unique insert into used_transactions
	// conflicted: the hash was consumed by this or another order
	ErrTxAlreadyClaimed = errors.New("transaction hash already claimed")

	// ErrLinkAlreadyClaimed signals the unique insert into used_links conflicted
	ErrLinkAlreadyClaimed = errors.New("content link already claimed")

	// ErrNoLinksAvailable means every link of the location is handed out;
	// the order stays pending until an admin resupplies
	ErrNoLinksAvailable = errors.New("no content links available")
)
