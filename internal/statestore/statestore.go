// Package statestore defines the durable state-store contract the sync
// engine consumes: watermarks, UID claim records, and failure records,
// partitioned per route. Concrete backends (DynamoDB for production, SQLite
// for local/dev/test) live in subpackages and satisfy Store.
package statestore

import "context"

// Watermark is the per-route high-water mark: the largest UID within
// UIDValidity for which the claim/finalize protocol has reached a
// known-safe state. HasRun is false when no watermark record exists (the
// route has never run); UIDValidity and LastUID are then both zero. Callers
// decide whether a watermark is present from HasRun, not from UIDValidity.
type Watermark struct {
	UIDValidity uint32
	LastUID     uint32
	HasRun      bool
}

// RoutePK identifies a route's partition in the keyspace:
// ROUTE#<source>#DEST#<destination>#FOLDER#<folder>.
func RoutePK(sourceAccount, destinationMailbox, folder string) string {
	return "ROUTE#" + sourceAccount + "#DEST#" + destinationMailbox + "#FOLDER#" + folder
}

// Store is the contract the Route Runner and Cycle Driver consume. Every
// operation is conceptually atomic at the record level. Implementations
// must distinguish AssertAvailable failures (fail-safe gate, fatal to the
// whole cycle) from every other failure (fatal to the current route only).
type Store interface {
	// AssertAvailable succeeds only if the backing store answers healthy.
	// Any failure is the fail-safe gate: no mailbox I/O may follow it.
	AssertAvailable(ctx context.Context) error

	// GetWatermark returns the route's current watermark, or the zero value
	// (HasRun == false) if no record exists.
	GetWatermark(ctx context.Context, pk string) (Watermark, error)

	// SetWatermark unconditionally writes the latest watermark value.
	SetWatermark(ctx context.Context, pk string, uidValidity uint32, lastUID uint32) error

	// ClaimUID conditionally writes a PENDING record for (uidValidity, uid).
	// Returns true if this call created the record, false if one already
	// existed (PENDING or DONE); a condition failure is not an error.
	ClaimUID(ctx context.Context, pk string, uidValidity uint32, uid uint32) (bool, error)

	// FinalizeUID unconditionally writes a DONE record carrying both
	// identifiers and a TTL expiry ttlDays from now.
	FinalizeUID(ctx context.Context, pk string, uidValidity uint32, uid uint32, messageID string, contentHash string, ttlDays int) error

	// AbandonPending unconditionally deletes the UID record. Used only
	// after a claim followed by a failed append.
	AbandonPending(ctx context.Context, pk string, uidValidity uint32, uid uint32) error

	// UIDRecordExists reports whether a record (PENDING or DONE) exists for
	// (uidValidity, uid). Used only by dry-run to report "would skip".
	UIDRecordExists(ctx context.Context, pk string, uidValidity uint32, uid uint32) (bool, error)

	// RecordFailure increments retry_count and replaces last_error
	// (truncated to 1024 chars) for (uidValidity, uid), with a TTL expiry
	// ttlDays from now.
	RecordFailure(ctx context.Context, pk string, uidValidity uint32, uid uint32, errMsg string, ttlDays int) error

	// PayloadAlreadyCopied scans the route's DONE records and reports true
	// if any carries a matching contentHash, or a matching messageID when
	// messageID is non-empty. It pages through the full partition.
	PayloadAlreadyCopied(ctx context.Context, pk string, messageID string, contentHash string) (bool, error)
}
