/*

This file contains the engine event types. Events are emitted by the engines
on every successful state transition and fed to the audit recorder when one
is configured.

*/

package types

import "time"

// EventKind names a state transition for the audit journal.
type EventKind string

const (
	EventCommitmentCreated EventKind = "commitment_created"
	EventValueUpdated      EventKind = "value_updated"
	EventViolationRecorded EventKind = "violation_recorded"
	EventSettled           EventKind = "settled"
	EventEarlyExit         EventKind = "early_exit"
	EventAllocated         EventKind = "allocated"
	EventRebalanced        EventKind = "rebalanced"
	EventAttested          EventKind = "attested"
	EventPoolRegistered    EventKind = "pool_registered"
)

// Event is a single audit journal entry. Attributes hold the kind-specific
// fields already rendered to strings so the journal schema stays flat.
type Event struct {
	Kind         EventKind         `json:"kind"`
	CommitmentID CommitmentID      `json:"commitment_id,omitempty"`
	Actor        Address           `json:"actor,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
