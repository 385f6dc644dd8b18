// Copyright 2024 coreroomd contributors
//
// Package types declares the outbound sender's persistent-state shapes,
// mirroring the teacher's federationapi/types split between wire types
// and the sender's own bookkeeping.
package types

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// RetryState is one destination's backoff bookkeeping (spec.md §4.5
// "On failure ... schedule a backoff timer for min(30s x failures^2,
// 24h)"), persisted so a restart keeps each destination's failure
// count instead of resetting it to zero. On restart the queue restores
// FailureCount and sends at once; it does not wait for RetryUntil.
type RetryState struct {
	FailureCount uint32
	RetryUntil   spec.Timestamp
}

// TransactionStatus is the in-memory state of one destination's
// outbound queue (spec.md §4.5 "current_transaction_status").
type TransactionStatus int

const (
	// StatusIdle: no transaction in flight, no backoff pending.
	StatusIdle TransactionStatus = iota
	// StatusRunning: a transaction is currently in flight.
	StatusRunning
	// StatusFailed: the last transaction failed; a backoff timer is
	// counting down.
	StatusFailed
	// StatusRetrying: the backoff timer fired and a transaction carrying
	// the same still-active rows is back in flight.
	StatusRetrying
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	case StatusRetrying:
		return "retrying"
	default:
		return "idle"
	}
}

// QueuedPDU is one outbound PDU reference awaiting delivery to a
// destination (spec.md §3 "Outbound queue entry").
type QueuedPDU struct {
	NID      int64
	EventID  string
	EventJSON []byte
}

// QueuedEDU is one outbound EDU blob awaiting delivery.
type QueuedEDU struct {
	NID  int64
	Type string
	JSON []byte
}
