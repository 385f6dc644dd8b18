// Copyright 2024 coreroomd contributors
//
// Package queue owns all outbound federation egress: one goroutine per
// destination server, each running the Running/Failed/Retrying state
// machine described by spec.md §4.5, backed by the persistent queue
// tables in federationapi/storage.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
	"github.com/coreroom/coreroomd/federationapi/storage/shared"
	"github.com/coreroom/coreroomd/federationapi/types"
	"github.com/coreroom/coreroomd/setup/config"
)

// maxPDUsPerTransaction bounds how many queued PDU rows a single
// transaction picks up, oldest first (spec.md §4.5 "drain up to 30
// newly queued rows").
const maxPDUsPerTransaction = 30

// maxEDUsPerTransaction bounds select_edus's yield (spec.md §4.5
// "up to 16 items").
const maxEDUsPerTransaction = 16

// minBackoff and maxBackoff bound the retry schedule (spec.md §4.5
// "min(30s x failures^2, 24h)").
const minBackoff = 30 * time.Second
const maxBackoff = 24 * time.Hour

// EDUProvider supplies the device-list/receipt/presence payloads
// select_edus folds into a transaction. Device lists, read receipts,
// and presence are built by other parts of a full homeserver that are
// out of scope here (push-rule evaluation and the client-facing
// surfaces that feed them remain external collaborators); a
// NopEDUProvider satisfies the interface until one is wired in.
type EDUProvider interface {
	SelectEDUs(ctx context.Context, destination spec.ServerName, sinceEDUCount int64, limit int) (edus []*gomatrixserverlib.EDU, newEDUCount int64, err error)
}

// NopEDUProvider never contributes EDUs to a transaction.
type NopEDUProvider struct{}

func (NopEDUProvider) SelectEDUs(ctx context.Context, destination spec.ServerName, sinceEDUCount int64, limit int) ([]*gomatrixserverlib.EDU, int64, error) {
	return nil, sinceEDUCount, nil
}

// OutgoingQueues is the top-level owner of federation egress. One
// instance exists per server; it multiplexes work across one
// destinationQueue goroutine per peer.
type OutgoingQueues struct {
	db     *shared.Database
	client fedapi.TransactionClient
	origin spec.ServerName
	cfg    config.FederationAPI
	edus   EDUProvider

	sem           *semaphore.Weighted
	senderTimeout time.Duration

	mu           sync.Mutex
	destinations map[spec.ServerName]*destinationQueue
}

// NewOutgoingQueues constructs the sender. Call Start once storage and
// the federation client are ready. senderTimeout bounds each
// transaction POST (spec.md §4.5 "a per-request total timeout
// (sender_timeout seconds)").
func NewOutgoingQueues(db *shared.Database, client fedapi.TransactionClient, origin spec.ServerName, cfg config.FederationAPI, senderTimeout time.Duration, edus EDUProvider) *OutgoingQueues {
	if edus == nil {
		edus = NopEDUProvider{}
	}
	max := cfg.MaxConcurrentRequests
	if max <= 0 {
		max = 6
	}
	if senderTimeout <= 0 {
		senderTimeout = 2 * time.Minute
	}
	return &OutgoingQueues{
		db:            db,
		client:        client,
		origin:        origin,
		cfg:           cfg,
		edus:          edus,
		sem:           semaphore.NewWeighted(int64(max)),
		senderTimeout: senderTimeout,
		destinations:  make(map[spec.ServerName]*destinationQueue),
	}
}

// Start reloads persisted queue and backoff state and resumes sending
// to every destination that has unresolved work (spec.md §4.5
// "Startup netburst. On handler start, reload all persisted
// active+pending rows").
func (oq *OutgoingQueues) Start(ctx context.Context) error {
	destinations, err := oq.db.DestinationsWithQueuedWork(ctx)
	if err != nil {
		return err
	}
	retryStates, err := oq.db.AllRetryStates(ctx)
	if err != nil {
		return err
	}

	oq.mu.Lock()
	defer oq.mu.Unlock()
	for _, dest := range destinations {
		dq := oq.getOrCreateLocked(dest)
		if rs, ok := retryStates[dest]; ok {
			dq.mu.Lock()
			dq.failures = rs.FailureCount
			dq.mu.Unlock()
		}
		if oq.cfg.StartupNetburstKeep >= 0 {
			dq.enforceNetburstLimit(ctx, oq.cfg.StartupNetburstKeep)
		}
		dq.wake(ctx)
	}
	return nil
}

// getOrCreateLocked returns the destinationQueue for dest, creating it
// if this is the first time oq has seen the destination. Caller must
// hold oq.mu.
func (oq *OutgoingQueues) getOrCreateLocked(dest spec.ServerName) *destinationQueue {
	dq, ok := oq.destinations[dest]
	if !ok {
		dq = &destinationQueue{
			queues:      oq,
			destination: dest,
			notify:      make(chan struct{}, 1),
			status:      types.StatusIdle,
		}
		oq.destinations[dest] = dq
	}
	return dq
}

// SendPDU enqueues event for each of the given destinations, excluding
// ourselves, and wakes or starts each destination's sender as needed
// (spec.md §4.5 "On fresh event").
func (oq *OutgoingQueues) SendPDU(ctx context.Context, event gomatrixserverlib.PDU, destinations []spec.ServerName) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}
	for _, dest := range destinations {
		if dest == oq.origin {
			continue
		}
		if blacklisted, err := oq.db.IsBlacklisted(ctx, dest); err != nil {
			return err
		} else if blacklisted {
			continue
		}
		if err := oq.db.EnqueuePDU(ctx, dest, event.EventID(), eventJSON); err != nil {
			return err
		}
		observeSendQueueDepth(1)
		oq.notifyFreshEvent(ctx, dest)
	}
	return nil
}

// SendEDU enqueues edu for each of the given destinations.
func (oq *OutgoingQueues) SendEDU(ctx context.Context, edu *gomatrixserverlib.EDU, destinations []spec.ServerName) error {
	eduJSON, err := json.Marshal(edu)
	if err != nil {
		return err
	}
	for _, dest := range destinations {
		if dest == oq.origin {
			continue
		}
		if blacklisted, err := oq.db.IsBlacklisted(ctx, dest); err != nil {
			return err
		} else if blacklisted {
			continue
		}
		if err := oq.db.EnqueueEDU(ctx, dest, eduJSON); err != nil {
			return err
		}
		observeSendQueueDepth(1)
		oq.notifyFreshEvent(ctx, dest)
	}
	return nil
}

// notifyFreshEvent implements spec.md §4.5's "On fresh event" branch:
// Running/Retrying destinations just absorbed the row on their next
// drain; Failed destinations get woken so the backoff timer fires
// now; destinations with no goroutine yet are started.
func (oq *OutgoingQueues) notifyFreshEvent(ctx context.Context, dest spec.ServerName) {
	oq.mu.Lock()
	dq := oq.getOrCreateLocked(dest)
	oq.mu.Unlock()
	dq.onFreshEvent(ctx)
}

// destinationQueue is the per-destination state machine of spec.md
// §4.5: current_transaction_status plus the goroutine that drives it.
type destinationQueue struct {
	queues      *OutgoingQueues
	destination spec.ServerName

	mu       sync.Mutex
	status   types.TransactionStatus
	failures uint32
	running  bool
	notify   chan struct{} // buffered 1: cuts a pending backoff short

	// eduSince is owned exclusively by the run goroutine; it is never
	// read or written from any other goroutine.
	eduSince int64
}

// onFreshEvent is called with a row for this destination already
// persisted; it starts the goroutine if idle, or wakes it if backed
// off, or does nothing if a transaction is already in flight.
func (dq *destinationQueue) onFreshEvent(ctx context.Context) {
	dq.mu.Lock()
	switch dq.status {
	case types.StatusRunning, types.StatusRetrying:
		dq.mu.Unlock()
		return
	case types.StatusFailed:
		dq.mu.Unlock()
		dq.wake(ctx)
		return
	default:
		dq.status = types.StatusRunning
		dq.running = true
		dq.mu.Unlock()
		go dq.run(ctx)
	}
}

// wake sends a non-blocking interrupt used to cut a backoff timer
// short (spec.md §4.5 "register an interruptible waker so an explicit
// wake can cut the timer short"). If the destination's goroutine has
// exited, this starts it instead.
func (dq *destinationQueue) wake(ctx context.Context) {
	dq.mu.Lock()
	if !dq.running {
		dq.status = types.StatusRunning
		dq.running = true
		dq.mu.Unlock()
		go dq.run(ctx)
		return
	}
	dq.mu.Unlock()
	select {
	case dq.notify <- struct{}{}:
	default:
	}
}

// run drives this destination's state machine until its queue drains
// and it goes idle, at which point the goroutine exits; a later fresh
// event restarts it.
func (dq *destinationQueue) run(ctx context.Context) {
	logger := logrus.WithField("destination", dq.destination)
	for {
		err := dq.sendOnce(ctx)
		if err == nil {
			more, err := dq.hasQueuedWork(ctx)
			if err != nil {
				logger.WithError(err).Error("federation sender: checking for more queued work")
			}
			if !more {
				dq.mu.Lock()
				dq.status = types.StatusIdle
				dq.running = false
				dq.failures = 0
				dq.mu.Unlock()
				if err := dq.queues.db.ClearRetryState(ctx, dq.destination); err != nil {
					logger.WithError(err).Error("federation sender: clearing retry state")
				}
				return
			}
			continue
		}

		logger.WithError(err).Warn("federation sender: transaction failed")
		dq.mu.Lock()
		dq.failures++
		failures := dq.failures
		dq.status = types.StatusFailed
		dq.mu.Unlock()

		backoff := backoffDuration(failures)
		retryUntil := spec.AsTimestamp(time.Now().Add(backoff))
		if err := dq.queues.db.SetRetryState(ctx, dq.destination, failures, retryUntil); err != nil {
			logger.WithError(err).Error("federation sender: persisting retry state")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-dq.notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			dq.mu.Lock()
			dq.running = false
			dq.mu.Unlock()
			return
		}

		dq.mu.Lock()
		dq.status = types.StatusRetrying
		dq.mu.Unlock()
	}
}

// backoffDuration implements spec.md §4.5's min(30s x failures^2, 24h)
// schedule.
func backoffDuration(failures uint32) time.Duration {
	d := minBackoff * time.Duration(failures) * time.Duration(failures)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// hasQueuedWork reports whether any PDU or EDU rows remain queued for
// this destination.
func (dq *destinationQueue) hasQueuedWork(ctx context.Context) (bool, error) {
	pdus, err := dq.queues.db.PendingPDUs(ctx, dq.destination, 1)
	if err != nil {
		return false, err
	}
	if len(pdus) > 0 {
		return true, nil
	}
	edus, err := dq.queues.db.PendingEDUs(ctx, dq.destination, 1)
	if err != nil {
		return false, err
	}
	return len(edus) > 0, nil
}

// sendOnce composes and delivers one transaction (spec.md §4.5
// "Transaction composition"), deleting delivered rows on success.
// EDUs come from two sources: explicitly-queued rows (typing,
// receipts routed through SendEDU) and dq.queues.edus, which folds in
// the remaining budget with device-list/presence style bundles once
// such a provider is wired in.
func (dq *destinationQueue) sendOnce(ctx context.Context) error {
	pdus, err := dq.queues.db.PendingPDUs(ctx, dq.destination, maxPDUsPerTransaction)
	if err != nil {
		return err
	}
	queuedEDUs, err := dq.queues.db.PendingEDUs(ctx, dq.destination, maxEDUsPerTransaction)
	if err != nil {
		return err
	}

	edus := make([]*gomatrixserverlib.EDU, 0, maxEDUsPerTransaction)
	eduNIDs := make([]int64, 0, len(queuedEDUs))
	for _, qe := range queuedEDUs {
		var edu gomatrixserverlib.EDU
		if err := json.Unmarshal(qe.JSON, &edu); err != nil {
			return err
		}
		edus = append(edus, &edu)
		eduNIDs = append(eduNIDs, qe.NID)
	}
	if remaining := maxEDUsPerTransaction - len(edus); remaining > 0 {
		bundled, newSince, err := dq.queues.edus.SelectEDUs(ctx, dq.destination, dq.eduSince, remaining)
		if err != nil {
			return err
		}
		edus = append(edus, bundled...)
		dq.eduSince = newSince
	}

	if len(pdus) == 0 && len(edus) == 0 {
		return nil
	}

	pduJSON := make([]json.RawMessage, 0, len(pdus))
	pduNIDs := make([]int64, 0, len(pdus))
	for _, p := range pdus {
		pduJSON = append(pduJSON, json.RawMessage(p.EventJSON))
		pduNIDs = append(pduNIDs, p.NID)
	}

	txn := gomatrixserverlib.Transaction{
		Origin:         dq.queues.origin,
		Destination:    dq.destination,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		PDUs:           pduJSON,
		EDUs:           edus,
	}
	txn.TransactionID = transactionID(txn)

	if err := dq.queues.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, dq.queues.senderTimeout)
	result, err := dq.queues.client.SendTransaction(sendCtx, txn)
	cancel()
	dq.queues.sem.Release(1)
	if err != nil {
		return err
	}

	if err := dq.queues.db.CleanPDUs(ctx, dq.destination, pduNIDs); err != nil {
		return err
	}
	if err := dq.queues.db.CleanEDUs(ctx, dq.destination, eduNIDs); err != nil {
		return err
	}
	observeSendQueueDepth(-int64(len(pduNIDs) + len(eduNIDs)))
	if len(result.PDUErrors) > 0 {
		logrus.WithField("destination", dq.destination).WithField("count", len(result.PDUErrors)).
			Warn("federation sender: peer reported per-event errors")
	}
	return nil
}

// enforceNetburstLimit drops queued rows beyond keep, logging what was
// discarded (spec.md §4.5 "If startup_netburst_keep >= 0 and a
// destination already has that many queued, drop and log further
// rows").
func (dq *destinationQueue) enforceNetburstLimit(ctx context.Context, keep int64) {
	pdus, err := dq.queues.db.PendingPDUs(ctx, dq.destination, 1<<30)
	if err != nil || int64(len(pdus)) <= keep {
		return
	}
	drop := make([]int64, 0, int64(len(pdus))-keep)
	for _, p := range pdus[keep:] {
		drop = append(drop, p.NID)
	}
	if err := dq.queues.db.CleanPDUs(ctx, dq.destination, drop); err != nil {
		logrus.WithField("destination", dq.destination).WithError(err).
			Error("federation sender: enforcing startup netburst limit")
		return
	}
	logrus.WithField("destination", dq.destination).WithField("dropped", len(drop)).
		Warn("federation sender: dropped queued PDUs over startup_netburst_keep")
}

// transactionID derives a content-addressed transaction id from the
// hash of every included payload, so retrying an unresolved
// transaction after a timeout reuses the same id and the peer treats
// it idempotently (spec.md §4.5 "a transaction id derived from a hash
// of all included payload bytes").
func transactionID(txn gomatrixserverlib.Transaction) gomatrixserverlib.TransactionID {
	h := sha256.New()
	for _, pdu := range txn.PDUs {
		h.Write(pdu)
	}
	for _, edu := range txn.EDUs {
		b, _ := json.Marshal(edu)
		h.Write(b)
	}
	return gomatrixserverlib.TransactionID(hex.EncodeToString(h.Sum(nil)))
}
