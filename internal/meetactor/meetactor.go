// Package meetactor is the Meet Actor (C3): the single-writer state
// machine for one meet. All mutation happens on the actor's own goroutine,
// driven by messages arriving on its inbox; callers never touch the
// actor's fields directly. This is the Go translation of the source
// tree's tokio mpsc-actor (meet_actor.rs): one goroutine consuming a
// channel in a `for range` loop stands in for `while let Some(msg) =
// rx.recv().await`, and a reply channel per message stands in for the
// oneshot reply channels there.
package meetactor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meetsync/meetd/internal/apperr"
	"github.com/meetsync/meetd/internal/appendlog"
	"github.com/meetsync/meetd/internal/logging"
	"github.com/meetsync/meetd/internal/metrics"
	"github.com/meetsync/meetd/internal/relaybus"
	"github.com/meetsync/meetd/internal/wire"
)

// inactivityThreshold is the long-inactivity recovery trigger from spec
// §4.3 step 4.
const inactivityThreshold = 5 * time.Minute

type applyMsg struct {
	ctx      context.Context
	clientID string
	priority uint8
	updates  []wire.Update
	reply    chan applyResult
}

type applyResult struct {
	pairs []wire.SeqPair
	err   error
}

type pullMsg struct {
	since uint64
	reply chan []wire.UpdateWithServerSeq
}

type publishMsg struct {
	oplCSV      string
	returnEmail string
	reply       chan error
}

type recoverMsg struct {
	ctx      context.Context
	clientID string
	priority uint8
	updates  []wire.Update
	reply    chan recoverResult
}

type recoverResult struct {
	newServerSeq uint64
	appliedCount int
	err          error
}

// actor owns all mutable meet state. No field is touched outside run().
type actor struct {
	meetID string
	store  *appendlog.Store
	bus    *relaybus.Bus
	log    *logging.Logger

	inbox chan any

	serverSeq            uint64
	updates              []wire.UpdateWithServerSeq
	updatesByKey         map[string]wire.UpdateWithServerSeq
	expectedClientSeq    map[string]uint64
	lastUpdateTime       time.Time
	needConsistencyCheck bool
}

// Handle is the external, concurrency-safe handle to a running actor.
// Every operation suspends on a channel send/receive, matching spec §5's
// cooperative-suspension model; none of them busy-wait.
type Handle struct {
	inbox    chan any
	closed   sync.Once
	closedCh chan struct{}
	done     chan struct{}
}

// Spawn rebuilds a meet actor's state from the durable log (spec §4.3
// Construction) and starts its run loop.
func Spawn(meetID string, store *appendlog.Store, bus *relaybus.Bus, log *logging.Logger) (*Handle, error) {
	records, err := store.LoadUpdates(meetID)
	if err != nil {
		return nil, err
	}

	a := &actor{
		meetID:            meetID,
		store:             store,
		bus:               bus,
		log:               log,
		inbox:             make(chan any),
		updatesByKey:      make(map[string]wire.UpdateWithServerSeq),
		expectedClientSeq: make(map[string]uint64),
	}
	for _, rec := range records {
		u := fromRecord(rec)
		a.updates = append(a.updates, u)
		a.updatesByKey[u.UpdateKey] = u
		if u.ServerSeqNum > a.serverSeq {
			a.serverSeq = u.ServerSeqNum
		}
	}
	// PerClientCursor (expectedClientSeq) intentionally starts empty on
	// restart: the first batch from each client re-seeds its cursor from
	// its own first local_seq_num without triggering gap detection, since
	// detectGap treats expected==0 as "no cursor yet" (spec §4.3).

	h := &Handle{inbox: a.inbox, closedCh: make(chan struct{}), done: make(chan struct{})}
	go a.run(h.done)
	return h, nil
}

func (a *actor) run(done chan struct{}) {
	defer close(done)
	for msg := range a.inbox {
		switch m := msg.(type) {
		case *applyMsg:
			_, span := metrics.StartSpan(m.ctx, "meetactor.apply")
			pairs, err := a.handleApply(m.clientID, m.priority, m.updates)
			if err != nil {
				span.RecordError(err)
			}
			span.End()
			trySend(m.reply, applyResult{pairs: pairs, err: err})
		case *pullMsg:
			trySend(m.reply, a.handlePull(m.since))
		case *publishMsg:
			trySend(m.reply, a.handlePublish(m.oplCSV, m.returnEmail))
		case *recoverMsg:
			_, span := metrics.StartSpan(m.ctx, "meetactor.recover")
			seq, applied, err := a.handleRecover(m.clientID, m.priority, m.updates)
			if err != nil {
				span.RecordError(err)
			}
			span.End()
			trySend(m.reply, recoverResult{newServerSeq: seq, appliedCount: applied, err: err})
		default:
			a.logf("unknown inbox message type %T", msg)
		}
	}
}

// trySend delivers a reply without blocking indefinitely if the caller
// has already given up (e.g. its connection dropped); a full send would
// otherwise deadlock the actor against a receiver nobody is reading from.
// The reply channel is always buffered with capacity 1 by its Handle
// method, so this send never actually blocks.
func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (a *actor) logf(format string, args ...any) {
	if a.log != nil {
		a.log.Warnf(format, args...)
	}
}

// detectGap implements spec §4.3 step 3. It mutates needConsistencyCheck
// and reports the metric as a side effect of detection, matching the
// source's detect_sequence_gaps.
func (a *actor) detectGap(clientID string, updates []wire.Update) bool {
	expected := a.expectedClientSeq[clientID]
	first := updates[0].LocalSeqNum

	gap := expected > 0 && first > expected
	if !gap {
		for i := 0; i+1 < len(updates); i++ {
			if updates[i+1].LocalSeqNum > updates[i].LocalSeqNum+1 {
				gap = true
				break
			}
		}
	}
	if gap {
		a.needConsistencyCheck = true
		metrics.SequenceGaps.Add(context.Background(), 1)
	}
	return gap
}

// handleApply implements spec §4.3's Apply algorithm end to end.
func (a *actor) handleApply(clientID string, priority uint8, updates []wire.Update) ([]wire.SeqPair, error) {
	now := time.Now()
	prevUpdateTime := a.lastUpdateTime
	a.lastUpdateTime = now

	if len(updates) == 0 {
		return nil, nil
	}

	recoveryNeeded := false
	if a.needConsistencyCheck {
		recoveryNeeded = true
		a.needConsistencyCheck = false
	} else if !prevUpdateTime.IsZero() && now.Sub(prevUpdateTime) > inactivityThreshold {
		recoveryNeeded = true
	}

	if !recoveryNeeded && a.detectGap(clientID, updates) {
		recoveryNeeded = true
	}

	if recoveryNeeded {
		return nil, apperr.NeedsRecovery(a.meetID, a.serverSeq)
	}

	ctx := context.Background()
	pairs := make([]wire.SeqPair, 0, len(updates))
	for _, u := range updates {
		a.serverSeq++
		seq := a.serverSeq
		rec := wire.UpdateWithServerSeq{
			Update:               u,
			ServerSeqNum:         seq,
			SourceClientID:       clientID,
			SourceClientPriority: priority,
		}
		if err := a.store.AppendUpdate(ctx, a.meetID, toRecord(rec)); err != nil {
			a.serverSeq--
			return nil, apperr.Storage(fmt.Errorf("append update seq=%d: %w", seq, err))
		}
		a.commit(rec)
		a.bus.Publish(rec)
		pairs = append(pairs, wire.SeqPair{u.LocalSeqNum, seq})
	}

	metrics.UpdatesApplied.Add(ctx, int64(len(updates)))
	metrics.BatchSize.Record(ctx, int64(len(updates)))
	a.expectedClientSeq[clientID] = updates[len(updates)-1].LocalSeqNum + 1
	return pairs, nil
}

// handlePull implements spec §4.3's Pull algorithm: a linear scan
// returning committed updates by value.
func (a *actor) handlePull(since uint64) []wire.UpdateWithServerSeq {
	var out []wire.UpdateWithServerSeq
	for _, u := range a.updates {
		if u.ServerSeqNum > since {
			out = append(out, u)
		}
	}
	return out
}

// handlePublish implements spec §4.3's Publish algorithm.
func (a *actor) handlePublish(oplCSV, returnEmail string) error {
	ctx := context.Background()
	if err := a.store.StorePublishArtifact(a.meetID, appendlog.PublishArtifact{
		OplCSV:      oplCSV,
		ReturnEmail: returnEmail,
	}); err != nil {
		return apperr.Storage(err)
	}
	metrics.PublishCount.Add(ctx, 1)
	return nil
}

// handleRecover implements spec §4.3's Recover algorithm. The incoming
// batch uses the same canonical Update shape Apply does (see DESIGN.md's
// Open Question resolution: the dual shape from the source is not
// replicated; local_seq_num stands in for the source's ascending-timestamp
// sort key since both are monotonic per client).
func (a *actor) handleRecover(clientID string, priority uint8, updates []wire.Update) (uint64, int, error) {
	// A Recover pass is the consistency check a detected gap asks for.
	a.needConsistencyCheck = false
	if len(updates) == 0 {
		return a.serverSeq, 0, nil
	}

	sorted := make([]wire.Update, len(updates))
	copy(sorted, updates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LocalSeqNum < sorted[j].LocalSeqNum })

	ctx := context.Background()
	applied := 0
	for _, u := range sorted {
		if existing, ok := a.updatesByKey[u.UpdateKey]; ok && existing.SourceClientPriority <= priority {
			// Incumbent wins on ties (existing.priority <= incoming
			// priority): skip the incoming update.
			continue
		}

		a.serverSeq++
		seq := a.serverSeq
		rec := wire.UpdateWithServerSeq{
			Update:               u,
			ServerSeqNum:         seq,
			SourceClientID:       clientID,
			SourceClientPriority: priority,
		}
		if err := a.store.AppendUpdate(ctx, a.meetID, toRecord(rec)); err != nil {
			a.serverSeq--
			return 0, 0, apperr.Storage(fmt.Errorf("append recovered update seq=%d: %w", seq, err))
		}
		a.commit(rec)
		// No relay broadcast during recovery: recovery is a catch-up
		// operation observed via subsequent Pulls, not mid-stream relays.
		applied++
	}

	if applied > 0 {
		metrics.RecoveryApplied.Add(ctx, int64(applied))
	}
	return a.serverSeq, applied, nil
}

// commit appends to the ordered in-memory sequence and updates the by-key
// map to point at the greatest server sequence for that key, per spec
// invariant 3.
func (a *actor) commit(rec wire.UpdateWithServerSeq) {
	a.updates = append(a.updates, rec)
	a.updatesByKey[rec.UpdateKey] = rec
}
