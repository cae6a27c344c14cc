// Package meetregistry is the process-wide meet_id -> actor handle map
// (spec §9's "global mutable state"): a single concurrent mapping with
// well-defined insertion-on-create and lookup-on-access. The source
// tree's own RPC server guards its comparable process-wide collection
// (subscribers) with a plain mutex rather than a lock-free map; this
// follows the same discipline.
package meetregistry

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meetsync/meetd/internal/appendlog"
	"github.com/meetsync/meetd/internal/logging"
	"github.com/meetsync/meetd/internal/meetactor"
	"github.com/meetsync/meetd/internal/relaybus"
)

// Meet bundles a live meet's actor handle and its relay bus; a Connection
// Session needs both to implement §4.5.
type Meet struct {
	Actor *meetactor.Handle
	Bus   *relaybus.Bus
}

type Registry struct {
	mu            sync.Mutex
	meets         map[string]*Meet
	store         *appendlog.Store
	log           *logging.Logger
	relayBufferSz int
}

func New(store *appendlog.Store, log *logging.Logger, relayBufferSize int) *Registry {
	return &Registry{
		meets:         make(map[string]*Meet),
		store:         store,
		log:           log,
		relayBufferSz: relayBufferSize,
	}
}

// Get returns the live meet, if any, without spawning one.
func (r *Registry) Get(meetID string) (*Meet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meets[meetID]
	return m, ok
}

// Create persists meet metadata exclusively (failing if meetID is already
// taken) and spawns its actor, in one step so a connection handler never
// observes a meet with metadata but no running actor.
func (r *Registry) Create(meetID string, info appendlog.MeetInfo) (*Meet, error) {
	if err := r.store.StoreMeetInfo(meetID, info); err != nil {
		return nil, err
	}
	return r.GetOrSpawn(meetID)
}

// MeetInfo loads a meet's persisted metadata directly from the store,
// independent of whether its actor is currently live in this process.
func (r *Registry) MeetInfo(meetID string) (appendlog.MeetInfo, error) {
	return r.store.GetMeetInfo(meetID)
}

// GetOrSpawn returns the live meet for meetID, spawning its actor and
// relay bus from the durable log if this is the first access in this
// process lifetime (e.g. after a restart, or for a meet created before
// this process started).
func (r *Registry) GetOrSpawn(meetID string) (*Meet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.meets[meetID]; ok {
		return m, nil
	}

	bus := relaybus.New(r.relayBufferSz)
	actorHandle, err := meetactor.Spawn(meetID, r.store, bus, r.log)
	if err != nil {
		return nil, fmt.Errorf("meetregistry: spawn %s: %w", meetID, err)
	}

	m := &Meet{Actor: actorHandle, Bus: bus}
	r.meets[meetID] = m
	return m, nil
}

// Shutdown closes every live meet actor concurrently and waits for all of
// their run loops to drain, using errgroup the way the rest of the
// dependency graph already pulls in golang.org/x/sync for coordinated
// fan-in/fan-out waits.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*meetactor.Handle, 0, len(r.meets))
	for _, m := range r.meets {
		handles = append(handles, m.Actor)
	}
	r.meets = make(map[string]*Meet)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.Close()
			done := make(chan struct{})
			go func() { h.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Count reports the number of live meets, for tests and status reporting.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.meets)
}
