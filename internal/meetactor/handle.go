package meetactor

import (
	"context"
	"errors"

	"github.com/meetsync/meetd/internal/wire"
)

// ErrStopped is returned by Handle methods after Close has been called.
var ErrStopped = errors.New("meetactor: actor stopped")

// Apply sends an Apply message and awaits its reply, or apperr.NeedsRecovery
// if the actor determined recovery is required.
func (h *Handle) Apply(ctx context.Context, clientID string, priority uint8, updates []wire.Update) ([]wire.SeqPair, error) {
	reply := make(chan applyResult, 1)
	msg := &applyMsg{ctx: ctx, clientID: clientID, priority: priority, updates: updates, reply: reply}
	if err := h.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.pairs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pull sends a Pull message and awaits its reply.
func (h *Handle) Pull(ctx context.Context, since uint64) ([]wire.UpdateWithServerSeq, error) {
	reply := make(chan []wire.UpdateWithServerSeq, 1)
	msg := &pullMsg{since: since, reply: reply}
	if err := h.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish sends a Publish message and awaits its reply.
func (h *Handle) Publish(ctx context.Context, oplCSV, returnEmail string) error {
	reply := make(chan error, 1)
	msg := &publishMsg{oplCSV: oplCSV, returnEmail: returnEmail, reply: reply}
	if err := h.send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover sends a Recover message and awaits its reply.
func (h *Handle) Recover(ctx context.Context, clientID string, priority uint8, updates []wire.Update) (newServerSeq uint64, appliedCount int, err error) {
	reply := make(chan recoverResult, 1)
	msg := &recoverMsg{ctx: ctx, clientID: clientID, priority: priority, updates: updates, reply: reply}
	if err := h.send(ctx, msg); err != nil {
		return 0, 0, err
	}
	select {
	case r := <-reply:
		return r.newServerSeq, r.appliedCount, r.err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// send delivers msg to the actor's inbox, respecting ctx cancellation and
// returning ErrStopped if the actor has already been closed.
func (h *Handle) send(ctx context.Context, msg any) error {
	select {
	case <-h.closedCh:
		return ErrStopped
	default:
	}
	select {
	case h.inbox <- msg:
		return nil
	case <-h.closedCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor by closing its inbox, the Go-idiomatic equivalent
// of "all senders dropped" driving the actor's Running -> Stopping
// transition (spec §4.3). Idempotent.
func (h *Handle) Close() {
	h.closed.Do(func() {
		close(h.closedCh)
		close(h.inbox)
	})
}

// Wait blocks until the actor's run loop has returned after Close.
func (h *Handle) Wait() {
	<-h.done
}
