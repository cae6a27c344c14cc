// Package connsession is the Connection Session (C5): the per-connection
// protocol handler that decodes client frames, dispatches them against
// the Session Registry, Meet Registry and Meet Actor, and forwards relayed
// updates back to the client. It is the piece spec §4.5 describes in prose
// but does not name as its own module; everything here is glue over C1-C4.
package connsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/meetsync/meetd/internal/apperr"
	"github.com/meetsync/meetd/internal/appendlog"
	"github.com/meetsync/meetd/internal/logging"
	"github.com/meetsync/meetd/internal/meetactor"
	"github.com/meetsync/meetd/internal/meetregistry"
	"github.com/meetsync/meetd/internal/password"
	"github.com/meetsync/meetd/internal/idgen"
	"github.com/meetsync/meetd/internal/sessionregistry"
	"github.com/meetsync/meetd/internal/wire"
)

// OutboxSize bounds how many not-yet-written outbound frames a Conn will
// queue before the caller's writer goroutine must drain it.
const OutboxSize = 256

// Conn is one client's connection-scoped protocol state: which meet it
// joined (if any) and whether it is currently subscribed to that meet's
// relay bus. A Conn is not safe for concurrent Handle calls from multiple
// goroutines; the transport layer is expected to serialize reads per
// connection, matching how a single WebSocket read loop naturally works.
type Conn struct {
	id       string
	meets    *meetregistry.Registry
	sessions *sessionregistry.Registry
	policy   password.Policy
	log      *logging.Logger
	debug    bool

	out chan []byte

	mu            sync.Mutex
	meetID        string
	unsubscribe   func()
	relayDone     chan struct{}
	needsRecovery map[string]bool
}

// New returns a fresh Conn bound to the given registries. The ctx passed to
// Handle governs the lifetime of the relay-forwarding goroutine started by
// subscribing to a meet; cancel it (or call Close) to stop forwarding and
// release the subscription.
func New(meets *meetregistry.Registry, sessions *sessionregistry.Registry, policy password.Policy, log *logging.Logger, debug bool) *Conn {
	return &Conn{
		id:            uuid.NewString(),
		meets:         meets,
		sessions:      sessions,
		policy:        policy,
		log:           log,
		debug:         debug,
		out:           make(chan []byte, OutboxSize),
		needsRecovery: make(map[string]bool),
	}
}

// ID returns the connection's identifier, assigned once at creation.
func (c *Conn) ID() string { return c.id }

// Outbox is the channel of encoded server->client frames the transport
// layer should write out, in order, for the lifetime of the connection.
func (c *Conn) Outbox() <-chan []byte { return c.out }

// Close releases any active meet subscription. Safe to call more than
// once.
func (c *Conn) Close() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Handle decodes and dispatches one client frame, writing zero or more
// response frames to Outbox. Decode failures and unknown message types
// produce a MalformedMessage/UnknownMessageType reply rather than an
// error, matching spec §7's "never strand the client on a parse failure"
// guidance.
func (c *Conn) Handle(ctx context.Context, raw []byte) {
	msg, err := wire.DecodeClient(raw)
	if err != nil {
		var unk wire.UnknownMsgTypeErr
		if errors.As(err, &unk) {
			c.send(wire.UnknownMessageType{MsgType: wire.MsgUnknownMessageType, GotMsgType: unk.MsgType})
			return
		}
		c.send(wire.MalformedMessage{MsgType: wire.MsgMalformedMessage, ErrMsg: c.sanitize(apperr.InvalidInput(err))})
		return
	}

	switch m := msg.(type) {
	case *wire.CreateMeet:
		c.handleCreateMeet(ctx, m)
	case *wire.JoinMeet:
		c.handleJoinMeet(ctx, m)
	case *wire.UpdateInit:
		c.handleUpdateInit(ctx, m)
	case *wire.ClientPull:
		c.handleClientPull(ctx, m)
	case *wire.PublishMeet:
		c.handlePublishMeet(ctx, m)
	default:
		c.send(wire.MalformedMessage{MsgType: wire.MsgMalformedMessage, ErrMsg: "unhandled decoded message"})
	}
}

func (c *Conn) sanitize(e *apperr.Error) string { return e.SanitizedMessage(c.debug) }

func (c *Conn) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Debugf(format, args...)
	}
}

// send JSON-encodes v and enqueues it to the outbox, dropping the frame
// with a log line if the outbox is saturated rather than blocking the
// connection's read loop indefinitely.
func (c *Conn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logf("encode outbound frame: %v", err)
		return
	}
	select {
	case c.out <- data:
	default:
		c.logf("outbox full, dropping frame for conn %s", c.id)
	}
}

// handleCreateMeet implements spec §4.1/§4.5's meet-creation flow: mint a
// meet id, hash and validate the password, persist meet metadata, spawn
// the actor, mint a session, and subscribe to the relay bus.
func (c *Conn) handleCreateMeet(ctx context.Context, m *wire.CreateMeet) {
	if reason := c.policy.Validate(m.Password); reason != "" {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: reason})
		return
	}

	meetID, err := idgen.GenerateMeetID()
	if err != nil {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: c.sanitize(apperr.Internal(err))})
		return
	}
	hash, err := password.Hash(m.Password)
	if err != nil {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: c.sanitize(apperr.Internal(err))})
		return
	}

	priority := priorityFor(m.ThisLocationName, m.Endpoints)
	meet, err := c.meets.Create(meetID, appendlog.MeetInfo{
		PasswordHash: hash,
		Endpoints:    m.Endpoints,
	})
	if err != nil {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: c.sanitize(apperr.AsError(err))})
		return
	}

	session, err := c.sessions.NewSession(meetID, m.ThisLocationName, priority)
	if err != nil {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: c.sanitize(apperr.Internal(err))})
		return
	}

	c.attach(ctx, meetID, meet)
	c.send(wire.MeetCreated{MsgType: wire.MsgMeetCreated, MeetID: meetID, SessionToken: session.Token})
}

// handleJoinMeet implements spec §4.2's join flow: look up meet metadata
// first — *before* ever spawning an actor — verify the password, and on
// success subscribe and mint a session. Checking MeetInfo ahead of
// GetOrSpawn matters: GetOrSpawn unconditionally spawns and permanently
// registers a live actor + relay bus for any meet id handed to it, created
// or not (spec §3's "exactly one Meet Actor exists per live meet id"
// presumes the meet is actually live), so a meet id that was never
// created by CreateMeet must be rejected before it ever reaches GetOrSpawn.
func (c *Conn) handleJoinMeet(ctx context.Context, m *wire.JoinMeet) {
	info, err := c.meets.MeetInfo(m.MeetID)
	if err != nil {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: c.sanitize(apperr.AsError(err))})
		return
	}
	if !password.Verify(info.PasswordHash, m.Password) {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: "invalid password"})
		return
	}

	meet, err := c.meets.GetOrSpawn(m.MeetID)
	if err != nil {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: c.sanitize(apperr.AsError(err))})
		return
	}

	priority := priorityFor(m.LocationName, info.Endpoints)
	session, err := c.sessions.NewSession(m.MeetID, m.LocationName, priority)
	if err != nil {
		c.send(wire.JoinRejected{MsgType: wire.MsgJoinRejected, Reason: c.sanitize(apperr.Internal(err))})
		return
	}

	c.attach(ctx, m.MeetID, meet)
	c.send(wire.MeetJoined{MsgType: wire.MsgMeetJoined, SessionToken: session.Token})
}

// handleUpdateInit implements spec §4.3/§4.5's Apply path. UpdateInit also
// doubles as the wire carrier for a Recover submission: per spec.md's
// "the client will then submit a Recover batch through the same channel"
// (§4.5), there is no distinct client->server message for resubmitting
// held updates after a NeedsRecovery signal. A connection that was just
// told NeedsRecovery for a session routes that session's *next* UpdateInit
// through Actor.Recover instead of Actor.Apply, then clears the flag;
// every UpdateInit after that reverts to Apply until NeedsRecovery fires
// again.
func (c *Conn) handleUpdateInit(ctx context.Context, m *wire.UpdateInit) {
	sess, ok := c.sessions.GetSession(m.SessionToken)
	if !ok {
		c.send(wire.InvalidSession{MsgType: wire.MsgInvalidSession, SessionToken: m.SessionToken})
		return
	}
	meet, ok := c.meets.Get(sess.MeetID)
	if !ok {
		c.send(wire.InvalidSession{MsgType: wire.MsgInvalidSession, SessionToken: m.SessionToken})
		return
	}

	if c.consumeNeedsRecovery(m.SessionToken) {
		newServerSeq, appliedCount, err := meet.Actor.Recover(ctx, c.id, sess.Priority, m.Updates)
		if err != nil {
			c.send(wire.UpdateRejected{MsgType: wire.MsgUpdateRejected, UpdatesRejected: rejectAll(m.Updates, c.sanitize(apperr.AsError(err)))})
			return
		}
		c.send(wire.RecoverAck{MsgType: wire.MsgRecoverAck, NewServerSeq: newServerSeq, AppliedCount: appliedCount})
		return
	}

	pairs, err := meet.Actor.Apply(ctx, c.id, sess.Priority, m.Updates)
	if err != nil {
		ae := apperr.AsError(err)
		if ae.Kind == apperr.KindNeedsRecovery {
			c.setNeedsRecovery(m.SessionToken)
			c.send(wire.NeedsRecoverySignal{MsgType: wire.MsgNeedsRecovery, MeetID: ae.MeetID, LastKnownSeq: ae.LastKnownSeq})
			return
		}
		c.send(wire.UpdateRejected{MsgType: wire.MsgUpdateRejected, UpdatesRejected: rejectAll(m.Updates, c.sanitize(ae))})
		return
	}
	c.send(wire.UpdateAck{MsgType: wire.MsgUpdateAck, UpdateAcks: pairs})
}

func (c *Conn) setNeedsRecovery(sessionToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsRecovery[sessionToken] = true
}

// consumeNeedsRecovery reports whether sessionToken was flagged for
// recovery and clears the flag as a side effect, so only the very next
// UpdateInit after a NeedsRecovery signal is treated as a Recover batch.
func (c *Conn) consumeNeedsRecovery(sessionToken string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.needsRecovery[sessionToken] {
		delete(c.needsRecovery, sessionToken)
		return true
	}
	return false
}

// handleClientPull implements spec §4.3's Pull path.
func (c *Conn) handleClientPull(ctx context.Context, m *wire.ClientPull) {
	sess, ok := c.sessions.GetSession(m.SessionToken)
	if !ok {
		c.send(wire.InvalidSession{MsgType: wire.MsgInvalidSession, SessionToken: m.SessionToken})
		return
	}
	meet, ok := c.meets.Get(sess.MeetID)
	if !ok {
		c.send(wire.InvalidSession{MsgType: wire.MsgInvalidSession, SessionToken: m.SessionToken})
		return
	}
	updates, err := meet.Actor.Pull(ctx, m.LastServerSeq)
	if err != nil {
		c.send(wire.MalformedMessage{MsgType: wire.MsgMalformedMessage, ErrMsg: c.sanitize(apperr.AsError(err))})
		return
	}
	c.send(wire.ServerPull{MsgType: wire.MsgServerPull, LastServerSeq: m.LastServerSeq, UpdatesRelayed: updates})
}

// handlePublishMeet implements spec §4.3's Publish path.
func (c *Conn) handlePublishMeet(ctx context.Context, m *wire.PublishMeet) {
	sess, ok := c.sessions.GetSession(m.SessionToken)
	if !ok {
		c.send(wire.InvalidSession{MsgType: wire.MsgInvalidSession, SessionToken: m.SessionToken})
		return
	}
	meet, ok := c.meets.Get(sess.MeetID)
	if !ok {
		c.send(wire.InvalidSession{MsgType: wire.MsgInvalidSession, SessionToken: m.SessionToken})
		return
	}
	if err := meet.Actor.Publish(ctx, m.OplCSV, m.ReturnEmail); err != nil {
		c.send(wire.MalformedMessage{MsgType: wire.MsgMalformedMessage, ErrMsg: c.sanitize(apperr.AsError(err))})
		return
	}
	c.send(wire.PublishAck{MsgType: wire.MsgPublishAck})
}

// attach subscribes this connection to meet's relay bus on first contact
// and starts the forwarding goroutine, replacing any prior subscription
// (a connection only ever tracks one meet at a time).
func (c *Conn) attach(ctx context.Context, meetID string, meet *meetregistry.Meet) {
	c.Close()

	ch, unsubscribe := meet.Bus.Subscribe()
	c.mu.Lock()
	c.meetID = meetID
	c.unsubscribe = unsubscribe
	c.relayDone = make(chan struct{})
	done := c.relayDone
	c.mu.Unlock()

	go c.forwardRelay(ctx, ch, done)
}

// forwardRelay relays committed updates to the client until the bus
// channel closes (either a clean unsubscribe or an overflow drop) or ctx
// is cancelled. On overflow the channel simply closes with no further
// value; the client is expected to notice the quiet relay stream and
// reconcile via ClientPull, per spec §4.5. Updates this connection submitted
// itself are not relayed back to it; its UpdateAck already reports them.
func (c *Conn) forwardRelay(ctx context.Context, ch <-chan wire.UpdateWithServerSeq, done chan struct{}) {
	defer close(done)
	var batch []wire.UpdateWithServerSeq
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				if len(batch) > 0 {
					c.send(wire.UpdateRelay{MsgType: wire.MsgUpdateRelay, UpdatesRelayed: batch})
				}
				c.logf("relay subscription for conn %s ended, client must Pull to reconcile", c.id)
				return
			}
			if u.SourceClientID != c.id {
				batch = append(batch, u)
			}
			if len(ch) > 0 || len(batch) == 0 {
				continue
			}
			c.send(wire.UpdateRelay{MsgType: wire.MsgUpdateRelay, UpdatesRelayed: batch})
			batch = nil
		case <-ctx.Done():
			return
		}
	}
}

// priorityFor looks up the configured priority for a location, defaulting
// to 0 (highest precedence, per spec §3's "lower value = higher
// precedence") if the location wasn't named in the meet's endpoint list.
func priorityFor(location string, endpoints []wire.EndpointPriority) uint8 {
	for _, e := range endpoints {
		if e.LocationName == location {
			return e.Priority
		}
	}
	return 0
}

func rejectAll(updates []wire.Update, reason string) []wire.RejectedPair {
	out := make([]wire.RejectedPair, len(updates))
	for i, u := range updates {
		out[i] = wire.RejectedPair{LocalSeq: u.LocalSeqNum, Reason: reason}
	}
	return out
}
