package connsession

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meetsync/meetd/internal/appendlog"
	"github.com/meetsync/meetd/internal/meetregistry"
	"github.com/meetsync/meetd/internal/password"
	"github.com/meetsync/meetd/internal/sessionregistry"
	"github.com/meetsync/meetd/internal/wire"
)

func newHarness(t *testing.T) (*meetregistry.Registry, *sessionregistry.Registry) {
	store, err := appendlog.NewStore(t.TempDir())
	require.NoError(t, err)
	meets := meetregistry.New(store, nil, 8)
	sessions := sessionregistry.New(sessionregistry.DefaultAbsoluteTTL, sessionregistry.DefaultIdleTTL, nil)
	return meets, sessions
}

func recvFrame(t *testing.T, c *Conn) map[string]any {
	select {
	case data := <-c.Outbox():
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func easyPolicy() password.Policy {
	return password.Policy{MinLength: 1}
}

func TestCreateMeetThenJoinMeet(t *testing.T) {
	meets, sessions := newHarness(t)
	ctx := context.Background()

	creator := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(creator.Close)
	creator.Handle(ctx, marshal(t, wire.CreateMeet{
		MsgType:          wire.MsgCreateMeet,
		ThisLocationName: "hq",
		Password:         "s3cret!",
		Endpoints: []wire.EndpointPriority{
			{LocationName: "hq", Priority: 1},
			{LocationName: "remote", Priority: 2},
		},
	}))
	created := recvFrame(t, creator)
	require.Equal(t, wire.MsgMeetCreated, created["msgType"])
	meetID := created["meet_id"].(string)
	require.NotEmpty(t, created["session_token"])

	joiner := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(joiner.Close)
	joiner.Handle(ctx, marshal(t, wire.JoinMeet{
		MsgType:      wire.MsgJoinMeet,
		MeetID:       meetID,
		Password:     "s3cret!",
		LocationName: "remote",
	}))
	joined := recvFrame(t, joiner)
	require.Equal(t, wire.MsgMeetJoined, joined["msgType"])
	require.NotEmpty(t, joined["session_token"])
}

func TestJoinMeetWrongPasswordIsRejected(t *testing.T) {
	meets, sessions := newHarness(t)
	ctx := context.Background()

	creator := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(creator.Close)
	creator.Handle(ctx, marshal(t, wire.CreateMeet{
		MsgType:          wire.MsgCreateMeet,
		ThisLocationName: "hq",
		Password:         "s3cret!",
	}))
	meetID := recvFrame(t, creator)["meet_id"].(string)

	joiner := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(joiner.Close)
	joiner.Handle(ctx, marshal(t, wire.JoinMeet{
		MsgType:      wire.MsgJoinMeet,
		MeetID:       meetID,
		Password:     "wrong",
		LocationName: "remote",
	}))
	rejected := recvFrame(t, joiner)
	require.Equal(t, wire.MsgJoinRejected, rejected["msgType"])
}

func TestUpdateInitThenRelayAndPull(t *testing.T) {
	meets, sessions := newHarness(t)
	ctx := context.Background()

	creator := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(creator.Close)
	creator.Handle(ctx, marshal(t, wire.CreateMeet{
		MsgType:          wire.MsgCreateMeet,
		ThisLocationName: "hq",
		Password:         "s3cret!",
	}))
	created := recvFrame(t, creator)
	meetID := created["meet_id"].(string)
	creatorToken := created["session_token"].(string)

	watcher := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(watcher.Close)
	watcher.Handle(ctx, marshal(t, wire.JoinMeet{MsgType: wire.MsgJoinMeet, MeetID: meetID, Password: "s3cret!", LocationName: "watcher"}))
	recvFrame(t, watcher)

	creator.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: creatorToken,
		Updates: []wire.Update{
			{UpdateKey: "slot-1", UpdateValue: []byte(`{"booked":true}`), LocalSeqNum: 1},
		},
	}))
	ack := recvFrame(t, creator)
	require.Equal(t, wire.MsgUpdateAck, ack["msgType"])

	relayed := recvFrame(t, watcher)
	require.Equal(t, wire.MsgUpdateRelay, relayed["msgType"])

	watcher.Handle(ctx, marshal(t, wire.ClientPull{MsgType: wire.MsgClientPull, SessionToken: mustSessionToken(t, meets, sessions, meetID)}))
}

func TestSequenceGapTriggersRecoveryThenNextUpdateInitRecovers(t *testing.T) {
	meets, sessions := newHarness(t)
	ctx := context.Background()

	conn := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(conn.Close)
	conn.Handle(ctx, marshal(t, wire.CreateMeet{
		MsgType:          wire.MsgCreateMeet,
		ThisLocationName: "hq",
		Password:         "s3cret!",
	}))
	token := recvFrame(t, conn)["session_token"].(string)

	conn.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: token,
		Updates:      []wire.Update{{UpdateKey: "k1", UpdateValue: []byte(`1`), LocalSeqNum: 1}},
	}))
	require.Equal(t, wire.MsgUpdateAck, recvFrame(t, conn)["msgType"])

	// S3: expected next is 2, client sends 3 — a gap.
	conn.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: token,
		Updates:      []wire.Update{{UpdateKey: "k1", UpdateValue: []byte(`2`), LocalSeqNum: 3}},
	}))
	needsRecovery := recvFrame(t, conn)
	require.Equal(t, wire.MsgNeedsRecovery, needsRecovery["msgType"])
	require.EqualValues(t, 1, needsRecovery["last_known_seq"])

	// Per spec §4.5, the client resubmits everything it holds through the
	// same channel; the connection must route this one through Recover.
	conn.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: token,
		Updates:      []wire.Update{{UpdateKey: "k1", UpdateValue: []byte(`3`), LocalSeqNum: 1}},
	}))
	recovered := recvFrame(t, conn)
	require.Equal(t, wire.MsgRecoverAck, recovered["msgType"])

	// The flag was consumed: a further UpdateInit goes back through Apply.
	conn.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: token,
		Updates:      []wire.Update{{UpdateKey: "k2", UpdateValue: []byte(`4`), LocalSeqNum: 2}},
	}))
	require.Equal(t, wire.MsgUpdateAck, recvFrame(t, conn)["msgType"])
}

func TestJoinMeetUnknownMeetIDIsRejectedWithoutSpawning(t *testing.T) {
	meets, sessions := newHarness(t)
	ctx := context.Background()

	conn := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(conn.Close)
	conn.Handle(ctx, marshal(t, wire.JoinMeet{
		MsgType:      wire.MsgJoinMeet,
		MeetID:       "never-created",
		Password:     "whatever",
		LocationName: "hq",
	}))
	rejected := recvFrame(t, conn)
	require.Equal(t, wire.MsgJoinRejected, rejected["msgType"])

	// The meet id must never have been registered with a live actor.
	_, ok := meets.Get("never-created")
	require.False(t, ok, "JoinMeet against an unknown meet id must not spawn an actor")
}

func TestPriorityForUnlistedLocationDefaultsToHighestPrecedence(t *testing.T) {
	endpoints := []wire.EndpointPriority{{LocationName: "hq", Priority: 10}}
	require.EqualValues(t, 0, priorityFor("satellite", endpoints))
	require.EqualValues(t, 10, priorityFor("hq", endpoints))
}

func TestUnlistedLocationWinsRecoveryOverListedIncumbent(t *testing.T) {
	meets, sessions := newHarness(t)
	ctx := context.Background()

	creator := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(creator.Close)
	// "hq" is listed at priority 10; any unlisted location defaults to 0
	// (highest precedence) and must win a recovery conflict against it.
	creator.Handle(ctx, marshal(t, wire.CreateMeet{
		MsgType:          wire.MsgCreateMeet,
		ThisLocationName: "hq",
		Password:         "s3cret!",
		Endpoints:        []wire.EndpointPriority{{LocationName: "hq", Priority: 10}},
	}))
	created := recvFrame(t, creator)
	meetID := created["meet_id"].(string)
	hqToken := created["session_token"].(string)

	creator.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: hqToken,
		Updates:      []wire.Update{{UpdateKey: "k1", UpdateValue: []byte(`"hq-value"`), LocalSeqNum: 1}},
	}))
	require.Equal(t, wire.MsgUpdateAck, recvFrame(t, creator)["msgType"])

	joiner := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(joiner.Close)
	joiner.Handle(ctx, marshal(t, wire.JoinMeet{
		MsgType:      wire.MsgJoinMeet,
		MeetID:       meetID,
		Password:     "s3cret!",
		LocationName: "satellite",
	}))
	satelliteToken := recvFrame(t, joiner)["session_token"].(string)

	// Seed the joiner's sequence cursor, force NeedsRecovery on its
	// connection with a gap, then submit a conflicting update for k1
	// through the Recover path.
	joiner.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: satelliteToken,
		Updates:      []wire.Update{{UpdateKey: "k2", UpdateValue: []byte(`0`), LocalSeqNum: 1}},
	}))
	require.Equal(t, wire.MsgUpdateAck, recvFrame(t, joiner)["msgType"])

	joiner.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: satelliteToken,
		Updates:      []wire.Update{{UpdateKey: "k2", UpdateValue: []byte(`1`), LocalSeqNum: 5}},
	}))
	require.Equal(t, wire.MsgNeedsRecovery, recvFrame(t, joiner)["msgType"])

	joiner.Handle(ctx, marshal(t, wire.UpdateInit{
		MsgType:      wire.MsgUpdateInit,
		SessionToken: satelliteToken,
		Updates:      []wire.Update{{UpdateKey: "k1", UpdateValue: []byte(`"satellite-value"`), LocalSeqNum: 1}},
	}))
	recovered := recvFrame(t, joiner)
	require.Equal(t, wire.MsgRecoverAck, recovered["msgType"])
	require.EqualValues(t, 1, recovered["applied_count"], "priority-0 satellite update must win over the listed priority-10 incumbent")
}

func TestInvalidSessionTokenRejected(t *testing.T) {
	meets, sessions := newHarness(t)
	ctx := context.Background()
	conn := New(meets, sessions, easyPolicy(), nil, true)
	t.Cleanup(conn.Close)

	conn.Handle(ctx, marshal(t, wire.UpdateInit{MsgType: wire.MsgUpdateInit, SessionToken: "bogus"}))
	resp := recvFrame(t, conn)
	require.Equal(t, wire.MsgInvalidSession, resp["msgType"])
}

func marshal(t *testing.T, v any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// mustSessionToken mints a fresh session for an already-created meet, used
// where a test needs a second valid token without re-running the full
// join handshake.
func mustSessionToken(t *testing.T, meets *meetregistry.Registry, sessions *sessionregistry.Registry, meetID string) string {
	s, err := sessions.NewSession(meetID, "scratch", 9)
	require.NoError(t, err)
	return s.Token
}
