// Package wire defines the client<->server JSON message shapes named in
// the external interface contract: every frame is one tagged JSON object
// carrying a "msgType" discriminator field. This mirrors the tagged-union
// wire format of the original common crate, adapted to Go's lack of a
// native tagged-enum type via a discriminator field plus per-type structs.
package wire

import "encoding/json"

// Seq is the wire type for both local and server sequence numbers.
type Seq = uint64

// EndpointPriority names a location's conflict-resolution priority within
// a meet (lower value wins a recovery conflict on the same key; on equal
// values the incumbent update is kept).
type EndpointPriority struct {
	LocationName string `json:"location_name"`
	Priority     uint8  `json:"priority"`
}

// Update is the canonical update shape from spec §3. This is the only
// Update shape the core ever holds internally; the dual shape mixed into
// the original recovery path is not replicated, and the Recover handler
// consumes this same shape directly.
type Update struct {
	UpdateKey        string          `json:"update_key"`
	UpdateValue      json.RawMessage `json:"update_value"`
	LocalSeqNum      Seq             `json:"local_seq_num"`
	AfterServerSeqNum Seq            `json:"after_server_seq_num"`
}

// UpdateWithServerSeq flattens Update and adds the server-assigned
// sequence number, plus the source client's identity and priority used by
// relay and recovery conflict resolution.
type UpdateWithServerSeq struct {
	Update
	ServerSeqNum         Seq    `json:"serverSeqNum"`
	SourceClientID       string `json:"-"`
	SourceClientPriority uint8  `json:"-"`
}

// --- Client -> server messages ---

const (
	MsgCreateMeet  = "CreateMeet"
	MsgJoinMeet    = "JoinMeet"
	MsgUpdateInit  = "UpdateInit"
	MsgClientPull  = "ClientPull"
	MsgPublishMeet = "PublishMeet"
)

type Envelope struct {
	MsgType string `json:"msgType"`
}

type CreateMeet struct {
	MsgType          string             `json:"msgType"`
	ThisLocationName string             `json:"this_location_name"`
	Password         string             `json:"password"`
	Endpoints        []EndpointPriority `json:"endpoints"`
}

type JoinMeet struct {
	MsgType      string `json:"msgType"`
	MeetID       string `json:"meet_id"`
	Password     string `json:"password"`
	LocationName string `json:"location_name"`
}

type UpdateInit struct {
	MsgType      string   `json:"msgType"`
	SessionToken string   `json:"session_token"`
	Updates      []Update `json:"updates"`
}

type ClientPull struct {
	MsgType       string `json:"msgType"`
	SessionToken  string `json:"session_token"`
	LastServerSeq Seq    `json:"last_server_seq"`
}

type PublishMeet struct {
	MsgType      string `json:"msgType"`
	SessionToken string `json:"session_token"`
	ReturnEmail  string `json:"return_email"`
	OplCSV       string `json:"opl_csv"`
}

// DecodeClient inspects msgType and unmarshals into the matching
// client-to-server struct.
func DecodeClient(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.MsgType {
	case MsgCreateMeet:
		var m CreateMeet
		return &m, json.Unmarshal(data, &m)
	case MsgJoinMeet:
		var m JoinMeet
		return &m, json.Unmarshal(data, &m)
	case MsgUpdateInit:
		var m UpdateInit
		return &m, json.Unmarshal(data, &m)
	case MsgClientPull:
		var m ClientPull
		return &m, json.Unmarshal(data, &m)
	case MsgPublishMeet:
		var m PublishMeet
		return &m, json.Unmarshal(data, &m)
	default:
		return nil, UnknownMsgTypeErr{MsgType: env.MsgType}
	}
}

type UnknownMsgTypeErr struct{ MsgType string }

func (e UnknownMsgTypeErr) Error() string { return "unknown msgType: " + e.MsgType }

// --- Server -> client messages ---

const (
	MsgMeetCreated        = "MeetCreated"
	MsgMeetJoined         = "MeetJoined"
	MsgJoinRejected       = "JoinRejected"
	MsgUpdateAck          = "UpdateAck"
	MsgUpdateRejected     = "UpdateRejected"
	MsgUpdateRelay        = "UpdateRelay"
	MsgServerPull         = "ServerPull"
	MsgPublishAck         = "PublishAck"
	MsgMalformedMessage   = "MalformedMessage"
	MsgUnknownMessageType = "UnknownMessageType"
	MsgInvalidSession     = "InvalidSession"
	MsgNeedsRecovery      = "NeedsRecovery"
	MsgRecoverAck         = "RecoverAck"
)

type MeetCreated struct {
	MsgType      string `json:"msgType"`
	MeetID       string `json:"meet_id"`
	SessionToken string `json:"session_token"`
}

type MeetJoined struct {
	MsgType      string `json:"msgType"`
	SessionToken string `json:"session_token"`
}

type JoinRejected struct {
	MsgType string `json:"msgType"`
	Reason  string `json:"reason"`
}

// SeqPair is the wire shape of a [local_seq, server_seq] pair.
type SeqPair [2]Seq

type UpdateAck struct {
	MsgType    string    `json:"msgType"`
	UpdateAcks []SeqPair `json:"update_acks"`
}

type RejectedPair struct {
	LocalSeq Seq    `json:"local_seq"`
	Reason   string `json:"reason"`
}

type UpdateRejected struct {
	MsgType        string         `json:"msgType"`
	UpdatesRejected []RejectedPair `json:"updates_rejected"`
}

type UpdateRelay struct {
	MsgType        string                 `json:"msgType"`
	UpdatesRelayed []UpdateWithServerSeq  `json:"updates_relayed"`
}

type ServerPull struct {
	MsgType        string                `json:"msgType"`
	LastServerSeq  Seq                   `json:"last_server_seq"`
	UpdatesRelayed []UpdateWithServerSeq `json:"updates_relayed"`
}

type PublishAck struct {
	MsgType string `json:"msgType"`
}

type MalformedMessage struct {
	MsgType string `json:"msgType"`
	ErrMsg  string `json:"err_msg"`
	Code    string `json:"code,omitempty"`
}

type UnknownMessageType struct {
	MsgType    string `json:"msgType"`
	GotMsgType string `json:"msg_type"`
}

type InvalidSession struct {
	MsgType      string `json:"msgType"`
	SessionToken string `json:"session_token"`
}

// NeedsRecoverySignal is the recovery-required signal spec §4.5 describes;
// it is not enumerated in spec §6's table (which predates recovery being
// wired end to end) but is required to drive the client-side Recover flow.
type NeedsRecoverySignal struct {
	MsgType      string `json:"msgType"`
	MeetID       string `json:"meet_id"`
	LastKnownSeq Seq    `json:"last_known_seq"`
}

// RecoverAck answers a Recover submission (an UpdateInit sent in response
// to a NeedsRecoverySignal) with the Recover algorithm's own result shape,
// (new_server_seq, applied_count) per spec.md's Recover row — distinct from
// UpdateAck's per-update pairs since recovery applies winners silently and
// reports only the aggregate outcome.
type RecoverAck struct {
	MsgType      string `json:"msgType"`
	NewServerSeq Seq    `json:"new_server_seq"`
	AppliedCount int    `json:"applied_count"`
}
