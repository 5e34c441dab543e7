package proto

import (
	"time"

	"github.com/petervdpas/tandem/internal/track"
)

const (
	HolderTopic = "tandem.holders.v1"
	MdnsTag     = "tandem-mdns"

	// libp2p stream protocol ID used to fetch track bytes from a holder
	TrackProtoID = "/tandem/track/1.0.0"

	// HostTokenHeader carries the host credential on websocket upgrades
	// and session deletes.
	HostTokenHeader = "X-Tandem-Host-Token"
)

// Roles of session members.
const (
	RoleHost     = "host"
	RoleFollower = "follower"
	RoleObserver = "observer"
)

// Coordinator message types.
const (
	TypeSnapshot = "snapshot" // server → client, first message and on resync
	TypePublish  = "publish"  // host → server
	TypeAck      = "ack"      // server → host
	TypeState    = "state"    // server → members
	TypeMembers  = "members"  // server → members
	TypeLeave    = "leave"    // client → server
	TypeEnded    = "ended"    // server → members
	TypeError    = "error"    // server → client
	TypeResync   = "resync"   // client → server
)

// Member is one entry of a session's membership list.
type Member struct {
	PeerID    string `json:"peer_id"`
	Role      string `json:"role"`
	Label     string `json:"label,omitempty"`
	Connected bool   `json:"connected"`
}

// Snapshot is the authoritative view of a session at one point in time.
type Snapshot struct {
	SessionID string               `json:"session_id"`
	HostID    string               `json:"host_id"`
	Members   []Member             `json:"members"`
	Current   *track.PlaybackState `json:"current,omitempty"`
	Seq       uint64               `json:"seq"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
	Ended     bool                 `json:"ended,omitempty"`

	// HostToken is only filled in the create response and the mirror.
	HostToken string `json:"host_token,omitempty"`
}

// Message is the JSON envelope exchanged over the coordinator websocket.
type Message struct {
	Type     string               `json:"type"`
	Session  string               `json:"session,omitempty"`
	From     string               `json:"from,omitempty"`
	Seq      uint64               `json:"seq,omitempty"`
	ReqID    string               `json:"req_id,omitempty"`
	State    *track.PlaybackState `json:"state,omitempty"`
	Snapshot *Snapshot            `json:"snapshot,omitempty"`
	Members  []Member             `json:"members,omitempty"`
	Code     string               `json:"code,omitempty"`
	Error    string               `json:"error,omitempty"`
	TS       int64                `json:"ts"`
}

// HolderMsg is published on HolderTopic by peers that can serve a track.
type HolderMsg struct {
	PeerID   string   `json:"peerId"`
	Session  string   `json:"session"`
	Identity string   `json:"identity"`
	Addrs    []string `json:"addrs,omitempty"`
	TS       int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
