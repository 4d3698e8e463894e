package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Tracker request types. Each tracker connection carries exactly one
// request object and receives exactly one response object.
const (
	TypeAuth         = "AUTH"
	TypeVisitor      = "VISITOR"
	TypeLogout       = "LOGOUT"
	TypeRegisterUser = "REGISTER_USER"

	TypeRegister    = "REGISTER"
	TypeHeartbeat   = "HEARTBEAT"
	TypeGetPeers    = "GET_PEERS"
	TypeChannelHost = "CHANNEL_HOST"
	TypeSyncData    = "SYNC_DATA"

	TypeJoinChannel   = "JOIN_CHANNEL"
	TypeCreateChannel = "CREATE_CHANNEL"
	TypeGetChannels   = "GET_CHANNELS"
	TypeGetHistory    = "GET_HISTORY"
	TypeSendMessage   = "SEND_MESSAGE"

	TypeStatus         = "STATUS"
	TypeGetOnlineUsers = "GET_ONLINE_USERS"

	TypeGetNotifications      = "GET_NOTIFICATIONS"
	TypeMarkNotificationsRead = "MARK_NOTIFICATIONS_READ"

	TypeStreamStart = "STREAM_START"
	TypeStreamEnd   = "STREAM_END"
	TypeStreamWatch = "STREAM_WATCH"
	TypeGetStreams  = "GET_STREAMS"
)

// Response markers.
const (
	TypeSuccess = "SUCCESS"
	TypeError   = "ERROR"
)

// CHANNEL_HOST actions.
const (
	ActionHost    = "host"
	ActionRelease = "release"
)

// Frame types on the persistent peer-to-peer channel connection.
const (
	FrameJoin        = "JOIN"
	FrameLeave       = "LEAVE"
	FrameMessage     = "MESSAGE"
	FrameChannelInfo = "CHANNEL_INFO"
	FrameHistory     = "HISTORY"
	FrameSync        = "SYNC"
	FrameAck         = "ACK"
	FrameError       = "ERROR"
)

// Request is the single JSON object sent over a fresh tracker connection.
// Only the fields relevant to Type are set.
type Request struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`

	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// Port of the peer's own p2p listener. The tracker pairs it with the
	// connection's source IP to form the peer record key.
	Port int `json:"port,omitempty"`

	Channel     string   `json:"channel,omitempty"`
	Description string   `json:"description,omitempty"`
	Action      string   `json:"action,omitempty"`
	Content     string   `json:"content,omitempty"`
	Status      string   `json:"status,omitempty"`
	Hosting     []string `json:"hosting,omitempty"`

	SinceID int64 `json:"since_id,omitempty"`
	Limit   int   `json:"limit,omitempty"`

	Messages []Message `json:"messages,omitempty"`
	IDs      []int64   `json:"ids,omitempty"`
}

// Response is the single JSON object written back before the tracker
// closes the connection. Success is always set; Type echoes SUCCESS or
// ERROR; Message is human-readable.
type Response struct {
	Success bool   `json:"success"`
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`

	Token   string `json:"token,omitempty"`
	Subject string `json:"subject,omitempty"`
	Visitor bool   `json:"visitor,omitempty"`

	MessageID int64     `json:"message_id,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Synced    int       `json:"synced,omitempty"`

	Peers []PeerInfo `json:"peers,omitempty"`
	Host  *PeerInfo  `json:"host,omitempty"`

	Channels      []ChannelInfo  `json:"channels,omitempty"`
	Users         []string       `json:"users,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
	Streams       []StreamInfo   `json:"streams,omitempty"`
}

// Message is one chat message. IDs are strictly increasing per channel as
// assigned by one authority (the tracker or a hosting peer); the two ID
// spaces are independent, so cross-authority identity uses DedupKey.
type Message struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// DedupKey returns a content-based identity for reconciling histories
// across ID authorities. Numeric ID equality is never used for that.
func (m Message) DedupKey() string {
	sum := sha256.Sum256([]byte(m.Content))
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d", m.Channel, m.Author, hex.EncodeToString(sum[:]), m.Timestamp)
}

// PeerInfo is a sanitized directory entry returned by GET_PEERS.
type PeerInfo struct {
	PeerID   string   `json:"peer_id"`
	Username string   `json:"username"`
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Visitor  bool     `json:"visitor,omitempty"`
	AgeSec   int64    `json:"age_sec"`
	Hosting  []string `json:"hosting,omitempty"`
}

type ChannelInfo struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Description string `json:"description,omitempty"`
	Members     int    `json:"members"`
	Host        string `json:"host,omitempty"`
}

type Notification struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Channel   string `json:"channel,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type StreamInfo struct {
	Channel   string   `json:"channel"`
	Streamer  string   `json:"streamer"`
	StartedAt int64    `json:"started_at"`
	Viewers   []string `json:"viewers,omitempty"`
}

// Frame is one newline-delimited JSON object on a p2p channel connection.
// RID correlates a request with its ACK on the persistent stream.
type Frame struct {
	Type    string `json:"type"`
	RID     string `json:"rid,omitempty"`
	Channel string `json:"channel,omitempty"`
	From    string `json:"from,omitempty"`
	Content string `json:"content,omitempty"`

	SinceID int64 `json:"since_id,omitempty"`
	Limit   int   `json:"limit,omitempty"`

	// TS carries the original message timestamp on MESSAGE frames so
	// receivers form the same dedup identity as a history pull would.
	TS int64 `json:"ts,omitempty"`

	Messages []Message `json:"messages,omitempty"`

	MessageID    int64 `json:"message_id,omitempty"`
	MessageCount int64 `json:"message_count,omitempty"`
	Synced       int   `json:"synced,omitempty"`

	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NowUnix returns the current time in unix seconds, the timestamp unit
// used on the wire.
func NowUnix() int64 { return time.Now().Unix() }
