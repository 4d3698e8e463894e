package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rvdmeulen/huddle/internal/proto"
)

// ErrDenied marks a tracker rejection (bad session, wrong owner, missing
// channel). Callers fall through to the next delivery path on it instead
// of retrying.
var ErrDenied = errors.New("request denied")

// TrackerClient speaks the tracker's one-request-per-connection protocol.
// Every call dials a fresh connection and applies one round-trip deadline
// covering dial, write and read.
type TrackerClient struct {
	addr    string
	timeout time.Duration
}

func NewTrackerClient(addr string, timeout time.Duration) *TrackerClient {
	return &TrackerClient{addr: addr, timeout: timeout}
}

func (c *TrackerClient) do(req proto.Request) (proto.Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return proto.Response{}, fmt.Errorf("dial tracker: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return proto.Response{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	var resp proto.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return proto.Response{}, fmt.Errorf("read %s response: %w", req.Type, err)
	}
	if !resp.Success {
		return resp, fmt.Errorf("%s: %s: %w", req.Type, resp.Message, ErrDenied)
	}
	return resp, nil
}

func (c *TrackerClient) Auth(username, password string) (token, subject string, err error) {
	resp, err := c.do(proto.Request{Type: proto.TypeAuth, Username: username, Password: password})
	if err != nil {
		return "", "", err
	}
	return resp.Token, resp.Subject, nil
}

func (c *TrackerClient) Visitor(displayName string) (token, subject string, err error) {
	resp, err := c.do(proto.Request{Type: proto.TypeVisitor, DisplayName: displayName})
	if err != nil {
		return "", "", err
	}
	return resp.Token, resp.Subject, nil
}

func (c *TrackerClient) RegisterUser(username, password, email string) error {
	_, err := c.do(proto.Request{Type: proto.TypeRegisterUser, Username: username, Password: password, Email: email})
	return err
}

func (c *TrackerClient) Logout(token string) error {
	_, err := c.do(proto.Request{Type: proto.TypeLogout, Token: token})
	return err
}

func (c *TrackerClient) Register(token string, port int) error {
	_, err := c.do(proto.Request{Type: proto.TypeRegister, Token: token, Port: port})
	return err
}

func (c *TrackerClient) Heartbeat(token string, port int, hosting []string) error {
	_, err := c.do(proto.Request{Type: proto.TypeHeartbeat, Token: token, Port: port, Hosting: hosting})
	return err
}

func (c *TrackerClient) GetPeers(token string) ([]proto.PeerInfo, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeGetPeers, Token: token})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// ChannelHostPeer queries the single active host for a channel.
func (c *TrackerClient) ChannelHostPeer(token, channel string) (proto.PeerInfo, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeGetPeers, Token: token, Channel: channel})
	if err != nil {
		return proto.PeerInfo{}, err
	}
	if resp.Host == nil {
		return proto.PeerInfo{}, fmt.Errorf("no host for %q: %w", channel, ErrDenied)
	}
	return *resp.Host, nil
}

func (c *TrackerClient) ChannelHost(token, channel, action string, port int) error {
	_, err := c.do(proto.Request{Type: proto.TypeChannelHost, Token: token, Channel: channel, Action: action, Port: port})
	return err
}

func (c *TrackerClient) SyncData(token, channel string, msgs []proto.Message) (int, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeSyncData, Token: token, Channel: channel, Messages: msgs})
	if err != nil {
		return 0, err
	}
	return resp.Synced, nil
}

func (c *TrackerClient) JoinChannel(token, channel string) error {
	_, err := c.do(proto.Request{Type: proto.TypeJoinChannel, Token: token, Channel: channel})
	return err
}

func (c *TrackerClient) CreateChannel(token, channel, description string) error {
	_, err := c.do(proto.Request{Type: proto.TypeCreateChannel, Token: token, Channel: channel, Description: description})
	return err
}

func (c *TrackerClient) Channels(token string) ([]proto.ChannelInfo, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeGetChannels, Token: token})
	if err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *TrackerClient) History(token, channel string, sinceID int64, limit int) ([]proto.Message, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeGetHistory, Token: token, Channel: channel, SinceID: sinceID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *TrackerClient) SendMessage(token, channel, content string) (int64, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeSendMessage, Token: token, Channel: channel, Content: content})
	if err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

func (c *TrackerClient) Status(token, status string) error {
	_, err := c.do(proto.Request{Type: proto.TypeStatus, Token: token, Status: status})
	return err
}

func (c *TrackerClient) OnlineUsers(token string) ([]string, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeGetOnlineUsers, Token: token})
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *TrackerClient) Notifications(token string, sinceID int64) ([]proto.Notification, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeGetNotifications, Token: token, SinceID: sinceID})
	if err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

func (c *TrackerClient) MarkNotificationsRead(token string, ids []int64) error {
	_, err := c.do(proto.Request{Type: proto.TypeMarkNotificationsRead, Token: token, IDs: ids})
	return err
}

func (c *TrackerClient) StartStream(token, channel string) error {
	_, err := c.do(proto.Request{Type: proto.TypeStreamStart, Token: token, Channel: channel})
	return err
}

func (c *TrackerClient) EndStream(token, channel string) error {
	_, err := c.do(proto.Request{Type: proto.TypeStreamEnd, Token: token, Channel: channel})
	return err
}

func (c *TrackerClient) WatchStream(token, channel string) error {
	_, err := c.do(proto.Request{Type: proto.TypeStreamWatch, Token: token, Channel: channel})
	return err
}

func (c *TrackerClient) Streams(token string) ([]proto.StreamInfo, error) {
	resp, err := c.do(proto.Request{Type: proto.TypeGetStreams, Token: token})
	if err != nil {
		return nil, err
	}
	return resp.Streams, nil
}
