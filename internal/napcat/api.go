package napcat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PayloadSender writes one frame to the gateway.
type PayloadSender interface {
	Send(v any) error
}

// Caller issues echo-correlated actions against the gateway and decodes the
// typed responses the translators need.
type Caller struct {
	sender  PayloadSender
	pool    *ResponsePool
	timeout time.Duration
}

// NewCaller creates a caller. A non-positive timeout falls back to
// DefaultAwaitTimeout.
func NewCaller(sender PayloadSender, pool *ResponsePool, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	return &Caller{sender: sender, pool: pool, timeout: timeout}
}

// Call sends one action and waits for its response.
func (c *Caller) Call(ctx context.Context, action string, params any) (*Response, error) {
	echo := uuid.NewString()
	ch := c.pool.Register(echo)

	if err := c.sender.Send(Action{Action: action, Params: params, Echo: echo}); err != nil {
		c.pool.Discard(echo)
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	resp, err := c.pool.Await(ctx, echo, ch, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return resp, nil
}

// call runs one action and decodes its payload into out.
func (c *Caller) call(ctx context.Context, action string, params any, out any) error {
	resp, err := c.Call(ctx, action, params)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s: gateway returned %s (retcode %d): %s", action, resp.Status, resp.RetCode, resp.Message)
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	return nil
}

// GetGroupInfo fetches group metadata.
func (c *Caller) GetGroupInfo(ctx context.Context, groupID int64) (*GroupInfo, error) {
	var info GroupInfo
	params := map[string]any{"group_id": groupID, "no_cache": true}
	if err := c.call(ctx, "get_group_info", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMemberInfo fetches one group member's profile.
func (c *Caller) GetMemberInfo(ctx context.Context, groupID, userID int64) (*MemberInfo, error) {
	var info MemberInfo
	params := map[string]any{"group_id": groupID, "user_id": userID, "no_cache": true}
	if err := c.call(ctx, "get_group_member_info", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSelfInfo fetches the logged-in bot account.
func (c *Caller) GetSelfInfo(ctx context.Context) (*LoginInfo, error) {
	var info LoginInfo
	if err := c.call(ctx, "get_login_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetStrangerInfo fetches a profile outside any shared group.
func (c *Caller) GetStrangerInfo(ctx context.Context, userID int64) (*StrangerInfo, error) {
	var info StrangerInfo
	params := map[string]any{"user_id": userID, "no_cache": true}
	if err := c.call(ctx, "get_stranger_info", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMsg fetches a stored message by id, used to resolve reply targets.
func (c *Caller) GetMsg(ctx context.Context, messageID int64) (*MsgDetail, error) {
	var detail MsgDetail
	params := map[string]any{"message_id": messageID}
	if err := c.call(ctx, "get_msg", params, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetRecordDetail fetches a voice record transcoded to mp3.
func (c *Caller) GetRecordDetail(ctx context.Context, file string) (*RecordDetail, error) {
	var detail RecordDetail
	params := map[string]any{"file": file, "out_format": "mp3"}
	if err := c.call(ctx, "get_record", params, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetForwardMsg fetches the embedded messages of a forward node.
func (c *Caller) GetForwardMsg(ctx context.Context, forwardID string) (*ForwardDetail, error) {
	var detail ForwardDetail
	params := map[string]any{"message_id": forwardID}
	if err := c.call(ctx, "get_forward_msg", params, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// MemberCache remembers per-group whether a member is a robot account, so
// the bot gate does not hit the gateway for every message.
type MemberCache struct {
	mu     sync.RWMutex
	robots map[int64]map[int64]bool
}

func NewMemberCache() *MemberCache {
	return &MemberCache{robots: make(map[int64]map[int64]bool)}
}

// IsRobot reports a cached robot flag. ok is false on a cache miss.
func (m *MemberCache) IsRobot(groupID, userID int64) (robot, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, found := m.robots[groupID]
	if !found {
		return false, false
	}
	robot, ok = group[userID]
	return robot, ok
}

// Put records a member's robot flag.
func (m *MemberCache) Put(groupID, userID int64, robot bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, found := m.robots[groupID]
	if !found {
		group = make(map[int64]bool)
		m.robots[groupID] = group
	}
	group[userID] = robot
}
