package napcat

import (
	"encoding/json"
	"strconv"
)

// Post types the gateway emits. Frames without a post_type are responses to
// a previously issued action.
const (
	PostMessage   = "message"
	PostNotice    = "notice"
	PostMetaEvent = "meta_event"
)

// Notice subtypes.
const (
	NoticeFriendRecall   = "friend_recall"
	NoticeGroupRecall    = "group_recall"
	NoticeNotify         = "notify"
	NoticeGroupBan       = "group_ban"
	NoticeGroupIncrease  = "group_increase"
	NoticeGroupDecrease  = "group_decrease"
	NoticeGroupAdmin     = "group_admin"
	NoticeGroupUpload    = "group_upload"
	NoticeFriendAdd      = "friend_add"
	NoticeGroupMsgEmoji  = "group_msg_emoji_like"
	NoticeEssence        = "essence"
	NoticeGroupName      = "group_name"
	NoticeInputStatus    = "input_status"
	NoticeBotOffline     = "bot_offline"
)

// Sender describes the account that produced an event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

// MessageSeg is one element of the gateway's message array.
type MessageSeg struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Str returns a data field as a string. Numeric values are formatted, since
// the gateway is inconsistent about quoting ids.
func (s MessageSeg) Str(key string) string {
	switch v := s.Data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Int returns a data field as an int64, accepting both number and string
// wire forms.
func (s MessageSeg) Int(key string) int64 {
	switch v := s.Data[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Event is a gateway push frame. Only the fields relevant to the carrying
// post_type are populated.
type Event struct {
	PostType      string `json:"post_type"`
	Time          int64  `json:"time"`
	SelfID        int64  `json:"self_id"`

	// post_type == "message"
	MessageType string       `json:"message_type,omitempty"`
	SubType     string       `json:"sub_type,omitempty"`
	MessageID   int64        `json:"message_id,omitempty"`
	UserID      int64        `json:"user_id,omitempty"`
	GroupID     int64        `json:"group_id,omitempty"`
	Sender      *Sender      `json:"sender,omitempty"`
	Message     []MessageSeg `json:"message,omitempty"`
	RawMessage  string       `json:"raw_message,omitempty"`

	// post_type == "notice"
	NoticeType string          `json:"notice_type,omitempty"`
	TargetID   int64           `json:"target_id,omitempty"`
	OperatorID int64           `json:"operator_id,omitempty"`
	Duration   int64           `json:"duration,omitempty"`
	RawInfo    json.RawMessage `json:"raw_info,omitempty"`
	File       json.RawMessage `json:"file,omitempty"`
	Likes      json.RawMessage `json:"likes,omitempty"`
	NameNew    string          `json:"name_new,omitempty"`

	// post_type == "meta_event"
	MetaEventType string          `json:"meta_event_type,omitempty"`
	Interval      int64           `json:"interval,omitempty"`
	Status        json.RawMessage `json:"status,omitempty"`
}

// Action is a request frame sent to the gateway. Echo correlates the
// eventual response.
type Action struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo,omitempty"`
}

// Response is the gateway's reply to an Action.
type Response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    string          `json:"echo"`
}

// OK reports whether the action succeeded.
func (r *Response) OK() bool { return r.Status == "ok" }

// Decode unmarshals the response payload into v.
func (r *Response) Decode(v any) error { return json.Unmarshal(r.Data, v) }

// GroupInfo is the payload of get_group_info.
type GroupInfo struct {
	GroupID     int64  `json:"group_id"`
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count"`
	MaxMember   int    `json:"max_member_count"`
}

// MemberInfo is the payload of get_group_member_info.
type MemberInfo struct {
	GroupID  int64  `json:"group_id"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
	Title    string `json:"title"`
	IsRobot  bool   `json:"is_robot"`
}

// LoginInfo is the payload of get_login_info.
type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// StrangerInfo is the payload of get_stranger_info.
type StrangerInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Sex      string `json:"sex"`
	Age      int    `json:"age"`
}

// MsgDetail is the payload of get_msg.
type MsgDetail struct {
	MessageID  int64        `json:"message_id"`
	Time       int64        `json:"time"`
	Sender     Sender       `json:"sender"`
	Message    []MessageSeg `json:"message"`
	RawMessage string       `json:"raw_message"`
}

// RecordDetail is the payload of get_record.
type RecordDetail struct {
	File   string `json:"file"`
	URL    string `json:"url"`
	Base64 string `json:"base64"`
}

// ForwardMessage is one embedded message inside a get_forward_msg payload.
type ForwardMessage struct {
	Sender     Sender       `json:"sender"`
	Message    []MessageSeg `json:"message"`
	RawMessage string       `json:"raw_message"`
	Time       int64        `json:"time"`
}

// ForwardDetail is the payload of get_forward_msg.
type ForwardDetail struct {
	Messages []ForwardMessage `json:"messages"`
}
