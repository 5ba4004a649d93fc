package protocol

import (
	"encoding/json"
	"strconv"
)

// NoticeMessageID marks adapter-synthesized notices; every other id is a
// numeric gateway message id.
const NoticeMessageID = "notice"

// MessageID is either a numeric gateway id or the literal "notice".
// Numeric ids keep their JSON number form on the wire.
type MessageID string

func (m MessageID) String() string { return string(m) }

// IsNotice reports whether the id marks a synthesized notice.
func (m MessageID) IsNotice() bool { return string(m) == NoticeMessageID }

// Int returns the numeric value, or 0 for non-numeric ids.
func (m MessageID) Int() int64 {
	v, _ := strconv.ParseInt(string(m), 10, 64)
	return v
}

func (m MessageID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(m), 10, 64); err == nil {
		return []byte(m), nil
	}
	return json.Marshal(string(m))
}

func (m *MessageID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*m = MessageID(n.String())
	return nil
}

// UserInfo identifies a platform account.
type UserInfo struct {
	Platform     string `json:"platform"`
	UserID       int64  `json:"user_id"`
	UserNickname string `json:"user_nickname,omitempty"`
	UserCardname string `json:"user_cardname,omitempty"`
}

// GroupInfo identifies a platform group.
type GroupInfo struct {
	Platform  string `json:"platform"`
	GroupID   int64  `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
}

// FormatInfo declares which segment kinds a message contains and which the
// receiving side may send back.
type FormatInfo struct {
	ContentFormat []string `json:"content_format,omitempty"`
	AcceptFormat  []string `json:"accept_format,omitempty"`
}

// TemplateInfo is reserved for message templating; the adapter never fills it.
type TemplateInfo struct {
	TemplateItems map[string]string `json:"template_items,omitempty"`
}

// AcceptFormat lists the segment kinds the adapter can render back to the
// gateway.
var AcceptFormat = []string{
	"text", "image", "emoji", "voice", "voiceurl", "music",
	"videourl", "file", "reply", "command",
}

// BaseMessageInfo is the envelope header shared by every message exchanged
// with the core service.
type BaseMessageInfo struct {
	Platform         string         `json:"platform"`
	MessageID        MessageID      `json:"message_id"`
	Time             float64        `json:"time"`
	UserInfo         *UserInfo      `json:"user_info,omitempty"`
	GroupInfo        *GroupInfo     `json:"group_info,omitempty"`
	TemplateInfo     *TemplateInfo  `json:"template_info,omitempty"`
	FormatInfo       *FormatInfo    `json:"format_info,omitempty"`
	AdditionalConfig map[string]any `json:"additional_config,omitempty"`
}

// MessageBase is the canonical message envelope.
type MessageBase struct {
	MessageInfo    BaseMessageInfo `json:"message_info"`
	MessageSegment Seg             `json:"message_segment"`
	RawMessage     string          `json:"raw_message,omitempty"`
}
