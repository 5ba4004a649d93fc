package protocol

// API-client mode wraps the legacy envelope in a richer one: the party
// information moves into explicit sender_info / receiver_info blocks and the
// header carries the api key and platform of the connecting client.

// EndpointInfo names one party of an API-mode message.
type EndpointInfo struct {
	UserInfo  *UserInfo  `json:"user_info,omitempty"`
	GroupInfo *GroupInfo `json:"group_info,omitempty"`
}

// APIMessageInfo is the API-mode envelope header.
type APIMessageInfo struct {
	Platform         string        `json:"platform"`
	APIKey           string        `json:"api_key,omitempty"`
	MessageID        MessageID     `json:"message_id"`
	Time             float64       `json:"time"`
	SenderInfo       *EndpointInfo `json:"sender_info,omitempty"`
	ReceiverInfo     *EndpointInfo `json:"receiver_info,omitempty"`
	TemplateInfo     *TemplateInfo `json:"template_info,omitempty"`
	FormatInfo       *FormatInfo   `json:"format_info,omitempty"`
	AdditionalConfig map[string]any `json:"additional_config,omitempty"`
}

// APIMessage is the API-mode message envelope.
type APIMessage struct {
	MessageInfo    APIMessageInfo `json:"message_info"`
	MessageSegment Seg            `json:"message_segment"`
	RawMessage     string         `json:"raw_message,omitempty"`
}

// ToAPIReceive converts a legacy envelope into the API receive form: the
// message originates from the gateway, so user_info/group_info describe the
// sender and move into sender_info.
func ToAPIReceive(msg MessageBase, apiKey, platform string) APIMessage {
	info := msg.MessageInfo
	if info.Platform != "" {
		platform = info.Platform
	}
	return APIMessage{
		MessageInfo: APIMessageInfo{
			Platform:  platform,
			APIKey:    apiKey,
			MessageID: info.MessageID,
			Time:      info.Time,
			SenderInfo: &EndpointInfo{
				UserInfo:  info.UserInfo,
				GroupInfo: info.GroupInfo,
			},
			TemplateInfo:     info.TemplateInfo,
			FormatInfo:       info.FormatInfo,
			AdditionalConfig: info.AdditionalConfig,
		},
		MessageSegment: msg.MessageSegment,
		RawMessage:     msg.RawMessage,
	}
}

// FromAPISend converts an API send envelope back into the legacy form: the
// core addresses a recipient, so receiver_info is unpacked into
// user_info/group_info.
func FromAPISend(msg APIMessage) MessageBase {
	info := msg.MessageInfo
	out := BaseMessageInfo{
		Platform:         info.Platform,
		MessageID:        info.MessageID,
		Time:             info.Time,
		TemplateInfo:     info.TemplateInfo,
		FormatInfo:       info.FormatInfo,
		AdditionalConfig: info.AdditionalConfig,
	}
	if r := info.ReceiverInfo; r != nil {
		out.UserInfo = r.UserInfo
		out.GroupInfo = r.GroupInfo
	}
	return MessageBase{
		MessageInfo:    out,
		MessageSegment: msg.MessageSegment,
		RawMessage:     msg.RawMessage,
	}
}
