package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

// GatewayQuerier is the slice of gateway actions the translators need.
// *napcat.Caller satisfies it.
type GatewayQuerier interface {
	GetGroupInfo(ctx context.Context, groupID int64) (*napcat.GroupInfo, error)
	GetMemberInfo(ctx context.Context, groupID, userID int64) (*napcat.MemberInfo, error)
	GetSelfInfo(ctx context.Context) (*napcat.LoginInfo, error)
	GetStrangerInfo(ctx context.Context, userID int64) (*napcat.StrangerInfo, error)
	GetMsg(ctx context.Context, messageID int64) (*napcat.MsgDetail, error)
	GetRecordDetail(ctx context.Context, file string) (*napcat.RecordDetail, error)
	GetForwardMsg(ctx context.Context, forwardID string) (*napcat.ForwardDetail, error)
}

// CoreSender pushes translated envelopes to the core service.
type CoreSender interface {
	SendMessage(ctx context.Context, msg protocol.MessageBase) error
	SendCustom(ctx context.Context, payload any) error
}

// contentFormat declares what a translated chat message may contain.
var contentFormat = []string{"text", "image", "emoji", "voice"}

// MessageHandler translates gateway message events into canonical envelopes.
type MessageHandler struct {
	cfg     *config.Manager
	gateway GatewayQuerier
	robots  *napcat.MemberCache
	sender  CoreSender
	fetch   ImageFetcher
}

func NewMessageHandler(cfg *config.Manager, gateway GatewayQuerier, sender CoreSender) *MessageHandler {
	return &MessageHandler{
		cfg:     cfg,
		gateway: gateway,
		robots:  napcat.NewMemberCache(),
		sender:  sender,
		fetch:   FetchImageBase64,
	}
}

// AllowChat applies the chat gates: group/private white- or blacklist, the
// global ban list, and optionally the official-robot filter. A groupID of 0
// means a private chat.
func (h *MessageHandler) AllowChat(ctx context.Context, userID, groupID int64, ignoreBot, ignoreGlobal bool) bool {
	chat := h.cfg.Snapshot().Chat

	if groupID != 0 {
		if !chat.GroupAllowed(groupID) {
			slog.Warn("group filtered by chat list, dropping", "group_id", groupID)
			return false
		}
	} else if !chat.PrivateAllowed(userID) {
		slog.Warn("user filtered by private chat list, dropping", "user_id", userID)
		return false
	}

	if !ignoreGlobal && chat.UserBanned(userID) {
		slog.Warn("user on global ban list, dropping", "user_id", userID)
		return false
	}

	if chat.BanQQBot && groupID != 0 && !ignoreBot {
		if robot, ok := h.robots.IsRobot(groupID, userID); ok {
			if robot {
				slog.Warn("official robot message intercepted", "user_id", userID)
				return false
			}
			return true
		}
		member, err := h.gateway.GetMemberInfo(ctx, groupID, userID)
		if err != nil {
			slog.Warn("cannot resolve robot flag, assuming human", "user_id", userID, "error", err)
			return true
		}
		h.robots.Put(groupID, userID, member.IsRobot)
		if member.IsRobot {
			slog.Warn("official robot message intercepted, robot cached", "user_id", userID)
			return false
		}
	}
	return true
}

// HandleMessage translates one message event and pushes it upstream.
func (h *MessageHandler) HandleMessage(ctx context.Context, ev *napcat.Event) error {
	cfg := h.cfg.Snapshot()
	platform := cfg.Core.PlatformName

	var userInfo *protocol.UserInfo
	var groupInfo *protocol.GroupInfo

	switch ev.MessageType {
	case "private":
		if ev.SubType != "friend" {
			slog.Warn("unsupported private message subtype", "sub_type", ev.SubType)
			return nil
		}
		if ev.Sender == nil {
			return fmt.Errorf("private message %d has no sender", ev.MessageID)
		}
		if !h.AllowChat(ctx, ev.Sender.UserID, 0, false, false) {
			return nil
		}
		userInfo = &protocol.UserInfo{
			Platform:     platform,
			UserID:       ev.Sender.UserID,
			UserNickname: ev.Sender.Nickname,
			UserCardname: ev.Sender.Card,
		}

	case "group":
		if ev.SubType != "normal" {
			slog.Warn("unsupported group message subtype", "sub_type", ev.SubType)
			return nil
		}
		if ev.Sender == nil {
			return fmt.Errorf("group message %d has no sender", ev.MessageID)
		}
		if !h.AllowChat(ctx, ev.Sender.UserID, ev.GroupID, false, false) {
			return nil
		}
		userInfo = &protocol.UserInfo{
			Platform:     platform,
			UserID:       ev.Sender.UserID,
			UserNickname: ev.Sender.Nickname,
			UserCardname: ev.Sender.Card,
		}
		groupInfo = h.groupInfo(ctx, platform, ev.GroupID)

	default:
		slog.Warn("unsupported message type", "message_type", ev.MessageType)
		return nil
	}

	if len(ev.Message) == 0 {
		slog.Warn("message event carries no segments", "message_id", ev.MessageID)
		return nil
	}

	segs, additional := h.translateSegments(ctx, ev, ev.Message, false)
	if cfg.Voice.UseTTS {
		additional["allow_tts"] = true
	}
	if len(segs) == 0 {
		slog.Warn("message empty after translation", "message_id", ev.MessageID)
		return nil
	}

	msg := protocol.MessageBase{
		MessageInfo: protocol.BaseMessageInfo{
			Platform:  platform,
			MessageID: protocol.MessageID(fmt.Sprintf("%d", ev.MessageID)),
			Time:      unixNow(),
			UserInfo:  userInfo,
			GroupInfo: groupInfo,
			FormatInfo: &protocol.FormatInfo{
				ContentFormat: contentFormat,
				AcceptFormat:  protocol.AcceptFormat,
			},
			AdditionalConfig: additional,
		},
		MessageSegment: protocol.Seglist(segs),
		RawMessage:     ev.RawMessage,
	}
	return h.sender.SendMessage(ctx, msg)
}

// groupInfo resolves the group name, which message events do not carry.
// Failure to resolve is tolerated; the id alone is still useful upstream.
func (h *MessageHandler) groupInfo(ctx context.Context, platform string, groupID int64) *protocol.GroupInfo {
	info := &protocol.GroupInfo{Platform: platform, GroupID: groupID}
	fetched, err := h.gateway.GetGroupInfo(ctx, groupID)
	if err != nil {
		slog.Warn("cannot fetch group name", "group_id", groupID, "error", err)
		return info
	}
	info.GroupName = fetched.GroupName
	return info
}

// translateSegments walks the gateway's segment array. A voice segment
// replaces everything translated so far and ends the walk, keeping voice
// messages voice-only.
func (h *MessageHandler) translateSegments(ctx context.Context, ev *napcat.Event, raw []napcat.MessageSeg, inReply bool) ([]protocol.Seg, map[string]any) {
	additional := make(map[string]any)
	var out []protocol.Seg

	for _, sub := range raw {
		switch sub.Type {
		case "text":
			out = append(out, protocol.Text(sub.Str("text")))

		case "face":
			if seg, ok := h.translateFace(sub); ok {
				out = append(out, seg)
			}

		case "reply":
			if inReply {
				continue
			}
			segs := h.translateReply(ctx, ev, sub, additional)
			if len(segs) == 0 {
				slog.Warn("reply translation failed")
				continue
			}
			out = append(out, segs...)

		case "image":
			if seg, ok := h.translateImage(ctx, sub); ok {
				out = append(out, seg)
			}

		case "record":
			seg, ok := h.translateRecord(ctx, sub)
			if !ok {
				slog.Warn("voice translation failed or unsupported")
				continue
			}
			// Voice-only policy: discard anything already collected.
			return []protocol.Seg{seg}, additional

		case "video":
			if seg, ok := translateVideo(sub); ok {
				out = append(out, seg)
			}

		case "json":
			segs := h.translateCard(ctx, sub)
			if len(segs) == 0 {
				slog.Warn("card translation failed")
				continue
			}
			out = append(out, segs...)

		case "file":
			if seg, ok := translateFile(sub); ok {
				out = append(out, seg)
			}

		case "at":
			if seg, ok := h.translateAt(ctx, sub, ev.SelfID, ev.GroupID); ok {
				out = append(out, seg)
			}

		case "forward":
			seg, ok := h.translateForward(ctx, sub)
			if !ok {
				slog.Warn("forward translation failed or empty")
				continue
			}
			out = append(out, seg)

		case "rps", "dice", "shake", "share", "node":
			slog.Warn("unsupported segment type skipped", "type", sub.Type)

		default:
			slog.Warn("unknown segment type skipped", "type", sub.Type)
		}
	}
	return out, additional
}

func (h *MessageHandler) translateFace(sub napcat.MessageSeg) (protocol.Seg, bool) {
	id := sub.Str("id")
	text, ok := qqFace[id]
	if !ok {
		slog.Warn("unsupported native face", "id", id)
		return protocol.Seg{}, false
	}
	return protocol.Text(text), true
}

func (h *MessageHandler) translateImage(ctx context.Context, sub napcat.MessageSeg) (protocol.Seg, bool) {
	encoded, err := h.fetch(ctx, sub.Str("url"))
	if err != nil {
		slog.Error("image download failed", "error", err)
		return protocol.Seg{}, false
	}
	switch subType := sub.Int("sub_type"); {
	case subType == 0:
		return protocol.Seg{Type: protocol.SegImage, Data: encoded}, true
	case subType != 4 && subType != 9:
		return protocol.Seg{Type: protocol.SegEmoji, Data: encoded}, true
	default:
		slog.Warn("unsupported image subtype", "sub_type", subType)
		return protocol.Seg{}, false
	}
}

func (h *MessageHandler) translateRecord(ctx context.Context, sub napcat.MessageSeg) (protocol.Seg, bool) {
	file := sub.Str("file")
	if file == "" {
		slog.Warn("voice segment has no file")
		return protocol.Seg{}, false
	}
	detail, err := h.gateway.GetRecordDetail(ctx, file)
	if err != nil {
		slog.Error("voice detail fetch failed", "error", err)
		return protocol.Seg{}, false
	}
	if detail.Base64 == "" {
		slog.Error("voice detail carries no audio data")
		return protocol.Seg{}, false
	}
	return protocol.Seg{Type: protocol.SegVoice, Data: detail.Base64}, true
}

func translateVideo(sub napcat.MessageSeg) (protocol.Seg, bool) {
	file := sub.Str("file")
	if file == "" {
		slog.Warn("video segment has no file")
		return protocol.Seg{}, false
	}
	return protocol.Seg{Type: protocol.SegVideoCard, Data: map[string]any{
		"file":      file,
		"file_size": sub.Str("file_size"),
		"url":       sub.Str("url"),
	}}, true
}

func translateFile(sub napcat.MessageSeg) (protocol.Seg, bool) {
	name := sub.Str("file")
	if name == "" {
		slog.Warn("file segment has no name")
		return protocol.Seg{}, false
	}
	size := sub.Str("file_size")
	if size == "" {
		size = "未知大小"
	}
	text := fmt.Sprintf("[文件: %s, 大小: %s字节]", name, size)
	if url := sub.Str("url"); url != "" {
		text += "\n文件链接: " + url
	}
	return protocol.Text(text), true
}

func (h *MessageHandler) translateAt(ctx context.Context, sub napcat.MessageSeg, selfID, groupID int64) (protocol.Seg, bool) {
	target := sub.Int("qq")
	if target == selfID {
		self, err := h.gateway.GetSelfInfo(ctx)
		if err != nil {
			slog.Warn("cannot resolve own profile for at", "error", err)
			return protocol.Seg{}, false
		}
		return protocol.Text(fmt.Sprintf("@<%s:%d>", self.Nickname, self.UserID)), true
	}
	member, err := h.gateway.GetMemberInfo(ctx, groupID, target)
	if err != nil {
		slog.Warn("cannot resolve at target", "user_id", target, "error", err)
		return protocol.Seg{}, false
	}
	return protocol.Text(fmt.Sprintf("@<%s:%d>", member.Nickname, member.UserID)), true
}

// translateReply resolves the quoted message and renders it inline as
// "[回复<nick:id>：<content>]，说：". The quoted message id also rides in
// additional_config for the core to correlate.
func (h *MessageHandler) translateReply(ctx context.Context, ev *napcat.Event, sub napcat.MessageSeg, additional map[string]any) []protocol.Seg {
	quotedID := sub.Int("id")
	if quotedID == 0 {
		return nil
	}
	additional["reply_message_id"] = quotedID

	detail, err := h.gateway.GetMsg(ctx, quotedID)
	if err != nil {
		slog.Warn("cannot fetch quoted message", "message_id", quotedID, "error", err)
		return nil
	}

	quotedEv := &napcat.Event{SelfID: ev.SelfID, GroupID: ev.GroupID}
	quoted, _ := h.translateSegments(ctx, quotedEv, detail.Message, true)
	if len(quoted) == 0 {
		quoted = []protocol.Seg{protocol.Text("(获取发言内容失败)")}
	}

	var out []protocol.Seg
	if detail.Sender.Nickname == "" {
		slog.Warn("quoted sender has no nickname")
		out = append(out, protocol.Text("[回复 未知用户："))
	} else {
		out = append(out, protocol.Text(fmt.Sprintf("[回复<%s:%d>：", detail.Sender.Nickname, detail.Sender.UserID)))
	}
	out = append(out, quoted...)
	out = append(out, protocol.Text("]，说："))
	return out
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
