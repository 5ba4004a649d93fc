package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/internal/store"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

const pokeSuffix = "（这是QQ的一个功能，用于提及某人，但没那么明显）"

// notifyFormat declares what a synthesized notice envelope may contain.
var notifyFormat = []string{"text", "notify"}

// NoticeHandler translates gateway notice events into synthesized notice
// envelopes and keeps the mute ledger current.
type NoticeHandler struct {
	cfg     *config.Manager
	gateway GatewayQuerier
	msg     *MessageHandler
	sender  CoreSender
	bans    *store.BanStore
	queue   *noticeQueue
}

func NewNoticeHandler(cfg *config.Manager, gateway GatewayQuerier, msg *MessageHandler, sender CoreSender, bans *store.BanStore) *NoticeHandler {
	return &NoticeHandler{
		cfg:     cfg,
		gateway: gateway,
		msg:     msg,
		sender:  sender,
		bans:    bans,
		queue:   newNoticeQueue(),
	}
}

// Run drives the queued-notice sender and the scheduled mute lift scanner
// until ctx is cancelled.
func (n *NoticeHandler) Run(ctx context.Context) {
	n.reconcileStoredBans(ctx)
	go n.queue.run(ctx, n.sender)
	go n.runLiftScanner(ctx)
}

// HandleNotice dispatches one notice event. Mention-style notices (pokes,
// reactions) are sent directly; system notices go through the retrying queue.
func (n *NoticeHandler) HandleNotice(ctx context.Context, ev *napcat.Event) error {
	switch ev.NoticeType {
	case napcat.NoticeNotify:
		return n.handleNotify(ctx, ev)
	case napcat.NoticeGroupMsgEmoji:
		return n.handleEmojiLike(ctx, ev)
	case napcat.NoticeFriendRecall:
		return n.handleFriendRecall(ctx, ev)
	case napcat.NoticeGroupRecall:
		return n.handleGroupRecall(ctx, ev)
	case napcat.NoticeGroupBan:
		return n.handleGroupBan(ctx, ev, false)
	case napcat.NoticeGroupUpload:
		return n.handleGroupUpload(ctx, ev)
	case napcat.NoticeGroupIncrease:
		return n.handleGroupIncrease(ctx, ev)
	case napcat.NoticeGroupDecrease:
		return n.handleGroupDecrease(ctx, ev)
	case napcat.NoticeGroupAdmin:
		return n.handleGroupAdmin(ctx, ev)
	case napcat.NoticeEssence:
		return n.handleEssence(ctx, ev)
	case napcat.NoticeGroupName:
		return n.handleGroupName(ctx, ev)
	case napcat.NoticeFriendAdd, napcat.NoticeInputStatus, napcat.NoticeBotOffline:
		slog.Debug("notice acknowledged without forwarding", "notice_type", ev.NoticeType)
		return nil
	default:
		slog.Warn("unknown notice type", "notice_type", ev.NoticeType)
		return nil
	}
}

// handleNotify covers the poke notice. Pokes sent by the bot itself and
// pokes between two other members in private context are dropped.
func (n *NoticeHandler) handleNotify(ctx context.Context, ev *napcat.Event) error {
	if ev.SubType != "poke" {
		slog.Debug("unhandled notify subtype", "sub_type", ev.SubType)
		return nil
	}
	if !n.cfg.Snapshot().Chat.EnablePoke {
		slog.Debug("poke notices disabled, dropping")
		return nil
	}
	if ev.UserID == ev.SelfID {
		return nil
	}
	if !n.msg.AllowChat(ctx, ev.UserID, ev.GroupID, false, false) {
		return nil
	}

	firstTxt, secondTxt := pokeTexts(ev.RawInfo)

	var targetName string
	switch {
	case ev.TargetID == ev.SelfID:
		self, err := n.gateway.GetSelfInfo(ctx)
		if err != nil {
			return fmt.Errorf("resolve own profile for poke: %w", err)
		}
		targetName = self.Nickname
	case ev.GroupID != 0:
		targetName = n.memberName(ctx, ev.GroupID, ev.TargetID)
	default:
		// A private poke between two other accounts is not ours to relay.
		return nil
	}

	display := fmt.Sprintf("%s%s%s%s", firstTxt, targetName, secondTxt, pokeSuffix)
	msg := n.envelope(ctx, ev, ev.UserID, ev.TargetID, display)
	return n.sender.SendMessage(ctx, msg)
}

// pokeTexts extracts the action verbs from the poke's raw_info list. The
// list interleaves account and text entries; the verbs sit at fixed slots.
func pokeTexts(raw json.RawMessage) (first, second string) {
	first, second = "戳了戳", ""
	var info []map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		return first, second
	}
	if len(info) > 2 {
		if txt, ok := info[2]["txt"].(string); ok && txt != "" {
			first = txt
		}
	}
	if len(info) > 4 {
		if txt, ok := info[4]["txt"].(string); ok {
			second = txt
		}
	}
	return first, second
}

func (n *NoticeHandler) handleEmojiLike(ctx context.Context, ev *napcat.Event) error {
	if !n.msg.AllowChat(ctx, ev.UserID, ev.GroupID, true, false) {
		return nil
	}
	var likes []struct {
		EmojiID string `json:"emoji_id"`
		Count   int    `json:"count"`
	}
	if err := json.Unmarshal(ev.Likes, &likes); err != nil {
		return fmt.Errorf("parse emoji like list: %w", err)
	}

	var parts []string
	for _, like := range likes {
		name, ok := emojiLike[like.EmojiID]
		if !ok {
			slog.Warn("unknown reaction emoji", "emoji_id", like.EmojiID)
			continue
		}
		if like.Count > 1 {
			name = fmt.Sprintf("%sx%d", name, like.Count)
		}
		parts = append(parts, name)
	}
	if len(parts) == 0 {
		return nil
	}

	display := fmt.Sprintf("对消息(ID:%d)表达了 %s", ev.MessageID, strings.Join(parts, "、"))
	msg := n.envelope(ctx, ev, ev.UserID, 0, display)
	return n.sender.SendMessage(ctx, msg)
}

func (n *NoticeHandler) handleFriendRecall(ctx context.Context, ev *napcat.Event) error {
	if !n.msg.AllowChat(ctx, ev.UserID, 0, true, false) {
		return nil
	}
	display := fmt.Sprintf("撤回了一条消息(ID:%d)", ev.MessageID)
	n.queue.enqueue(n.envelope(ctx, ev, ev.UserID, 0, display))
	return nil
}

func (n *NoticeHandler) handleGroupRecall(ctx context.Context, ev *napcat.Event) error {
	if !n.msg.AllowChat(ctx, ev.UserID, ev.GroupID, true, false) {
		return nil
	}
	var display string
	if ev.OperatorID != 0 && ev.OperatorID != ev.UserID {
		display = fmt.Sprintf("撤回了 %s 的一条消息(ID:%d)",
			n.memberName(ctx, ev.GroupID, ev.UserID), ev.MessageID)
		n.queue.enqueue(n.envelope(ctx, ev, ev.OperatorID, ev.UserID, display))
		return nil
	}
	display = fmt.Sprintf("撤回了一条消息(ID:%d)", ev.MessageID)
	n.queue.enqueue(n.envelope(ctx, ev, ev.UserID, 0, display))
	return nil
}

// handleGroupBan records mutes in the ledger so scheduled lifts survive a
// restart, then forwards a notice. Natural lifts synthesize the same event
// shape with no operator.
func (n *NoticeHandler) handleGroupBan(ctx context.Context, ev *napcat.Event, natural bool) error {
	if !n.cfg.Snapshot().Chat.GroupAllowed(ev.GroupID) {
		return nil
	}

	wholeGroup := ev.UserID == store.WholeGroupUserID
	var display string
	var targetID int64

	switch ev.SubType {
	case "ban":
		if wholeGroup {
			display = "开启了全员禁言"
			if err := n.bans.Upsert(ctx, store.BanRecord{
				GroupID: ev.GroupID, UserID: store.WholeGroupUserID, LiftTime: store.PermanentLift,
			}); err != nil {
				slog.Error("record whole-group mute failed", "error", err)
			}
		} else {
			display = fmt.Sprintf("禁言了 %s %d秒", n.memberName(ctx, ev.GroupID, ev.UserID), ev.Duration)
			targetID = ev.UserID
			if err := n.bans.Upsert(ctx, store.BanRecord{
				GroupID: ev.GroupID, UserID: ev.UserID,
				LiftTime: time.Now().Unix() + ev.Duration,
			}); err != nil {
				slog.Error("record mute failed", "error", err)
			}
		}

	case "lift_ban":
		if wholeGroup {
			display = "解除了全员禁言"
		} else if natural {
			display = fmt.Sprintf("%s 的禁言到期，已自动解除", n.memberName(ctx, ev.GroupID, ev.UserID))
			targetID = ev.UserID
		} else {
			display = fmt.Sprintf("解除了 %s 的禁言", n.memberName(ctx, ev.GroupID, ev.UserID))
			targetID = ev.UserID
		}
		if err := n.bans.Delete(ctx, ev.GroupID, ev.UserID); err != nil {
			slog.Error("clear mute record failed", "error", err)
		}

	default:
		slog.Warn("unknown group_ban subtype", "sub_type", ev.SubType)
		return nil
	}

	n.queue.enqueue(n.envelope(ctx, ev, ev.OperatorID, targetID, display))
	return nil
}

func (n *NoticeHandler) handleGroupUpload(ctx context.Context, ev *napcat.Event) error {
	if !n.msg.AllowChat(ctx, ev.UserID, ev.GroupID, true, false) {
		return nil
	}
	var file struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	if err := json.Unmarshal(ev.File, &file); err != nil {
		return fmt.Errorf("parse upload file info: %w", err)
	}
	display := fmt.Sprintf("上传了文件: %s (%s)", file.Name, humanSize(file.Size))
	n.queue.enqueue(n.envelope(ctx, ev, ev.UserID, 0, display))
	return nil
}

func (n *NoticeHandler) handleGroupIncrease(ctx context.Context, ev *napcat.Event) error {
	if !n.cfg.Snapshot().Chat.GroupAllowed(ev.GroupID) {
		return nil
	}
	joined := n.memberName(ctx, ev.GroupID, ev.UserID)
	var display string
	switch ev.SubType {
	case "invite":
		display = fmt.Sprintf("邀请 %s 加入了群聊", joined)
		n.queue.enqueue(n.envelope(ctx, ev, ev.OperatorID, ev.UserID, display))
	default: // approve
		display = "加入了群聊"
		n.queue.enqueue(n.envelope(ctx, ev, ev.UserID, 0, display))
	}
	return nil
}

func (n *NoticeHandler) handleGroupDecrease(ctx context.Context, ev *napcat.Event) error {
	if !n.cfg.Snapshot().Chat.GroupAllowed(ev.GroupID) {
		return nil
	}
	switch ev.SubType {
	case "kick":
		display := fmt.Sprintf("将 %s 移出了群聊", n.memberName(ctx, ev.GroupID, ev.UserID))
		n.queue.enqueue(n.envelope(ctx, ev, ev.OperatorID, ev.UserID, display))
	case "kick_me":
		slog.Warn("removed from group", "group_id", ev.GroupID, "operator_id", ev.OperatorID)
		n.queue.enqueue(n.envelope(ctx, ev, ev.OperatorID, ev.SelfID, "将机器人移出了群聊"))
	default: // leave
		n.queue.enqueue(n.envelope(ctx, ev, ev.UserID, 0, "退出了群聊"))
	}
	return nil
}

func (n *NoticeHandler) handleGroupAdmin(ctx context.Context, ev *napcat.Event) error {
	if !n.cfg.Snapshot().Chat.GroupAllowed(ev.GroupID) {
		return nil
	}
	var display string
	if ev.SubType == "set" {
		display = "被设置为管理员"
	} else {
		display = "被取消了管理员"
	}
	n.queue.enqueue(n.envelope(ctx, ev, ev.UserID, 0, display))
	return nil
}

func (n *NoticeHandler) handleEssence(ctx context.Context, ev *napcat.Event) error {
	if !n.cfg.Snapshot().Chat.GroupAllowed(ev.GroupID) {
		return nil
	}
	var display string
	if ev.SubType == "add" {
		display = fmt.Sprintf("将消息(ID:%d)设为了精华", ev.MessageID)
	} else {
		display = fmt.Sprintf("将消息(ID:%d)移出了精华", ev.MessageID)
	}
	n.queue.enqueue(n.envelope(ctx, ev, ev.OperatorID, 0, display))
	return nil
}

func (n *NoticeHandler) handleGroupName(ctx context.Context, ev *napcat.Event) error {
	if !n.cfg.Snapshot().Chat.GroupAllowed(ev.GroupID) {
		return nil
	}
	display := fmt.Sprintf("将群名修改为 %s", ev.NameNew)
	n.queue.enqueue(n.envelope(ctx, ev, ev.UserID, 0, display))
	return nil
}

// envelope builds the canonical notice envelope. actorID names the account
// the display text speaks for; zero means the actor is unknown.
func (n *NoticeHandler) envelope(ctx context.Context, ev *napcat.Event, actorID, targetID int64, display string) protocol.MessageBase {
	platform := n.cfg.Snapshot().Core.PlatformName

	var userInfo *protocol.UserInfo
	if actorID != 0 {
		userInfo = &protocol.UserInfo{
			Platform:     platform,
			UserID:       actorID,
			UserNickname: n.memberName(ctx, ev.GroupID, actorID),
		}
	}
	var groupInfo *protocol.GroupInfo
	if ev.GroupID != 0 {
		groupInfo = n.msg.groupInfo(ctx, platform, ev.GroupID)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notice event not serializable", "error", err)
	}

	return protocol.MessageBase{
		MessageInfo: protocol.BaseMessageInfo{
			Platform:  platform,
			MessageID: protocol.MessageID("notice"),
			Time:      unixNow(),
			UserInfo:  userInfo,
			GroupInfo: groupInfo,
			FormatInfo: &protocol.FormatInfo{
				ContentFormat: notifyFormat,
				AcceptFormat:  protocol.AcceptFormat,
			},
			AdditionalConfig: map[string]any{"target_id": targetID},
		},
		MessageSegment: protocol.Seglist([]protocol.Seg{
			{Type: protocol.SegNotify, Data: display},
		}),
		RawMessage: string(raw),
	}
}

// memberName resolves a display name for a group member, falling back to a
// stranger lookup in private context and finally to the bare id.
func (n *NoticeHandler) memberName(ctx context.Context, groupID, userID int64) string {
	if userID == 0 {
		return "QQ用户"
	}
	if groupID != 0 {
		member, err := n.gateway.GetMemberInfo(ctx, groupID, userID)
		if err == nil {
			if member.Card != "" {
				return member.Card
			}
			if member.Nickname != "" {
				return member.Nickname
			}
		}
	} else {
		stranger, err := n.gateway.GetStrangerInfo(ctx, userID)
		if err == nil && stranger.Nickname != "" {
			return stranger.Nickname
		}
	}
	return fmt.Sprintf("%d", userID)
}

// reconcileStoredBans replays the persisted mute ledger at startup: expired
// mutes are lifted immediately, live ones are left for the scanner.
func (n *NoticeHandler) reconcileStoredBans(ctx context.Context) {
	recs, err := n.bans.ReadAll(ctx)
	if err != nil {
		slog.Error("cannot read mute ledger", "error", err)
		return
	}
	now := time.Now().Unix()
	live := 0
	for _, rec := range recs {
		if rec.LiftTime == store.PermanentLift || rec.LiftTime > now {
			live++
			continue
		}
		n.liftNaturally(ctx, rec)
	}
	slog.Info("mute ledger reconciled", "live", live, "lifted", len(recs)-live)
}

// runLiftScanner periodically lifts mutes whose scheduled end has passed.
func (n *NoticeHandler) runLiftScanner(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recs, err := n.bans.ReadAll(ctx)
			if err != nil {
				slog.Error("mute scan failed", "error", err)
				continue
			}
			now := time.Now().Unix()
			for _, rec := range recs {
				if rec.LiftTime == store.PermanentLift || rec.LiftTime > now {
					continue
				}
				n.liftNaturally(ctx, rec)
				select {
				case <-ctx.Done():
					return
				case <-time.After(500 * time.Millisecond):
				}
			}
		}
	}
}

// liftNaturally synthesizes the lift notice the gateway never sends for a
// mute that simply expired.
func (n *NoticeHandler) liftNaturally(ctx context.Context, rec store.BanRecord) {
	ev := &napcat.Event{
		PostType:   napcat.PostNotice,
		Time:       time.Now().Unix(),
		NoticeType: napcat.NoticeGroupBan,
		SubType:    "lift_ban",
		GroupID:    rec.GroupID,
		UserID:     rec.UserID,
	}
	if err := n.handleGroupBan(ctx, ev, true); err != nil {
		slog.Error("natural mute lift failed", "group_id", rec.GroupID, "user_id", rec.UserID, "error", err)
	}
}

func humanSize(bytes int64) string {
	switch {
	case bytes >= 1024*1024:
		return fmt.Sprintf("%.2fMB", float64(bytes)/(1024*1024))
	case bytes >= 1024:
		return fmt.Sprintf("%.2fKB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
