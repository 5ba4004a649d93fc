package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

// ActionCaller issues echo-correlated gateway actions. *napcat.Caller
// satisfies it.
type ActionCaller interface {
	Call(ctx context.Context, action string, params any) (*napcat.Response, error)
}

// CoreNotifier pushes out-of-band payloads back to the core service.
type CoreNotifier interface {
	SendCustom(ctx context.Context, payload any) error
}

// SendHandler renders core envelopes into gateway send actions.
type SendHandler struct {
	cfg      *config.Manager
	gateway  ActionCaller
	notifier CoreNotifier
	commands *CommandDispatcher
}

func NewSendHandler(cfg *config.Manager, gateway ActionCaller, notifier CoreNotifier) *SendHandler {
	return &SendHandler{
		cfg:      cfg,
		gateway:  gateway,
		notifier: notifier,
		commands: NewCommandDispatcher(gateway, notifier),
	}
}

// HandleOutgoing processes one envelope from the core: command envelopes go
// to the dispatcher, everything else is rendered and sent as a chat message.
func (s *SendHandler) HandleOutgoing(ctx context.Context, msg protocol.MessageBase) error {
	if root := msg.MessageSegment; root.Type == protocol.SegCommand {
		return s.commands.Dispatch(ctx, msg)
	}
	for _, child := range msg.MessageSegment.Segs() {
		if child.Type == protocol.SegCommand {
			return s.commands.Dispatch(ctx, msg)
		}
	}

	groupID, userID, err := sendTarget(msg)
	if err != nil {
		return err
	}

	if nodes, ok := s.forwardNodes(msg.MessageSegment); ok {
		return s.sendForward(ctx, groupID, userID, nodes)
	}

	payload, err := s.renderSegments(ctx, msg)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		slog.Warn("outgoing message empty after rendering", "message_id", msg.MessageInfo.MessageID)
		return nil
	}

	action := "send_private_msg"
	params := map[string]any{"user_id": userID, "message": payload}
	if groupID != 0 {
		action = "send_group_msg"
		params = map[string]any{"group_id": groupID, "message": payload}
	}
	resp, err := s.gateway.Call(ctx, action, params)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s: gateway returned %s (retcode %d): %s", action, resp.Status, resp.RetCode, resp.Message)
	}

	s.confirmSent(ctx, msg, resp)
	return nil
}

// confirmSent notifies the core of the gateway message id assigned to an
// envelope it asked us to send. Failures only log; the message is already out.
func (s *SendHandler) confirmSent(ctx context.Context, msg protocol.MessageBase, resp *napcat.Response) {
	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := resp.Decode(&sent); err != nil {
		slog.Warn("send response carries no message id", "error", err)
		return
	}
	payload := map[string]any{
		"type": "message_sent_back",
		"data": map[string]any{
			"raw_message_base": msg,
			"qq_message_id":    sent.MessageID,
		},
	}
	if err := s.notifier.SendCustom(ctx, payload); err != nil {
		slog.Warn("cannot confirm sent message to core", "error", err)
	}
}

// sendTarget resolves where an envelope goes. Group wins over user when both
// are present.
func sendTarget(msg protocol.MessageBase) (groupID, userID int64, err error) {
	info := msg.MessageInfo
	if info.GroupInfo != nil && info.GroupInfo.GroupID != 0 {
		return info.GroupInfo.GroupID, 0, nil
	}
	if info.UserInfo != nil && info.UserInfo.UserID != 0 {
		return 0, info.UserInfo.UserID, nil
	}
	return 0, 0, fmt.Errorf("outgoing message %s has no target", info.MessageID)
}

// renderSegments flattens the envelope's segment tree into the gateway's
// message array. A reply segment always lands at the head; when several are
// present the last one wins.
func (s *SendHandler) renderSegments(ctx context.Context, msg protocol.MessageBase) ([]map[string]any, error) {
	var out []map[string]any
	replyID := ""

	var walk func(seg protocol.Seg)
	walk = func(seg protocol.Seg) {
		switch seg.Type {
		case protocol.SegSeglist:
			for _, child := range seg.Segs() {
				walk(child)
			}

		case protocol.SegReply:
			if seg.Str() == protocol.NoticeMessageID {
				slog.Debug("reply to a synthesized notice skipped")
				return
			}
			replyID = seg.Str()

		case protocol.SegText:
			if seg.Str() == "" {
				return
			}
			out = append(out, segMap("text", map[string]any{"text": seg.Str()}))

		case protocol.SegFace:
			id, ok := segInt64(seg)
			if !ok {
				slog.Warn("face segment without a usable id", "data", seg.Data)
				return
			}
			out = append(out, segMap("face", map[string]any{"id": id}))

		case protocol.SegImage:
			out = append(out, segMap("image", map[string]any{
				"file":     "base64://" + seg.Str(),
				"sub_type": 0,
			}))

		case protocol.SegEmoji:
			encoded, err := s.emojiAsGIF(seg.Str())
			if err != nil {
				slog.Error("emoji conversion failed, dropping segment", "error", err)
				return
			}
			out = append(out, segMap("image", map[string]any{
				"file":     "base64://" + encoded,
				"sub_type": 1,
				"summary":  "[动画表情]",
			}))

		case protocol.SegVoice:
			if !s.cfg.Snapshot().Voice.UseTTS {
				slog.Warn("voice segment dropped, tts disabled")
				return
			}
			out = append(out, segMap("record", map[string]any{"file": "base64://" + seg.Str()}))

		case protocol.SegVoiceURL:
			out = append(out, segMap("record", map[string]any{"file": seg.Str()}))

		case protocol.SegVideo:
			out = append(out, segMap("video", map[string]any{"file": "base64://" + seg.Str()}))

		case protocol.SegVideoURL:
			out = append(out, segMap("video", map[string]any{"file": seg.Str()}))

		case protocol.SegImageURL:
			out = append(out, segMap("image", map[string]any{"file": seg.Str()}))

		case protocol.SegMusic:
			if m := renderMusic(seg); m != nil {
				out = append(out, m)
			}

		case protocol.SegFile:
			if m := renderFile(seg); m != nil {
				out = append(out, m)
			}

		default:
			slog.Warn("unsupported outgoing segment dropped", "type", seg.Type)
		}
	}
	walk(msg.MessageSegment)

	if replyID != "" {
		head := []map[string]any{segMap("reply", map[string]any{"id": replyID})}
		out = append(head, out...)
	}
	return out, nil
}

func segMap(segType string, data map[string]any) map[string]any {
	return map[string]any{"type": segType, "data": data}
}

// segInt64 reads a numeric leaf. The core emits ids both as JSON numbers
// and as strings; the gateway wants an int either way.
func segInt64(seg protocol.Seg) (int64, bool) {
	switch v := seg.Data.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// renderMusic accepts either a bare song id (treated as a netease id) or an
// object naming the platform.
func renderMusic(seg protocol.Seg) map[string]any {
	switch data := seg.Data.(type) {
	case string:
		return segMap("music", map[string]any{"type": "163", "id": data})
	case map[string]any:
		kind, _ := data["type"].(string)
		if kind != "163" && kind != "qq" {
			slog.Warn("unsupported music platform", "type", kind)
			return nil
		}
		return segMap("music", map[string]any{"type": kind, "id": data["id"]})
	default:
		slog.Warn("malformed music segment")
		return nil
	}
}

// renderFile sends a local path or URL as a file upload. Bare strings are
// local paths; objects may name the file and a thumbnail.
func renderFile(seg protocol.Seg) map[string]any {
	switch data := seg.Data.(type) {
	case string:
		if data == "" {
			return nil
		}
		return segMap("file", map[string]any{"file": withFileScheme(data)})
	case map[string]any:
		ref, _ := data["file"].(string)
		if ref == "" {
			ref, _ = data["path"].(string)
		}
		if ref == "" {
			ref, _ = data["url"].(string)
		}
		if ref == "" {
			slog.Warn("file segment names no file")
			return nil
		}
		payload := map[string]any{"file": withFileScheme(ref)}
		if name, _ := data["name"].(string); name != "" {
			payload["name"] = name
		}
		if thumb, _ := data["thumb"].(string); thumb != "" {
			payload["thumb"] = thumb
		}
		return segMap("file", payload)
	default:
		slog.Warn("malformed file segment")
		return nil
	}
}

// withFileScheme leaves already-schemed references alone and marks bare
// paths as local files.
func withFileScheme(ref string) string {
	for _, prefix := range []string{"file://", "http://", "https://", "base64://"} {
		if strings.HasPrefix(ref, prefix) {
			return ref
		}
	}
	return "file://" + ref
}

// emojiAsGIF re-encodes a base64 emoji as GIF unless it already is one.
// Stickers sent as static formats otherwise render as plain images.
func (s *SendHandler) emojiAsGIF(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode emoji: %w", err)
	}
	if http.DetectContentType(raw) == "image/gif" {
		return encoded, nil
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode emoji image: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.GIF); err != nil {
		return "", fmt.Errorf("encode emoji gif: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// forwardNodes extracts a forward bundle from the envelope. A forward
// segment is exclusive: when present, nothing else in the envelope is sent.
func (s *SendHandler) forwardNodes(root protocol.Seg) ([]map[string]any, bool) {
	var forward *protocol.Seg
	root.Walk(func(seg protocol.Seg) bool {
		if seg.Type == protocol.SegForward && forward == nil {
			f := seg
			forward = &f
			return false
		}
		return true
	})
	if forward == nil {
		return nil, false
	}

	var nodes []map[string]any
	for _, embedded := range forward.Forward() {
		// An id-only entry references an existing gateway message.
		if embedded.MessageSegment.Type == protocol.SegID {
			nodes = append(nodes, segMap("node", map[string]any{"id": embedded.MessageSegment.Str()}))
			continue
		}
		nickname := "QQ用户"
		var uin int64
		if embedded.MessageInfo.UserInfo != nil {
			if embedded.MessageInfo.UserInfo.UserNickname != "" {
				nickname = embedded.MessageInfo.UserInfo.UserNickname
			}
			uin = embedded.MessageInfo.UserInfo.UserID
		}
		content, err := s.renderSegments(context.Background(), embedded)
		if err != nil || len(content) == 0 {
			slog.Warn("forward node rendered empty, skipping")
			continue
		}
		nodes = append(nodes, segMap("node", map[string]any{
			"name":    nickname,
			"uin":     uin,
			"content": content,
		}))
	}
	return nodes, true
}

func (s *SendHandler) sendForward(ctx context.Context, groupID, userID int64, nodes []map[string]any) error {
	if len(nodes) == 0 {
		slog.Warn("forward bundle rendered no nodes")
		return nil
	}
	action := "send_private_forward_msg"
	params := map[string]any{"user_id": userID, "messages": nodes}
	if groupID != 0 {
		action = "send_group_forward_msg"
		params = map[string]any{"group_id": groupID, "messages": nodes}
	}
	resp, err := s.gateway.Call(ctx, action, params)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s: gateway returned %s (retcode %d): %s", action, resp.Status, resp.RetCode, resp.Message)
	}
	return nil
}
