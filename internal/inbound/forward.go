package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

// maxForwardDepth caps nested forward recursion. Hostile payloads can nest
// forwards arbitrarily deep.
const maxForwardDepth = 16

const (
	forwardHeader = "========== 转发消息开始 ==========\n"
	forwardFooter = "========== 转发消息结束 =========="
)

// translateForward fetches a forward bundle and renders it as an indented
// text tree. Images inside are first counted: below the configured threshold
// they are downloaded and inlined, at or above it they collapse to
// placeholders so the bundle stays reviewable.
func (h *MessageHandler) translateForward(ctx context.Context, sub napcat.MessageSeg) (protocol.Seg, bool) {
	detail, err := h.gateway.GetForwardMsg(ctx, sub.Str("id"))
	if err != nil {
		slog.Error("forward bundle fetch failed", "error", err)
		return protocol.Seg{}, false
	}
	if len(detail.Messages) == 0 {
		slog.Warn("forward bundle is empty")
		return protocol.Seg{}, false
	}

	tree, imageCount := h.walkForward(detail.Messages, 0)

	threshold := h.cfg.Snapshot().Forward.ImageThreshold
	if imageCount > 0 {
		inline := imageCount < threshold
		slog.Debug("resolving forward images", "count", imageCount, "threshold", threshold, "inline", inline)
		tree = h.resolveForwardImages(ctx, tree, inline)
	}

	return protocol.Seglist([]protocol.Seg{
		protocol.Text(forwardHeader),
		tree,
		protocol.Text(forwardFooter),
	}), true
}

// walkForward renders one nesting level. Only the first segment of each
// embedded message is considered; image segments keep their URL for the
// later resolve pass and are counted.
func (h *MessageHandler) walkForward(messages []napcat.ForwardMessage, layer int) (protocol.Seg, int) {
	if layer >= maxForwardDepth {
		return protocol.Text("[嵌套过深]"), 0
	}
	prefix := strings.Repeat("--", layer)
	imageCount := 0

	segs := []protocol.Seg{protocol.Text(prefix + "\n【转发消息】\n")}
	for _, embedded := range messages {
		nickname := embedded.Sender.Nickname
		if nickname == "" {
			nickname = "QQ用户"
		}
		nameTag := fmt.Sprintf("【%s】:", nickname)
		if len(embedded.Message) == 0 {
			slog.Warn("embedded forward message is empty")
			continue
		}
		first := embedded.Message[0]

		switch first.Type {
		case "forward":
			nested, ok := decodeForwardContent(first.Data["content"])
			if !ok {
				continue
			}
			inner, count := h.walkForward(nested, layer+1)
			imageCount += count
			segs = append(segs, protocol.Seglist([]protocol.Seg{
				protocol.Text(prefix + fmt.Sprintf("【%s】: 合并转发消息内容：\n", nickname)),
				inner,
			}))

		case "text":
			segs = append(segs, protocol.Seglist([]protocol.Seg{
				protocol.Text(prefix + nameTag),
				protocol.Text(first.Str("text")),
				protocol.Text("\n"),
			}))

		case "image":
			imageCount++
			kind := protocol.SegEmoji
			if first.Int("sub_type") == 0 {
				kind = protocol.SegImage
			}
			segs = append(segs, protocol.Seglist([]protocol.Seg{
				protocol.Text(prefix + nameTag),
				{Type: kind, Data: first.Str("url")},
				protocol.Text("\n"),
			}))
		}
	}
	segs = append(segs, protocol.Text(prefix+"【转发消息结束】"))
	return protocol.Seglist(segs), imageCount
}

// resolveForwardImages rewrites the URL-bearing image/emoji leaves left by
// walkForward: inline downloads them to base64, otherwise they become text
// placeholders.
func (h *MessageHandler) resolveForwardImages(ctx context.Context, seg protocol.Seg, inline bool) protocol.Seg {
	switch seg.Type {
	case protocol.SegSeglist:
		children := seg.Segs()
		resolved := make([]protocol.Seg, 0, len(children))
		for _, child := range children {
			resolved = append(resolved, h.resolveForwardImages(ctx, child, inline))
		}
		return protocol.Seglist(resolved)

	case protocol.SegImage:
		if !inline {
			return protocol.Text("[图片]")
		}
		encoded, err := h.fetch(ctx, seg.Str())
		if err != nil {
			slog.Error("forward image download failed", "error", err)
			return protocol.Text("[图片]")
		}
		return protocol.Seg{Type: protocol.SegImage, Data: encoded}

	case protocol.SegEmoji:
		if !inline {
			return protocol.Text("[动画表情]")
		}
		encoded, err := h.fetch(ctx, seg.Str())
		if err != nil {
			slog.Error("forward emoji download failed", "error", err)
			return protocol.Text("[表情包]")
		}
		return protocol.Seg{Type: protocol.SegEmoji, Data: encoded}

	default:
		return seg
	}
}

// decodeForwardContent converts the inline content list of a nested forward
// node back into typed embedded messages.
func decodeForwardContent(content any) ([]napcat.ForwardMessage, bool) {
	if content == nil {
		return nil, false
	}
	raw, err := json.Marshal(content)
	if err != nil {
		slog.Warn("nested forward content not serializable", "error", err)
		return nil, false
	}
	var nested []napcat.ForwardMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		slog.Warn("nested forward content malformed", "error", err)
		return nil, false
	}
	return nested, true
}
