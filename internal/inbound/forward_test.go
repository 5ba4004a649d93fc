package inbound

import (
	"context"
	"strings"
	"testing"

	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

func textSeg(text string) napcat.MessageSeg {
	return napcat.MessageSeg{Type: "text", Data: map[string]any{"text": text}}
}

func imageSeg(url string, subType float64) napcat.MessageSeg {
	return napcat.MessageSeg{Type: "image", Data: map[string]any{"url": url, "sub_type": subType}}
}

func countSegs(seg protocol.Seg, segType string, payload string) int {
	n := 0
	seg.Walk(func(s protocol.Seg) bool {
		if s.Type == segType && (payload == "" || s.Str() == payload) {
			n++
		}
		return true
	})
	return n
}

func TestTranslateForward(t *testing.T) {
	bundle := &napcat.ForwardDetail{Messages: []napcat.ForwardMessage{
		{Sender: napcat.Sender{Nickname: "alice"}, Message: []napcat.MessageSeg{textSeg("first")}},
		{Sender: napcat.Sender{Nickname: "bob"}, Message: []napcat.MessageSeg{imageSeg("http://x/1.png", 0)}},
		{Sender: napcat.Sender{}, Message: []napcat.MessageSeg{imageSeg("http://x/2.png", 1)}},
	}}

	t.Run("below threshold inlines images", func(t *testing.T) {
		h, gw, _ := newTestHandler(t, "[forward]\nimage_threshold = 5\n")
		gw.forwards["f1"] = bundle

		seg, ok := h.translateForward(context.Background(), napcat.MessageSeg{
			Type: "forward", Data: map[string]any{"id": "f1"},
		})
		if !ok {
			t.Fatal("forward translation failed")
		}
		text := flatText(seg)
		if !strings.HasPrefix(text, "========== 转发消息开始 ==========\n") {
			t.Errorf("missing opening banner: %q", text)
		}
		if !strings.HasSuffix(text, "========== 转发消息结束 ==========") {
			t.Errorf("missing closing banner: %q", text)
		}
		if !strings.Contains(text, "【alice】:first") {
			t.Errorf("missing tagged text line: %q", text)
		}
		if !strings.Contains(text, "【QQ用户】:") {
			t.Errorf("missing nickname fallback: %q", text)
		}
		if got := countSegs(seg, protocol.SegImage, "QkFTRTY0"); got != 1 {
			t.Errorf("inlined images = %d, want 1", got)
		}
		if got := countSegs(seg, protocol.SegEmoji, "QkFTRTY0"); got != 1 {
			t.Errorf("inlined emojis = %d, want 1", got)
		}
	})

	t.Run("at threshold collapses to placeholders", func(t *testing.T) {
		h, gw, _ := newTestHandler(t, "[forward]\nimage_threshold = 2\n")
		gw.forwards["f1"] = bundle

		seg, ok := h.translateForward(context.Background(), napcat.MessageSeg{
			Type: "forward", Data: map[string]any{"id": "f1"},
		})
		if !ok {
			t.Fatal("forward translation failed")
		}
		if got := countSegs(seg, protocol.SegImage, ""); got != 0 {
			t.Errorf("image segs survived: %d", got)
		}
		text := flatText(seg)
		if !strings.Contains(text, "[图片]") {
			t.Errorf("missing image placeholder: %q", text)
		}
		if !strings.Contains(text, "[动画表情]") {
			t.Errorf("missing emoji placeholder: %q", text)
		}
	})

	t.Run("empty bundle is rejected", func(t *testing.T) {
		h, gw, _ := newTestHandler(t, "")
		gw.forwards["f1"] = &napcat.ForwardDetail{}
		if _, ok := h.translateForward(context.Background(), napcat.MessageSeg{
			Type: "forward", Data: map[string]any{"id": "f1"},
		}); ok {
			t.Fatal("empty bundle accepted")
		}
	})
}

func TestWalkForward_Nesting(t *testing.T) {
	h, _, _ := newTestHandler(t, "")

	inner := []any{
		map[string]any{
			"sender":  map[string]any{"nickname": "carol"},
			"message": []any{map[string]any{"type": "text", "data": map[string]any{"text": "deep"}}},
		},
	}
	messages := []napcat.ForwardMessage{{
		Sender: napcat.Sender{Nickname: "alice"},
		Message: []napcat.MessageSeg{{
			Type: "forward",
			Data: map[string]any{"content": inner},
		}},
	}}

	seg, images := h.walkForward(messages, 0)
	if images != 0 {
		t.Errorf("image count = %d", images)
	}
	text := flatText(seg)
	if !strings.Contains(text, "【alice】: 合并转发消息内容：") {
		t.Errorf("missing nested header: %q", text)
	}
	if !strings.Contains(text, "--【carol】:deep") {
		t.Errorf("missing indented inner line: %q", text)
	}
	if strings.Count(text, "【转发消息结束】") != 2 {
		t.Errorf("level close markers = %d, want 2", strings.Count(text, "【转发消息结束】"))
	}
}

func TestWalkForward_DepthCap(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	seg, _ := h.walkForward([]napcat.ForwardMessage{
		{Sender: napcat.Sender{Nickname: "a"}, Message: []napcat.MessageSeg{textSeg("x")}},
	}, maxForwardDepth)
	if flatText(seg) != "[嵌套过深]" {
		t.Errorf("depth cap text = %q", flatText(seg))
	}
}
