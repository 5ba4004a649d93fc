package inbound

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

// translateCard unpacks a JSON card segment (mini programs, shares, group
// announcements and so on) into text plus optional preview images. Unknown
// card kinds fall back to the card's own prompt string.
func (h *MessageHandler) translateCard(ctx context.Context, sub napcat.MessageSeg) []protocol.Seg {
	payload := sub.Str("data")
	if payload == "" {
		slog.Warn("card segment carries no data")
		return nil
	}
	card := gjson.Parse(payload)
	if !card.IsObject() {
		slog.Warn("card payload is not a JSON object")
		return []protocol.Seg{protocol.Text("[卡片消息]")}
	}

	app := card.Get("app").String()
	meta := card.Get("meta")

	switch app {
	case "com.tencent.mannounce":
		return translateAnnouncement(meta)

	case "com.tencent.music.lua", "com.tencent.structmsg":
		if segs := translateMusicCard(meta); segs != nil {
			return segs
		}

	case "com.tencent.miniapp_01":
		if segs := h.translateMiniappCard(ctx, meta); segs != nil {
			return segs
		}

	case "com.tencent.giftmall.giftark":
		if gift := meta.Get("giftark"); gift.Exists() {
			name := gift.Get("title").String()
			if name == "" {
				name = "礼物"
			}
			text := fmt.Sprintf("[赠送礼物: %s]", name)
			if desc := gift.Get("desc").String(); desc != "" {
				text += "\n" + desc
			}
			return []protocol.Seg{protocol.Text(text)}
		}

	case "com.tencent.contact.lua":
		return translateContactCard(meta, "未知联系人", "推荐联系人")

	case "com.tencent.troopsharecard":
		return translateContactCard(meta, "未知群聊", "推荐群聊")

	case "com.tencent.tuwen.lua":
		news := meta.Get("news")
		title := stringOr(news.Get("title"), "未知标题")
		desc := strings.TrimSpace(strings.ReplaceAll(news.Get("desc").String(), "[图片]", ""))
		tag := stringOr(news.Get("tag"), "图文分享")
		title = trimTagPrefix(title, tag)
		segs := []protocol.Seg{protocol.Text(fmt.Sprintf("[%s] %s:%s", tag, title, desc))}
		return h.appendPreview(ctx, segs, news.Get("preview").String())

	case "com.tencent.feed.lua":
		feed := meta.Get("feed")
		title := stringOr(feed.Get("title"), "群相册")
		tag := stringOr(feed.Get("tagName"), "群相册")
		title = trimTagPrefix(title, tag)
		desc := feed.Get("forwardMessage").String()
		segs := []protocol.Seg{protocol.Text(fmt.Sprintf("[%s] %s:%s", tag, title, desc))}
		return h.appendPreview(ctx, segs, feed.Get("cover").String())

	case "com.tencent.template.qqfavorite.share":
		news := meta.Get("news")
		desc := strings.TrimSpace(strings.ReplaceAll(news.Get("desc").String(), "[图片]", ""))
		tag := stringOr(news.Get("tag"), "QQ收藏")
		segs := []protocol.Seg{protocol.Text(fmt.Sprintf("[%s] %s", tag, desc))}
		return h.appendPreview(ctx, segs, news.Get("preview").String())

	case "com.tencent.miniapp.lua":
		mini := meta.Get("miniapp")
		title := stringOr(mini.Get("title"), "未知标题")
		tag := stringOr(mini.Get("tag"), "QQ空间")
		segs := []protocol.Seg{protocol.Text(fmt.Sprintf("[%s] %s", tag, title))}
		return h.appendPreview(ctx, segs, mini.Get("preview").String())

	case "com.tencent.forum":
		if segs := h.translateForumCard(ctx, meta); segs != nil {
			return segs
		}

	case "com.tencent.map":
		loc := meta.Get("Location\\.Search")
		name := stringOr(loc.Get("name"), "未知地点")
		address := loc.Get("address").String()
		return []protocol.Seg{protocol.Text(fmt.Sprintf("[位置] %s · %s", address, name))}

	case "com.tencent.together":
		invite := meta.Get("invite")
		title := stringOr(invite.Get("title"), "一起听歌")
		return []protocol.Seg{protocol.Text(fmt.Sprintf("[%s] %s", title, invite.Get("summary").String()))}
	}

	prompt := card.Get("prompt").String()
	if prompt == "" {
		prompt = "[卡片消息]"
	}
	return []protocol.Seg{protocol.Text(prompt)}
}

// translateAnnouncement renders a group announcement. Title and body may be
// base64 encoded; the image URLs are encrypted and cannot be fetched.
func translateAnnouncement(meta gjson.Result) []protocol.Seg {
	ann := meta.Get("mannounce")
	title := ann.Get("title").String()
	text := ann.Get("text").String()
	if ann.Get("encode").Int() == 1 {
		title = decodeBase64Text(title)
		text = decodeBase64Text(text)
	}
	var content string
	switch {
	case title != "" && text != "":
		content = fmt.Sprintf("[%s]:%s", title, text)
	case title != "":
		content = fmt.Sprintf("[%s]", title)
	case text != "":
		content = text
	default:
		content = "[群公告]"
	}
	return []protocol.Seg{protocol.Text(content)}
}

func translateMusicCard(meta gjson.Result) []protocol.Seg {
	music := meta.Get("music")
	if !music.Exists() {
		return nil
	}
	singer := music.Get("desc").String()
	if singer == "" {
		singer = music.Get("singer").String()
	}
	jumpURL := music.Get("jumpUrl").String()
	if jumpURL == "" {
		jumpURL = music.Get("jump_url").String()
	}
	musicURL := music.Get("musicUrl").String()
	if musicURL == "" {
		musicURL = music.Get("music_url").String()
	}
	return []protocol.Seg{{Type: protocol.SegMusicCard, Data: map[string]any{
		"title":     music.Get("title").String(),
		"singer":    singer,
		"jump_url":  jumpURL,
		"music_url": musicURL,
		"tag":       music.Get("tag").String(),
		"preview":   music.Get("preview").String(),
	}}}
}

func (h *MessageHandler) translateMiniappCard(ctx context.Context, meta gjson.Result) []protocol.Seg {
	detail := meta.Get("detail_1")
	if !detail.Exists() {
		return nil
	}
	segs := []protocol.Seg{{Type: protocol.SegMiniappCard, Data: map[string]any{
		"title":      detail.Get("title").String(),
		"desc":       detail.Get("desc").String(),
		"url":        detail.Get("url").String(),
		"source_url": detail.Get("qqdocurl").String(),
		"preview":    detail.Get("preview").String(),
		"icon":       detail.Get("icon").String(),
	}}}
	return h.appendPreview(ctx, segs, detail.Get("preview").String())
}

func translateContactCard(meta gjson.Result, defaultName, defaultTag string) []protocol.Seg {
	contact := meta.Get("contact")
	name := stringOr(contact.Get("nickname"), defaultName)
	tag := stringOr(contact.Get("tag"), defaultTag)
	return []protocol.Seg{protocol.Text(fmt.Sprintf("[%s] %s", tag, name))}
}

// translateForumCard renders a channel post share: guild, poster, title,
// inline reaction faces, and the post's images.
func (h *MessageHandler) translateForumCard(ctx context.Context, meta gjson.Result) []protocol.Seg {
	detail := meta.Get("detail")
	if !detail.Exists() {
		return nil
	}
	feed := detail.Get("feed")
	guild := detail.Get("channel_info.guild_name").String()
	nick := stringOr(detail.Get("poster.nick"), "QQ用户")
	title := stringOr(feed.Get("title.contents.0.text_content.text"), "帖子")

	var faces strings.Builder
	feed.Get("contents.contents").ForEach(func(_, item gjson.Result) bool {
		if id := item.Get("emoji_content.id").String(); id != "" {
			faces.WriteString(qqFace[id])
		}
		return true
	})

	segs := []protocol.Seg{protocol.Text(fmt.Sprintf("[频道帖子] [%s]%s:%s%s", guild, nick, title, faces.String()))}
	feed.Get("images").ForEach(func(_, img gjson.Result) bool {
		segs = h.appendPreview(ctx, segs, img.Get("pic_url").String())
		return true
	})
	return segs
}

// appendPreview downloads an optional preview image and appends it as an
// image seg. Download failures only log; the textual part stands alone.
func (h *MessageHandler) appendPreview(ctx context.Context, segs []protocol.Seg, url string) []protocol.Seg {
	if url == "" {
		return segs
	}
	encoded, err := h.fetch(ctx, url)
	if err != nil {
		slog.Error("card preview download failed", "error", err)
		return segs
	}
	return append(segs, protocol.Seg{Type: protocol.SegImage, Data: encoded})
}

func decodeBase64Text(s string) string {
	if s == "" {
		return s
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		slog.Warn("announcement base64 decode failed", "error", err)
		return s
	}
	return string(decoded)
}

func stringOr(r gjson.Result, fallback string) string {
	if s := r.String(); s != "" {
		return s
	}
	return fallback
}

func trimTagPrefix(title, tag string) string {
	if tag == "" || title == "" || !strings.Contains(title, tag) {
		return title
	}
	return strings.Trim(strings.Replace(title, tag, "", 1), "：: -— ")
}
