package inbound

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

type memberKey struct {
	groupID int64
	userID  int64
}

type fakeGateway struct {
	self     *napcat.LoginInfo
	groups   map[int64]*napcat.GroupInfo
	members  map[memberKey]*napcat.MemberInfo
	msgs     map[int64]*napcat.MsgDetail
	records  map[string]*napcat.RecordDetail
	forwards map[string]*napcat.ForwardDetail
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		self:     &napcat.LoginInfo{UserID: 10000, Nickname: "bot"},
		groups:   make(map[int64]*napcat.GroupInfo),
		members:  make(map[memberKey]*napcat.MemberInfo),
		msgs:     make(map[int64]*napcat.MsgDetail),
		records:  make(map[string]*napcat.RecordDetail),
		forwards: make(map[string]*napcat.ForwardDetail),
	}
}

func (f *fakeGateway) GetGroupInfo(_ context.Context, groupID int64) (*napcat.GroupInfo, error) {
	if g, ok := f.groups[groupID]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("no group %d", groupID)
}

func (f *fakeGateway) GetMemberInfo(_ context.Context, groupID, userID int64) (*napcat.MemberInfo, error) {
	if m, ok := f.members[memberKey{groupID, userID}]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no member %d in %d", userID, groupID)
}

func (f *fakeGateway) GetSelfInfo(context.Context) (*napcat.LoginInfo, error) {
	return f.self, nil
}

func (f *fakeGateway) GetStrangerInfo(_ context.Context, userID int64) (*napcat.StrangerInfo, error) {
	return nil, fmt.Errorf("no stranger %d", userID)
}

func (f *fakeGateway) GetMsg(_ context.Context, messageID int64) (*napcat.MsgDetail, error) {
	if m, ok := f.msgs[messageID]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no message %d", messageID)
}

func (f *fakeGateway) GetRecordDetail(_ context.Context, file string) (*napcat.RecordDetail, error) {
	if r, ok := f.records[file]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("no record %s", file)
}

func (f *fakeGateway) GetForwardMsg(_ context.Context, forwardID string) (*napcat.ForwardDetail, error) {
	if d, ok := f.forwards[forwardID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("no forward %s", forwardID)
}

type fakeSender struct {
	messages []protocol.MessageBase
	custom   []any
	fail     error
}

func (f *fakeSender) SendMessage(_ context.Context, msg protocol.MessageBase) error {
	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSender) SendCustom(_ context.Context, payload any) error {
	if f.fail != nil {
		return f.fail
	}
	f.custom = append(f.custom, payload)
	return nil
}

func newTestManager(t *testing.T, body string) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m := config.NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	return m
}

func newTestHandler(t *testing.T, body string) (*MessageHandler, *fakeGateway, *fakeSender) {
	t.Helper()
	gw := newFakeGateway()
	sender := &fakeSender{}
	h := NewMessageHandler(newTestManager(t, body), gw, sender)
	h.fetch = func(context.Context, string) (string, error) { return "QkFTRTY0", nil }
	return h, gw, sender
}

func groupEvent(segs ...napcat.MessageSeg) *napcat.Event {
	return &napcat.Event{
		PostType:    napcat.PostMessage,
		SelfID:      10000,
		MessageType: "group",
		SubType:     "normal",
		MessageID:   555,
		GroupID:     42,
		Sender:      &napcat.Sender{UserID: 7, Nickname: "alice"},
		Message:     segs,
		RawMessage:  "raw",
	}
}

func flatText(seg protocol.Seg) string {
	var sb strings.Builder
	seg.Walk(func(s protocol.Seg) bool {
		if s.Type == protocol.SegText || s.Type == protocol.SegNotify {
			sb.WriteString(s.Str())
		}
		return true
	})
	return sb.String()
}

func TestAllowChat(t *testing.T) {
	ctx := context.Background()

	t.Run("group blacklist drops listed group", func(t *testing.T) {
		h, _, _ := newTestHandler(t, "[chat]\ngroup_list_type = \"blacklist\"\ngroup_list = [42]\n")
		if h.AllowChat(ctx, 7, 42, false, false) {
			t.Fatal("blacklisted group allowed")
		}
		if !h.AllowChat(ctx, 7, 43, false, false) {
			t.Fatal("unlisted group dropped")
		}
	})

	t.Run("group whitelist drops unlisted group", func(t *testing.T) {
		h, _, _ := newTestHandler(t, "[chat]\ngroup_list_type = \"whitelist\"\ngroup_list = [42]\n")
		if !h.AllowChat(ctx, 7, 42, false, false) {
			t.Fatal("whitelisted group dropped")
		}
		if h.AllowChat(ctx, 7, 43, false, false) {
			t.Fatal("unlisted group allowed")
		}
	})

	t.Run("private whitelist", func(t *testing.T) {
		h, _, _ := newTestHandler(t, "[chat]\nprivate_list_type = \"whitelist\"\nprivate_list = [7]\n")
		if !h.AllowChat(ctx, 7, 0, false, false) {
			t.Fatal("whitelisted user dropped")
		}
		if h.AllowChat(ctx, 8, 0, false, false) {
			t.Fatal("unlisted user allowed")
		}
	})

	t.Run("global ban list", func(t *testing.T) {
		h, _, _ := newTestHandler(t, "[chat]\nban_user_id = [7]\n")
		if h.AllowChat(ctx, 7, 42, false, false) {
			t.Fatal("banned user allowed")
		}
		if !h.AllowChat(ctx, 7, 42, false, true) {
			t.Fatal("ignoreGlobal did not bypass the ban list")
		}
	})

	t.Run("official robot intercepted and cached", func(t *testing.T) {
		h, gw, _ := newTestHandler(t, "[chat]\nban_qq_bot = true\n")
		gw.members[memberKey{42, 7}] = &napcat.MemberInfo{UserID: 7, IsRobot: true}
		if h.AllowChat(ctx, 7, 42, false, false) {
			t.Fatal("robot allowed")
		}
		// Second check must hit the cache, not the gateway.
		delete(gw.members, memberKey{42, 7})
		if h.AllowChat(ctx, 7, 42, false, false) {
			t.Fatal("robot allowed on cached check")
		}
		if !h.AllowChat(ctx, 7, 42, true, false) {
			t.Fatal("ignoreBot did not bypass the robot filter")
		}
	})

	t.Run("unresolvable member assumed human", func(t *testing.T) {
		h, _, _ := newTestHandler(t, "[chat]\nban_qq_bot = true\n")
		if !h.AllowChat(ctx, 9, 42, false, false) {
			t.Fatal("lookup failure dropped the message")
		}
	})
}

func TestHandleMessage_Text(t *testing.T) {
	h, gw, sender := newTestHandler(t, "")
	gw.groups[42] = &napcat.GroupInfo{GroupID: 42, GroupName: "testers"}

	ev := groupEvent(napcat.MessageSeg{Type: "text", Data: map[string]any{"text": "hello"}})
	if err := h.HandleMessage(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.messages))
	}
	msg := sender.messages[0]
	if string(msg.MessageInfo.MessageID) != "555" {
		t.Errorf("message id = %q", msg.MessageInfo.MessageID)
	}
	if msg.MessageInfo.GroupInfo == nil || msg.MessageInfo.GroupInfo.GroupName != "testers" {
		t.Errorf("group info = %+v", msg.MessageInfo.GroupInfo)
	}
	if got := flatText(msg.MessageSegment); got != "hello" {
		t.Errorf("text = %q", got)
	}
	if msg.RawMessage != "raw" {
		t.Errorf("raw message = %q", msg.RawMessage)
	}
}

func TestHandleMessage_VoiceOnly(t *testing.T) {
	h, gw, sender := newTestHandler(t, "")
	gw.records["v.amr"] = &napcat.RecordDetail{File: "v.amr", Base64: "QVVESU8="}

	ev := groupEvent(
		napcat.MessageSeg{Type: "text", Data: map[string]any{"text": "before"}},
		napcat.MessageSeg{Type: "record", Data: map[string]any{"file": "v.amr"}},
		napcat.MessageSeg{Type: "text", Data: map[string]any{"text": "after"}},
	)
	if err := h.HandleMessage(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.messages))
	}
	segs := sender.messages[0].MessageSegment.Segs()
	if len(segs) != 1 || segs[0].Type != protocol.SegVoice {
		t.Fatalf("voice message not voice-only: %+v", segs)
	}
	if segs[0].Str() != "QVVESU8=" {
		t.Errorf("voice payload = %q", segs[0].Str())
	}
}

func TestHandleMessage_TTSFlag(t *testing.T) {
	h, _, sender := newTestHandler(t, "[voice]\nuse_tts = true\n")
	ev := groupEvent(napcat.MessageSeg{Type: "text", Data: map[string]any{"text": "hi"}})
	if err := h.HandleMessage(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	additional := sender.messages[0].MessageInfo.AdditionalConfig
	if allow, _ := additional["allow_tts"].(bool); !allow {
		t.Error("allow_tts not set")
	}
}

func TestTranslateImage(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	ctx := context.Background()

	cases := []struct {
		subType  any
		wantType string
		wantOK   bool
	}{
		{float64(0), protocol.SegImage, true},
		{float64(1), protocol.SegEmoji, true},
		{float64(4), "", false},
		{float64(9), "", false},
	}
	for _, tc := range cases {
		seg, ok := h.translateImage(ctx, napcat.MessageSeg{
			Type: "image",
			Data: map[string]any{"url": "http://x/img", "sub_type": tc.subType},
		})
		if ok != tc.wantOK {
			t.Errorf("sub_type %v: ok = %v, want %v", tc.subType, ok, tc.wantOK)
			continue
		}
		if ok && seg.Type != tc.wantType {
			t.Errorf("sub_type %v: type = %q, want %q", tc.subType, seg.Type, tc.wantType)
		}
	}
}

func TestTranslateReply(t *testing.T) {
	h, gw, sender := newTestHandler(t, "")
	gw.msgs[999] = &napcat.MsgDetail{
		MessageID: 999,
		Sender:    napcat.Sender{UserID: 3, Nickname: "bob"},
		Message:   []napcat.MessageSeg{{Type: "text", Data: map[string]any{"text": "quoted words"}}},
	}

	ev := groupEvent(
		napcat.MessageSeg{Type: "reply", Data: map[string]any{"id": "999"}},
		napcat.MessageSeg{Type: "text", Data: map[string]any{"text": "my answer"}},
	)
	if err := h.HandleMessage(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	msg := sender.messages[0]
	text := flatText(msg.MessageSegment)
	want := "[回复<bob:3>：quoted words]，说：my answer"
	if text != want {
		t.Errorf("rendered reply = %q, want %q", text, want)
	}
	if id, _ := msg.MessageInfo.AdditionalConfig["reply_message_id"].(int64); id != 999 {
		t.Errorf("reply_message_id = %v", msg.MessageInfo.AdditionalConfig["reply_message_id"])
	}
}

func TestTranslateAt(t *testing.T) {
	h, gw, _ := newTestHandler(t, "")
	gw.members[memberKey{42, 8}] = &napcat.MemberInfo{UserID: 8, Nickname: "carol"}
	ctx := context.Background()

	t.Run("other member", func(t *testing.T) {
		seg, ok := h.translateAt(ctx, napcat.MessageSeg{Type: "at", Data: map[string]any{"qq": "8"}}, 10000, 42)
		if !ok || seg.Str() != "@<carol:8>" {
			t.Fatalf("at = %q ok=%v", seg.Str(), ok)
		}
	})
	t.Run("self", func(t *testing.T) {
		seg, ok := h.translateAt(ctx, napcat.MessageSeg{Type: "at", Data: map[string]any{"qq": "10000"}}, 10000, 42)
		if !ok || seg.Str() != "@<bot:10000>" {
			t.Fatalf("self at = %q ok=%v", seg.Str(), ok)
		}
	})
}

func TestFaceTable(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	seg, ok := h.translateFace(napcat.MessageSeg{Type: "face", Data: map[string]any{"id": "182"}})
	if !ok || seg.Str() != "[笑哭]" {
		t.Fatalf("face 182 = %q ok=%v", seg.Str(), ok)
	}
	if _, ok := h.translateFace(napcat.MessageSeg{Type: "face", Data: map[string]any{"id": "99999"}}); ok {
		t.Fatal("unknown face id was not dropped")
	}
}

func TestTranslateFile(t *testing.T) {
	seg, ok := translateFile(napcat.MessageSeg{Type: "file", Data: map[string]any{
		"file": "doc.pdf", "file_size": "2048", "url": "http://x/doc.pdf",
	}})
	if !ok {
		t.Fatal("file segment dropped")
	}
	want := "[文件: doc.pdf, 大小: 2048字节]\n文件链接: http://x/doc.pdf"
	if seg.Str() != want {
		t.Errorf("file text = %q", seg.Str())
	}

	seg, _ = translateFile(napcat.MessageSeg{Type: "file", Data: map[string]any{"file": "doc.pdf"}})
	if !strings.Contains(seg.Str(), "未知大小") {
		t.Errorf("missing size fallback: %q", seg.Str())
	}
}
