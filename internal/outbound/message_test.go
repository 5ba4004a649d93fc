package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

type recordedCall struct {
	action string
	params any
}

type fakeCaller struct {
	calls []recordedCall
	resp  *napcat.Response
	err   error
}

func (f *fakeCaller) Call(_ context.Context, action string, params any) (*napcat.Response, error) {
	f.calls = append(f.calls, recordedCall{action: action, params: params})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &napcat.Response{Status: "ok", Data: json.RawMessage(`{"message_id": 777}`)}, nil
}

type fakeNotifier struct {
	payloads []any
}

func (f *fakeNotifier) SendCustom(_ context.Context, payload any) error {
	f.payloads = append(f.payloads, payload)
	return nil
}

func newTestSendHandler(t *testing.T, body string) (*SendHandler, *fakeCaller, *fakeNotifier) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr := config.NewManager(path)
	if err := mgr.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	caller := &fakeCaller{}
	notifier := &fakeNotifier{}
	return NewSendHandler(mgr, caller, notifier), caller, notifier
}

func groupEnvelope(seg protocol.Seg) protocol.MessageBase {
	return protocol.MessageBase{
		MessageInfo: protocol.BaseMessageInfo{
			Platform:  "qq",
			MessageID: protocol.MessageID("1"),
			GroupInfo: &protocol.GroupInfo{Platform: "qq", GroupID: 42},
		},
		MessageSegment: seg,
	}
}

func privateEnvelope(seg protocol.Seg) protocol.MessageBase {
	return protocol.MessageBase{
		MessageInfo: protocol.BaseMessageInfo{
			Platform:  "qq",
			MessageID: protocol.MessageID("2"),
			UserInfo:  &protocol.UserInfo{Platform: "qq", UserID: 7},
		},
		MessageSegment: seg,
	}
}

func paramsOf(t *testing.T, call recordedCall) map[string]any {
	t.Helper()
	params, ok := call.params.(map[string]any)
	if !ok {
		t.Fatalf("params are %T", call.params)
	}
	return params
}

func messageArray(t *testing.T, call recordedCall) []map[string]any {
	t.Helper()
	msg, ok := paramsOf(t, call)["message"].([]map[string]any)
	if !ok {
		t.Fatalf("message payload missing: %+v", call.params)
	}
	return msg
}

func TestHandleOutgoing_GroupText(t *testing.T) {
	h, caller, notifier := newTestSendHandler(t, "")
	env := groupEnvelope(protocol.Seglist([]protocol.Seg{protocol.Text("hello")}))

	if err := h.HandleOutgoing(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if len(caller.calls) != 1 || caller.calls[0].action != "send_group_msg" {
		t.Fatalf("calls = %+v", caller.calls)
	}
	params := paramsOf(t, caller.calls[0])
	if params["group_id"] != int64(42) {
		t.Errorf("group_id = %v", params["group_id"])
	}
	msg := messageArray(t, caller.calls[0])
	if len(msg) != 1 || msg[0]["type"] != "text" {
		t.Errorf("message = %+v", msg)
	}

	// Success must be confirmed back to the core with the assigned id.
	if len(notifier.payloads) != 1 {
		t.Fatalf("notifications = %+v", notifier.payloads)
	}
	confirm := notifier.payloads[0].(map[string]any)
	if confirm["type"] != "message_sent_back" {
		t.Errorf("confirmation type = %v", confirm["type"])
	}
	data := confirm["data"].(map[string]any)
	if data["qq_message_id"] != int64(777) {
		t.Errorf("qq_message_id = %v", data["qq_message_id"])
	}
}

func TestHandleOutgoing_PrivateTarget(t *testing.T) {
	h, caller, _ := newTestSendHandler(t, "")
	env := privateEnvelope(protocol.Seglist([]protocol.Seg{protocol.Text("hi")}))

	if err := h.HandleOutgoing(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if caller.calls[0].action != "send_private_msg" {
		t.Fatalf("action = %q", caller.calls[0].action)
	}
	if paramsOf(t, caller.calls[0])["user_id"] != int64(7) {
		t.Errorf("user_id = %v", paramsOf(t, caller.calls[0])["user_id"])
	}
}

func TestHandleOutgoing_NoTarget(t *testing.T) {
	h, _, _ := newTestSendHandler(t, "")
	env := protocol.MessageBase{MessageSegment: protocol.Text("orphan")}
	if err := h.HandleOutgoing(context.Background(), env); err == nil {
		t.Fatal("missing target accepted")
	}
}

func TestRenderSegments_ReplyAtHead(t *testing.T) {
	h, _, _ := newTestSendHandler(t, "")
	env := groupEnvelope(protocol.Seglist([]protocol.Seg{
		protocol.Text("before"),
		{Type: protocol.SegReply, Data: "100"},
		protocol.Text("after"),
		{Type: protocol.SegReply, Data: "200"},
	}))

	payload, err := h.renderSegments(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) != 3 {
		t.Fatalf("payload = %+v", payload)
	}
	if payload[0]["type"] != "reply" {
		t.Fatalf("reply not at head: %+v", payload)
	}
	if data := payload[0]["data"].(map[string]any); data["id"] != "200" {
		t.Errorf("reply id = %v, want last-wins 200", data["id"])
	}
}

func TestRenderSegments_NoticeReplySkipped(t *testing.T) {
	h, _, _ := newTestSendHandler(t, "")
	env := groupEnvelope(protocol.Seglist([]protocol.Seg{
		{Type: protocol.SegReply, Data: "notice"},
		protocol.Text("hello"),
	}))

	payload, err := h.renderSegments(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) != 1 || payload[0]["type"] != "text" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestRenderSegments_VoiceGatedByTTS(t *testing.T) {
	t.Run("disabled drops voice", func(t *testing.T) {
		h, _, _ := newTestSendHandler(t, "")
		env := groupEnvelope(protocol.Seglist([]protocol.Seg{
			{Type: protocol.SegVoice, Data: "QVVESU8="},
		}))
		payload, err := h.renderSegments(context.Background(), env)
		if err != nil {
			t.Fatal(err)
		}
		if len(payload) != 0 {
			t.Fatalf("payload = %+v", payload)
		}
	})

	t.Run("enabled renders record", func(t *testing.T) {
		h, _, _ := newTestSendHandler(t, "[voice]\nuse_tts = true\n")
		env := groupEnvelope(protocol.Seglist([]protocol.Seg{
			{Type: protocol.SegVoice, Data: "QVVESU8="},
		}))
		payload, err := h.renderSegments(context.Background(), env)
		if err != nil {
			t.Fatal(err)
		}
		if len(payload) != 1 || payload[0]["type"] != "record" {
			t.Fatalf("payload = %+v", payload)
		}
		if data := payload[0]["data"].(map[string]any); data["file"] != "base64://QVVESU8=" {
			t.Errorf("record file = %v", data["file"])
		}
	})
}

func TestRenderSegments_FaceIDCoercion(t *testing.T) {
	h, _, _ := newTestSendHandler(t, "")

	var numeric protocol.Seg
	if err := json.Unmarshal([]byte(`{"type":"face","data":123}`), &numeric); err != nil {
		t.Fatal(err)
	}
	env := groupEnvelope(protocol.Seglist([]protocol.Seg{
		numeric,
		{Type: protocol.SegFace, Data: "66"},
		{Type: protocol.SegFace, Data: map[string]any{}},
	}))

	out, err := h.renderSegments(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("rendered = %+v", out)
	}
	if id := out[0]["data"].(map[string]any)["id"]; id != int64(123) {
		t.Errorf("numeric face id = %v (%T)", id, id)
	}
	if id := out[1]["data"].(map[string]any)["id"]; id != int64(66) {
		t.Errorf("string face id = %v (%T)", id, id)
	}
}

func TestRenderMusic(t *testing.T) {
	if m := renderMusic(protocol.Seg{Type: protocol.SegMusic, Data: "12345"}); m == nil {
		t.Fatal("string music rejected")
	} else if data := m["data"].(map[string]any); data["type"] != "163" || data["id"] != "12345" {
		t.Errorf("music data = %v", data)
	}

	m := renderMusic(protocol.Seg{Type: protocol.SegMusic, Data: map[string]any{"type": "qq", "id": "9"}})
	if m == nil || m["data"].(map[string]any)["type"] != "qq" {
		t.Errorf("qq music = %v", m)
	}

	if m := renderMusic(protocol.Seg{Type: protocol.SegMusic, Data: map[string]any{"type": "spotify", "id": "9"}}); m != nil {
		t.Errorf("unsupported platform accepted: %v", m)
	}
}

func TestWithFileScheme(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/tmp/a.txt", "file:///tmp/a.txt"},
		{"file:///tmp/a.txt", "file:///tmp/a.txt"},
		{"http://x/a.txt", "http://x/a.txt"},
		{"base64://QQ==", "base64://QQ=="},
	}
	for _, tc := range cases {
		if got := withFileScheme(tc.in); got != tc.want {
			t.Errorf("withFileScheme(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEmojiAsGIF(t *testing.T) {
	h, _, _ := newTestSendHandler(t, "")

	t.Run("png converted", func(t *testing.T) {
		var buf bytes.Buffer
		if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
			t.Fatal(err)
		}
		encoded, err := h.emojiAsGIF(base64.StdEncoding.EncodeToString(buf.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if ct := http.DetectContentType(raw); ct != "image/gif" {
			t.Errorf("content type = %q", ct)
		}
	})

	t.Run("gif passes through", func(t *testing.T) {
		gif := []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")
		in := base64.StdEncoding.EncodeToString(gif)
		out, err := h.emojiAsGIF(in)
		if err != nil {
			t.Fatal(err)
		}
		if out != in {
			t.Error("gif was re-encoded")
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		if _, err := h.emojiAsGIF(base64.StdEncoding.EncodeToString([]byte("not an image"))); err == nil {
			t.Fatal("garbage accepted")
		}
	})
}

func TestForwardBundle(t *testing.T) {
	h, caller, _ := newTestSendHandler(t, "")

	embedded := []protocol.MessageBase{
		{
			MessageInfo:    protocol.BaseMessageInfo{},
			MessageSegment: protocol.Seg{Type: protocol.SegID, Data: "999"},
		},
		{
			MessageInfo: protocol.BaseMessageInfo{
				UserInfo: &protocol.UserInfo{UserID: 3, UserNickname: "bob"},
			},
			MessageSegment: protocol.Seglist([]protocol.Seg{protocol.Text("inner")}),
		},
	}
	env := groupEnvelope(protocol.Seglist([]protocol.Seg{
		{Type: protocol.SegForward, Data: embedded},
	}))

	if err := h.HandleOutgoing(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if len(caller.calls) != 1 || caller.calls[0].action != "send_group_forward_msg" {
		t.Fatalf("calls = %+v", caller.calls)
	}
	nodes := paramsOf(t, caller.calls[0])["messages"].([]map[string]any)
	if len(nodes) != 2 {
		t.Fatalf("nodes = %+v", nodes)
	}
	if nodes[0]["data"].(map[string]any)["id"] != "999" {
		t.Errorf("id node = %+v", nodes[0])
	}
	second := nodes[1]["data"].(map[string]any)
	if second["name"] != "bob" || second["uin"] != int64(3) {
		t.Errorf("content node = %+v", second)
	}
}

func TestHandleOutgoing_GatewayFailure(t *testing.T) {
	h, caller, _ := newTestSendHandler(t, "")
	caller.resp = &napcat.Response{Status: "failed", RetCode: 1400, Message: "bad request"}

	env := groupEnvelope(protocol.Seglist([]protocol.Seg{protocol.Text("x")}))
	err := h.HandleOutgoing(context.Background(), env)
	if err == nil {
		t.Fatal("gateway failure swallowed")
	}
	if want := fmt.Sprintf("retcode %d", 1400); !bytes.Contains([]byte(err.Error()), []byte(want)) {
		t.Errorf("error = %v", err)
	}
}
