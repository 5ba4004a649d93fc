package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

// maxBanSeconds is the longest mute the gateway accepts (30 days).
const maxBanSeconds = 2592000

// CommandResponse reports a command's outcome back to the core.
type CommandResponse struct {
	CommandName string          `json:"command_name"`
	Success     bool            `json:"success"`
	Timestamp   int64           `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// commandSpec binds a command name to its gateway action. prepare validates
// the core's args and rewrites them in place into the action's params; the
// two vocabularies differ (the core says qq_id where the gateway wants
// user_id).
type commandSpec struct {
	action       string
	requireGroup bool
	prepare      func(args map[string]any) error
}

var commandRegistry = map[string]commandSpec{
	"set_group_ban": {
		action:       "set_group_ban",
		requireGroup: true,
		prepare: func(args map[string]any) error {
			userID, ok := argInt64(args, "qq_id")
			if !ok {
				return fmt.Errorf("qq_id is required")
			}
			duration, ok := argInt64(args, "duration")
			if !ok {
				return fmt.Errorf("duration is required")
			}
			if duration < 0 || duration > maxBanSeconds {
				return fmt.Errorf("duration %d out of range [0, %d]", duration, maxBanSeconds)
			}
			delete(args, "qq_id")
			args["user_id"] = userID
			args["duration"] = duration
			return nil
		},
	},
	"set_group_whole_ban": {
		action:       "set_group_whole_ban",
		requireGroup: true,
		prepare: func(args map[string]any) error {
			if _, ok := args["enable"].(bool); !ok {
				return fmt.Errorf("enable must be a boolean")
			}
			return nil
		},
	},
	"set_group_kick": {
		action:       "set_group_kick",
		requireGroup: true,
		prepare: func(args map[string]any) error {
			return requireID(args, "user_id")
		},
	},
	"set_group_kick_members": {
		action:       "set_group_kick_members",
		requireGroup: true,
		prepare: func(args map[string]any) error {
			list, ok := args["user_id"].([]any)
			if !ok || len(list) == 0 {
				return fmt.Errorf("user_id must be a non-empty list")
			}
			for _, v := range list {
				switch v.(type) {
				case float64, string, json.Number:
				default:
					return fmt.Errorf("user_id list entries must be ids")
				}
			}
			return nil
		},
	},
	"set_group_name": {
		action:       "set_group_name",
		requireGroup: true,
		prepare: func(args map[string]any) error {
			if name, _ := args["group_name"].(string); name == "" {
				return fmt.Errorf("group_name is required")
			}
			return nil
		},
	},
	"send_poke": {
		action: "send_poke",
		prepare: func(args map[string]any) error {
			userID, ok := argInt64(args, "qq_id")
			if !ok {
				return fmt.Errorf("qq_id is required")
			}
			delete(args, "qq_id")
			args["user_id"] = userID
			return nil
		},
	},
	"delete_msg": {
		action: "delete_msg",
		prepare: func(args map[string]any) error {
			return requireID(args, "message_id")
		},
	},
	"send_group_ai_record": {
		action:       "send_group_ai_record",
		requireGroup: true,
		prepare: func(args map[string]any) error {
			if character, _ := args["character"].(string); character == "" {
				return fmt.Errorf("character is required")
			}
			if text, _ := args["text"].(string); text == "" {
				return fmt.Errorf("text is required")
			}
			return nil
		},
	},
	"message_like": {
		action: "set_msg_emoji_like",
		prepare: func(args map[string]any) error {
			if err := requireID(args, "message_id"); err != nil {
				return err
			}
			if err := requireID(args, "emoji_id"); err != nil {
				return err
			}
			args["set"] = true
			return nil
		},
	},
	"set_qq_profile": {
		action: "set_qq_profile",
		prepare: func(args map[string]any) error {
			if sex, ok := args["sex"].(string); ok {
				switch sex {
				case "male", "female", "unknown":
				default:
					return fmt.Errorf("sex must be male, female or unknown")
				}
			}
			return nil
		},
	},
	"get_login_info": {action: "get_login_info"},
	"get_stranger_info": {
		action: "get_stranger_info",
		prepare: func(args map[string]any) error {
			return requireID(args, "user_id")
		},
	},
	"get_friend_list": {
		action: "get_friend_list",
		prepare: func(args map[string]any) error {
			if _, ok := args["no_cache"]; !ok {
				args["no_cache"] = false
			}
			return nil
		},
	},
	"get_group_info":          {action: "get_group_info", requireGroup: true},
	"get_group_detail_info":   {action: "get_group_detail_info", requireGroup: true},
	"get_group_list":          {action: "get_group_list"},
	"get_group_at_all_remain": {action: "get_group_at_all_remain", requireGroup: true},
	"get_group_member_info": {
		action:       "get_group_member_info",
		requireGroup: true,
		prepare: func(args map[string]any) error {
			return requireID(args, "user_id")
		},
	},
	"get_group_member_list": {action: "get_group_member_list", requireGroup: true},
	"get_msg": {
		action: "get_msg",
		prepare: func(args map[string]any) error {
			return requireID(args, "message_id")
		},
	},
	"get_forward_msg": {
		action: "get_forward_msg",
		prepare: func(args map[string]any) error {
			if id, _ := args["message_id"].(string); id == "" {
				return fmt.Errorf("message_id is required")
			}
			return nil
		},
	},
}

// CommandDispatcher executes command envelopes against the gateway and
// reports each outcome back to the core.
type CommandDispatcher struct {
	gateway  ActionCaller
	notifier CoreNotifier
}

func NewCommandDispatcher(gateway ActionCaller, notifier CoreNotifier) *CommandDispatcher {
	return &CommandDispatcher{gateway: gateway, notifier: notifier}
}

// Dispatch runs the command carried by msg. Execution failures are reported
// through the command response, not as an error; only a broken core link
// errors out.
func (d *CommandDispatcher) Dispatch(ctx context.Context, msg protocol.MessageBase) error {
	name, args, err := extractCommand(msg.MessageSegment)
	if err != nil {
		slog.Warn("malformed command envelope", "error", err)
		return d.respond(ctx, CommandResponse{
			CommandName: name,
			Error:       err.Error(),
		})
	}

	spec, ok := commandRegistry[name]
	if !ok {
		return d.respond(ctx, CommandResponse{
			CommandName: name,
			Error:       fmt.Sprintf("unknown command %q", name),
		})
	}

	if spec.requireGroup {
		if _, ok := argInt64(args, "group_id"); !ok {
			if info := msg.MessageInfo.GroupInfo; info != nil && info.GroupID != 0 {
				args["group_id"] = info.GroupID
			} else {
				return d.respond(ctx, CommandResponse{
					CommandName: name,
					Error:       "group_id is required",
				})
			}
		}
	}
	if spec.prepare != nil {
		if err := spec.prepare(args); err != nil {
			return d.respond(ctx, CommandResponse{
				CommandName: name,
				Error:       err.Error(),
			})
		}
	}

	resp, err := d.gateway.Call(ctx, spec.action, args)
	if err != nil {
		return d.respond(ctx, CommandResponse{CommandName: name, Error: err.Error()})
	}
	if !resp.OK() {
		return d.respond(ctx, CommandResponse{
			CommandName: name,
			Error:       fmt.Sprintf("gateway returned %s (retcode %d): %s", resp.Status, resp.RetCode, resp.Message),
		})
	}
	return d.respond(ctx, CommandResponse{
		CommandName: name,
		Success:     true,
		Data:        resp.Data,
	})
}

func (d *CommandDispatcher) respond(ctx context.Context, resp CommandResponse) error {
	resp.Timestamp = time.Now().Unix()
	if !resp.Success {
		slog.Warn("command failed", "command", resp.CommandName, "error", resp.Error)
	}
	return d.notifier.SendCustom(ctx, map[string]any{
		"type": "command_response",
		"data": resp,
	})
}

// extractCommand pulls the command name and argument map out of the
// envelope's segment tree.
func extractCommand(root protocol.Seg) (name string, args map[string]any, err error) {
	var cmd *protocol.Seg
	root.Walk(func(seg protocol.Seg) bool {
		if seg.Type == protocol.SegCommand && cmd == nil {
			c := seg
			cmd = &c
			return false
		}
		return true
	})
	if cmd == nil {
		return "", nil, fmt.Errorf("no command segment")
	}
	data := cmd.Map()
	name, _ = data["name"].(string)
	if name == "" {
		return "", nil, fmt.Errorf("command segment names no command")
	}
	args, _ = data["args"].(map[string]any)
	if args == nil {
		args = make(map[string]any)
	}
	return name, args, nil
}

// requireID checks that args carries a usable id under key.
func requireID(args map[string]any, key string) error {
	if _, ok := argInt64(args, key); !ok {
		return fmt.Errorf("%s is required", key)
	}
	return nil
}

// argInt64 reads an id argument, accepting the number and string forms the
// core emits interchangeably.
func argInt64(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
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
