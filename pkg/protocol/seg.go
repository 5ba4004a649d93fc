package protocol

import (
	"encoding/json"
	"fmt"
)

// Segment type tags. A message body is a tree of Segs: leaves carry a
// string, number or object payload, "seglist" carries an ordered child
// list and "forward" carries a list of complete MessageBase records.
const (
	SegText        = "text"
	SegFace        = "face"
	SegImage       = "image"
	SegImageURL    = "imageurl"
	SegEmoji       = "emoji"
	SegVoice       = "voice"
	SegVoiceURL    = "voiceurl"
	SegVideo       = "video"
	SegVideoURL    = "videourl"
	SegVideoCard   = "video_card"
	SegFile        = "file"
	SegMusic       = "music"
	SegMusicCard   = "music_card"
	SegMiniappCard = "miniapp_card"
	SegAt          = "at"
	SegReply       = "reply"
	SegForward     = "forward"
	SegNotify      = "notify"
	SegCommand     = "command"
	SegSeglist     = "seglist"
	SegID          = "id"
)

// Seg is one node of the message segment tree.
//
// Data holds a string for text-like leaves, a map for structured leaves
// (notify, video_card, music_card, ...), []Seg for "seglist" and
// []MessageBase for "forward".
type Seg struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Text builds a plain text leaf.
func Text(s string) Seg { return Seg{Type: SegText, Data: s} }

// Seglist builds an ordered list node from its children.
func Seglist(children []Seg) Seg { return Seg{Type: SegSeglist, Data: children} }

// Str returns the string payload, or "" when the payload is not a string.
func (s Seg) Str() string {
	v, _ := s.Data.(string)
	return v
}

// Segs returns the child list of a "seglist" node.
func (s Seg) Segs() []Seg {
	v, _ := s.Data.([]Seg)
	return v
}

// Forward returns the embedded messages of a "forward" node.
func (s Seg) Forward() []MessageBase {
	v, _ := s.Data.([]MessageBase)
	return v
}

// Map returns the object payload of a structured leaf.
func (s Seg) Map() map[string]any {
	v, _ := s.Data.(map[string]any)
	return v
}

// UnmarshalJSON decodes Data according to Type so that tree nodes round-trip
// into typed Go values instead of bare interface maps.
func (s *Seg) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Type = raw.Type
	if len(raw.Data) == 0 {
		s.Data = nil
		return nil
	}
	switch raw.Type {
	case SegSeglist:
		var children []Seg
		if err := json.Unmarshal(raw.Data, &children); err != nil {
			return fmt.Errorf("seglist children: %w", err)
		}
		s.Data = children
	case SegForward:
		var msgs []MessageBase
		if err := json.Unmarshal(raw.Data, &msgs); err != nil {
			return fmt.Errorf("forward content: %w", err)
		}
		s.Data = msgs
	default:
		var v any
		if err := json.Unmarshal(raw.Data, &v); err != nil {
			return err
		}
		s.Data = v
	}
	return nil
}

// Walk visits the node and every descendant in document order.
// The visitor returning false prunes the subtree.
func (s Seg) Walk(visit func(Seg) bool) {
	if !visit(s) {
		return
	}
	for _, child := range s.Segs() {
		child.Walk(visit)
	}
}
