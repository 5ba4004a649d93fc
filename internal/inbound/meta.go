package inbound

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/maimbot/napcat-adapter/internal/napcat"
)

// defaultHeartbeatInterval is used until the first heartbeat announces the
// gateway's real interval.
const defaultHeartbeatInterval = 30 * time.Second

// MetaHandler tracks the gateway's lifecycle and heartbeat meta events and
// raises the alarm when heartbeats stop arriving.
type MetaHandler struct {
	mu       sync.Mutex
	lastBeat time.Time
	interval time.Duration
	watching bool
}

func NewMetaHandler() *MetaHandler {
	return &MetaHandler{interval: defaultHeartbeatInterval}
}

// HandleMetaEvent dispatches one meta event.
func (m *MetaHandler) HandleMetaEvent(ctx context.Context, ev *napcat.Event) {
	switch ev.MetaEventType {
	case "lifecycle":
		if ev.SubType == "connect" {
			slog.Info("gateway lifecycle connect", "self_id", ev.SelfID)
			m.markBeat()
			m.startWatchdog(ctx)
		}
	case "heartbeat":
		m.handleHeartbeat(ctx, ev)
	default:
		slog.Debug("unhandled meta event", "meta_event_type", ev.MetaEventType)
	}
}

func (m *MetaHandler) handleHeartbeat(ctx context.Context, ev *napcat.Event) {
	var status struct {
		Online bool `json:"online"`
		Good   bool `json:"good"`
	}
	if len(ev.Status) > 0 {
		if err := json.Unmarshal(ev.Status, &status); err != nil {
			slog.Warn("heartbeat status malformed", "error", err)
			return
		}
	}
	if !status.Online {
		slog.Error("gateway reports account offline")
		return
	}
	if !status.Good {
		slog.Error("gateway reports degraded status")
		return
	}

	m.mu.Lock()
	m.lastBeat = time.Now()
	if ev.Interval > 0 {
		m.interval = time.Duration(ev.Interval) * time.Millisecond
	}
	m.mu.Unlock()
	m.startWatchdog(ctx)
}

func (m *MetaHandler) markBeat() {
	m.mu.Lock()
	m.lastBeat = time.Now()
	m.mu.Unlock()
}

// startWatchdog launches the missed-heartbeat monitor. The watching flag
// latches so only one monitor runs per handler lifetime.
func (m *MetaHandler) startWatchdog(ctx context.Context) {
	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return
	}
	m.watching = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				last, interval := m.lastBeat, m.interval
				m.mu.Unlock()
				if time.Since(last) > 2*interval {
					slog.Error("heartbeat lost, gateway presumed dead",
						"last_beat", last.Format(time.RFC3339),
						"interval", interval)
					m.mu.Lock()
					m.watching = false
					m.mu.Unlock()
					return
				}
			}
		}
	}()
}
