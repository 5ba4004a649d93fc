package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/internal/core"
	"github.com/maimbot/napcat-adapter/internal/inbound"
	"github.com/maimbot/napcat-adapter/internal/napcat"
	"github.com/maimbot/napcat-adapter/internal/outbound"
	"github.com/maimbot/napcat-adapter/internal/store"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

// eventPacing spaces out event dispatches so a gateway burst cannot starve
// the scheduler.
const eventPacing = 50 * time.Millisecond

// shutdownGrace bounds each phase of the graceful shutdown.
const shutdownGrace = 3 * time.Second

// gatewayProxy forwards frames to whichever gateway server is currently
// live, so callers survive a config-triggered server restart.
type gatewayProxy struct {
	mu     sync.Mutex
	server *napcat.Server
}

func (p *gatewayProxy) set(s *napcat.Server) {
	p.mu.Lock()
	p.server = s
	p.mu.Unlock()
}

func (p *gatewayProxy) Send(v any) error {
	p.mu.Lock()
	s := p.server
	p.mu.Unlock()
	if s == nil {
		return fmt.Errorf("gateway not running")
	}
	return s.Send(v)
}

// Supervisor wires the gateway server, the core client and the translators
// together and owns their lifecycles.
type Supervisor struct {
	cfg   *config.Manager
	bans  *store.BanStore
	pool  *napcat.ResponsePool
	proxy *gatewayProxy

	coreClient *core.Client
	messages   *inbound.MessageHandler
	notices    *inbound.NoticeHandler
	meta       *inbound.MetaHandler
	send       *outbound.SendHandler

	mu            sync.Mutex
	gateway       *napcat.Server
	gatewayCancel context.CancelFunc

	errs chan error
	wg   sync.WaitGroup
}

// New builds a supervisor from the loaded config and an open ban store.
func New(cfg *config.Manager, bans *store.BanStore) *Supervisor {
	snapshot := cfg.Snapshot()

	pool := napcat.NewResponsePool()
	proxy := &gatewayProxy{}
	caller := napcat.NewCaller(proxy, pool, 0)

	coreClient := core.NewClient(snapshot.Core)
	messages := inbound.NewMessageHandler(cfg, caller, coreClient)
	notices := inbound.NewNoticeHandler(cfg, caller, messages, coreClient, bans)
	send := outbound.NewSendHandler(cfg, caller, coreClient)

	return &Supervisor{
		cfg:        cfg,
		bans:       bans,
		pool:       pool,
		proxy:      proxy,
		coreClient: coreClient,
		messages:   messages,
		notices:    notices,
		meta:       inbound.NewMetaHandler(),
		send:       send,
		errs:       make(chan error, 1),
	}
}

// Run starts every component and blocks until ctx is canceled or the
// gateway server fails fatally, then shuts down in phases: stop accepting
// gateway traffic, drop the core link, cancel the remaining tasks.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.coreClient.SetHandler(func(msg protocol.MessageBase) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.send.HandleOutgoing(runCtx, msg); err != nil {
				slog.Error("outgoing message failed", "error", err)
			}
		}()
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.coreClient.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("core client stopped", "error", err)
		}
	}()

	s.notices.Run(runCtx)
	s.startGateway(runCtx)

	if err := s.cfg.OnChange("gateway", func(oldValue, newValue any) {
		slog.Info("gateway config changed, restarting server", "old", oldValue, "new", newValue)
		s.restartGateway(runCtx)
	}); err != nil {
		cancel()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-s.errs:
		runErr = err
	}

	s.shutdown(cancel)
	return runErr
}

// startGateway creates a server from the current config snapshot, swaps it
// into the proxy and begins serving and routing its events.
func (s *Supervisor) startGateway(runCtx context.Context) {
	gw := s.cfg.Snapshot().Gateway
	server := napcat.NewServer(gw.Host, gw.Port, gw.Token, s.pool)

	serverCtx, serverCancel := context.WithCancel(runCtx)

	s.mu.Lock()
	s.gateway = server
	s.gatewayCancel = serverCancel
	s.mu.Unlock()
	s.proxy.set(server)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := server.Start(serverCtx); err != nil {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		s.route(serverCtx, server)
	}()
}

// restartGateway tears the current server down and brings up a new one on
// the freshly loaded gateway settings.
func (s *Supervisor) restartGateway(runCtx context.Context) {
	s.mu.Lock()
	server := s.gateway
	serverCancel := s.gatewayCancel
	s.mu.Unlock()

	if serverCancel != nil {
		serverCancel()
	}
	if server != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
		server.Stop(stopCtx)
		stop()
	}
	if runCtx.Err() != nil {
		return
	}
	s.startGateway(runCtx)
}

// route drains one server's event queue, dispatching each event on its own
// goroutine with fixed pacing between dispatches.
func (s *Supervisor) route(ctx context.Context, server *napcat.Server) {
	for {
		ev, ok := server.NextEvent(ctx)
		if !ok {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, ev)
		}()
		select {
		case <-ctx.Done():
			return
		case <-time.After(eventPacing):
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, ev *napcat.Event) {
	switch ev.PostType {
	case napcat.PostMessage:
		if err := s.messages.HandleMessage(ctx, ev); err != nil {
			slog.Error("message handling failed", "message_id", ev.MessageID, "error", err)
		}
	case napcat.PostNotice:
		if err := s.notices.HandleNotice(ctx, ev); err != nil {
			slog.Error("notice handling failed", "notice_type", ev.NoticeType, "error", err)
		}
	case napcat.PostMetaEvent:
		s.meta.HandleMetaEvent(ctx, ev)
	default:
		slog.Warn("unknown post type", "post_type", ev.PostType)
	}
}

// shutdown runs the phased teardown. Each phase gets its own grace window;
// a phase overrunning it is logged and abandoned.
func (s *Supervisor) shutdown(cancel context.CancelFunc) {
	slog.Info("shutting down")

	s.mu.Lock()
	server := s.gateway
	s.mu.Unlock()
	if server != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
		if err := server.Stop(stopCtx); err != nil {
			slog.Warn("gateway server stop", "error", err)
		}
		stop()
	}

	s.coreClient.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("shutdown complete")
	case <-time.After(shutdownGrace):
		slog.Warn("shutdown timed out, abandoning remaining tasks")
	}
}
