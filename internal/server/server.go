package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/config"
	"github.com/nick-hill-dev/wsrelay-server/internal/relay"
)

// Extra headroom over the largest permitted buffer payload for opcode,
// name and length-prefix bytes.
const frameOverhead = 1024

// RelayServer hosts the websocket endpoint and the admin HTTP listener.
type RelayServer struct {
	cfg       config.Config
	log       *zap.Logger
	manager   *relay.Manager
	metrics   *relayMetrics
	httpSrv   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool
}

// NewRelayServer constructs a server around an already wired relay engine.
func NewRelayServer(cfg config.Config, logger *zap.Logger, manager *relay.Manager) *RelayServer {
	return &RelayServer{
		cfg:     cfg,
		log:     logger,
		manager: manager,
	}
}

// Start boots the websocket listener and blocks until ctx is cancelled or
// the listener fails.
func (s *RelayServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(reg)
	registerEngineGauges(reg, s.manager.UserCount, s.manager.RealmCount, s.manager.ResidentBufferCount)
	s.startAdminServer(reg)

	if s.cfg.AcceptsAllOrigins() {
		s.log.Warn("accepting connections from all origins")
	}

	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: s,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay server listening",
		zap.String("address", s.cfg.ListenAddress),
		zap.Strings("origins", s.cfg.AcceptedOrigins),
		zap.Strings("protocols", s.cfg.AcceptedProtocols))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve websocket: %w", err)
	}
	return nil
}

// ServeHTTP upgrades websocket requests; anything else is not found.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.log.Debug("non-websocket request", zap.String("url", r.URL.String()))
		http.NotFound(w, r)
		return
	}

	protocol, ok := s.checkRequest(r)
	if !ok {
		s.metrics.recordDrop("rejected_handshake")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The origin was already vetted against the allow-list.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, http.Header{"Sec-WebSocket-Protocol": {protocol}})
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	s.handleConnection(ws, r)
}

func (s *RelayServer) handleConnection(ws *websocket.Conn, r *http.Request) {
	s.metrics.incConnection()
	defer s.metrics.decConnection()

	c := newClient(ws, s.log, s.metrics)
	user := s.manager.Register(c)
	s.log.Info("connection accepted",
		zap.Int("user", user.UserID()),
		zap.String("remote", ws.RemoteAddr().String()),
		zap.String("origin", r.Header.Get("Origin")))

	go c.writePump()
	c.readPump(user.UserID(), s.manager, int64(s.cfg.MaxBufferSize)+frameOverhead)

	c.close()
	s.manager.Unregister(user.UserID())
	s.log.Info("connection closed", zap.Int("user", user.UserID()))
}

// checkRequest applies the origin and subprotocol allow-lists, returning the
// subprotocol to select.
func (s *RelayServer) checkRequest(r *http.Request) (string, bool) {
	if !s.cfg.AcceptsAllOrigins() {
		origin, err := url.Parse(r.Header.Get("Origin"))
		if err != nil || origin.Scheme == "" || origin.Hostname() == "" {
			s.log.Info("rejected connection with invalid origin", zap.String("origin", r.Header.Get("Origin")))
			return "", false
		}
		address := origin.Scheme + "://" + origin.Hostname()
		permitted := false
		for _, accepted := range s.cfg.AcceptedOrigins {
			if accepted == address {
				permitted = true
				break
			}
		}
		if !permitted {
			s.log.Info("rejected connection from non-permitted origin", zap.String("origin", address))
			return "", false
		}
	}

	protocols := websocket.Subprotocols(r)
	if len(protocols) == 0 {
		s.log.Info("rejected connection requesting no subprotocol")
		return "", false
	}
	for _, protocol := range protocols {
		if !s.cfg.AcceptsProtocol(protocol) {
			s.log.Info("rejected connection from non-permitted protocol", zap.String("protocol", protocol))
			return "", false
		}
	}
	return protocols[0], true
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:    s.cfg.AdminAddress,
		Handler: mux,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("relay server stopped")
}
